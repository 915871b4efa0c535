// Package main запускает HTTP-сервер актора стейкинга.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/stakevault/internal/config"
	"github.com/mmeshcher/stakevault/internal/handler"
	"github.com/mmeshcher/stakevault/internal/ledger"
	"github.com/mmeshcher/stakevault/internal/middleware"
	"github.com/mmeshcher/stakevault/internal/model"
	"github.com/mmeshcher/stakevault/internal/repository"
	"github.com/mmeshcher/stakevault/internal/reward"
	"github.com/mmeshcher/stakevault/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openRepository(cfg)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	self := model.Principal(cfg.CanisterID)
	ledgerClient := ledger.NewClient(cfg.LedgerAddress, self)

	svc, err := service.NewService(context.Background(), repo, ledgerClient, service.Settings{
		Self:    self,
		TokenID: cfg.LedgerAddress,
		Reward: reward.Params{
			AnnualRatePercent: cfg.AnnualRatePercent,
			ReferencePeriod:   cfg.RewardPeriod,
		},
		Cooldown: cfg.WithdrawCooldown,
	}, logger)
	if err != nil {
		_ = repo.Close()
		sugar.Fatalw("service initialization error", "error", err.Error())
	}
	defer svc.Close()

	authMiddleware, err := middleware.NewAuthMiddleware(cfg.AuthSecret)
	if err != nil {
		sugar.Fatalw("auth initialization error", "error", err.Error())
	}
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter(cfg.DevQueries)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting stakevault server",
			"addr", cfg.RunAddress,
			"self", cfg.CanisterID,
			"ledger", cfg.LedgerAddress,
			"devQueries", cfg.DevQueries,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// openRepository выбирает PostgreSQL, если задан DATABASE_URI, иначе LevelDB.
func openRepository(cfg *config.Config) (service.Repository, error) {
	if cfg.DatabaseURI != "" {
		return repository.NewPostgresRepository(cfg.DatabaseURI)
	}
	return repository.NewLevelDBRepository(cfg.StorePath)
}
