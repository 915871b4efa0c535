package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/stakevault/internal/metrics"
	custommiddleware "github.com/mmeshcher/stakevault/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware актора. Отладочные маршруты
// регистрируются только при devQueries.
func (h *Handler) SetupRouter(devQueries bool) *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/stake/{principal}", h.GetStake)
		r.Get("/stake/{principal}/pending", h.GetPendingReward)
		r.Get("/totals", h.GetTotals)
		r.Get("/token/balance", h.GetTokenBalance)
		r.Get("/token/allowance/{owner}", h.GetAllowance)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/stake/deposit", h.Deposit)
			r.Post("/stake/withdraw", h.Withdraw)
			r.Post("/stake/claim", h.Claim)
		})

		if devQueries {
			r.Route("/dev", h.devRoutes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func (h *Handler) devRoutes(r chi.Router) {
	r.Post("/login", h.Login)
	r.Get("/myId", h.MyID)
	r.Get("/tokenId", h.TokenID)
	r.Get("/tokenBalanceOf/{principal}", h.TokenBalanceOf)
	r.Get("/testCurrentTime", h.CurrentTime)
	r.Get("/testRewardPeriod", h.RewardPeriod)
	r.Get("/testCooldown", h.Cooldown)
	r.Get("/decimals", h.Decimals)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/whoami", h.WhoAmI)
		r.Post("/transferTokenFromToMe", h.TransferTokenFromToMe)
	})
}
