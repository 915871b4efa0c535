// Package config содержит логику чтения конфигурации актора стейкинга.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/stakevault/internal/validation"
)

const (
	defaultRunAddress        = "localhost:8080"
	defaultStorePath         = "data/stakevault"
	defaultAnnualRatePercent = 15
	defaultRewardPeriod      = time.Hour
	defaultWithdrawCooldown  = 2 * time.Minute
)

var (
	// ErrLedgerAddressRequired возвращается, если не задан адрес леджера.
	ErrLedgerAddressRequired = errors.New("ledger address is required")
	// ErrInvalidCanisterID возвращается, если идентификатор актора не является принципалом.
	ErrInvalidCanisterID = errors.New("canister id must be a valid principal")
	// ErrInvalidRewardPeriod возвращается при неположительном периоде начисления.
	ErrInvalidRewardPeriod = errors.New("reward period must be positive")
)

// Config содержит параметры конфигурации актора стейкинга.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	StorePath         string        `env:"STORE_PATH"`
	LedgerAddress     string        `env:"LEDGER_ADDRESS"`
	CanisterID        string        `env:"CANISTER_ID"`
	AuthSecret        string        `env:"AUTH_SECRET"`
	AnnualRatePercent uint64        `env:"ANNUAL_RATE_PERCENT"`
	RewardPeriod      time.Duration `env:"REWARD_PERIOD"`
	WithdrawCooldown  time.Duration `env:"WITHDRAW_COOLDOWN"`
	DevQueries        bool          `env:"DEV_QUERIES"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, LevelDB is used when empty")
	flag.StringVar(&cfg.StorePath, "s", defaultStorePath, "LevelDB directory")
	flag.StringVar(&cfg.LedgerAddress, "l", "", "token ledger address")
	flag.StringVar(&cfg.CanisterID, "i", "", "principal of this staking actor")
	flag.StringVar(&cfg.AuthSecret, "k", "", "secret for caller cookie signature")
	flag.Uint64Var(&cfg.AnnualRatePercent, "rate", defaultAnnualRatePercent, "reward rate in percent per reward period")
	flag.DurationVar(&cfg.RewardPeriod, "period", defaultRewardPeriod, "reward period")
	flag.DurationVar(&cfg.WithdrawCooldown, "cooldown", defaultWithdrawCooldown, "withdrawal cooldown after deposit")
	flag.BoolVar(&cfg.DevQueries, "dev", false, "enable development queries")

	flag.Parse()

	// env.Parse не трогает поля, для которых переменная не задана
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.StorePath == "" {
		cfg.StorePath = defaultStorePath
	}

	return cfg, nil
}

// Validate проверяет обязательные параметры.
func (c *Config) Validate() error {
	if c.LedgerAddress == "" {
		return ErrLedgerAddressRequired
	}
	if !validation.IsValidPrincipal(c.CanisterID) {
		return fmt.Errorf("%w: %q", ErrInvalidCanisterID, c.CanisterID)
	}
	if c.RewardPeriod <= 0 {
		return ErrInvalidRewardPeriod
	}
	return nil
}
