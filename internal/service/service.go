// Package service реализует сообщения актора стейкинга: депозит, вывод, получение награды
// и читающие запросы.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/mmeshcher/stakevault/internal/actor"
	"github.com/mmeshcher/stakevault/internal/model"
	"github.com/mmeshcher/stakevault/internal/registry"
	"github.com/mmeshcher/stakevault/internal/reward"
)

var (
	// ErrInvalidAmount возвращается при нулевой сумме депозита или вывода.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientAllowance возвращается, если разрешение на списание меньше суммы депозита.
	ErrInsufficientAllowance = errors.New("staking actor is not allowed to spend this amount of tokens, approve first")
	// ErrNoStake возвращается, если у аккаунта нет стейка.
	ErrNoStake = errors.New("no stake")
	// ErrAmountExceedsStake возвращается при попытке вывести больше, чем застейкано.
	ErrAmountExceedsStake = errors.New("amount is more than staked amount")
	// ErrCooldownActive возвращается, если с последнего депозита не прошёл период ожидания.
	ErrCooldownActive = errors.New("withdrawal cooldown has not elapsed")
	// ErrAmountOverflow возвращается, если сумма стейка не помещается в 256 бит.
	ErrAmountOverflow = errors.New("stake amount overflow")
)

// Repository описывает хранилище, которым владеет актор.
type Repository interface {
	registry.Store
	InitCounters(ctx context.Context) error
	Close() error
}

// Ledger описывает операции внешнего леджера, используемые сервисом.
type Ledger interface {
	reward.Ledger
	Allowance(ctx context.Context, owner, spender model.Principal) (uint256.Int, error)
	TransferFrom(ctx context.Context, from, to model.Principal, amount uint256.Int) (uint256.Int, error)
	Decimals(ctx context.Context) (uint8, error)
}

// Settings задаёт параметры актора.
type Settings struct {
	Self     model.Principal
	TokenID  string
	Reward   reward.Params
	Cooldown time.Duration
}

// Service содержит бизнес-логику актора стейкинга.
type Service struct {
	repo     Repository
	ledger   Ledger
	actor    *actor.Actor
	engine   *reward.Engine
	tokenID  string
	cooldown time.Duration
}

// NewService создаёт актора поверх репозитория и инициализирует глобальные счётчики.
func NewService(ctx context.Context, repo Repository, l Ledger, s Settings, logger *zap.Logger, opts ...actor.Option) (*Service, error) {
	if err := repo.InitCounters(ctx); err != nil {
		return nil, fmt.Errorf("init counters: %w", err)
	}

	return &Service{
		repo:     repo,
		ledger:   l,
		actor:    actor.New(repo, s.Self, logger, opts...),
		engine:   reward.NewEngine(l, s.Reward),
		tokenID:  s.TokenID,
		cooldown: s.Cooldown,
	}, nil
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Deposit переводит amount токенов вызывающего на баланс актора и добавляет их к его стейку.
// Перед увеличением существующего стейка начисляется награда за старую сумму, а период
// ожидания вывода начинается заново для всей суммы.
func (s *Service) Deposit(ctx context.Context, caller model.Principal, amount uint256.Int) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}

	return s.actor.Update(ctx, "deposit", caller, func(ctx context.Context, m *actor.Message) error {
		allowance, err := actor.Await(ctx, m, func(ctx context.Context) (uint256.Int, error) {
			return s.ledger.Allowance(ctx, caller, m.Self())
		})
		if err != nil {
			return fmt.Errorf("query allowance: %w", err)
		}
		if amount.Gt(&allowance) {
			return fmt.Errorf("%w: allowance %s, amount %s", ErrInsufficientAllowance, allowance.Dec(), amount.Dec())
		}

		_, err = actor.Await(ctx, m, func(ctx context.Context) (uint256.Int, error) {
			return s.ledger.TransferFrom(ctx, caller, m.Self(), amount)
		})
		if err != nil {
			return fmt.Errorf("transfer from caller: %w", err)
		}

		now := m.Now()
		stake, ok, err := m.Registry.Get(ctx, caller)
		if err != nil {
			return fmt.Errorf("read stake: %w", err)
		}

		if !ok {
			stake = model.Stake{
				Amount:    amount,
				CreatedAt: now,
				UpdatedAt: now,
			}
		} else {
			if _, err := s.engine.Settle(ctx, m, caller, now); err != nil {
				return fmt.Errorf("settle: %w", err)
			}

			stake, err = m.Registry.MustGet(ctx, caller)
			if err != nil {
				return err
			}
			if _, overflow := stake.Amount.AddOverflow(&stake.Amount, &amount); overflow {
				return ErrAmountOverflow
			}
			stake.CreatedAt = now
		}

		m.Registry.Put(caller, stake)
		// totalStaked растёт на новую сумму стейка целиком, а не на amount
		m.Registry.AddTotalStaked(stake.Amount)

		m.Logger().Info("deposit",
			zap.String("amount", amount.Dec()),
			zap.String("staked", stake.Amount.Dec()),
		)
		return nil
	})
}

// Withdraw выводит amount из стейка вызывающего. Сначала начисляется награда, затем сама сумма
// выплачивается как награда: при нехватке средств актора недостающая часть становится долгом.
func (s *Service) Withdraw(ctx context.Context, caller model.Principal, amount uint256.Int) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}

	return s.actor.Update(ctx, "withdraw", caller, func(ctx context.Context, m *actor.Message) error {
		now := m.Now()

		stake, ok, err := m.Registry.Get(ctx, caller)
		if err != nil {
			return fmt.Errorf("read stake: %w", err)
		}
		if !ok {
			return ErrNoStake
		}
		if amount.Gt(&stake.Amount) {
			return fmt.Errorf("%w: staked %s, requested %s", ErrAmountExceedsStake, stake.Amount.Dec(), amount.Dec())
		}
		if unlock := stake.CreatedAt.Add(s.cooldown); now.Before(unlock) {
			return fmt.Errorf("%w: wait %s", ErrCooldownActive, unlock.Sub(now))
		}

		if _, err := s.engine.Settle(ctx, m, caller, now); err != nil {
			return fmt.Errorf("settle: %w", err)
		}

		res, err := s.engine.Payout(ctx, m, caller, amount)
		if err != nil {
			return fmt.Errorf("pay out principal: %w", err)
		}

		m.Registry.SubTotalStaked(amount)

		stake, err = m.Registry.MustGet(ctx, caller)
		if err != nil {
			return err
		}
		if amount.Gt(&stake.Amount) {
			return fmt.Errorf("%w: staked %s, requested %s", ErrAmountExceedsStake, stake.Amount.Dec(), amount.Dec())
		}
		stake.Amount.Sub(&stake.Amount, &amount)
		m.Registry.Put(caller, stake)

		m.Logger().Info("withdraw",
			zap.String("amount", amount.Dec()),
			zap.String("transferred", res.Transferred.Dec()),
			zap.String("deferred", res.Deferred.Dec()),
			zap.String("staked", stake.Amount.Dec()),
		)
		return nil
	})
}

// Claim выплачивает вызывающему накопленную награду и долг. Без стейка ничего не делает.
func (s *Service) Claim(ctx context.Context, caller model.Principal) error {
	return s.actor.Update(ctx, "claim", caller, func(ctx context.Context, m *actor.Message) error {
		if _, err := s.engine.Settle(ctx, m, caller, m.Now()); err != nil {
			return fmt.Errorf("settle: %w", err)
		}
		return nil
	})
}

// StakeInfoOf возвращает стейк аккаунта или ErrNoStake.
func (s *Service) StakeInfoOf(ctx context.Context, id model.Principal) (model.Stake, error) {
	var stake model.Stake
	err := s.actor.Query(ctx, "stakeInfoOf", id, func(ctx context.Context, m *actor.Message) error {
		var (
			ok  bool
			err error
		)
		stake, ok, err = m.Registry.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoStake
		}
		return nil
	})
	return stake, err
}

// GetPendingReward возвращает награду, накопленную аккаунтом к текущему моменту.
func (s *Service) GetPendingReward(ctx context.Context, id model.Principal) (uint256.Int, error) {
	var pending uint256.Int
	err := s.actor.Query(ctx, "getPendingReward", id, func(ctx context.Context, m *actor.Message) error {
		stake, ok, err := m.Registry.Get(ctx, id)
		if err != nil || !ok {
			return err
		}
		pending = s.engine.Pending(stake, m.Now())
		return nil
	})
	return pending, err
}

// TotalStaked возвращает значение счётчика totalStaked.
func (s *Service) TotalStaked(ctx context.Context) (uint256.Int, error) {
	var v uint256.Int
	err := s.actor.Query(ctx, "totalStaked", "", func(ctx context.Context, m *actor.Message) error {
		var err error
		v, err = m.Registry.TotalStaked(ctx)
		return err
	})
	return v, err
}

// TotalRewardDebt возвращает значение счётчика totalRewardDebt.
func (s *Service) TotalRewardDebt(ctx context.Context) (uint256.Int, error) {
	var v uint256.Int
	err := s.actor.Query(ctx, "totalRewardDebt", "", func(ctx context.Context, m *actor.Message) error {
		var err error
		v, err = m.Registry.TotalRewardDebt(ctx)
		return err
	})
	return v, err
}

// MyTokenBalance возвращает баланс актора в леджере.
func (s *Service) MyTokenBalance(ctx context.Context) (uint256.Int, error) {
	return s.ledger.BalanceOf(ctx, s.actor.Self())
}

// MyAllowance возвращает сумму, которую owner разрешил списать актору.
func (s *Service) MyAllowance(ctx context.Context, owner model.Principal) (uint256.Int, error) {
	return s.ledger.Allowance(ctx, owner, s.actor.Self())
}
