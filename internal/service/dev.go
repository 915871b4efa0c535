package service

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/mmeshcher/stakevault/internal/actor"
	"github.com/mmeshcher/stakevault/internal/model"
	"github.com/mmeshcher/stakevault/internal/reward"
)

// Методы ниже доступны через API только при включённых отладочных запросах.

// Self возвращает идентификатор актора.
func (s *Service) Self() model.Principal {
	return s.actor.Self()
}

// TokenID возвращает идентификатор леджера токена.
func (s *Service) TokenID() string {
	return s.tokenID
}

// CurrentTime возвращает текущее время актора.
func (s *Service) CurrentTime() time.Time {
	return s.actor.Now()
}

// RewardParams возвращает параметры доходности.
func (s *Service) RewardParams() reward.Params {
	return s.engine.Params()
}

// Cooldown возвращает период ожидания вывода.
func (s *Service) Cooldown() time.Duration {
	return s.cooldown
}

// Decimals возвращает число знаков токена.
func (s *Service) Decimals(ctx context.Context) (uint8, error) {
	return s.ledger.Decimals(ctx)
}

// TokenBalanceOf возвращает баланс произвольного аккаунта в леджере.
func (s *Service) TokenBalanceOf(ctx context.Context, id model.Principal) (uint256.Int, error) {
	return s.ledger.BalanceOf(ctx, id)
}

// TransferTokenFromToMe переводит amount с баланса who на баланс актора в пределах разрешения,
// не изменяя состояние стейков.
func (s *Service) TransferTokenFromToMe(ctx context.Context, caller, who model.Principal, amount uint256.Int) (uint256.Int, error) {
	var idx uint256.Int
	err := s.actor.Update(ctx, "transferTokenFromToMe", caller, func(ctx context.Context, m *actor.Message) error {
		var err error
		idx, err = actor.Await(ctx, m, func(ctx context.Context) (uint256.Int, error) {
			return s.ledger.TransferFrom(ctx, who, m.Self(), amount)
		})
		if err != nil {
			return fmt.Errorf("transfer from %s: %w", who, err)
		}
		return nil
	})
	return idx, err
}
