// Package reward вычисляет награды за стейкинг и выполняет выплаты с учётом платёжеспособности
// актора.
package reward

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/mmeshcher/stakevault/internal/actor"
	"github.com/mmeshcher/stakevault/internal/metrics"
	"github.com/mmeshcher/stakevault/internal/model"
)

const percentDenominator = 100

// Params задаёт доходность стейкинга.
type Params struct {
	// AnnualRatePercent — ставка за ReferencePeriod в процентах.
	AnnualRatePercent uint64
	// ReferencePeriod — период, к которому относится ставка. По умолчанию один час, а не год.
	ReferencePeriod time.Duration
}

// DefaultParams возвращает параметры по умолчанию: 15% за час.
func DefaultParams() Params {
	return Params{
		AnnualRatePercent: 15,
		ReferencePeriod:   time.Hour,
	}
}

// PendingReward возвращает награду, накопленную с UpdatedAt до now:
// floor(amount * rate/100 * elapsed/period).
func PendingReward(s model.Stake, now time.Time, p Params) uint256.Int {
	var reward uint256.Int

	elapsed := now.Sub(s.UpdatedAt)
	if s.Amount.IsZero() || elapsed <= 0 || p.ReferencePeriod <= 0 || p.AnnualRatePercent == 0 {
		return reward
	}

	var factor, period uint256.Int
	factor.Mul(uint256.NewInt(p.AnnualRatePercent), uint256.NewInt(uint64(elapsed)))
	period.Mul(uint256.NewInt(percentDenominator), uint256.NewInt(uint64(p.ReferencePeriod)))

	amount := s.Amount
	if _, overflow := reward.MulDivOverflow(&amount, &factor, &period); overflow {
		reward.SetAllOne()
	}
	return reward
}

// Split делит выплату amount на переводимую и отложенную части. Доступны только токены сверх
// обязательств: available = max(balance - committed, 0), где committed — totalStaked вместе с
// ещё не подтверждёнными исходящими переводами.
func Split(balance, committed, amount uint256.Int) (transfer, deferred uint256.Int) {
	var available uint256.Int
	if balance.Gt(&committed) {
		available.Sub(&balance, &committed)
	}

	if !available.Lt(&amount) {
		return amount, deferred
	}

	transfer = available
	deferred.Sub(&amount, &available)
	return transfer, deferred
}

// Ledger — операции леджера, нужные для выплат.
type Ledger interface {
	BalanceOf(ctx context.Context, id model.Principal) (uint256.Int, error)
	Transfer(ctx context.Context, to model.Principal, amount uint256.Int) (uint256.Int, error)
}

// Payout описывает результат выплаты.
type Payout struct {
	Requested   uint256.Int
	Transferred uint256.Int
	Deferred    uint256.Int
}

// Engine выполняет расчёт и выплату наград внутри сообщений актора.
type Engine struct {
	ledger Ledger
	params Params
}

// NewEngine создаёт движок наград.
func NewEngine(l Ledger, p Params) *Engine {
	return &Engine{
		ledger: l,
		params: p,
	}
}

// Params возвращает параметры доходности.
func (e *Engine) Params() Params {
	return e.params
}

// Pending возвращает накопленную награду записи на момент now.
func (e *Engine) Pending(s model.Stake, now time.Time) uint256.Int {
	return PendingReward(s, now, e.params)
}

// Settle начисляет награду аккаунту id: накопленная награда вместе с долгом выплачивается,
// UpdatedAt переносится на now. Если записи нет, ничего не делает.
func (e *Engine) Settle(ctx context.Context, m *actor.Message, id model.Principal, now time.Time) (Payout, error) {
	s, ok, err := m.Registry.Get(ctx, id)
	if err != nil {
		return Payout{}, fmt.Errorf("read stake: %w", err)
	}
	if !ok {
		return Payout{}, nil
	}

	pending := PendingReward(s, now, e.params)
	if !s.RewardDebt.IsZero() {
		pending.Add(&pending, &s.RewardDebt)
		m.Registry.SubTotalRewardDebt(s.RewardDebt)
		s.RewardDebt.Clear()
	}

	// запись фиксируется до точки приостановки; Payout перечитает её сам
	s.UpdatedAt = now
	m.Registry.Put(id, s)

	m.Logger().Debug("settle",
		zap.String("account", id.String()),
		zap.String("pending", pending.Dec()),
	)

	if pending.IsZero() {
		return Payout{}, nil
	}
	return e.Payout(ctx, m, id, pending)
}

// Payout переводит amount аккаунту id из средств актора. Часть, которую актор не может покрыть,
// добавляется к долгу аккаунта и к totalRewardDebt. Запись для id должна существовать.
func (e *Engine) Payout(ctx context.Context, m *actor.Message, id model.Principal, amount uint256.Int) (Payout, error) {
	res := Payout{Requested: amount}

	mark := m.OutgoingMark()
	balance, err := actor.Await(ctx, m, func(ctx context.Context) (uint256.Int, error) {
		return e.ledger.BalanceOf(ctx, m.Self())
	})
	if err != nil {
		return res, fmt.Errorf("actor balance: %w", err)
	}

	total, err := m.Registry.TotalStaked(ctx)
	if err != nil {
		return res, fmt.Errorf("read total staked: %w", err)
	}

	// переводы других сообщений, которые могли не попасть в прочитанный баланс, тоже его занимают
	outgoing := m.Outgoing(mark)
	committed := outgoing
	if _, overflow := committed.AddOverflow(&committed, &total); overflow {
		committed.SetAllOne()
	}

	res.Transferred, res.Deferred = Split(balance, committed, amount)

	if !res.Deferred.IsZero() {
		s, err := m.Registry.MustGet(ctx, id)
		if err != nil {
			return res, err
		}
		s.RewardDebt.Add(&s.RewardDebt, &res.Deferred)
		m.Registry.Put(id, s)
		m.Registry.AddTotalRewardDebt(res.Deferred)
	}

	if !res.Transferred.IsZero() {
		_, err := actor.AwaitReserved(ctx, m, res.Transferred, func(ctx context.Context) (uint256.Int, error) {
			return e.ledger.Transfer(ctx, id, res.Transferred)
		})
		if err != nil {
			return res, fmt.Errorf("transfer payout: %w", err)
		}
	}

	metrics.ObservePayout(res.Transferred, res.Deferred)
	m.Logger().Info("payout",
		zap.String("account", id.String()),
		zap.String("requested", amount.Dec()),
		zap.String("balance", balance.Dec()),
		zap.String("totalStaked", total.Dec()),
		zap.String("outgoing", outgoing.Dec()),
		zap.String("transferred", res.Transferred.Dec()),
		zap.String("deferred", res.Deferred.Dec()),
	)

	return res, nil
}
