package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/stakevault/internal/actor"
	"github.com/mmeshcher/stakevault/internal/ledger"
	"github.com/mmeshcher/stakevault/internal/ledger/ledgertest"
	"github.com/mmeshcher/stakevault/internal/model"
	"github.com/mmeshcher/stakevault/internal/repository"
	"github.com/mmeshcher/stakevault/internal/reward"
)

const (
	self     model.Principal = "stake-actor"
	alice    model.Principal = "alice"
	bob      model.Principal = "bob"
	cooldown                 = 2 * time.Minute
)

var t0 = time.Unix(1_700_000_000, 0)

type env struct {
	svc    *Service
	store  *repository.LevelDBRepository
	ledger *ledgertest.Ledger

	mu  sync.Mutex
	now time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()

	return newEnvWithTransport(t, func(l *ledgertest.Ledger) Ledger { return l })
}

// newEnvWithTransport подключает сервис к леджеру в памяти через transport,
// например через HTTP-клиент к httptest-серверу.
func newEnvWithTransport(t *testing.T, transport func(l *ledgertest.Ledger) Ledger) *env {
	t.Helper()

	store, err := repository.NewMemLevelDBRepository()
	require.NoError(t, err)

	e := &env{
		store:  store,
		ledger: ledgertest.New(self),
		now:    t0,
	}

	e.svc, err = NewService(context.Background(), store, transport(e.ledger), Settings{
		Self:     self,
		TokenID:  "token-ledger",
		Reward:   reward.DefaultParams(),
		Cooldown: cooldown,
	}, zap.NewNop(), actor.WithClock(e.clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.svc.Close() })

	return e
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) setNow(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// fund выдаёт аккаунту токены и разрешение актору на их списание.
func (e *env) fund(id model.Principal, amount uint64) {
	e.ledger.Mint(id, amount)
	e.ledger.ApproveActor(id, amount)
}

func (e *env) stake(t *testing.T, id model.Principal) model.Stake {
	t.Helper()

	s, err := e.svc.StakeInfoOf(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (e *env) totalStaked(t *testing.T) uint64 {
	t.Helper()

	v, err := e.svc.TotalStaked(context.Background())
	require.NoError(t, err)
	return v.Uint64()
}

func (e *env) totalRewardDebt(t *testing.T) uint64 {
	t.Helper()

	v, err := e.svc.TotalRewardDebt(context.Background())
	require.NoError(t, err)
	return v.Uint64()
}

func amount(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

func TestDeposit_ZeroAmountAborts(t *testing.T) {
	e := newEnv(t)
	e.fund(alice, 100)

	calls := 0
	e.ledger.OnCall = func(context.Context, string) error {
		calls++
		return nil
	}

	err := e.svc.Deposit(context.Background(), alice, amount(0))
	require.ErrorIs(t, err, ErrInvalidAmount)

	assert.Zero(t, calls)
	_, err = e.svc.StakeInfoOf(context.Background(), alice)
	assert.ErrorIs(t, err, ErrNoStake)
	assert.Zero(t, e.totalStaked(t))
}

func TestDeposit_InsufficientAllowance(t *testing.T) {
	e := newEnv(t)
	e.ledger.Mint(alice, 1_000)
	e.ledger.ApproveActor(alice, 999)

	err := e.svc.Deposit(context.Background(), alice, amount(1_000))
	require.ErrorIs(t, err, ErrInsufficientAllowance)

	assert.Empty(t, e.ledger.Transfers())
	assert.Equal(t, uint64(1_000), e.ledger.Balance(alice))
	_, err = e.svc.StakeInfoOf(context.Background(), alice)
	assert.ErrorIs(t, err, ErrNoStake)
}

func TestDeposit_LedgerRejectionRollsBack(t *testing.T) {
	e := newEnv(t)
	// разрешение есть, а средств нет
	e.ledger.ApproveActor(alice, 1_000)

	err := e.svc.Deposit(context.Background(), alice, amount(1_000))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = e.svc.StakeInfoOf(context.Background(), alice)
	assert.ErrorIs(t, err, ErrNoStake)
	assert.Zero(t, e.totalStaked(t))
}

func TestDeposit_FirstCreatesRecord(t *testing.T) {
	e := newEnv(t)
	e.fund(alice, 1_000_000)

	require.NoError(t, e.svc.Deposit(context.Background(), alice, amount(1_000_000)))

	s := e.stake(t, alice)
	assert.Equal(t, uint64(1_000_000), s.Amount.Uint64())
	assert.True(t, s.RewardDebt.IsZero())
	assert.True(t, s.CreatedAt.Equal(t0))
	assert.True(t, s.UpdatedAt.Equal(t0))

	assert.Equal(t, uint64(1_000_000), e.totalStaked(t))
	assert.Equal(t, uint64(1_000_000), e.ledger.Balance(self))
	assert.Zero(t, e.ledger.Balance(alice))
}

func TestDeposit_SecondSettlesAgainstOldAmount(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(alice, 1_500_000)
	e.ledger.Mint(self, 1_000_000)

	require.NoError(t, e.svc.Deposit(ctx, alice, amount(1_000_000)))

	t1 := t0.Add(time.Hour)
	e.setNow(t1)

	pending, err := e.svc.GetPendingReward(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(150_000), pending.Uint64())

	require.NoError(t, e.svc.Deposit(ctx, alice, amount(500_000)))

	// награда за час посчитана от 1_000_000, а не от 1_500_000
	assert.Equal(t, uint64(150_000), e.ledger.Balance(alice))

	s := e.stake(t, alice)
	assert.Equal(t, uint64(1_500_000), s.Amount.Uint64())
	assert.True(t, s.CreatedAt.Equal(t1), "additional deposit restarts cooldown")
	assert.True(t, s.UpdatedAt.Equal(t1))
	assert.True(t, s.RewardDebt.IsZero())

	pending, err = e.svc.GetPendingReward(ctx, alice)
	require.NoError(t, err)
	assert.True(t, pending.IsZero())
}

// totalStaked увеличивается на новую сумму стейка целиком, поэтому повторный депозит
// учитывается дважды. Поведение сохранено намеренно; тест фиксирует расхождение.
func TestDeposit_TotalStakedCountsCumulativeAmount(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(alice, 200)

	require.NoError(t, e.svc.Deposit(ctx, alice, amount(100)))
	require.NoError(t, e.svc.Deposit(ctx, alice, amount(100)))

	assert.Equal(t, uint64(200), e.stake(t, alice).Amount.Uint64())
	assert.Equal(t, uint64(300), e.totalStaked(t))
}

func TestWithdraw_CooldownScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(alice, 1_000_000)
	e.ledger.Mint(self, 2_000_000)

	require.NoError(t, e.svc.Deposit(ctx, alice, amount(1_000_000)))
	before := e.stake(t, alice)
	totalBefore := e.totalStaked(t)

	e.setNow(t0.Add(cooldown - time.Nanosecond))
	for _, v := range []uint64{1, 500_000, 1_000_000} {
		err := e.svc.Withdraw(ctx, alice, amount(v))
		require.ErrorIs(t, err, ErrCooldownActive)
	}
	assert.Equal(t, before, e.stake(t, alice))
	assert.Equal(t, totalBefore, e.totalStaked(t))
	assert.Len(t, e.ledger.Transfers(), 1, "no payouts before cooldown")

	e.setNow(t0.Add(cooldown))
	require.NoError(t, e.svc.Withdraw(ctx, alice, amount(500_000)))

	s := e.stake(t, alice)
	assert.Equal(t, uint64(500_000), s.Amount.Uint64())
	assert.True(t, s.RewardDebt.IsZero())
	assert.Equal(t, totalBefore-500_000, e.totalStaked(t))

	// 500_000 основного долга и награда 1_000_000 * 15% * 2/60
	assert.Equal(t, uint64(505_000), e.ledger.Balance(alice))
}

func TestWithdraw_Validation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	err := e.svc.Withdraw(ctx, alice, amount(0))
	require.ErrorIs(t, err, ErrInvalidAmount)

	err = e.svc.Withdraw(ctx, alice, amount(1))
	require.ErrorIs(t, err, ErrNoStake)

	e.fund(alice, 100)
	require.NoError(t, e.svc.Deposit(ctx, alice, amount(100)))
	e.setNow(t0.Add(cooldown))

	err = e.svc.Withdraw(ctx, alice, amount(101))
	require.ErrorIs(t, err, ErrAmountExceedsStake)
	assert.Equal(t, uint64(100), e.stake(t, alice).Amount.Uint64())
}

func TestWithdraw_InsolventPrincipalBecomesDebt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(alice, 1_000)

	require.NoError(t, e.svc.Deposit(ctx, alice, amount(1_000)))
	e.setNow(t0.Add(cooldown))

	// баланс актора равен totalStaked: свободных средств нет
	require.NoError(t, e.svc.Withdraw(ctx, alice, amount(400)))

	s := e.stake(t, alice)
	assert.Equal(t, uint64(600), s.Amount.Uint64())
	// награда 5 и сам вывод 400 отложены
	assert.Equal(t, uint64(405), s.RewardDebt.Uint64())
	assert.Equal(t, uint64(405), e.totalRewardDebt(t))
	assert.Equal(t, uint64(600), e.totalStaked(t))
	assert.Zero(t, e.ledger.Balance(alice))

	// после пополнения актора долг выплачивается при следующем claim
	e.ledger.Mint(self, 1_000)
	require.NoError(t, e.svc.Claim(ctx, alice))

	assert.Equal(t, uint64(405), e.ledger.Balance(alice))
	assert.True(t, e.stake(t, alice).RewardDebt.IsZero())
	assert.Zero(t, e.totalRewardDebt(t))
}

func TestWithdraw_FullAmountKeepsRecord(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(alice, 1_000)
	e.ledger.Mint(self, 10_000)

	require.NoError(t, e.svc.Deposit(ctx, alice, amount(1_000)))
	e.setNow(t0.Add(cooldown))
	require.NoError(t, e.svc.Withdraw(ctx, alice, amount(1_000)))

	s := e.stake(t, alice)
	assert.True(t, s.Amount.IsZero())

	pending, err := e.svc.GetPendingReward(ctx, alice)
	require.NoError(t, err)
	assert.True(t, pending.IsZero())
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// без стейка ничего не происходит
	require.NoError(t, e.svc.Claim(ctx, alice))
	_, err := e.svc.StakeInfoOf(ctx, alice)
	require.ErrorIs(t, err, ErrNoStake)

	e.fund(alice, 1_000_000)
	e.ledger.Mint(self, 1_000_000)
	require.NoError(t, e.svc.Deposit(ctx, alice, amount(1_000_000)))

	e.setNow(t0.Add(30 * time.Minute))
	require.NoError(t, e.svc.Claim(ctx, alice))
	assert.Equal(t, uint64(75_000), e.ledger.Balance(alice))

	require.NoError(t, e.svc.Claim(ctx, alice))
	assert.Equal(t, uint64(75_000), e.ledger.Balance(alice), "second claim without elapsed time pays nothing")

	s := e.stake(t, alice)
	assert.True(t, s.CreatedAt.Equal(t0), "claim does not reset cooldown")
	assert.True(t, s.UpdatedAt.Equal(t0.Add(30*time.Minute)))
}

func TestClaim_InterleavedMessagesDuringPayout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(alice, 1_000_000)
	e.fund(bob, 200)
	e.ledger.Mint(self, 1_000_000)

	require.NoError(t, e.svc.Deposit(ctx, alice, amount(1_000_000)))
	e.setNow(t0.Add(time.Hour))

	suspended := make(chan struct{})
	resume := make(chan struct{})
	var held atomic.Bool
	e.ledger.OnCall = func(_ context.Context, op string) error {
		if op != ledgertest.OpTransfer {
			return nil
		}
		if held.CompareAndSwap(false, true) {
			close(suspended)
			<-resume
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- e.svc.Claim(ctx, alice)
	}()

	<-suspended

	// пока claim ждёт перевода, другие сообщения alice отклоняются
	err := e.svc.Deposit(ctx, alice, amount(1))
	require.ErrorIs(t, err, actor.ErrAccountBusy)
	err = e.svc.Withdraw(ctx, alice, amount(1))
	require.ErrorIs(t, err, actor.ErrAccountBusy)

	// сообщения bob выполняются целиком
	require.NoError(t, e.svc.Deposit(ctx, bob, amount(200)))
	assert.Equal(t, uint64(1_000_200), e.totalStaked(t))

	close(resume)
	require.NoError(t, <-done)

	assert.Equal(t, uint64(150_000), e.ledger.Balance(alice))
	assert.Equal(t, uint64(1_000_200), e.totalStaked(t), "counter update of bob is not lost")
	assert.Equal(t, uint64(200), e.stake(t, bob).Amount.Uint64())
	assert.True(t, e.stake(t, alice).UpdatedAt.Equal(t0.Add(time.Hour)))
}

func TestClaim_InsolventDebtSurvivesInterleavedDebtUpdates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(alice, 1_000)
	e.fund(bob, 1_000)

	require.NoError(t, e.svc.Deposit(ctx, alice, amount(1_000)))
	require.NoError(t, e.svc.Deposit(ctx, bob, amount(1_000)))
	e.setNow(t0.Add(time.Hour))

	suspended := make(chan struct{})
	resume := make(chan struct{})
	var held atomic.Bool
	e.ledger.OnCall = func(_ context.Context, op string) error {
		if op != ledgertest.OpBalanceOf {
			return nil
		}
		if held.CompareAndSwap(false, true) {
			close(suspended)
			<-resume
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- e.svc.Claim(ctx, alice)
	}()

	<-suspended
	require.NoError(t, e.svc.Claim(ctx, bob))
	close(resume)
	require.NoError(t, <-done)

	// у актора нет свободных средств: обе награды по 150 ушли в долг
	assert.Equal(t, uint64(150), e.stake(t, alice).RewardDebt.Uint64())
	assert.Equal(t, uint64(150), e.stake(t, bob).RewardDebt.Uint64())
	assert.Equal(t, uint64(300), e.totalRewardDebt(t))
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.StakeInfoOf(ctx, alice)
	require.ErrorIs(t, err, ErrNoStake)

	pending, err := e.svc.GetPendingReward(ctx, alice)
	require.NoError(t, err)
	assert.True(t, pending.IsZero())

	e.fund(alice, 1_000)
	require.NoError(t, e.svc.Deposit(ctx, alice, amount(600)))

	balance, err := e.svc.MyTokenBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), balance.Uint64())

	allowance, err := e.svc.MyAllowance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), allowance.Uint64())

	assert.Zero(t, e.totalRewardDebt(t))
	assert.Equal(t, self, e.svc.Self())
	assert.Equal(t, "token-ledger", e.svc.TokenID())
	assert.Equal(t, cooldown, e.svc.Cooldown())
	assert.True(t, e.svc.CurrentTime().Equal(t0))
}

func TestTransferTokenFromToMe(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(alice, 50)

	_, err := e.svc.TransferTokenFromToMe(ctx, bob, alice, amount(50))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), e.ledger.Balance(self))

	_, err = e.svc.TransferTokenFromToMe(ctx, bob, alice, amount(1))
	require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	_, err = e.svc.StakeInfoOf(ctx, alice)
	assert.ErrorIs(t, err, ErrNoStake)
}

func TestClaim_OverlappingClaimsShareSurplus(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(alice, 1_000)
	e.fund(bob, 1_000)

	require.NoError(t, e.svc.Deposit(ctx, alice, amount(1_000)))
	require.NoError(t, e.svc.Deposit(ctx, bob, amount(1_000)))
	// излишка хватает ровно на одну часовую награду
	e.ledger.Mint(self, 150)
	e.setNow(t0.Add(time.Hour))

	suspended := make(chan struct{})
	resume := make(chan struct{})
	var held atomic.Bool
	e.ledger.OnCall = func(_ context.Context, op string) error {
		if op == ledgertest.OpTransfer && held.CompareAndSwap(false, true) {
			close(suspended)
			<-resume
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- e.svc.Claim(ctx, alice)
	}()
	<-suspended

	require.NoError(t, e.svc.Claim(ctx, bob))
	close(resume)
	require.NoError(t, <-done)

	assert.Equal(t, uint64(150), e.ledger.Balance(alice))
	assert.Zero(t, e.ledger.Balance(bob))
	assert.Equal(t, uint64(150), e.stake(t, bob).RewardDebt.Uint64())
	assert.Equal(t, uint64(150), e.totalRewardDebt(t))

	assert.GreaterOrEqual(t, e.ledger.Balance(self), e.totalStaked(t), "principal must stay custodied")
}

func TestClaim_CallerCancellationAfterTransfer(t *testing.T) {
	callerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newEnvWithTransport(t, func(l *ledgertest.Ledger) Ledger {
		h := l.Handler()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.ServeHTTP(w, r)
			// вызывающий уходит сразу после того, как леджер выполнил перевод
			if r.URL.Path == "/transfer" {
				cancel()
			}
		}))
		t.Cleanup(srv.Close)
		return ledger.NewClient(srv.URL, self)
	})

	ctx := context.Background()
	e.fund(alice, 1_000_000)
	e.ledger.Mint(self, 1_000_000)
	require.NoError(t, e.svc.Deposit(ctx, alice, amount(1_000_000)))

	t1 := t0.Add(time.Hour)
	e.setNow(t1)

	require.NoError(t, e.svc.Claim(callerCtx, alice))
	require.Error(t, callerCtx.Err())

	// повторный claim в тот же момент ничего не платит
	require.NoError(t, e.svc.Claim(ctx, alice))

	var payouts int
	for _, tr := range e.ledger.Transfers() {
		if tr.From == self && tr.To == alice {
			payouts++
		}
	}
	assert.Equal(t, 1, payouts)
	assert.Equal(t, uint64(150_000), e.ledger.Balance(alice))
	assert.True(t, e.stake(t, alice).UpdatedAt.Equal(t1))
}
