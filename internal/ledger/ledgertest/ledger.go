// Package ledgertest содержит леджер токена в памяти для тестов.
package ledgertest

import (
	"context"
	"sync"

	"github.com/holiman/uint256"

	"github.com/mmeshcher/stakevault/internal/ledger"
	"github.com/mmeshcher/stakevault/internal/model"
)

// Operation names passed to OnCall.
const (
	OpBalanceOf    = "balanceOf"
	OpAllowance    = "allowance"
	OpTransfer     = "transfer"
	OpTransferFrom = "transferFrom"
	OpApprove      = "approve"
	OpDecimals     = "decimals"
)

type allowanceKey struct {
	owner   model.Principal
	spender model.Principal
}

// Transfer — выполненный перевод.
type Transfer struct {
	From   model.Principal
	To     model.Principal
	Amount uint256.Int
}

// Ledger — леджер токена в памяти, вызываемый от имени одного актора.
type Ledger struct {
	// OnCall вызывается перед каждой операцией вне блокировки. Может заблокироваться,
	// чтобы удержать вызывающего в точке приостановки, или вернуть ошибку вместо операции.
	OnCall func(ctx context.Context, op string) error

	mu         sync.Mutex
	actor      model.Principal
	decimals   uint8
	balances   map[model.Principal]uint256.Int
	allowances map[allowanceKey]uint256.Int
	transfers  []Transfer
	txIndex    uint64
}

// New создаёт пустой леджер, операции которого выполняются от имени actor.
func New(actor model.Principal) *Ledger {
	return &Ledger{
		actor:      actor,
		decimals:   8,
		balances:   make(map[model.Principal]uint256.Int),
		allowances: make(map[allowanceKey]uint256.Int),
	}
}

// Mint начисляет amount на баланс id.
func (l *Ledger) Mint(id model.Principal, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balances[id]
	b.Add(&b, uint256.NewInt(amount))
	l.balances[id] = b
}

// Burn списывает amount с баланса id без проверок.
func (l *Ledger) Burn(id model.Principal, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balances[id]
	b.Sub(&b, uint256.NewInt(amount))
	l.balances[id] = b
}

// ApproveActor разрешает актору списывать до amount с баланса owner.
func (l *Ledger) ApproveActor(owner model.Principal, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.allowances[allowanceKey{owner: owner, spender: l.actor}] = *uint256.NewInt(amount)
}

// Balance возвращает баланс id.
func (l *Ledger) Balance(id model.Principal) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balances[id]
	return b.Uint64()
}

// Transfers возвращает копию журнала переводов.
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Transfer(nil), l.transfers...)
}

func (l *Ledger) hook(ctx context.Context, op string) error {
	if l.OnCall == nil {
		return nil
	}
	return l.OnCall(ctx, op)
}

// BalanceOf возвращает баланс аккаунта.
func (l *Ledger) BalanceOf(ctx context.Context, id model.Principal) (uint256.Int, error) {
	if err := l.hook(ctx, OpBalanceOf); err != nil {
		return uint256.Int{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[id], nil
}

// Allowance возвращает разрешение spender на баланс owner.
func (l *Ledger) Allowance(ctx context.Context, owner, spender model.Principal) (uint256.Int, error) {
	if err := l.hook(ctx, OpAllowance); err != nil {
		return uint256.Int{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[allowanceKey{owner: owner, spender: spender}], nil
}

// Decimals возвращает число знаков токена.
func (l *Ledger) Decimals(ctx context.Context) (uint8, error) {
	if err := l.hook(ctx, OpDecimals); err != nil {
		return 0, err
	}
	return l.decimals, nil
}

// Transfer переводит amount с баланса актора на баланс to.
func (l *Ledger) Transfer(ctx context.Context, to model.Principal, amount uint256.Int) (uint256.Int, error) {
	if err := l.hook(ctx, OpTransfer); err != nil {
		return uint256.Int{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(l.actor, to, amount)
}

// TransferFrom переводит amount с баланса from на баланс to в пределах разрешения актора.
func (l *Ledger) TransferFrom(ctx context.Context, from, to model.Principal, amount uint256.Int) (uint256.Int, error) {
	if err := l.hook(ctx, OpTransferFrom); err != nil {
		return uint256.Int{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{owner: from, spender: l.actor}
	allowed := l.allowances[key]
	if allowed.Lt(&amount) {
		return uint256.Int{}, ledger.ErrInsufficientAllowance
	}

	idx, err := l.move(from, to, amount)
	if err != nil {
		return idx, err
	}
	allowed.Sub(&allowed, &amount)
	l.allowances[key] = allowed
	return idx, nil
}

// Approve разрешает spender списывать с баланса актора до amount.
func (l *Ledger) Approve(ctx context.Context, spender model.Principal, amount uint256.Int) (uint256.Int, error) {
	if err := l.hook(ctx, OpApprove); err != nil {
		return uint256.Int{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.allowances[allowanceKey{owner: l.actor, spender: spender}] = amount
	l.txIndex++
	return *uint256.NewInt(l.txIndex), nil
}

func (l *Ledger) move(from, to model.Principal, amount uint256.Int) (uint256.Int, error) {
	fromBalance := l.balances[from]
	if fromBalance.Lt(&amount) {
		return uint256.Int{}, ledger.ErrInsufficientBalance
	}

	fromBalance.Sub(&fromBalance, &amount)
	l.balances[from] = fromBalance
	toBalance := l.balances[to]
	toBalance.Add(&toBalance, &amount)
	l.balances[to] = toBalance

	l.transfers = append(l.transfers, Transfer{From: from, To: to, Amount: amount})
	l.txIndex++
	return *uint256.NewInt(l.txIndex), nil
}
