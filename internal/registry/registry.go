// Package registry предоставляет типизированный доступ к записям стейков и глобальным счётчикам
// в рамках одного сообщения актора.
//
// Все изменения сообщения копятся в Registry и попадают в хранилище одним вызовом Commit.
// Чтения зафиксированного состояния всегда идут в хранилище, поэтому после точки приостановки
// сообщение видит то, что успели записать другие сообщения. Счётчики хранятся как приращения и
// применяются к свежему значению в момент фиксации.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/mmeshcher/stakevault/internal/model"
	"github.com/mmeshcher/stakevault/internal/repository"
)

var (
	// ErrStakeMissing возвращается MustGet, если записи нет.
	ErrStakeMissing = errors.New("stake record missing")
	// ErrCounterUnderflow возвращается, если счётчик стал бы отрицательным.
	ErrCounterUnderflow = errors.New("counter underflow")
	// ErrCounterOverflow возвращается при переполнении счётчика.
	ErrCounterOverflow = errors.New("counter overflow")
)

// Store описывает постоянное хранилище, с которым работает реестр.
type Store interface {
	GetStake(ctx context.Context, id model.Principal) (model.Stake, bool, error)
	GetCounter(ctx context.Context, c model.Counter) (uint256.Int, error)
	Apply(ctx context.Context, cs repository.ChangeSet) error
}

type delta struct {
	plus  uint256.Int
	minus uint256.Int
}

// Registry — набор изменений одного сообщения поверх хранилища.
type Registry struct {
	store  Store
	stakes map[model.Principal]model.Stake
	deltas map[model.Counter]*delta
}

// New создаёт пустой набор изменений.
func New(store Store) *Registry {
	return &Registry{
		store:  store,
		stakes: make(map[model.Principal]model.Stake),
		deltas: make(map[model.Counter]*delta),
	}
}

// Get возвращает запись стейка: сначала из собственных изменений сообщения, затем из хранилища.
func (r *Registry) Get(ctx context.Context, id model.Principal) (model.Stake, bool, error) {
	if s, ok := r.stakes[id]; ok {
		return s, true, nil
	}
	return r.store.GetStake(ctx, id)
}

// MustGet возвращает запись, существование которой вызывающий уже проверил.
func (r *Registry) MustGet(ctx context.Context, id model.Principal) (model.Stake, error) {
	s, ok, err := r.Get(ctx, id)
	if err != nil {
		return model.Stake{}, err
	}
	if !ok {
		return model.Stake{}, fmt.Errorf("%w: %s", ErrStakeMissing, id)
	}
	return s, nil
}

// Put заменяет запись целиком.
func (r *Registry) Put(id model.Principal, s model.Stake) {
	r.stakes[id] = s
}

// TotalStaked возвращает текущее значение totalStaked с учётом изменений сообщения.
func (r *Registry) TotalStaked(ctx context.Context) (uint256.Int, error) {
	return r.counter(ctx, model.CounterTotalStaked)
}

// SetTotalStaked выставляет totalStaked.
func (r *Registry) SetTotalStaked(ctx context.Context, v uint256.Int) error {
	return r.set(ctx, model.CounterTotalStaked, v)
}

// AddTotalStaked увеличивает totalStaked.
func (r *Registry) AddTotalStaked(v uint256.Int) {
	r.add(model.CounterTotalStaked, v)
}

// SubTotalStaked уменьшает totalStaked.
func (r *Registry) SubTotalStaked(v uint256.Int) {
	r.sub(model.CounterTotalStaked, v)
}

// TotalRewardDebt возвращает текущее значение totalRewardDebt с учётом изменений сообщения.
func (r *Registry) TotalRewardDebt(ctx context.Context) (uint256.Int, error) {
	return r.counter(ctx, model.CounterTotalRewardDebt)
}

// SetTotalRewardDebt выставляет totalRewardDebt.
func (r *Registry) SetTotalRewardDebt(ctx context.Context, v uint256.Int) error {
	return r.set(ctx, model.CounterTotalRewardDebt, v)
}

// AddTotalRewardDebt увеличивает totalRewardDebt.
func (r *Registry) AddTotalRewardDebt(v uint256.Int) {
	r.add(model.CounterTotalRewardDebt, v)
}

// SubTotalRewardDebt уменьшает totalRewardDebt.
func (r *Registry) SubTotalRewardDebt(v uint256.Int) {
	r.sub(model.CounterTotalRewardDebt, v)
}

func (r *Registry) delta(c model.Counter) *delta {
	d, ok := r.deltas[c]
	if !ok {
		d = &delta{}
		r.deltas[c] = d
	}
	return d
}

func (r *Registry) add(c model.Counter, v uint256.Int) {
	d := r.delta(c)
	d.plus.Add(&d.plus, &v)
}

func (r *Registry) sub(c model.Counter, v uint256.Int) {
	d := r.delta(c)
	d.minus.Add(&d.minus, &v)
}

// set записывает разницу между v и видимым сейчас значением.
func (r *Registry) set(ctx context.Context, c model.Counter, v uint256.Int) error {
	cur, err := r.counter(ctx, c)
	if err != nil {
		return err
	}

	var diff uint256.Int
	if v.Cmp(&cur) >= 0 {
		diff.Sub(&v, &cur)
		r.add(c, diff)
	} else {
		diff.Sub(&cur, &v)
		r.sub(c, diff)
	}
	return nil
}

func (r *Registry) counter(ctx context.Context, c model.Counter) (uint256.Int, error) {
	base, err := r.store.GetCounter(ctx, c)
	if err != nil {
		return base, err
	}
	d, ok := r.deltas[c]
	if !ok {
		return base, nil
	}
	return applyDelta(c, base, d)
}

func applyDelta(c model.Counter, base uint256.Int, d *delta) (uint256.Int, error) {
	var v uint256.Int
	if _, overflow := v.AddOverflow(&base, &d.plus); overflow {
		return v, fmt.Errorf("%w: %s", ErrCounterOverflow, c)
	}
	if v.Lt(&d.minus) {
		return v, fmt.Errorf("%w: %s", ErrCounterUnderflow, c)
	}
	v.Sub(&v, &d.minus)
	return v, nil
}

// Commit применяет приращения к свежим значениям счётчиков и атомарно записывает все изменения.
func (r *Registry) Commit(ctx context.Context) error {
	cs := repository.ChangeSet{
		Stakes:   r.stakes,
		Counters: make(map[model.Counter]uint256.Int, len(r.deltas)),
	}

	for c, d := range r.deltas {
		base, err := r.store.GetCounter(ctx, c)
		if err != nil {
			return err
		}
		v, err := applyDelta(c, base, d)
		if err != nil {
			return err
		}
		cs.Counters[c] = v
	}

	if err := r.store.Apply(ctx, cs); err != nil {
		return fmt.Errorf("apply change set: %w", err)
	}

	r.Discard()
	return nil
}

// Discard отбрасывает все изменения сообщения.
func (r *Registry) Discard() {
	r.stakes = make(map[model.Principal]model.Stake)
	r.deltas = make(map[model.Counter]*delta)
}
