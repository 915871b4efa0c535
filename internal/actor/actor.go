// Package actor реализует однопоточную модель выполнения сообщений.
//
// В каждый момент локальный код выполняет только одно сообщение: оно держит токен выполнения.
// Внешний вызов через Await является точкой приостановки: токен отпускается на время вызова,
// и другие сообщения, в том числе для того же аккаунта, могут выполниться целиком до того,
// как исходное сообщение продолжит работу. Изменения сообщения фиксируются все вместе при
// успешном завершении либо отбрасываются при любой ошибке.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/mmeshcher/stakevault/internal/metrics"
	"github.com/mmeshcher/stakevault/internal/model"
	"github.com/mmeshcher/stakevault/internal/registry"
)

// ErrAccountBusy возвращается, если для аккаунта уже выполняется изменяющее сообщение.
var ErrAccountBusy = errors.New("account is busy with another message")

// Actor выполняет сообщения над общим состоянием.
type Actor struct {
	mu     sync.Mutex
	store  registry.Store
	self   model.Principal
	now    func() time.Time
	logger *zap.Logger

	busy map[model.Principal]struct{}
	// reserved — сумма исходящих переводов, ожидающих ответа леджера.
	reserved uint256.Int
	// released — накопленная сумма завершившихся исходящих переводов, по модулю 2^256.
	released uint256.Int
}

// Option настраивает Actor.
type Option func(*Actor)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(a *Actor) {
		a.now = now
	}
}

// New создаёт актора с идентификатором self поверх хранилища.
func New(store registry.Store, self model.Principal, logger *zap.Logger, opts ...Option) *Actor {
	a := &Actor{
		store:  store,
		self:   self,
		now:    time.Now,
		logger: logger,
		busy:   make(map[model.Principal]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Self возвращает идентификатор актора.
func (a *Actor) Self() model.Principal {
	return a.self
}

// Now возвращает текущее время актора.
func (a *Actor) Now() time.Time {
	return a.now()
}

// Message — контекст выполнения одного сообщения.
type Message struct {
	ID       uuid.UUID
	Method   string
	Caller   model.Principal
	Registry *registry.Registry

	actor  *Actor
	logger *zap.Logger
}

// Self возвращает идентификатор актора.
func (m *Message) Self() model.Principal {
	return m.actor.self
}

// Now возвращает текущее время актора.
func (m *Message) Now() time.Time {
	return m.actor.now()
}

// OutgoingMark запоминает состояние исходящих переводов. Вызывается перед чтением баланса
// актора и передаётся в Outgoing после него.
func (m *Message) OutgoingMark() uint256.Int {
	return m.actor.released
}

// Outgoing возвращает сумму исходящих переводов, которые могли не отразиться в балансе,
// прочитанном после mark: ещё не подтверждённые леджером и завершившиеся с момента mark.
func (m *Message) Outgoing(mark uint256.Int) uint256.Int {
	var v uint256.Int
	v.Sub(&m.actor.released, &mark)
	v.Add(&v, &m.actor.reserved)
	return v
}

// AwaitReserved выполняет исходящий перевод amount как точку приостановки. Пока вызов не
// вернулся, amount учитывается в Outgoing, и другие сообщения не могут потратить те же средства.
func AwaitReserved[T any](ctx context.Context, m *Message, amount uint256.Int, call func(ctx context.Context) (T, error)) (T, error) {
	a := m.actor
	a.reserved.Add(&a.reserved, &amount)
	defer func() {
		// токен к этому моменту снова захвачен
		a.reserved.Sub(&a.reserved, &amount)
		a.released.Add(&a.released, &amount)
	}()

	return Await(ctx, m, call)
}

// Logger возвращает логгер, размеченный идентификатором сообщения.
func (m *Message) Logger() *zap.Logger {
	return m.logger
}

// Update выполняет изменяющее сообщение от имени caller. Пока сообщение не завершено, другие
// изменяющие сообщения того же аккаунта отклоняются с ErrAccountBusy.
func (a *Actor) Update(ctx context.Context, method string, caller model.Principal, fn func(ctx context.Context, m *Message) error) error {
	return a.run(ctx, method, caller, true, fn)
}

// Query выполняет читающее сообщение. Его изменения состояния не фиксируются.
func (a *Actor) Query(ctx context.Context, method string, caller model.Principal, fn func(ctx context.Context, m *Message) error) error {
	return a.run(ctx, method, caller, false, fn)
}

func (a *Actor) run(ctx context.Context, method string, caller model.Principal, update bool, fn func(ctx context.Context, m *Message) error) (err error) {
	started := time.Now()
	// сообщение не прерывается отменой со стороны вызывающего: внешний эффект мог уже случиться
	ctx = context.WithoutCancel(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	m := &Message{
		ID:       uuid.New(),
		Method:   method,
		Caller:   caller,
		Registry: registry.New(a.store),
		actor:    a,
	}
	m.logger = a.logger.With(
		zap.String("message", m.ID.String()),
		zap.String("method", method),
		zap.String("caller", caller.String()),
	)

	if update {
		if _, ok := a.busy[caller]; ok {
			metrics.ObserveMessage(method, metrics.Busy, time.Since(started))
			m.logger.Info("rejected: account busy")
			return fmt.Errorf("%s: %w", method, ErrAccountBusy)
		}
		a.busy[caller] = struct{}{}
		defer delete(a.busy, caller)
	}

	defer func() {
		if r := recover(); r != nil {
			m.Registry.Discard()
			metrics.ObserveMessage(method, metrics.Error, time.Since(started))
			m.logger.Error("message trapped", zap.Any("panic", r))
			err = fmt.Errorf("%s: trapped: %v", method, r)
		}
	}()

	if err := fn(ctx, m); err != nil {
		m.Registry.Discard()
		metrics.ObserveMessage(method, metrics.Error, time.Since(started))
		m.logger.Info("message aborted, changes discarded", zap.Error(err))
		return err
	}

	if !update {
		m.Registry.Discard()
		metrics.ObserveMessage(method, metrics.Success, time.Since(started))
		return nil
	}

	if err := m.Registry.Commit(ctx); err != nil {
		metrics.ObserveMessage(method, metrics.Error, time.Since(started))
		m.logger.Error("commit failed", zap.Error(err))
		return fmt.Errorf("%s: commit: %w", method, err)
	}

	metrics.ObserveMessage(method, metrics.Success, time.Since(started))
	m.logger.Debug("message committed", zap.Duration("elapsed", time.Since(started)))
	return nil
}

// Await выполняет внешний вызов как точку приостановки. На время вызова токен выполнения
// отпускается; после возврата всё прочитанное до вызова состояние нужно перечитать.
func Await[T any](ctx context.Context, m *Message, call func(ctx context.Context) (T, error)) (T, error) {
	metrics.ObserveSuspension(m.Method)

	m.actor.mu.Unlock()
	defer m.actor.mu.Lock()

	return call(ctx)
}
