// Package handler содержит HTTP-обработчики API актора стейкинга.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/mmeshcher/stakevault/internal/actor"
	"github.com/mmeshcher/stakevault/internal/ledger"
	"github.com/mmeshcher/stakevault/internal/middleware"
	"github.com/mmeshcher/stakevault/internal/model"
	"github.com/mmeshcher/stakevault/internal/service"
	"github.com/mmeshcher/stakevault/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Deposit(ctx context.Context, caller model.Principal, amount uint256.Int) error
	Withdraw(ctx context.Context, caller model.Principal, amount uint256.Int) error
	Claim(ctx context.Context, caller model.Principal) error
	StakeInfoOf(ctx context.Context, id model.Principal) (model.Stake, error)
	GetPendingReward(ctx context.Context, id model.Principal) (uint256.Int, error)
	TotalStaked(ctx context.Context) (uint256.Int, error)
	TotalRewardDebt(ctx context.Context) (uint256.Int, error)
	MyTokenBalance(ctx context.Context) (uint256.Int, error)
	MyAllowance(ctx context.Context, owner model.Principal) (uint256.Int, error)

	DevService
}

// Handler реализует HTTP-обработчики API актора стейкинга.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type amountResponse struct {
	Amount string `json:"amount"`
}

// Deposit вносит токены вызывающего в стейк.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.changeStake(w, r, "deposit", h.service.Deposit)
}

// Withdraw выводит часть стейка вызывающего.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.changeStake(w, r, "withdraw", h.service.Withdraw)
}

func (h *Handler) changeStake(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	call func(ctx context.Context, caller model.Principal, amount uint256.Int) error,
) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	amount, ok := decodeAmount(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := call(r.Context(), caller, amount); err != nil {
		h.writeError(w, err, op, zap.String("caller", caller.String()), zap.String("amount", amount.Dec()))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Claim выплачивает вызывающему накопленную награду.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.Claim(r.Context(), caller); err != nil {
		h.writeError(w, err, "claim", zap.String("caller", caller.String()))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetStake возвращает стейк аккаунта из пути запроса.
func (h *Handler) GetStake(w http.ResponseWriter, r *http.Request) {
	id, ok := principalParam(r, "principal")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	stake, err := h.service.StakeInfoOf(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "get stake", zap.String("principal", id.String()))
		return
	}

	h.writeJSON(w, stake.Info())
}

// GetPendingReward возвращает награду, накопленную аккаунтом.
func (h *Handler) GetPendingReward(w http.ResponseWriter, r *http.Request) {
	id, ok := principalParam(r, "principal")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pending, err := h.service.GetPendingReward(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "get pending reward", zap.String("principal", id.String()))
		return
	}

	h.writeJSON(w, amountResponse{Amount: pending.Dec()})
}

// GetTotals возвращает глобальные счётчики.
func (h *Handler) GetTotals(w http.ResponseWriter, r *http.Request) {
	staked, err := h.service.TotalStaked(r.Context())
	if err != nil {
		h.writeError(w, err, "get total staked")
		return
	}

	debt, err := h.service.TotalRewardDebt(r.Context())
	if err != nil {
		h.writeError(w, err, "get total reward debt")
		return
	}

	h.writeJSON(w, model.Totals{
		TotalStaked:     staked.Dec(),
		TotalRewardDebt: debt.Dec(),
	})
}

// GetTokenBalance возвращает баланс актора в леджере.
func (h *Handler) GetTokenBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.MyTokenBalance(r.Context())
	if err != nil {
		h.writeError(w, err, "get token balance")
		return
	}

	h.writeJSON(w, amountResponse{Amount: balance.Dec()})
}

// GetAllowance возвращает сумму, которую владелец разрешил списать актору.
func (h *Handler) GetAllowance(w http.ResponseWriter, r *http.Request) {
	owner, ok := principalParam(r, "owner")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	allowance, err := h.service.MyAllowance(r.Context(), owner)
	if err != nil {
		h.writeError(w, err, "get allowance", zap.String("owner", owner.String()))
		return
	}

	h.writeJSON(w, amountResponse{Amount: allowance.Dec()})
}

func decodeAmount(r *http.Request) (uint256.Int, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return uint256.Int{}, false
	}

	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		return uint256.Int{}, false
	}
	return *amount, true
}

func principalParam(r *http.Request, name string) (model.Principal, bool) {
	value := chi.URLParam(r, name)
	if !validation.IsValidPrincipal(value) {
		return "", false
	}
	return model.Principal(value), true
}

// statusCode сопоставляет ошибку сервиса HTTP-статусу.
func statusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNoStake):
		return http.StatusNotFound
	case errors.Is(err, actor.ErrAccountBusy):
		return http.StatusConflict
	case errors.Is(err, service.ErrAmountExceedsStake):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrCooldownActive):
		return http.StatusTooEarly
	case ledger.IsRejection(err), errors.Is(err, ledger.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, op string, fields ...zap.Field) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(code), code)
		return
	}

	http.Error(w, err.Error(), code)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}
