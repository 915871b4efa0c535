package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/mmeshcher/stakevault/internal/middleware"
	"github.com/mmeshcher/stakevault/internal/model"
	"github.com/mmeshcher/stakevault/internal/reward"
	"github.com/mmeshcher/stakevault/internal/validation"
)

// DevService — отладочные запросы актора.
type DevService interface {
	Self() model.Principal
	TokenID() string
	CurrentTime() time.Time
	RewardParams() reward.Params
	Cooldown() time.Duration
	Decimals(ctx context.Context) (uint8, error)
	TokenBalanceOf(ctx context.Context, id model.Principal) (uint256.Int, error)
	TransferTokenFromToMe(ctx context.Context, caller, who model.Principal, amount uint256.Int) (uint256.Int, error)
}

type principalResponse struct {
	Principal string `json:"principal"`
}

// MyID возвращает принципал актора.
func (h *Handler) MyID(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, principalResponse{Principal: h.service.Self().String()})
}

// WhoAmI возвращает принципал вызывающего.
func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.writeJSON(w, principalResponse{Principal: caller.String()})
}

// TokenID возвращает идентификатор леджера токена.
func (h *Handler) TokenID(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, struct {
		TokenID string `json:"token_id"`
	}{TokenID: h.service.TokenID()})
}

// TokenBalanceOf возвращает баланс произвольного аккаунта.
func (h *Handler) TokenBalanceOf(w http.ResponseWriter, r *http.Request) {
	id, ok := principalParam(r, "principal")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.TokenBalanceOf(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "token balance of", zap.String("principal", id.String()))
		return
	}

	h.writeJSON(w, amountResponse{Amount: balance.Dec()})
}

type transferFromRequest struct {
	From   string `json:"from"`
	Amount string `json:"amount"`
}

// TransferTokenFromToMe переводит токены аккаунта на баланс актора в пределах разрешения.
func (h *Handler) TransferTokenFromToMe(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req transferFromRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil || !validation.IsValidPrincipal(req.From) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	idx, err := h.service.TransferTokenFromToMe(r.Context(), caller, model.Principal(req.From), *amount)
	if err != nil {
		h.writeError(w, err, "transfer token from", zap.String("from", req.From))
		return
	}

	h.writeJSON(w, struct {
		TxIndex string `json:"tx_index"`
	}{TxIndex: idx.Dec()})
}

// CurrentTime возвращает время актора в наносекундах Unix.
func (h *Handler) CurrentTime(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, struct {
		Now int64 `json:"now"`
	}{Now: h.service.CurrentTime().UnixNano()})
}

// RewardPeriod возвращает параметры доходности.
func (h *Handler) RewardPeriod(w http.ResponseWriter, _ *http.Request) {
	p := h.service.RewardParams()
	h.writeJSON(w, struct {
		RatePercent uint64 `json:"rate_percent"`
		PeriodNanos int64  `json:"period_ns"`
	}{RatePercent: p.AnnualRatePercent, PeriodNanos: p.ReferencePeriod.Nanoseconds()})
}

// Cooldown возвращает период ожидания вывода.
func (h *Handler) Cooldown(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, struct {
		CooldownNanos int64 `json:"cooldown_ns"`
	}{CooldownNanos: h.service.Cooldown().Nanoseconds()})
}

// Decimals возвращает число знаков токена.
func (h *Handler) Decimals(w http.ResponseWriter, r *http.Request) {
	decimals, err := h.service.Decimals(r.Context())
	if err != nil {
		h.writeError(w, err, "decimals")
		return
	}

	h.writeJSON(w, struct {
		Decimals uint8 `json:"decimals"`
	}{Decimals: decimals})
}

// Login выдаёт подписанный cookie вызывающего для указанного принципала.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req principalResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidPrincipal(req.Principal) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.authMiddleware.SetAuthCookie(w, model.Principal(req.Principal))
	w.WriteHeader(http.StatusOK)
}
