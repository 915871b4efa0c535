package ledgertest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/mmeshcher/stakevault/internal/ledger"
	"github.com/mmeshcher/stakevault/internal/model"
)

type request struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// Handler отдаёт леджер по HTTP в формате, который ожидает ledger.Client.
func (l *Ledger) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/balanceOf/{id}", func(w http.ResponseWriter, r *http.Request) {
		v, err := l.BalanceOf(r.Context(), model.Principal(chi.URLParam(r, "id")))
		writeAmount(w, v, err)
	})
	r.Get("/allowance/{owner}/{spender}", func(w http.ResponseWriter, r *http.Request) {
		v, err := l.Allowance(r.Context(), model.Principal(chi.URLParam(r, "owner")), model.Principal(chi.URLParam(r, "spender")))
		writeAmount(w, v, err)
	})
	r.Get("/decimals", func(w http.ResponseWriter, r *http.Request) {
		d, err := l.Decimals(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]uint8{"decimals": d})
	})

	r.Post("/transfer", l.serveUpdate(func(r *http.Request, req request, amount uint256.Int) (uint256.Int, error) {
		return l.Transfer(r.Context(), model.Principal(req.To), amount)
	}))
	r.Post("/transferFrom", l.serveUpdate(func(r *http.Request, req request, amount uint256.Int) (uint256.Int, error) {
		return l.TransferFrom(r.Context(), model.Principal(req.From), model.Principal(req.To), amount)
	}))
	r.Post("/approve", l.serveUpdate(func(r *http.Request, req request, amount uint256.Int) (uint256.Int, error) {
		return l.Approve(r.Context(), model.Principal(req.Spender), amount)
	}))

	return r
}

func (l *Ledger) serveUpdate(op func(r *http.Request, req request, amount uint256.Int) (uint256.Int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		amount, err := uint256.FromDecimal(req.Amount)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		idx, err := op(r, req, *amount)
		var txErr *ledger.TxError
		switch {
		case errors.As(err, &txErr):
			var msg *string
			if txErr.Message != "" {
				msg = &txErr.Message
			}
			writeJSON(w, map[string]map[string]*string{"err": {string(txErr.Kind): msg}})
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			writeJSON(w, map[string]string{"ok": idx.Dec()})
		}
	}
}

func writeAmount(w http.ResponseWriter, v uint256.Int, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"amount": v.Dec()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
