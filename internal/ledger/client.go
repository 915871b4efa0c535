// Package ledger предоставляет клиент для внешнего леджера токена.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/holiman/uint256"

	"github.com/mmeshcher/stakevault/internal/model"
)

const (
	callerHeader = "X-Caller"

	defaultAttempts   = 3
	defaultRetryDelay = 200 * time.Millisecond
)

var errRetryable = errors.New("retryable ledger response")

// Client инкапсулирует HTTP-взаимодействие с леджером от имени актора caller.
type Client struct {
	baseURL    string
	caller     model.Principal
	httpClient *http.Client
	attempts   uint
	retryDelay time.Duration
}

// NewClient создаёт HTTP-клиент для леджера по указанному адресу.
func NewClient(baseURL string, caller model.Principal) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		caller:  caller,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
	}
}

type amountResponse struct {
	Amount string `json:"amount"`
}

type decimalsResponse struct {
	Decimals uint8 `json:"decimals"`
}

// receipt — ответ изменяющих операций: {"ok":"<n>"} либо {"err":{"<Kind>":null|"text"}}.
type receipt struct {
	Ok  *string            `json:"ok,omitempty"`
	Err map[string]*string `json:"err,omitempty"`
}

type transferRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

// BalanceOf возвращает баланс аккаунта.
func (c *Client) BalanceOf(ctx context.Context, id model.Principal) (uint256.Int, error) {
	return c.queryAmount(ctx, "/balanceOf/"+url.PathEscape(id.String()))
}

// Allowance возвращает сумму, которую spender вправе списать у owner.
func (c *Client) Allowance(ctx context.Context, owner, spender model.Principal) (uint256.Int, error) {
	return c.queryAmount(ctx, "/allowance/"+url.PathEscape(owner.String())+"/"+url.PathEscape(spender.String()))
}

// Decimals возвращает число знаков после запятой токена.
func (c *Client) Decimals(ctx context.Context) (uint8, error) {
	var resp decimalsResponse
	if err := c.queryWithRetry(ctx, "/decimals", &resp); err != nil {
		return 0, err
	}
	return resp.Decimals, nil
}

// Transfer переводит amount с баланса актора на баланс to.
func (c *Client) Transfer(ctx context.Context, to model.Principal, amount uint256.Int) (uint256.Int, error) {
	return c.update(ctx, "/transfer", transferRequest{To: to.String(), Amount: amount.Dec()})
}

// TransferFrom переводит amount с баланса from на баланс to в пределах разрешения.
func (c *Client) TransferFrom(ctx context.Context, from, to model.Principal, amount uint256.Int) (uint256.Int, error) {
	return c.update(ctx, "/transferFrom", transferRequest{From: from.String(), To: to.String(), Amount: amount.Dec()})
}

// Approve разрешает spender списывать с баланса актора до amount.
func (c *Client) Approve(ctx context.Context, spender model.Principal, amount uint256.Int) (uint256.Int, error) {
	return c.update(ctx, "/approve", transferRequest{Spender: spender.String(), Amount: amount.Dec()})
}

func (c *Client) queryAmount(ctx context.Context, path string) (uint256.Int, error) {
	var v uint256.Int

	var resp amountResponse
	if err := c.queryWithRetry(ctx, path, &resp); err != nil {
		return v, err
	}
	if err := v.SetFromDecimal(resp.Amount); err != nil {
		return v, fmt.Errorf("%w: bad amount %q: %v", ErrUnavailable, resp.Amount, err)
	}
	return v, nil
}

// queryWithRetry повторяет только читающие запросы: изменяющие операции не идемпотентны.
func (c *Client) queryWithRetry(ctx context.Context, path string, out any) error {
	err := retry.Do(
		func() error {
			return c.do(ctx, http.MethodGet, path, nil, out)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errRetryable)
		}),
	)
	if err != nil {
		return fmt.Errorf("query %s: %w", path, err)
	}
	return nil
}

func (c *Client) update(ctx context.Context, path string, body transferRequest) (uint256.Int, error) {
	var v uint256.Int

	var rcpt receipt
	if err := c.do(ctx, http.MethodPost, path, body, &rcpt); err != nil {
		return v, fmt.Errorf("call %s: %w", path, err)
	}

	if rcpt.Ok != nil {
		if err := v.SetFromDecimal(*rcpt.Ok); err != nil {
			return v, fmt.Errorf("call %s: %w: bad receipt %q", path, ErrUnavailable, *rcpt.Ok)
		}
		return v, nil
	}

	for kind, msg := range rcpt.Err {
		txErr := &TxError{Kind: Kind(kind)}
		if msg != nil {
			txErr.Message = *msg
		}
		return v, fmt.Errorf("call %s: %w", path, txErr)
	}

	return v, fmt.Errorf("call %s: %w: empty receipt", path, ErrUnavailable)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(callerHeader, c.caller.String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w: do request: %v", ErrUnavailable, errRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w: status %d", ErrUnavailable, errRetryable, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	return nil
}
