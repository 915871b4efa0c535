// Package middleware содержит HTTP middleware актора стейкинга.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/stakevault/internal/model"
	"github.com/mmeshcher/stakevault/internal/validation"
)

type contextKey string

const callerKey contextKey = "caller"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour
)

// AuthMiddleware определяет вызывающего по cookie, подписанному общим секретом.
type AuthMiddleware struct {
	secretKey []byte
}

// randRead подменяется в тестах.
var randRead = rand.Read

// NewAuthMiddleware создаёт AuthMiddleware с указанным секретным ключом. При пустом секрете
// генерируется случайный ключ, и принимаются только cookie, выданные этим процессом.
func NewAuthMiddleware(secret string) (*AuthMiddleware, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := randRead(key); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}, nil
}

// Middleware проверяет cookie авторизации и добавляет принципал вызывающего в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		caller, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie авторизации для принципала.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, caller model.Principal) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.Sign(caller),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// Sign возвращает значение cookie для принципала: "<principal>.<hex hmac-sha256>".
func (a *AuthMiddleware) Sign(caller model.Principal) string {
	return caller.String() + "." + hex.EncodeToString(a.signature(caller.String()))
}

func (a *AuthMiddleware) signature(value string) []byte {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (model.Principal, bool) {
	principal, sigHex, found := strings.Cut(cookieValue, ".")
	if !found {
		return "", false
	}

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", false
	}
	if !hmac.Equal(signature, a.signature(principal)) {
		return "", false
	}

	if !validation.IsValidPrincipal(principal) {
		return "", false
	}

	return model.Principal(principal), true
}

// GetCallerFromContext извлекает принципал вызывающего из контекста запроса.
func GetCallerFromContext(ctx context.Context) (model.Principal, bool) {
	caller, ok := ctx.Value(callerKey).(model.Principal)
	return caller, ok
}
