package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/michaelbrown/runbox/internal/apperr"
	"github.com/michaelbrown/runbox/internal/config"
)

// DevUserHeader carries the caller identity when auth.dev_header is enabled.
const DevUserHeader = "X-User-ID"

type ctxKey int

const userKey ctxKey = iota

func userID(ctx context.Context) string {
	id, _ := ctx.Value(userKey).(string)
	return id
}

// authenticator resolves the caller from an HS256 bearer token whose subject
// is the user id, or from DevUserHeader in development.
type authenticator struct {
	secret    []byte
	devHeader bool
}

func newAuthenticator(cfg config.AuthConfig) *authenticator {
	return &authenticator{secret: []byte(cfg.JWTSecret), devHeader: cfg.DevHeader}
}

func (a *authenticator) identify(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || len(a.secret) == 0 {
			return "", apperr.New(apperr.Unauthorized)
		}
		tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
			return a.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			return "", apperr.Wrap(err, apperr.Unauthorized, "invalid token")
		}
		sub, err := tok.Claims.GetSubject()
		if err != nil || sub == "" {
			return "", apperr.Newf(apperr.Unauthorized, "token has no subject")
		}
		return sub, nil
	}
	if a.devHeader {
		if id := strings.TrimSpace(r.Header.Get(DevUserHeader)); id != "" {
			return id, nil
		}
	}
	return "", apperr.New(apperr.Unauthorized)
}

// Middleware rejects unauthenticated requests with 401.
func (a *authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.identify(r)
		if err != nil {
			e, _ := apperr.As(err)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": e.Code, "message": e.Message})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, id)))
	})
}
