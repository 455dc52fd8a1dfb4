// Package auth resolves the caller's identity claim from a request.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

var (
	ErrMissingIdentity = errors.New("auth: missing identity")
	ErrInvalidIdentity = errors.New("auth: invalid identity")
)

// Identity is an authenticated caller.
type Identity struct {
	UserID int64
}

// Authenticator extracts an Identity from a request. It returns
// ErrMissingIdentity when no claim is present and ErrInvalidIdentity when a
// claim is present but unusable.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID > 0
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// TokenFromRequest returns the bearer token, falling back to the token query
// parameter for WebSocket clients that cannot set headers.
func TokenFromRequest(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	return token, token != ""
}

// Unverified trusts a user_id query parameter or X-User-ID header. It is for
// local development only.
type Unverified struct{}

func (Unverified) Authenticate(r *http.Request) (Identity, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("X-User-ID"))
	}
	if raw == "" {
		return Identity{}, ErrMissingIdentity
	}
	id, err := parseUserID(raw)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: id}, nil
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidIdentity
	}
	return id, nil
}
