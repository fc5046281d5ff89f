package core

import (
	"context"
	"net/http"
	"strings"

	"github.com/putto11262002/chatrooms/pkg/router"
)

const (
	key            userKey = "user"
	AuthCookieName         = "auth_token"
	AuthQueryParam         = "token"
)

type userKey string

func contextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, key, user)
}

func userFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(key).(*User)
	return user, ok && user != nil
}

// UserFromRequest extracts the identity from the request context.
// It must be called in handlers that are protected by the TokenMiddleware.
// It panics if the identity is not found in the request context.
func UserFromRequest(r *http.Request) *User {
	user, ok := userFromContext(r.Context())
	if !ok {
		panic("user not found in request context: call this function in handlers that are protected by TokenMiddleware")
	}
	return user
}

// TokenFromRequest looks for a credential in the Authorization header, then
// the auth cookie, then the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil && cookie.Valid() == nil {
		return cookie.Value
	}
	return r.URL.Query().Get(AuthQueryParam)
}

// Authenticator resolves a credential token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*User, error)
}

// TokenMiddleware authenticates the request and attaches the identity to the
// request context. The identity is guaranteed to be attached for subsequent
// handlers.
func TokenMiddleware(a Authenticator) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		return router.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			user, err := a.Authenticate(r.Context(), TokenFromRequest(r))
			if err != nil {
				return err
			}
			next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), user)))
			return nil
		})
	}
}
