// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AnonymousPrincipal is the identity used when auth is disabled.
const AnonymousPrincipal = "anonymous"

// AuthContext holds the authenticated identity extracted from a request or socket.
type AuthContext struct {
	PrincipalID string
	// Method records how the identity was established: "cookie", "bearer", "frame" or "disabled".
	Method string
}

// Anonymous reports whether this identity came from disabled auth.
func (a *AuthContext) Anonymous() bool {
	return a.Method == "disabled"
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
