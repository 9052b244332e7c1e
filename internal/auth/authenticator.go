// ABOUTME: Authenticator checks the session cookie before a WebSocket upgrade and the first-message token after
// ABOUTME: With no secret configured every caller is the anonymous principal

package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/coven-sessions/internal/event"
)

// ErrAuthTimeout is returned when a socket sends no auth frame in time.
var ErrAuthTimeout = errors.New("authentication timed out")

// CookieStatus is the outcome of the pre-upgrade cookie check.
type CookieStatus int

const (
	// CookieAuthenticated means the cookie held a valid token.
	CookieAuthenticated CookieStatus = iota
	// CookieMissing means there was no cookie; the client must send an auth frame.
	CookieMissing
	// CookieInvalid means a cookie was present but rejected; refuse the upgrade.
	CookieInvalid
)

func (s CookieStatus) String() string {
	switch s {
	case CookieAuthenticated:
		return "authenticated"
	case CookieMissing:
		return "no_cookie"
	case CookieInvalid:
		return "invalid"
	}
	return fmt.Sprintf("CookieStatus(%d)", int(s))
}

// CookieResult is returned by AuthenticateFromCookie.
type CookieResult struct {
	Status   CookieStatus
	Identity *AuthContext // set when Status is CookieAuthenticated
	Err      error        // set when Status is CookieInvalid
}

// Authenticator validates identities for chat sockets and API requests.
type Authenticator struct {
	verifier   *JWTVerifier
	cookieName string
}

// NewAuthenticator builds an Authenticator. An empty secret disables auth.
func NewAuthenticator(secret, cookieName string) (*Authenticator, error) {
	a := &Authenticator{cookieName: cookieName}
	if secret == "" {
		return a, nil
	}
	v, err := NewJWTVerifier([]byte(secret))
	if err != nil {
		return nil, err
	}
	a.verifier = v
	return a, nil
}

// Enabled reports whether tokens are checked.
func (a *Authenticator) Enabled() bool {
	return a.verifier != nil
}

// Verifier returns the underlying JWT verifier, or nil when auth is disabled.
func (a *Authenticator) Verifier() *JWTVerifier {
	return a.verifier
}

// CookieName is the cookie consulted by AuthenticateFromCookie.
func (a *Authenticator) CookieName() string {
	return a.cookieName
}

// AuthenticateFromCookie inspects the request cookie. It never writes a response.
func (a *Authenticator) AuthenticateFromCookie(r *http.Request) CookieResult {
	if !a.Enabled() {
		return CookieResult{Status: CookieAuthenticated, Identity: anonymous()}
	}

	c, err := r.Cookie(a.cookieName)
	if err != nil || c.Value == "" {
		return CookieResult{Status: CookieMissing}
	}

	id, err := a.AuthenticateToken(c.Value)
	if err != nil {
		return CookieResult{Status: CookieInvalid, Err: err}
	}
	id.Method = "cookie"
	return CookieResult{Status: CookieAuthenticated, Identity: id}
}

// AuthenticateToken validates a bare token.
func (a *Authenticator) AuthenticateToken(token string) (*AuthContext, error) {
	if !a.Enabled() {
		return anonymous(), nil
	}
	principalID, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &AuthContext{PrincipalID: principalID, Method: "bearer"}, nil
}

// AuthenticateFrame validates a first-message {type:"auth",token} frame.
func (a *Authenticator) AuthenticateFrame(data []byte) (*AuthContext, error) {
	token, err := ParseAuthFrame(data)
	if err != nil {
		return nil, err
	}
	id, err := a.AuthenticateToken(token)
	if err != nil {
		return nil, err
	}
	if !id.Anonymous() {
		id.Method = "frame"
	}
	return id, nil
}

// ParseAuthFrame extracts the token from an auth frame. Any other frame type is rejected.
func ParseAuthFrame(data []byte) (string, error) {
	cmd, err := event.ParseCommand(data)
	if err != nil {
		return "", err
	}
	if cmd.Kind != event.CommandAuth {
		return "", fmt.Errorf("%w: expected auth frame, got %s", event.ErrInvalidFrame, cmd.Kind)
	}
	return cmd.Token, nil
}

func anonymous() *AuthContext {
	return &AuthContext{PrincipalID: AnonymousPrincipal, Method: "disabled"}
}
