// Package auth provides authentication for coven-sessions.
//
// # Tokens
//
// Clients authenticate with HS256 JWTs signed with auth.jwt_secret. The
// principal id lives in the "sub" claim. Secrets shorter than 32 bytes are
// rejected.
//
// # Chat sockets
//
// Before a WebSocket upgrade the gateway calls AuthenticateFromCookie:
//
//   - CookieAuthenticated: upgrade and send auth_ok straight away
//   - CookieMissing: upgrade, then the first frame must be {"type":"auth","token":"..."}
//   - CookieInvalid: refuse the upgrade with 401
//
// AuthenticateFrame validates that first frame.
//
// # API requests
//
// HTTPAuthMiddleware accepts "Authorization: Bearer <token>" or the session
// cookie and stores an AuthContext in the request context.
//
// # Disabled mode
//
// With no secret configured every caller is the "anonymous" principal.
package auth
