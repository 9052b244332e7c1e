// Package gateway serves the coven-sessions HTTP and WebSocket surface.
//
// # Overview
//
// The Gateway wires the store, the session manager, the cross-instance
// bridge and the authenticator behind a single http.Server. Run starts the
// listener, the bridge and the idle sweeper in one errgroup and tears them
// down together.
//
// # Chat Socket
//
//	GET /ws/sessions/{id}?last_event=N
//
// The session cookie is checked before the upgrade. A missing cookie means
// the first frame must be {"type":"auth","token":"..."}; an invalid one is
// refused with 401 and no upgrade. After auth_ok the socket subscribes and
// snapshots the in-flight turn, replays stored events after last_event up to
// the snapshot's seq, then the turn itself (tool calls, partial text,
// streaming status), then sends replay_complete and streams live.
//
// Events are never delivered twice: a join watermark drops persisted events
// the client already has and a fingerprint set absorbs snapshot events that
// also arrive live.
//
// When another instance owns the session, live events come from the global
// bus and commands are routed over the bridge. If ownership moves to this
// instance the socket switches to the local broadcast and catches up from
// the store.
//
// # HTTP API
//
//	POST   /api/sessions              create or resume, send a message
//	GET    /api/sessions              list sessions
//	GET    /api/sessions/{id}         session metadata and live state
//	GET    /api/sessions/{id}/events  stored events after ?after=N
//	GET    /api/sessions/{id}/usage   token usage ledger and totals
//	DELETE /api/sessions/{id}         stop and archive
//
// All /api routes require a bearer token or the session cookie when auth is
// enabled.
//
// # Health
//
//	GET /health        liveness
//	GET /health/ready  store reachable
package gateway
