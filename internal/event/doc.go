// Package event defines the session activity model and the WebSocket wire protocol.
//
// ChatEvent is shared by every layer: the subprocess driver produces it, the
// session manager persists and broadcasts it, the bridge ships it between
// instances inside an Envelope, and the gateway writes it to clients as a
// frame. Fingerprint gives each non-ephemeral event a dedup identity used by
// the join protocol.
package event
