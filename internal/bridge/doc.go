// Package bridge replicates session events between coven-sessions instances.
//
// Every instance publishes the events its sessions produce to
// "<prefix>.events" and republishes events from other instances into its
// process-wide bus, so a WebSocket connection subscribes in one place no
// matter which instance owns the session.
//
// The owner of a session also answers two request/reply subjects:
//
//	<prefix>.snapshot.<session id>   streaming snapshot for a joining client
//	<prefix>.command.<session id>    client commands from non-owners
//
// A request with no responder means no instance owns the session. Transport
// failures are logged and the instance carries on local-only.
//
// Payloads are CBOR (core deterministic encoding) behind a one-byte header;
// payloads above 1 KiB are zstd compressed.
package bridge
