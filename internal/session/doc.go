// Package session owns the assistant subprocesses running on this instance.
//
// A Manager keeps one Active record per locally owned session. User messages
// are persisted and broadcast as they arrive; a message that arrives while a
// turn is running waits in a FIFO until the turn's result. Control commands
// (interrupt, permission answers, mode and model changes) go through a
// separate goroutine so they never wait behind a running turn.
//
// Every event an owner produces is written to the store (unless ephemeral),
// then published to the session broadcast, the process-wide bus and the
// bridge, in that order. Sessions owned by another instance are reached
// through the bridge.
package session
