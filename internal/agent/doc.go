// Package agent runs the assistant CLI as a long-lived subprocess and
// translates its stream-json protocol into ChatEvents.
//
// # Process model
//
// Driver.Start launches one process per session. The process reads
// newline-delimited JSON on stdin (user messages, control requests and
// control responses) and writes newline-delimited JSON on stdout. Process
// exposes the decoded stdout as a channel of event.ChatEvent that is closed
// when the process exits.
//
// Writes to stdin are serialized by a mutex, so user messages and control
// traffic can be issued from different goroutines.
//
// # Permission prompts
//
// With --permission-prompt-tool stdio the CLI asks for tool permission with a
// control_request of subtype can_use_tool. The parser surfaces these as
// permission_request events (or input_request for AskUserQuestion); the
// caller answers with Process.RespondPermission, echoing the original tool
// input when allowing.
//
// # Testing
//
// Package agenttest provides an in-memory Driver whose processes can be
// scripted or driven event by event.
package agent
