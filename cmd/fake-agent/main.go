// ABOUTME: Fake assistant CLI for E2E testing; speaks stream-json on stdin/stdout and echoes messages.
// ABOUTME: Usage: fake-agent [-delay 20ms] [--any CLI flags are accepted and ignored]
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/2389/coven-sessions/internal/agent/agenttest"
)

func main() {
	fs := flag.NewFlagSet("fake-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	delay := fs.Duration("delay", 20*time.Millisecond, "Pause between streamed words")
	resume := fs.String("resume", "", "Session id to resume")

	// The gateway passes the real CLI's flags; keep only what we understand.
	_ = fs.Parse(knownFlags(os.Args[1:]))

	sessionID := *resume
	if sessionID == "" {
		sessionID = fmt.Sprintf("fake-%d", time.Now().UnixNano())
	}

	if err := agenttest.ServeCLI(os.Stdin, os.Stdout, agenttest.CLIOptions{
		SessionID:  sessionID,
		DeltaDelay: *delay,
	}); err != nil {
		log.Fatal(err)
	}
}

func knownFlags(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		name := strings.TrimLeft(args[i], "-")
		if name != "delay" && name != "resume" {
			continue
		}
		if i+1 < len(args) {
			out = append(out, "-"+name, args[i+1])
			i++
		}
	}
	return out
}
