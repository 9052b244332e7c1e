// ABOUTME: Terminal client for coven-sessions: joins a session socket and streams it to stdout
// ABOUTME: Reconnects with last_event so nothing is missed, and sends typed lines as user messages

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// getToken returns the JWT from COVEN_TOKEN or ~/.config/coven/token.
func getToken() string {
	if token := os.Getenv("COVEN_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "coven", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func main() {
	server := flag.String("server", "http://localhost:8080", "coven-sessions server URL")
	sessionID := flag.String("session", "", "Session to join (created from the first message when empty)")
	workingDir := flag.String("dir", "", "Working directory for a new session")
	lastEvent := flag.Int64("last-event", 0, "Resume after this event sequence number")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &chatClient{
		server:     strings.TrimRight(*server, "/"),
		token:      getToken(),
		sessionID:  *sessionID,
		workingDir: *workingDir,
		out:        newRenderer(os.Stdout),
	}
	c.out.lastSeq = *lastEvent

	fmt.Printf("coven-chat connected to %s\n", c.server)
	if c.token != "" {
		fmt.Println("Auth: JWT token configured (COVEN_TOKEN)")
	} else {
		fmt.Println("Auth: none (set COVEN_TOKEN for authentication)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	if err := c.run(ctx, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

type chatClient struct {
	server     string
	token      string
	sessionID  string
	workingDir string
	out        *renderer
}

func (c *chatClient) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	// A new session is created by its first message.
	for c.sessionID == "" {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "/") {
				continue
			}
			id, err := c.createSession(ctx, line)
			if err != nil {
				fmt.Printf("[error] %v\n", err)
				continue
			}
			c.sessionID = id
			fmt.Printf("Session %s\n\n", id)
		}
	}

	backoff := 500 * time.Millisecond
	for {
		err := c.session(ctx, lines)
		switch {
		case err == nil, ctx.Err() != nil:
			return nil
		case errors.Is(err, errAuthFailed), errors.Is(err, errSessionClosed):
			return err
		}
		fmt.Printf("\033[2m[disconnected: %v, reconnecting after seq %d]\033[0m\n", err, c.out.lastSeq)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}

var (
	errAuthFailed    = errors.New("authentication failed")
	errSessionClosed = errors.New("session closed")
)

// session runs one socket connection. It returns nil when the user quits.
func (c *chatClient) session(ctx context.Context, lines <-chan string) error {
	u, err := url.Parse(c.server)
	if err != nil {
		return fmt.Errorf("parsing server URL: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws/sessions/" + url.PathEscape(c.sessionID)
	u.RawQuery = url.Values{"last_event": {fmt.Sprint(c.out.lastSeq)}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errAuthFailed
		}
		return fmt.Errorf("dialing: %w", err)
	}
	defer conn.Close()

	if c.token != "" {
		if err := conn.WriteJSON(map[string]string{"type": "auth", "token": c.token}); err != nil {
			return fmt.Errorf("sending auth: %w", err)
		}
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case data, ok := <-frames:
			if !ok {
				return <-readErr
			}
			switch c.out.render(data) {
			case frameAuthError:
				return errAuthFailed
			case frameSessionClosed:
				return errSessionClosed
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, quit, err := parseInput(line)
			if err != nil {
				fmt.Printf("[error] %v\n", err)
				continue
			}
			if quit {
				return nil
			}
			if cmd == nil {
				continue
			}
			if err := conn.WriteJSON(cmd); err != nil {
				return fmt.Errorf("sending: %w", err)
			}
		}
	}
}

// createSession posts the first message and returns the new session id.
func (c *chatClient) createSession(ctx context.Context, message string) (string, error) {
	body, err := json.Marshal(map[string]string{"message": message, "working_dir": c.workingDir})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		SessionID string `json:"session_id"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("server returned status %d: %s", resp.StatusCode, out.Error)
	}
	return out.SessionID, nil
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /allow <id>          Approve a permission request")
	fmt.Println("  /deny <id>           Deny a permission request")
	fmt.Println("  /answer <id> <text>  Answer an input request")
	fmt.Println("  /interrupt           Stop the running turn")
	fmt.Println("  /mode <mode>         Change the permission mode")
	fmt.Println("  /model <model>       Change the model")
	fmt.Println("  /help                Show this help")
	fmt.Println("  /quit                Exit")
}

// parseInput turns a typed line into a client frame. A nil frame with no
// error means there is nothing to send.
func parseInput(line string) (map[string]any, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return map[string]any{"type": "user_message", "content": line}, false, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/quit", "/exit", "/q":
		return nil, true, nil
	case "/help":
		printHelp()
		return nil, false, nil
	case "/interrupt":
		return map[string]any{"type": "interrupt"}, false, nil
	case "/allow", "/deny":
		if rest == "" {
			return nil, false, fmt.Errorf("%s requires a request id", name)
		}
		return map[string]any{"type": "permission_response", "id": rest, "allow": name == "/allow"}, false, nil
	case "/answer":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" {
			return nil, false, fmt.Errorf("/answer requires a request id")
		}
		return map[string]any{"type": "input_response", "id": id, "content": strings.TrimSpace(text)}, false, nil
	case "/mode", "/model":
		if rest == "" {
			return nil, false, fmt.Errorf("%s requires a value", name)
		}
		if name == "/mode" {
			return map[string]any{"type": "set_permission_mode", "mode": rest}, false, nil
		}
		return map[string]any{"type": "set_model", "model": rest}, false, nil
	}
	return nil, false, fmt.Errorf("unknown command %s (try /help)", name)
}
