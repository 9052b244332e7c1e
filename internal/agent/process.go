// ABOUTME: cliProcess owns the pipes of one running CLI subprocess
// ABOUTME: Reads NDJSON from stdout into ChatEvents and serializes writes to stdin

package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-sessions/internal/event"
)

const maxLineSize = 16 * 1024 * 1024

type cliProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	logger *slog.Logger

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	events chan event.ChatEvent
	parser *parser

	mu      sync.Mutex
	exited  bool
	waitErr error
	done    chan struct{}
}

func startCLIProcess(path string, args []string, dir string, env []string, logger *slog.Logger) (*cliProcess, error) {
	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	p := &cliProcess{
		cmd:    cmd,
		cancel: cancel,
		logger: logger,
		stdin:  stdin,
		events: make(chan event.ChatEvent, 64),
		parser: newParser(),
		done:   make(chan struct{}),
	}

	go p.logStderr(stderr)
	go p.readLoop(stdout)
	return p, nil
}

func (p *cliProcess) Events() <-chan event.ChatEvent {
	return p.events
}

func (p *cliProcess) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		evs, err := p.parser.parseLine(line)
		if err != nil {
			p.logger.Warn("unparseable subprocess output", "error", err)
			continue
		}
		for _, ev := range evs {
			p.events <- ev
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("reading subprocess output", "error", err)
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.exited = true
	p.waitErr = err
	p.mu.Unlock()

	p.cancel()
	close(p.events)
	close(p.done)
	p.logger.Info("subprocess exited", "error", err)
}

func (p *cliProcess) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Debug("subprocess stderr", "line", scanner.Text())
	}
}

func (p *cliProcess) writeLine(data []byte) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()

	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return ErrProcessExited
	}

	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrProcessExited
		}
		return fmt.Errorf("writing to subprocess: %w", err)
	}
	return nil
}

func (p *cliProcess) SendUserMessage(content string) error {
	line, err := userMessageLine(content)
	if err != nil {
		return err
	}
	return p.writeLine(line)
}

func (p *cliProcess) Control(req ControlRequest) error {
	line, err := controlRequestLine(uuid.NewString(), req)
	if err != nil {
		return err
	}
	p.logger.Debug("sending control request", "subtype", req.Subtype)
	return p.writeLine(line)
}

func (p *cliProcess) RespondPermission(requestID string, decision PermissionDecision) error {
	line, err := permissionResponseLine(requestID, decision)
	if err != nil {
		return err
	}
	p.logger.Debug("answering permission request", "request_id", requestID, "allow", decision.Allow)
	return p.writeLine(line)
}

func (p *cliProcess) ResumeToken() string {
	return p.parser.token()
}

func (p *cliProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *cliProcess) Kill() error {
	p.stdinMu.Lock()
	_ = p.stdin.Close()
	p.stdinMu.Unlock()
	p.cancel()
	return nil
}
