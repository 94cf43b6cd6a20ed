package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/txkodo/claude-code-web/internal/approval"
	"github.com/txkodo/claude-code-web/internal/logging"
)

// ErrTurnInFlight indicates Run was called while a previous turn is running.
var ErrTurnInFlight = errors.New("agent turn already in flight")

const (
	// maxStreamLine bounds one stream-json line; tool results can embed
	// base64 images.
	maxStreamLine = 16 << 20

	permissionToolName = "mcp__permission__approval_prompt"
)

// ClaudeOptions configures the CLI-backed agent.
type ClaudeOptions struct {
	// Command is the agent binary, "claude" by default.
	Command string
	// Broker routes the CLI's permission calls back to the turn callback.
	Broker *approval.Broker
	// PermissionURL builds the callback URL for a routing token.
	PermissionURL func(token string) string
	Logger        logging.Logger
}

// ClaudeAgent drives the claude CLI in stream-json mode, one subprocess per
// turn, resuming agent-side context via the session id the CLI reports.
type ClaudeAgent struct {
	cwd    string
	opts   ClaudeOptions
	logger logging.Logger

	mu       sync.Mutex
	running  bool
	resumeID string
}

// NewClaudeAgent creates an agent bound to cwd.
func NewClaudeAgent(cwd string, opts ClaudeOptions) *ClaudeAgent {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	return &ClaudeAgent{
		cwd:    cwd,
		opts:   opts,
		logger: logging.OrNop(opts.Logger),
	}
}

// NewClaudeFactory returns a factory of CLI-backed agents sharing one broker.
func NewClaudeFactory(opts ClaudeOptions) Factory {
	return FactoryFunc(func(cwd string) Agent {
		return NewClaudeAgent(cwd, opts)
	})
}

func (a *ClaudeAgent) Run(ctx context.Context, turn Turn, emit func(Output)) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrTurnInFlight
	}
	a.running = true
	resume := a.resumeID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	args := []string{"-p", turn.Prompt, "--output-format", "stream-json", "--verbose"}
	if resume != "" {
		args = append(args, "--resume", resume)
	}

	var sub *approval.Subscription
	if a.opts.Broker != nil && a.opts.PermissionURL != nil && turn.Permit != nil {
		sub = a.opts.Broker.Subscribe(turn.Permit)
		defer sub.Unsubscribe()

		mcpConfig, err := json.Marshal(map[string]any{
			"mcpServers": map[string]any{
				"permission": map[string]any{
					"type": "http",
					"url":  a.opts.PermissionURL(sub.Token),
				},
			},
		})
		if err != nil {
			return fmt.Errorf("build mcp config: %w", err)
		}
		args = append(args,
			"--mcp-config", string(mcpConfig),
			"--permission-prompt-tool", permissionToolName,
		)
	}

	cmd := exec.CommandContext(ctx, a.opts.Command, args...)
	cmd.Dir = a.cwd
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}
	a.logger.Info("Agent process started: pid=%d cwd=%s resume=%q", cmd.Process.Pid, a.cwd, resume)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxStreamLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := parseStreamLine(line)
		if err != nil {
			a.logger.Warn("Skipping unparseable agent output: %v", err)
			continue
		}
		if msg.SessionID != "" {
			a.mu.Lock()
			a.resumeID = msg.SessionID
			a.mu.Unlock()
		}
		for _, output := range outputsFrom(msg) {
			emit(output)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tail := stderrTail(&stderr); tail != "" {
			return fmt.Errorf("agent process failed: %w: %s", err, tail)
		}
		return fmt.Errorf("agent process failed: %w", err)
	}
	if scanErr != nil {
		return fmt.Errorf("read agent output: %w", scanErr)
	}
	return nil
}

// maxStderrTail bounds how much subprocess stderr is carried into the error.
const maxStderrTail = 2048

func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if len(s) > maxStderrTail {
		s = s[len(s)-maxStderrTail:]
	}
	return s
}

// Close is a no-op when idle; an in-flight turn is torn down through its
// context, which kills the subprocess.
func (a *ClaudeAgent) Close() error { return nil }
