package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// ErrQueryInFlight is returned by Start while a query is still active.
var ErrQueryInFlight = errors.New("query already in flight")

const (
	// Scanner buffer: runtime messages can carry whole files.
	maxLineSize = 4 << 20

	spawnRetries = 3
)

// CLIAdapter drives the agent runtime as a subprocess speaking
// newline-delimited JSON: one process per query, resumed across queries via
// the runtime's conversation id. Tool-permission checks arrive as control
// requests on stdout and are answered on stdin, so a query can stay blocked
// on a human for hours without holding any process-wide resource.
type CLIAdapter struct {
	opts Options

	mu             sync.Mutex
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	cancel         context.CancelFunc
	conversationID string
	mode           types.PermissionMode
	closed         bool

	writeMu sync.Mutex
	active  atomic.Bool
	aborted atomic.Bool
}

// NewCLIAdapter returns a Factory-compatible adapter around opts.Command.
func NewCLIAdapter(opts Options) (Adapter, error) {
	if opts.Command == "" {
		return nil, errors.New("agent command not configured")
	}
	mode := opts.PermissionMode
	if mode == "" {
		mode = types.PermissionDefault
	}
	return &CLIAdapter{opts: opts, mode: mode, conversationID: opts.ResumeToken}, nil
}

func (a *CLIAdapter) IsActive() bool {
	return a.active.Load()
}

// SetPermissionMode changes the mode used for subsequent queries. The
// in-flight query, if any, keeps the mode it started with.
func (a *CLIAdapter) SetPermissionMode(mode types.PermissionMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
}

// Start spawns one query process and feeds it the prompt.
func (a *CLIAdapter) Start(ctx context.Context, prompt string) error {
	if !a.active.CompareAndSwap(false, true) {
		return ErrQueryInFlight
	}
	a.aborted.Store(false)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.active.Store(false)
		return errors.New("adapter closed")
	}

	queryCtx, cancel := context.WithCancel(context.Background())
	args := append([]string(nil), a.opts.Args...)
	args = append(args,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-mode", string(a.mode),
	)
	if a.conversationID != "" {
		args = append(args, "--resume", a.conversationID)
		if a.opts.Fork {
			args = append(args, "--fork-session")
		}
	}

	// Transient spawn failures (fd exhaustion, fork pressure) retry with
	// exponential backoff before the query is failed outright. A failed
	// Start closes the command's pipes, so each attempt builds a fresh
	// command.
	var (
		cmd    *exec.Cmd
		stdin  io.WriteCloser
		stdout io.ReadCloser
		stderr *bytes.Buffer
	)
	spawn := func() error {
		c := exec.CommandContext(queryCtx, a.opts.Command, args...)
		c.Dir = a.opts.WorkingDir
		errBuf := new(bytes.Buffer)
		c.Stderr = errBuf

		in, err := c.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		out, err := c.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		if err := c.Start(); err != nil {
			return err
		}
		cmd, stdin, stdout, stderr = c, in, out, errBuf
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
	), spawnRetries)
	if err := backoff.Retry(spawn, backoff.WithContext(bo, ctx)); err != nil {
		cancel()
		a.mu.Unlock()
		a.active.Store(false)
		return fmt.Errorf("spawn agent: %w", err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.cancel = cancel
	// A fork happens once; the forked conversation is resumed plainly from
	// here on.
	a.opts.Fork = false
	a.mu.Unlock()

	if err := a.writeLine(userPromptLine(prompt)); err != nil {
		cancel()
		a.active.Store(false)
		return fmt.Errorf("send prompt: %w", err)
	}

	go a.readLoop(queryCtx, stdout, cmd, stderr)
	return nil
}

// Abort cancels the in-flight query. The process is killed; the query's
// result event never arrives, so the caller owns resetting thinking state.
func (a *CLIAdapter) Abort() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil && a.active.Load() {
		a.aborted.Store(true)
		cancel()
	}
}

// Close aborts any in-flight query and marks the adapter unusable.
func (a *CLIAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		a.aborted.Store(true)
		cancel()
	}
	return nil
}

// readLoop consumes the query's event stream until the process exits.
func (a *CLIAdapter) readLoop(ctx context.Context, stdout io.Reader, cmd *exec.Cmd, stderr *bytes.Buffer) {
	defer func() {
		err := cmd.Wait()
		a.active.Store(false)
		if err != nil && !a.aborted.Load() {
			msg := bytes.TrimSpace(stderr.Bytes())
			if len(msg) > 0 {
				err = fmt.Errorf("agent exited: %w: %s", err, msg)
			} else {
				err = fmt.Errorf("agent exited: %w", err)
			}
			a.emitError(err)
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var env streamEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			logging.Warn().Err(err).Msg("undecodable agent stream line")
			continue
		}
		a.dispatch(ctx, &env)
	}
	if err := scanner.Err(); err != nil && !a.aborted.Load() {
		a.emitError(fmt.Errorf("read agent stream: %w", err))
	}
}

func (a *CLIAdapter) dispatch(ctx context.Context, env *streamEnvelope) {
	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			return
		}
		a.mu.Lock()
		a.conversationID = env.SessionID
		a.mu.Unlock()
		a.emit(Event{
			Kind:           KindSystemInit,
			ConversationID: env.SessionID,
			SlashCommands:  env.SlashCommands,
		})

	case "assistant":
		a.emit(Event{Kind: KindAssistant, Message: env.Message, Replay: env.IsReplay})

	case "user":
		ev := Event{Kind: KindUser, Message: env.Message, Replay: env.IsReplay}
		if id, result := extractToolResult(env.Message); id != "" {
			ev.ToolUseID = id
			ev.ToolResult = result
		}
		a.emit(ev)

	case "result":
		usage := &Usage{
			ContextWindow: env.ModelContextWindow,
			CostUSD:       env.TotalCostUSD,
		}
		if env.Usage != nil {
			usage.InputTokens = env.Usage.InputTokens
			usage.CacheReadInputTokens = env.Usage.CacheReadInputTokens
		}
		a.active.Store(false)
		a.emit(Event{Kind: KindResult, Usage: usage})

	case "control_request":
		if env.Request != nil && env.Request.Subtype == "can_use_tool" {
			go a.answerPermission(ctx, env.RequestID, env.Request)
		}

	default:
		logging.Debug().Str("type", env.Type).Msg("ignoring agent stream event")
	}
}

// answerPermission runs the permission callback (which may block on a human
// for an arbitrarily long time) and writes the control response.
func (a *CLIAdapter) answerPermission(ctx context.Context, requestID string, req *controlRequest) {
	res := PermissionResult{Allow: false, Message: "no permission handler configured"}
	if a.opts.Callbacks.OnPermission != nil {
		res = a.opts.Callbacks.OnPermission(ctx, req.ToolName, req.Input, req.ToolUseID)
	}

	var payload map[string]any
	if res.Allow {
		payload = map[string]any{"behavior": "allow"}
		if res.UpdatedInput != nil {
			payload["updatedInput"] = res.UpdatedInput
		}
	} else {
		payload = map[string]any{"behavior": "deny", "message": res.Message}
	}

	line, err := json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"request_id": requestID,
			"subtype":    "success",
			"response":   payload,
		},
	})
	if err != nil {
		a.emitError(fmt.Errorf("marshal control response: %w", err))
		return
	}
	if err := a.writeLine(line); err != nil && !a.aborted.Load() {
		a.emitError(fmt.Errorf("send control response: %w", err))
	}
}

func (a *CLIAdapter) writeLine(line []byte) error {
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return errors.New("agent not running")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := stdin.Write(line); err != nil {
		return err
	}
	_, err := stdin.Write([]byte{'\n'})
	return err
}

func (a *CLIAdapter) emit(ev Event) {
	if a.opts.Callbacks.OnEvent != nil {
		a.opts.Callbacks.OnEvent(ev)
	}
}

func (a *CLIAdapter) emitError(err error) {
	if a.opts.Callbacks.OnError != nil {
		a.opts.Callbacks.OnError(err)
	}
}

func userPromptLine(prompt string) []byte {
	line, _ := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	})
	return line
}
