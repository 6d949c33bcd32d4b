package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"skein/pkg/ipc"
)

// ClaudeCode drives the `claude` CLI in print mode with streamed JSON
// output. The CLI's own session id is captured from the stream and passed
// back with --resume so consecutive tasks continue one conversation.
type ClaudeCode struct {
	Binary string
	Model  string
	Logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	running   bool
	steer     []string
}

// claudeWaitDelay bounds how long Run waits for the CLI's pipes after the
// process group has been killed.
const claudeWaitDelay = 2 * time.Second

// maxStreamLine bounds one stream-json line; tool results can be large.
const maxStreamLine = 16 << 20

// Run executes one prompt. Cancelling ctx kills the CLI's process group.
func (c *ClaudeCode) Run(ctx context.Context, req Request) (Result, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c.mu.Lock()
	prompt := req.Prompt
	if len(c.steer) > 0 {
		prompt = strings.Join(c.steer, "\n") + "\n\n" + prompt
		c.steer = nil
	}
	args := c.argsLocked(prompt, req)
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	cmd := exec.CommandContext(ctx, c.Binary, args...) //nolint:gosec // binary resolved through the catalog
	cmd.Dir = req.WorkspaceDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd.Process.Pid) }
	cmd.WaitDelay = claudeWaitDelay
	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("claude stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("claude aborted before start: %w", ctx.Err())
		}
		return Result{}, fmt.Errorf("start claude: %w", err)
	}

	res, streamErr := c.consume(stdout, req, logger)
	if streamErr != nil {
		// The scanner stopped reading; keep the pipe flowing so the CLI can
		// finish writing and exit.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return res, fmt.Errorf("claude aborted: %w", ctx.Err())
	}
	if streamErr != nil {
		return res, streamErr
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return res, fmt.Errorf("claude exited: %w: %s", waitErr, msg)
		}
		return res, fmt.Errorf("claude exited: %w", waitErr)
	}
	return res, nil
}

func (c *ClaudeCode) argsLocked(prompt string, req Request) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if c.sessionID != "" {
		args = append(args, "--resume", c.sessionID)
	}
	model := req.Model
	if model == "" {
		model = c.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.System != "" {
		args = append(args, "--append-system-prompt", req.System)
	}
	return args
}

// Steer queues guidance for the next CLI turn. Print mode cannot take input
// mid-run, so guidance sent during a task is prepended to the following one.
func (c *ClaudeCode) Steer(text string) bool {
	c.mu.Lock()
	c.steer = append(c.steer, text)
	c.mu.Unlock()
	return true
}

// Active reports whether a CLI process is running.
func (c *ClaudeCode) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SessionID is the CLI conversation id captured from the last run.
func (c *ClaudeCode) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// streamEvent is the subset of the CLI's stream-json events we read.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []streamBlock `json:"content"`
	} `json:"message"`
}

type streamBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// consume reads stream-json events until EOF. It returns the final result
// text, falling back to the concatenated assistant text if the CLI never
// sent a result event.
func (c *ClaudeCode) consume(r io.Reader, req Request, logger *slog.Logger) (Result, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxStreamLine)

	var (
		text      strings.Builder
		final     *streamEvent
		toolNames = map[string]string{}
	)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Debug("claude: skip non-json line", "line", string(line))
			continue
		}
		if ev.SessionID != "" {
			c.mu.Lock()
			c.sessionID = ev.SessionID
			c.mu.Unlock()
		}

		switch ev.Type {
		case "assistant":
			for _, b := range ev.Message.Content {
				switch b.Type {
				case "text":
					text.WriteString(b.Text)
					emit(req, ipc.StreamText{SessionID: req.SessionID, TaskID: req.TaskID, Delta: b.Text})
				case "tool_use":
					toolNames[b.ID] = b.Name
					emit(req, ipc.ToolStart{
						SessionID: req.SessionID, TaskID: req.TaskID,
						ToolCallID: b.ID, Name: b.Name, Input: b.Input,
					})
				}
			}
		case "user":
			for _, b := range ev.Message.Content {
				if b.Type != "tool_result" {
					continue
				}
				emit(req, ipc.ToolEnd{
					SessionID: req.SessionID, TaskID: req.TaskID,
					ToolCallID: b.ToolUseID, Name: toolNames[b.ToolUseID],
					Output: toolResultText(b.Content), IsError: b.IsError,
				})
			}
		case "result":
			final = &ev
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return Result{Output: text.String()}, fmt.Errorf("read claude stream: %w", err)
	}

	if final == nil {
		return Result{Output: text.String()}, nil
	}
	if final.IsError {
		return Result{Output: final.Result}, fmt.Errorf("claude reported %s: %s", final.Subtype, final.Result)
	}
	return Result{Output: final.Result}, nil
}

// toolResultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func emit(req Request, msg ipc.Message) {
	if req.Emit != nil {
		req.Emit(msg)
	}
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", pid, err)
	}
	return nil
}

// tailBuffer keeps the last few KiB written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailLimit = 4 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailLimit {
		t.buf = t.buf[len(t.buf)-tailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
