package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"
)

const (
	maxTitleLen      = 100
	maxTitlePrompt   = 500
	defaultTitleWait = 15 * time.Second
)

// TitleRunner runs the agent CLI once and returns its stdout.
type TitleRunner func(ctx context.Context, binary string, args ...string) ([]byte, error)

// Titler asks the agent CLI for a short title describing a session's first request.
type Titler struct {
	binary  string
	model   string
	timeout time.Duration
	run     TitleRunner
}

// TitlerOption configures a Titler.
type TitlerOption func(*Titler)

// WithTitleRunner replaces the process runner. Used by tests.
func WithTitleRunner(r TitleRunner) TitlerOption {
	return func(t *Titler) { t.run = r }
}

// WithTitleTimeout bounds one title request.
func WithTitleTimeout(d time.Duration) TitlerOption {
	return func(t *Titler) { t.timeout = d }
}

// NewTitler creates a Titler using binary and model.
func NewTitler(binary, model string, opts ...TitlerOption) *Titler {
	if binary == "" {
		binary = "claude"
	}
	t := &Titler{binary: binary, model: model, timeout: defaultTitleWait, run: runOnce}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Title returns a title for message. ok is false when the CLI fails, times
// out, or answers with nothing usable.
func (t *Titler) Title(ctx context.Context, message string) (title string, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{"-p", titlePrompt(message), "--output-format", "json"}
	if t.model != "" {
		args = append(args, "--model", t.model)
	}

	out, err := t.run(ctx, t.binary, args...)
	if err != nil {
		slog.Debug("title generation failed", "error", err)
		return "", false
	}
	return parseTitle(out)
}

func titlePrompt(message string) string {
	if utf8.RuneCountInString(message) > maxTitlePrompt {
		message = string([]rune(message)[:maxTitlePrompt])
	}
	return "Write a 3 to 5 word title for this coding session request. Reply with the title only.\n\nRequest: " + message
}

// parseTitle reads {"result": "..."} and falls back to the raw output.
func parseTitle(out []byte) (string, bool) {
	var resp struct {
		Result *string `json:"result"`
	}
	raw := strings.TrimSpace(string(out))
	if err := json.Unmarshal(out, &resp); err == nil && resp.Result != nil {
		raw = *resp.Result
	}

	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLen {
		return "", false
	}
	return title, true
}

func runOnce(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec // G204: binary comes from operator config
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 2 * time.Second
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("title request: %w", ctx.Err())
	}
	return out, err
}
