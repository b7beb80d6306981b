package tmux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner abstracts command execution so tests can fake the tmux binary.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Mux talks to the tmux server owning the session this process was
// launched from. When $TMUX carries a server socket path, every command
// is pinned to it so a later re-exec under a different server cannot
// redirect the daemon.
type Mux struct {
	runner     Runner
	socketPath string
	timeout    time.Duration
}

func New(timeout time.Duration) *Mux {
	return NewWithRunner(OSRunner{}, SocketFromEnv(os.Getenv("TMUX")), timeout)
}

func NewWithRunner(runner Runner, socketPath string, timeout time.Duration) *Mux {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Mux{runner: runner, socketPath: socketPath, timeout: timeout}
}

// InsideTmux reports whether this process runs inside a tmux session.
func InsideTmux() bool {
	return strings.TrimSpace(os.Getenv("TMUX")) != ""
}

// SocketFromEnv extracts the server socket path from a $TMUX value
// (socket-path,pid,session-index).
func SocketFromEnv(tmuxEnv string) string {
	parts := strings.SplitN(tmuxEnv, ",", 2)
	return strings.TrimSpace(parts[0])
}

func (m *Mux) run(ctx context.Context, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	full := args
	if m.socketPath != "" {
		full = append([]string{"-S", m.socketPath}, args...)
	}
	out, err := m.runner.Run(runCtx, "tmux", full...)
	if err != nil {
		return nil, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return out, nil
}

// IsAlive probes whether the tmux server still runs.
func (m *Mux) IsAlive(ctx context.Context) bool {
	_, err := m.run(ctx, "list-sessions")
	return err == nil
}

// FocusedTTY returns the device path of the currently active pane's
// terminal, the routing key for upstream agent selection.
func (m *Mux) FocusedTTY(ctx context.Context) (string, error) {
	out, err := m.run(ctx, "display-message", "-p", "#{pane_tty}")
	if err != nil {
		return "", err
	}
	tty := strings.TrimSpace(string(out))
	if tty == "" {
		return "", fmt.Errorf("tmux reported no active pane tty")
	}
	return tty, nil
}

// PaneTTY resolves the tty of the pane this process itself runs in,
// using $TMUX_PANE to pin the lookup to the caller's own pane rather
// than whichever pane currently has focus.
func (m *Mux) PaneTTY(ctx context.Context) (string, error) {
	args := []string{"display-message", "-p"}
	if pane := strings.TrimSpace(os.Getenv("TMUX_PANE")); pane != "" {
		args = append(args, "-t", pane)
	}
	args = append(args, "#{pane_tty}")
	out, err := m.run(ctx, args...)
	if err != nil {
		return "", err
	}
	tty := strings.TrimSpace(string(out))
	if tty == "" {
		return "", fmt.Errorf("tmux reported no pane tty for this process")
	}
	return tty, nil
}

// SetEnv publishes a value into the tmux global session environment,
// where panes spawned afterwards inherit it.
func (m *Mux) SetEnv(ctx context.Context, name, value string) error {
	_, err := m.run(ctx, "set-environment", "-g", name, value)
	return err
}
