package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/g960059/agtsock/internal/config"
	"github.com/g960059/agtsock/internal/daemon"
	"github.com/g960059/agtsock/internal/db"
	"github.com/g960059/agtsock/internal/proxyclient"
	"github.com/g960059/agtsock/internal/registry"
	"github.com/g960059/agtsock/internal/tmux"
)

type controlClient interface {
	Stop(ctx context.Context) error
	Add(ctx context.Context, tty, sock string) error
	ListAgents(ctx context.Context) ([]registry.Entry, error)
}

type Runner struct {
	cfg    config.Config
	client controlClient
	mux    *tmux.Mux
	out    io.Writer
	errOut io.Writer
}

func NewRunner(cfg config.Config, out, errOut io.Writer) *Runner {
	return NewRunnerWithDeps(cfg, proxyclient.New(cfg.SocketPath), tmux.New(cfg.CommandTimeout), out, errOut)
}

func NewRunnerWithDeps(cfg config.Config, client controlClient, mux *tmux.Mux, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{cfg: cfg, client: client, mux: mux, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" {
		r.cfg.SocketPath = socketPath
		r.client = proxyclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "start":
		return r.runStart(ctx, rest[1:])
	case "stop":
		return r.runStop(ctx, rest[1:])
	case "add":
		return r.runAdd(ctx, rest[1:])
	case "list":
		return r.runList(ctx, rest[1:])
	case "log":
		return r.runLog(ctx, rest[1:])
	case "help", "-h", "--help":
		r.printUsage()
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "error: unknown command %q\n", rest[0])
		r.printUsage()
		return 2
	}
}

// parseGlobalArgs peels a leading --socket override off the argument
// list before action dispatch.
func parseGlobalArgs(args []string) (socketPath string, rest []string, err error) {
	for len(args) > 0 {
		arg := args[0]
		switch {
		case arg == "--socket" || arg == "-socket":
			if len(args) < 2 {
				return "", nil, fmt.Errorf("--socket requires a value")
			}
			socketPath = args[1]
			args = args[2:]
		case strings.HasPrefix(arg, "--socket="):
			socketPath = strings.TrimPrefix(arg, "--socket=")
			args = args[1:]
		case strings.HasPrefix(arg, "-socket="):
			socketPath = strings.TrimPrefix(arg, "-socket=")
			args = args[1:]
		default:
			return socketPath, args, nil
		}
	}
	return socketPath, args, nil
}

func (r *Runner) runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	noDefault := fs.Bool("no-default-agent", false, "do not seed the inherited agent as the default")
	foreground := fs.Bool("foreground", false, "run the daemon in this process")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if !tmux.InsideTmux() {
		_, _ = fmt.Fprintln(r.errOut, "error: start must be run inside a tmux session")
		return 1
	}
	cfg := r.cfg
	cfg.NoDefaultAgent = *noDefault
	if *foreground {
		if err := daemon.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
			return r.fail(err)
		}
		return 0
	}
	return r.spawnDaemon(cfg)
}

// spawnDaemon launches agtsockd and blocks until its socket accepts a
// connection or the child exits, so callers get an explicit ready or
// failed answer instead of a fire-and-forget detach.
func (r *Runner) spawnDaemon(cfg config.Config) int {
	bin, err := daemonBinary()
	if err != nil {
		return r.fail(fmt.Errorf("locate agtsockd: %w", err))
	}
	args := []string{"-socket", cfg.SocketPath, "-db", cfg.DBPath}
	if cfg.NoDefaultAgent {
		args = append(args, "-no-default-agent")
	}
	cmd := exec.Command(bin, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return r.fail(fmt.Errorf("start agtsockd: %w", err))
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	deadline := time.Now().Add(cfg.StartTimeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-done:
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = fmt.Sprintf("daemon exited during startup: %v", err)
			}
			_, _ = fmt.Fprintf(r.errOut, "error: %s\n", msg)
			return 1
		default:
		}
		if conn, dialErr := net.Dial("unix", cfg.SocketPath); dialErr == nil {
			conn.Close() //nolint:errcheck
			_, _ = fmt.Fprintf(r.out, "agtsockd listening on %s\n", cfg.SocketPath)
			return 0
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = cmd.Process.Kill()
	_, _ = fmt.Fprintln(r.errOut, "error: daemon did not become ready in time")
	return 1
}

func daemonBinary() (string, error) {
	if env := strings.TrimSpace(os.Getenv("AGTSOCK_DAEMON")); env != "" {
		return env, nil
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "agtsockd")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	return exec.LookPath("agtsockd")
}

func (r *Runner) runStop(ctx context.Context, args []string) int {
	if len(args) != 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: agtsock stop")
		return 2
	}
	if err := r.client.Stop(ctx); err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintln(r.out, "agtsockd stopped")
	return 0
}

func (r *Runner) runAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	ttyFlag := fs.String("tty", "", "terminal device path (default: this pane's tty)")
	agentFlag := fs.String("agent", "", "upstream agent socket (default: $SSH_AUTH_SOCK)")
	asDefault := fs.Bool("default", false, "register as the default agent")
	clear := fs.Bool("clear", false, "deregister instead of registering")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	tty := strings.TrimSpace(*ttyFlag)
	if *asDefault {
		tty = ""
	} else if tty == "" {
		resolved, err := r.mux.PaneTTY(ctx)
		if err != nil {
			return r.fail(fmt.Errorf("resolve this pane's tty (use -tty or -default): %w", err))
		}
		tty = resolved
	}

	sock := strings.TrimSpace(*agentFlag)
	if *clear {
		sock = ""
	} else {
		if sock == "" {
			sock = strings.TrimSpace(os.Getenv("SSH_AUTH_SOCK"))
		}
		if sock == "" {
			_, _ = fmt.Fprintln(r.errOut, "error: no agent socket: pass -agent or set SSH_AUTH_SOCK")
			return 2
		}
		// Registering the proxy as its own upstream would loop every
		// request back to us; reject before touching the network.
		if filepath.Clean(sock) == filepath.Clean(r.cfg.SocketPath) {
			_, _ = fmt.Fprintln(r.errOut, "error: refusing to register the proxy socket as an upstream agent")
			return 1
		}
	}

	if err := r.client.Add(ctx, tty, sock); err != nil {
		return r.fail(err)
	}
	switch {
	case sock == "" && tty == "":
		_, _ = fmt.Fprintln(r.out, "cleared default agent")
	case sock == "":
		_, _ = fmt.Fprintf(r.out, "deregistered %s\n", tty)
	case tty == "":
		_, _ = fmt.Fprintf(r.out, "registered %s as default agent\n", sock)
	default:
		_, _ = fmt.Fprintf(r.out, "registered %s for %s\n", sock, tty)
	}
	return 0
}

func (r *Runner) runList(ctx context.Context, args []string) int {
	if len(args) != 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: agtsock list")
		return 2
	}
	entries, err := r.client.ListAgents(ctx)
	if err != nil {
		return r.fail(err)
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(r.out, "no agents registered")
		return 0
	}
	for _, e := range entries {
		label := e.TTY
		if label == "" {
			label = "(default)"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\n", label, e.Sock)
	}
	return 0
}

func (r *Runner) runLog(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("n", 20, "number of entries")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	store, err := db.Open(ctx, r.cfg.DBPath)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return r.fail(err)
	}
	ops, err := store.ListControlOps(ctx, *limit)
	if err != nil {
		return r.fail(err)
	}
	for _, op := range ops {
		status := "ok"
		if !op.OK {
			status = "failed"
		}
		line := fmt.Sprintf("%s  %-14s %s", op.CreatedAt.Format(time.RFC3339), op.Op, status)
		if op.TTY != "" || op.Sock != "" {
			line += fmt.Sprintf("  tty=%s sock=%s", op.TTY, op.Sock)
		}
		if op.Detail != "" {
			line += "  " + op.Detail
		}
		_, _ = fmt.Fprintln(r.out, line)
	}
	return 0
}

func (r *Runner) fail(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprint(r.errOut, `usage: agtsock [--socket PATH] <command>

commands:
  start [-foreground] [-no-default-agent]   start the proxy daemon
  stop                                      stop the running daemon
  add [-tty TTY] [-agent SOCK] [-default] [-clear]
                                            register an upstream agent
  list                                      show registered agents
  log [-n N]                                show recent control operations
`)
}
