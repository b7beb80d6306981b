package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/g960059/agtsock/internal/config"
	"github.com/g960059/agtsock/internal/control"
	"github.com/g960059/agtsock/internal/db"
	"github.com/g960059/agtsock/internal/registry"
	"github.com/g960059/agtsock/internal/tmux"
	"github.com/g960059/agtsock/internal/wire"
)

var ErrAlreadyRunning = errors.New("another agtsockd instance is running")

// Server owns the advertised agent socket. Each accepted connection
// gets its own goroutine running a proxy loop; control extension
// requests are answered locally against the registry, everything else
// is relayed to whichever upstream agent routes for the focused pane.
type Server struct {
	cfg      config.Config
	registry *registry.Registry
	mux      *tmux.Mux
	store    *db.Store

	mu       sync.Mutex
	listener *net.UnixListener
	lockFile *os.File
	conns    map[string]net.Conn

	stopped     atomic.Bool
	wg          sync.WaitGroup
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, reg *registry.Registry, mux *tmux.Mux, store *db.Store) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		mux:      mux,
		store:    store,
		conns:    map[string]net.Conn{},
	}
}

// Start binds the socket and serves until the kill control request
// arrives, the tmux server exits, or ctx is cancelled. It returns only
// after every in-flight connection handler has finished and the socket
// and lock are released.
func (s *Server) Start(ctx context.Context) error {
	unix.Umask(0o077)
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not a unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.SocketPath, Net: "unix"})
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.seedRegistry(ctx)
	if err := s.mux.SetEnv(ctx, "SSH_AUTH_SOCK", s.cfg.SocketPath); err != nil {
		s.Shutdown() //nolint:errcheck
		return fmt.Errorf("publish SSH_AUTH_SOCK: %w", err)
	}

	loopErr := s.acceptLoop(ctx)
	s.closeListener()
	s.closeConns()
	s.wg.Wait()
	cleanupErr := s.Shutdown()
	if loopErr != nil {
		return loopErr
	}
	return cleanupErr
}

// seedRegistry mirrors the environment the daemon inherited: the agent
// that was forwarded into the launching session becomes the default and
// gets a per-terminal entry for the launching pane.
func (s *Server) seedRegistry(ctx context.Context) {
	if s.cfg.NoDefaultAgent {
		return
	}
	inherited := strings.TrimSpace(os.Getenv("SSH_AUTH_SOCK"))
	if inherited == "" || inherited == s.cfg.SocketPath {
		return
	}
	if err := s.registry.Add("", inherited); err != nil {
		return
	}
	if tty, err := s.mux.PaneTTY(ctx); err == nil {
		_ = s.registry.Add(tty, inherited)
	}
}

func (s *Server) acceptLoop(ctx context.Context) error {
	var lastAlive time.Time
	for {
		if s.stopped.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Since(lastAlive) >= s.cfg.LivenessInterval {
			if !s.mux.IsAlive(ctx) {
				return nil
			}
			lastAlive = time.Now()
		}
		s.registry.Prune()

		ln := s.currentListener()
		if ln == nil {
			return nil
		}
		if err := ln.SetDeadline(time.Now().Add(s.cfg.AcceptPoll)); err != nil {
			return fmt.Errorf("set accept deadline: %w", err)
		}
		conn, err := ln.AcceptUnix()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		connID := uuid.NewString()
		s.trackConn(connID, conn)
		s.wg.Add(1)
		go s.handleConn(ctx, connID, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, connID string, conn *net.UnixConn) {
	defer s.wg.Done()
	defer s.untrackConn(connID)
	defer conn.Close()

	// Unauthorized peers are dropped without any reply.
	if err := verifyPeer(conn); err != nil {
		return
	}

	handler := &control.Handler{Registry: s.registry}
	for !s.stopped.Load() {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			// EOF and framing errors both end only this connection.
			return
		}
		if frame.Type == wire.AgentCExtension {
			if subType, subBody, isControl := control.DecodeRequest(frame.Body); isControl {
				reply, stopAfter := handler.Handle(subType, subBody)
				writeErr := wire.WriteFrame(conn, reply.Type, reply.Body)
				s.auditControlOp(ctx, connID, subType, subBody, reply)
				if stopAfter {
					// The success reply is already flushed; flip the
					// terminal stopped flag and let every loop drain.
					s.stopped.Store(true)
					return
				}
				if writeErr != nil {
					return
				}
				continue
			}
		}
		s.proxyFrame(ctx, conn, frame)
	}
}

// proxyFrame relays one opaque frame to the upstream agent routed for
// the currently focused pane. One upstream connection per request; any
// upstream trouble becomes a generic agent failure reply.
func (s *Server) proxyFrame(ctx context.Context, conn net.Conn, frame wire.Frame) {
	tty, _ := s.mux.FocusedTTY(ctx) // empty tty falls through to the default agent
	sock, ok := s.registry.Route(tty)
	if !ok {
		_ = wire.WriteFrame(conn, wire.AgentFailure, nil)
		return
	}
	reply, err := s.forwardUpstream(ctx, sock, frame)
	if err != nil {
		_ = wire.WriteFrame(conn, wire.AgentFailure, nil)
		return
	}
	_ = wire.WriteFrame(conn, reply.Type, reply.Body)
}

func (s *Server) forwardUpstream(ctx context.Context, sock string, frame wire.Frame) (wire.Frame, error) {
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	up, err := dialer.DialContext(ctx, "unix", sock)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("dial upstream agent: %w", err)
	}
	defer up.Close()
	if err := up.SetDeadline(time.Now().Add(s.cfg.UpstreamTimeout)); err != nil {
		return wire.Frame{}, fmt.Errorf("set upstream deadline: %w", err)
	}
	return wire.Roundtrip(up, frame.Type, frame.Body)
}

func (s *Server) auditControlOp(ctx context.Context, connID string, subType byte, subBody []byte, reply wire.Frame) {
	if s.store == nil {
		return
	}
	op := db.ControlOp{
		OpID:      uuid.NewString(),
		ConnID:    connID,
		Op:        control.SubTypeName(subType),
		OK:        reply.Type == wire.AgentSuccess,
		CreatedAt: time.Now().UTC(),
	}
	if subType == control.SubAdd {
		if tty, sock, err := control.DecodeAdd(subBody); err == nil {
			op.TTY = tty
			op.Sock = sock
		} else {
			op.Detail = err.Error()
		}
	}
	// Audit is best effort and never fails the connection.
	_ = s.store.InsertControlOp(ctx, op)
}

// Shutdown removes the socket file and releases the singleton lock.
// Safe to call more than once; Start calls it on its way out.
func (s *Server) Shutdown() error {
	s.shutdown.Do(func() {
		var errs []error
		s.closeListener()
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) currentListener() *net.UnixListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *Server) closeListener() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		ln.Close() //nolint:errcheck
	}
}

// closeConns abandons whatever frame each handler is blocked reading,
// so the join-all barrier in Start cannot wait on idle clients forever.
func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close() //nolint:errcheck
	}
}

func (s *Server) trackConn(connID string, conn net.Conn) {
	s.mu.Lock()
	s.conns[connID] = conn
	s.mu.Unlock()
}

func (s *Server) untrackConn(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.LockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return ErrAlreadyRunning
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
