package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

var ErrBadPath = errors.New("registry: path does not exist")

// Entry is one row of the routing table as reported to clients. The
// default agent carries an empty TTY label.
type Entry struct {
	TTY  string
	Sock string
}

// Registry maps terminal device paths to upstream agent sockets. It is
// shared by every connection handler, so all access goes through one
// mutex; operations are short enough that contention does not matter.
type Registry struct {
	mu          sync.Mutex
	agents      map[string]string
	defaultSock string
}

func New() *Registry {
	return &Registry{agents: map[string]string{}}
}

// Route returns the upstream agent socket for tty: the per-terminal
// entry when one exists, otherwise the default agent.
func (r *Registry) Route(tty string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tty != "" {
		if sock, ok := r.agents[tty]; ok {
			return sock, true
		}
	}
	if r.defaultSock != "" {
		return r.defaultSock, true
	}
	return "", false
}

// Add registers sock as the upstream for tty. The empty tty is the
// sentinel for the default agent. An empty sock deregisters the entry
// (or clears the default). Paths are validated for existence at
// registration time only; later staleness is handled by Prune.
func (r *Registry) Add(tty, sock string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tty == "" {
		if sock == "" {
			r.defaultSock = ""
			return nil
		}
		if !pathExists(sock) {
			return fmt.Errorf("%w: agent socket %s", ErrBadPath, sock)
		}
		r.defaultSock = sock
		return nil
	}
	if !pathExists(tty) {
		return fmt.Errorf("%w: terminal %s", ErrBadPath, tty)
	}
	if sock == "" {
		delete(r.agents, tty)
		return nil
	}
	if !pathExists(sock) {
		return fmt.Errorf("%w: agent socket %s", ErrBadPath, sock)
	}
	r.agents[tty] = sock
	return nil
}

// Prune drops every entry whose terminal or agent socket no longer
// exists on the filesystem. It runs before each accept, so staleness is
// bounded by connection rate rather than a timer.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tty, sock := range r.agents {
		if !pathExists(tty) || !pathExists(sock) {
			delete(r.agents, tty)
		}
	}
	if r.defaultSock != "" && !pathExists(r.defaultSock) {
		r.defaultSock = ""
	}
}

// Snapshot lists the table for the request-agents reply: the default
// first (empty TTY label), then per-terminal entries in tty order.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]Entry, 0, len(r.agents)+1)
	if r.defaultSock != "" {
		entries = append(entries, Entry{TTY: "", Sock: r.defaultSock})
	}
	ttys := make([]string, 0, len(r.agents))
	for tty := range r.agents {
		ttys = append(ttys, tty)
	}
	sort.Strings(ttys)
	for _, tty := range ttys {
		entries = append(entries, Entry{TTY: tty, Sock: r.agents[tty]})
	}
	return entries
}

// Len reports the number of per-terminal entries, default excluded.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
