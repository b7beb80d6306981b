package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath       string
	DBPath           string
	NoDefaultAgent   bool
	AcceptPoll       time.Duration
	LivenessInterval time.Duration
	ConnectTimeout   time.Duration
	UpstreamTimeout  time.Duration
	CommandTimeout   time.Duration
	StartTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:       defaultSocketPath(),
		DBPath:           defaultDBPath(),
		AcceptPoll:       500 * time.Millisecond,
		LivenessInterval: 5 * time.Second,
		ConnectTimeout:   3 * time.Second,
		UpstreamTimeout:  5 * time.Second,
		CommandTimeout:   5 * time.Second,
		StartTimeout:     5 * time.Second,
	}
}

// LockPath is the singleton lock file paired with the listen socket.
func (c Config) LockPath() string {
	return c.SocketPath + ".lock"
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "agtsock", "agtsockd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agtsockd.sock"
	}
	return filepath.Join(home, ".local", "state", "agtsock", "agtsockd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agtsock.db"
	}
	return filepath.Join(home, ".local", "state", "agtsock", "audit.db")
}
