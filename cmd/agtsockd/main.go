package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/agtsock/internal/config"
	"github.com/g960059/agtsock/internal/daemon"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path to advertise as SSH_AUTH_SOCK")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path for the control-operation audit trail")
	flag.BoolVar(&cfg.NoDefaultAgent, "no-default-agent", cfg.NoDefaultAgent, "do not seed the inherited agent as the default")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := daemon.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "agtsockd: %v\n", err)
	os.Exit(1)
}
