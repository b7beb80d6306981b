package main

import (
	"context"
	"os"

	"github.com/g960059/agtsock/internal/cli"
	"github.com/g960059/agtsock/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	r := cli.NewRunner(cfg, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
