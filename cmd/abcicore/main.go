// Command abcicore runs the ABCI application core node: it binds the local
// consensus-driver socket, the HTTP query surface, and the Prometheus
// metrics endpoint, and serves until signaled to exit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/xian-network/abci-core/internal/app"
	"github.com/xian-network/abci-core/internal/config"
	"github.com/xian-network/abci-core/internal/logging"
)

var (
	banner = color.New(color.FgCyan, color.Bold).SprintFunc()
	fatal  = color.New(color.FgRed, color.Bold).SprintFunc()
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, fatal("abcicore: "), err)
		os.Exit(1)
	}

	logging.SetLevel(cfg.Log.Level)
	entry := logging.Component("main")

	fmt.Println(banner("abcicore"), "chain", cfg.Chain.ID, "socket", cfg.Socket.Path)

	a, err := app.New(cfg)
	if err != nil {
		entry.WithError(err).Fatal("building node")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	entry.Info("starting")
	if err := a.Run(ctx); err != nil {
		entry.WithError(err).Fatal("node exited with error")
	}
	entry.Info("goodbye")
}
