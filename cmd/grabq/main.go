package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stevecastle/grabq/cli"
	"github.com/stevecastle/grabq/observability"
)

var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli.SetVersionInfo(version, commit, buildDate)
	err := cli.Execute(ctx, os.Args[1:])
	observability.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "grabq:", err)
		os.Exit(1)
	}
}
