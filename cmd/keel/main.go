package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/conduit-lang/keel/internal/cli/commands"
)

// Overridden with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	commands.Version, commands.GitCommit, commands.BuildDate = version, commit, date
	if info, ok := debug.ReadBuildInfo(); ok && version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		commands.Version = info.Main.Version
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
