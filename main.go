package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentinel-av/sentinel/cmd"
	"github.com/sentinel-av/sentinel/internal/buildinfo"
	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/telemetry"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   = ""
	buildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		return 1
	}

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
	}
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logging: %v\n", err)
		return 1
	}
	logger.SetGlobal(central)
	defer func() {
		if err := central.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing logs: %v\n", err)
		}
	}()

	info := &buildinfo.Context{Version: version, BuildDate: buildDate}
	if settings.Sentry.Enabled {
		// The ID only matters when crash reports leave the machine
		id, err := telemetry.LoadOrCreateSystemID(settings.Main.DataDir)
		if err != nil {
			logger.Global().Module("main").Warn("system id unavailable", logger.Error(err))
		}
		info.SystemID = id
	}

	if err := cmd.RootCommand(settings, info).ExecuteContext(ctx); err != nil {
		return cmd.ExitCode(err)
	}
	return 0
}
