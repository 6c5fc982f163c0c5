package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bdougie/stagecut/internal/config"
	"github.com/bdougie/stagecut/internal/logging"
	"github.com/bdougie/stagecut/internal/tracing"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)

	// Tracing is optional
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.OTLPEndpoint)
		if err != nil {
			logger.Warn("tracing init failed, continuing without tracing", "error", err)
		} else {
			defer tp.Shutdown(ctx)
		}
	}

	rt := &runtime{cfg: cfg, logger: logger}
	defer rt.Close()

	app := newCLIApp(rt)
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		rt.Close()
		os.Exit(1)
	}
}
