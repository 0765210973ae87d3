package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/buildgridgo/internal/build"
	"github.com/vk/buildgridgo/internal/ctxlog"
	"github.com/vk/buildgridgo/internal/diag"
	"github.com/vk/buildgridgo/internal/plan"
	"github.com/vk/buildgridgo/internal/unitc"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	plan     *plan.Plan
	compiler build.Compiler
	sink     diag.Sink
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger and loaded plan.
// A nil compiler selects the plan-driven default; tests inject their own.
func NewApp(outW io.Writer, cfg *Config, compiler build.Compiler) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	p, err := plan.Load(ctx, cfg.Destination, cfg.PlanPath)
	if err != nil {
		// A failure to load the plan is a fatal startup error.
		panic(fmt.Errorf("failed to load build plan: %w", err))
	}
	logger.Debug("Plan loaded.", "units", len(p.Units))

	sink := diag.NewConsole(outW)
	if compiler == nil {
		compiler = unitc.New(p, sink)
	}

	return &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		plan:     p,
		compiler: compiler,
		sink:     sink,
	}
}

// Plan returns the loaded build plan. This is primarily for testing.
func (a *App) Plan() *plan.Plan {
	return a.plan
}
