package app

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/buildgridgo/internal/build"
	"github.com/vk/buildgridgo/internal/ctxlog"
	"github.com/vk/buildgridgo/internal/dispatch"
	"github.com/vk/buildgridgo/internal/events"
	"github.com/vk/buildgridgo/internal/journal"
)

// Run executes the main application logic based on the app's configuration.
// It returns a non-nil error when the build fails, so the entrypoint can
// map it to a non-zero exit code.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if len(a.plan.Units) == 0 {
		a.logger.Warn("No units found in plan, nothing to compile.")
		return nil
	}

	var streamer *events.Streamer
	if a.config.EventsURL != "" {
		var err error
		streamer, err = events.Dial(ctx, a.config.EventsURL)
		if err != nil {
			return fmt.Errorf("failed to connect event streamer: %w", err)
		}
		defer streamer.Close()
	}

	var jnl *journal.Journal
	if a.config.JournalPath != "" {
		var err error
		jnl, err = journal.Open(a.config.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open run journal: %w", err)
		}
		defer jnl.Close()
	}

	hooks := dispatch.Hooks{
		OnFileDone: func(unit build.Unit) {
			a.logger.Info("✅ Unit compiled", "unit", unit)
			if streamer != nil {
				streamer.UnitDone(unit)
			}
		},
		OnModuleAvailable: func(unit build.Unit, artifact build.Artifact, kind build.DepKind) {
			a.logger.Debug("Artifact available.", "unit", unit, "artifact", artifact, "kind", kind)
			if streamer != nil {
				streamer.ArtifactReady(unit, artifact, kind)
			}
		},
	}

	d := dispatch.New(a.compiler, dispatch.Options{
		Jobs:             a.config.Jobs,
		Destination:      a.config.Destination,
		WarningsAsErrors: a.config.WarningsAsErrors,
		Hooks:            hooks,
		Sink:             a.sink,
	})

	a.logger.Info("🚀 Starting concurrent build...", "units", len(a.plan.Units), "jobs", a.config.Jobs)
	started := time.Now()
	res, runErr := d.Run(ctx, a.plan.UnitIDs())
	finished := time.Now()

	if jnl != nil {
		if _, err := jnl.RecordRun(started, finished, a.config.Jobs, res); err != nil {
			a.logger.Error("Failed to record run in journal.", "error", err)
		}
	}
	if streamer != nil {
		streamer.RunFinished(res.Failed, len(res.Outcomes))
	}

	if runErr != nil {
		return fmt.Errorf("build aborted: %w", runErr)
	}

	failedUnits := 0
	for _, o := range res.Outcomes {
		if !o.Succeeded() {
			failedUnits++
		}
	}

	if res.Failed {
		if failedUnits == 0 {
			return fmt.Errorf("build failed: %d warning(s) treated as errors", a.sink.Warnings())
		}
		return fmt.Errorf("build failed: %d of %d units failed", failedUnits, len(a.plan.Units))
	}

	a.logger.Info("🏁 Build finished.",
		"units", len(res.Outcomes),
		"artifacts", len(res.Artifacts()),
		"elapsed", finished.Sub(started).Round(time.Millisecond))
	return nil
}
