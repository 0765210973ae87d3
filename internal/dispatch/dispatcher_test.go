package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vk/buildgridgo/internal/build"
)

func TestNewRaisesJobsToFloor(t *testing.T) {
	t.Parallel()
	d := New(scriptCompiler{}, Options{Jobs: 1})
	require.Equal(t, MinJobs, d.opts.Jobs)
}

func TestRunIndependentUnitsRespectsJobLimit(t *testing.T) {
	t.Parallel()
	const units = 20
	const jobs = 4

	g := &gauge{}
	script := scriptCompiler{}
	var ids []build.Unit
	for i := 0; i < units; i++ {
		unit := build.Unit(fmt.Sprintf("src/u%02d.mod", i))
		artifact := build.Artifact(fmt.Sprintf("u%02d", i))
		script[unit] = func(context.Context, build.Unit, string, build.Deps) ([]build.Artifact, error) {
			g.enter()
			defer g.leave()
			time.Sleep(5 * time.Millisecond)
			return []build.Artifact{artifact}, nil
		}
		ids = append(ids, unit)
	}

	res, err := New(script, Options{Jobs: jobs}).Run(context.Background(), ids)
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Len(t, res.Outcomes, units)
	for _, o := range res.Outcomes {
		require.True(t, o.Succeeded(), "unit %s should have succeeded", o.Unit)
	}
	require.LessOrEqual(t, g.max(), jobs, "more than %d units were progressing at once", jobs)
}

func TestRunChainResolvesRegardlessOfOrder(t *testing.T) {
	t.Parallel()

	script := scriptCompiler{
		"a": provides("a"),
		"b": needsThenProvides([]build.Need{{Artifact: "a", Kind: build.KindStructural}}, "b"),
		"c": needsThenProvides([]build.Need{{Artifact: "b", Kind: build.KindStructural}}, "c"),
	}

	orders := [][]build.Unit{
		{"a", "b", "c"},
		{"c", "b", "a"},
		{"b", "c", "a"},
	}
	for _, order := range orders {
		t.Run(fmt.Sprintf("%v", order), func(t *testing.T) {
			t.Parallel()
			res, err := New(script, Options{Jobs: 2}).Run(context.Background(), order)
			require.NoError(t, err)
			require.False(t, res.Failed)
			require.Len(t, res.Outcomes, 3)
			require.ElementsMatch(t,
				[]build.Artifact{"a", "b", "c"}, res.Artifacts())
		})
	}
}

func TestRunBlockedWorkersDoNotConsumeSlots(t *testing.T) {
	t.Parallel()

	// Three units block on "root" before the producing unit is even
	// admitted. If blocked workers counted against the limit of two, the
	// producer would never get a slot and the run would deadlock.
	script := scriptCompiler{
		"u1":   needsThenProvides([]build.Need{{Artifact: "root", Kind: build.KindUsage}}, "u1"),
		"u2":   needsThenProvides([]build.Need{{Artifact: "root", Kind: build.KindUsage}}, "u2"),
		"u3":   needsThenProvides([]build.Need{{Artifact: "root", Kind: build.KindUsage}}, "u3"),
		"root": provides("root"),
	}

	res, err := New(script, Options{Jobs: 2}).Run(context.Background(),
		[]build.Unit{"u1", "u2", "u3", "root"})
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Len(t, res.Outcomes, 4)
}

func TestRunAnswersImmediatelyWhenArtifactAlreadyPublished(t *testing.T) {
	t.Parallel()

	// The consumer only sends its request after the producer's artifact
	// has been fully processed. If the request were queued instead of
	// answered on the spot, nothing would ever wake it and the run would
	// hang rather than complete.
	ready := make(chan struct{})
	script := scriptCompiler{
		"producer": provides("x"),
		"consumer": func(_ context.Context, unit build.Unit, _ string, deps build.Deps) ([]build.Artifact, error) {
			<-ready
			if err := deps.Need("x", build.KindUsage); err != nil {
				return nil, err
			}
			return []build.Artifact{"y"}, nil
		},
	}

	opts := Options{Jobs: 2, Hooks: Hooks{
		OnModuleAvailable: func(_ build.Unit, artifact build.Artifact, _ build.DepKind) {
			if artifact == "x" {
				close(ready)
			}
		},
	}}
	res, err := New(script, opts).Run(context.Background(), []build.Unit{"producer", "consumer"})
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Len(t, res.Outcomes, 2)
}

func TestRunResultsAreInTerminationOrder(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	script := scriptCompiler{
		"slow": func(context.Context, build.Unit, string, build.Deps) ([]build.Artifact, error) {
			<-gate
			return []build.Artifact{"slow"}, nil
		},
		"fast": provides("fast"),
	}
	opts := Options{Jobs: 2, Hooks: Hooks{
		OnFileDone: func(unit build.Unit) {
			if unit == "fast" {
				close(gate)
			}
		},
	}}

	res, err := New(script, opts).Run(context.Background(), []build.Unit{"slow", "fast"})
	require.NoError(t, err)
	require.Equal(t, build.Unit("fast"), res.Outcomes[0].Unit)
	require.Equal(t, build.Unit("slow"), res.Outcomes[1].Unit)
}

func TestRunSurfacesMutualDeadlock(t *testing.T) {
	t.Parallel()

	script := scriptCompiler{
		"d": needsThenProvides([]build.Need{{Artifact: "e", Kind: build.KindUsage}}, "d"),
		"e": needsThenProvides([]build.Need{{Artifact: "d", Kind: build.KindUsage}}, "e"),
	}
	sink := &recordSink{}

	res, err := New(script, Options{Jobs: 2, Sink: sink}).Run(context.Background(),
		[]build.Unit{"d", "e"})
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		require.NotNil(t, o.Failure)
		require.Equal(t, build.FailUnresolved, o.Failure.Kind)
		require.Contains(t, o.Failure.Reason, "unresolved reference")
	}
	require.ElementsMatch(t, []build.Unit{"d", "e"}, sink.failedUnits())
}

func TestRunBoundsCascadeAfterFailure(t *testing.T) {
	t.Parallel()

	blocked := needsThenProvides([]build.Need{{Artifact: "f-art", Kind: build.KindUsage}}, "never")
	script := scriptCompiler{
		"f": func(context.Context, build.Unit, string, build.Deps) ([]build.Artifact, error) {
			return nil, errors.New("syntax error near line 3")
		},
		"g": blocked,
		"h": blocked,
	}
	sink := &recordSink{}

	res, err := New(script, Options{Jobs: 3, Sink: sink, CollectWindow: 2 * time.Second}).
		Run(context.Background(), []build.Unit{"f", "g", "h"})
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.Len(t, res.Outcomes, 3)

	// One diagnostic per distinct failing unit, no duplicates.
	require.ElementsMatch(t, []build.Unit{"f", "g", "h"}, sink.failedUnits())
}

func TestRunStragglerNeverBlocksExit(t *testing.T) {
	t.Parallel()

	script := scriptCompiler{
		"f": func(context.Context, build.Unit, string, build.Deps) ([]build.Artifact, error) {
			return nil, errors.New("broken")
		},
		"stuck": func(_ context.Context, _ build.Unit, _ string, deps build.Deps) ([]build.Artifact, error) {
			err := deps.Need("f-art", build.KindUsage)
			// Misbehaving compiler: ignores the release and grinds on.
			time.Sleep(10 * time.Second)
			return nil, err
		},
	}
	sink := &recordSink{}

	start := time.Now()
	res, err := New(script, Options{Jobs: 2, Sink: sink, CollectWindow: 150 * time.Millisecond}).
		Run(context.Background(), []build.Unit{"f", "stuck"})
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.Less(t, time.Since(start), 5*time.Second, "a stuck worker blocked run exit")
	require.Contains(t, sink.failedUnits(), build.Unit("f"))
}

func TestRunDeadlockStragglerNeverBlocksExit(t *testing.T) {
	t.Parallel()

	// Mutual deadlock, but one of the released workers ignores the release
	// and grinds on. The release path must bound the wait for it just like
	// the failure-cascade path does.
	script := scriptCompiler{
		"d": needsThenProvides([]build.Need{{Artifact: "e-art", Kind: build.KindUsage}}, "d-art"),
		"e": func(_ context.Context, _ build.Unit, _ string, deps build.Deps) ([]build.Artifact, error) {
			err := deps.Need("d-art", build.KindUsage)
			time.Sleep(10 * time.Second)
			return nil, err
		},
	}
	sink := &recordSink{}

	start := time.Now()
	res, err := New(script, Options{Jobs: 2, Sink: sink, CollectWindow: 150 * time.Millisecond}).
		Run(context.Background(), []build.Unit{"d", "e"})
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.Less(t, time.Since(start), 5*time.Second, "a stuck released worker blocked run exit")
	require.Contains(t, sink.failedUnits(), build.Unit("d"))
}

func TestRunIndependentUnitsFinishDespiteFailure(t *testing.T) {
	t.Parallel()

	script := scriptCompiler{
		"bad": func(context.Context, build.Unit, string, build.Deps) ([]build.Artifact, error) {
			return nil, errors.New("no such file")
		},
		"good": provides("good"),
	}

	res, err := New(script, Options{Jobs: 2}).Run(context.Background(),
		[]build.Unit{"bad", "good"})
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.Len(t, res.Outcomes, 2)
	byUnit := map[build.Unit]build.Outcome{}
	for _, o := range res.Outcomes {
		byUnit[o.Unit] = o
	}
	require.True(t, byUnit["good"].Succeeded())
	require.False(t, byUnit["bad"].Succeeded())
}

func TestRunRecoversCompilerCrash(t *testing.T) {
	t.Parallel()

	script := scriptCompiler{
		"boom": func(context.Context, build.Unit, string, build.Deps) ([]build.Artifact, error) {
			panic("index out of range")
		},
		"ok": provides("ok"),
	}
	sink := &recordSink{}

	res, err := New(script, Options{Jobs: 2, Sink: sink}).Run(context.Background(),
		[]build.Unit{"boom", "ok"})
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		if o.Unit == "boom" {
			require.NotNil(t, o.Failure)
			require.Equal(t, build.FailCrash, o.Failure.Kind)
			require.Contains(t, o.Failure.Reason, "index out of range")
		} else {
			require.True(t, o.Succeeded())
		}
	}
}

func TestRunRepublishDoesNotRetriggerWaiters(t *testing.T) {
	t.Parallel()

	var available atomic.Int32
	script := scriptCompiler{
		"p1": provides("x"),
		"p2": provides("x"),
		"c":  needsThenProvides([]build.Need{{Artifact: "x", Kind: build.KindUsage}}, "c"),
	}
	opts := Options{Jobs: 3, Hooks: Hooks{
		OnModuleAvailable: func(_ build.Unit, artifact build.Artifact, _ build.DepKind) {
			if artifact == "x" {
				available.Add(1)
			}
		},
	}}

	res, err := New(script, opts).Run(context.Background(), []build.Unit{"p1", "p2", "c"})
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Len(t, res.Outcomes, 3)
	require.Equal(t, int32(1), available.Load(), "republishing x must be a no-op")
}

func TestRunStructuralNeedNotSatisfiedByUsagePublish(t *testing.T) {
	t.Parallel()

	// The producer announces only the usage form of "sig" and terminally
	// provides a different artifact, so the structural request can never
	// be satisfied and must surface as an unresolved reference, while the
	// usage request resolves.
	finish := make(chan struct{})
	script := scriptCompiler{
		"producer": func(_ context.Context, _ build.Unit, _ string, deps build.Deps) ([]build.Artifact, error) {
			deps.Publish("sig", build.KindUsage)
			<-finish
			return []build.Artifact{"impl"}, nil
		},
		"weak": func(_ context.Context, unit build.Unit, _ string, deps build.Deps) ([]build.Artifact, error) {
			if err := deps.Need("sig", build.KindUsage); err != nil {
				return nil, fmt.Errorf("%s: %w", unit, err)
			}
			close(finish)
			return []build.Artifact{"weak"}, nil
		},
		"strong": needsThenProvides([]build.Need{{Artifact: "sig", Kind: build.KindStructural}}, "strong"),
	}

	res, err := New(script, Options{Jobs: 3}).Run(context.Background(),
		[]build.Unit{"producer", "weak", "strong"})
	require.NoError(t, err)
	require.True(t, res.Failed)

	byUnit := map[build.Unit]build.Outcome{}
	for _, o := range res.Outcomes {
		byUnit[o.Unit] = o
	}
	require.True(t, byUnit["producer"].Succeeded())
	require.True(t, byUnit["weak"].Succeeded())
	require.NotNil(t, byUnit["strong"].Failure)
	require.Equal(t, build.FailUnresolved, byUnit["strong"].Failure.Kind)
}

func TestRunWarningsAsErrors(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	script := scriptCompiler{
		"u": func(_ context.Context, unit build.Unit, _ string, _ build.Deps) ([]build.Artifact, error) {
			sink.Warning(unit, "deprecated syntax")
			return []build.Artifact{"u"}, nil
		},
	}

	res, err := New(script, Options{Jobs: 2, Sink: sink, WarningsAsErrors: true}).
		Run(context.Background(), []build.Unit{"u"})
	require.NoError(t, err)
	require.True(t, res.Failed, "warnings must elevate the run to failure")
	require.True(t, res.Outcomes[0].Succeeded(), "the unit itself still succeeds")
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	script := scriptCompiler{
		"blocked": needsThenProvides([]build.Need{{Artifact: "never", Kind: build.KindUsage}}, "b"),
		"busy": func(ctx context.Context, _ build.Unit, _ string, _ build.Deps) ([]build.Artifact, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := New(script, Options{Jobs: 2, CollectWindow: 500 * time.Millisecond}).
		Run(ctx, []build.Unit{"blocked", "busy"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, res.Failed)
}
