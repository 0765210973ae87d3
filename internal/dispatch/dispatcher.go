package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/buildgridgo/internal/build"
	"github.com/vk/buildgridgo/internal/ctxlog"
	"github.com/vk/buildgridgo/internal/diag"
)

const (
	// DefaultCollectWindow bounds how long a failing run waits for
	// cascading failures to surface before exiting. A quality-of-service
	// bound, not a correctness mechanism.
	DefaultCollectWindow = 5 * time.Second

	// MinJobs is the floor on the concurrency limit, enforced even on
	// single-core hosts: a dependency chain of length two cannot make
	// progress with only one actively progressing slot.
	MinJobs = 2
)

// Hooks are optional per-event callbacks invoked from the dispatcher
// goroutine, in event order.
type Hooks struct {
	// OnFileDone fires when a unit terminates successfully.
	OnFileDone func(unit build.Unit)

	// OnModuleAvailable fires the first time an artifact is recorded with a
	// given kind. Idempotent republishes do not fire it again.
	OnModuleAvailable func(unit build.Unit, artifact build.Artifact, kind build.DepKind)
}

// Options configures a Dispatcher.
type Options struct {
	// Jobs is the concurrency limit: the maximum number of workers
	// concurrently making progress. Blocked workers do not count against
	// it. Values below MinJobs are raised to MinJobs.
	Jobs int

	// Destination is passed through to the unit compiler untouched.
	Destination string

	// WarningsAsErrors elevates any warning observed via the sink to a run
	// failure.
	WarningsAsErrors bool

	// CollectWindow overrides DefaultCollectWindow when positive.
	CollectWindow time.Duration

	Hooks Hooks

	// Sink receives failure and warning diagnostics. Defaults to a
	// counting discard sink.
	Sink diag.Sink
}

// Result is what a run hands back to the caller. Outcomes are ordered by
// worker termination, not by submission; callers must not assume positional
// correspondence with the input.
type Result struct {
	Outcomes []build.Outcome
	Failed   bool
}

// Artifacts returns every produced artifact identifier in termination order.
func (r *Result) Artifacts() []build.Artifact {
	var out []build.Artifact
	for _, o := range r.Outcomes {
		out = append(out, o.Artifacts...)
	}
	return out
}

// Dispatcher is the single coordinating loop owning all scheduling state.
// A Dispatcher is single-use: create one per run.
type Dispatcher struct {
	compiler build.Compiler
	opts     Options

	inbox     chan event
	pending   []build.Unit
	running   map[*worker]build.Unit
	resumable []*worker
	registry  *Registry
	results   []build.Outcome
	reported  map[build.Unit]bool
	failed    bool
	abandoned bool
}

// New creates a dispatcher for one run over the given compiler.
func New(compiler build.Compiler, opts Options) *Dispatcher {
	if compiler == nil {
		panic("dispatch: nil compiler")
	}
	if opts.Jobs < MinJobs {
		opts.Jobs = MinJobs
	}
	if opts.CollectWindow <= 0 {
		opts.CollectWindow = DefaultCollectWindow
	}
	if opts.Sink == nil {
		opts.Sink = &diag.Discard{}
	}
	return &Dispatcher{
		compiler: compiler,
		opts:     opts,
		running:  make(map[*worker]build.Unit),
		registry: NewRegistry(),
		reported: make(map[build.Unit]bool),
	}
}

// Run compiles the given units and blocks until the run terminates. Units
// are admitted in submission order; no dependency order is assumed. The
// returned error is non-nil only for context cancellation; compile failures
// are reported through Result.Failed and the sink.
func (d *Dispatcher) Run(ctx context.Context, units []build.Unit) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	// The inbox is buffered generously so that workers abandoned after the
	// collection window closes can still flush their remaining events
	// without blocking forever.
	d.inbox = make(chan event, 8*len(units)+32)
	d.pending = append([]build.Unit(nil), units...)

	logger.Debug("Dispatcher starting.", "units", len(units), "jobs", d.opts.Jobs)

	for {
		// Plain deadlock: nothing pending and every running worker is
		// blocked, so nobody can resolve anyone else's dependency. Checked
		// before blocking on the inbox because with every worker parked no
		// event will ever arrive. Releasing converts the silent hang into
		// one concrete unresolved-reference diagnostic per unit.
		if len(d.pending) == 0 && len(d.running) > 0 && d.blocked() == len(d.running) {
			logger.Warn("Deadlock detected, releasing all blocked units.", "blocked", len(d.running))
			d.releaseAll()
			// Released workers get the same bounded window as a failure
			// cascade. Without it, a released worker that ignores the
			// release would park the run back on the inbox with no timer,
			// and a stuck worker must never block run exit.
			d.collectStragglers(ctx)
		}

		d.admit(ctx)
		if len(d.running) == 0 || d.abandoned {
			break
		}

		select {
		case ev := <-d.inbox:
			d.handle(ctx, ev)
		case <-ctx.Done():
			logger.Warn("Run canceled, releasing blocked units.", "cause", ctx.Err())
			d.failed = true
			d.releaseAll()
			d.collectStragglers(ctx)
			return d.result(), ctx.Err()
		}
	}

	res := d.result()
	logger.Debug("Dispatcher finished.", "outcomes", len(res.Outcomes), "failed", res.Failed)
	return res, nil
}

// blocked counts workers that are not actively progressing: parked in the
// waiting set or satisfied but not yet resumed.
func (d *Dispatcher) blocked() int {
	return d.registry.WaitingLen() + len(d.resumable)
}

// active counts workers consuming a concurrency slot.
func (d *Dispatcher) active() int {
	return len(d.running) - d.blocked()
}

// admit fills free concurrency slots. Resumed workers go ahead of fresh
// pending units so in-flight work finishes before new work starts, which
// bounds the depth of concurrently blocked chains.
func (d *Dispatcher) admit(ctx context.Context) {
	for len(d.resumable) > 0 && d.active() < d.opts.Jobs {
		w := d.resumable[0]
		d.resumable = d.resumable[1:]
		w.resume <- resumeProceed
	}
	for len(d.pending) > 0 && d.active() < d.opts.Jobs {
		unit := d.pending[0]
		d.pending = d.pending[1:]
		w := newWorker(unit, d.inbox)
		d.running[w] = unit
		go w.run(ctx, d.compiler, d.opts.Destination)
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case artifactEvent:
		d.publish(e.w, e.artifact, e.kind)

	case waitEvent:
		if _, ok := d.running[e.w]; !ok {
			// A wait request must come from a live worker. Anything else is
			// a dispatcher bug and must abort loudly.
			panic(fmt.Sprintf("dispatch: wait request for %q from unknown worker", e.artifact))
		}
		if d.registry.Contains(e.artifact, e.kind) {
			// The dependency finished before the request arrived. Answer
			// immediately rather than queueing, so the worker never waits
			// on an artifact that already exists.
			e.w.resume <- resumeProceed
		} else {
			d.registry.Enqueue(waitRequest{w: e.w, artifact: e.artifact, kind: e.kind})
		}

	case doneEvent:
		delete(d.running, e.w)
		d.results = append(d.results, build.Outcome{Unit: e.w.unit, Artifacts: e.artifacts})
		if cb := d.opts.Hooks.OnFileDone; cb != nil {
			cb(e.w.unit)
		}

	case failedEvent:
		delete(d.running, e.w)
		d.recordFailure(e.failure)
		d.resolveCascade(ctx)
	}
}

// publish records an artifact and moves every satisfied waiter to the
// resume queue. Idempotent republishes change nothing and re-trigger no
// waiters.
func (d *Dispatcher) publish(w *worker, artifact build.Artifact, kind build.DepKind) {
	if !d.registry.Add(artifact, kind) {
		return
	}
	if cb := d.opts.Hooks.OnModuleAvailable; cb != nil {
		cb(w.unit, artifact, kind)
	}
	d.resumable = append(d.resumable, d.registry.MatchWaiters(artifact)...)
}

// recordFailure marks the run failed, appends the outcome, and emits one
// diagnostic per distinct failing unit.
func (d *Dispatcher) recordFailure(f *build.Failure) {
	d.failed = true
	d.results = append(d.results, build.Outcome{Unit: f.Unit, Failure: f})
	if d.reported[f.Unit] {
		return
	}
	d.reported[f.Unit] = true
	d.opts.Sink.Failure(f)
}

// resolveCascade runs after an abnormal termination. When every remaining
// worker is blocked on artifacts that can now never arrive, it releases
// them and gives the consequent failures a bounded window to surface.
func (d *Dispatcher) resolveCascade(ctx context.Context) {
	if len(d.pending) > 0 || len(d.resumable) > 0 {
		return
	}
	if len(d.running) == 0 || d.registry.WaitingLen() != len(d.running) {
		return
	}
	logger := ctxlog.FromContext(ctx)
	logger.Warn("Run is failing with every remaining unit blocked, releasing them.",
		"blocked", len(d.running))
	d.releaseAll()
	d.collectStragglers(ctx)
}

// releaseAll force-resumes every parked worker with the release signal.
func (d *Dispatcher) releaseAll() {
	for _, w := range d.registry.ReleaseAll() {
		w.resume <- resumeRelease
	}
}

// collectStragglers drains terminal events from released workers for at
// most the collection window. A stuck worker must never block process
// exit, so the timer wins regardless of how many stragglers reported.
func (d *Dispatcher) collectStragglers(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	timer := time.NewTimer(d.opts.CollectWindow)
	defer timer.Stop()

	for len(d.running) > 0 {
		select {
		case ev := <-d.inbox:
			switch e := ev.(type) {
			case waitEvent:
				// Released workers get no second chance at waiting.
				e.w.resume <- resumeRelease
			case artifactEvent:
				d.publish(e.w, e.artifact, e.kind)
			case doneEvent:
				delete(d.running, e.w)
				d.results = append(d.results, build.Outcome{Unit: e.w.unit, Artifacts: e.artifacts})
				if cb := d.opts.Hooks.OnFileDone; cb != nil {
					cb(e.w.unit)
				}
			case failedEvent:
				delete(d.running, e.w)
				d.recordFailure(e.failure)
			}
		case <-timer.C:
			logger.Warn("Gave up waiting for cascading failures.", "stragglers", len(d.running))
			d.abandoned = true
			return
		}
	}
}

func (d *Dispatcher) result() *Result {
	failed := d.failed || (d.opts.WarningsAsErrors && d.opts.Sink.Warnings() > 0)
	return &Result{Outcomes: d.results, Failed: failed}
}
