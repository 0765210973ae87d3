package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/vk/buildgridgo/internal/build"
	"github.com/vk/buildgridgo/internal/ctxlog"
)

// resumeMode is the dispatcher's answer to a parked worker.
type resumeMode int

const (
	// resumeProceed means the awaited artifact is available.
	resumeProceed resumeMode = iota

	// resumeRelease means the dependency will never arrive and the worker
	// must proceed without it. The compile attempt is expected to fail with
	// an unresolved-reference error rather than hang.
	resumeRelease
)

// worker executes exactly one unit's compile attempt in its own goroutine.
// It owns no scheduling state; its only channel of influence is the event
// protocol, which keeps a crashing compile attempt from corrupting the
// dispatcher or other workers.
type worker struct {
	unit  build.Unit
	inbox chan<- event

	// resume is buffered so the dispatcher never blocks answering a worker.
	resume chan resumeMode
}

var _ build.Deps = (*worker)(nil)

func newWorker(unit build.Unit, inbox chan<- event) *worker {
	return &worker{
		unit:   unit,
		inbox:  inbox,
		resume: make(chan resumeMode, 1),
	}
}

// Need implements build.Deps. It suspends the compile attempt at exactly
// the point a missing dependency was discovered and parks the worker until
// the dispatcher answers.
func (w *worker) Need(artifact build.Artifact, kind build.DepKind) error {
	w.inbox <- waitEvent{w: w, artifact: artifact, kind: kind}
	if <-w.resume == resumeRelease {
		return build.ErrUnresolved{Artifact: artifact}
	}
	return nil
}

// Publish implements build.Deps. It announces an artifact mid-compile,
// typically with usage kind for a signature that is usable before full
// compilation finishes.
func (w *worker) Publish(artifact build.Artifact, kind build.DepKind) {
	w.inbox <- artifactEvent{w: w, artifact: artifact, kind: kind}
}

// run drives one compile attempt to a terminal event. A panic anywhere in
// the compiler surfaces as a crash failure with a pruned trace instead of
// taking the process down.
func (w *worker) run(ctx context.Context, compiler build.Compiler, destination string) {
	logger := ctxlog.FromContext(ctx).With("unit", w.unit)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Compile attempt crashed.", "panic", r)
			w.inbox <- failedEvent{w: w, failure: &build.Failure{
				Unit:   w.unit,
				Kind:   build.FailCrash,
				Reason: fmt.Sprintf("compile attempt crashed: %v", r),
				Trace:  pruneTrace(debug.Stack()),
			}}
		}
	}()

	logger.Debug("Compile attempt started.")
	artifacts, err := compiler.Compile(ctx, w.unit, destination, w)
	if err != nil {
		logger.Debug("Compile attempt failed.", "error", err)
		w.inbox <- failedEvent{w: w, failure: failureFor(w.unit, err)}
		return
	}

	for _, artifact := range artifacts {
		w.inbox <- artifactEvent{w: w, artifact: artifact, kind: build.KindStructural}
	}
	logger.Debug("Compile attempt succeeded.", "artifacts", len(artifacts))
	w.inbox <- doneEvent{w: w, artifacts: artifacts}
}

// failureFor classifies a compiler error into the failure taxonomy. A
// forced release manifests as an unresolved-reference failure, never a
// scheduler-internal error.
func failureFor(unit build.Unit, err error) *build.Failure {
	var failure *build.Failure
	if errors.As(err, &failure) {
		cp := *failure
		cp.Unit = unit
		return &cp
	}
	var unresolved build.ErrUnresolved
	if errors.As(err, &unresolved) {
		return &build.Failure{Unit: unit, Kind: build.FailUnresolved, Reason: err.Error()}
	}
	return &build.Failure{Unit: unit, Kind: build.FailCompile, Reason: err.Error()}
}

// pruneTrace strips scheduler and runtime frames from a goroutine stack,
// leaving only frames useful to the end user.
func pruneTrace(stack []byte) []string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	var frames []string
	for i := 1; i+1 < len(lines); i += 2 {
		fn := strings.TrimSpace(lines[i])
		loc := strings.TrimSpace(lines[i+1])
		if strings.HasPrefix(fn, "runtime") || strings.HasPrefix(fn, "panic(") {
			continue
		}
		if strings.Contains(loc, "internal/dispatch/") {
			continue
		}
		frames = append(frames, fmt.Sprintf("%s (%s)", fn, loc))
	}
	return frames
}
