package dispatch

import "github.com/vk/buildgridgo/internal/build"

// event is the tagged union workers send to the dispatcher inbox. Exactly
// one terminal event (doneEvent or failedEvent) is sent per worker.
type event interface {
	eventWorker() *worker
}

// artifactEvent announces one produced artifact, sent before the worker's
// terminal doneEvent.
type artifactEvent struct {
	w        *worker
	artifact build.Artifact
	kind     build.DepKind
}

// waitEvent asks the dispatcher for an artifact the compile attempt just
// discovered it needs. The sending worker is parked on its resume channel
// until the dispatcher answers.
type waitEvent struct {
	w        *worker
	artifact build.Artifact
	kind     build.DepKind
}

// doneEvent reports terminal success.
type doneEvent struct {
	w         *worker
	artifacts []build.Artifact
}

// failedEvent reports terminal failure, including crashes recovered by the
// worker harness.
type failedEvent struct {
	w       *worker
	failure *build.Failure
}

func (e artifactEvent) eventWorker() *worker { return e.w }
func (e waitEvent) eventWorker() *worker     { return e.w }
func (e doneEvent) eventWorker() *worker     { return e.w }
func (e failedEvent) eventWorker() *worker   { return e.w }
