// Package dispatch implements the concurrent build scheduler: a single
// coordinating event loop that compiles independent units in parallel under
// a bounded concurrency limit, discovers cross-unit dependencies while units
// are compiling, suspends and resumes blocked compile attempts, detects
// deadlock, and bounds how long a failing run waits for cascading failures
// to surface.
//
// All scheduling state is owned by the dispatcher goroutine and mutated only
// there; workers influence it solely through an ordered inbox of events.
// A unit can therefore only observe an artifact as available after the
// producing worker's event has been fully processed, which gives the
// happens-before guarantee without any locks.
package dispatch
