// Package diag defines the diagnostic sink contract the scheduler reports
// failures and warnings through, plus a console implementation. Formatting
// lives here so the dispatcher never owns presentation concerns.
package diag

import (
	"fmt"
	"io"
	"sync"

	"github.com/vk/buildgridgo/internal/build"
)

// Sink receives failures and warnings observed during a run. Implementations
// must be safe for concurrent use; the unit compiler may emit warnings from
// worker goroutines while the dispatcher reports failures.
type Sink interface {
	// Failure formats and emits one failure diagnostic. The dispatcher
	// already deduplicates per unit, so every call is a distinct failing
	// unit in observation order.
	Failure(f *build.Failure)

	// Warning emits a non-fatal diagnostic for a unit.
	Warning(unit build.Unit, msg string)

	// Warnings returns how many warnings were emitted so far. The run is
	// elevated to a failure when warnings-as-errors is enabled and this is
	// non-zero.
	Warnings() int
}

// Console writes human-readable diagnostics to a single writer.
type Console struct {
	mu       sync.Mutex
	w        io.Writer
	warnings int
}

// NewConsole creates a console sink writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Failure implements Sink.
func (c *Console) Failure(f *build.Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "error: %s: %s\n", f.Unit, f.Reason)
	for _, frame := range f.Trace {
		fmt.Fprintf(c.w, "    %s\n", frame)
	}
}

// Warning implements Sink.
func (c *Console) Warning(unit build.Unit, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings++
	fmt.Fprintf(c.w, "warning: %s: %s\n", unit, msg)
}

// Warnings implements Sink.
func (c *Console) Warnings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warnings
}

// Discard is a sink that counts warnings but emits nothing. Used as the
// default when the caller wires no sink of its own.
type Discard struct {
	mu       sync.Mutex
	warnings int
}

// Failure implements Sink.
func (d *Discard) Failure(*build.Failure) {}

// Warning implements Sink.
func (d *Discard) Warning(build.Unit, string) {
	d.mu.Lock()
	d.warnings++
	d.mu.Unlock()
}

// Warnings implements Sink.
func (d *Discard) Warnings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.warnings
}
