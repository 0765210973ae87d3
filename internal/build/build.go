// Package build defines the shared model for a build run: units, artifacts,
// dependency kinds, outcomes, and the contracts between the scheduler and
// the external unit compiler.
package build

import (
	"context"
	"fmt"
	"time"
)

// Unit is the opaque identifier of a single item submitted for compilation,
// typically a file path. Immutable once enqueued.
type Unit string

// Artifact is a named output a successful unit compilation makes available,
// typically a module name. Other units may depend on it.
type Artifact string

// DepKind distinguishes how strongly a unit depends on an artifact.
type DepKind int

const (
	// KindUsage is a plain call dependency. It is satisfied by the artifact
	// being recorded with either kind.
	KindUsage DepKind = iota

	// KindStructural is an export-level dependency. It is only satisfied
	// once the artifact is recorded with structural kind, i.e. the producer
	// finished full compilation including its exported shape.
	KindStructural
)

func (k DepKind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindStructural:
		return "structural"
	default:
		return fmt.Sprintf("DepKind(%d)", int(k))
	}
}

// Satisfies reports whether an artifact recorded with kind k answers a
// request of kind want. A structural record answers both kinds; a usage
// record answers only usage requests.
func (k DepKind) Satisfies(want DepKind) bool {
	return want == KindUsage || k == KindStructural
}

// Need is a declared dependency of a unit on an artifact.
type Need struct {
	Artifact Artifact
	Kind     DepKind
}

// FailureKind classifies why a compile attempt terminated abnormally.
type FailureKind int

const (
	// FailCompile is a regular failure reported by the unit compiler.
	FailCompile FailureKind = iota

	// FailUnresolved marks a unit that was forced to proceed without its
	// dependency during deadlock resolution and failed on the missing
	// reference.
	FailUnresolved

	// FailCrash marks a compile attempt that terminated without reporting
	// any structured result.
	FailCrash
)

func (k FailureKind) String() string {
	switch k {
	case FailCompile:
		return "compile"
	case FailUnresolved:
		return "unresolved"
	case FailCrash:
		return "crash"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// Failure is the terminal payload of an abnormally terminated compile
// attempt. Trace carries a pruned execution trace with scheduler and
// runtime frames stripped out.
type Failure struct {
	Unit   Unit
	Kind   FailureKind
	Reason string
	Trace  []string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s failure: %s", f.Unit, f.Kind, f.Reason)
}

// ErrUnresolved is returned from Deps.Need when the scheduler released the
// waiting worker because its dependency can never arrive. The compiler is
// expected to turn this into its own unresolved-reference failure rather
// than hang.
type ErrUnresolved struct {
	Artifact Artifact
}

func (e ErrUnresolved) Error() string {
	return fmt.Sprintf("unresolved reference to artifact %q", e.Artifact)
}

// Outcome records the terminal result of one unit. Failure is nil on
// success.
type Outcome struct {
	Unit      Unit
	Artifacts []Artifact
	Failure   *Failure
}

// Succeeded reports whether the unit compiled cleanly.
func (o Outcome) Succeeded() bool { return o.Failure == nil }

// Deps is the handle a compile attempt uses to resolve a dependency it
// discovered mid-compilation. Need blocks the calling worker until the
// artifact becomes available, so a worker has at most one outstanding
// request at a time.
type Deps interface {
	// Need suspends the caller until the artifact is available with a
	// matching-or-stronger kind. It returns ErrUnresolved if the scheduler
	// released the worker during deadlock or cascade resolution.
	Need(artifact Artifact, kind DepKind) error

	// Publish announces an artifact before the compile attempt terminates,
	// e.g. a signature that is usable while full compilation continues.
	// Artifacts returned from Compile are published with structural kind
	// automatically; Publish exists for earlier or weaker announcements.
	Publish(artifact Artifact, kind DepKind)
}

// Compiler turns one unit into its artifacts. Implementations may call
// deps.Need at any point while compiling; the scheduler never preempts a
// compile attempt anywhere else.
type Compiler interface {
	Compile(ctx context.Context, unit Unit, destination string, deps Deps) ([]Artifact, error)
}

// UnitSpec is the declared shape of a unit in a build plan: what it
// provides, what it needs, and how it is built.
type UnitSpec struct {
	ID       Unit
	Provides []Artifact
	Needs    []Need

	// Run is an optional shell command executed after all needs resolve.
	Run string

	// Sleep simulates compile work in rehearsal plans.
	Sleep time.Duration

	// Fail injects a deliberate failure, used by rehearsal plans to
	// exercise cascade and deadlock paths.
	Fail       bool
	FailReason string

	// Warn emits a warning through the diagnostic sink before compiling.
	Warn string

	// File is the plan file the unit was declared in, for diagnostics.
	File string
}
