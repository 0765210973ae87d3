package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/buildgridgo/internal/build"
)

// compileFn is the signature of one scripted compile attempt.
type compileFn func(ctx context.Context, unit build.Unit, dest string, deps build.Deps) ([]build.Artifact, error)

// scriptCompiler drives each unit through a per-unit script, standing in
// for the external unit compiler.
type scriptCompiler map[build.Unit]compileFn

func (s scriptCompiler) Compile(ctx context.Context, unit build.Unit, dest string, deps build.Deps) ([]build.Artifact, error) {
	fn, ok := s[unit]
	if !ok {
		return nil, fmt.Errorf("no script for unit %q", unit)
	}
	return fn(ctx, unit, dest, deps)
}

// provides scripts a unit that compiles cleanly into the given artifacts.
func provides(artifacts ...build.Artifact) compileFn {
	return func(context.Context, build.Unit, string, build.Deps) ([]build.Artifact, error) {
		return artifacts, nil
	}
}

// needsThenProvides scripts a unit that resolves its needs in order and
// then compiles into the given artifacts.
func needsThenProvides(needs []build.Need, artifacts ...build.Artifact) compileFn {
	return func(_ context.Context, unit build.Unit, _ string, deps build.Deps) ([]build.Artifact, error) {
		for _, n := range needs {
			if err := deps.Need(n.Artifact, n.Kind); err != nil {
				return nil, fmt.Errorf("%s: %w", unit, err)
			}
		}
		return artifacts, nil
	}
}

// recordSink captures diagnostics for assertions.
type recordSink struct {
	mu       sync.Mutex
	failures []*build.Failure
	warnings int
}

func (s *recordSink) Failure(f *build.Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
}

func (s *recordSink) Warning(build.Unit, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings++
}

func (s *recordSink) Warnings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warnings
}

func (s *recordSink) failedUnits() []build.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	units := make([]build.Unit, 0, len(s.failures))
	for _, f := range s.failures {
		units = append(units, f.Unit)
	}
	return units
}

// gauge tracks the highest number of concurrently progressing compile
// attempts observed.
type gauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *gauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
}

func (g *gauge) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current--
}

func (g *gauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}
