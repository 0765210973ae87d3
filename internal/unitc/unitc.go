// Package unitc implements the unit compiler contract over a loaded plan:
// it resolves each declared need through the scheduler, then builds the
// unit by running its command (or simulating work), and reports the
// artifacts the unit provides. The scheduler itself never interprets any
// of this; it only sees the Compiler contract.
package unitc

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vk/buildgridgo/internal/build"
	"github.com/vk/buildgridgo/internal/ctxlog"
	"github.com/vk/buildgridgo/internal/diag"
	"github.com/vk/buildgridgo/internal/plan"
)

// Compiler builds units according to their plan declaration.
type Compiler struct {
	plan *plan.Plan
	sink diag.Sink
}

var _ build.Compiler = (*Compiler)(nil)

// New creates a compiler over the given plan. The sink receives warnings
// declared by units; it must not be nil.
func New(p *plan.Plan, sink diag.Sink) *Compiler {
	if sink == nil {
		panic("unitc: nil sink")
	}
	return &Compiler{plan: p, sink: sink}
}

// Compile implements build.Compiler.
func (c *Compiler) Compile(ctx context.Context, unit build.Unit, destination string, deps build.Deps) ([]build.Artifact, error) {
	logger := ctxlog.FromContext(ctx).With("unit", unit)

	spec, ok := c.plan.Unit(unit)
	if !ok {
		return nil, fmt.Errorf("unit %q is not declared in the plan", unit)
	}

	for _, need := range spec.Needs {
		logger.Debug("Resolving dependency.", "artifact", need.Artifact, "kind", need.Kind)
		if err := deps.Need(need.Artifact, need.Kind); err != nil {
			var unresolved build.ErrUnresolved
			if errors.As(err, &unresolved) {
				return nil, fmt.Errorf("%s: %w", unit, err)
			}
			return nil, err
		}
	}

	if spec.Warn != "" {
		c.sink.Warning(unit, spec.Warn)
	}

	if spec.Sleep > 0 {
		select {
		case <-time.After(spec.Sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if spec.Fail {
		reason := spec.FailReason
		if reason == "" {
			reason = "unit declared as failing"
		}
		return nil, &build.Failure{Kind: build.FailCompile, Reason: reason}
	}

	if spec.Run != "" {
		logger.Debug("Running build command.", "command", spec.Run)
		if err := runCommand(ctx, spec.Run); err != nil {
			return nil, err
		}
	}

	return spec.Provides, nil
}

// runCommand executes a unit's build command through the shell, folding the
// combined output into the failure reason so diagnostics carry the
// compiler's own words.
func runCommand(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		reason := fmt.Sprintf("command failed: %v", err)
		if trimmed := strings.TrimSpace(string(out)); trimmed != "" {
			reason = fmt.Sprintf("%s: %s", reason, trimmed)
		}
		return &build.Failure{Kind: build.FailCompile, Reason: reason}
	}
	return nil
}
