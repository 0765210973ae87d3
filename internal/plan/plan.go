// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the Plan structure, the root container for all unit
// declarations loaded from a user's .hcl files.
//
// Why have a Plan?
//
// A build of any real size splits its unit declarations across many files
// and directories. The Plan and its loading functions discover all the
// disparate 'unit' blocks and consolidate them into a single unified view,
// so the scheduler and the unit compiler can resolve units by ID no matter
// which file declared them.
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/buildgridgo/internal/build"
	"github.com/vk/buildgridgo/internal/ctxlog"
	"github.com/vk/buildgridgo/internal/fsutil"
)

// Plan is the consolidated set of unit declarations for one run.
type Plan struct {
	Units []*build.UnitSpec

	byID map[build.Unit]*build.UnitSpec
}

// Unit looks up a unit declaration by ID.
func (p *Plan) Unit(id build.Unit) (*build.UnitSpec, bool) {
	spec, ok := p.byID[id]
	return spec, ok
}

// UnitIDs returns every declared unit ID in declaration order. This is the
// submission order handed to the scheduler; no dependency order is implied.
func (p *Plan) UnitIDs() []build.Unit {
	ids := make([]build.Unit, 0, len(p.Units))
	for _, u := range p.Units {
		ids = append(ids, u.ID)
	}
	return ids
}

// hclPlanFile represents the top-level structure of a plan file for decoding.
type hclPlanFile struct {
	Units []*hclUnit `hcl:"unit,block"`
}

// hclUnit is the raw decoded form of a 'unit' block.
type hclUnit struct {
	ID         string         `hcl:"id,label"`
	Provides   []string       `hcl:"provides,optional"`
	Run        hcl.Expression `hcl:"run,optional"`
	Sleep      string         `hcl:"sleep,optional"`
	Fail       bool           `hcl:"fail,optional"`
	FailReason string         `hcl:"fail_reason,optional"`
	Warn       string         `hcl:"warn,optional"`
	Needs      []*hclNeed     `hcl:"needs,block"`
}

// hclNeed is the raw decoded form of a 'needs' block.
type hclNeed struct {
	Artifact string `hcl:"artifact"`
	Kind     string `hcl:"kind,optional"`
}

// Load finds and parses all HCL files under the given paths into a Plan.
// The destination is exposed to run expressions as the 'destination'
// variable so commands can interpolate their output directory.
func Load(ctx context.Context, destination string, paths ...string) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"destination": cty.StringVal(destination),
		},
	}

	plan := &Plan{byID: make(map[build.Unit]*build.UnitSpec)}
	parser := hclparse.NewParser()
	for _, path := range paths {
		files, err := fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("failed to find plan files in %s: %w", path, err)
		}
		if len(files) == 0 {
			logger.Warn("No .hcl plan files found in path.", "path", path)
		}
		for _, file := range files {
			units, err := unitsFromFile(file, parser, evalCtx)
			if err != nil {
				return nil, err
			}
			for _, u := range units {
				if dup, ok := plan.byID[u.ID]; ok {
					return nil, fmt.Errorf("duplicate unit %q declared in %s and %s", u.ID, dup.File, u.File)
				}
				plan.byID[u.ID] = u
				plan.Units = append(plan.Units, u)
			}
		}
	}

	logger.Debug("Plan loaded.", "units", len(plan.Units))
	return plan, nil
}

// unitsFromFile parses a single HCL file and returns the units declared in it.
func unitsFromFile(filePath string, parser *hclparse.Parser, evalCtx *hcl.EvalContext) ([]*build.UnitSpec, error) {
	hclFile, diags := parser.ParseHCLFile(filePath)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filePath, diags)
	}

	var parsedFile hclPlanFile
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &parsedFile); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filePath, diags)
	}

	units := make([]*build.UnitSpec, 0, len(parsedFile.Units))
	for _, raw := range parsedFile.Units {
		spec, err := newUnitSpec(raw, filePath, evalCtx)
		if err != nil {
			return nil, err
		}
		units = append(units, spec)
	}
	return units, nil
}

// newUnitSpec validates a raw unit block and converts it into the shared model.
func newUnitSpec(raw *hclUnit, filePath string, evalCtx *hcl.EvalContext) (*build.UnitSpec, error) {
	spec := &build.UnitSpec{
		ID:         build.Unit(raw.ID),
		Fail:       raw.Fail,
		FailReason: raw.FailReason,
		Warn:       raw.Warn,
		File:       filePath,
	}

	for _, p := range raw.Provides {
		spec.Provides = append(spec.Provides, build.Artifact(p))
	}

	for _, n := range raw.Needs {
		kind, err := parseKind(n.Kind)
		if err != nil {
			return nil, fmt.Errorf("unit %q in %s: %w", raw.ID, filePath, err)
		}
		spec.Needs = append(spec.Needs, build.Need{Artifact: build.Artifact(n.Artifact), Kind: kind})
	}

	if raw.Sleep != "" {
		d, err := time.ParseDuration(raw.Sleep)
		if err != nil {
			return nil, fmt.Errorf("unit %q in %s: invalid sleep duration %q: %w", raw.ID, filePath, raw.Sleep, err)
		}
		spec.Sleep = d
	}

	if raw.Run != nil {
		val, diags := raw.Run.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("unit %q in %s: failed to evaluate run command: %w", raw.ID, filePath, diags)
		}
		if !val.IsNull() {
			if val.Type() != cty.String {
				return nil, fmt.Errorf("unit %q in %s: run must be a string, got %s", raw.ID, filePath, val.Type().FriendlyName())
			}
			spec.Run = val.AsString()
		}
	}

	return spec, nil
}

// parseKind maps the plan-level kind spelling onto the model. An empty kind
// defaults to the weaker usage dependency.
func parseKind(s string) (build.DepKind, error) {
	switch s {
	case "", "usage":
		return build.KindUsage, nil
	case "structural":
		return build.KindStructural, nil
	default:
		return 0, fmt.Errorf("invalid dependency kind %q (want \"usage\" or \"structural\")", s)
	}
}
