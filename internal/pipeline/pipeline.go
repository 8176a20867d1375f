// Package pipeline builds ordered chains of named SQL steps that a backend
// executes as one common-table-expression statement.
//
// A Pipeline starts with optional aliases for tables materialized by earlier
// submissions, then queues steps. Every step may reference any alias or any
// earlier step by name. The last step's name is the pipeline output.
package pipeline

import (
	"fmt"
	"strings"
)

// Step is one named query of a pipeline.
type Step struct {
	SQL        string
	OutputName string
}

// Pipeline is an ordered list of steps. The zero value is ready to use.
type Pipeline struct {
	aliases []Step
	steps   []Step
}

// New returns an empty pipeline.
func New() *Pipeline { return &Pipeline{} }

// Alias exposes an already materialized table under a logical name, so steps
// can reference it without knowing its physical name.
func (p *Pipeline) Alias(name, physicalName string) *Pipeline {
	p.aliases = append(p.aliases, Step{
		SQL:        "SELECT * FROM " + physicalName,
		OutputName: name,
	})
	return p
}

// Enqueue appends a step.
func (p *Pipeline) Enqueue(sql, outputName string) *Pipeline {
	p.steps = append(p.steps, Step{SQL: strings.TrimSpace(sql), OutputName: outputName})
	return p
}

// EnqueueAll appends steps in order.
func (p *Pipeline) EnqueueAll(steps []Step) *Pipeline {
	for _, s := range steps {
		p.Enqueue(s.SQL, s.OutputName)
	}
	return p
}

// Steps returns the queued steps (aliases excluded).
func (p *Pipeline) Steps() []Step { return append([]Step(nil), p.steps...) }

// Len returns the number of queued steps.
func (p *Pipeline) Len() int { return len(p.steps) }

// OutputName is the name of the last step.
func (p *Pipeline) OutputName() string {
	if len(p.steps) == 0 {
		return ""
	}
	return p.steps[len(p.steps)-1].OutputName
}

// Validate checks that the pipeline has steps and unique, non-empty names.
func (p *Pipeline) Validate() error {
	if len(p.steps) == 0 {
		return fmt.Errorf("pipeline: no steps queued")
	}
	seen := make(map[string]struct{}, len(p.aliases)+len(p.steps))
	for _, s := range append(append([]Step(nil), p.aliases...), p.steps...) {
		if strings.TrimSpace(s.OutputName) == "" {
			return fmt.Errorf("pipeline: step with empty output name")
		}
		if _, dup := seen[s.OutputName]; dup {
			return fmt.Errorf("pipeline: duplicate step name %q", s.OutputName)
		}
		seen[s.OutputName] = struct{}{}
	}
	return nil
}

// WithClause renders "WITH a AS (...), b AS (...)" covering aliases and all
// steps. Backends append their own final statement selecting from OutputName.
func (p *Pipeline) WithClause() string {
	var b strings.Builder
	b.WriteString("WITH ")
	first := true
	for _, s := range append(append([]Step(nil), p.aliases...), p.steps...) {
		if !first {
			b.WriteString(",\n")
		}
		first = false
		b.WriteString(s.OutputName)
		b.WriteString(" AS (\n")
		b.WriteString(s.SQL)
		b.WriteString("\n)")
	}
	return b.String()
}

// SelectSQL renders the pipeline as a single SELECT returning the output rows.
func (p *Pipeline) SelectSQL() string {
	return p.WithClause() + "\nSELECT * FROM " + p.OutputName()
}
