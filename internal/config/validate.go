package config

import (
	"fmt"
	"regexp"

	"linkage/internal/logging"
	"linkage/internal/model"
)

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding, addressed by a dotted config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// identifier matches the lowercase unquoted names every backend accepts.
var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var storageKinds = map[string]bool{"sqlite": true, "postgres": true, "mssql": true}

// ValidatePipeline checks p without touching the filesystem or a database.
// Errors make the pipeline unrunnable; warnings flag likely mistakes.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if p.Job == "" {
		add(SeverityWarning, "job", "empty job name; metrics use the default")
	}

	if len(p.Inputs) == 0 {
		add(SeverityError, "inputs", "at least one input is required")
	}
	seen := map[string]bool{}
	for i, in := range p.Inputs {
		path := fmt.Sprintf("inputs[%d]", i)
		switch {
		case in.Name == "":
			add(SeverityError, path+".name", "must be set")
		case !identifier.MatchString(in.Name):
			add(SeverityError, path+".name", "%q is not a lowercase identifier", in.Name)
		case seen[in.Name]:
			add(SeverityError, path+".name", "duplicate input %q", in.Name)
		}
		seen[in.Name] = true
		if in.Path == "" {
			add(SeverityError, path+".path", "must be set")
		}
		if k := in.Parser.Kind; k != "" && k != "csv" && k != "json" {
			add(SeverityError, path+".parser.kind", "unsupported parser %q (want csv or json)", k)
		}
		for col, typ := range in.Types {
			switch typ {
			case "text", "integer", "float":
			default:
				add(SeverityError, path+".types."+col, "unsupported type %q", typ)
			}
		}
	}

	switch {
	case p.Storage.Kind == "":
		add(SeverityError, "storage.kind", "must be set")
	case !storageKinds[p.Storage.Kind]:
		add(SeverityError, "storage.kind", "unsupported backend %q", p.Storage.Kind)
	case p.Storage.DSN == "" && p.Storage.Kind != "sqlite":
		add(SeverityError, "storage.dsn", "must be set for %s", p.Storage.Kind)
	case p.Storage.DSN == "":
		add(SeverityWarning, "storage.dsn", "empty; using an in-memory database")
	}

	s := p.Settings.WithDefaults()
	if err := s.Validate(); err != nil {
		add(SeverityError, "settings", "%v", err)
	}
	if s.LinkType != model.DedupeOnly && len(p.Inputs) < 2 {
		add(SeverityError, "settings.link_type", "%s needs at least two inputs", s.LinkType)
	}
	if len(s.BlockingRules) == 0 {
		add(SeverityWarning, "settings.blocking_rules_to_generate_predictions",
			"empty; prediction will score every pair")
	}

	if p.Training.MaxPairs < 0 {
		add(SeverityError, "training.max_pairs", "must not be negative")
	}
	if p.Training.MaxIterations < 0 {
		add(SeverityError, "training.max_iterations", "must not be negative")
	}
	if p.Training.Tolerance < 0 {
		add(SeverityError, "training.tolerance", "must not be negative")
	}
	for i, r := range p.Training.EMBlockingRules {
		if r == "" {
			add(SeverityError, fmt.Sprintf("training.em_blocking_rules[%d]", i), "empty rule")
		}
	}

	if t := p.Prediction.ThresholdMatchProbability; t < 0 || t > 1 {
		add(SeverityError, "prediction.threshold_match_probability", "must be in [0,1], got %v", t)
	}

	c := p.Clustering
	if c.ThresholdMatchProbability != nil && c.ThresholdMatchWeight != nil {
		add(SeverityError, "clustering", "Please specify only one of threshold_match_probability or threshold_match_weight")
	}
	if t := c.ThresholdMatchProbability; t != nil && (*t < 0 || *t > 1) {
		add(SeverityError, "clustering.threshold_match_probability", "must be in [0,1], got %v", *t)
	}
	switch c.Solver {
	case "", "sql", "memory":
	default:
		add(SeverityError, "clustering.solver", "unsupported solver %q (want sql or memory)", c.Solver)
	}
	if c.MaxIterations < 0 {
		add(SeverityError, "clustering.max_iterations", "must not be negative")
	}
	for i, t := range c.Thresholds {
		if !(t >= 0 && t <= 1) {
			add(SeverityError, fmt.Sprintf("clustering.thresholds[%d]", i), "must be in [0,1], got %v", t)
		}
	}

	if p.Runtime.BatchSize < 0 {
		add(SeverityError, "runtime.batch_size", "must not be negative")
	}
	if !logging.ValidLevel(p.Logging.Level) {
		add(SeverityError, "logging.level", "unknown level %q", p.Logging.Level)
	}
	if !logging.ValidFormat(p.Logging.Format) {
		add(SeverityError, "logging.format", "unknown format %q", p.Logging.Format)
	}
	switch p.Metrics.Backend {
	case "", "none", "datadog":
	default:
		add(SeverityWarning, "metrics.backend", "unknown backend %q; metrics disabled", p.Metrics.Backend)
	}
	return out
}
