// Package config defines the linkage pipeline configuration: where the input
// records come from, which executor backend runs the SQL, the comparison
// settings, and how training, prediction and clustering are tuned.
//
// A pipeline file is JSON, YAML or TOML, chosen by extension.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"linkage/internal/logging"
	"linkage/internal/model"
	"linkage/internal/storage"
)

// Pipeline is a complete linkage job.
type Pipeline struct {
	Job        string         `json:"job" yaml:"job" toml:"job"`
	Inputs     []Input        `json:"inputs" yaml:"inputs" toml:"inputs"`
	Storage    storage.Config `json:"storage" yaml:"storage" toml:"storage"`
	Settings   model.Settings `json:"settings" yaml:"settings" toml:"settings"`
	Training   Training       `json:"training" yaml:"training" toml:"training"`
	Prediction Prediction     `json:"prediction" yaml:"prediction" toml:"prediction"`
	Clustering Clustering     `json:"clustering" yaml:"clustering" toml:"clustering"`
	Output     Output         `json:"output" yaml:"output" toml:"output"`
	Runtime    RuntimeConfig  `json:"runtime" yaml:"runtime" toml:"runtime"`
	Logging    logging.Config `json:"logging" yaml:"logging" toml:"logging"`
	Metrics    Metrics        `json:"metrics" yaml:"metrics" toml:"metrics"`
}

// Input is one source dataset. Name doubles as the input table name and the
// source dataset value of its records.
type Input struct {
	Name   string `json:"name" yaml:"name" toml:"name"`
	Path   string `json:"path" yaml:"path" toml:"path"`
	Parser Parser `json:"parser" yaml:"parser" toml:"parser"`

	// Types maps column names to the portable types "text", "integer" and
	// "float". Unlisted columns load as text.
	Types map[string]string `json:"types,omitempty" yaml:"types,omitempty" toml:"types,omitempty"`

	// DeriveUniqueID fills the unique id column with a SHA-256 of these
	// fields when the source has no id of its own.
	DeriveUniqueID []string `json:"derive_unique_id,omitempty" yaml:"derive_unique_id,omitempty" toml:"derive_unique_id,omitempty"`
}

// Parser selects the record decoder: "csv" (default) or "json".
type Parser struct {
	Kind    string  `json:"kind" yaml:"kind" toml:"kind"`
	Options Options `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
}

// Training tunes u sampling and EM.
type Training struct {
	// MaxPairs is the target number of sampled pairs for u estimation.
	MaxPairs float64 `json:"max_pairs" yaml:"max_pairs" toml:"max_pairs"`
	Seed     *int64  `json:"seed,omitempty" yaml:"seed,omitempty" toml:"seed,omitempty"`

	// EMBlockingRules runs one EM session per rule, in order.
	EMBlockingRules []string `json:"em_blocking_rules,omitempty" yaml:"em_blocking_rules,omitempty" toml:"em_blocking_rules,omitempty"`
	MaxIterations   int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" toml:"max_iterations,omitempty"`
	Tolerance       float64  `json:"tolerance,omitempty" yaml:"tolerance,omitempty" toml:"tolerance,omitempty"`
	TrainU          bool     `json:"train_u,omitempty" yaml:"train_u,omitempty" toml:"train_u,omitempty"`
}

// Prediction tunes scoring.
type Prediction struct {
	ThresholdMatchProbability float64 `json:"threshold_match_probability,omitempty" yaml:"threshold_match_probability,omitempty" toml:"threshold_match_probability,omitempty"`
}

// Clustering tunes connected components.
type Clustering struct {
	ThresholdMatchProbability *float64 `json:"threshold_match_probability,omitempty" yaml:"threshold_match_probability,omitempty" toml:"threshold_match_probability,omitempty"`
	ThresholdMatchWeight      *float64 `json:"threshold_match_weight,omitempty" yaml:"threshold_match_weight,omitempty" toml:"threshold_match_weight,omitempty"`

	// Solver is "sql" (default) or "memory".
	Solver            string `json:"solver,omitempty" yaml:"solver,omitempty" toml:"solver,omitempty"`
	MaxIterations     int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" toml:"max_iterations,omitempty"`
	AdmitUnknownNodes bool   `json:"admit_unknown_nodes,omitempty" yaml:"admit_unknown_nodes,omitempty" toml:"admit_unknown_nodes,omitempty"`

	// Thresholds additionally clusters in memory at each match probability
	// listed, for comparing cluster sizes across cut-offs.
	Thresholds []float64 `json:"thresholds,omitempty" yaml:"thresholds,omitempty" toml:"thresholds,omitempty"`
}

// Output says where trained parameters and clusters are persisted. Empty
// paths disable the corresponding store.
type Output struct {
	// ResultsDB is a SQLite file receiving clusters and parameter estimates.
	ResultsDB string `json:"results_db,omitempty" yaml:"results_db,omitempty" toml:"results_db,omitempty"`
	// ParamStoreDir is a badger directory holding settings snapshots.
	ParamStoreDir string `json:"param_store_dir,omitempty" yaml:"param_store_dir,omitempty" toml:"param_store_dir,omitempty"`
	// SettingsPath receives the trained settings as JSON.
	SettingsPath string `json:"settings_path,omitempty" yaml:"settings_path,omitempty" toml:"settings_path,omitempty"`
}

// RuntimeConfig controls loading behavior.
type RuntimeConfig struct {
	BatchSize     int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	ChannelBuffer int `json:"channel_buffer" yaml:"channel_buffer" toml:"channel_buffer"`

	// StrictLoad fails a load on the first bad record instead of skipping it.
	StrictLoad bool `json:"strict_load,omitempty" yaml:"strict_load,omitempty" toml:"strict_load,omitempty"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	Backend string   `json:"backend,omitempty" yaml:"backend,omitempty" toml:"backend,omitempty"`
	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty"`
}

// Load reads and decodes a pipeline file. The decoder follows the extension:
// .json, .yaml/.yml or .toml.
func Load(path string) (Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Decode(filepath.Ext(path), data)
}

// Decode parses data in the format named by ext (with or without the dot).
func Decode(ext string, data []byte) (Pipeline, error) {
	var p Pipeline
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, fmt.Errorf("decode json config: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Pipeline{}, fmt.Errorf("decode yaml config: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &p); err != nil {
			return Pipeline{}, fmt.Errorf("decode toml config: %w", err)
		}
	default:
		return Pipeline{}, fmt.Errorf("unsupported config format %q", ext)
	}
	return p, nil
}

// Encode renders p in the format named by ext, the inverse of Decode.
func Encode(ext string, p Pipeline) ([]byte, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "json":
		b, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json config: %w", err)
		}
		return append(b, '\n'), nil
	case "yaml", "yml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return nil, fmt.Errorf("encode yaml config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode yaml config: %w", err)
		}
		return buf.Bytes(), nil
	case "toml":
		b, err := toml.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode toml config: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
}

// ExpandedDSN returns the storage DSN with environment variables expanded.
func (p Pipeline) ExpandedDSN(expand func(string) string) string {
	if expand == nil {
		expand = os.ExpandEnv
	}
	return expand(p.Storage.DSN)
}
