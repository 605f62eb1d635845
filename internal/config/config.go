// Package config defines the pipeline configuration decoded from JSON and
// its validation rules. Loading is left to callers (cmd decodes the file);
// this package owns the shape, the defaults and the issue reporting.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"runtime"
)

type Pipeline struct {
	Job     string        `json:"job"`
	Source  Source        `json:"source"`
	Parser  Parser        `json:"parser"`
	Storage Storage       `json:"storage"`
	Rules   Rules         `json:"rules"`
	Runtime RuntimeConfig `json:"runtime"`
}

type Source struct {
	Kind string      `json:"kind"` // "csv" | "json" | "html"
	File *FileSource `json:"file,omitempty"`
}

type FileSource struct {
	Path string `json:"path"`
}

type Parser struct {
	Options Options `json:"options"`
}

type Storage struct {
	// Backend kind: "postgres" | "mssql" | "sqlite"
	Kind string `json:"kind"`
	DSN  string `json:"dsn"`
}

// Rules carries the data-quality thresholds the loader and validator share.
type Rules struct {
	AmountMin *float64 `json:"amount_min,omitempty"`
	AmountMax *float64 `json:"amount_max,omitempty"`

	// Regular expression patterns for format validation. Empty disables the
	// corresponding format check.
	CustomerKeyPattern   string `json:"customer_key_pattern,omitempty"`
	TransactionIDPattern string `json:"transaction_id_pattern,omitempty"`
}

// RuntimeConfig controls pipeline execution behavior.
type RuntimeConfig struct {
	NormalizeWorkers int `json:"normalize_workers"`
	LoaderWorkers    int `json:"loader_workers"`
	BatchSize        int `json:"batch_size"`
	ChannelBuffer    int `json:"channel_buffer"`
}

const (
	DefaultAmountMin = -50000
	DefaultAmountMax = 50000
)

// Load reads and decodes a pipeline config file, expands environment
// variables in the DSN, and fills defaults. It does not validate; callers
// run ValidatePipeline and decide what to do with the issues.
func Load(path string) (Pipeline, error) {
	var p Pipeline
	f, err := os.Open(path)
	if err != nil {
		return p, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("decode config %s: %w", path, err)
	}
	return WithDefaults(p), nil
}

// WithDefaults returns a copy of p with zero-valued knobs replaced by their
// defaults and the DSN passed through os.ExpandEnv so configs can reference
// credentials as ${PGPASSWORD} instead of inlining them.
func WithDefaults(p Pipeline) Pipeline {
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)

	if p.Rules.AmountMin == nil {
		v := float64(DefaultAmountMin)
		p.Rules.AmountMin = &v
	}
	if p.Rules.AmountMax == nil {
		v := float64(DefaultAmountMax)
		p.Rules.AmountMax = &v
	}

	if p.Runtime.NormalizeWorkers <= 0 {
		p.Runtime.NormalizeWorkers = runtime.NumCPU()
	}
	if p.Runtime.LoaderWorkers <= 0 {
		p.Runtime.LoaderWorkers = 4
	}
	if p.Runtime.BatchSize <= 0 {
		p.Runtime.BatchSize = 500
	}
	if p.Runtime.ChannelBuffer <= 0 {
		p.Runtime.ChannelBuffer = 256
	}
	return p
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

var storageKinds = map[string]bool{"sqlite": true, "postgres": true, "mssql": true}
var sourceKinds = map[string]bool{"csv": true, "json": true, "html": true}

// ValidatePipeline checks a pipeline config for structural problems. It
// returns all issues found; callers treat SeverityError as fatal.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	errf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityWarning, path, fmt.Sprintf(format, args...)})
	}

	if p.Job == "" {
		warnf("job", "empty job name, metrics will use a generic label")
	}

	if !sourceKinds[p.Source.Kind] {
		errf("source.kind", "unknown source kind %q (want csv, json or html)", p.Source.Kind)
	}
	if p.Source.File == nil || p.Source.File.Path == "" {
		errf("source.file.path", "missing source file path")
	}

	if !storageKinds[p.Storage.Kind] {
		errf("storage.kind", "unknown storage kind %q (want sqlite, postgres or mssql)", p.Storage.Kind)
	}
	if p.Storage.DSN == "" {
		errf("storage.dsn", "missing DSN")
	}

	if p.Rules.AmountMin != nil && p.Rules.AmountMax != nil && *p.Rules.AmountMin >= *p.Rules.AmountMax {
		errf("rules.amount_min", "amount_min %v is not below amount_max %v",
			*p.Rules.AmountMin, *p.Rules.AmountMax)
	}
	for path, pat := range map[string]string{
		"rules.customer_key_pattern":   p.Rules.CustomerKeyPattern,
		"rules.transaction_id_pattern": p.Rules.TransactionIDPattern,
	} {
		if pat == "" {
			continue
		}
		if _, err := regexp.Compile(pat); err != nil {
			errf(path, "invalid pattern: %v", err)
		}
	}

	if p.Runtime.NormalizeWorkers < 0 || p.Runtime.LoaderWorkers < 0 {
		errf("runtime", "negative worker counts")
	}
	if p.Runtime.BatchSize < 0 {
		errf("runtime.batch_size", "negative batch size")
	}
	return issues
}
