package querydef

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultCatalog []byte

// DefaultSource names the built-in catalog in errors and logs.
const DefaultSource = "built-in catalog"

// ConfigError reports every invalid definition found while loading a catalog.
// It is fatal: no query runs when loading fails.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid query definitions in %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type fileCatalog struct {
	Queries []fileDefinition `yaml:"queries"`
}

type fileDefinition struct {
	ID      string      `yaml:"id"`
	Label   string      `yaml:"label"`
	Skip    bool        `yaml:"skip"`
	Timeout string      `yaml:"timeout"`
	Key     []string    `yaml:"key"`
	Time    fileRange   `yaml:"time"`
	PromQL  *filePromQL `yaml:"promql"`
	ESQL    *fileESQL   `yaml:"esql"`
}

type fileRange struct {
	Shape  string `yaml:"shape"`
	Window string `yaml:"window"`
	Step   string `yaml:"step"`
	Offset string `yaml:"offset"`
}

type filePromQL struct {
	Expr         string            `yaml:"expr"`
	LabelAliases map[string]string `yaml:"label_aliases"`
}

type fileESQL struct {
	Query         string            `yaml:"query"`
	ValueColumn   string            `yaml:"value_column"`
	TimeColumn    string            `yaml:"time_column"`
	ColumnAliases map[string]string `yaml:"column_aliases"`
}

// Load reads a YAML catalog from path. An empty path selects the built-in catalog.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Defaults()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}
	return LoadBytes(data, path)
}

// Defaults returns the built-in catalog.
func Defaults() (*Registry, error) {
	return LoadBytes(defaultCatalog, DefaultSource)
}

// LoadBytes parses and validates a YAML catalog.
func LoadBytes(data []byte, source string) (*Registry, error) {
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, &ConfigError{Source: source, Err: fmt.Errorf("parse yaml: %w", err)}
	}
	if len(fc.Queries) == 0 {
		return nil, &ConfigError{Source: source, Err: fmt.Errorf("no queries defined")}
	}

	var errs *multierror.Error
	defs := make([]Definition, 0, len(fc.Queries))
	for i, fd := range fc.Queries {
		def, err := fd.convert()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("query #%d (%s): %w", i+1, displayID(fd.ID), err))
			continue
		}
		defs = append(defs, def)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, &ConfigError{Source: source, Err: err}
	}
	return New(defs, source)
}

func displayID(id string) string {
	if id == "" {
		return "<no id>"
	}
	return id
}

func (fd fileDefinition) convert() (Definition, error) {
	var errs *multierror.Error

	def := Definition{
		ID:        strings.TrimSpace(fd.ID),
		Label:     fd.Label,
		Skip:      fd.Skip,
		KeyLabels: fd.Key,
	}

	timeout, err := ParseDuration(fd.Timeout)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("timeout: %w", err))
	}
	def.Timeout = timeout

	tr, err := fd.Time.convert()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	def.Range = tr

	if fd.PromQL != nil {
		def.PromQL = &PromQL{
			Expr:         strings.TrimSpace(fd.PromQL.Expr),
			LabelAliases: fd.PromQL.LabelAliases,
		}
	}
	if fd.ESQL != nil {
		def.ESQL = &ESQL{
			Query:         fd.ESQL.Query,
			ValueColumn:   fd.ESQL.ValueColumn,
			TimeColumn:    fd.ESQL.TimeColumn,
			ColumnAliases: fd.ESQL.ColumnAliases,
		}
		if err := def.ESQL.compile(def.ID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("esql template: %w", err))
		}
	}

	return def, errs.ErrorOrNil()
}

func (fr fileRange) convert() (TimeRange, error) {
	var errs *multierror.Error
	tr := TimeRange{Shape: Shape(strings.ToLower(strings.TrimSpace(fr.Shape)))}
	if tr.Shape == "" {
		tr.Shape = ShapeInstant
	}
	if tr.Shape != ShapeInstant && tr.Shape != ShapeRange {
		errs = multierror.Append(errs, fmt.Errorf("time.shape: unknown shape %q (want instant or range)", fr.Shape))
	}

	var err error
	if tr.Window, err = ParseDuration(fr.Window); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("time.window: %w", err))
	}
	if tr.Step, err = ParseDuration(fr.Step); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("time.step: %w", err))
	}
	if tr.Offset, err = ParseDuration(fr.Offset); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("time.offset: %w", err))
	}
	return tr, errs.ErrorOrNil()
}
