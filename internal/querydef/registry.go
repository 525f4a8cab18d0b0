package querydef

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Registry is the read-only catalog of query definitions in declaration order.
type Registry struct {
	defs   []Definition
	source string
}

// New validates defs and builds a registry. Every problem is reported at
// once in a single *ConfigError.
func New(defs []Definition, source string) (*Registry, error) {
	var errs *multierror.Error
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.ID != "" {
			if seen[def.ID] {
				errs = multierror.Append(errs, fmt.Errorf("duplicate query id %q", def.ID))
			}
			seen[def.ID] = true
		}
		for _, err := range Validate(def) {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", displayID(def.ID), err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, &ConfigError{Source: source, Err: err}
	}

	out := make([]Definition, len(defs))
	copy(out, defs)
	return &Registry{defs: out, source: source}, nil
}

// Validate returns every problem with a single definition. Skipped
// definitions only need an id.
func Validate(def Definition) []error {
	var errs []error
	if def.ID == "" {
		errs = append(errs, fmt.Errorf("missing id"))
	}
	if def.Skip {
		return errs
	}

	if def.PromQL == nil || def.PromQL.Expr == "" {
		errs = append(errs, fmt.Errorf("missing promql payload"))
	}
	if def.ESQL == nil || def.ESQL.Query == "" {
		errs = append(errs, fmt.Errorf("missing esql payload"))
	}

	tr := def.Range
	switch tr.Shape {
	case ShapeInstant:
	case ShapeRange:
		if tr.Window <= 0 {
			errs = append(errs, fmt.Errorf("range query needs a positive time.window"))
		}
		if tr.Step <= 0 {
			errs = append(errs, fmt.Errorf("range query needs a positive time.step"))
		} else if tr.Window > 0 && tr.Step > tr.Window {
			errs = append(errs, fmt.Errorf("time.step %s exceeds time.window %s", tr.Step, tr.Window))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown time shape %q", tr.Shape))
	}
	if tr.Offset < 0 || tr.Window < 0 {
		errs = append(errs, fmt.Errorf("negative time offset or window"))
	}
	return errs
}

// ListEnabled returns the non-skipped definitions in declaration order.
func (r *Registry) ListEnabled() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		if !def.Skip {
			out = append(out, def)
		}
	}
	return out
}

// Skipped returns the definitions marked skip, in declaration order.
func (r *Registry) Skipped() []Definition {
	var out []Definition
	for _, def := range r.defs {
		if def.Skip {
			out = append(out, def)
		}
	}
	return out
}

// All returns every definition in declaration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Lookup finds a definition by id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	for _, def := range r.defs {
		if def.ID == id {
			return def, true
		}
	}
	return Definition{}, false
}

// Source is the file the catalog was loaded from.
func (r *Registry) Source() string {
	return r.source
}

func (r *Registry) Len() int {
	return len(r.defs)
}
