package search

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Special parameter codes recognized for every kind. They map to fixed
// columns and bypass the per-kind catalog.
const (
	ParamID          = "_id"
	ParamLastUpdated = "_lastUpdated"
	ParamProfile     = "_profile"
	ParamSource      = "_source"
	ParamTag         = "_tag"
	ParamSecurity    = "_security"
	ParamCompartment = "_compartment"
)

var specials = map[string]*Parameter{
	ParamID:          {Code: ParamID, Type: TypeSpecial},
	ParamLastUpdated: {Code: ParamLastUpdated, Type: TypeDate, Strategy: StrategyColumn, Name: "lastUpdated"},
	ParamProfile:     {Code: ParamProfile, Type: TypeURI, Array: true, Name: "_profile"},
	ParamSource:      {Code: ParamSource, Type: TypeURI, Name: "_source"},
	ParamTag:         {Code: ParamTag, Type: TypeToken, Strategy: StrategyTokenColumn, Name: "tag", Array: true},
	ParamSecurity:    {Code: ParamSecurity, Type: TypeToken, Strategy: StrategyTokenColumn, Name: "security", Array: true},
	ParamCompartment: {Code: ParamCompartment, Type: TypeSpecial},
}

// Registry is the indexed catalog of search parameters: kind to code to
// implementation, with a fallback to the kind-independent specials. It is
// built during startup and read-only thereafter; administrative re-indexing
// swaps the whole registry atomically.
type Registry struct {
	byKind map[string]map[string]*Parameter
	kinds  []string
}

// NewRegistry builds a registry from the given parameter definitions.
// Registering two implementations for the same (kind, code) is an error.
func NewRegistry(params []*Parameter) (*Registry, error) {
	r := &Registry{byKind: make(map[string]map[string]*Parameter)}
	for _, p := range params {
		if p.Code == "" {
			return nil, fmt.Errorf("search parameter without a code")
		}
		if len(p.ResourceTypes) == 0 {
			return nil, fmt.Errorf("search parameter %q declares no resource types", p.Code)
		}
		for _, kind := range p.ResourceTypes {
			kindParams, ok := r.byKind[kind]
			if !ok {
				kindParams = make(map[string]*Parameter)
				r.byKind[kind] = kindParams
				r.kinds = append(r.kinds, kind)
			}
			if _, dup := kindParams[p.Code]; dup {
				return nil, fmt.Errorf("duplicate search parameter %s for kind %s", p.Code, kind)
			}
			kindParams[p.Code] = p
		}
	}
	sort.Strings(r.kinds)
	return r, nil
}

// DefaultRegistry builds the registry from the built-in catalog plus any
// operator-supplied YAML definition files.
func DefaultRegistry(definitionFiles ...string) (*Registry, error) {
	params := builtinParameters()
	for _, file := range definitionFiles {
		extra, err := LoadDefinitions(file)
		if err != nil {
			return nil, err
		}
		params = append(params, extra...)
	}
	return NewRegistry(params)
}

// Lookup resolves (kind, code) to a parameter implementation, falling back
// to the kind-independent specials.
func (r *Registry) Lookup(kind, code string) (*Parameter, bool) {
	if kindParams, ok := r.byKind[kind]; ok {
		if p, ok := kindParams[code]; ok {
			return p, true
		}
	}
	p, ok := specials[code]
	return p, ok
}

// Special reports whether code is a kind-independent special parameter.
func Special(code string) bool {
	_, ok := specials[code]
	return ok
}

// Parameters returns the declared parameters for a kind, sorted by code.
// Specials are not included.
func (r *Registry) Parameters(kind string) []*Parameter {
	kindParams, ok := r.byKind[kind]
	if !ok {
		return nil
	}
	out := make([]*Parameter, 0, len(kindParams))
	for _, p := range kindParams {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Kinds returns every kind with at least one declared parameter.
func (r *Registry) Kinds() []string {
	return r.kinds
}

// HasKind reports whether the kind is known to the registry.
func (r *Registry) HasKind(kind string) bool {
	_, ok := r.byKind[kind]
	return ok
}

// definitionFile is the YAML shape of an operator-supplied definition file.
type definitionFile struct {
	Parameters []*Parameter `yaml:"parameters"`
}

// LoadDefinitions reads additional parameter definitions from a YAML file.
func LoadDefinitions(path string) ([]*Parameter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read search parameter definitions %s: %w", path, err)
	}
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse search parameter definitions %s: %w", path, err)
	}
	return file.Parameters, nil
}
