// Package search holds the search parameter catalog and the query grammar:
// the registry of declared parameters per resource kind, the restricted
// expression each parameter indexes along, and the parser that turns a query
// string into a structured search request.
package search

import (
	"strings"
)

// Type is the search parameter type from the grammar.
type Type string

const (
	TypeToken     Type = "token"
	TypeString    Type = "string"
	TypeDate      Type = "date"
	TypeReference Type = "reference"
	TypeNumber    Type = "number"
	TypeQuantity  Type = "quantity"
	TypeURI       Type = "uri"
	TypeComposite Type = "composite"
	TypeSpecial   Type = "special"
)

// Strategy selects how a parameter's values are stored on the main row.
type Strategy string

const (
	// StrategyColumn stores a single primitive (or array of primitives) in a
	// dedicated column named after the parameter.
	StrategyColumn Strategy = "column"

	// StrategyTokenColumn stores three columns: a fixed-width hash array, a
	// parallel "system|code" text array and a scalar sort/display column.
	StrategyTokenColumn Strategy = "token-column"

	// StrategyLookupTable stores a scalar sort column on the main row and
	// rewrites the full values into one of the four shared lookup tables.
	StrategyLookupTable Strategy = "lookup-table"
)

// LookupTable names one of the four shared lookup tables.
type LookupTable string

const (
	LookupHumanName    LookupTable = "HumanName"
	LookupAddress      LookupTable = "Address"
	LookupContactPoint LookupTable = "ContactPoint"
	LookupIdentifier   LookupTable = "Identifier"
)

// Parameter is one declared search parameter implementation. At most one
// implementation is registered per (kind, code).
type Parameter struct {
	// Code is the query-string name of the parameter.
	Code string `yaml:"code"`

	// Type is the grammar type.
	Type Type `yaml:"type"`

	// ResourceTypes lists the kinds the parameter applies to.
	ResourceTypes []string `yaml:"resourceTypes"`

	// Expression is the restricted path the indexer extracts along.
	Expression string `yaml:"expression"`

	// Strategy selects the storage layout.
	Strategy Strategy `yaml:"strategy"`

	// Name overrides the canonical column name suffix derived from Code.
	Name string `yaml:"name,omitempty"`

	// Array marks parameters whose source can yield multiple values.
	Array bool `yaml:"array,omitempty"`

	// Lookup names the shared table for StrategyLookupTable parameters.
	Lookup LookupTable `yaml:"lookup,omitempty"`

	// LookupColumn is the lookup-table column this parameter queries; empty
	// means the table's primary text column.
	LookupColumn string `yaml:"lookupColumn,omitempty"`

	// Targets lists the kinds a reference parameter may point at; used by
	// chained searches to resolve an unqualified chain.
	Targets []string `yaml:"targets,omitempty"`
}

// CanonicalName returns the column name suffix for the parameter: the Name
// override when set, otherwise the code with hyphenated segments camel-cased
// ("address-city" becomes "addressCity").
func (p *Parameter) CanonicalName() string {
	if p.Name != "" {
		return p.Name
	}
	parts := strings.Split(p.Code, "-")
	name := parts[0]
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		name += strings.ToUpper(part[:1]) + part[1:]
	}
	return name
}

// ColumnName returns the main-row column holding the parameter's value for
// StrategyColumn parameters.
func (p *Parameter) ColumnName() string {
	return p.CanonicalName()
}

// TokenColumn returns the hash-array column for StrategyTokenColumn.
func (p *Parameter) TokenColumn() string {
	return "__" + p.CanonicalName()
}

// TokenTextColumn returns the "system|code" text-array column.
func (p *Parameter) TokenTextColumn() string {
	return "__" + p.CanonicalName() + "Text"
}

// SortColumn returns the scalar sort/display column used by ORDER BY, :text
// and lookup-table sorting.
func (p *Parameter) SortColumn() string {
	return "__" + p.CanonicalName() + "Sort"
}

// ColumnType returns the canonical relational type of the parameter's main
// column for StrategyColumn parameters.
func (p *Parameter) ColumnType() string {
	switch p.Type {
	case TypeDate:
		return "timestamptz"
	case TypeNumber, TypeQuantity:
		return "double precision"
	default:
		if p.Array {
			return "text[]"
		}
		return "text"
	}
}

// AppliesTo reports whether the parameter is declared for the kind.
func (p *Parameter) AppliesTo(kind string) bool {
	for _, rt := range p.ResourceTypes {
		if rt == kind {
			return true
		}
	}
	return false
}
