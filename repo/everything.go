package repo

import (
	"context"

	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/search"
)

// defaultCompartmentKinds are the kinds searched by $everything when the
// caller does not narrow them.
var defaultCompartmentKinds = []string{"Observation", "Encounter", "Condition"}

// Everything returns the focal resource followed by every live resource in
// its compartment, kind by kind.
func (r *Repository) Everything(ctx context.Context, scope Scope, kind, id string, compartmentKinds []string) ([]fhir.Resource, error) {
	focal, err := r.Read(ctx, scope, kind, id)
	if err != nil {
		return nil, err
	}
	if len(compartmentKinds) == 0 {
		compartmentKinds = defaultCompartmentKinds
	}

	out := []fhir.Resource{focal}
	for _, ck := range compartmentKinds {
		if !r.registry.HasKind(ck) || ck == kind {
			continue
		}
		req := &search.Request{
			Kind:        ck,
			Count:       r.searchOpts.MaxCount,
			Compartment: kind + "/" + id,
		}
		result, err := r.Search(ctx, scope, req)
		if err != nil {
			return nil, err
		}
		out = append(out, result.Resources...)
	}
	return out, nil
}
