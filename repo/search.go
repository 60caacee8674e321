package repo

import (
	"context"

	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/search"
)

// Result is a search outcome: the primary matches, the joined includes, the
// optional accurate total and the next-page signal.
type Result struct {
	Resources []fhir.Resource
	Included  []fhir.Resource
	Total     *int
	HasNext   bool
}

// Search executes a parsed request: the planned SELECT, the optional COUNT
// variant, and the include resolution.
func (r *Repository) Search(ctx context.Context, scope Scope, req *search.Request) (*Result, error) {
	if !r.registry.HasKind(req.Kind) {
		return nil, fhir.InvalidParameter("unknown resource kind %q", req.Kind)
	}

	resources, err := r.runSearch(ctx, r.pg, req, scope)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Resources: resources,
		HasNext:   len(resources) == req.Count,
	}

	if req.Total == search.TotalAccurate || req.Total == search.TotalEstimate {
		total, err := r.runCount(ctx, req, scope)
		if err != nil {
			return nil, err
		}
		result.Total = &total
	}

	if len(req.Includes) > 0 || len(req.RevIncludes) > 0 {
		included, err := r.resolveIncludes(ctx, scope, req, resources)
		if err != nil {
			return nil, err
		}
		result.Included = included
	}
	return result, nil
}

// runSearch executes the planned primary query on the given querier.
func (r *Repository) runSearch(ctx context.Context, q rowQuerier, req *search.Request, scope Scope) ([]fhir.Resource, error) {
	query, args, err := planSelect(r.registry, req, scope)
	if err != nil {
		return nil, classify(err)
	}
	return scanResources(ctx, q, query, args)
}

func (r *Repository) runCount(ctx context.Context, req *search.Request, scope Scope) (int, error) {
	query, args, err := planCount(r.registry, req, scope)
	if err != nil {
		return 0, classify(err)
	}
	var total int
	if err := r.pg.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, classify(err)
	}
	return total, nil
}

// scanResources reads (id, content) rows into resources.
func scanResources(ctx context.Context, q rowQuerier, query string, args []interface{}) ([]fhir.Resource, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []fhir.Resource
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, classify(err)
		}
		resource, err := fhir.ParseResource([]byte(content))
		if err != nil {
			return nil, fhir.Internal(err)
		}
		out = append(out, resource)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
