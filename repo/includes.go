package repo

import (
	"context"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/fhirpath"
	"github.com/vitalbase/vitalbase/search"
)

// maxIterateHops bounds :iterate include passes so cyclic reference graphs
// terminate.
const maxIterateHops = 3

// resolveIncludes loads the joined resources for _include and _revinclude.
// Results are deduplicated by (kind, id) and never contain a primary match.
func (r *Repository) resolveIncludes(ctx context.Context, scope Scope, req *search.Request, matches []fhir.Resource) ([]fhir.Resource, error) {
	seen := map[fhir.Reference]bool{}
	for _, m := range matches {
		seen[fhir.Reference{Kind: m.Kind(), ID: m.ID()}] = true
	}

	var included []fhir.Resource
	add := func(resources []fhir.Resource) []fhir.Resource {
		var fresh []fhir.Resource
		for _, res := range resources {
			key := fhir.Reference{Kind: res.Kind(), ID: res.ID()}
			if seen[key] {
				continue
			}
			seen[key] = true
			included = append(included, res)
			fresh = append(fresh, res)
		}
		return fresh
	}

	var plain, iterate []search.Include
	for _, inc := range req.Includes {
		if inc.Iterate {
			iterate = append(iterate, inc)
		} else {
			plain = append(plain, inc)
		}
	}

	loaded, err := r.loadReferences(ctx, r.collectReferences(matches, plain), seen)
	if err != nil {
		return nil, err
	}
	fresh := add(loaded)

	// Iterate mode re-applies its rules against the union of primary and
	// already-included resources, stopping early when a pass adds nothing.
	frontier := append(append([]fhir.Resource{}, matches...), fresh...)
	for hop := 0; hop < maxIterateHops && len(iterate) > 0 && len(frontier) > 0; hop++ {
		loaded, err := r.loadReferences(ctx, r.collectReferences(frontier, iterate), seen)
		if err != nil {
			return nil, err
		}
		frontier = add(loaded)
	}

	for _, rev := range req.RevIncludes {
		sources, err := r.loadRevIncluded(ctx, rev, matches)
		if err != nil {
			return nil, err
		}
		add(sources)
	}
	return included, nil
}

// collectReferences gathers the forward references the rules select out of
// the given resources, grouped by target kind. Wildcard rules deep-walk the
// whole document for reference substructures.
func (r *Repository) collectReferences(resources []fhir.Resource, rules []search.Include) map[string][]string {
	targets := map[string]map[string]bool{}
	record := func(raw string) {
		ref, ok := fhir.ParseReference(raw)
		if !ok || !fhir.IsID(ref.ID) || !r.registry.HasKind(ref.Kind) {
			return
		}
		if targets[ref.Kind] == nil {
			targets[ref.Kind] = map[string]bool{}
		}
		targets[ref.Kind][ref.ID] = true
	}

	for _, rule := range rules {
		for _, res := range resources {
			if rule.Wildcard {
				fhir.WalkReferences(map[string]interface{}(res), record)
				continue
			}
			if res.Kind() != rule.Kind {
				continue
			}
			impl, ok := r.registry.Lookup(rule.Kind, rule.Code)
			if !ok || impl == nil || impl.Type != search.TypeReference {
				continue
			}
			for _, raw := range referenceStrings(fhirpath.Extract(res, impl.Expression)) {
				record(raw)
			}
		}
	}

	out := map[string][]string{}
	for kind, ids := range targets {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		out[kind] = list
	}
	return out
}

// loadReferences bulk-loads the collected targets kind by kind, skipping
// ids already seen.
func (r *Repository) loadReferences(ctx context.Context, targets map[string][]string, seen map[fhir.Reference]bool) ([]fhir.Resource, error) {
	kinds := make([]string, 0, len(targets))
	for kind := range targets {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var out []fhir.Resource
	for _, kind := range kinds {
		var wanted []string
		for _, id := range targets[kind] {
			if !seen[fhir.Reference{Kind: kind, ID: id}] {
				wanted = append(wanted, id)
			}
		}
		if len(wanted) == 0 {
			continue
		}
		loaded, err := r.bulkLoad(ctx, kind, wanted)
		if err != nil {
			return nil, err
		}
		out = append(out, loaded...)
	}
	return out, nil
}

// loadRevIncluded loads resources of rev.Kind whose rev.Code reference
// points at one of the primary matches, via the per-kind references table.
func (r *Repository) loadRevIncluded(ctx context.Context, rev search.Include, matches []fhir.Resource) ([]fhir.Resource, error) {
	if rev.Wildcard || !r.registry.HasKind(rev.Kind) {
		return nil, nil
	}
	targetIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		if fhir.IsID(m.ID()) {
			targetIDs = append(targetIDs, m.ID())
		}
	}
	if len(targetIDs) == 0 {
		return nil, nil
	}

	query, args, err := psql.Select("DISTINCT " + db.Quote("resourceId")).
		From(db.Quote(db.ReferencesTable(rev.Kind))).
		Where(sq.Expr(db.Quote("targetId")+" = ANY(?::uuid[])", targetIDs)).
		Where(sq.Eq{db.Quote("code"): rev.Code}).
		ToSql()
	if err != nil {
		return nil, classify(err)
	}
	rows, err := r.pg.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var sourceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		sourceIDs = append(sourceIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	sort.Strings(sourceIDs)
	return r.bulkLoad(ctx, rev.Kind, sourceIDs)
}

// bulkLoad fetches live resources of one kind by id.
func (r *Repository) bulkLoad(ctx context.Context, kind string, ids []string) ([]fhir.Resource, error) {
	query, args, err := psql.Select(db.Quote("id"), db.Quote("content")).
		From(db.Quote(db.MainTable(kind))).
		Where(sq.Expr(db.Quote("id")+" = ANY(?::uuid[])", ids)).
		Where(sq.Eq{db.Quote("deleted"): false}).
		ToSql()
	if err != nil {
		return nil, classify(err)
	}
	return scanResources(ctx, r.pg, query, args)
}
