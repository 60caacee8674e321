package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/search"
)

// searchForUpdate runs the request inside the transaction with the matched
// rows locked, eliminating check-then-act races against concurrent writers.
func (r *Repository) searchForUpdate(ctx context.Context, tx pgx.Tx, req *search.Request, scope Scope, limit int) ([]fhir.Resource, error) {
	locked := *req
	locked.Count = limit
	locked.Offset = 0

	where, err := buildWhere(r.registry, &locked, scope)
	if err != nil {
		return nil, err
	}
	query, args, err := psql.Select(db.Quote("id"), db.Quote("content")).
		From(db.Quote(db.MainTable(locked.Kind))).
		Where(where).
		Limit(uint64(limit)).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanResources(ctx, tx, query, args)
}

// ConditionalCreate creates the resource unless the search matches exactly
// one existing resource, which is then returned unmodified. More than one
// match fails the precondition.
func (r *Repository) ConditionalCreate(ctx context.Context, scope Scope, resource fhir.Resource, req *search.Request) (fhir.Resource, bool, error) {
	if err := r.validate(resource); err != nil {
		return nil, false, err
	}

	var outcome fhir.Resource
	created := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		matches, err := r.searchForUpdate(ctx, tx, req, scope, 2)
		if err != nil {
			return err
		}
		switch len(matches) {
		case 0:
			persisted := resource.Clone()
			persisted.SetID(fhir.NewID())
			stamp(persisted, scope, time.Now().UTC())
			if err := r.persist(ctx, tx, persisted, scope.ProjectID); err != nil {
				return err
			}
			outcome = persisted
			created = true
			return nil
		case 1:
			outcome = matches[0]
			return nil
		default:
			return fhir.PreconditionFailed("conditional create matched multiple %s resources", req.Kind)
		}
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		r.afterWrite(ctx, OpCreate, outcome, scope)
	}
	return outcome, created, nil
}

// ConditionalUpdate updates the single match, or creates under a freshly
// minted id when nothing matches; an id carried by the body is discarded in
// the create case.
func (r *Repository) ConditionalUpdate(ctx context.Context, scope Scope, resource fhir.Resource, req *search.Request) (fhir.Resource, bool, error) {
	if err := r.validate(resource); err != nil {
		return nil, false, err
	}

	var outcome fhir.Resource
	created := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		matches, err := r.searchForUpdate(ctx, tx, req, scope, 2)
		if err != nil {
			return err
		}
		persisted := resource.Clone()
		switch len(matches) {
		case 0:
			persisted.SetID(fhir.NewID())
			stamp(persisted, scope, time.Now().UTC())
			created = true
		case 1:
			persisted.SetID(matches[0].ID())
			prev, err := lockRow(ctx, tx, req.Kind, matches[0].ID())
			if err != nil {
				return err
			}
			stampAfter(persisted, scope, prev.lastUpdated)
		default:
			return fhir.PreconditionFailed("conditional update matched multiple %s resources", req.Kind)
		}
		if err := r.persist(ctx, tx, persisted, scope.ProjectID); err != nil {
			return err
		}
		outcome = persisted
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	op := OpUpdate
	if created {
		op = OpCreate
	}
	r.afterWrite(ctx, op, outcome, scope)
	return outcome, created, nil
}

// ConditionalDelete soft-deletes every match and returns the count.
func (r *Repository) ConditionalDelete(ctx context.Context, scope Scope, kind string, req *search.Request) (int, error) {
	if !r.registry.HasKind(kind) {
		return 0, fhir.InvalidParameter("unknown resource kind %q", kind)
	}

	type deletion struct {
		id        string
		versionID string
	}
	var deletions []deletion
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		matches, err := r.searchForUpdate(ctx, tx, req, scope, r.searchOpts.MaxCount)
		if err != nil {
			return err
		}
		for _, match := range matches {
			prev, err := lockRow(ctx, tx, kind, match.ID())
			if err != nil {
				return err
			}
			versionID := fhir.NewID()
			lastUpdated := monotonic(time.Now().UTC(), prev.lastUpdated)
			row := deletedRow(r.registry, kind, match.ID(), scope.ProjectID, lastUpdated)
			if err := execRow(ctx, tx, kind, match.ID(), versionID, "", lastUpdated, row); err != nil {
				return err
			}
			deletions = append(deletions, deletion{id: match.ID(), versionID: versionID})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, d := range deletions {
		if cerr := r.cache.Invalidate(ctx, kind, d.id); cerr != nil {
			common.Logger.WithError(cerr).Warn("resource cache invalidation failed")
		}
	}
	for _, d := range deletions {
		r.emit(WriteEvent{Operation: OpDelete, Kind: kind, ID: d.id, VersionID: d.versionID, ProjectID: scope.ProjectID})
	}
	return len(deletions), nil
}
