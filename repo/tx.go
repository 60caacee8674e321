package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/search"
)

// TxOps is the repository surface bound to one open transaction. Bundle
// processing routes every entry through it so the whole envelope commits or
// rolls back together. Cache refresh and listener fan-out are deferred until
// the commit succeeds.
type TxOps struct {
	repo    *Repository
	tx      pgx.Tx
	scope   Scope
	pending []WriteEvent
}

// Atomic runs fn against a transactional operation surface. When fn returns
// nil the transaction commits and the deferred write effects fire; any error
// rolls everything back.
func (r *Repository) Atomic(ctx context.Context, scope Scope, fn func(ops *TxOps) error) error {
	var pending []WriteEvent
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		ops := &TxOps{repo: r, tx: tx, scope: scope}
		if err := fn(ops); err != nil {
			return err
		}
		pending = ops.pending
		return nil
	})
	if err != nil {
		return err
	}
	for _, event := range pending {
		r.applyWriteEffects(ctx, event)
	}
	return nil
}

// applyWriteEffects runs the post-commit half of the write state machine.
func (r *Repository) applyWriteEffects(ctx context.Context, event WriteEvent) {
	if event.Operation == OpDelete {
		if err := r.cache.Invalidate(ctx, event.Kind, event.ID); err != nil {
			common.Logger.WithError(err).Warn("resource cache invalidation failed")
		}
	} else if event.Resource != nil {
		if err := r.cache.Put(ctx, event.Resource); err != nil {
			common.Logger.WithError(err).Warn("resource cache write failed")
		}
	}
	r.emit(event)
}

func (o *TxOps) record(op Operation, resource fhir.Resource) {
	o.pending = append(o.pending, WriteEvent{
		Operation: op,
		Kind:      resource.Kind(),
		ID:        resource.ID(),
		VersionID: resource.VersionID(),
		ProjectID: o.scope.ProjectID,
		Resource:  resource,
	})
}

// Create persists a new resource in the transaction, minting its id.
func (o *TxOps) Create(ctx context.Context, resource fhir.Resource) (fhir.Resource, error) {
	return o.CreateWithID(ctx, resource, fhir.NewID())
}

// CreateWithID persists a new resource under a caller-assigned id.
func (o *TxOps) CreateWithID(ctx context.Context, resource fhir.Resource, assignedID string) (fhir.Resource, error) {
	if err := o.repo.validate(resource); err != nil {
		return nil, err
	}
	if !fhir.IsID(assignedID) {
		return nil, fhir.BadRequest("assigned id %q is not a valid id", assignedID)
	}
	persisted := resource.Clone()
	persisted.SetID(assignedID)
	stamp(persisted, o.scope, time.Now().UTC())
	if err := o.repo.persist(ctx, o.tx, persisted, o.scope.ProjectID); err != nil {
		return nil, err
	}
	o.record(OpCreate, persisted)
	return persisted, nil
}

// Update replaces the latest version under the row lock, honoring an
// optional version precondition.
func (o *TxOps) Update(ctx context.Context, resource fhir.Resource, ifMatch string) (fhir.Resource, error) {
	if err := o.repo.validate(resource); err != nil {
		return nil, err
	}
	id := resource.ID()
	if id == "" {
		return nil, fhir.BadRequest("update requires a resource id")
	}
	prev, err := lockRow(ctx, o.tx, resource.Kind(), id)
	if err != nil {
		return nil, err
	}
	if ifMatch != "" && ifMatch != prev.versionID {
		return nil, fhir.VersionConflict(resource.Kind(), id)
	}
	persisted := resource.Clone()
	stampAfter(persisted, o.scope, prev.lastUpdated)
	if err := o.repo.persist(ctx, o.tx, persisted, o.scope.ProjectID); err != nil {
		return nil, err
	}
	o.record(OpUpdate, persisted)
	return persisted, nil
}

// Delete soft-deletes (kind, id) in the transaction.
func (o *TxOps) Delete(ctx context.Context, kind, id string) error {
	if !o.repo.registry.HasKind(kind) {
		return fhir.NotFound(kind, id)
	}
	prev, err := lockRow(ctx, o.tx, kind, id)
	if err != nil {
		return err
	}
	versionID := fhir.NewID()
	lastUpdated := monotonic(time.Now().UTC(), prev.lastUpdated)
	row := deletedRow(o.repo.registry, kind, id, o.scope.ProjectID, lastUpdated)
	if err := execRow(ctx, o.tx, kind, id, versionID, "", lastUpdated, row); err != nil {
		return err
	}
	o.pending = append(o.pending, WriteEvent{
		Operation: OpDelete, Kind: kind, ID: id, VersionID: versionID, ProjectID: o.scope.ProjectID,
	})
	return nil
}

// Read loads the latest version inside the transaction, bypassing the cache
// so reads observe the transaction's own writes.
func (o *TxOps) Read(ctx context.Context, kind, id string) (fhir.Resource, error) {
	if !o.repo.registry.HasKind(kind) {
		return nil, fhir.NotFound(kind, id)
	}
	req := &search.Request{Kind: kind, Count: 1}
	matches, err := o.repo.searchForUpdate(ctx, o.tx, withIDFilter(req, id), o.scope, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fhir.NotFound(kind, id)
	}
	return matches[0], nil
}

// Search runs the request inside the transaction.
func (o *TxOps) Search(ctx context.Context, req *search.Request) ([]fhir.Resource, error) {
	return o.repo.runSearch(ctx, o.tx, req, o.scope)
}

// ConditionalCreate creates unless exactly one resource matches, which is
// then returned unmodified.
func (o *TxOps) ConditionalCreate(ctx context.Context, resource fhir.Resource, req *search.Request) (fhir.Resource, bool, error) {
	if err := o.repo.validate(resource); err != nil {
		return nil, false, err
	}
	matches, err := o.repo.searchForUpdate(ctx, o.tx, req, o.scope, 2)
	if err != nil {
		return nil, false, err
	}
	switch len(matches) {
	case 0:
		created, err := o.Create(ctx, resource)
		if err != nil {
			return nil, false, err
		}
		return created, true, nil
	case 1:
		return matches[0], false, nil
	default:
		return nil, false, fhir.PreconditionFailed("conditional create matched multiple %s resources", req.Kind)
	}
}

// ConditionalUpdate updates the single match or creates under a fresh id.
func (o *TxOps) ConditionalUpdate(ctx context.Context, resource fhir.Resource, req *search.Request) (fhir.Resource, bool, error) {
	if err := o.repo.validate(resource); err != nil {
		return nil, false, err
	}
	matches, err := o.repo.searchForUpdate(ctx, o.tx, req, o.scope, 2)
	if err != nil {
		return nil, false, err
	}
	switch len(matches) {
	case 0:
		body := resource.Clone()
		created, err := o.CreateWithID(ctx, body, fhir.NewID())
		if err != nil {
			return nil, false, err
		}
		return created, true, nil
	case 1:
		body := resource.Clone()
		body.SetID(matches[0].ID())
		updated, err := o.Update(ctx, body, "")
		if err != nil {
			return nil, false, err
		}
		return updated, false, nil
	default:
		return nil, false, fhir.PreconditionFailed("conditional update matched multiple %s resources", req.Kind)
	}
}

// ConditionalDelete soft-deletes every match and returns the count.
func (o *TxOps) ConditionalDelete(ctx context.Context, kind string, req *search.Request) (int, error) {
	matches, err := o.repo.searchForUpdate(ctx, o.tx, req, o.scope, o.repo.searchOpts.MaxCount)
	if err != nil {
		return 0, err
	}
	for _, match := range matches {
		if err := o.Delete(ctx, kind, match.ID()); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}

// withIDFilter narrows a request to one id through the _id special.
func withIDFilter(req *search.Request, id string) *search.Request {
	narrowed := *req
	narrowed.Params = append([]*search.Param{{
		Code:   search.ParamID,
		Values: []search.Value{{Raw: id}},
	}}, req.Params...)
	return &narrowed
}
