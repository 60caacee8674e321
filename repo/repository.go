package repo

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vitalbase/vitalbase/cache"
	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/search"
)

// Operation names a write kind for listeners and audit records.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// WriteEvent describes one committed write. Resource is nil for deletes.
type WriteEvent struct {
	Operation Operation
	Kind      string
	ID        string
	VersionID string
	ProjectID string
	Resource  fhir.Resource
}

// WriteListener receives committed writes. Listeners run on their own
// goroutine after the transaction commits; a panicking or slow listener
// never affects the triggering operation.
type WriteListener func(event WriteEvent)

// rowQuerier is the read-path statement surface shared by the pool and a
// transaction.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// querier adds statement execution; only transactions satisfy it here, the
// pool wrapper exposes a narrower Exec.
type querier interface {
	rowQuerier
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

var (
	_ rowQuerier = (*db.PostgresDB)(nil)
	_ querier    = (pgx.Tx)(nil)
)

// Repository is the public persistence surface: create, read, update,
// delete, history, search and their conditional variants. Every mutating
// operation runs inside a single database transaction.
type Repository struct {
	pg         *db.PostgresDB
	registry   *search.Registry
	cache      cache.ResourceCache
	searchOpts search.Options
	listeners  []WriteListener
}

// NewRepository wires the repository over the pool, registry and cache.
func NewRepository(pg *db.PostgresDB, registry *search.Registry, resourceCache cache.ResourceCache, searchOpts search.Options) *Repository {
	if resourceCache == nil {
		resourceCache = cache.Noop{}
	}
	searchOpts.Registry = registry
	if searchOpts.DefaultCount <= 0 {
		searchOpts.DefaultCount = 20
	}
	if searchOpts.MaxCount <= 0 {
		searchOpts.MaxCount = 1000
	}
	return &Repository{
		pg:         pg,
		registry:   registry,
		cache:      resourceCache,
		searchOpts: searchOpts,
	}
}

// Registry exposes the search parameter registry.
func (r *Repository) Registry() *search.Registry { return r.registry }

// SearchOptions exposes the configured parser options.
func (r *Repository) SearchOptions() search.Options { return r.searchOpts }

// OnWrite registers a listener for committed writes.
func (r *Repository) OnWrite(listener WriteListener) {
	r.listeners = append(r.listeners, listener)
}

func (r *Repository) emit(event WriteEvent) {
	for _, listener := range r.listeners {
		go func(l WriteListener) {
			defer func() {
				if rec := recover(); rec != nil {
					common.Logger.WithField("panic", rec).Error("write listener panicked")
				}
			}()
			l(event)
		}(listener)
	}
}

// inTx runs fn inside one transaction, rolling back on error.
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pg.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Create persists a new resource, minting its id.
func (r *Repository) Create(ctx context.Context, scope Scope, resource fhir.Resource) (fhir.Resource, error) {
	return r.CreateWithID(ctx, scope, resource, fhir.NewID())
}

// CreateWithID persists a new resource under a caller-assigned id. Used by
// update-as-create and transactional bundles.
func (r *Repository) CreateWithID(ctx context.Context, scope Scope, resource fhir.Resource, assignedID string) (fhir.Resource, error) {
	if err := r.validate(resource); err != nil {
		return nil, err
	}
	if !fhir.IsID(assignedID) {
		return nil, fhir.BadRequest("assigned id %q is not a valid id", assignedID)
	}

	persisted := resource.Clone()
	persisted.SetID(assignedID)
	stamp(persisted, scope, time.Now().UTC())

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		return r.persist(ctx, tx, persisted, scope.ProjectID)
	})
	if err != nil {
		return nil, err
	}
	r.afterWrite(ctx, OpCreate, persisted, scope)
	return persisted, nil
}

// Read returns the latest version of (kind, id). The resource cache is
// consulted here and nowhere else.
func (r *Repository) Read(ctx context.Context, scope Scope, kind, id string) (fhir.Resource, error) {
	if !r.registry.HasKind(kind) {
		return nil, fhir.NotFound(kind, id)
	}
	if cached, err := r.cache.Get(ctx, kind, id); err != nil {
		common.Logger.WithError(err).Warn("resource cache read failed")
	} else if cached != nil && r.visible(cached, scope) {
		return cached, nil
	}

	query, args, err := psql.Select(db.Quote("content"), db.Quote("deleted")).
		From(db.Quote(db.MainTable(kind))).
		Where(sq.Eq{db.Quote("id"): id}).
		ToSql()
	if err != nil {
		return nil, classify(err)
	}

	var content string
	var deleted bool
	row := r.pg.QueryRow(ctx, query, args...)
	if err := row.Scan(&content, &deleted); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fhir.NotFound(kind, id)
		}
		return nil, classify(err)
	}
	if deleted {
		return nil, fhir.Gone(kind, id)
	}

	resource, err := fhir.ParseResource([]byte(content))
	if err != nil {
		return nil, fhir.Internal(err)
	}
	if !r.visible(resource, scope) {
		return nil, fhir.NotFound(kind, id)
	}
	if err := r.cache.Put(ctx, resource); err != nil {
		common.Logger.WithError(err).Warn("resource cache write failed")
	}
	return resource, nil
}

// Update replaces the latest version of the resource under a row lock,
// honoring an optional version precondition.
func (r *Repository) Update(ctx context.Context, scope Scope, resource fhir.Resource, ifMatch string) (fhir.Resource, error) {
	if err := r.validate(resource); err != nil {
		return nil, err
	}
	id := resource.ID()
	if id == "" {
		return nil, fhir.BadRequest("update requires a resource id")
	}
	kind := resource.Kind()

	persisted := resource.Clone()
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		prev, err := lockRow(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		if ifMatch != "" && ifMatch != prev.versionID {
			return fhir.VersionConflict(kind, id)
		}
		stampAfter(persisted, scope, prev.lastUpdated)
		return r.persist(ctx, tx, persisted, scope.ProjectID)
	})
	if err != nil {
		return nil, err
	}
	r.afterWrite(ctx, OpUpdate, persisted, scope)
	return persisted, nil
}

// Delete soft-deletes (kind, id): the main row flips to deleted with empty
// content, a tombstone history row is appended, and the derived reference
// and lookup rows are removed.
func (r *Repository) Delete(ctx context.Context, scope Scope, kind, id string) error {
	if !r.registry.HasKind(kind) {
		return fhir.NotFound(kind, id)
	}
	versionID := fhir.NewID()
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		prev, err := lockRow(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		lastUpdated := monotonic(time.Now().UTC(), prev.lastUpdated)
		row := deletedRow(r.registry, kind, id, scope.ProjectID, lastUpdated)
		return execRow(ctx, tx, kind, id, versionID, "", lastUpdated, row)
	})
	if err != nil {
		return err
	}
	if cerr := r.cache.Invalidate(ctx, kind, id); cerr != nil {
		common.Logger.WithError(cerr).Warn("resource cache invalidation failed")
	}
	r.emit(WriteEvent{Operation: OpDelete, Kind: kind, ID: id, VersionID: versionID, ProjectID: scope.ProjectID})
	return nil
}

// validate enforces the minimal resource invariants at the write boundary.
func (r *Repository) validate(resource fhir.Resource) error {
	kind := resource.Kind()
	if kind == "" {
		return fhir.BadRequest("resource is missing the required kind field")
	}
	if !r.registry.HasKind(kind) {
		return fhir.BadRequest("unknown resource kind %q", kind)
	}
	return nil
}

// visible applies the tenant filter to an already-loaded resource, the same
// rule the planner appends as the "projectId" predicate: a project-scoped
// caller sees only its own project's resources.
func (r *Repository) visible(resource fhir.Resource, scope Scope) bool {
	if scope.ProjectID == "" {
		return true
	}
	project, _ := resource.Meta()["project"].(string)
	return project == scope.ProjectID
}

// persist executes the write half of the state machine for a live resource:
// main UPSERT, history INSERT, reference rewrite, lookup rewrite.
func (r *Repository) persist(ctx context.Context, tx pgx.Tx, resource fhir.Resource, projectID string) error {
	content, err := resource.JSON()
	if err != nil {
		return err
	}
	row, err := buildRow(r.registry, resource, content, projectID)
	if err != nil {
		return err
	}
	lastUpdated, _ := resource.LastUpdated()
	return execRow(ctx, tx, resource.Kind(), resource.ID(), resource.VersionID(), string(content), lastUpdated, row)
}

// execRow runs the shared statement sequence of create, update and delete.
func execRow(ctx context.Context, q querier, kind, id, versionID, content string, lastUpdated time.Time, row *Row) error {
	query, args, err := upsertMain(kind, row)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return err
	}

	query, args, err = insertHistory(kind, versionID, id, content, lastUpdated)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return err
	}

	query, args, err = deleteReferences(kind, id)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return err
	}
	if len(row.References) > 0 {
		query, args, err = insertReferences(kind, id, row.References)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, query, args...); err != nil {
			return err
		}
	}

	for _, table := range []search.LookupTable{
		search.LookupHumanName, search.LookupAddress, search.LookupContactPoint, search.LookupIdentifier,
	} {
		query, args, err = deleteLookup(table, id)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, query, args...); err != nil {
			return err
		}
		rows := row.Lookups[table]
		if len(rows) == 0 {
			continue
		}
		query, args, err = insertLookup(table, id, rows)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// lockedRow is the pre-image surfaced by SELECT FOR UPDATE.
type lockedRow struct {
	versionID   string
	lastUpdated time.Time
}

// lockRow takes the per-id row lock and checks existence and liveness.
func lockRow(ctx context.Context, q querier, kind, id string) (*lockedRow, error) {
	query, args, err := selectForUpdate(kind, id)
	if err != nil {
		return nil, err
	}
	var rowID, content string
	var deleted bool
	var lastUpdated time.Time
	if err := q.QueryRow(ctx, query, args...).Scan(&rowID, &content, &deleted, &lastUpdated); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fhir.NotFound(kind, id)
		}
		return nil, err
	}
	if deleted {
		return nil, fhir.Gone(kind, id)
	}
	prev := &lockedRow{lastUpdated: lastUpdated}
	if resource, perr := fhir.ParseResource([]byte(content)); perr == nil {
		prev.versionID = resource.VersionID()
	}
	return prev, nil
}

// afterWrite refreshes the cache and fires listeners. Both are best-effort.
func (r *Repository) afterWrite(ctx context.Context, op Operation, resource fhir.Resource, scope Scope) {
	if err := r.cache.Put(ctx, resource); err != nil {
		common.Logger.WithError(err).Warn("resource cache write failed")
	}
	r.emit(WriteEvent{
		Operation: op,
		Kind:      resource.Kind(),
		ID:        resource.ID(),
		VersionID: resource.VersionID(),
		ProjectID: scope.ProjectID,
		Resource:  resource,
	})
}

// stamp assigns a fresh version and lastUpdated instant, recording the
// project scope in meta for tenant checks on the cached read path.
func stamp(resource fhir.Resource, scope Scope, lastUpdated time.Time) {
	resource.Stamp(fhir.NewID(), lastUpdated)
	if scope.ProjectID != "" {
		resource.Meta()["project"] = scope.ProjectID
	}
}

// stampAfter stamps with an instant strictly after the previous version's.
func stampAfter(resource fhir.Resource, scope Scope, prev time.Time) {
	stamp(resource, scope, monotonic(time.Now().UTC(), prev))
}

// monotonic returns now, pushed to prev+1ms when the wall clock has not
// advanced past the previous version's instant.
func monotonic(now, prev time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Millisecond)
	}
	return now
}
