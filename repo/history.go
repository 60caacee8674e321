package repo

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/fhir"
)

// HistoryEntry is one version of a resource: the stored snapshot, or a
// tombstone when Deleted is set.
type HistoryEntry struct {
	VersionID   string
	ID          string
	Resource    fhir.Resource
	LastUpdated time.Time
	Deleted     bool
}

// HistoryOptions pages through history newest-first. Since bounds entries to
// instants strictly after it; Cursor resumes before a previous page's oldest
// instant.
type HistoryOptions struct {
	Count  int
	Since  time.Time
	Cursor time.Time
}

func (o HistoryOptions) count() int {
	if o.Count <= 0 || o.Count > 1000 {
		return 100
	}
	return o.Count
}

// ReadVersion returns the stored snapshot for (kind, id, versionId). A
// tombstone surfaces as gone.
func (r *Repository) ReadVersion(ctx context.Context, scope Scope, kind, id, versionID string) (fhir.Resource, error) {
	if !r.registry.HasKind(kind) || !fhir.IsID(versionID) {
		return nil, fhir.NotFoundVersion(kind, id, versionID)
	}
	query, args, err := psql.Select(db.Quote("content")).
		From(db.Quote(db.HistoryTable(kind))).
		Where(sq.Eq{db.Quote("versionId"): versionID, db.Quote("id"): id}).
		ToSql()
	if err != nil {
		return nil, classify(err)
	}

	var content string
	if err := r.pg.QueryRow(ctx, query, args...).Scan(&content); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fhir.NotFoundVersion(kind, id, versionID)
		}
		return nil, classify(err)
	}
	if content == "" {
		return nil, fhir.Gone(kind, id)
	}
	resource, err := fhir.ParseResource([]byte(content))
	if err != nil {
		return nil, fhir.Internal(err)
	}
	return resource, nil
}

// ReadHistory returns the versions of (kind, id) newest-first.
func (r *Repository) ReadHistory(ctx context.Context, scope Scope, kind, id string, opts HistoryOptions) ([]HistoryEntry, error) {
	if !r.registry.HasKind(kind) {
		return nil, fhir.NotFound(kind, id)
	}
	return r.history(ctx, kind, opts, sq.Eq{db.Quote("id"): id})
}

// ReadTypeHistory returns versions across every id of the kind newest-first.
func (r *Repository) ReadTypeHistory(ctx context.Context, scope Scope, kind string, opts HistoryOptions) ([]HistoryEntry, error) {
	if !r.registry.HasKind(kind) {
		return nil, fhir.InvalidParameter("unknown resource kind %q", kind)
	}
	return r.history(ctx, kind, opts, nil)
}

func (r *Repository) history(ctx context.Context, kind string, opts HistoryOptions, extra sq.Sqlizer) ([]HistoryEntry, error) {
	builder := psql.Select(db.Quote("versionId"), db.Quote("id"), db.Quote("content"), db.Quote("lastUpdated")).
		From(db.Quote(db.HistoryTable(kind))).
		OrderBy(db.Quote("lastUpdated") + " DESC").
		Limit(uint64(opts.count()))
	if extra != nil {
		builder = builder.Where(extra)
	}
	if !opts.Since.IsZero() {
		builder = builder.Where(sq.Expr(db.Quote("lastUpdated")+" > ?", opts.Since))
	}
	if !opts.Cursor.IsZero() {
		builder = builder.Where(sq.Expr(db.Quote("lastUpdated")+" < ?", opts.Cursor))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, classify(err)
	}
	rows, err := r.pg.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var content string
		if err := rows.Scan(&entry.VersionID, &entry.ID, &content, &entry.LastUpdated); err != nil {
			return nil, classify(err)
		}
		if content == "" {
			entry.Deleted = true
		} else {
			resource, err := fhir.ParseResource([]byte(content))
			if err != nil {
				return nil, fhir.Internal(err)
			}
			entry.Resource = resource
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
