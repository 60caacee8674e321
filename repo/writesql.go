package repo

import (
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/search"
)

// psql is the statement builder for PostgreSQL placeholder numbering.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// upsertMain builds the INSERT ... ON CONFLICT statement replacing the main
// row for the resource id.
func upsertMain(kind string, row *Row) (string, []interface{}, error) {
	names := make([]string, 0, len(row.Columns))
	for name := range row.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, len(names))
	values := make([]interface{}, len(names))
	var sets []string
	for i, name := range names {
		cols[i] = db.Quote(name)
		values[i] = row.Columns[name]
		if name != "id" {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", db.Quote(name), db.Quote(name)))
		}
	}

	return psql.Insert(db.Quote(db.MainTable(kind))).
		Columns(cols...).
		Values(values...).
		Suffix(`ON CONFLICT ("id") DO UPDATE SET ` + strings.Join(sets, ", ")).
		ToSql()
}

// insertHistory builds the append-only history INSERT. Tombstones pass the
// empty string as content.
func insertHistory(kind, versionID, id, content string, lastUpdated time.Time) (string, []interface{}, error) {
	return psql.Insert(db.Quote(db.HistoryTable(kind))).
		Columns(db.Quote("versionId"), db.Quote("id"), db.Quote("content"), db.Quote("lastUpdated")).
		Values(versionID, id, content, lastUpdated).
		ToSql()
}

// deleteReferences builds the delete half of the references rewrite.
func deleteReferences(kind, id string) (string, []interface{}, error) {
	return psql.Delete(db.Quote(db.ReferencesTable(kind))).
		Where(sq.Eq{db.Quote("resourceId"): id}).
		ToSql()
}

// insertReferences builds the insert half of the references rewrite.
func insertReferences(kind, id string, refs []ReferenceRow) (string, []interface{}, error) {
	builder := psql.Insert(db.Quote(db.ReferencesTable(kind))).
		Columns(db.Quote("resourceId"), db.Quote("targetId"), db.Quote("code"))
	for _, ref := range refs {
		builder = builder.Values(id, ref.TargetID, ref.Code)
	}
	return builder.ToSql()
}

// deleteLookup builds the delete half of one lookup-table rewrite.
func deleteLookup(table search.LookupTable, id string) (string, []interface{}, error) {
	return psql.Delete(db.Quote(string(table))).
		Where(sq.Eq{db.Quote("resourceId"): id}).
		ToSql()
}

// insertLookup builds the insert half of one lookup-table rewrite.
func insertLookup(table search.LookupTable, id string, rows []map[string]interface{}) (string, []interface{}, error) {
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("no lookup rows for %s", table)
	}
	names := make([]string, 0, len(rows[0]))
	for name := range rows[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, 0, len(names)+1)
	cols = append(cols, db.Quote("resourceId"))
	for _, name := range names {
		cols = append(cols, db.Quote(name))
	}

	builder := psql.Insert(db.Quote(string(table))).Columns(cols...)
	for _, row := range rows {
		values := make([]interface{}, 0, len(names)+1)
		values = append(values, id)
		for _, name := range names {
			values = append(values, row[name])
		}
		builder = builder.Values(values...)
	}
	return builder.ToSql()
}

// selectForUpdate builds the row lock taken by update, delete and the
// conditional variants before their writes.
func selectForUpdate(kind, id string) (string, []interface{}, error) {
	return psql.Select(db.Quote("id"), db.Quote("content"), db.Quote("deleted"), db.Quote("lastUpdated")).
		From(db.Quote(db.MainTable(kind))).
		Where(sq.Eq{db.Quote("id"): id}).
		Suffix("FOR UPDATE").
		ToSql()
}
