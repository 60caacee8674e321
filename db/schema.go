package db

import (
	"fmt"
	"strings"

	"github.com/vitalbase/vitalbase/search"
)

// SchemaVersion is the current indexing-schema revision. Every main row
// records the revision it was written under in "__version"; re-indexing
// bumps old rows forward.
const SchemaVersion = 1

// Column describes one relational column.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	Default string
}

// Index describes one index on a table. Method is "btree" or "gin"; OpClass
// optionally names an operator class (gin_trgm_ops backs the :text and
// :contains modifiers). Where makes the index partial.
type Index struct {
	Name    string
	Method  string
	Columns []string
	OpClass string
	Where   string
}

// Table describes one relational table with its indexes.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
	Indexes    []Index
}

// Model describes the full persisted layout for a registry: a main, history
// and references table per kind plus the four shared lookup tables.
type Model struct {
	registry *search.Registry
}

// NewModel builds the schema model for the registry.
func NewModel(registry *search.Registry) *Model {
	return &Model{registry: registry}
}

// Quote double-quotes an identifier; table and column names are
// case-sensitive throughout.
func Quote(ident string) string {
	return `"` + ident + `"`
}

// MainTable returns the main table name for a kind.
func MainTable(kind string) string { return kind }

// HistoryTable returns the history table name for a kind.
func HistoryTable(kind string) string { return kind + "_History" }

// ReferencesTable returns the references table name for a kind.
func ReferencesTable(kind string) string { return kind + "_References" }

// Tables returns every table in the model, lookup tables first.
func (m *Model) Tables() []Table {
	tables := lookupTables()
	for _, kind := range m.registry.Kinds() {
		tables = append(tables,
			m.mainTable(kind),
			historyTable(kind),
			referencesTable(kind),
		)
	}
	return tables
}

// mainTable composes the per-kind main table: fixed columns, metadata token
// columns and the per-parameter search columns generated by strategy.
func (m *Model) mainTable(kind string) Table {
	t := Table{
		Name: MainTable(kind),
		Columns: []Column{
			{Name: "id", Type: "uuid", NotNull: true},
			{Name: "content", Type: "text", NotNull: true},
			{Name: "lastUpdated", Type: "timestamptz", NotNull: true},
			{Name: "deleted", Type: "boolean", NotNull: true, Default: "false"},
			{Name: "projectId", Type: "uuid"},
			{Name: "__version", Type: "integer"},
			{Name: "_source", Type: "text"},
			{Name: "_profile", Type: "text[]"},
		},
		PrimaryKey: []string{"id"},
	}
	// Binary is the opaque-blob kind and carries no compartments.
	if kind != "Binary" {
		t.Columns = append(t.Columns, Column{Name: "compartments", Type: "uuid[]"})
	}
	t.Columns = append(t.Columns,
		Column{Name: "__tag", Type: "uuid[]"},
		Column{Name: "__tagText", Type: "text[]"},
		Column{Name: "__tagSort", Type: "text"},
		Column{Name: "__security", Type: "uuid[]"},
		Column{Name: "__securityText", Type: "text[]"},
		Column{Name: "__securitySort", Type: "text"},
		Column{Name: "__sharedTokens", Type: "uuid[]"},
		Column{Name: "__sharedTokensText", Type: "text[]"},
	)

	seen := map[string]bool{}
	for _, c := range t.Columns {
		seen[c.Name] = true
	}
	for _, p := range m.registry.Parameters(kind) {
		for _, c := range searchColumns(p) {
			// Aliased parameters (patient/subject) share columns.
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			t.Columns = append(t.Columns, c)
		}
	}

	t.Indexes = m.mainIndexes(kind, t)
	return t
}

// searchColumns returns the main-row columns a parameter generates.
func searchColumns(p *search.Parameter) []Column {
	switch p.Strategy {
	case search.StrategyColumn:
		return []Column{{Name: p.ColumnName(), Type: p.ColumnType()}}
	case search.StrategyTokenColumn:
		return []Column{
			{Name: p.TokenColumn(), Type: "uuid[]"},
			{Name: p.TokenTextColumn(), Type: "text[]"},
			{Name: p.SortColumn(), Type: "text"},
		}
	case search.StrategyLookupTable:
		return []Column{{Name: p.SortColumn(), Type: "text"}}
	default:
		return nil
	}
}

func (m *Model) mainIndexes(kind string, t Table) []Index {
	idx := []Index{
		{Name: kind + "_lastUpdated_idx", Method: "btree", Columns: []string{"lastUpdated"}},
		{Name: kind + "_project_lastUpdated_idx", Method: "btree", Columns: []string{"projectId", "lastUpdated"}},
		{Name: kind + "_project_idx", Method: "btree", Columns: []string{"projectId"}},
		{Name: kind + "_source_idx", Method: "btree", Columns: []string{"_source"}},
		{Name: kind + "_profile_idx", Method: "gin", Columns: []string{"_profile"}},
		{Name: kind + "_version_idx", Method: "btree", Columns: []string{"__version"}},
		{Name: kind + "_live_version_idx", Method: "btree",
			Columns: []string{"lastUpdated", "__version"}, Where: `deleted = false`},
	}
	if kind != "Binary" {
		idx = append(idx, Index{Name: kind + "_compartments_idx", Method: "gin", Columns: []string{"compartments"}})
	}
	for _, c := range t.Columns {
		switch {
		case strings.HasSuffix(c.Name, "Sort"):
			idx = append(idx, Index{Name: kind + "_" + c.Name + "_trgm_idx", Method: "gin",
				Columns: []string{c.Name}, OpClass: "gin_trgm_ops"})
		case c.Name == "__sharedTokens", c.Name == "__sharedTokensText",
			strings.HasPrefix(c.Name, "__") && strings.HasSuffix(c.Type, "[]"):
			idx = append(idx, Index{Name: kind + "_" + c.Name + "_idx", Method: "gin", Columns: []string{c.Name}})
		case fixedColumn(c.Name):
			// Covered above.
		case strings.HasSuffix(c.Type, "[]"):
			idx = append(idx, Index{Name: kind + "_" + c.Name + "_idx", Method: "gin", Columns: []string{c.Name}})
		default:
			idx = append(idx, Index{Name: kind + "_" + c.Name + "_idx", Method: "btree", Columns: []string{c.Name}})
		}
	}
	return idx
}

func fixedColumn(name string) bool {
	switch name {
	case "id", "content", "lastUpdated", "deleted", "projectId", "__version",
		"_source", "_profile", "compartments":
		return true
	}
	return false
}

// historyTable composes the append-only per-kind history table. Tombstones
// store the empty string as content.
func historyTable(kind string) Table {
	return Table{
		Name: HistoryTable(kind),
		Columns: []Column{
			{Name: "versionId", Type: "uuid", NotNull: true},
			{Name: "id", Type: "uuid", NotNull: true},
			{Name: "content", Type: "text", NotNull: true},
			{Name: "lastUpdated", Type: "timestamptz", NotNull: true},
		},
		PrimaryKey: []string{"versionId"},
		Indexes: []Index{
			{Name: kind + "_History_id_idx", Method: "btree", Columns: []string{"id", "lastUpdated"}},
			{Name: kind + "_History_lastUpdated_idx", Method: "btree", Columns: []string{"lastUpdated"}},
		},
	}
}

// referencesTable composes the per-kind references table of
// (resourceId, targetId, code) triples.
func referencesTable(kind string) Table {
	return Table{
		Name: ReferencesTable(kind),
		Columns: []Column{
			{Name: "resourceId", Type: "uuid", NotNull: true},
			{Name: "targetId", Type: "uuid", NotNull: true},
			{Name: "code", Type: "text", NotNull: true},
		},
		PrimaryKey: []string{"resourceId", "targetId", "code"},
		Indexes: []Index{
			{Name: kind + "_References_target_idx", Method: "btree", Columns: []string{"targetId", "code"}},
		},
	}
}

// lookupTables composes the four shared lookup tables. They carry no primary
// key; rows are bulk-rewritten on every write.
func lookupTables() []Table {
	return []Table{
		{
			Name: string(search.LookupHumanName),
			Columns: []Column{
				{Name: "resourceId", Type: "uuid", NotNull: true},
				{Name: "name", Type: "text"},
				{Name: "given", Type: "text"},
				{Name: "family", Type: "text"},
			},
			Indexes: []Index{
				{Name: "HumanName_resource_idx", Method: "btree", Columns: []string{"resourceId"}},
				{Name: "HumanName_name_trgm_idx", Method: "gin", Columns: []string{"name"}, OpClass: "gin_trgm_ops"},
				{Name: "HumanName_given_trgm_idx", Method: "gin", Columns: []string{"given"}, OpClass: "gin_trgm_ops"},
				{Name: "HumanName_family_trgm_idx", Method: "gin", Columns: []string{"family"}, OpClass: "gin_trgm_ops"},
			},
		},
		{
			Name: string(search.LookupAddress),
			Columns: []Column{
				{Name: "resourceId", Type: "uuid", NotNull: true},
				{Name: "address", Type: "text"},
				{Name: "city", Type: "text"},
				{Name: "country", Type: "text"},
				{Name: "postalCode", Type: "text"},
				{Name: "state", Type: "text"},
				{Name: "use", Type: "text"},
			},
			Indexes: []Index{
				{Name: "Address_resource_idx", Method: "btree", Columns: []string{"resourceId"}},
				{Name: "Address_address_trgm_idx", Method: "gin", Columns: []string{"address"}, OpClass: "gin_trgm_ops"},
				{Name: "Address_city_trgm_idx", Method: "gin", Columns: []string{"city"}, OpClass: "gin_trgm_ops"},
				{Name: "Address_postalCode_idx", Method: "btree", Columns: []string{"postalCode"}},
			},
		},
		{
			Name: string(search.LookupContactPoint),
			Columns: []Column{
				{Name: "resourceId", Type: "uuid", NotNull: true},
				{Name: "system", Type: "text"},
				{Name: "value", Type: "text"},
				{Name: "use", Type: "text"},
			},
			Indexes: []Index{
				{Name: "ContactPoint_resource_idx", Method: "btree", Columns: []string{"resourceId"}},
				{Name: "ContactPoint_value_idx", Method: "btree", Columns: []string{"system", "value"}},
			},
		},
		{
			Name: string(search.LookupIdentifier),
			Columns: []Column{
				{Name: "resourceId", Type: "uuid", NotNull: true},
				{Name: "system", Type: "text"},
				{Name: "value", Type: "text"},
			},
			Indexes: []Index{
				{Name: "Identifier_resource_idx", Method: "btree", Columns: []string{"resourceId"}},
				{Name: "Identifier_value_idx", Method: "btree", Columns: []string{"system", "value"}},
			},
		},
	}
}

// DDL renders the full migration statement list: extensions, tables with
// additive column fills, and indexes. Every statement is idempotent so the
// migration can run on every startup.
func (m *Model) DDL() []string {
	stmts := []string{`CREATE EXTENSION IF NOT EXISTS pg_trgm`}
	for _, t := range m.Tables() {
		stmts = append(stmts, createTable(t))
		// Additive fills for columns introduced by newer schema revisions
		// or newly registered search parameters.
		for _, c := range t.Columns {
			stmts = append(stmts, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
				Quote(t.Name), Quote(c.Name), c.Type))
		}
		for _, idx := range t.Indexes {
			stmts = append(stmts, createIndex(t, idx))
		}
	}
	return stmts
}

func createTable(t Table) string {
	var defs []string
	for _, c := range t.Columns {
		def := Quote(c.Name) + " " + c.Type
		if c.NotNull {
			def += " NOT NULL"
		}
		if c.Default != "" {
			def += " DEFAULT " + c.Default
		}
		defs = append(defs, def)
	}
	if len(t.PrimaryKey) > 0 {
		quoted := make([]string, len(t.PrimaryKey))
		for i, col := range t.PrimaryKey {
			quoted[i] = Quote(col)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", Quote(t.Name), strings.Join(defs, ", "))
}

func createIndex(t Table, idx Index) string {
	cols := make([]string, len(idx.Columns))
	for i, col := range idx.Columns {
		cols[i] = Quote(col)
		if idx.OpClass != "" {
			cols[i] += " " + idx.OpClass
		}
	}
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING %s (%s)",
		Quote(idx.Name), Quote(t.Name), idx.Method, strings.Join(cols, ", "))
	if idx.Where != "" {
		stmt += " WHERE " + idx.Where
	}
	return stmt
}
