package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalbase/vitalbase/search"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	registry, err := search.DefaultRegistry()
	require.NoError(t, err)
	return NewModel(registry)
}

func tableByName(tables []Table, name string) (Table, bool) {
	for _, t := range tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

func columnNames(t Table) []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func TestModelTableNames(t *testing.T) {
	tables := testModel(t).Tables()

	for _, name := range []string{
		"HumanName", "Address", "ContactPoint", "Identifier",
		"Patient", "Patient_History", "Patient_References",
		"Observation", "Subscription", "Binary",
	} {
		_, ok := tableByName(tables, name)
		assert.True(t, ok, name)
	}
}

func TestMainTableColumns(t *testing.T) {
	tables := testModel(t).Tables()
	patient, ok := tableByName(tables, "Patient")
	require.True(t, ok)

	names := columnNames(patient)
	for _, fixed := range []string{
		"id", "content", "lastUpdated", "deleted", "projectId", "__version",
		"_source", "_profile", "compartments",
		"__tag", "__tagText", "__tagSort",
		"__security", "__securityText", "__securitySort",
		"__sharedTokens", "__sharedTokensText",
	} {
		assert.Contains(t, names, fixed)
	}

	// token-column strategy emits three columns
	assert.Contains(t, names, "__gender")
	assert.Contains(t, names, "__genderText")
	assert.Contains(t, names, "__genderSort")

	// column strategy emits the canonical column
	assert.Contains(t, names, "birthdate")

	// lookup-table strategy emits only the sort column
	assert.Contains(t, names, "__nameSort")
	assert.NotContains(t, names, "__name")
}

func TestBinaryHasNoCompartments(t *testing.T) {
	tables := testModel(t).Tables()
	binary, ok := tableByName(tables, "Binary")
	require.True(t, ok)
	assert.NotContains(t, columnNames(binary), "compartments")
}

func TestAliasedParametersShareColumns(t *testing.T) {
	tables := testModel(t).Tables()
	obs, ok := tableByName(tables, "Observation")
	require.True(t, ok)

	count := 0
	for _, name := range columnNames(obs) {
		if name == "subject" {
			count++
		}
	}
	// patient and subject both map to the "subject" column, declared once.
	assert.Equal(t, 1, count)
}

func TestHistoryAndReferencesShape(t *testing.T) {
	tables := testModel(t).Tables()

	hist, ok := tableByName(tables, "Patient_History")
	require.True(t, ok)
	assert.Equal(t, []string{"versionId"}, hist.PrimaryKey)
	assert.ElementsMatch(t, []string{"versionId", "id", "content", "lastUpdated"}, columnNames(hist))

	refs, ok := tableByName(tables, "Patient_References")
	require.True(t, ok)
	assert.Equal(t, []string{"resourceId", "targetId", "code"}, refs.PrimaryKey)
}

func TestLookupTablesHaveNoPrimaryKey(t *testing.T) {
	tables := testModel(t).Tables()
	for _, name := range []string{"HumanName", "Address", "ContactPoint", "Identifier"} {
		lt, ok := tableByName(tables, name)
		require.True(t, ok, name)
		assert.Empty(t, lt.PrimaryKey, name)
	}
}

func TestDDLStatements(t *testing.T) {
	stmts := testModel(t).DDL()
	joined := strings.Join(stmts, "\n")

	assert.Equal(t, `CREATE EXTENSION IF NOT EXISTS pg_trgm`, stmts[0])
	assert.Contains(t, joined, `CREATE TABLE IF NOT EXISTS "Patient"`)
	assert.Contains(t, joined, `"lastUpdated" timestamptz NOT NULL`)
	assert.Contains(t, joined, `"deleted" boolean NOT NULL DEFAULT false`)
	assert.Contains(t, joined, `CREATE INDEX IF NOT EXISTS "Patient_lastUpdated_idx" ON "Patient" USING btree ("lastUpdated")`)
	assert.Contains(t, joined, `USING btree ("lastUpdated", "__version") WHERE deleted = false`)
	assert.Contains(t, joined, `USING gin ("compartments")`)
	assert.Contains(t, joined, `"Patient___genderSort_trgm_idx" ON "Patient" USING gin ("__genderSort" gin_trgm_ops)`)
	assert.Contains(t, joined, `ALTER TABLE "Patient" ADD COLUMN IF NOT EXISTS "birthdate" timestamptz`)
	assert.Contains(t, joined, `CREATE TABLE IF NOT EXISTS "Patient_References"`)
	assert.Contains(t, joined, `PRIMARY KEY ("resourceId", "targetId", "code")`)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"Patient"`, Quote("Patient"))
	assert.Equal(t, `"Patient_History"`, Quote(HistoryTable("Patient")))
	assert.Equal(t, `"Patient_References"`, Quote(ReferencesTable("Patient")))
}
