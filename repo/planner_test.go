package repo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/search"
)

func parseRequest(t *testing.T, kind, query string) *search.Request {
	t.Helper()
	req, err := search.ParseQuery(kind, query, search.Options{
		Registry: testRegistry(t), Strict: true, DefaultCount: 20, MaxCount: 1000,
	})
	require.NoError(t, err)
	return req
}

func plan(t *testing.T, kind, query string, scope Scope) (string, []interface{}) {
	t.Helper()
	sql, args, err := planSelect(testRegistry(t), parseRequest(t, kind, query), scope)
	require.NoError(t, err)
	return sql, args
}

func TestPlanSelectShape(t *testing.T) {
	sql, _ := plan(t, "Patient", "gender=male", Scope{})

	assert.Contains(t, sql, `SELECT "id", "content" FROM "Patient"`)
	assert.Contains(t, sql, `"__genderText" && $1::text[]`)
	assert.Contains(t, sql, `"deleted" = $`)
	assert.Contains(t, sql, `ORDER BY "lastUpdated" DESC`)
	assert.Contains(t, sql, `LIMIT 20`)
}

func TestPlanTokenBareCodeMatchesAnySystem(t *testing.T) {
	sql, args := plan(t, "Patient", "gender=male", Scope{})
	assert.Contains(t, sql, `EXISTS (SELECT 1 FROM unnest("__genderText") AS t(v) WHERE t.v LIKE $2)`)
	assert.Equal(t, []string{"male"}, args[0])
	assert.Equal(t, "%|male", args[1])
}

func TestPlanTokenQualified(t *testing.T) {
	sql, args := plan(t, "Observation", "code=http://loinc.org|15074-8", Scope{})
	assert.Contains(t, sql, `"__codeText" && $1::text[]`)
	assert.NotContains(t, sql, "unnest")
	assert.Equal(t, []string{"http://loinc.org|15074-8"}, args[0])
}

func TestPlanTokenSystemOnlyPrefix(t *testing.T) {
	sql, args := plan(t, "Observation", "code=http://loinc.org|", Scope{})
	assert.Contains(t, sql, `unnest("__codeText")`)
	assert.Equal(t, "http://loinc.org|%", args[0])
}

func TestPlanTokenNotNegates(t *testing.T) {
	sql, _ := plan(t, "Patient", "gender:not=male", Scope{})
	assert.Contains(t, sql, "NOT COALESCE(")
}

func TestPlanTokenTextModifier(t *testing.T) {
	sql, args := plan(t, "Patient", "gender:text=Male", Scope{})
	assert.Contains(t, sql, `"__genderSort" ILIKE $1`)
	assert.Equal(t, "%Male%", args[0])
}

func TestPlanTokenLookupIdentifier(t *testing.T) {
	sql, args := plan(t, "Patient", "identifier=http://ns|abc", Scope{})
	assert.Contains(t, sql, `"id" IN (SELECT "resourceId" FROM "Identifier" WHERE ("system" = $1 AND "value" = $2))`)
	assert.Equal(t, "http://ns", args[0])
	assert.Equal(t, "abc", args[1])
}

func TestPlanStringLookupPrefixDefault(t *testing.T) {
	sql, args := plan(t, "Patient", "family=chal", Scope{})
	assert.Contains(t, sql, `"id" IN (SELECT "resourceId" FROM "HumanName" WHERE "family" ILIKE $1)`)
	assert.Equal(t, "chal%", args[0])
}

func TestPlanStringLookupExactAndContains(t *testing.T) {
	sql, args := plan(t, "Patient", "family:exact=Chalmers", Scope{})
	assert.Contains(t, sql, `"family" = $1`)
	assert.Equal(t, "Chalmers", args[0])

	sql, args = plan(t, "Patient", "family:contains=halm", Scope{})
	assert.Contains(t, sql, `"family" ILIKE $1`)
	assert.Equal(t, "%halm%", args[0])
}

func TestPlanStringColumn(t *testing.T) {
	sql, args := plan(t, "Organization", "name=Acme", Scope{})
	assert.Contains(t, sql, `LOWER("name") LIKE $1`)
	assert.Equal(t, "acme%", args[0])
}

func TestPlanDatePrefixes(t *testing.T) {
	sql, args := plan(t, "Patient", "birthdate=ge1974-01-01", Scope{})
	assert.Contains(t, sql, `"birthdate" >= $1`)
	start, ok := args[0].(time.Time)
	require.True(t, ok)
	assert.Equal(t, 1974, start.Year())

	sql, args = plan(t, "Patient", "birthdate=lt1980-01-01", Scope{})
	assert.Contains(t, sql, `"birthdate" < $1`)
	require.Len(t, args, 2) // bound + deleted flag

	// eq expands to the half-open day range
	sql, args = plan(t, "Patient", "birthdate=1974-12-25", Scope{})
	assert.Contains(t, sql, `"birthdate" >= $1 AND "birthdate" < $2`)
	end, ok := args[1].(time.Time)
	require.True(t, ok)
	assert.Equal(t, 26, end.Day())
}

func TestPlanInvalidDateRejected(t *testing.T) {
	req := parseRequest(t, "Patient", "birthdate=tomorrow")
	_, _, err := planSelect(testRegistry(t), req, Scope{})
	require.Error(t, err)
	assert.True(t, fhir.IsKind(err, fhir.KindInvalidParameter))
}

func TestPlanNumberComparison(t *testing.T) {
	sql, args := plan(t, "Observation", "value-quantity=gt7.2", Scope{})
	assert.Contains(t, sql, `"valueQuantity" > $1`)
	assert.Equal(t, 7.2, args[0])
}

func TestPlanReferenceEquality(t *testing.T) {
	id := fhir.NewID()
	sql, args := plan(t, "Observation", "subject=Patient/"+id, Scope{})
	assert.Contains(t, sql, `"subject" = $1`)
	assert.Equal(t, "Patient/"+id, args[0])

	// A bare id expands over the declared target kinds.
	_, args = plan(t, "Observation", "patient="+id, Scope{})
	assert.Equal(t, "Patient/"+id, args[0])
}

func TestPlanChainSubquery(t *testing.T) {
	sql, args := plan(t, "Observation", "subject:Patient.name=Chalmers", Scope{})
	assert.Contains(t, sql, `"subject" IN (SELECT 'Patient/' || "id"::text FROM "Patient"`)
	assert.Contains(t, sql, `"id" IN (SELECT "resourceId" FROM "HumanName" WHERE "name" ILIKE $1)`)
	assert.Contains(t, sql, `"deleted" = $2`)
	assert.Equal(t, "Chalmers%", args[0])
}

func TestPlanMissingModifier(t *testing.T) {
	sql, _ := plan(t, "Patient", "gender:missing=true", Scope{})
	assert.Contains(t, sql, `"__genderText" IS NULL`)

	sql, _ = plan(t, "Patient", "gender:missing=false", Scope{})
	assert.Contains(t, sql, `"__genderText" IS NOT NULL`)
}

func TestPlanSpecialParams(t *testing.T) {
	id := fhir.NewID()
	sql, args := plan(t, "Patient", "_id="+id, Scope{})
	assert.Contains(t, sql, `"id" IN ($1)`)
	assert.Equal(t, id, args[0])

	sql, _ = plan(t, "Patient", "_id=not-a-uuid", Scope{})
	assert.Contains(t, sql, "FALSE")

	sql, args = plan(t, "Patient", "_profile=http://example.org/p", Scope{})
	assert.Contains(t, sql, `"_profile" @> $1::text[]`)
	assert.Equal(t, []string{"http://example.org/p"}, args[0])

	sql, args = plan(t, "Patient", "_source=import-7", Scope{})
	assert.Contains(t, sql, `"_source" = $1`)
	assert.Equal(t, "import-7", args[0])

	sql, _ = plan(t, "Patient", "_tag=http://tags|vip", Scope{})
	assert.Contains(t, sql, `"__tagText" && $1::text[]`)

	sql, args = plan(t, "Patient", "_lastUpdated=ge2024-01-01", Scope{})
	assert.Contains(t, sql, `"lastUpdated" >= $1`)
	require.Len(t, args, 2)
}

func TestPlanCompartmentScope(t *testing.T) {
	id := fhir.NewID()
	sql, args := plan(t, "Observation", "_compartment=Patient/"+id, Scope{})
	assert.Contains(t, sql, `"compartments" @> $1::uuid[]`)
	assert.Equal(t, []string{id}, args[0])

	sql, args = plan(t, "Observation", "", Scope{Compartment: "Patient/" + id})
	assert.Contains(t, sql, `"compartments" @> $1::uuid[]`)
	assert.Equal(t, []string{id}, args[0])
}

func TestPlanTenantFilter(t *testing.T) {
	project := fhir.NewID()
	sql, args := plan(t, "Patient", "gender=male", Scope{ProjectID: project})
	assert.Contains(t, sql, `"projectId" = $`)
	assert.Contains(t, args, project)
}

func TestPlanSortRules(t *testing.T) {
	sql, _ := plan(t, "Patient", "_sort=-birthdate,name", Scope{})
	assert.Contains(t, sql, `ORDER BY "birthdate" DESC, "__nameSort"`)

	// Unknown sort codes collapse to the default ordering.
	sql, _ = plan(t, "Patient", "_sort=shoe-size", Scope{})
	assert.Contains(t, sql, `ORDER BY "lastUpdated" DESC`)

	sql, _ = plan(t, "Patient", "_sort=_id", Scope{})
	assert.Contains(t, sql, `ORDER BY "id"`)
}

func TestPlanPaging(t *testing.T) {
	sql, _ := plan(t, "Patient", "_count=2&_offset=4", Scope{})
	assert.Contains(t, sql, "LIMIT 2")
	assert.Contains(t, sql, "OFFSET 4")
}

func TestPlanOrAcrossValuesAndAcrossParams(t *testing.T) {
	sql, args := plan(t, "Patient", "gender=male,female&birthdate=ge1974-01-01", Scope{})
	assert.Contains(t, sql, " AND ")
	assert.Contains(t, sql, " OR ")
	// two gender alternatives, each with array + unnest args, plus the date
	// bound and the deleted flag
	assert.GreaterOrEqual(t, len(args), 5)
}

func TestPlanCountVariant(t *testing.T) {
	req := parseRequest(t, "Patient", "gender=male&_total=accurate")
	sql, _, err := planCount(testRegistry(t), req, Scope{})
	require.NoError(t, err)
	assert.Contains(t, sql, `SELECT COUNT(*) FROM "Patient"`)
	assert.NotContains(t, sql, "ORDER BY")
	assert.NotContains(t, sql, "LIMIT")
}

func TestPlanLikeEscaping(t *testing.T) {
	_, args := plan(t, "Organization", "name=50%25", Scope{})
	assert.Equal(t, `50\%%`, args[0])
}
