package repo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/search"
)

func testRegistry(t *testing.T) *search.Registry {
	t.Helper()
	registry, err := search.DefaultRegistry()
	require.NoError(t, err)
	return registry
}

func buildTestRow(t *testing.T, raw string) *Row {
	t.Helper()
	var resource fhir.Resource
	require.NoError(t, json.Unmarshal([]byte(raw), &resource))
	if resource.VersionID() == "" {
		resource.Stamp(fhir.NewID(), time.Now().UTC())
	}
	content, err := resource.JSON()
	require.NoError(t, err)
	row, err := buildRow(testRegistry(t), resource, content, "")
	require.NoError(t, err)
	return row
}

func TestBuildRowFixedColumns(t *testing.T) {
	id := fhir.NewID()
	row := buildTestRow(t, `{
		"kind": "Patient",
		"id": "`+id+`",
		"meta": {"source": "import-batch-7", "profile": ["http://example.org/StructureDefinition/vip"]},
		"gender": "male"
	}`)

	assert.Equal(t, id, row.Columns["id"])
	assert.Equal(t, false, row.Columns["deleted"])
	assert.Equal(t, "import-batch-7", row.Columns["_source"])
	assert.Equal(t, []string{"http://example.org/StructureDefinition/vip"}, row.Columns["_profile"])
	assert.NotNil(t, row.Columns["content"])
	assert.NotNil(t, row.Columns["lastUpdated"])
}

func TestBuildRowTokenColumns(t *testing.T) {
	row := buildTestRow(t, `{
		"kind": "Patient",
		"id": "`+fhir.NewID()+`",
		"gender": "male"
	}`)

	assert.Equal(t, []string{fhir.TokenHash("", "male")}, row.Columns["__gender"])
	assert.Equal(t, []string{"male"}, row.Columns["__genderText"])
	assert.Equal(t, "male", row.Columns["__genderSort"])
}

func TestBuildRowCodeableConcept(t *testing.T) {
	row := buildTestRow(t, `{
		"kind": "Observation",
		"id": "`+fhir.NewID()+`",
		"status": "final",
		"code": {
			"coding": [{"system": "http://loinc.org", "code": "15074-8", "display": "Glucose"}],
			"text": "Blood glucose"
		}
	}`)

	assert.Equal(t, []string{"http://loinc.org|15074-8"}, row.Columns["__codeText"])
	assert.Equal(t, []string{fhir.TokenHash("http://loinc.org", "15074-8")}, row.Columns["__code"])
	assert.Equal(t, "Glucose", row.Columns["__codeSort"])
}

func TestBuildRowLookupRows(t *testing.T) {
	row := buildTestRow(t, `{
		"kind": "Patient",
		"id": "`+fhir.NewID()+`",
		"name": [{"family": "Chalmers", "given": ["Peter", "James"]}],
		"telecom": [{"system": "email", "value": "peter@example.org", "use": "home"}],
		"identifier": [{"system": "http://ns", "value": "abc"}],
		"address": [{"city": "Boston", "state": "MA", "postalCode": "02115", "country": "US"}]
	}`)

	names := row.Lookups[search.LookupHumanName]
	// name, family and given share one expression; rows collapse to one set.
	require.Len(t, names, 1)
	assert.Equal(t, "Chalmers", names[0]["family"])
	assert.Equal(t, "Peter James", names[0]["given"])
	assert.Equal(t, "Peter James Chalmers", names[0]["name"])
	assert.Equal(t, "Peter James Chalmers", row.Columns["__nameSort"])

	contacts := row.Lookups[search.LookupContactPoint]
	require.Len(t, contacts, 1)
	assert.Equal(t, "email", contacts[0]["system"])
	assert.Equal(t, "peter@example.org", contacts[0]["value"])

	identifiers := row.Lookups[search.LookupIdentifier]
	require.Len(t, identifiers, 1)
	assert.Equal(t, "http://ns", identifiers[0]["system"])
	assert.Equal(t, "abc", identifiers[0]["value"])

	addresses := row.Lookups[search.LookupAddress]
	require.Len(t, addresses, 1)
	assert.Equal(t, "Boston", addresses[0]["city"])
	assert.Equal(t, "Boston MA 02115 US", addresses[0]["address"])
}

func TestBuildRowReferences(t *testing.T) {
	patientID := fhir.NewID()
	row := buildTestRow(t, `{
		"kind": "Observation",
		"id": "`+fhir.NewID()+`",
		"status": "final",
		"subject": {"reference": "Patient/`+patientID+`"}
	}`)

	// subject and patient alias the same column and the reference rows carry
	// one row per (target, code).
	require.Len(t, row.References, 2)
	codes := []string{row.References[0].Code, row.References[1].Code}
	assert.ElementsMatch(t, []string{"subject", "patient"}, codes)
	assert.Equal(t, patientID, row.References[0].TargetID)
	assert.Equal(t, "Patient/"+patientID, row.Columns["subject"])
}

func TestBuildRowSkipsNonUUIDReferenceTargets(t *testing.T) {
	row := buildTestRow(t, `{
		"kind": "Observation",
		"id": "`+fhir.NewID()+`",
		"status": "final",
		"subject": {"reference": "Patient/not-a-uuid"}
	}`)
	assert.Empty(t, row.References)
	assert.Equal(t, "Patient/not-a-uuid", row.Columns["subject"])
}

func TestBuildRowCompartments(t *testing.T) {
	patientID := fhir.NewID()

	patient := buildTestRow(t, `{"kind": "Patient", "id": "`+patientID+`"}`)
	assert.Equal(t, []string{patientID}, patient.Columns["compartments"])

	obs := buildTestRow(t, `{
		"kind": "Observation",
		"id": "`+fhir.NewID()+`",
		"status": "final",
		"subject": {"reference": "Patient/`+patientID+`"}
	}`)
	assert.Equal(t, []string{patientID}, obs.Columns["compartments"])

	org := buildTestRow(t, `{"kind": "Organization", "id": "`+fhir.NewID()+`", "name": "Acme"}`)
	assert.Equal(t, []string{}, org.Columns["compartments"])
}

func TestBuildRowDateColumn(t *testing.T) {
	row := buildTestRow(t, `{
		"kind": "Patient",
		"id": "`+fhir.NewID()+`",
		"birthDate": "1974-12-25"
	}`)
	ts, ok := row.Columns["birthdate"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, 1974, ts.Year())
	assert.Equal(t, time.December, ts.Month())
}

func TestBuildRowMetaTokensAndSharedUnion(t *testing.T) {
	row := buildTestRow(t, `{
		"kind": "Patient",
		"id": "`+fhir.NewID()+`",
		"gender": "female",
		"meta": {
			"tag": [{"system": "http://tags", "code": "vip", "display": "VIP"}],
			"security": [{"system": "http://sec", "code": "R"}]
		}
	}`)

	assert.Equal(t, []string{"http://tags|vip"}, row.Columns["__tagText"])
	assert.Equal(t, "VIP", row.Columns["__tagSort"])
	assert.Equal(t, []string{"http://sec|R"}, row.Columns["__securityText"])

	sharedText, ok := row.Columns["__sharedTokensText"].([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"http://tags|vip", "http://sec|R", "female"}, sharedText)
	shared, ok := row.Columns["__sharedTokens"].([]string)
	require.True(t, ok)
	assert.Len(t, shared, 3)
}

func TestDeletedRowClearsDerivedColumns(t *testing.T) {
	registry := testRegistry(t)
	id := fhir.NewID()
	row := deletedRow(registry, "Patient", id, "", time.Now().UTC())

	assert.Equal(t, true, row.Columns["deleted"])
	assert.Equal(t, "", row.Columns["content"])
	assert.Nil(t, row.Columns["__genderText"])
	assert.Nil(t, row.Columns["__nameSort"])
	assert.Nil(t, row.Columns["birthdate"])
	assert.Nil(t, row.Columns["compartments"])
	assert.Empty(t, row.References)
	assert.Empty(t, row.Lookups)
}

func TestParseDateValueRanges(t *testing.T) {
	r, ok := parseDateValue("1974")
	require.True(t, ok)
	assert.Equal(t, 1975, r.End.Year())

	r, ok = parseDateValue("1974-12")
	require.True(t, ok)
	assert.Equal(t, time.January, r.End.Month())

	r, ok = parseDateValue("1974-12-25")
	require.True(t, ok)
	assert.Equal(t, 26, r.End.Day())

	r, ok = parseDateValue("2024-03-01T10:00:00Z")
	require.True(t, ok)
	assert.Equal(t, time.Millisecond, r.End.Sub(r.Start))

	_, ok = parseDateValue("next tuesday")
	assert.False(t, ok)
}

func TestTokenPairAndHashStability(t *testing.T) {
	tok := Token{System: "http://ns", Code: "abc"}
	assert.Equal(t, "http://ns|abc", tok.Pair())
	assert.Equal(t, tok.Hash(), tok.Hash())
	assert.Equal(t, fhir.TokenHash("http://ns", "abc"), tok.Hash())
	assert.NotEqual(t, tok.Hash(), Token{Code: "abc"}.Hash())

	bare := Token{Code: "male"}
	assert.Equal(t, "male", bare.Pair())
}
