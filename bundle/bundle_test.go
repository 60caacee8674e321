package bundle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalbase/vitalbase/fhir"
)

func TestDecodeEntries(t *testing.T) {
	envelope := fhir.Resource{
		"kind": "Bundle",
		"type": "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"fullUrl":  "urn:uuid:pat-1",
				"resource": map[string]interface{}{"kind": "Patient"},
				"request":  map[string]interface{}{"method": "POST", "url": "Patient", "ifNoneExist": "identifier=http://ns|abc"},
			},
			map[string]interface{}{
				"request": map[string]interface{}{"method": "DELETE", "url": "Patient/" + fhir.NewID()},
			},
		},
	}

	entries, err := decodeEntries(envelope)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "urn:uuid:pat-1", entries[0].FullURL)
	assert.Equal(t, "POST", entries[0].Method)
	assert.Equal(t, "identifier=http://ns|abc", entries[0].IfNoneExist)
	assert.Equal(t, "Patient", entries[0].Resource.Kind())
	assert.Nil(t, entries[1].Resource)
}

func TestDecodeEntriesRejectsMissingRequest(t *testing.T) {
	envelope := fhir.Resource{
		"kind":  "Bundle",
		"type":  "batch",
		"entry": []interface{}{map[string]interface{}{"resource": map[string]interface{}{"kind": "Patient"}}},
	}
	_, err := decodeEntries(envelope)
	require.Error(t, err)
	assert.True(t, fhir.IsKind(err, fhir.KindInvariantViolation))
}

func TestSplitEntryURL(t *testing.T) {
	kind, id, query, err := splitEntryURL("Patient")
	require.NoError(t, err)
	assert.Equal(t, "Patient", kind)
	assert.Empty(t, id)
	assert.Empty(t, query)

	kind, id, _, err = splitEntryURL("/Patient/abc")
	require.NoError(t, err)
	assert.Equal(t, "Patient", kind)
	assert.Equal(t, "abc", id)

	kind, _, query, err = splitEntryURL("Patient?identifier=http://ns|abc")
	require.NoError(t, err)
	assert.Equal(t, "Patient", kind)
	assert.Equal(t, "identifier=http://ns|abc", query)

	_, _, _, err = splitEntryURL("Patient/a/b/c")
	require.Error(t, err)
}

func TestEtagVersion(t *testing.T) {
	assert.Equal(t, "abc", etagVersion(`W/"abc"`))
	assert.Equal(t, "abc", etagVersion(`"abc"`))
	assert.Equal(t, "abc", etagVersion("abc"))
	assert.Empty(t, etagVersion(""))
}

func TestExecutionOrderProducersFirst(t *testing.T) {
	patientID := fhir.NewID()
	entries := []Entry{
		{
			FullURL: "urn:uuid:obs-1",
			Method:  "POST", URL: "Observation",
			Resource: fhir.Resource{
				"kind":    "Observation",
				"subject": map[string]interface{}{"reference": "urn:uuid:pat-1"},
			},
		},
		{
			FullURL: "urn:uuid:pat-1",
			Method:  "POST", URL: "Patient",
			Resource: fhir.Resource{"kind": "Patient"},
		},
		{
			Method: "DELETE", URL: "Encounter/" + patientID,
		},
	}

	order := executionOrder(entries)
	require.Len(t, order, 3)
	posOf := func(i int) int {
		for pos, idx := range order {
			if idx == i {
				return pos
			}
		}
		return -1
	}
	assert.Less(t, posOf(1), posOf(0), "the Patient producer must run before the Observation consumer")
}

func TestExecutionOrderCycleFallsBackToInputOrder(t *testing.T) {
	entries := []Entry{
		{
			FullURL: "urn:uuid:a", Method: "POST", URL: "Patient",
			Resource: fhir.Resource{"kind": "Patient", "link": "urn:uuid:b"},
		},
		{
			FullURL: "urn:uuid:b", Method: "POST", URL: "Patient",
			Resource: fhir.Resource{"kind": "Patient", "link": "urn:uuid:a"},
		},
	}
	assert.Equal(t, []int{0, 1}, executionOrder(entries))
}

func TestMintPlaceholdersAndSubstitute(t *testing.T) {
	existing := fhir.NewID()
	entries := []Entry{
		{
			FullURL: "urn:uuid:pat-1", Method: "POST", URL: "Patient",
			Resource: fhir.Resource{"kind": "Patient"},
		},
		{
			FullURL: "urn:uuid:enc-1", Method: "PUT", URL: "Encounter/" + existing,
			Resource: fhir.Resource{"kind": "Encounter"},
		},
	}

	substitutions, err := mintPlaceholders(entries)
	require.NoError(t, err)

	minted := substitutions["urn:uuid:pat-1"]
	require.NotEmpty(t, minted)
	kind, id, _, _ := splitEntryURL(minted)
	assert.Equal(t, "Patient", kind)
	assert.True(t, fhir.IsID(id))
	// the producer body carries the minted id so consumers line up
	assert.Equal(t, id, entries[0].Resource.ID())
	assert.Equal(t, "Encounter/"+existing, substitutions["urn:uuid:enc-1"])

	observation := fhir.Resource{
		"kind": "Observation",
		"subject": map[string]interface{}{
			"reference": "urn:uuid:pat-1",
		},
		"encounter": map[string]interface{}{
			"reference": "urn:uuid:enc-1",
		},
		"performer": []interface{}{
			map[string]interface{}{"reference": "urn:uuid:pat-1"},
		},
	}
	rewritten := substitute(observation, substitutions)
	subject := rewritten["subject"].(map[string]interface{})
	assert.Equal(t, minted, subject["reference"])
	encounter := rewritten["encounter"].(map[string]interface{})
	assert.Equal(t, "Encounter/"+existing, encounter["reference"])
	performer := rewritten["performer"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, minted, performer["reference"])
	// input resource stays untouched
	assert.Equal(t, "urn:uuid:pat-1", observation["subject"].(map[string]interface{})["reference"])
}

func TestEnvelopeShape(t *testing.T) {
	resource := fhir.Resource{"kind": "Patient", "id": fhir.NewID()}
	_, outcome := fhir.OutcomeOf(fhir.BadRequest("nope"))
	responses := []Response{
		{Status: "201 Created", Location: "Patient/x/_history/y", ETag: `W/"y"`, Resource: resource},
		{Status: "400", Outcome: outcome},
	}
	out := envelope("transaction-response", responses)
	assert.Equal(t, "Bundle", out.Kind())
	assert.Equal(t, "transaction-response", out["type"])

	entries := out["entry"].([]interface{})
	require.Len(t, entries, 2)
	first := entries[0].(map[string]interface{})
	assert.Equal(t, "201 Created", first["response"].(map[string]interface{})["status"])
	assert.NotNil(t, first["resource"])
	second := entries[1].(map[string]interface{})
	assert.Nil(t, second["resource"])
	assert.NotNil(t, second["response"].(map[string]interface{})["outcome"])
}

func TestEntryResponseHeaders(t *testing.T) {
	resource := fhir.Resource{"kind": "Patient"}
	resource.SetID(fhir.NewID())
	resource.Stamp(fhir.NewID(), mustParseInstant(t, "2024-03-01T10:00:00.000Z"))

	resp := createdResponse(resource)
	assert.Equal(t, "201 Created", resp.Status)
	assert.Equal(t, "Patient/"+resource.ID()+"/_history/"+resource.VersionID(), resp.Location)
	assert.Equal(t, `W/"`+resource.VersionID()+`"`, resp.ETag)
	assert.Equal(t, "Fri, 01 Mar 2024 10:00:00 GMT", resp.LastModified)
}

func mustParseInstant(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, value)
	require.NoError(t, err)
	return ts
}
