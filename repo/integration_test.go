//go:build integration

package repo_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalbase/vitalbase/bundle"
	tc "github.com/vitalbase/vitalbase/containers/testing"
	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/repo"
	"github.com/vitalbase/vitalbase/search"
)

func setupRepository(t *testing.T) (*repo.Repository, context.Context) {
	t.Helper()
	ctx := context.Background()

	connStr, cleanup, err := tc.SetupPostgres(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	pg, err := db.NewPostgresDB(ctx, connStr, 10)
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	registry, err := search.DefaultRegistry()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, pg, db.NewModel(registry)))

	return repo.NewRepository(pg, registry, nil, search.Options{Registry: registry, Strict: true}), ctx
}

func parse(t *testing.T, r *repo.Repository, kind, rawQuery string) *search.Request {
	t.Helper()
	req, err := search.ParseQuery(kind, rawQuery, r.SearchOptions())
	require.NoError(t, err)
	return req
}

func TestIntegrationCreateReadRoundTrip(t *testing.T) {
	r, ctx := setupRepository(t)

	created, err := r.Create(ctx, repo.Scope{}, fhir.Resource{
		"kind": "Patient",
		"name": []interface{}{map[string]interface{}{"family": "Chalmers", "given": []interface{}{"Peter"}}},
	})
	require.NoError(t, err)
	assert.True(t, fhir.IsID(created.ID()))
	assert.True(t, fhir.IsID(created.VersionID()))
	_, ok := created.LastUpdated()
	assert.True(t, ok)

	read, err := r.Read(ctx, repo.Scope{}, "Patient", created.ID())
	require.NoError(t, err)
	assert.True(t, created.Equal(read))
}

func TestIntegrationHistoryGrowsByOnePerWrite(t *testing.T) {
	r, ctx := setupRepository(t)

	created, err := r.Create(ctx, repo.Scope{}, fhir.Resource{"kind": "Patient"})
	require.NoError(t, err)
	id := created.ID()

	entries, err := r.ReadHistory(ctx, repo.Scope{}, "Patient", id, repo.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	updated := created.Clone()
	updated["gender"] = "male"
	_, err = r.Update(ctx, repo.Scope{}, updated, "")
	require.NoError(t, err)

	entries, err = r.ReadHistory(ctx, repo.Scope{}, "Patient", id, repo.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, r.Delete(ctx, repo.Scope{}, "Patient", id))
	entries, err = r.ReadHistory(ctx, repo.Scope{}, "Patient", id, repo.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Deleted)
}

func TestIntegrationUpdatePrecondition(t *testing.T) {
	r, ctx := setupRepository(t)

	created, err := r.Create(ctx, repo.Scope{}, fhir.Resource{"kind": "Patient"})
	require.NoError(t, err)
	v1 := created.VersionID()

	next := created.Clone()
	next["gender"] = "male"
	updated, err := r.Update(ctx, repo.Scope{}, next, v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, updated.VersionID())

	stale := created.Clone()
	_, err = r.Update(ctx, repo.Scope{}, stale, v1)
	assert.True(t, fhir.IsVersionConflict(err))
}

func TestIntegrationConcurrentUpdatesOneWinner(t *testing.T) {
	r, ctx := setupRepository(t)

	created, err := r.Create(ctx, repo.Scope{}, fhir.Resource{"kind": "Patient"})
	require.NoError(t, err)
	v1 := created.VersionID()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := created.Clone()
			next["gender"] = "female"
			_, err := r.Update(ctx, repo.Scope{}, next, v1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case fhir.IsVersionConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)

	entries, err := r.ReadHistory(ctx, repo.Scope{}, "Patient", created.ID(), repo.HistoryOptions{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestIntegrationDeleteThenVersionRead(t *testing.T) {
	r, ctx := setupRepository(t)

	created, err := r.Create(ctx, repo.Scope{}, fhir.Resource{"kind": "Patient"})
	require.NoError(t, err)
	id, v1 := created.ID(), created.VersionID()

	require.NoError(t, r.Delete(ctx, repo.Scope{}, "Patient", id))

	_, err = r.Read(ctx, repo.Scope{}, "Patient", id)
	assert.True(t, fhir.IsGone(err))

	snapshot, err := r.ReadVersion(ctx, repo.Scope{}, "Patient", id, v1)
	require.NoError(t, err)
	assert.True(t, created.Equal(snapshot))

	entries, err := r.ReadHistory(ctx, repo.Scope{}, "Patient", id, repo.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	_, err = r.ReadVersion(ctx, repo.Scope{}, "Patient", id, entries[0].VersionID)
	assert.True(t, fhir.IsGone(err))
}

func TestIntegrationSearchOrAndPaging(t *testing.T) {
	r, ctx := setupRepository(t)

	for _, p := range []struct {
		gender    string
		birthDate string
	}{
		{"male", "1974-12-25"},
		{"female", "1980-06-01"},
		{"male", "1990-01-15"},
	} {
		_, err := r.Create(ctx, repo.Scope{}, fhir.Resource{
			"kind":      "Patient",
			"gender":    p.gender,
			"birthDate": p.birthDate,
		})
		require.NoError(t, err)
	}

	req := parse(t, r, "Patient", "gender=male,female&_count=2&_sort=-birthdate&_total=accurate")
	result, err := r.Search(ctx, repo.Scope{}, req)
	require.NoError(t, err)

	require.NotNil(t, result.Total)
	assert.Equal(t, 3, *result.Total)
	require.Len(t, result.Resources, 2)
	assert.True(t, result.HasNext)
	assert.Equal(t, "1990-01-15", result.Resources[0]["birthDate"])
	assert.Equal(t, "1980-06-01", result.Resources[1]["birthDate"])
}

func TestIntegrationSoftDeletedNeverSearchable(t *testing.T) {
	r, ctx := setupRepository(t)

	created, err := r.Create(ctx, repo.Scope{}, fhir.Resource{"kind": "Patient", "gender": "male"})
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, repo.Scope{}, "Patient", created.ID()))

	result, err := r.Search(ctx, repo.Scope{}, parse(t, r, "Patient", "gender=male"))
	require.NoError(t, err)
	assert.Empty(t, result.Resources)
}

func TestIntegrationConditionalCreateNoOp(t *testing.T) {
	r, ctx := setupRepository(t)

	existing, err := r.Create(ctx, repo.Scope{}, fhir.Resource{
		"kind": "Patient",
		"identifier": []interface{}{
			map[string]interface{}{"system": "http://ns", "value": "abc"},
		},
	})
	require.NoError(t, err)

	req := parse(t, r, "Patient", "identifier=http://ns|abc")
	matched, created, err := r.ConditionalCreate(ctx, repo.Scope{}, fhir.Resource{"kind": "Patient"}, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing.ID(), matched.ID())

	entries, err := r.ReadHistory(ctx, repo.Scope{}, "Patient", existing.ID(), repo.HistoryOptions{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIntegrationForwardInclude(t *testing.T) {
	r, ctx := setupRepository(t)

	patient, err := r.Create(ctx, repo.Scope{}, fhir.Resource{"kind": "Patient"})
	require.NoError(t, err)
	observation, err := r.Create(ctx, repo.Scope{}, fhir.Resource{
		"kind":    "Observation",
		"status":  "final",
		"subject": "Patient/" + patient.ID(),
	})
	require.NoError(t, err)

	req := parse(t, r, "Observation", "_id="+observation.ID()+"&_include=Observation:subject")
	result, err := r.Search(ctx, repo.Scope{}, req)
	require.NoError(t, err)

	require.Len(t, result.Resources, 1)
	assert.Equal(t, observation.ID(), result.Resources[0].ID())
	require.Len(t, result.Included, 1)
	assert.Equal(t, patient.ID(), result.Included[0].ID())
}

func TestIntegrationTransactionBundleAtomicity(t *testing.T) {
	r, ctx := setupRepository(t)
	processor := bundle.NewProcessor(r)

	// second entry fails on the kind/url mismatch; nothing may persist
	envelope := fhir.Resource{
		"kind": "Bundle",
		"type": "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{"kind": "Patient", "gender": "male"},
				"request":  map[string]interface{}{"method": "POST", "url": "Patient"},
			},
			map[string]interface{}{
				"resource": map[string]interface{}{"kind": "Observation"},
				"request":  map[string]interface{}{"method": "POST", "url": "Patient"},
			},
		},
	}
	_, err := processor.Process(ctx, repo.Scope{}, envelope)
	require.Error(t, err)

	result, err := r.Search(ctx, repo.Scope{}, parse(t, r, "Patient", "gender=male"))
	require.NoError(t, err)
	assert.Empty(t, result.Resources)
}

func TestIntegrationTransactionPlaceholderResolution(t *testing.T) {
	r, ctx := setupRepository(t)
	processor := bundle.NewProcessor(r)

	placeholder := "urn:uuid:00000000-0000-0000-0000-000000000001"
	envelope := fhir.Resource{
		"kind": "Bundle",
		"type": "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"fullUrl":  placeholder,
				"resource": map[string]interface{}{"kind": "Patient"},
				"request":  map[string]interface{}{"method": "POST", "url": "Patient"},
			},
			map[string]interface{}{
				"resource": map[string]interface{}{
					"kind":    "Observation",
					"status":  "final",
					"subject": placeholder,
				},
				"request": map[string]interface{}{"method": "POST", "url": "Observation"},
			},
		},
	}
	response, err := processor.Process(ctx, repo.Scope{}, envelope)
	require.NoError(t, err)

	entries := response["entry"].([]interface{})
	require.Len(t, entries, 2)

	result, err := r.Search(ctx, repo.Scope{}, parse(t, r, "Observation", "status=final"))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)

	patients, err := r.Search(ctx, repo.Scope{}, parse(t, r, "Patient", ""))
	require.NoError(t, err)
	require.Len(t, patients.Resources, 1)
	assert.Equal(t, "Patient/"+patients.Resources[0].ID(), result.Resources[0]["subject"])
}

func TestIntegrationTenantIsolation(t *testing.T) {
	r, ctx := setupRepository(t)

	projectA := repo.Scope{ProjectID: fhir.NewID(), Policy: repo.PolicyMember}
	projectB := repo.Scope{ProjectID: fhir.NewID(), Policy: repo.PolicyMember}

	created, err := r.Create(ctx, projectA, fhir.Resource{"kind": "Patient", "gender": "male"})
	require.NoError(t, err)

	result, err := r.Search(ctx, projectB, parse(t, r, "Patient", "gender=male"))
	require.NoError(t, err)
	assert.Empty(t, result.Resources)

	result, err = r.Search(ctx, projectA, parse(t, r, "Patient", "gender=male"))
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)
	assert.Equal(t, created.ID(), result.Resources[0].ID())
}
