package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/repo"
	"github.com/vitalbase/vitalbase/search"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	registry, err := search.DefaultRegistry()
	require.NoError(t, err)
	repository := repo.NewRepository(nil, registry, nil, search.Options{Strict: true})
	engine := NewEngine(repository, NewHub(8))
	t.Cleanup(engine.Hub().Close)
	return engine
}

func subscriptionResource(criteria, status string) fhir.Resource {
	resource := fhir.Resource{
		"kind":     "Subscription",
		"id":       fhir.NewID(),
		"status":   status,
		"criteria": criteria,
	}
	resource.Stamp(fhir.NewID(), time.Now().UTC())
	return resource
}

func writeEvent(op repo.Operation, resource fhir.Resource) repo.WriteEvent {
	return repo.WriteEvent{
		Operation: op,
		Kind:      resource.Kind(),
		ID:        resource.ID(),
		VersionID: resource.VersionID(),
		Resource:  resource,
	}
}

func TestEngineIndexesActiveSubscriptionWrites(t *testing.T) {
	engine := testEngine(t)

	sub := subscriptionResource("Observation?status=final", "active")
	engine.Evaluate(writeEvent(repo.OpCreate, sub))
	assert.Equal(t, 1, engine.ActiveCount())

	// flipping away from active removes it
	sub["status"] = "off"
	engine.Evaluate(writeEvent(repo.OpUpdate, sub))
	assert.Equal(t, 0, engine.ActiveCount())
}

func TestEngineRemovesDeletedSubscription(t *testing.T) {
	engine := testEngine(t)
	sub := subscriptionResource("Observation", "active")
	engine.Evaluate(writeEvent(repo.OpCreate, sub))
	require.Equal(t, 1, engine.ActiveCount())

	engine.Evaluate(repo.WriteEvent{Operation: repo.OpDelete, Kind: "Subscription", ID: sub.ID()})
	assert.Equal(t, 0, engine.ActiveCount())
}

func TestEngineSkipsInvalidCriteria(t *testing.T) {
	engine := testEngine(t)
	engine.Evaluate(writeEvent(repo.OpCreate, subscriptionResource("Observation?nope=1", "active")))
	assert.Equal(t, 0, engine.ActiveCount())
}

func TestEngineNotifiesBoundSession(t *testing.T) {
	engine := testEngine(t)
	sub := subscriptionResource("Observation?status=final", "active")
	engine.Evaluate(writeEvent(repo.OpCreate, sub))

	conn := dialHub(t, engine.Hub())
	readMessage(t, conn)
	require.NoError(t, conn.WriteJSON(protocolMessage{Type: messageBind, SubscriptionID: sub.ID()}))
	readMessage(t, conn)

	observation := fhir.Resource{"kind": "Observation", "id": fhir.NewID(), "status": "final"}
	observation.Stamp(fhir.NewID(), time.Now().UTC())
	engine.Evaluate(writeEvent(repo.OpCreate, observation))

	note := readMessage(t, conn)
	assert.Equal(t, "event-notification", note["type"])
	assert.Equal(t, sub.ID(), note["subscriptionId"])
	bundle := note["bundle"].(map[string]interface{})
	assert.Equal(t, "history", bundle["type"])
	entries := bundle["entry"].([]interface{})
	require.Len(t, entries, 1)
	resource := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	assert.Equal(t, observation.ID(), resource["id"])
}

func TestEngineDeleteNotificationOmitsResource(t *testing.T) {
	engine := testEngine(t)
	sub := subscriptionResource("Observation", "active")
	engine.Evaluate(writeEvent(repo.OpCreate, sub))

	conn := dialHub(t, engine.Hub())
	readMessage(t, conn)
	require.NoError(t, conn.WriteJSON(protocolMessage{Type: messageBind, SubscriptionID: sub.ID()}))
	readMessage(t, conn)

	engine.Evaluate(repo.WriteEvent{Operation: repo.OpDelete, Kind: "Observation", ID: fhir.NewID()})
	note := readMessage(t, conn)
	bundle := note["bundle"].(map[string]interface{})
	assert.Empty(t, bundle["entry"])
}

func TestEngineNonMatchingWriteIsSilent(t *testing.T) {
	engine := testEngine(t)
	sub := subscriptionResource("Observation?status=final", "active")
	engine.Evaluate(writeEvent(repo.OpCreate, sub))

	conn := dialHub(t, engine.Hub())
	readMessage(t, conn)
	require.NoError(t, conn.WriteJSON(protocolMessage{Type: messageBind, SubscriptionID: sub.ID()}))
	readMessage(t, conn)

	amended := fhir.Resource{"kind": "Observation", "id": fhir.NewID(), "status": "amended"}
	engine.Evaluate(writeEvent(repo.OpCreate, amended))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestEngineRelaysAndSkipsOwnOrigin(t *testing.T) {
	engine := testEngine(t)

	var relayed []db.ChangeEvent
	engine.OnEvent(func(_ context.Context, event db.ChangeEvent) {
		relayed = append(relayed, event)
	})

	observation := fhir.Resource{"kind": "Observation", "id": fhir.NewID(), "status": "final"}
	observation.Stamp(fhir.NewID(), time.Now().UTC())
	engine.Evaluate(writeEvent(repo.OpCreate, observation))

	require.Len(t, relayed, 1)
	assert.Equal(t, engine.Origin(), relayed[0].Origin)
	assert.Equal(t, "Observation", relayed[0].Kind)

	// a self-originated change arriving through the listener is ignored
	engine.HandleRemote(&relayed[0])
}
