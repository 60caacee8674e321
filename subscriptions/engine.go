package subscriptions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/db"
	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/repo"
	"github.com/vitalbase/vitalbase/search"
)

// Subscription is one active criteria entry.
type Subscription struct {
	ID       string
	Criteria string
	Request  *search.Request
}

// Notification is the payload delivered to bound sessions. Bundle is a
// history-style envelope carrying the matched resource; it is empty for
// deletes.
type Notification struct {
	SubscriptionID string        `json:"subscriptionId"`
	Type           string        `json:"type"`
	Bundle         fhir.Resource `json:"bundle"`
}

// Engine indexes active subscriptions and evaluates every committed write
// against them, fanning matches out through the hub. Writes originating on
// other instances arrive through the change listener and are re-evaluated
// locally.
type Engine struct {
	repo     *repo.Repository
	hub      *Hub
	origin   string
	notifier func(ctx context.Context, event db.ChangeEvent)

	mu     sync.RWMutex
	active map[string]*Subscription
}

func NewEngine(repository *repo.Repository, hub *Hub) *Engine {
	return &Engine{
		repo:   repository,
		hub:    hub,
		origin: fhir.NewID(),
		active: make(map[string]*Subscription),
	}
}

// Origin identifies this instance in cross-instance change events.
func (e *Engine) Origin() string { return e.origin }

// Hub exposes the session hub for the transport layer.
func (e *Engine) Hub() *Hub { return e.hub }

// OnEvent registers a post-evaluation callback, used to relay committed
// writes to other instances.
func (e *Engine) OnEvent(notifier func(ctx context.Context, event db.ChangeEvent)) {
	e.notifier = notifier
}

// LoadActive replaces the criteria index with every status=active
// Subscription resource, called at startup and on demand.
func (e *Engine) LoadActive(ctx context.Context, scope repo.Scope) error {
	req, err := search.ParseQuery("Subscription", "status=active&_count=1000", e.repo.SearchOptions())
	if err != nil {
		return err
	}
	result, err := e.repo.Search(ctx, scope, req)
	if err != nil {
		return err
	}

	active := make(map[string]*Subscription, len(result.Resources))
	for _, resource := range result.Resources {
		sub, err := e.parse(resource)
		if err != nil {
			common.Logger.WithError(err).WithField("subscription", resource.ID()).
				Warn("skipping subscription with invalid criteria")
			continue
		}
		active[sub.ID] = sub
	}

	e.mu.Lock()
	e.active = active
	e.mu.Unlock()
	common.Logger.WithField("count", len(active)).Info("subscription criteria loaded")
	return nil
}

func (e *Engine) parse(resource fhir.Resource) (*Subscription, error) {
	criteria, _ := resource["criteria"].(string)
	req, err := search.ParseCriteria(criteria, e.repo.SearchOptions())
	if err != nil {
		return nil, err
	}
	return &Subscription{ID: resource.ID(), Criteria: criteria, Request: req}, nil
}

// Evaluate is the repository write listener: it maintains the criteria index
// on Subscription writes and matches every other write against the active
// criteria.
func (e *Engine) Evaluate(event repo.WriteEvent) {
	ctx := context.Background()
	if event.Kind == "Subscription" {
		e.reindex(event)
	}
	e.match(event)
	if e.notifier != nil {
		e.notifier(ctx, db.ChangeEvent{
			Origin:    e.origin,
			Kind:      event.Kind,
			ID:        event.ID,
			VersionID: event.VersionID,
			Operation: string(event.Operation),
			ProjectID: event.ProjectID,
		})
	}
}

// HandleRemote re-injects a change event committed on another instance,
// skipping the ones this instance already evaluated.
func (e *Engine) HandleRemote(event *db.ChangeEvent) {
	if event == nil || event.Origin == e.origin {
		return
	}
	write := repo.WriteEvent{
		Operation: repo.Operation(event.Operation),
		Kind:      event.Kind,
		ID:        event.ID,
		VersionID: event.VersionID,
		ProjectID: event.ProjectID,
	}
	if write.Operation != repo.OpDelete {
		resource, err := e.repo.Read(context.Background(), repo.Scope{}, event.Kind, event.ID)
		if err != nil {
			common.Logger.WithError(err).WithField("kind", event.Kind).
				Debug("cannot load remotely written resource")
			return
		}
		write.Resource = resource
	}
	if write.Kind == "Subscription" {
		e.reindex(write)
	}
	e.match(write)
}

func (e *Engine) reindex(event repo.WriteEvent) {
	if event.Operation == repo.OpDelete {
		e.remove(event.ID)
		return
	}
	status, _ := event.Resource["status"].(string)
	if status != "active" {
		e.remove(event.ID)
		return
	}
	sub, err := e.parse(event.Resource)
	if err != nil {
		common.Logger.WithError(err).WithField("subscription", event.ID).
			Warn("subscription criteria did not parse, not indexing")
		e.remove(event.ID)
		return
	}
	e.mu.Lock()
	e.active[sub.ID] = sub
	e.mu.Unlock()
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

func (e *Engine) match(event repo.WriteEvent) {
	e.mu.RLock()
	var matched []*Subscription
	for _, sub := range e.active {
		if sub.Request.Kind != event.Kind {
			continue
		}
		if event.Operation == repo.OpDelete || Matches(sub.Request, event.Resource) {
			matched = append(matched, sub)
		}
	}
	e.mu.RUnlock()

	for _, sub := range matched {
		payload, err := json.Marshal(e.notification(sub, event))
		if err != nil {
			common.Logger.WithError(err).Error("cannot serialize subscription notification")
			continue
		}
		e.hub.Notify(sub.ID, payload)
	}
}

// notification wraps the write in the history-style envelope; the resource
// is omitted for deletes.
func (e *Engine) notification(sub *Subscription, event repo.WriteEvent) Notification {
	bundle := fhir.Resource{
		"kind": "Bundle",
		"type": "history",
	}
	if event.Operation != repo.OpDelete && event.Resource != nil {
		bundle["entry"] = []interface{}{
			map[string]interface{}{"resource": map[string]interface{}(event.Resource)},
		}
	} else {
		bundle["entry"] = []interface{}{}
	}
	return Notification{
		SubscriptionID: sub.ID,
		Type:           "event-notification",
		Bundle:         bundle,
	}
}

// ActiveCount reports the number of indexed criteria.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}
