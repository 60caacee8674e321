package audit

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vitalbase/vitalbase/common"
)

// Action names the audited interaction.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionRead   Action = "read"
	ActionSearch Action = "search"
	ActionBundle Action = "bundle"
)

// Event is one audit trail record.
type Event struct {
	gorm.Model
	ProjectID    string
	ResourceType string
	ResourceID   string
	VersionID    string
	Action       Action
	Outcome      string
	Actor        string
	RemoteAddr   string
	RecordedAt   time.Time
}

// TableName keeps the trail under a fixed name regardless of pluralization
// settings.
func (Event) TableName() string { return "audit_events" }

// Trail records events asynchronously through a bounded queue. Recording is
// strictly best-effort: a full queue drops the event with a warning and a
// store failure only logs. A Trail never fails the triggering operation.
type Trail struct {
	sink   func(Event) error
	queue  chan Event
	done   chan struct{}
	closed chan struct{}
}

// NewTrail connects the trail store, runs its migration and starts the
// writer goroutine.
func NewTrail(pgURL string, queueSize int) (*Trail, error) {
	db, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, err
	}
	sink := func(event Event) error {
		return db.Create(&event).Error
	}
	return newTrail(sink, queueSize), nil
}

func newTrail(sink func(Event) error, queueSize int) *Trail {
	if queueSize <= 0 {
		queueSize = 1024
	}
	t := &Trail{
		sink:   sink,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// Record enqueues an event without blocking.
func (t *Trail) Record(event Event) {
	if event.RecordedAt.IsZero() {
		event.RecordedAt = time.Now().UTC()
	}
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.queue <- event:
	default:
		common.Logger.WithField("action", event.Action).Warn("audit queue full, dropping event")
	}
}

func (t *Trail) writeLoop() {
	defer close(t.closed)
	for {
		select {
		case event := <-t.queue:
			t.store(event)
		case <-t.done:
			// drain what is already queued
			for {
				select {
				case event := <-t.queue:
					t.store(event)
				default:
					return
				}
			}
		}
	}
}

func (t *Trail) store(event Event) {
	if err := t.sink(event); err != nil {
		common.Logger.WithError(err).Warn("audit event not stored")
	}
}

// Close stops the writer after draining the queue.
func (t *Trail) Close() {
	select {
	case <-t.done:
		return
	default:
		close(t.done)
	}
	<-t.closed
}
