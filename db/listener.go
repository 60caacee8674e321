package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalbase/vitalbase/common"
)

// ChangeEvent is the payload carried over the NOTIFY channel after a
// committed write. Origin identifies the emitting instance so listeners can
// skip events they produced themselves.
type ChangeEvent struct {
	Origin    string `json:"origin"`
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	VersionID string `json:"versionId"`
	Operation string `json:"operation"`
	ProjectID string `json:"projectId,omitempty"`
}

// Notify publishes a change event on the channel via pg_notify. Payloads are
// limited to 8000 bytes by PostgreSQL; the event carries identifiers only,
// receivers load content through the repository.
func Notify(ctx context.Context, pg *PostgresDB, channel string, event ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	if err := pg.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify channel %s: %w", channel, err)
	}
	return nil
}

// ChangeHandler is called for every change event received on the channel.
type ChangeHandler func(event *ChangeEvent)

// Listener subscribes to a PostgreSQL NOTIFY channel and dispatches change
// events to registered handlers. The LISTEN connection reconnects with a
// one-second backoff when lost.
type Listener struct {
	pool     *pgxpool.Pool
	channel  string
	handlers []ChangeHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
}

// NewListener creates a listener for the channel.
func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		pool:    pool,
		channel: channel,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnEvent registers a handler for change events.
func (l *Listener) OnEvent(handler ChangeHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// Start begins listening for notifications.
func (l *Listener) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	go l.listenLoop()
}

// Stop stops listening and releases the connection.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.cancel()
}

// listenLoop maintains the LISTEN connection with reconnection support.
func (l *Listener) listenLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			if err := l.listen(); err != nil {
				if l.ctx.Err() != nil {
					return
				}
				common.Logger.WithError(err).Warn("change listener lost connection, reconnecting in 1s")
				select {
				case <-l.ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// listen holds one connection out of the pool on LISTEN and dispatches
// notifications until the connection fails or the listener stops.
func (l *Listener) listen() error {
	conn, err := l.pool.Acquire(l.ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(l.ctx, "LISTEN "+Quote(l.channel)); err != nil {
		return fmt.Errorf("failed to start LISTEN: %w", err)
	}
	common.Logger.WithField("channel", l.channel).Debug("listening for change events")

	for {
		notification, err := conn.Conn().WaitForNotification(l.ctx)
		if err != nil {
			return fmt.Errorf("notification wait error: %w", err)
		}

		var event ChangeEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			common.Logger.WithError(err).Warn("failed to parse change event payload")
			continue
		}

		l.mu.RLock()
		handlers := make([]ChangeHandler, len(l.handlers))
		copy(handlers, l.handlers)
		l.mu.RUnlock()

		for _, handler := range handlers {
			handler(&event)
		}
	}
}
