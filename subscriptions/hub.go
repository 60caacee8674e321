package subscriptions

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vitalbase/vitalbase/common"
	"github.com/vitalbase/vitalbase/fhir"
)

const (
	messageConnectionAvailable = "connection-available"
	messageBind                = "bind"
	messageBound               = "bound"
	messageUnbind              = "unbind"

	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// protocolMessage is the control frame exchanged during session setup.
type protocolMessage struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// Session is one client connection: the socket, a bounded outbound queue and
// the subscription ids it is bound to. A full queue closes the session
// rather than blocking evaluation.
type Session struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	bound map[string]bool

	closeOnce sync.Once
}

func (s *Session) ID() string { return s.id }

func (s *Session) bind(subscriptionID string) {
	s.mu.Lock()
	s.bound[subscriptionID] = true
	s.mu.Unlock()
}

func (s *Session) unbind(subscriptionID string) {
	s.mu.Lock()
	delete(s.bound, subscriptionID)
	s.mu.Unlock()
}

func (s *Session) boundTo(subscriptionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound[subscriptionID]
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
		_ = s.conn.Close()
	})
}

// Hub owns the client sessions and fans notifications out to the sessions
// bound to a subscription. Delivery errors are isolated per session.
type Hub struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	sendBuffer int
	closed     bool
}

func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &Hub{
		sessions:   make(map[string]*Session),
		sendBuffer: sendBuffer,
	}
}

// Handle upgrades the request to a websocket session and runs its protocol
// until the client disconnects.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	session := &Session{
		id:    fhir.NewID(),
		conn:  conn,
		send:  make(chan []byte, h.sendBuffer),
		bound: make(map[string]bool),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.sessions[session.id] = session
	h.mu.Unlock()

	go h.writeLoop(session)

	if err := h.sendControl(session, protocolMessage{Type: messageConnectionAvailable, SessionID: session.id}); err != nil {
		h.drop(session)
		return nil
	}
	h.readLoop(session)
	return nil
}

func (h *Hub) readLoop(session *Session) {
	defer h.drop(session)
	for {
		_, payload, err := session.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocolMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			common.Logger.WithError(err).Debug("discarding malformed subscription frame")
			continue
		}
		switch msg.Type {
		case messageBind:
			if msg.SubscriptionID == "" {
				continue
			}
			session.bind(msg.SubscriptionID)
			if err := h.sendControl(session, protocolMessage{Type: messageBound, SubscriptionID: msg.SubscriptionID}); err != nil {
				return
			}
		case messageUnbind:
			session.unbind(msg.SubscriptionID)
		}
	}
}

func (h *Hub) writeLoop(session *Session) {
	for payload := range session.send {
		_ = session.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := session.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.drop(session)
			return
		}
	}
}

func (h *Hub) sendControl(session *Session, msg protocolMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.enqueue(session, payload)
}

// enqueue places a frame on the session queue; a full queue means the client
// is not keeping up and the session is closed.
func (h *Hub) enqueue(session *Session, payload []byte) error {
	defer func() {
		// racing a concurrent drop can send on the closed channel
		if recover() != nil {
			common.Logger.WithField("session", session.id).Debug("enqueue on closed session")
		}
	}()
	select {
	case session.send <- payload:
		return nil
	default:
		common.Logger.WithField("session", session.id).Warn("subscription session overflow, closing")
		h.drop(session)
		return websocket.ErrCloseSent
	}
}

// Notify delivers a serialized notification to every session bound to the
// subscription.
func (h *Hub) Notify(subscriptionID string, payload []byte) {
	h.mu.RLock()
	var targets []*Session
	for _, session := range h.sessions {
		if session.boundTo(subscriptionID) {
			targets = append(targets, session)
		}
	}
	h.mu.RUnlock()

	for _, session := range targets {
		_ = h.enqueue(session, payload)
	}
}

func (h *Hub) drop(session *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[session.id]; ok {
		delete(h.sessions, session.id)
	}
	h.mu.Unlock()
	session.close()
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close drops every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, session := range sessions {
		session.close()
	}
}
