package subscriptions

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Handle(w, r)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func TestHubConnectionProtocol(t *testing.T) {
	hub := NewHub(8)
	defer hub.Close()
	conn := dialHub(t, hub)

	hello := readMessage(t, conn)
	assert.Equal(t, messageConnectionAvailable, hello["type"])
	assert.NotEmpty(t, hello["sessionId"])

	require.NoError(t, conn.WriteJSON(protocolMessage{Type: messageBind, SubscriptionID: "sub-1"}))
	bound := readMessage(t, conn)
	assert.Equal(t, messageBound, bound["type"])
	assert.Equal(t, "sub-1", bound["subscriptionId"])
}

func TestHubNotifyReachesBoundSessionsOnly(t *testing.T) {
	hub := NewHub(8)
	defer hub.Close()

	bound := dialHub(t, hub)
	readMessage(t, bound)
	require.NoError(t, bound.WriteJSON(protocolMessage{Type: messageBind, SubscriptionID: "sub-1"}))
	readMessage(t, bound)

	other := dialHub(t, hub)
	readMessage(t, other)
	require.NoError(t, other.WriteJSON(protocolMessage{Type: messageBind, SubscriptionID: "sub-2"}))
	readMessage(t, other)

	hub.Notify("sub-1", []byte(`{"subscriptionId":"sub-1","type":"event-notification"}`))

	note := readMessage(t, bound)
	assert.Equal(t, "event-notification", note["type"])

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "the unbound session must not receive the notification")
}

func TestHubUnbindStopsDelivery(t *testing.T) {
	hub := NewHub(8)
	defer hub.Close()

	conn := dialHub(t, hub)
	readMessage(t, conn)
	require.NoError(t, conn.WriteJSON(protocolMessage{Type: messageBind, SubscriptionID: "sub-1"}))
	readMessage(t, conn)
	require.NoError(t, conn.WriteJSON(protocolMessage{Type: messageUnbind, SubscriptionID: "sub-1"}))

	// unbind is applied by the read loop; give it a moment
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for _, s := range hub.sessions {
			if s.boundTo("sub-1") {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	hub.Notify("sub-1", []byte(`{}`))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHubOverflowClosesSession(t *testing.T) {
	hub := NewHub(1)
	defer hub.Close()

	conn := dialHub(t, hub)
	readMessage(t, conn)
	require.NoError(t, conn.WriteJSON(protocolMessage{Type: messageBind, SubscriptionID: "sub-1"}))
	readMessage(t, conn)

	// flood with frames large enough to fill the socket buffers while the
	// client is not reading, so the queue backs up
	big := []byte(`{"pad":"` + strings.Repeat("x", 1<<18) + `"}`)
	for i := 0; i < 256; i++ {
		hub.Notify("sub-1", big)
		if hub.SessionCount() == 0 {
			break
		}
	}

	assert.Eventually(t, func() bool { return hub.SessionCount() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestHubCloseDropsSessions(t *testing.T) {
	hub := NewHub(8)
	conn := dialHub(t, hub)
	readMessage(t, conn)
	require.Equal(t, 1, hub.SessionCount())

	hub.Close()
	assert.Equal(t, 0, hub.SessionCount())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
