package wsnotify

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/events"
	"orchestrator/internal/logging"
)

func TestHub_BroadcastsOnlyCancellation(t *testing.T) {
	bus := events.NewBus(16)
	hub := NewHub(bus, logging.Noop())
	defer hub.Close()

	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.TaskTransitioned, events.Data{TaskID: "t1", From: "running", To: "completed"}, time.Now())
	bus.Publish(events.TaskTransitioned, events.Data{TaskID: "t2", From: "running", To: "cancelled", Reason: "operator request"}, time.Now())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var notice CancellationNotice
	require.NoError(t, json.Unmarshal(msg, &notice))
	require.Equal(t, "t2", notice.TaskID)
	require.Equal(t, "operator request", notice.Reason)
}
