package wshub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/blackflagsec/sentinel/internal/events"
)

func TestHubBroadcastsBusEvents(t *testing.T) {
	bus := events.NewBus(8)
	hub := NewHub(bus, nil)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the server goroutine a moment to register the subscriber
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, hub.ConnectedCount())

	bus.Publish(events.Event{Type: events.JobStarted, JobID: "job-1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "job.started")
	require.Contains(t, string(msg), "job-1")
}

func TestHubConnectedCountDropsOnDisconnect(t *testing.T) {
	bus := events.NewBus(8)
	hub := NewHub(bus, nil)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, hub.ConnectedCount())

	conn.Close()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, hub.ConnectedCount())
}
