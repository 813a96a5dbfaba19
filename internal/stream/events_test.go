package stream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserbase-geo/internal/events"
	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, bus *events.Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.Len() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamDeliversFilteredEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := httptest.NewServer(NewServer(bus, logger.Nop()))
	defer srv.Close()

	conn := dial(t, srv, "session=s2")
	waitForSubscribers(t, bus, 1)

	bus.Publish(events.Event{Name: events.SessionMigrating, SessionID: "s1", RegionID: "us-east"})
	bus.Publish(events.Event{Name: events.SessionMigrated, SessionID: "s2", RegionID: "eu-west"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.SessionMigrated, got.Name)
	assert.Equal(t, "s2", got.SessionID)
	assert.False(t, got.At.IsZero())
}

func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := httptest.NewServer(NewServer(bus, logger.Nop()))
	defer srv.Close()

	conn := dial(t, srv, "")
	waitForSubscribers(t, bus, 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitForSubscribers(t, bus, 0)
}

func TestStreamClosesWithBus(t *testing.T) {
	bus := events.NewBus()
	srv := httptest.NewServer(NewServer(bus, logger.Nop()))
	defer srv.Close()

	conn := dial(t, srv, "region=eu-west")
	waitForSubscribers(t, bus, 1)
	bus.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
