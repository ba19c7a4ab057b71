package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminofox/rtmpingest/pkg/logger"
)

func dialFeed(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFeedBroadcastsStreamStarted(t *testing.T) {
	feed := NewFeed(logger.NewDefaultLogger(logger.InfoLevel, "text"))
	srv := httptest.NewServer(http.HandlerFunc(feed.HandleWebSocket))
	defer srv.Close()

	conn := dialFeed(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Give the server goroutine time to register the client before broadcasting.
	time.Sleep(20 * time.Millisecond)
	feed.StreamStarted("mystream", "sess-1")

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), string(EventStreamStarted))
	assert.Contains(t, string(msg), "mystream")
}

func TestFeedBroadcastPastSendBufferDoesNotBlock(t *testing.T) {
	feed := NewFeed(logger.NewDefaultLogger(logger.InfoLevel, "text"))
	srv := httptest.NewServer(http.HandlerFunc(feed.HandleWebSocket))
	defer srv.Close()

	_ = dialFeed(t, srv)
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < clientSendSize+10; i++ {
		feed.Stats(StatsData{ActiveSessions: i})
	}

	assert.NotPanics(t, func() {
		feed.Stats(StatsData{ActiveSessions: -1})
	})
}
