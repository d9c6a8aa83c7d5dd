package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchd/pkg/eventbus"
	"researchd/pkg/store"
)

func dialLive(t *testing.T, f *fixture, id string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/sessions/" + id + "/live"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) liveFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame liveFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestLiveChannelReplaysAndStreams(t *testing.T) {
	f := newFixture(t, "")
	id := store.NewSessionID()
	require.NoError(t, f.store.CreateSession(id, "auto-analyze", "{}"))

	// Events published before the client connects are replayed.
	_, err := f.bus.Publish(id, eventbus.EventStatus, `{"state":"running"}`)
	require.NoError(t, err)
	_, err = f.bus.Publish(id, eventbus.EventLog, "chunk one")
	require.NoError(t, err)

	conn := dialLive(t, f, id)

	first := readFrame(t, conn)
	assert.Equal(t, "status", first.Type)
	assert.Equal(t, int64(1), first.Seq)

	second := readFrame(t, conn)
	assert.Equal(t, "log", second.Type)
	assert.Equal(t, "chunk one", second.Data)

	// Live event after connect.
	_, err = f.bus.Publish(id, eventbus.EventLog, "chunk two")
	require.NoError(t, err)
	third := readFrame(t, conn)
	assert.Equal(t, int64(3), third.Seq)
	assert.Equal(t, "chunk two", third.Data)
}

func TestLiveChannelClosesWithSession(t *testing.T) {
	f := newFixture(t, "")
	id := store.NewSessionID()
	require.NoError(t, f.store.CreateSession(id, "auto-analyze", "{}"))

	conn := dialLive(t, f, id)
	f.bus.CloseSession(id)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected a normal close, got %v", err)
}

func TestLiveChannelUnknownSession(t *testing.T) {
	f := newFixture(t, "")
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/sessions/" + store.NewSessionID() + "/live"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLiveChannelAcceptsClientPing(t *testing.T) {
	f := newFixture(t, "")
	id := store.NewSessionID()
	require.NoError(t, f.store.CreateSession(id, "auto-analyze", "{}"))

	conn := dialLive(t, f, id)
	raw, err := json.Marshal(clientFrame{Type: "ping"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	// The connection stays healthy and still delivers events.
	_, err = f.bus.Publish(id, eventbus.EventLog, "after ping")
	require.NoError(t, err)
	frame := readFrame(t, conn)
	assert.Equal(t, "after ping", frame.Data)
}
