package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danghamo/busline/internal/api/jsonrpcx"
	"github.com/danghamo/busline/pkg/logger"
)

// recordingWriter is a concurrency-safe ResponseWriter + Flusher
type recordingWriter struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{header: http.Header{}}
}

func (w *recordingWriter) Header() http.Header { return w.header }
func (w *recordingWriter) WriteHeader(int)     {}
func (w *recordingWriter) Flush()              {}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *recordingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func newClient(id, station string) (*SSEClient, *recordingWriter) {
	w := newRecordingWriter()
	return &SSEClient{
		ID:        id,
		StationID: station,
		Writer:    w,
		Flusher:   w,
		Done:      make(chan bool),
		LastSeen:  time.Now(),
	}, w
}

func TestSSEBroadcaster_BroadcastToStations(t *testing.T) {
	broadcaster := NewSSEBroadcaster(logger.NewNop())
	defer broadcaster.Close()

	c1, w1 := newClient("client1", "gate-1")
	c2, w2 := newClient("client2", "gate-2")
	c3, w3 := newClient("client3", "gate-1")
	broadcaster.AddClient(c1)
	broadcaster.AddClient(c2)
	broadcaster.AddClient(c3)

	assert.Equal(t, 3, broadcaster.GetClientCount())
	assert.Equal(t, 2, broadcaster.GetStationClientCount("gate-1"))

	broadcaster.BroadcastToStations([]string{"gate-1", "gate-9"}, jsonrpcx.NewNotification("attendance.outcome", map[string]bool{"success": true}))

	assert.Eventually(t, func() bool {
		return strings.Contains(w1.String(), "attendance.outcome") && strings.Contains(w3.String(), "attendance.outcome")
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, w2.String())
}

func TestSSEBroadcaster_BroadcastToAll(t *testing.T) {
	broadcaster := NewSSEBroadcaster(logger.NewNop())
	defer broadcaster.Close()

	c1, w1 := newClient("client1", "gate-1")
	c2, w2 := newClient("client2", "gate-2")
	broadcaster.AddClient(c1)
	broadcaster.AddClient(c2)

	broadcaster.BroadcastToAll(jsonrpcx.NewNotification("ui.notify", map[string]string{"message": "Bus departing"}))

	assert.Eventually(t, func() bool {
		return strings.HasPrefix(w1.String(), "data: ") && strings.HasPrefix(w2.String(), "data: ")
	}, time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasSuffix(w1.String(), "\n\n"))
}

func TestSSEBroadcaster_FailedClientIsRemoved(t *testing.T) {
	broadcaster := NewSSEBroadcaster(logger.NewNop())
	defer broadcaster.Close()

	broadcaster.AddClient(&SSEClient{ID: "broken", StationID: "gate-1", Done: make(chan bool), LastSeen: time.Now()})
	require.Equal(t, 1, broadcaster.GetClientCount())

	broadcaster.BroadcastToAll(jsonrpcx.NewNotification("ui.notify", nil))

	assert.Eventually(t, func() bool {
		return broadcaster.GetClientCount() == 0 && broadcaster.GetStationClientCount("gate-1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSSEBroadcaster_RemoveAndCloseAreIdempotent(t *testing.T) {
	broadcaster := NewSSEBroadcaster(logger.NewNop())

	c1, _ := newClient("client1", "gate-1")
	broadcaster.AddClient(c1)
	broadcaster.RemoveClient("client1")
	broadcaster.RemoveClient("client1")
	assert.Equal(t, 0, broadcaster.GetClientCount())

	broadcaster.Close()
	broadcaster.Close()

	// publishing after close must not block
	broadcaster.BroadcastToAll(jsonrpcx.NewNotification("ui.notify", nil))
}

func TestSSEBroadcaster_HandleSSE(t *testing.T) {
	broadcaster := NewSSEBroadcaster(logger.NewNop())
	defer broadcaster.Close()

	srv := httptest.NewServer(http.HandlerFunc(broadcaster.HandleSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?station=gate-7")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readFrame := func() jsonrpcx.JsonRpcNotification {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(line, "data: "), line)
		_, err = reader.ReadString('\n')
		require.NoError(t, err)

		var n jsonrpcx.JsonRpcNotification
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &n))
		return n
	}

	hello := readFrame()
	assert.Equal(t, "stream.connected", hello.Method)
	assert.Equal(t, "gate-7", hello.Params.(map[string]interface{})["station_id"])

	require.Eventually(t, func() bool {
		return broadcaster.GetStationClientCount("gate-7") == 1
	}, time.Second, 10*time.Millisecond)

	broadcaster.BroadcastToStations([]string{"gate-7"}, jsonrpcx.NewNotification("page.reload", nil))
	assert.Equal(t, "page.reload", readFrame().Method)
}
