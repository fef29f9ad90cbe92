package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/api/jsonrpcx"
	"github.com/danghamo/busline/pkg/logger"
)

// DefaultStation is used for pages that connect without a station id
const DefaultStation = "default"

// SSEClient represents a connected page
type SSEClient struct {
	ID        string
	StationID string
	Writer    http.ResponseWriter
	Flusher   http.Flusher
	Done      chan bool
	LastSeen  time.Time
	mutex     sync.Mutex // Protects concurrent writes to this client
}

// stationMessage is a notification targeted at one station's pages
type stationMessage struct {
	StationID    string
	Notification jsonrpcx.JsonRpcNotification
}

// SSEBroadcaster fans notifications out to connected pages
type SSEBroadcaster struct {
	logger           *logger.Logger
	clients          map[string]*SSEClient
	stationClients   map[string][]*SSEClient
	mutex            sync.RWMutex
	broadcast        chan []byte
	stationBroadcast chan stationMessage
	cleanup          *time.Ticker
	shutdown         chan struct{}
	closeOnce        sync.Once
	staleAfter       time.Duration
}

// NewSSEBroadcaster creates a new SSE broadcaster
func NewSSEBroadcaster(logger *logger.Logger) *SSEBroadcaster {
	broadcaster := &SSEBroadcaster{
		logger:           logger.WithComponent("sse-broadcaster"),
		clients:          make(map[string]*SSEClient),
		stationClients:   make(map[string][]*SSEClient),
		broadcast:        make(chan []byte, 256),
		stationBroadcast: make(chan stationMessage, 256),
		cleanup:          time.NewTicker(30 * time.Second),
		shutdown:         make(chan struct{}),
		staleAfter:       90 * time.Second,
	}

	go broadcaster.broadcastLoop()
	go broadcaster.stationBroadcastLoop()
	go broadcaster.cleanupLoop()

	return broadcaster
}

// AddClient registers a connected page
func (b *SSEBroadcaster) AddClient(client *SSEClient) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.clients[client.ID] = client
	b.stationClients[client.StationID] = append(b.stationClients[client.StationID], client)

	b.logger.Debug("SSE client connected",
		zap.String("clientId", client.ID),
		zap.String("stationId", client.StationID))
}

// RemoveClient removes a page
func (b *SSEBroadcaster) RemoveClient(clientID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.removeLocked(clientID)
}

func (b *SSEBroadcaster) removeLocked(clientID string) {
	client, exists := b.clients[clientID]
	if !exists {
		return
	}

	select {
	case <-client.Done:
	default:
		close(client.Done)
	}
	delete(b.clients, clientID)

	siblings := b.stationClients[client.StationID]
	for i, sc := range siblings {
		if sc.ID == clientID {
			b.stationClients[client.StationID] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(b.stationClients[client.StationID]) == 0 {
		delete(b.stationClients, client.StationID)
	}

	b.logger.Debug("SSE client disconnected",
		zap.String("clientId", clientID),
		zap.String("stationId", client.StationID))
}

// BroadcastToAll sends a notification to every connected page
func (b *SSEBroadcaster) BroadcastToAll(notification jsonrpcx.JsonRpcNotification) {
	data, err := json.Marshal(notification)
	if err != nil {
		b.logger.Error("Failed to marshal JSON-RPC notification", zap.Error(err))
		return
	}

	select {
	case <-b.shutdown:
	case b.broadcast <- data:
	default:
		b.logger.Warn("Broadcast channel full, dropping message",
			zap.String("method", notification.Method))
	}
}

// BroadcastToStations sends a notification to the pages of the given stations
// that are connected to this agent
func (b *SSEBroadcaster) BroadcastToStations(stationIDs []string, notification jsonrpcx.JsonRpcNotification) {
	b.mutex.RLock()
	local := make([]string, 0, len(stationIDs))
	for _, id := range stationIDs {
		if len(b.stationClients[id]) > 0 {
			local = append(local, id)
		}
	}
	b.mutex.RUnlock()

	for _, id := range local {
		select {
		case <-b.shutdown:
			return
		case b.stationBroadcast <- stationMessage{StationID: id, Notification: notification}:
		default:
			b.logger.Warn("Station broadcast channel full, dropping message",
				zap.String("stationId", id))
		}
	}
}

func (b *SSEBroadcaster) stationBroadcastLoop() {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in stationBroadcastLoop", zap.Any("panic", r))
			go b.stationBroadcastLoop()
		}
	}()

	for {
		select {
		case <-b.shutdown:
			return
		case msg := <-b.stationBroadcast:
			b.mutex.RLock()
			targets := append([]*SSEClient(nil), b.stationClients[msg.StationID]...)
			b.mutex.RUnlock()

			data, err := json.Marshal(msg.Notification)
			if err != nil {
				b.logger.Error("Failed to marshal station notification", zap.Error(err))
				continue
			}
			b.deliver(targets, data)
		}
	}
}

func (b *SSEBroadcaster) broadcastLoop() {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in broadcastLoop", zap.Any("panic", r))
			go b.broadcastLoop()
		}
	}()

	for {
		select {
		case <-b.shutdown:
			return
		case data := <-b.broadcast:
			b.mutex.RLock()
			targets := make([]*SSEClient, 0, len(b.clients))
			for _, client := range b.clients {
				targets = append(targets, client)
			}
			b.mutex.RUnlock()

			b.deliver(targets, data)
		}
	}
}

func (b *SSEBroadcaster) deliver(targets []*SSEClient, data []byte) {
	var failed []string
	for _, client := range targets {
		select {
		case <-client.Done:
			failed = append(failed, client.ID)
		default:
			if err := b.sendToClient(client, data); err != nil {
				b.logger.Warn("Failed to send to client",
					zap.String("clientId", client.ID),
					zap.Error(err))
				failed = append(failed, client.ID)
			}
		}
	}
	for _, id := range failed {
		b.RemoveClient(id)
	}
}

// sendToClient writes one SSE frame
func (b *SSEBroadcaster) sendToClient(client *SSEClient, data []byte) error {
	if client.Writer == nil || client.Flusher == nil {
		return fmt.Errorf("client %s has no writer", client.ID)
	}

	client.mutex.Lock()
	defer client.mutex.Unlock()

	frame := fmt.Sprintf("data: %s\n\n", data)
	n, err := client.Writer.Write([]byte(frame))
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("incomplete write: wrote %d/%d bytes", n, len(frame))
	}

	client.Flusher.Flush()
	client.LastSeen = time.Now()
	return nil
}

// cleanupLoop removes pages that stopped accepting writes
func (b *SSEBroadcaster) cleanupLoop() {
	for {
		select {
		case <-b.shutdown:
			return
		case <-b.cleanup.C:
			b.mutex.Lock()
			now := time.Now()
			for clientID, client := range b.clients {
				client.mutex.Lock()
				stale := now.Sub(client.LastSeen) > b.staleAfter
				client.mutex.Unlock()
				if stale {
					b.logger.Debug("Removing stale SSE client", zap.String("clientId", clientID))
					b.removeLocked(clientID)
				}
			}
			b.mutex.Unlock()
		}
	}
}

// GetClientCount returns the number of connected pages
func (b *SSEBroadcaster) GetClientCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.clients)
}

// GetStationClientCount returns the number of pages connected for a station
func (b *SSEBroadcaster) GetStationClientCount(stationID string) int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.stationClients[stationID])
}

// Close shuts down the broadcaster; later calls are no-ops
func (b *SSEBroadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.shutdown)
		b.cleanup.Stop()

		b.mutex.Lock()
		defer b.mutex.Unlock()
		for clientID := range b.clients {
			b.removeLocked(clientID)
		}
		b.logger.Debug("SSE broadcaster shutdown complete")
	})
}

// HandleSSE streams notifications to a page. The page names its station with
// the "station" query parameter.
func (b *SSEBroadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Server-Sent Events not supported", http.StatusInternalServerError)
		return
	}

	stationID := r.URL.Query().Get("station")
	if stationID == "" {
		stationID = DefaultStation
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &SSEClient{
		ID:        uuid.New().String(),
		StationID: stationID,
		Writer:    w,
		Flusher:   flusher,
		Done:      make(chan bool),
		LastSeen:  time.Now(),
	}

	b.AddClient(client)
	defer b.RemoveClient(client.ID)

	hello, _ := json.Marshal(jsonrpcx.NewNotification("stream.connected", map[string]string{
		"client_id":  client.ID,
		"station_id": stationID,
	}))
	if err := b.sendToClient(client, hello); err != nil {
		return
	}

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-client.Done:
			return
		case <-r.Context().Done():
			return
		case <-b.shutdown:
			return
		case <-keepAlive.C:
			ping, _ := json.Marshal(jsonrpcx.NewNotification("stream.heartbeat", map[string]string{
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			if err := b.sendToClient(client, ping); err != nil {
				b.logger.Warn("Failed to send keep-alive",
					zap.String("clientId", client.ID),
					zap.Error(err))
				return
			}
		}
	}
}
