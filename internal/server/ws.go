package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ayusman/duolens/internal/app"
)

const (
	writeWait   = 2 * time.Second
	eventBuffer = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// EventSource publishes shot lifecycle events.
type EventSource interface {
	Subscribe(fn func(app.Event)) func()
}

// EventsHandler broadcasts shot events to WebSocket clients.
type EventsHandler struct {
	logger      *zap.SugaredLogger
	unsubscribe func()
	messages    chan []byte
	done        chan struct{}
	closeOnce   sync.Once

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewEventsHandler subscribes to src and starts broadcasting.
func NewEventsHandler(src EventSource, logger *zap.SugaredLogger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &EventsHandler{
		logger:   logger,
		messages: make(chan []byte, eventBuffer),
		done:     make(chan struct{}),
		clients:  make(map[*websocket.Conn]bool),
	}
	h.unsubscribe = src.Subscribe(h.enqueue)
	go h.broadcast()
	return h
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// enqueue runs on the publisher's goroutine and drops events when clients lag.
func (h *EventsHandler) enqueue(e app.Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Warnw("failed to encode event", "error", err)
		return
	}
	select {
	case h.messages <- msg:
	default:
		h.logger.Warnw("event buffer full, dropping event", "type", e.Type, "shot", e.ShotID)
	}
}

func (h *EventsHandler) broadcast() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.messages:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.logger.Debugw("dropping websocket client", "error", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *EventsHandler) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close unsubscribes and disconnects every client.
func (h *EventsHandler) Close() {
	h.closeOnce.Do(func() {
		h.unsubscribe()
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for conn := range h.clients {
			conn.Close()
			delete(h.clients, conn)
		}
	})
}
