package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/iago/audiodrop-back/internal/domain"
)

const (
	writeWait       = 5 * time.Second
	broadcastBuffer = 64
)

// JobUpdate is pushed to live clients on every status transition.
type JobUpdate struct {
	Type               string           `json:"type"`
	DownloadID         int64            `json:"download_id"`
	Status             domain.JobStatus `json:"status"`
	ProgressPercentage int              `json:"progress_percentage"`
	ErrorMessage       string           `json:"error_message,omitempty"`
}

func NewJobUpdate(job *domain.Job) JobUpdate {
	return JobUpdate{
		Type:               "job_update",
		DownloadID:         job.ID,
		Status:             job.Status,
		ProgressPercentage: job.Status.Progress(),
		ErrorMessage:       job.ErrorMessage,
	}
}

type Publisher interface {
	Publish(update JobUpdate)
}

type NopPublisher struct{}

func (NopPublisher) Publish(JobUpdate) {}

// Hub fans job updates out to connected WebSocket clients. Only the Run
// goroutine writes to registered connections.
type Hub struct {
	mu         sync.Mutex
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	logger     *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logf("ws client connected clients=%d", total)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				_ = client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logf("ws client disconnected clients=%d", total)
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logf("ws write failed err=%v", err)
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish never blocks the caller; updates are dropped when the buffer is full.
func (h *Hub) Publish(update JobUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		h.logf("ws marshal update failed err=%v", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logf("ws broadcast buffer full, dropping update download_id=%d", update.DownloadID)
	}
}

// Register hands conn to the hub. It closes conn if the hub has stopped.
func (h *Hub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		_ = conn.Close()
	}
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		_ = conn.Close()
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}
