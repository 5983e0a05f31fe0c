package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

type eventFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// hub fans events out to every connected subscriber. Each subscriber has
// its own buffered queue and writer so one slow client cannot reorder or
// stall delivery to the rest; a client whose queue overflows is dropped.
type hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	subject string
	send    chan eventFrame
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, clients: map[*client]struct{}{}}
}

func (h *hub) add(subject string) *client {
	c := &client{
		subject: subject,
		send:    make(chan eventFrame, clientBuffer),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("event subscriber connected", "subject", subject, "subscribers", n)
	return c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Info("event subscriber disconnected", "subject", c.subject, "subscribers", n)
}

func (h *hub) broadcast(kind string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("encode event payload", "kind", kind, "error", err)
		return
	}
	frame := eventFrame{Event: kind, Data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("dropping slow event subscriber", "subject", c.subject)
			delete(h.clients, c)
			c.close()
		}
	}
}

// dropAll closes every subscriber connection, which clients observe as a
// transport failure.
func (h *hub) dropAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.clients)
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	return n
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// serve writes queued frames to conn until the client leaves or is dropped.
func (h *hub) serve(ctx context.Context, conn *websocket.Conn, c *client) {
	defer h.remove(c)
	ctx = conn.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = conn.Close(websocket.StatusGoingAway, "subscriber dropped")
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				h.logger.Debug("event write failed", "subject", c.subject, "error", err)
				return
			}
		}
	}
}
