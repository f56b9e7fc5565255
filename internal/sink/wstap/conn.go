package wstap

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"mdticker.com/pkg/metrics"
)

type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	mu     sync.Mutex
	latest map[string][]byte // topic -> newest payload not yet written
	order  []string          // topics in first-offer order
	notify chan struct{}     // capacity 1, coalesces wakeups
	done   chan struct{}
	closed atomic.Bool
}

func NewConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		ws:     ws,
		hub:    h,
		latest: make(map[string][]byte, 64),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Offer replaces the pending payload of topic. It returns false once the
// connection is closed.
func (c *Conn) Offer(topic string, payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	if _, pending := c.latest[topic]; pending {
		metrics.WSDropped.WithLabelValues("superseded").Inc()
	} else {
		c.order = append(c.order, topic)
	}
	c.latest[topic] = payload
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// flushLatest takes up to max pending payloads, oldest topic first.
func (c *Conn) flushLatest(max int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	n := min(len(c.order), max)
	out := make([][]byte, 0, n)
	for _, t := range c.order[:n] {
		out = append(out, c.latest[t])
		delete(c.latest, t)
	}
	c.order = append(c.order[:0], c.order[n:]...)
	if len(c.order) > 0 {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
	return out
}

func (c *Conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		c.hub.RemoveConn(c)
		_ = c.ws.Close()
		metrics.WSConns.Dec()
	}
}
