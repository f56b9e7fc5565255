// Package wstap serves events to websocket clients. A client subscribes to
// topics and receives, per topic, the latest event only: a slow client
// skips intermediate updates instead of slowing the feed down.
package wstap

import (
	"sync"

	"mdticker.com/pkg/metrics"
)

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Conn]struct{} // topic -> conns
	last map[string][]byte             // topic -> last payload
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*Conn]struct{}, 1024),
		last: make(map[string][]byte, 1024),
	}
}

// Subscribe registers c and replays the latest payload of each topic.
func (h *Hub) Subscribe(c *Conn, topics []string) {
	type snap struct {
		topic string
		data  []byte
	}
	h.mu.Lock()
	snaps := make([]snap, 0, len(topics))
	for _, t := range topics {
		set := h.subs[t]
		if set == nil {
			set = make(map[*Conn]struct{}, 16)
			h.subs[t] = set
		}
		set[c] = struct{}{}
		if b := h.last[t]; b != nil {
			snaps = append(snaps, snap{t, b})
		}
	}
	h.mu.Unlock()

	for _, s := range snaps {
		c.Offer(s.topic, s.data)
	}
}

func (h *Hub) Unsubscribe(c *Conn, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		if set := h.subs[t]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
	}
}

func (h *Hub) RemoveConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
}

// Subscribers is the number of connections on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Publish stores payload as the topic snapshot and offers it to every
// subscriber without blocking. The hub keeps payload; callers must not
// reuse it.
func (h *Hub) Publish(topic string, payload []byte) {
	h.mu.Lock()
	h.last[topic] = payload
	conns := make([]*Conn, 0, len(h.subs[topic]))
	for c := range h.subs[topic] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if !c.Offer(topic, payload) {
			metrics.WSDropped.WithLabelValues("closed").Inc()
		}
	}
}
