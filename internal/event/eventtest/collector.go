// Package eventtest provides an event.Handler that records what it sees.
package eventtest

import (
	"sync"

	"mdticker.com/internal/event"
)

// Collector keeps a copy of every event it is handed.
type Collector struct {
	mu     sync.Mutex
	events []event.Event
}

var _ event.Handler = (*Collector)(nil)

func (c *Collector) add(ev event.Event) {
	c.mu.Lock()
	c.events = append(c.events, event.Clone(ev))
	c.mu.Unlock()
}

func (c *Collector) Events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *Collector) Kinds() []event.Kind {
	evs := c.Events()
	out := make([]event.Kind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind())
	}
	return out
}

// Products lists the product name of every product-level event in order.
func (c *Collector) Products() []string {
	var out []string
	for _, ev := range c.Events() {
		if name := ev.ProductName(); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func (c *Collector) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

func (c *Collector) OnPacketBegin(e *event.PacketBegin)                     { c.add(e) }
func (c *Collector) OnMissingPackets(e *event.MissingPackets)               { c.add(e) }
func (c *Collector) OnAggregatedPriceUpdate(e *event.AggregatedPriceUpdate) { c.add(e) }
func (c *Collector) OnBBOQuote(e *event.BBOQuote)                           { c.add(e) }
func (c *Collector) OnTrade(e *event.Trade)                                 { c.add(e) }
func (c *Collector) OnProductAnnouncement(e *event.ProductAnnouncement)     { c.add(e) }
func (c *Collector) OnProductStatus(e *event.ProductStatus)                 { c.add(e) }
func (c *Collector) OnError(e *event.Error)                                 { c.add(e) }
