package wstap

import (
	"context"
	"net/http"

	"mdticker.com/internal/event"
	"mdticker.com/internal/sink"
)

// Tap is the event.Handler side: it encodes events and publishes them on
// their envelope topic.
type Tap struct {
	feed   string
	hub    *Hub
	server *Server
}

var _ event.Handler = (*Tap)(nil)

func New(ctx context.Context, feed string) *Tap {
	hub := NewHub()
	return &Tap{feed: feed, hub: hub, server: NewServer(ctx, hub)}
}

func (t *Tap) Hub() *Hub { return t.hub }

// Handler serves the websocket endpoint.
func (t *Tap) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", t.server)
	return mux
}

func (t *Tap) publish(ev event.Event) {
	env, ok := sink.NewEnvelope(t.feed, ev)
	if !ok {
		return
	}
	b, err := env.Marshal()
	if err != nil {
		return
	}
	t.hub.Publish(env.Topic(), b)
}

func (t *Tap) OnPacketBegin(*event.PacketBegin)                       {}
func (t *Tap) OnMissingPackets(e *event.MissingPackets)               { t.publish(e) }
func (t *Tap) OnAggregatedPriceUpdate(e *event.AggregatedPriceUpdate) { t.publish(e) }
func (t *Tap) OnBBOQuote(e *event.BBOQuote)                           { t.publish(e) }
func (t *Tap) OnTrade(e *event.Trade)                                 { t.publish(e) }
func (t *Tap) OnProductAnnouncement(e *event.ProductAnnouncement)     { t.publish(e) }
func (t *Tap) OnProductStatus(e *event.ProductStatus)                 { t.publish(e) }
func (t *Tap) OnError(e *event.Error)                                 { t.publish(e) }
