package sink

import (
	"mdticker.com/internal/event"
	"mdticker.com/pkg/metrics"
)

// Fanout hands every event to each handler in order.
type Fanout struct {
	hs []event.Handler
}

var _ event.Handler = (*Fanout)(nil)

// NewFanout drops nil handlers.
func NewFanout(hs ...event.Handler) *Fanout {
	f := &Fanout{hs: make([]event.Handler, 0, len(hs))}
	for _, h := range hs {
		if h != nil {
			f.hs = append(f.hs, h)
		}
	}
	return f
}

func (f *Fanout) Len() int { return len(f.hs) }

func (f *Fanout) OnPacketBegin(e *event.PacketBegin) {
	for _, h := range f.hs {
		h.OnPacketBegin(e)
	}
}

func (f *Fanout) OnMissingPackets(e *event.MissingPackets) {
	for _, h := range f.hs {
		h.OnMissingPackets(e)
	}
}

func (f *Fanout) OnAggregatedPriceUpdate(e *event.AggregatedPriceUpdate) {
	for _, h := range f.hs {
		h.OnAggregatedPriceUpdate(e)
	}
}

func (f *Fanout) OnBBOQuote(e *event.BBOQuote) {
	for _, h := range f.hs {
		h.OnBBOQuote(e)
	}
}

func (f *Fanout) OnTrade(e *event.Trade) {
	for _, h := range f.hs {
		h.OnTrade(e)
	}
}

func (f *Fanout) OnProductAnnouncement(e *event.ProductAnnouncement) {
	for _, h := range f.hs {
		h.OnProductAnnouncement(e)
	}
}

func (f *Fanout) OnProductStatus(e *event.ProductStatus) {
	for _, h := range f.hs {
		h.OnProductStatus(e)
	}
}

func (f *Fanout) OnError(e *event.Error) {
	for _, h := range f.hs {
		h.OnError(e)
	}
}

// Metrics counts events by kind and gap sizes per session.
type Metrics struct {
	feed string
}

var _ event.Handler = (*Metrics)(nil)

func NewMetrics(feed string) *Metrics { return &Metrics{feed: feed} }

func (m *Metrics) count(k event.Kind) {
	metrics.Events.WithLabelValues(m.feed, k.String()).Inc()
}

func (m *Metrics) OnPacketBegin(*event.PacketBegin) { m.count(event.KindPacketBegin) }

func (m *Metrics) OnMissingPackets(e *event.MissingPackets) {
	m.count(event.KindMissingPackets)
	metrics.MissingPackets.WithLabelValues(m.feed, e.Session).Add(float64(e.Missing()))
}

func (m *Metrics) OnAggregatedPriceUpdate(*event.AggregatedPriceUpdate) {
	m.count(event.KindAggregatedPriceUpdate)
}

func (m *Metrics) OnBBOQuote(*event.BBOQuote) { m.count(event.KindBBOQuote) }
func (m *Metrics) OnTrade(*event.Trade)       { m.count(event.KindTrade) }

func (m *Metrics) OnProductAnnouncement(*event.ProductAnnouncement) {
	m.count(event.KindProductAnnouncement)
}

func (m *Metrics) OnProductStatus(*event.ProductStatus) { m.count(event.KindProductStatus) }
func (m *Metrics) OnError(*event.Error)                 { m.count(event.KindError) }
