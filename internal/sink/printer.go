// Package sink holds the event handlers the ticker can subscribe: the
// console printer and the downstream forwarders.
package sink

import (
	"fmt"
	"io"
	"time"

	"mdticker.com/internal/event"
)

// Printer writes the ticker lines. The feed name prefixes every BBO line.
type Printer struct {
	w    io.Writer
	feed string
	err  error
}

var _ event.Handler = (*Printer)(nil)

func NewPrinter(w io.Writer, feed string) *Printer {
	return &Printer{w: w, feed: feed}
}

// Err returns the first write error; later lines are skipped after it.
func (p *Printer) Err() error { return p.err }

func (p *Printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *Printer) OnPacketBegin(*event.PacketBegin) {}

func (p *Printer) OnMissingPackets(m *event.MissingPackets) {
	p.printf("[%s] Missing packets: %d < %d [Expected < Current]\n",
		m.Session, m.ExpectedSequenceNumber, m.SequenceNumber)
}

func (p *Printer) OnError(e *event.Error) {
	p.printf("%s\n", e.String())
}

func (p *Printer) OnAggregatedPriceUpdate(a *event.AggregatedPriceUpdate) {
	p.printf("%s %8s |%10d %10d |%6d %6d [%6s] %s\n",
		stamp(a.LastReceiptTime, 6),
		a.BookStatus,
		a.FirstSequenceNumber,
		a.LastSequenceNumber,
		a.FirstProductSequenceNumber,
		a.LastProductSequenceNumber,
		a.Product.Name,
		a.TopOfBook)
}

func (p *Printer) OnBBOQuote(q *event.BBOQuote) {
	bid, ask := "N/A", "N/A"
	if q.BidQuantity != 0 {
		bid = q.BidPrice.String()
	}
	if q.AskQuantity != 0 {
		ask = q.AskPrice.String()
	}
	p.printf("%s: BBO   %s %s %6s %17s %8d |   bid: %6d @ %6s | ask: %6d @ %6s |\n",
		p.feed,
		stamp(q.ReceiptTime, 9),
		stamp(q.ExchangeTime, 9),
		q.Product.Name,
		q.UpdateTriggerParticipant,
		q.SequenceNumber,
		q.BidQuantity, bid,
		q.AskQuantity, ask)
}

func (p *Printer) OnTrade(t *event.Trade) {
	p.printf("TRADE: %s %8s %8s %10d %6d [%6s] % 4d @ %6s\n",
		stamp(t.ReceiptTime, 9),
		stamp(t.ExchangeTime, 9),
		t.BookStatus,
		t.SequenceNumber,
		t.ProductSequenceNumber,
		t.Product.Name,
		t.Quantity,
		t.Price)
}

func (p *Printer) OnProductAnnouncement(a *event.ProductAnnouncement) {
	p.printf("%s\n", a.String())
}

func (p *Printer) OnProductStatus(*event.ProductStatus) {}

// stamp renders "2006/01/02 15:04:05:" followed by digits of fraction.
func stamp(t time.Time, digits int) string {
	t = t.UTC()
	frac := t.Nanosecond()
	for i := 9; i > digits; i-- {
		frac /= 10
	}
	return fmt.Sprintf("%s:%0*d", t.Format("2006/01/02 15:04:05"), digits, frac)
}
