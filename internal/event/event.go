// Package event defines the typed market events a session's protocol
// processor produces and the Handler every sink implements.
//
// Events are passed by pointer and are only valid for the duration of the
// handler call; processors reuse them for the next message.
package event

import (
	"fmt"
	"time"

	"mdticker.com/internal/model"
)

type Kind uint8

const (
	KindPacketBegin Kind = iota + 1
	KindMissingPackets
	KindAggregatedPriceUpdate
	KindBBOQuote
	KindTrade
	KindProductAnnouncement
	KindProductStatus
	KindError
)

var kindNames = [...]string{
	KindPacketBegin:           "packet_begin",
	KindMissingPackets:        "missing_packets",
	KindAggregatedPriceUpdate: "aggregated_price_update",
	KindBBOQuote:              "bbo_quote",
	KindTrade:                 "trade",
	KindProductAnnouncement:   "product_announcement",
	KindProductStatus:         "product_status",
	KindError:                 "error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Handler receives every event variant. Adding a variant adds a method, so
// every sink stops compiling until it handles it.
type Handler interface {
	OnPacketBegin(*PacketBegin)
	OnMissingPackets(*MissingPackets)
	OnAggregatedPriceUpdate(*AggregatedPriceUpdate)
	OnBBOQuote(*BBOQuote)
	OnTrade(*Trade)
	OnProductAnnouncement(*ProductAnnouncement)
	OnProductStatus(*ProductStatus)
	OnError(*Error)
}

// Event is the closed set of variants below.
type Event interface {
	Kind() Kind
	// Accept calls the Handler method matching the variant.
	Accept(Handler)
	// ProductName is empty for session-level events.
	ProductName() string
}

type PacketBegin struct {
	Session        string
	SequenceNumber uint32
	MessageCount   uint8
	ReceiptTime    time.Time
	SendTime       time.Time
}

type MissingPackets struct {
	Session                string
	ExpectedSequenceNumber uint32
	SequenceNumber         uint32
}

// Missing is the number of packets skipped.
func (m *MissingPackets) Missing() uint32 {
	if m.SequenceNumber <= m.ExpectedSequenceNumber {
		return 0
	}
	return m.SequenceNumber - m.ExpectedSequenceNumber
}

type AggregatedPriceUpdate struct {
	Session                    string
	Product                    model.Product
	BookStatus                 model.BookStatus
	FirstSequenceNumber        uint32
	LastSequenceNumber         uint32
	FirstProductSequenceNumber uint32
	LastProductSequenceNumber  uint32
	LastReceiptTime            time.Time
	TopOfBook                  model.TopOfBook
}

type BBOQuote struct {
	Session                  string
	Product                  model.Product
	ReceiptTime              time.Time
	ExchangeTime             time.Time
	UpdateTriggerParticipant model.MarketParticipant
	SequenceNumber           uint32
	ProductSequenceNumber    uint32
	BidPrice                 model.Price
	BidQuantity              uint64
	AskPrice                 model.Price
	AskQuantity              uint64
}

type Trade struct {
	Session               string
	Product               model.Product
	ReceiptTime           time.Time
	ExchangeTime          time.Time
	BookStatus            model.BookStatus
	SequenceNumber        uint32
	ProductSequenceNumber uint32
	TradeID               uint32
	Price                 model.Price
	Quantity              uint64
}

type ProductAnnouncement struct {
	Session      string
	Product      model.Product
	Index        uint32
	PriceScale   uint8
	LotSize      uint16
	SystemID     uint8
	ExchangeCode byte
	MarketID     uint16
}

func (p *ProductAnnouncement) String() string {
	return fmt.Sprintf("ProductAnnouncement [%s] %s index=%d scale=%d lot=%d system=%d exchange=%c market=%d",
		p.Session, p.Product.Name, p.Index, p.PriceScale, p.LotSize, p.SystemID, printable(p.ExchangeCode), p.MarketID)
}

type ProductStatus struct {
	Session        string
	Product        model.Product
	ExchangeTime   time.Time
	SequenceNumber uint32
	Status         model.SecurityStatus
	BookStatus     model.BookStatus
	HaltReason     byte
}

// Error reports a processor condition the sink should treat as a likely
// systemic problem upstream.
type Error struct {
	Session        string
	SequenceNumber uint32
	Message        string
	Err            error
}

func (e *Error) String() string {
	if e.Err != nil {
		return fmt.Sprintf("ERROR [%s] seq=%d %s: %v", e.Session, e.SequenceNumber, e.Message, e.Err)
	}
	return fmt.Sprintf("ERROR [%s] seq=%d %s", e.Session, e.SequenceNumber, e.Message)
}

func (*PacketBegin) Kind() Kind           { return KindPacketBegin }
func (*MissingPackets) Kind() Kind        { return KindMissingPackets }
func (*AggregatedPriceUpdate) Kind() Kind { return KindAggregatedPriceUpdate }
func (*BBOQuote) Kind() Kind              { return KindBBOQuote }
func (*Trade) Kind() Kind                 { return KindTrade }
func (*ProductAnnouncement) Kind() Kind   { return KindProductAnnouncement }
func (*ProductStatus) Kind() Kind         { return KindProductStatus }
func (*Error) Kind() Kind                 { return KindError }

func (e *PacketBegin) Accept(h Handler)           { h.OnPacketBegin(e) }
func (e *MissingPackets) Accept(h Handler)        { h.OnMissingPackets(e) }
func (e *AggregatedPriceUpdate) Accept(h Handler) { h.OnAggregatedPriceUpdate(e) }
func (e *BBOQuote) Accept(h Handler)              { h.OnBBOQuote(e) }
func (e *Trade) Accept(h Handler)                 { h.OnTrade(e) }
func (e *ProductAnnouncement) Accept(h Handler)   { h.OnProductAnnouncement(e) }
func (e *ProductStatus) Accept(h Handler)         { h.OnProductStatus(e) }
func (e *Error) Accept(h Handler)                 { h.OnError(e) }

func (*PacketBegin) ProductName() string             { return "" }
func (*MissingPackets) ProductName() string          { return "" }
func (e *AggregatedPriceUpdate) ProductName() string { return e.Product.Name }
func (e *BBOQuote) ProductName() string              { return e.Product.Name }
func (e *Trade) ProductName() string                 { return e.Product.Name }
func (e *ProductAnnouncement) ProductName() string   { return e.Product.Name }
func (e *ProductStatus) ProductName() string         { return e.Product.Name }
func (*Error) ProductName() string                   { return "" }

// NopHandler ignores every event. Embed it only in handlers that are
// deliberately partial, such as test probes.
type NopHandler struct{}

func (NopHandler) OnPacketBegin(*PacketBegin)                     {}
func (NopHandler) OnMissingPackets(*MissingPackets)               {}
func (NopHandler) OnAggregatedPriceUpdate(*AggregatedPriceUpdate) {}
func (NopHandler) OnBBOQuote(*BBOQuote)                           {}
func (NopHandler) OnTrade(*Trade)                                 {}
func (NopHandler) OnProductAnnouncement(*ProductAnnouncement)     {}
func (NopHandler) OnProductStatus(*ProductStatus)                 {}
func (NopHandler) OnError(*Error)                                 {}

func printable(c byte) byte {
	if c < 0x20 || c > 0x7e {
		return '?'
	}
	return c
}

// Clone returns a copy of ev that stays valid after the handler returns.
func Clone(ev Event) Event {
	switch e := ev.(type) {
	case *PacketBegin:
		c := *e
		return &c
	case *MissingPackets:
		c := *e
		return &c
	case *AggregatedPriceUpdate:
		c := *e
		return &c
	case *BBOQuote:
		c := *e
		return &c
	case *Trade:
		c := *e
		return &c
	case *ProductAnnouncement:
		c := *e
		return &c
	case *ProductStatus:
		c := *e
		return &c
	case *Error:
		c := *e
		return &c
	default:
		return ev
	}
}
