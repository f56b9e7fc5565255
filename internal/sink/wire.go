package sink

import (
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"mdticker.com/internal/event"
)

// Envelope is the JSON form of an event shared by the publisher and the
// websocket tap. Fields that do not apply to a kind are omitted.
type Envelope struct {
	Feed    string    `json:"feed"`
	Kind    string    `json:"kind"`
	Session string    `json:"session,omitempty"`
	Product string    `json:"product,omitempty"`
	Seq     uint32    `json:"seq"`
	Time    time.Time `json:"ts"`

	ProductSeq uint32 `json:"product_seq,omitempty"`
	BookStatus string `json:"book_status,omitempty"`

	BidPx  string `json:"bid_px,omitempty"`
	BidQty uint64 `json:"bid_qty,omitempty"`
	AskPx  string `json:"ask_px,omitempty"`
	AskQty uint64 `json:"ask_qty,omitempty"`

	Participant string `json:"participant,omitempty"`
	TradeID     uint32 `json:"trade_id,omitempty"`
	Price       string `json:"price,omitempty"`
	Qty         uint64 `json:"qty,omitempty"`

	Status   string `json:"status,omitempty"`
	Expected uint32 `json:"expected,omitempty"`
	Message  string `json:"message,omitempty"`
}

// NewEnvelope flattens ev. PacketBegin is not published and returns false.
func NewEnvelope(feed string, ev event.Event) (Envelope, bool) {
	e := Envelope{Feed: feed, Kind: ev.Kind().String(), Product: ev.ProductName()}
	switch v := ev.(type) {
	case *event.MissingPackets:
		e.Session, e.Seq, e.Time = v.Session, v.SequenceNumber, time.Now()
		e.Expected = v.ExpectedSequenceNumber
	case *event.AggregatedPriceUpdate:
		e.Session, e.Seq, e.Time = v.Session, v.LastSequenceNumber, v.LastReceiptTime
		e.ProductSeq = v.LastProductSequenceNumber
		e.BookStatus = v.BookStatus.String()
		if v.TopOfBook.Bid.Quantity > 0 {
			e.BidPx, e.BidQty = v.TopOfBook.Bid.Price.String(), v.TopOfBook.Bid.Quantity
		}
		if v.TopOfBook.Ask.Quantity > 0 {
			e.AskPx, e.AskQty = v.TopOfBook.Ask.Price.String(), v.TopOfBook.Ask.Quantity
		}
	case *event.BBOQuote:
		e.Session, e.Seq, e.Time = v.Session, v.SequenceNumber, v.ExchangeTime
		e.ProductSeq = v.ProductSequenceNumber
		e.Participant = v.UpdateTriggerParticipant.String()
		if v.BidQuantity > 0 {
			e.BidPx, e.BidQty = v.BidPrice.String(), v.BidQuantity
		}
		if v.AskQuantity > 0 {
			e.AskPx, e.AskQty = v.AskPrice.String(), v.AskQuantity
		}
	case *event.Trade:
		e.Session, e.Seq, e.Time = v.Session, v.SequenceNumber, v.ExchangeTime
		e.ProductSeq = v.ProductSequenceNumber
		e.BookStatus = v.BookStatus.String()
		e.TradeID, e.Price, e.Qty = v.TradeID, v.Price.String(), v.Quantity
	case *event.ProductAnnouncement:
		e.Session = v.Session
		e.Message = v.String()
	case *event.ProductStatus:
		e.Session, e.Seq, e.Time = v.Session, v.SequenceNumber, v.ExchangeTime
		if v.Status != 0 {
			e.Status = string(rune(v.Status))
		}
		e.BookStatus = v.BookStatus.String()
	case *event.Error:
		e.Session, e.Seq, e.Time = v.Session, v.SequenceNumber, time.Now()
		e.Message = v.String()
	default:
		return Envelope{}, false
	}
	return e, true
}

var topicKey = strings.NewReplacer(" ", "_", ".", "_", ":", "_")

// Topic is "<kind>:<product>" for product events and "<kind>:<session>"
// otherwise. Separators inside names become underscores.
func (e *Envelope) Topic() string {
	key := e.Product
	if key == "" {
		key = e.Session
	}
	return e.Kind + ":" + topicKey.Replace(key)
}

func (e *Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }
