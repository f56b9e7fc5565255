package xdp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mdticker.com/internal/event"
	"mdticker.com/internal/model"
)

// recorder copies every event since the processor reuses them.
type recorder struct {
	events []event.Event
}

func (r *recorder) Emit(ev event.Event) {
	r.events = append(r.events, event.Clone(ev))
}

func (r *recorder) kinds() []event.Kind {
	out := make([]event.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (r *recorder) reset() { r.events = r.events[:0] }

var t0 = time.Date(2024, 3, 27, 14, 30, 0, 0, time.UTC)

func ibmMapping() SymbolIndexMapping {
	return SymbolIndexMapping{
		SymbolIndex:    7,
		Symbol:         "IBM",
		MarketID:       1,
		SystemID:       3,
		ExchangeCode:   'N',
		PriceScaleCode: 4,
		LotSize:        100,
	}
}

func TestProcessor_AnnouncementQuoteTrade(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor("AA", rec)

	pkt := NewEncoder(1, t0).
		SymbolIndexMapping(ibmMapping()).
		SourceTimeReference(SourceTimeReference{SymbolIndex: 7, SourceTime: uint32(t0.Unix())}).
		Quote(Quote{SourceTimeNS: 500, SymbolIndex: 7, SymbolSeqNum: 1, BidPrice: 1234500, BidVolume: 300, AskPrice: 1235000, AskVolume: 200}).
		Trade(Trade{SourceTimeNS: 900, SymbolIndex: 7, SymbolSeqNum: 2, TradeID: 42, Price: 1234800, Volume: 100}).
		Bytes()

	p.Process(t0, pkt)

	require.Equal(t, []event.Kind{
		event.KindPacketBegin,
		event.KindProductAnnouncement,
		event.KindBBOQuote,
		event.KindTrade,
		event.KindAggregatedPriceUpdate,
	}, rec.kinds())

	begin := rec.events[0].(*event.PacketBegin)
	assert.Equal(t, uint32(1), begin.SequenceNumber)
	assert.Equal(t, uint8(4), begin.MessageCount)

	pa := rec.events[1].(*event.ProductAnnouncement)
	assert.Equal(t, "IBM", pa.Product.Name)
	assert.Equal(t, uint16(100), pa.LotSize)

	bbo := rec.events[2].(*event.BBOQuote)
	assert.Equal(t, "123.4500", bbo.BidPrice.String())
	assert.Equal(t, uint64(300), bbo.BidQuantity)
	assert.Equal(t, model.ParticipantNYSE, bbo.UpdateTriggerParticipant)
	assert.Equal(t, uint32(3), bbo.SequenceNumber)
	assert.True(t, bbo.ExchangeTime.Equal(t0.Add(500*time.Nanosecond)))

	tr := rec.events[3].(*event.Trade)
	assert.Equal(t, "123.4800", tr.Price.String())
	assert.Equal(t, uint32(42), tr.TradeID)

	apu := rec.events[4].(*event.AggregatedPriceUpdate)
	assert.Equal(t, "300 @ 123.4500 | 200 @ 123.5000", apu.TopOfBook.String())
	assert.Equal(t, uint32(5), p.ExpectedSequence())
}

func TestProcessor_GapAndDuplicate(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor("AA", rec)

	p.Process(t0, NewEncoder(1, t0).SymbolIndexMapping(ibmMapping()).Bytes())
	require.Equal(t, uint32(2), p.ExpectedSequence())
	rec.reset()

	// 2..4 lost
	p.Process(t0, NewEncoder(5, t0).Trade(Trade{SymbolIndex: 7, Price: 1, Volume: 1}).Bytes())
	require.Equal(t, []event.Kind{event.KindMissingPackets, event.KindPacketBegin, event.KindTrade}, rec.kinds())
	gap := rec.events[0].(*event.MissingPackets)
	assert.Equal(t, uint32(2), gap.ExpectedSequenceNumber)
	assert.Equal(t, uint32(5), gap.SequenceNumber)
	assert.Equal(t, uint32(3), gap.Missing())
	rec.reset()

	// duplicate of 5
	p.Process(t0, NewEncoder(5, t0).Trade(Trade{SymbolIndex: 7, Price: 1, Volume: 1}).Bytes())
	assert.Empty(t, rec.events)
	assert.Equal(t, uint32(6), p.ExpectedSequence())
}

func TestProcessor_PartialOverlapSkipsSeenMessages(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor("AA", rec)
	p.Seed(7, SymbolInfo{Name: "IBM", PriceScale: 4})

	p.Process(t0, NewEncoder(1, t0).Trade(Trade{SymbolIndex: 7, TradeID: 1}).Bytes())
	rec.reset()

	p.Process(t0, NewEncoder(1, t0).
		Trade(Trade{SymbolIndex: 7, TradeID: 1}).
		Trade(Trade{SymbolIndex: 7, TradeID: 2}).
		Bytes())

	require.Equal(t, []event.Kind{event.KindPacketBegin, event.KindTrade}, rec.kinds())
	assert.Equal(t, uint32(2), rec.events[1].(*event.Trade).TradeID)
}

func TestProcessor_HeartbeatAndReset(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor("AA", rec)

	p.Process(t0, NewEncoder(10, t0).SymbolIndexMapping(ibmMapping()).Bytes())
	p.Process(t0, Heartbeat(11, t0))
	assert.Equal(t, uint32(11), p.ExpectedSequence())

	rec.reset()
	p.Process(t0, NewEncoder(1, t0).Delivery(DeliverySequenceReset).
		SequenceNumberReset(SequenceNumberReset{SourceTime: uint32(t0.Unix())}).Bytes())
	assert.Equal(t, []event.Kind{event.KindPacketBegin}, rec.kinds())
	assert.Equal(t, uint32(2), p.ExpectedSequence())
}

func TestProcessor_ResetMessageRestartsSequence(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor("AA", rec)

	p.Process(t0, NewEncoder(40, t0).SymbolIndexMapping(ibmMapping()).Bytes())
	require.Equal(t, uint32(41), p.ExpectedSequence())

	rec.reset()
	p.Process(t0, NewEncoder(1, t0).
		SequenceNumberReset(SequenceNumberReset{SourceTime: uint32(t0.Unix())}).
		Trade(Trade{SymbolIndex: 7, SymbolSeqNum: 1, TradeID: 1, Price: 1234800, Volume: 100}).
		Bytes())
	assert.Equal(t, []event.Kind{event.KindPacketBegin, event.KindTrade}, rec.kinds())
	assert.Equal(t, uint32(3), p.ExpectedSequence())

	rec.reset()
	p.Process(t0, NewEncoder(3, t0).Trade(Trade{SymbolIndex: 7, SymbolSeqNum: 2, TradeID: 2, Price: 1234900, Volume: 100}).Bytes())
	assert.NotContains(t, rec.kinds(), event.KindMissingPackets)
	assert.Contains(t, rec.kinds(), event.KindTrade)
}

func TestProcessor_Malformed(t *testing.T) {
	testCases := []struct {
		desc string
		pkt  func() []byte
	}{
		{"short header", func() []byte { return []byte{1, 2, 3} }},
		{"size beyond payload", func() []byte {
			b := NewEncoder(1, t0).Trade(Trade{}).Bytes()
			return b[:len(b)-4]
		}},
		{"message size overruns", func() []byte {
			b := NewEncoder(1, t0).Trade(Trade{}).Bytes()
			b[PacketHeaderSize] = 0xff
			return b
		}},
		{"body too short for type", func() []byte {
			return NewEncoder(1, t0).Raw(MsgQuote, []byte{1, 2, 3}).Bytes()
		}},
		{"fewer messages than announced", func() []byte {
			b := NewEncoder(1, t0).Trade(Trade{}).Bytes()
			b[3] = 2
			return b
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			rec := &recorder{}
			p := NewProcessor("AA", rec)
			p.Seed(0, SymbolInfo{Name: "IBM", PriceScale: 4})
			p.Process(t0, tc.pkt())
			require.NotEmpty(t, rec.events)
			last := rec.events[len(rec.events)-1]
			if last.Kind() != event.KindError {
				t.Fatalf("last event should be an error but got %s", last.Kind())
			}
		})
	}
}

func TestProcessor_UnknownSymbolAndTypeSkipped(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor("AA", rec)

	p.Process(t0, NewEncoder(1, t0).
		Quote(Quote{SymbolIndex: 99}).
		Raw(MsgType(999), []byte{0, 0}).
		Bytes())

	assert.Equal(t, []event.Kind{event.KindPacketBegin}, rec.kinds())
}

func TestProcessor_StatusUpdatesBookStatus(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor("AA", rec)
	p.Seed(7, SymbolInfo{Name: "IBM", PriceScale: 4})

	p.Process(t0, NewEncoder(1, t0).
		SecurityStatus(SecurityStatus{SymbolIndex: 7, Status: byte(model.SecurityStatusOpened)}).
		Trade(Trade{SymbolIndex: 7, Price: 10000, Volume: 5}).
		Bytes())

	require.Equal(t, []event.Kind{event.KindPacketBegin, event.KindProductStatus, event.KindTrade}, rec.kinds())
	assert.Equal(t, model.BookStatusOpen, rec.events[1].(*event.ProductStatus).BookStatus)
	assert.Equal(t, model.BookStatusOpen, rec.events[2].(*event.Trade).BookStatus)
}

func TestProcessor_UnchangedQuoteNoAggregate(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor("AA", rec)
	p.Seed(7, SymbolInfo{Name: "IBM", PriceScale: 2})
	q := Quote{SymbolIndex: 7, BidPrice: 100, BidVolume: 1, AskPrice: 101, AskVolume: 1}

	p.Process(t0, NewEncoder(1, t0).Quote(q).Quote(q).Bytes())
	assert.Equal(t, []event.Kind{
		event.KindPacketBegin, event.KindBBOQuote, event.KindBBOQuote, event.KindAggregatedPriceUpdate,
	}, rec.kinds())

	rec.reset()
	p.Process(t0, NewEncoder(3, t0).Quote(q).Bytes())
	assert.Equal(t, []event.Kind{event.KindPacketBegin, event.KindBBOQuote}, rec.kinds())
}
