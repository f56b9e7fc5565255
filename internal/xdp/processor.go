package xdp

import (
	"encoding/binary"
	"fmt"
	"time"

	"mdticker.com/internal/event"
	"mdticker.com/internal/model"
)

// Emitter receives the events decoded from one packet, in message order.
type Emitter interface {
	Emit(event.Event)
}

type EmitterFunc func(event.Event)

func (f EmitterFunc) Emit(ev event.Event) { f(ev) }

// SymbolInfo is what a processor knows about a symbol index, either from a
// mapping file or from a SymbolIndexMapping message.
type SymbolInfo struct {
	Name       string
	PriceScale uint8
	MarketID   uint16
	SystemID   uint8
}

type symbolState struct {
	info       SymbolInfo
	product    model.Product
	refSeconds uint32
	bookStatus model.BookStatus
	top        model.TopOfBook

	// per packet aggregation
	dirty       bool
	firstSymSeq uint32
	lastSymSeq  uint32
}

// Processor decodes the packets of one session. It tracks the expected
// packet sequence number, the symbol index table and the top of book per
// symbol. It is not safe for concurrent use.
type Processor struct {
	session  string
	out      Emitter
	expected uint32 // 0 until the first packet
	symbols  map[uint32]*symbolState
	dirty    []*symbolState

	// reused between packets
	begin    event.PacketBegin
	missing  event.MissingPackets
	apu      event.AggregatedPriceUpdate
	bbo      event.BBOQuote
	trade    event.Trade
	announce event.ProductAnnouncement
	status   event.ProductStatus
	errEv    event.Error
}

func NewProcessor(session string, out Emitter) *Processor {
	return &Processor{
		session: session,
		out:     out,
		symbols: make(map[uint32]*symbolState, 1024),
	}
}

func (p *Processor) Session() string { return p.session }

// ExpectedSequence is the sequence number the next packet should carry.
func (p *Processor) ExpectedSequence() uint32 { return p.expected }

// Seed registers a symbol ahead of its SymbolIndexMapping message.
func (p *Processor) Seed(index uint32, info SymbolInfo) {
	p.symbol(index).info = info
	p.symbols[index].product = model.NewProduct(info.Name)
}

// Symbol reports what is known about a symbol index.
func (p *Processor) Symbol(index uint32) (SymbolInfo, bool) {
	s, ok := p.symbols[index]
	if !ok {
		return SymbolInfo{}, false
	}
	return s.info, true
}

func (p *Processor) symbol(index uint32) *symbolState {
	s := p.symbols[index]
	if s == nil {
		s = &symbolState{}
		p.symbols[index] = s
	}
	return s
}

// Process decodes one packet received at receipt.
func (p *Processor) Process(receipt time.Time, data []byte) {
	hdr, err := ParsePacketHeader(data)
	if err != nil {
		p.fail(hdr.SeqNum, "bad packet header", err)
		return
	}

	if hdr.DeliveryFlag == DeliverySequenceReset || startsWithReset(data, hdr) {
		p.expected = 0
	}

	// skip counts leading messages already seen in an earlier packet
	skip := 0
	switch {
	case p.expected == 0:
	case hdr.SeqNum > p.expected:
		p.missing = event.MissingPackets{
			Session:                p.session,
			ExpectedSequenceNumber: p.expected,
			SequenceNumber:         hdr.SeqNum,
		}
		p.out.Emit(&p.missing)
	case hdr.SeqNum < p.expected:
		end := hdr.SeqNum + uint32(hdr.NumMsgs)
		if end <= p.expected {
			return
		}
		skip = int(p.expected - hdr.SeqNum)
	}
	if hdr.NumMsgs > 0 || p.expected == 0 {
		p.expected = hdr.SeqNum + uint32(hdr.NumMsgs)
	}

	sendTime := time.Unix(int64(hdr.SendTime), int64(hdr.SendTimeNS))
	p.begin = event.PacketBegin{
		Session:        p.session,
		SequenceNumber: hdr.SeqNum,
		MessageCount:   hdr.NumMsgs,
		ReceiptTime:    receipt,
		SendTime:       sendTime,
	}
	p.out.Emit(&p.begin)

	body := data[PacketHeaderSize:hdr.Size]
	for i := 0; i < int(hdr.NumMsgs); i++ {
		if len(body) < MessageHeaderSize {
			p.fail(hdr.SeqNum, fmt.Sprintf("message %d of %d", i+1, hdr.NumMsgs), ErrMessageCount)
			break
		}
		size := int(binary.LittleEndian.Uint16(body[0:]))
		typ := MsgType(binary.LittleEndian.Uint16(body[2:]))
		if size < MessageHeaderSize || size > len(body) {
			p.fail(hdr.SeqNum, fmt.Sprintf("message %d %s size=%d", i+1, typ, size), ErrMessageSize)
			break
		}
		if i >= skip {
			seq := hdr.SeqNum + uint32(i)
			if err := p.message(typ, body[MessageHeaderSize:size], seq, hdr, receipt); err != nil {
				p.fail(seq, "decode "+typ.String(), err)
				break
			}
		}
		body = body[size:]
	}
	p.flushAggregated(hdr.SeqNum, receipt)
}

// startsWithReset reports whether the first message of the packet is a
// SequenceNumberReset, which restarts numbering whatever the delivery flag.
func startsWithReset(data []byte, hdr PacketHeader) bool {
	if hdr.NumMsgs == 0 || int(hdr.Size) < PacketHeaderSize+MessageHeaderSize {
		return false
	}
	return MsgType(binary.LittleEndian.Uint16(data[PacketHeaderSize+2:])) == MsgSequenceNumberReset
}

func (p *Processor) message(typ MsgType, b []byte, seq uint32, hdr PacketHeader, receipt time.Time) error {
	switch typ {
	case MsgSequenceNumberReset:
		var m SequenceNumberReset
		if err := m.decode(b); err != nil {
			return err
		}
		for _, s := range p.symbols {
			s.refSeconds = 0
		}
	case MsgSourceTimeReference:
		var m SourceTimeReference
		if err := m.decode(b); err != nil {
			return err
		}
		p.symbol(m.SymbolIndex).refSeconds = m.SourceTime
	case MsgSymbolIndexMapping:
		var m SymbolIndexMapping
		if err := m.decode(b); err != nil {
			return err
		}
		return p.onMapping(&m)
	case MsgSecurityStatus:
		var m SecurityStatus
		if err := m.decode(b); err != nil {
			return err
		}
		p.onStatus(&m, seq)
	case MsgQuote:
		var m Quote
		if err := m.decode(b); err != nil {
			return err
		}
		p.onQuote(&m, seq, hdr, receipt)
	case MsgTrade:
		var m Trade
		if err := m.decode(b); err != nil {
			return err
		}
		p.onTrade(&m, seq, hdr, receipt)
	}
	return nil
}

func (p *Processor) onMapping(m *SymbolIndexMapping) error {
	if m.Symbol == "" {
		return fmt.Errorf("%w: empty symbol for index %d", ErrShortMessage, m.SymbolIndex)
	}
	s := p.symbol(m.SymbolIndex)
	s.info = SymbolInfo{
		Name:       m.Symbol,
		PriceScale: m.PriceScaleCode,
		MarketID:   m.MarketID,
		SystemID:   m.SystemID,
	}
	s.product = model.NewProduct(m.Symbol)
	p.announce = event.ProductAnnouncement{
		Session:      p.session,
		Product:      s.product,
		Index:        m.SymbolIndex,
		PriceScale:   m.PriceScaleCode,
		LotSize:      m.LotSize,
		SystemID:     m.SystemID,
		ExchangeCode: m.ExchangeCode,
		MarketID:     m.MarketID,
	}
	p.out.Emit(&p.announce)
	return nil
}

func (p *Processor) onStatus(m *SecurityStatus, seq uint32) {
	s, ok := p.known(m.SymbolIndex)
	if !ok {
		return
	}
	raw := model.SecurityStatus(m.Status)
	if bs, ok := raw.BookStatus(); ok {
		s.bookStatus = bs
	}
	p.status = event.ProductStatus{
		Session:        p.session,
		Product:        s.product,
		ExchangeTime:   time.Unix(int64(m.SourceTime), int64(m.SourceTimeNS)),
		SequenceNumber: seq,
		Status:         raw,
		BookStatus:     s.bookStatus,
		HaltReason:     m.HaltCondition,
	}
	p.out.Emit(&p.status)
}

func (p *Processor) onQuote(m *Quote, seq uint32, hdr PacketHeader, receipt time.Time) {
	s, ok := p.known(m.SymbolIndex)
	if !ok {
		return
	}
	scale := s.scale()
	bid := model.PriceLevel{Price: model.NewPrice(int64(m.BidPrice), scale), Quantity: uint64(m.BidVolume)}
	ask := model.PriceLevel{Price: model.NewPrice(int64(m.AskPrice), scale), Quantity: uint64(m.AskVolume)}

	p.bbo = event.BBOQuote{
		Session:                  p.session,
		Product:                  s.product,
		ReceiptTime:              receipt,
		ExchangeTime:             s.exchangeTime(hdr, m.SourceTimeNS),
		UpdateTriggerParticipant: model.ParticipantFromMarketID(s.info.MarketID),
		SequenceNumber:           seq,
		ProductSequenceNumber:    m.SymbolSeqNum,
		BidPrice:                 bid.Price,
		BidQuantity:              bid.Quantity,
		AskPrice:                 ask.Price,
		AskQuantity:              ask.Quantity,
	}
	p.out.Emit(&p.bbo)

	top := model.TopOfBook{Bid: bid, Ask: ask}
	if top == s.top {
		return
	}
	s.top = top
	if !s.dirty {
		s.dirty = true
		s.firstSymSeq = m.SymbolSeqNum
		p.dirty = append(p.dirty, s)
	}
	s.lastSymSeq = m.SymbolSeqNum
}

func (p *Processor) onTrade(m *Trade, seq uint32, hdr PacketHeader, receipt time.Time) {
	s, ok := p.known(m.SymbolIndex)
	if !ok {
		return
	}
	p.trade = event.Trade{
		Session:               p.session,
		Product:               s.product,
		ReceiptTime:           receipt,
		ExchangeTime:          s.exchangeTime(hdr, m.SourceTimeNS),
		BookStatus:            s.bookStatus,
		SequenceNumber:        seq,
		ProductSequenceNumber: m.SymbolSeqNum,
		TradeID:               m.TradeID,
		Price:                 model.NewPrice(int64(m.Price), s.scale()),
		Quantity:              uint64(m.Volume),
	}
	p.out.Emit(&p.trade)
}

// flushAggregated emits one AggregatedPriceUpdate per symbol whose top of
// book changed in the packet, in order of first change.
func (p *Processor) flushAggregated(seq uint32, receipt time.Time) {
	for _, s := range p.dirty {
		p.apu = event.AggregatedPriceUpdate{
			Session:                    p.session,
			Product:                    s.product,
			BookStatus:                 s.bookStatus,
			FirstSequenceNumber:        seq,
			LastSequenceNumber:         seq,
			FirstProductSequenceNumber: s.firstSymSeq,
			LastProductSequenceNumber:  s.lastSymSeq,
			LastReceiptTime:            receipt,
			TopOfBook:                  s.top,
		}
		s.dirty = false
		p.out.Emit(&p.apu)
	}
	p.dirty = p.dirty[:0]
}

func (p *Processor) known(index uint32) (*symbolState, bool) {
	s, ok := p.symbols[index]
	if !ok || s.product.IsZero() {
		return nil, false
	}
	return s, true
}

func (p *Processor) fail(seq uint32, msg string, err error) {
	p.errEv = event.Error{
		Session:        p.session,
		SequenceNumber: seq,
		Message:        msg,
		Err:            err,
	}
	p.out.Emit(&p.errEv)
}

func (s *symbolState) scale() uint8 { return s.info.PriceScale }

// exchangeTime joins the symbol's last source time reference with the
// message nanoseconds; the packet send time stands in before any reference.
func (s *symbolState) exchangeTime(hdr PacketHeader, ns uint32) time.Time {
	sec := s.refSeconds
	if sec == 0 {
		sec = hdr.SendTime
	}
	return time.Unix(int64(sec), int64(ns))
}
