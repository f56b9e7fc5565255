// Package xdp decodes the XDP v2 packet framing and the subset of message
// types the ticker consumes. All integers are little-endian.
package xdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	PacketHeaderSize  = 16
	MessageHeaderSize = 4
)

// Delivery flags of the packet header.
const (
	DeliveryHeartbeat     uint8 = 1
	DeliveryFailover      uint8 = 10
	DeliveryOriginal      uint8 = 11
	DeliverySequenceReset uint8 = 12
	DeliverySinglePacket  uint8 = 13
	DeliveryRetransmit    uint8 = 15
	DeliveryRefresh       uint8 = 17
)

type MsgType uint16

const (
	MsgSequenceNumberReset MsgType = 1
	MsgSourceTimeReference MsgType = 2
	MsgSymbolIndexMapping  MsgType = 3
	MsgSecurityStatus      MsgType = 34
	MsgQuote               MsgType = 140
	MsgTrade               MsgType = 220
)

func (t MsgType) String() string {
	switch t {
	case MsgSequenceNumberReset:
		return "SequenceNumberReset"
	case MsgSourceTimeReference:
		return "SourceTimeReference"
	case MsgSymbolIndexMapping:
		return "SymbolIndexMapping"
	case MsgSecurityStatus:
		return "SecurityStatus"
	case MsgQuote:
		return "Quote"
	case MsgTrade:
		return "Trade"
	default:
		return fmt.Sprintf("MsgType(%d)", uint16(t))
	}
}

// Body sizes, message header excluded.
const (
	sequenceNumberResetSize = 10
	sourceTimeReferenceSize = 12
	symbolIndexMappingSize  = 24
	securityStatusSize      = 18
	quoteSize               = 30
	tradeSize               = 28

	symbolLen = 11
)

var (
	ErrShortPacket   = errors.New("xdp: packet shorter than header")
	ErrPacketSize    = errors.New("xdp: packet size field does not match payload")
	ErrMessageSize   = errors.New("xdp: message size out of bounds")
	ErrShortMessage  = errors.New("xdp: message body too short for its type")
	ErrMessageCount  = errors.New("xdp: fewer messages than announced")
	ErrUnknownSymbol = errors.New("xdp: symbol index not mapped")
)

type PacketHeader struct {
	Size         uint16
	DeliveryFlag uint8
	NumMsgs      uint8
	SeqNum       uint32
	SendTime     uint32
	SendTimeNS   uint32
}

func ParsePacketHeader(b []byte) (PacketHeader, error) {
	if len(b) < PacketHeaderSize {
		return PacketHeader{}, ErrShortPacket
	}
	h := PacketHeader{
		Size:         binary.LittleEndian.Uint16(b[0:]),
		DeliveryFlag: b[2],
		NumMsgs:      b[3],
		SeqNum:       binary.LittleEndian.Uint32(b[4:]),
		SendTime:     binary.LittleEndian.Uint32(b[8:]),
		SendTimeNS:   binary.LittleEndian.Uint32(b[12:]),
	}
	if int(h.Size) < PacketHeaderSize || int(h.Size) > len(b) {
		return h, fmt.Errorf("%w: size=%d len=%d", ErrPacketSize, h.Size, len(b))
	}
	return h, nil
}

func (h PacketHeader) put(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], h.Size)
	b[2] = h.DeliveryFlag
	b[3] = h.NumMsgs
	binary.LittleEndian.PutUint32(b[4:], h.SeqNum)
	binary.LittleEndian.PutUint32(b[8:], h.SendTime)
	binary.LittleEndian.PutUint32(b[12:], h.SendTimeNS)
}

type SequenceNumberReset struct {
	SourceTime   uint32
	SourceTimeNS uint32
	ProductID    uint8
	ChannelID    uint8
}

func (m *SequenceNumberReset) decode(b []byte) error {
	if len(b) < sequenceNumberResetSize {
		return ErrShortMessage
	}
	m.SourceTime = binary.LittleEndian.Uint32(b[0:])
	m.SourceTimeNS = binary.LittleEndian.Uint32(b[4:])
	m.ProductID = b[8]
	m.ChannelID = b[9]
	return nil
}

func (m SequenceNumberReset) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.SourceTime)
	b = binary.LittleEndian.AppendUint32(b, m.SourceTimeNS)
	return append(b, m.ProductID, m.ChannelID)
}

type SourceTimeReference struct {
	SymbolIndex  uint32
	SymbolSeqNum uint32
	SourceTime   uint32
}

func (m *SourceTimeReference) decode(b []byte) error {
	if len(b) < sourceTimeReferenceSize {
		return ErrShortMessage
	}
	m.SymbolIndex = binary.LittleEndian.Uint32(b[0:])
	m.SymbolSeqNum = binary.LittleEndian.Uint32(b[4:])
	m.SourceTime = binary.LittleEndian.Uint32(b[8:])
	return nil
}

func (m SourceTimeReference) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.SymbolIndex)
	b = binary.LittleEndian.AppendUint32(b, m.SymbolSeqNum)
	return binary.LittleEndian.AppendUint32(b, m.SourceTime)
}

type SymbolIndexMapping struct {
	SymbolIndex    uint32
	Symbol         string
	MarketID       uint16
	SystemID       uint8
	ExchangeCode   byte
	PriceScaleCode uint8
	SecurityType   byte
	LotSize        uint16
}

func (m *SymbolIndexMapping) decode(b []byte) error {
	if len(b) < symbolIndexMappingSize {
		return ErrShortMessage
	}
	m.SymbolIndex = binary.LittleEndian.Uint32(b[0:])
	m.Symbol = strings.TrimRight(string(b[4:4+symbolLen]), "\x00 ")
	// b[15] reserved
	m.MarketID = binary.LittleEndian.Uint16(b[16:])
	m.SystemID = b[18]
	m.ExchangeCode = b[19]
	m.PriceScaleCode = b[20]
	m.SecurityType = b[21]
	m.LotSize = binary.LittleEndian.Uint16(b[22:])
	return nil
}

func (m SymbolIndexMapping) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.SymbolIndex)
	var sym [symbolLen + 1]byte
	copy(sym[:symbolLen], m.Symbol)
	b = append(b, sym[:]...)
	b = binary.LittleEndian.AppendUint16(b, m.MarketID)
	b = append(b, m.SystemID, m.ExchangeCode, m.PriceScaleCode, m.SecurityType)
	return binary.LittleEndian.AppendUint16(b, m.LotSize)
}

type SecurityStatus struct {
	SourceTime    uint32
	SourceTimeNS  uint32
	SymbolIndex   uint32
	SymbolSeqNum  uint32
	Status        byte
	HaltCondition byte
}

func (m *SecurityStatus) decode(b []byte) error {
	if len(b) < securityStatusSize {
		return ErrShortMessage
	}
	m.SourceTime = binary.LittleEndian.Uint32(b[0:])
	m.SourceTimeNS = binary.LittleEndian.Uint32(b[4:])
	m.SymbolIndex = binary.LittleEndian.Uint32(b[8:])
	m.SymbolSeqNum = binary.LittleEndian.Uint32(b[12:])
	m.Status = b[16]
	m.HaltCondition = b[17]
	return nil
}

func (m SecurityStatus) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.SourceTime)
	b = binary.LittleEndian.AppendUint32(b, m.SourceTimeNS)
	b = binary.LittleEndian.AppendUint32(b, m.SymbolIndex)
	b = binary.LittleEndian.AppendUint32(b, m.SymbolSeqNum)
	return append(b, m.Status, m.HaltCondition)
}

type Quote struct {
	SourceTimeNS   uint32
	SymbolIndex    uint32
	SymbolSeqNum   uint32
	AskPrice       uint32
	BidPrice       uint32
	AskVolume      uint32
	BidVolume      uint32
	QuoteCondition byte
	RPIIndicator   byte
}

func (m *Quote) decode(b []byte) error {
	if len(b) < quoteSize {
		return ErrShortMessage
	}
	m.SourceTimeNS = binary.LittleEndian.Uint32(b[0:])
	m.SymbolIndex = binary.LittleEndian.Uint32(b[4:])
	m.SymbolSeqNum = binary.LittleEndian.Uint32(b[8:])
	m.AskPrice = binary.LittleEndian.Uint32(b[12:])
	m.BidPrice = binary.LittleEndian.Uint32(b[16:])
	m.AskVolume = binary.LittleEndian.Uint32(b[20:])
	m.BidVolume = binary.LittleEndian.Uint32(b[24:])
	m.QuoteCondition = b[28]
	m.RPIIndicator = b[29]
	return nil
}

func (m Quote) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.SourceTimeNS)
	b = binary.LittleEndian.AppendUint32(b, m.SymbolIndex)
	b = binary.LittleEndian.AppendUint32(b, m.SymbolSeqNum)
	b = binary.LittleEndian.AppendUint32(b, m.AskPrice)
	b = binary.LittleEndian.AppendUint32(b, m.BidPrice)
	b = binary.LittleEndian.AppendUint32(b, m.AskVolume)
	b = binary.LittleEndian.AppendUint32(b, m.BidVolume)
	return append(b, m.QuoteCondition, m.RPIIndicator)
}

type Trade struct {
	SourceTimeNS uint32
	SymbolIndex  uint32
	SymbolSeqNum uint32
	TradeID      uint32
	Price        uint32
	Volume       uint32
	Conditions   [4]byte
}

func (m *Trade) decode(b []byte) error {
	if len(b) < tradeSize {
		return ErrShortMessage
	}
	m.SourceTimeNS = binary.LittleEndian.Uint32(b[0:])
	m.SymbolIndex = binary.LittleEndian.Uint32(b[4:])
	m.SymbolSeqNum = binary.LittleEndian.Uint32(b[8:])
	m.TradeID = binary.LittleEndian.Uint32(b[12:])
	m.Price = binary.LittleEndian.Uint32(b[16:])
	m.Volume = binary.LittleEndian.Uint32(b[20:])
	copy(m.Conditions[:], b[24:28])
	return nil
}

func (m Trade) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.SourceTimeNS)
	b = binary.LittleEndian.AppendUint32(b, m.SymbolIndex)
	b = binary.LittleEndian.AppendUint32(b, m.SymbolSeqNum)
	b = binary.LittleEndian.AppendUint32(b, m.TradeID)
	b = binary.LittleEndian.AppendUint32(b, m.Price)
	b = binary.LittleEndian.AppendUint32(b, m.Volume)
	return append(b, m.Conditions[:]...)
}
