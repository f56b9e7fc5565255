package xdp

import (
	"encoding/binary"
	"time"
)

// Encoder builds one XDP packet. It is used to synthesize captures and in
// tests; the header size and message count are filled in by Bytes.
type Encoder struct {
	hdr PacketHeader
	buf []byte
}

func NewEncoder(seq uint32, sendTime time.Time) *Encoder {
	e := &Encoder{buf: make([]byte, PacketHeaderSize, 256)}
	e.hdr.DeliveryFlag = DeliveryOriginal
	e.hdr.SeqNum = seq
	if !sendTime.IsZero() {
		e.hdr.SendTime = uint32(sendTime.Unix())
		e.hdr.SendTimeNS = uint32(sendTime.Nanosecond())
	}
	return e
}

// Heartbeat builds an empty packet carrying the next expected sequence.
func Heartbeat(nextSeq uint32, sendTime time.Time) []byte {
	return NewEncoder(nextSeq, sendTime).Delivery(DeliveryHeartbeat).Bytes()
}

func (e *Encoder) Delivery(flag uint8) *Encoder {
	e.hdr.DeliveryFlag = flag
	return e
}

func (e *Encoder) SequenceNumberReset(m SequenceNumberReset) *Encoder {
	return e.message(MsgSequenceNumberReset, m.appendTo)
}

func (e *Encoder) SourceTimeReference(m SourceTimeReference) *Encoder {
	return e.message(MsgSourceTimeReference, m.appendTo)
}

func (e *Encoder) SymbolIndexMapping(m SymbolIndexMapping) *Encoder {
	return e.message(MsgSymbolIndexMapping, m.appendTo)
}

func (e *Encoder) SecurityStatus(m SecurityStatus) *Encoder {
	return e.message(MsgSecurityStatus, m.appendTo)
}

func (e *Encoder) Quote(m Quote) *Encoder {
	return e.message(MsgQuote, m.appendTo)
}

func (e *Encoder) Trade(m Trade) *Encoder {
	return e.message(MsgTrade, m.appendTo)
}

// Raw appends a message with an arbitrary type and body.
func (e *Encoder) Raw(t MsgType, body []byte) *Encoder {
	return e.message(t, func(b []byte) []byte { return append(b, body...) })
}

func (e *Encoder) message(t MsgType, body func([]byte) []byte) *Encoder {
	start := len(e.buf)
	e.buf = append(e.buf, 0, 0, 0, 0)
	e.buf = body(e.buf)
	binary.LittleEndian.PutUint16(e.buf[start:], uint16(len(e.buf)-start))
	binary.LittleEndian.PutUint16(e.buf[start+2:], uint16(t))
	e.hdr.NumMsgs++
	return e
}

// NumMsgs is the number of messages appended so far. The next packet of
// the session starts at the sequence number plus this count.
func (e *Encoder) NumMsgs() uint8 { return e.hdr.NumMsgs }

// Bytes returns the finished packet. The encoder may keep being used; the
// returned slice is a copy.
func (e *Encoder) Bytes() []byte {
	e.hdr.Size = uint16(len(e.buf))
	e.hdr.put(e.buf)
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out
}
