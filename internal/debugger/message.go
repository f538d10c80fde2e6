// Package debugger speaks the subset of the external debugger pipe protocol
// the daemon needs at shutdown: a version query and, from protocol version 3
// on, an explicit end-of-debug exchange.
package debugger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MsgType is the header tag selecting a message's payload variant.
type MsgType uint32

const (
	VersionMsg    MsgType = 26
	VersionMsgAck MsgType = 27
	EndDebug      MsgType = 32
	EndDebugAck   MsgType = 33
)

func (t MsgType) String() string {
	switch t {
	case VersionMsg:
		return "VERSION_MSG"
	case VersionMsgAck:
		return "VERSION_MSG_ACK"
	case EndDebug:
		return "END_DEBUG"
	case EndDebugAck:
		return "END_DEBUG_ACK"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

// HeaderLen is the encoded size of Header.
const HeaderLen = 24

// MinEndDebugVersion is the first protocol version with END_DEBUG.
const MinEndDebugVersion = 3

var (
	ErrProtocolMismatch = errors.New("debugger: protocol mismatch")
	ErrUnknownType      = errors.New("debugger: unknown message type")
	ErrLengthMismatch   = errors.New("debugger: declared length does not match message type")
)

// Header is the fixed message header.
type Header struct {
	Type       MsgType
	Node       uint32
	Thread     uint32
	Sequence   uint32
	ReturnCode uint32
	DataLength uint32
}

// Payload is one message variant.
type Payload interface {
	Type() MsgType
	encodedLen() int
	encode(b []byte)
}

// VersionQuery asks the debugger side for its protocol version.
type VersionQuery struct{}

// VersionReply answers VersionQuery.
type VersionReply struct {
	ProtocolVersion    uint32
	PhysicalProcessors uint32
	LogicalProcessors  uint32
}

// EndDebugQuery ends the debug session.
type EndDebugQuery struct{}

// EndDebugReply answers EndDebugQuery.
type EndDebugReply struct{}

func (VersionQuery) Type() MsgType   { return VersionMsg }
func (VersionQuery) encodedLen() int { return 0 }
func (VersionQuery) encode([]byte)   {}

func (VersionReply) Type() MsgType   { return VersionMsgAck }
func (VersionReply) encodedLen() int { return 12 }

func (a VersionReply) encode(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], a.ProtocolVersion)
	binary.BigEndian.PutUint32(b[4:8], a.PhysicalProcessors)
	binary.BigEndian.PutUint32(b[8:12], a.LogicalProcessors)
}

func (EndDebugQuery) Type() MsgType   { return EndDebug }
func (EndDebugQuery) encodedLen() int { return 0 }
func (EndDebugQuery) encode([]byte)   {}

func (EndDebugReply) Type() MsgType   { return EndDebugAck }
func (EndDebugReply) encodedLen() int { return 0 }
func (EndDebugReply) encode([]byte)   {}

// Message is a header plus its decoded payload.
type Message struct {
	Header  Header
	Payload Payload
}

// NewMessage wraps p with a header whose type and length match p.
func NewMessage(p Payload) Message {
	return Message{
		Header:  Header{Type: p.Type(), DataLength: uint32(p.encodedLen())},
		Payload: p,
	}
}

// payloadLen returns the fixed payload size of t.
func payloadLen(t MsgType) (int, error) {
	switch t {
	case VersionMsg, EndDebug, EndDebugAck:
		return 0, nil
	case VersionMsgAck:
		return 12, nil
	default:
		return 0, fmt.Errorf("%w: %w: %d", ErrProtocolMismatch, ErrUnknownType, uint32(t))
	}
}

// WriteMessage encodes m. The header length is always derived from the
// payload variant.
func WriteMessage(w io.Writer, m Message) error {
	if m.Payload == nil {
		return fmt.Errorf("%w: nil payload", ErrProtocolMismatch)
	}
	n := m.Payload.encodedLen()
	h := m.Header
	h.Type = m.Payload.Type()
	h.DataLength = uint32(n)

	buf := make([]byte, HeaderLen+n)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[4:8], h.Node)
	binary.BigEndian.PutUint32(buf[8:12], h.Thread)
	binary.BigEndian.PutUint32(buf[12:16], h.Sequence)
	binary.BigEndian.PutUint32(buf[16:20], h.ReturnCode)
	binary.BigEndian.PutUint32(buf[20:24], h.DataLength)
	m.Payload.encode(buf[HeaderLen:])
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrProtocolMismatch, h.Type, err)
	}
	return nil
}

// ReadMessage decodes one message. Unknown tags and declared lengths that do
// not match the tag's variant are rejected.
func ReadMessage(r io.Reader) (Message, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Message{}, fmt.Errorf("%w: read header: %w", ErrProtocolMismatch, err)
	}
	h := Header{
		Type:       MsgType(binary.BigEndian.Uint32(hb[0:4])),
		Node:       binary.BigEndian.Uint32(hb[4:8]),
		Thread:     binary.BigEndian.Uint32(hb[8:12]),
		Sequence:   binary.BigEndian.Uint32(hb[12:16]),
		ReturnCode: binary.BigEndian.Uint32(hb[16:20]),
		DataLength: binary.BigEndian.Uint32(hb[20:24]),
	}
	want, err := payloadLen(h.Type)
	if err != nil {
		return Message{}, err
	}
	if int(h.DataLength) != want {
		return Message{}, fmt.Errorf("%w: %w: %s declares %d bytes, want %d", ErrProtocolMismatch, ErrLengthMismatch, h.Type, h.DataLength, want)
	}
	body := make([]byte, want)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("%w: read %s payload: %w", ErrProtocolMismatch, h.Type, err)
	}

	var p Payload
	switch h.Type {
	case VersionMsg:
		p = VersionQuery{}
	case VersionMsgAck:
		p = VersionReply{
			ProtocolVersion:    binary.BigEndian.Uint32(body[0:4]),
			PhysicalProcessors: binary.BigEndian.Uint32(body[4:8]),
			LogicalProcessors:  binary.BigEndian.Uint32(body[8:12]),
		}
	case EndDebug:
		p = EndDebugQuery{}
	case EndDebugAck:
		p = EndDebugReply{}
	}
	return Message{Header: h, Payload: p}, nil
}
