package debugger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/danmuck/fleetctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func rawHeader(t MsgType, dataLen uint32) []byte {
	b := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(b[0:4], uint32(t))
	binary.BigEndian.PutUint32(b[20:24], dataLen)
	return b
}

func TestWriteReadVersionReply(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	in := NewMessage(VersionReply{ProtocolVersion: 3, PhysicalProcessors: 8, LogicalProcessors: 16})
	in.Header.Sequence = 9
	in.Header.ReturnCode = 12
	require.NoError(t, WriteMessage(&buf, in))
	require.Equal(t, HeaderLen+12, buf.Len())

	out, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, VersionMsgAck, out.Header.Type)
	require.Equal(t, uint32(9), out.Header.Sequence)
	require.Equal(t, uint32(12), out.Header.ReturnCode)
	require.Equal(t, uint32(12), out.Header.DataLength)
	require.Equal(t, VersionReply{ProtocolVersion: 3, PhysicalProcessors: 8, LogicalProcessors: 16}, out.Payload)
}

func TestWriteMessageDerivesLength(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	m := NewMessage(EndDebugQuery{})
	m.Header.Type = VersionMsgAck
	m.Header.DataLength = 99
	require.NoError(t, WriteMessage(&buf, m))

	b := buf.Bytes()
	require.Len(t, b, HeaderLen)
	require.Equal(t, uint32(EndDebug), binary.BigEndian.Uint32(b[0:4]))
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(b[20:24]))
}

func TestReadMessageHeaderLayout(t *testing.T) {
	testlog.Start(t)
	// type, node, thread, sequence, return code, data length, payload
	raw := []byte{
		0, 0, 0, 27,
		0, 0, 0, 1,
		0, 0, 0, 2,
		0, 0, 0, 3,
		0, 0, 0, 4,
		0, 0, 0, 12,
		0, 0, 0, 3, 0, 0, 0, 64, 0, 0, 0, 128,
	}
	m, err := ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, Header{Type: VersionMsgAck, Node: 1, Thread: 2, Sequence: 3, ReturnCode: 4, DataLength: 12}, m.Header)
	require.Equal(t, VersionReply{ProtocolVersion: 3, PhysicalProcessors: 64, LogicalProcessors: 128}, m.Payload)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))
	require.Equal(t, raw, buf.Bytes())
}

func TestWriteMessageRejectsNilPayload(t *testing.T) {
	testlog.Start(t)
	err := WriteMessage(&bytes.Buffer{}, Message{})
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestReadMessageUnknownType(t *testing.T) {
	testlog.Start(t)
	_, err := ReadMessage(bytes.NewReader(rawHeader(MsgType(77), 0)))
	require.ErrorIs(t, err, ErrProtocolMismatch)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestReadMessageLengthMismatch(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		typ  MsgType
		n    uint32
	}{
		{name: "version ack too short", typ: VersionMsgAck, n: 4},
		{name: "end debug with payload", typ: EndDebugAck, n: 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := append(rawHeader(tc.typ, tc.n), make([]byte, tc.n)...)
			_, err := ReadMessage(bytes.NewReader(raw))
			require.ErrorIs(t, err, ErrProtocolMismatch)
			require.ErrorIs(t, err, ErrLengthMismatch)
		})
	}
}

func TestReadMessageTruncated(t *testing.T) {
	testlog.Start(t)
	_, err := ReadMessage(bytes.NewReader(rawHeader(VersionMsgAck, 12)[:10]))
	require.ErrorIs(t, err, ErrProtocolMismatch)

	_, err = ReadMessage(bytes.NewReader(append(rawHeader(VersionMsgAck, 12), 0, 0, 0)))
	require.ErrorIs(t, err, ErrProtocolMismatch)
	if errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("short body must not be reported as a length mismatch: %v", err)
	}
}

func TestMsgTypeString(t *testing.T) {
	require.Equal(t, "END_DEBUG_ACK", EndDebugAck.String())
	require.Equal(t, "MsgType(5)", MsgType(5).String())
}
