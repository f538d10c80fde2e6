package tree

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/fleetctl/internal/protocol"
	"github.com/danmuck/fleetctl/internal/protocol/frame"
	"github.com/danmuck/fleetctl/internal/protocol/tlv"
)

const (
	msgJoin        uint32 = 1
	msgJoinAck     uint32 = 2
	msgBarrierUp   uint32 = 3
	msgBarrierDown uint32 = 4
	msgBroadcast   uint32 = 5
	msgGatherUp    uint32 = 6
	msgScatterDown uint32 = 7
)

const (
	fieldRank      uint16 = 1
	fieldGlobalID  uint16 = 2
	fieldSession   uint16 = 3
	fieldHostname  uint16 = 4
	fieldSize      uint16 = 5
	fieldToken     uint16 = 6
	fieldEntryRank uint16 = 10
	fieldEntryData uint16 = 11
)

// joinSeq is the message id of the join exchange; collectives count from 1.
const joinSeq uint64 = 0

type join struct {
	Rank     int
	GlobalID int
	Size     int
	Session  string
	Hostname string
	Token    string
}

func encodeJoin(j join) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.U32Field(fieldRank, uint32(j.Rank)),
		tlv.U32Field(fieldGlobalID, uint32(int32(j.GlobalID))),
		tlv.U32Field(fieldSize, uint32(j.Size)),
		tlv.StringField(fieldSession, j.Session),
		tlv.StringField(fieldHostname, j.Hostname),
		tlv.StringField(fieldToken, j.Token),
	})
}

func decodeJoin(payload []byte) (join, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return join{}, err
	}
	rank, err := tlv.LookupU32(fields, fieldRank)
	if err != nil {
		return join{}, err
	}
	gid, err := tlv.LookupU32(fields, fieldGlobalID)
	if err != nil {
		return join{}, err
	}
	size, err := tlv.LookupU32(fields, fieldSize)
	if err != nil {
		return join{}, err
	}
	session, err := tlv.LookupString(fields, fieldSession)
	if err != nil {
		return join{}, err
	}
	host, err := tlv.LookupString(fields, fieldHostname)
	if err != nil {
		return join{}, err
	}
	token, err := tlv.LookupString(fields, fieldToken)
	if err != nil {
		return join{}, err
	}
	return join{
		Rank:     int(rank),
		GlobalID: int(int32(gid)),
		Size:     int(size),
		Session:  session,
		Hostname: host,
		Token:    token,
	}, nil
}

// entry is one rank's slice of a gather or scatter.
type entry struct {
	Rank int
	Data []byte
}

func encodeEntries(entries []entry) []byte {
	fields := make([]tlv.Field, 0, 2*len(entries))
	for _, e := range entries {
		fields = append(fields, tlv.U32Field(fieldEntryRank, uint32(e.Rank)), tlv.BytesField(fieldEntryData, e.Data))
	}
	return tlv.EncodeFields(fields)
}

func decodeEntries(payload []byte) ([]entry, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: odd entry field count %d", protocol.ErrTruncated, len(fields))
	}
	out := make([]entry, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		rf, df := fields[i], fields[i+1]
		if rf.ID != fieldEntryRank || df.ID != fieldEntryData {
			return nil, fmt.Errorf("%w: entry %d has fields %d,%d", protocol.ErrFieldTypeMismatch, i/2, rf.ID, df.ID)
		}
		rank, err := tlv.U32(rf)
		if err != nil {
			return nil, err
		}
		if err := tlv.MustType(df, tlv.TypeBytes); err != nil {
			return nil, err
		}
		out = append(out, entry{Rank: int(rank), Data: df.Value})
	}
	return out, nil
}

func writeMsg(conn net.Conn, msgType uint32, seq uint64, payload []byte) error {
	return frame.WriteFrame(conn, frame.New(msgType, seq, payload), frame.DefaultLimits())
}

func readMsg(conn net.Conn, msgType uint32, seq uint64) ([]byte, error) {
	f, err := frame.ReadFrame(conn, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	if err := frame.Expect(f, msgType, seq); err != nil {
		return nil, err
	}
	return f.Payload, nil
}

// guard applies ctx to conns: its deadline becomes the I/O deadline and its
// cancellation interrupts blocked reads and writes.
func guard(ctx context.Context, conns []net.Conn) func() {
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		for _, c := range conns {
			_ = c.SetDeadline(deadline)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		for _, c := range conns {
			_ = c.SetDeadline(time.Now())
		}
	})
	return func() {
		stop()
		for _, c := range conns {
			_ = c.SetDeadline(time.Time{})
		}
	}
}
