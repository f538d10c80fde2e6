package debugger

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Default pipe descriptors handed to the daemon by the debugger launcher.
const (
	DefaultReadFD  = 3
	DefaultWriteFD = 4
)

// Result records what the shutdown handshake negotiated.
type Result struct {
	ProtocolVersion uint32
	EndDebugSent    bool
}

// Handshake runs the shutdown exchange over a read/write pipe pair.
type Handshake struct {
	R io.Reader
	W io.Writer

	last Result
}

// New returns a handshake over r and w.
func New(r io.Reader, w io.Writer) *Handshake {
	return &Handshake{R: r, W: w}
}

// OpenPipes wraps the inherited pipe descriptors.
func OpenPipes(readFD, writeFD int) (*Handshake, io.Closer) {
	r := os.NewFile(uintptr(readFD), "debugger-read")
	w := os.NewFile(uintptr(writeFD), "debugger-write")
	return New(r, w), closers{r, w}
}

type closers []io.Closer

func (c closers) Close() error {
	var first error
	for _, cl := range c {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Last returns the result of the most recent Run.
func (h *Handshake) Last() Result {
	return h.last
}

// Handshake satisfies fabric.Handshaker.
func (h *Handshake) Handshake(ctx context.Context) error {
	_, err := h.Run(ctx)
	return err
}

// Run sends VERSION_MSG and reads its acknowledgement. When the debugger
// speaks protocol version 3 or later it then sends END_DEBUG and waits for
// END_DEBUG_ACK; older versions end after the first round.
func (h *Handshake) Run(ctx context.Context) (Result, error) {
	release := applyContext(ctx, h.R, h.W)
	defer release()

	var res Result
	ack, err := h.exchange(VersionQuery{}, VersionMsgAck)
	if err != nil {
		return res, err
	}
	reply, ok := ack.Payload.(VersionReply)
	if !ok {
		return res, fmt.Errorf("%w: %s carried %T", ErrProtocolMismatch, VersionMsgAck, ack.Payload)
	}
	res.ProtocolVersion = reply.ProtocolVersion

	if reply.ProtocolVersion < MinEndDebugVersion {
		log.Debug().Uint32("protocol_version", reply.ProtocolVersion).Msg("debugger.Handshake protocol lower than 3, skipping END_DEBUG")
		h.last = res
		return res, nil
	}

	log.Debug().Uint32("protocol_version", reply.ProtocolVersion).Msg("debugger.Handshake protocol 3 or higher, sending END_DEBUG")
	if _, err := h.exchange(EndDebugQuery{}, EndDebugAck); err != nil {
		return res, err
	}
	res.EndDebugSent = true
	h.last = res
	return res, nil
}

func (h *Handshake) exchange(req Payload, want MsgType) (Message, error) {
	if err := WriteMessage(h.W, NewMessage(req)); err != nil {
		log.Error().Str("msg", req.Type().String()).Err(err).Msg("debugger.Handshake command failed")
		return Message{}, err
	}
	msg, err := ReadMessage(h.R)
	if err != nil {
		log.Error().Str("want", want.String()).Err(err).Msg("debugger.Handshake ack failed")
		return Message{}, err
	}
	if msg.Header.Type != want {
		log.Error().Str("got", msg.Header.Type.String()).Str("want", want.String()).Msg("debugger.Handshake received a wrong msg type")
		return Message{}, fmt.Errorf("%w: got %s want %s", ErrProtocolMismatch, msg.Header.Type, want)
	}
	return msg, nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// applyContext maps ctx onto endpoints that support deadlines, such as pipes
// opened with os.NewFile. Plain readers and writers are left alone.
func applyContext(ctx context.Context, endpoints ...any) func() {
	ds := make([]deadliner, 0, len(endpoints))
	for _, e := range endpoints {
		if d, ok := e.(deadliner); ok {
			ds = append(ds, d)
		}
	}
	if len(ds) == 0 {
		return func() {}
	}
	if deadline, ok := ctx.Deadline(); ok {
		for _, d := range ds {
			_ = d.SetDeadline(deadline)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		for _, d := range ds {
			_ = d.SetDeadline(time.Now())
		}
	})
	return func() {
		stop()
		for _, d := range ds {
			_ = d.SetDeadline(time.Time{})
		}
	}
}
