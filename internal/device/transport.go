// Package device tracks edge recorders and demultiplexes their inbound
// audio into per-session ring buffers.
//
// Recorders speak one of two transports. The stream transport is a plain
// byte stream interleaving raw PCM with in-band AUDIO_START / AUDIO_END
// control lines (serial-style recorders). The chunked transport delivers
// discrete frames, each tagged with a millisecond timestamp, with
// out-of-band SESSION_OPEN / SESSION_CLOSE control packets (wireless
// recorders).
//
// The registry is a single-writer actor: all device state mutations run on
// its loop goroutine, and readers observe consistent snapshots without
// locks.
package device

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

// Control tokens shared by both transports.
const (
	MarkerAudioStart = "AUDIO_START"
	MarkerAudioEnd   = "AUDIO_END"
	CtrlSessionOpen  = "SESSION_OPEN"
	CtrlSessionClose = "SESSION_CLOSE"
)

// Frame is one demultiplexed unit read from a transport: either a control
// token or a run of PCM bytes, never both.
type Frame struct {
	// Control carries the control token ("AUDIO_START", "SESSION_OPEN ...")
	// when this frame is a control message.
	Control string

	// Timestamp is the recorder-side capture time of a chunked data frame,
	// in milliseconds since session open. Zero for stream frames.
	Timestamp time.Duration

	// PCM holds raw little-endian 16-bit mono samples. The slice is only
	// valid until the next ReadFrame call.
	PCM []byte
}

// Transport is the explicit capability set every recorder connection
// provides. The registry is polymorphic over this interface, tagged by
// Kind.
type Transport interface {
	Kind() types.TransportKind

	// Open establishes the connection. Called again after transport errors
	// to reconnect.
	Open(ctx context.Context) error

	// ReadFrame blocks for the next control or data frame. Returns a
	// transport_error fault when the connection drops.
	ReadFrame(ctx context.Context) (Frame, error)

	// WriteControl sends a control token to the recorder.
	WriteControl(ctx context.Context, msg string) error

	Close() error
}

// ParseChunkedFrame decodes one chunked-transport data packet:
// a 4-byte big-endian millisecond timestamp followed by PCM samples.
func ParseChunkedFrame(packet []byte) (Frame, error) {
	if len(packet) < 4 {
		return Frame{}, fault.New(fault.KindDecode, "chunked frame too short: %d bytes", len(packet))
	}
	ms := binary.BigEndian.Uint32(packet[:4])
	return Frame{
		Timestamp: time.Duration(ms) * time.Millisecond,
		PCM:       packet[4:],
	}, nil
}
