package device

import (
	"bytes"
	"context"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

// PacketConn is the datagram-style connection a wireless recorder speaks:
// each packet is either one control message or one timestamped PCM frame.
type PacketConn interface {
	ReadPacket(ctx context.Context) ([]byte, error)
	WritePacket(ctx context.Context, p []byte) error
	Close() error
}

// ChunkedTransport adapts a wireless recorder. Control packets carry an
// ASCII "SESSION_*" token; every other packet is a data frame of a 4-byte
// big-endian millisecond timestamp followed by PCM samples.
type ChunkedTransport struct {
	dial func(ctx context.Context) (PacketConn, error)
	conn PacketConn
}

var _ Transport = (*ChunkedTransport)(nil)

// NewChunkedTransport wraps a dialer for a wireless recorder connection.
func NewChunkedTransport(dial func(ctx context.Context) (PacketConn, error)) *ChunkedTransport {
	return &ChunkedTransport{dial: dial}
}

func (t *ChunkedTransport) Kind() types.TransportKind { return types.TransportChunked }

func (t *ChunkedTransport) Open(ctx context.Context) error {
	if t.conn != nil {
		t.conn.Close()
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return fault.Wrap(fault.KindTransport, err, "open chunked transport")
	}
	t.conn = conn
	return nil
}

func (t *ChunkedTransport) ReadFrame(ctx context.Context) (Frame, error) {
	if t.conn == nil {
		return Frame{}, fault.New(fault.KindTransport, "chunked transport not open")
	}
	packet, err := t.conn.ReadPacket(ctx)
	if err != nil {
		return Frame{}, fault.Wrap(fault.KindTransport, err, "chunked read")
	}
	if bytes.HasPrefix(packet, []byte("SESSION_")) {
		return Frame{Control: string(bytes.TrimRight(packet, "\n"))}, nil
	}
	return ParseChunkedFrame(packet)
}

func (t *ChunkedTransport) WriteControl(ctx context.Context, msg string) error {
	if t.conn == nil {
		return fault.New(fault.KindTransport, "chunked transport not open")
	}
	if err := t.conn.WritePacket(ctx, []byte(msg)); err != nil {
		return fault.Wrap(fault.KindTransport, err, "write control %q", msg)
	}
	return nil
}

func (t *ChunkedTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
