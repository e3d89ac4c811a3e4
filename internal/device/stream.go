package device

import (
	"bytes"
	"context"
	"io"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

var (
	startLine = []byte(MarkerAudioStart + "\n")
	endLine   = []byte(MarkerAudioEnd + "\n")
)

// StreamTransport adapts a serial-style byte connection: raw little-endian
// 16-bit mono PCM interleaved with AUDIO_START / AUDIO_END control lines.
//
// Marker scanning holds back a potential marker prefix at the end of the
// buffer, so a control line split across reads is never misread as PCM.
type StreamTransport struct {
	dial func(ctx context.Context) (io.ReadWriteCloser, error)
	conn io.ReadWriteCloser
	buf  []byte
	tmp  []byte
}

var _ Transport = (*StreamTransport)(nil)

// NewStreamTransport wraps a dialer for a serial-style recorder
// connection. The dialer is invoked on Open and again on reconnect.
func NewStreamTransport(dial func(ctx context.Context) (io.ReadWriteCloser, error)) *StreamTransport {
	return &StreamTransport{dial: dial, tmp: make([]byte, 4096)}
}

func (t *StreamTransport) Kind() types.TransportKind { return types.TransportStream }

func (t *StreamTransport) Open(ctx context.Context) error {
	if t.conn != nil {
		t.conn.Close()
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return fault.Wrap(fault.KindTransport, err, "open stream transport")
	}
	t.conn = conn
	t.buf = t.buf[:0]
	return nil
}

func (t *StreamTransport) ReadFrame(ctx context.Context) (Frame, error) {
	if t.conn == nil {
		return Frame{}, fault.New(fault.KindTransport, "stream transport not open")
	}
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, fault.Wrap(fault.KindCanceled, err, "read frame")
		}
		if f, ok := t.nextFromBuffer(); ok {
			return f, nil
		}
		n, err := t.conn.Read(t.tmp)
		if n > 0 {
			t.buf = append(t.buf, t.tmp[:n]...)
			continue
		}
		if err != nil {
			return Frame{}, fault.Wrap(fault.KindTransport, err, "stream read")
		}
	}
}

// nextFromBuffer extracts the next frame from buffered bytes. PCM runs are
// emitted up to the earliest marker, or up to the hold-back window when no
// marker is present yet.
func (t *StreamTransport) nextFromBuffer() (Frame, bool) {
	if len(t.buf) == 0 {
		return Frame{}, false
	}

	idx, marker := earliestMarker(t.buf)
	if idx == 0 {
		t.buf = t.buf[len(marker):]
		return Frame{Control: string(bytes.TrimSuffix(marker, []byte("\n")))}, true
	}

	end := idx
	if idx < 0 {
		// No full marker yet: hold back a possible split prefix.
		end = len(t.buf) - len(startLine) + 1
		if end <= 0 {
			return Frame{}, false
		}
	}
	pcm := make([]byte, end)
	copy(pcm, t.buf[:end])
	t.buf = t.buf[end:]
	return Frame{PCM: pcm}, true
}

func earliestMarker(b []byte) (int, []byte) {
	si := bytes.Index(b, startLine)
	ei := bytes.Index(b, endLine)
	switch {
	case si < 0 && ei < 0:
		return -1, nil
	case ei < 0 || (si >= 0 && si < ei):
		return si, startLine
	default:
		return ei, endLine
	}
}

func (t *StreamTransport) WriteControl(ctx context.Context, msg string) error {
	if t.conn == nil {
		return fault.New(fault.KindTransport, "stream transport not open")
	}
	if _, err := t.conn.Write([]byte(msg + "\n")); err != nil {
		return fault.Wrap(fault.KindTransport, err, "write control %q", msg)
	}
	return nil
}

func (t *StreamTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
