package device

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

// scriptTransport replays a fixed frame sequence, then blocks until the
// reader context is canceled.
type scriptTransport struct {
	kind      types.TransportKind
	frames    []Frame
	failOpens int

	mu    sync.Mutex
	idx   int
	opens int
}

func (s *scriptTransport) Kind() types.TransportKind { return s.kind }

func (s *scriptTransport) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.opens <= s.failOpens {
		return fault.New(fault.KindTransport, "scripted open failure %d", s.opens)
	}
	return nil
}

func (s *scriptTransport) ReadFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.idx < len(s.frames) {
		f := s.frames[s.idx]
		s.idx++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return Frame{}, fault.Wrap(fault.KindCanceled, ctx.Err(), "script exhausted")
}

func (s *scriptTransport) WriteControl(ctx context.Context, msg string) error { return nil }
func (s *scriptTransport) Close() error                                       { return nil }

func startRegistry(t *testing.T, cfg Config, sink Sink) *Registry {
	t.Helper()
	r := NewRegistry(cfg, sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("registry did not shut down")
		}
	})
	return r
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistry_StreamFramingSessions(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := testConfig()

	tr := &scriptTransport{
		kind: types.TransportStream,
		frames: []Frame{
			{Control: MarkerAudioStart},
			{PCM: make([]byte, 32000)},
			{Control: MarkerAudioStart},
			{PCM: bytes.Repeat([]byte{0x7f}, 48000)},
			{Control: MarkerAudioEnd},
		},
	}
	r := startRegistry(t, cfg, sink)
	if err := r.Discover("rec-1", "bench recorder", tr); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := r.Connect("rec-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, func() bool {
		_, sessions := sink.snapshot()
		return len(sessions) == 2
	}, "two closed sessions")

	utts, sessions := sink.snapshot()
	if sessions[0].Cause != types.CauseImplicitRestart {
		t.Errorf("first session cause %s, want implicit_restart", sessions[0].Cause)
	}
	if sessions[1].Cause != types.CauseExplicitStop {
		t.Errorf("second session cause %s, want explicit_stop", sessions[1].Cause)
	}
	if sessions[0].ByteCount != 32000 || sessions[1].ByteCount != 48000 {
		t.Errorf("byte counts %d,%d want 32000,48000", sessions[0].ByteCount, sessions[1].ByteCount)
	}
	if len(utts) != 2 {
		t.Fatalf("got %d utterances, want 2", len(utts))
	}
	if utts[0].SessionID != sessions[0].ID || utts[1].SessionID != sessions[1].ID {
		t.Error("utterances not attributed to their sessions")
	}

	devs := r.ListDevices()
	if len(devs) != 1 || devs[0].ID != "rec-1" {
		t.Fatalf("devices %+v", devs)
	}
	if devs[0].Confidence <= confidenceDiscovered {
		t.Errorf("confidence %d never rose above discovery baseline", devs[0].Confidence)
	}
}

func TestRegistry_ChunkedGapExceeded(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := testConfig()

	frame := func(ms int) Frame {
		return Frame{Timestamp: time.Duration(ms) * time.Millisecond, PCM: make([]byte, 320)}
	}
	tr := &scriptTransport{
		kind: types.TransportChunked,
		frames: []Frame{
			{Control: CtrlSessionOpen + " rec-2 16000"},
			frame(0),
			frame(10),
			frame(2000), // far beyond max_jitter_ms
		},
	}
	r := startRegistry(t, cfg, sink)
	if err := r.Discover("rec-2", "wireless recorder", tr); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := r.Connect("rec-2"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, func() bool {
		_, sessions := sink.snapshot()
		return len(sessions) == 1
	}, "truncated session")

	_, sessions := sink.snapshot()
	if sessions[0].Cause != types.CauseGapExceeded {
		t.Errorf("cause %s, want gap_exceeded", sessions[0].Cause)
	}
	// Only the two in-window frames made it into the session.
	if sessions[0].ByteCount != 640 {
		t.Errorf("byte count %d, want 640", sessions[0].ByteCount)
	}
}

func TestRegistry_ConnectLifecycle(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	r := startRegistry(t, testConfig(), sink)

	if err := r.Connect("nope"); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("connect unknown: got %v, want not_found", err)
	}
	if err := r.Disconnect("nope"); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("disconnect unknown: got %v, want not_found", err)
	}

	tr := &scriptTransport{kind: types.TransportStream}
	if err := r.Discover("rec-3", "recorder", tr); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := r.Connect("rec-3"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := r.Connect("rec-3"); !fault.IsKind(err, fault.KindConflict) {
		t.Errorf("double connect: got %v, want conflict", err)
	}
	if err := r.Disconnect("rec-3"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	// Idempotent.
	if err := r.Disconnect("rec-3"); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	waitFor(t, func() bool {
		devs := r.ListDevices()
		return len(devs) == 1 && devs[0].State == types.DeviceDisconnected
	}, "disconnected state")

	if err := r.SelectActive("rec-3"); err != nil {
		t.Fatalf("SelectActive: %v", err)
	}
	if got := r.ActiveDevice(); got != "rec-3" {
		t.Errorf("active device %q, want rec-3", got)
	}
	if err := r.SelectActive("nope"); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("select unknown: got %v, want not_found", err)
	}
}

func TestRegistry_ReconnectsAfterOpenFailure(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	tr := &scriptTransport{kind: types.TransportStream, failOpens: 1}
	r := startRegistry(t, testConfig(), sink)

	if err := r.Discover("rec-4", "flaky recorder", tr); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := r.Connect("rec-4"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, func() bool {
		devs := r.ListDevices()
		return len(devs) == 1 && devs[0].State == types.DeviceConnected
	}, "reconnect after open failure")
}
