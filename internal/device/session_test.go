package device

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/credo-hq/credo/pkg/types"
)

type captureSink struct {
	mu       sync.Mutex
	utts     []types.Utterance
	pcms     [][]byte
	sessions []types.Session
}

func (c *captureSink) UtteranceReady(_ context.Context, _ types.Session, u types.Utterance, pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utts = append(c.utts, u)
	c.pcms = append(c.pcms, pcm)
}

func (c *captureSink) SessionClosed(_ context.Context, s types.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
}

func (c *captureSink) snapshot() ([]types.Utterance, []types.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Utterance(nil), c.utts...), append([]types.Session(nil), c.sessions...)
}

// makePCM builds little-endian 16-bit mono samples of constant amplitude.
func makePCM(d time.Duration, sampleRate int, amplitude int16) []byte {
	n := int(d.Seconds() * float64(sampleRate))
	out := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(amplitude))
	}
	return out
}

func testConfig() Config {
	cfg := Config{
		SampleRate:   16000,
		MinSilence:   100 * time.Millisecond,
		MinUtterance: 40 * time.Millisecond,
		SilenceRMS:   500,
	}
	cfg.applyDefaults()
	return cfg
}

func TestSession_SilenceSegmentsUtterances(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := testConfig()
	s := newSession(context.Background(), "dev-1", types.TransportStream, cfg, sink)

	s.Append(makePCM(200*time.Millisecond, cfg.SampleRate, 3000))
	s.Append(makePCM(200*time.Millisecond, cfg.SampleRate, 0))
	s.Append(makePCM(200*time.Millisecond, cfg.SampleRate, 3000))
	s.Close(types.CauseExplicitStop)

	utts, sessions := sink.snapshot()
	if len(utts) != 2 {
		t.Fatalf("got %d utterances, want 2", len(utts))
	}
	if !utts[0].VoiceActivity {
		t.Error("first utterance not flagged as voiced")
	}
	if utts[0].Ordinal != 0 || utts[1].Ordinal != 1 {
		t.Errorf("ordinals %d,%d want 0,1", utts[0].Ordinal, utts[1].Ordinal)
	}
	if len(sessions) != 1 || sessions[0].Cause != types.CauseExplicitStop {
		t.Fatalf("sessions %+v, want one explicit_stop", sessions)
	}
	if sessions[0].EndedAt.IsZero() {
		t.Error("closed session missing end timestamp")
	}
}

func TestSession_OddByteAlignment(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := testConfig()
	s := newSession(context.Background(), "dev-1", types.TransportStream, cfg, sink)

	// Split one sample across two appends: both halves must survive.
	s.Append([]byte{0x01, 0x02, 0x03})
	s.Append([]byte{0x04})
	s.Close(types.CauseExplicitStop)

	_, sessions := sink.snapshot()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions", len(sessions))
	}
	if sessions[0].ByteCount != 4 {
		t.Errorf("byte count %d, want 4", sessions[0].ByteCount)
	}
	for _, w := range sessions[0].Warnings {
		if strings.Contains(w, "misaligned") {
			t.Errorf("paired bytes flagged as misaligned: %v", sessions[0].Warnings)
		}
	}
}

func TestSession_TrailingOddByteWarns(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	s := newSession(context.Background(), "dev-1", types.TransportStream, testConfig(), sink)

	s.Append([]byte{0x01, 0x02, 0x03})
	s.Close(types.CauseExplicitStop)

	_, sessions := sink.snapshot()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions", len(sessions))
	}
	var found bool
	for _, w := range sessions[0].Warnings {
		if strings.Contains(w, "misaligned") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing misaligned-byte warning: %v", sessions[0].Warnings)
	}
}

func TestSession_OverflowWarnsAndContinues(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := testConfig()
	cfg.SampleRate = 8000
	cfg.RingSeconds = 1

	s := newSession(context.Background(), "dev-1", types.TransportStream, cfg, sink)
	s.Append(make([]byte, 20000)) // exceeds the 16000-byte ring in one write
	s.Close(types.CauseExplicitStop)

	utts, sessions := sink.snapshot()
	if len(utts) != 1 {
		t.Fatalf("got %d utterances, want 1", len(utts))
	}
	var found bool
	for _, w := range sessions[0].Warnings {
		if strings.Contains(w, "overflow") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing overflow warning: %v", sessions[0].Warnings)
	}
}

func TestSession_BackpressureDefersFinalization(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := testConfig()
	var pending atomic.Int64
	pending.Store(10)
	cfg.PendingJobs = func(string) int { return int(pending.Load()) }

	s := newSession(context.Background(), "dev-1", types.TransportStream, cfg, sink)
	s.Append(makePCM(100*time.Millisecond, cfg.SampleRate, 3000))

	closed := make(chan struct{})
	go func() {
		s.Close(types.CauseExplicitStop)
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close completed while backpressured")
	case <-time.After(200 * time.Millisecond):
	}
	pending.Store(0)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close never completed after backpressure cleared")
	}

	utts, sessions := sink.snapshot()
	if len(utts) != 1 {
		t.Fatalf("got %d utterances, want 1", len(utts))
	}
	var found bool
	for _, w := range sessions[0].Warnings {
		if strings.Contains(w, "backpressure") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing backpressure warning: %v", sessions[0].Warnings)
	}
}

func TestSession_MaxDurationTimeout(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	cfg := testConfig()
	cfg.SessionMax = 100 * time.Millisecond

	s := newSession(context.Background(), "dev-1", types.TransportStream, cfg, sink)
	s.Append(makePCM(50*time.Millisecond, cfg.SampleRate, 3000))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not time out")
	}
	_, sessions := sink.snapshot()
	if len(sessions) != 1 || sessions[0].Cause != types.CauseTimeout {
		t.Fatalf("sessions %+v, want one timeout close", sessions)
	}
}
