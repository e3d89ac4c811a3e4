package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/credo-hq/credo/pkg/audio"
	"github.com/credo-hq/credo/pkg/types"
)

// Sink receives the mux's output: finalized utterances with their PCM
// payloads, and closed session envelopes. Implementations must not block
// for long; the pipeline submits jobs and returns.
type Sink interface {
	UtteranceReady(ctx context.Context, sess types.Session, utt types.Utterance, pcm []byte)
	SessionClosed(ctx context.Context, sess types.Session)
}

// Config carries the device-layer tunables. Zero values take the
// documented defaults.
type Config struct {
	// SampleRate of inbound PCM. Default 16000.
	SampleRate int

	// MaxJitter is the largest tolerated gap between chunked frames before
	// the session is truncated with cause gap_exceeded. Default 500ms.
	MaxJitter time.Duration

	// SessionMax bounds a session's duration; exceeding it closes the
	// session with cause timeout. Default 60s.
	SessionMax time.Duration

	// RingSeconds sizes each session's ring buffer. Default 60.
	RingSeconds int

	// SilenceRMS is the energy floor below which a window counts as
	// silence. Default 500 (int16 scale).
	SilenceRMS float64

	// MinSilence is the silent gap that finalizes an utterance. Default
	// 700ms.
	MinSilence time.Duration

	// MinUtterance discards speech runs shorter than this. Default 200ms.
	MinUtterance time.Duration

	// PerDeviceCap pauses utterance finalization while a device has more
	// pending jobs than this. Default 4.
	PerDeviceCap int

	// GracePeriod removes unreachable devices from the registry. Default
	// 5m.
	GracePeriod time.Duration

	// BackoffCap limits reconnect backoff. Default 30s.
	BackoffCap time.Duration

	// PendingJobs reports a device's in-flight job count for backpressure.
	// Nil disables the per-device cap.
	PendingJobs func(deviceID string) int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = 500 * time.Millisecond
	}
	if c.SessionMax <= 0 {
		c.SessionMax = 60 * time.Second
	}
	if c.RingSeconds <= 0 {
		c.RingSeconds = 60
	}
	if c.SilenceRMS <= 0 {
		c.SilenceRMS = 500
	}
	if c.MinSilence <= 0 {
		c.MinSilence = 700 * time.Millisecond
	}
	if c.MinUtterance <= 0 {
		c.MinUtterance = 200 * time.Millisecond
	}
	if c.PerDeviceCap <= 0 {
		c.PerDeviceCap = 4
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
}

// session is one recording envelope. The transport reader is the single
// writer (Append); the finalizer goroutine is the single reader, cutting
// utterances at silence boundaries and flushing the remainder on close.
type session struct {
	meta types.Session
	cfg  Config
	sink Sink

	ring   *ring
	notify chan struct{}
	closeC chan types.SessionCause
	done   chan struct{}

	mu        sync.Mutex
	warnings  []string
	byteCount int64
	leftover  byte
	haveOdd   bool
	warned    map[string]bool
}

func newSession(ctx context.Context, deviceID string, transport types.TransportKind, cfg Config, sink Sink) *session {
	s := &session{
		meta: types.Session{
			ID:         uuid.NewString(),
			DeviceID:   deviceID,
			StartedAt:  time.Now().UTC(),
			SampleRate: cfg.SampleRate,
			Channels:   1,
			Transport:  transport,
		},
		cfg:    cfg,
		sink:   sink,
		ring:   newRing(cfg.RingSeconds * cfg.SampleRate * 2),
		notify: make(chan struct{}, 1),
		closeC: make(chan types.SessionCause, 1),
		done:   make(chan struct{}),
		warned: make(map[string]bool),
	}
	go s.finalize(ctx)
	return s
}

// Append routes transport PCM into the ring. Sample alignment is restored
// here: an odd trailing byte is held until its pair arrives, so arbitrary
// read splits never corrupt samples.
func (s *session) Append(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	if s.haveOdd {
		pcm = append([]byte{s.leftover}, pcm...)
		s.haveOdd = false
	}
	if len(pcm)%2 != 0 {
		s.leftover = pcm[len(pcm)-1]
		s.haveOdd = true
		pcm = pcm[:len(pcm)-1]
	}
	s.byteCount += int64(len(pcm))
	s.mu.Unlock()

	if dropped := s.ring.Write(pcm); dropped > 0 {
		s.warnOnce("overflow", fmt.Sprintf("ring buffer overflow: dropped oldest audio (device %s)", s.meta.DeviceID))
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close ends the session with the given cause. Idempotent; only the first
// cause wins.
func (s *session) Close(cause types.SessionCause) {
	select {
	case s.closeC <- cause:
	default:
	}
	<-s.done
}

// Done is closed when the finalizer has flushed and the session ended.
func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) warnOnce(key, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warned[key] {
		return
	}
	s.warned[key] = true
	s.warnings = append(s.warnings, msg)
	slog.Warn("session warning", "session_id", s.meta.ID, "device_id", s.meta.DeviceID, "warning", msg)
}

// finalize is the single reader. It drains the ring, scans fixed windows
// for silence, and emits an utterance when a long enough silent gap follows
// speech. Finalization pauses under backpressure; audio keeps accumulating.
func (s *session) finalize(ctx context.Context) {
	defer close(s.done)

	windowBytes := s.cfg.SampleRate / 50 * 2 // 20ms analysis window
	minSilenceWins := int(s.cfg.MinSilence / (20 * time.Millisecond))
	minUttBytes := audio.ByteCount(s.cfg.MinUtterance, s.cfg.SampleRate)

	var (
		pending    []byte // audio since the last cut
		analyzed   int    // offset into pending already classified
		silentRun  int    // trailing silent windows
		sawSpeech  bool
		ordinal    int
		deferred   []pendingUtterance
		cause      types.SessionCause
		closing    bool
	)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(s.cfg.SessionMax)

	emit := func(pcm []byte, voiced bool) {
		if len(pcm) == 0 {
			return
		}
		u := types.Utterance{
			ID:            uuid.NewString(),
			SessionID:     s.meta.ID,
			SampleRate:    s.cfg.SampleRate,
			Duration:      audio.Duration(len(pcm), s.cfg.SampleRate),
			Ordinal:       ordinal,
			VoiceActivity: voiced,
			StartedAt:     time.Now().UTC(),
		}
		ordinal++
		deferred = append(deferred, pendingUtterance{u, pcm})
	}

	flushDeferred := func() {
		for len(deferred) > 0 {
			if s.cfg.PendingJobs != nil && s.cfg.PendingJobs(s.meta.DeviceID) > s.cfg.PerDeviceCap {
				s.warnOnce("backpressure", fmt.Sprintf("backpressure: device %s exceeded %d pending jobs, pausing finalization", s.meta.DeviceID, s.cfg.PerDeviceCap))
				return
			}
			next := deferred[0]
			deferred = deferred[1:]
			s.sink.UtteranceReady(ctx, s.snapshot(), next.utt, next.pcm)
		}
	}

	for {
		select {
		case <-ctx.Done():
			closing, cause = true, types.CauseDisconnect
		case c := <-s.closeC:
			closing, cause = true, c
		case <-deadline:
			closing, cause = true, types.CauseTimeout
		case <-s.notify:
		case <-ticker.C:
		}

		pending = append(pending, s.ring.Drain()...)

		for analyzed+windowBytes <= len(pending) {
			win := pending[analyzed : analyzed+windowBytes]
			analyzed += windowBytes
			if audio.EnergyRMS(win) < s.cfg.SilenceRMS {
				silentRun++
			} else {
				sawSpeech = true
				silentRun = 0
			}
			if sawSpeech && silentRun >= minSilenceWins {
				cut := analyzed
				if cut >= minUttBytes {
					emit(pending[:cut:cut], true)
				}
				pending = pending[cut:]
				analyzed = 0
				silentRun = 0
				sawSpeech = false
			}
		}

		if closing {
			// Flush whatever remains as the final utterance, voiced or not.
			if s.haveOddLocked() {
				s.warnOnce("misaligned", "skipped trailing misaligned audio byte")
			}
			emit(pending, sawSpeech)
			pending = nil
			drainUntil := time.After(10 * time.Second)
			for len(deferred) > 0 {
				flushDeferred()
				if len(deferred) > 0 {
					select {
					case <-ctx.Done():
						deferred = nil
					case <-drainUntil:
						s.warnOnce("drain", fmt.Sprintf("dropped %d utterances still deferred at close", len(deferred)))
						deferred = nil
					case <-time.After(50 * time.Millisecond):
					}
				}
			}
			s.sink.SessionClosed(ctx, s.closedSnapshot(cause))
			return
		}
		flushDeferred()
	}
}

type pendingUtterance struct {
	utt types.Utterance
	pcm []byte
}

func (s *session) haveOddLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveOdd
}

func (s *session) snapshot() types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.meta
	meta.ByteCount = s.byteCount
	meta.Warnings = append([]string(nil), s.warnings...)
	return meta
}

func (s *session) closedSnapshot(cause types.SessionCause) types.Session {
	meta := s.snapshot()
	meta.EndedAt = time.Now().UTC()
	meta.Cause = cause
	return meta
}
