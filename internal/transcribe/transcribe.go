// Package transcribe converts finalized utterances into transcripts. Each
// utterance is submitted to the shared job queue as a gpu-class job: normal
// priority for live recordings, low for re-transcription. The job's
// deadline scales with the audio length, so a wedged model cannot hold the
// GPU slot indefinitely.
package transcribe

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/internal/observe"
	"github.com/credo-hq/credo/internal/queue"
	"github.com/credo-hq/credo/pkg/provider/asr"
	"github.com/credo-hq/credo/pkg/types"
)

// Store persists transcripts keyed by session; the latest successful
// attempt for an utterance wins.
type Store interface {
	SaveTranscript(ctx context.Context, sessionID string, tr *types.Transcript) error
}

// Config carries the stage tunables.
type Config struct {
	// RealtimeFactorCap bounds inference time as a multiple of the audio
	// duration. Default 10.
	RealtimeFactorCap int

	// Language is an optional session-wide language hint; empty lets the
	// model detect.
	Language string
}

func (c *Config) applyDefaults() {
	if c.RealtimeFactorCap <= 0 {
		c.RealtimeFactorCap = 10
	}
}

// Stage wires the ASR adapter to the job queue.
type Stage struct {
	provider asr.Provider
	queue    *queue.Queue
	store    Store // nil disables persistence
	cfg      Config
}

// New builds a transcription stage. store may be nil.
func New(provider asr.Provider, q *queue.Queue, store Store, cfg Config) *Stage {
	cfg.applyDefaults()
	return &Stage{provider: provider, queue: q, store: store, cfg: cfg}
}

// Pending is an in-flight transcription. Result blocks for the outcome.
type Pending struct {
	JobID  string
	handle *queue.Handle
	out    *types.Transcript
}

// Result blocks until the job finishes and returns the transcript.
func (p *Pending) Result() (*types.Transcript, error) {
	if err := p.handle.Err(); err != nil {
		return nil, err
	}
	return p.out, nil
}

// Submit enqueues transcription of one utterance. Live recordings go in at
// normal priority; re-transcription requests at low.
func (s *Stage) Submit(utt types.Utterance, pcm []byte, priority queue.Priority) (*Pending, error) {
	p := &Pending{}
	h, err := s.queue.Submit(queue.Job{
		Name:     "transcribe " + utt.ID,
		Class:    queue.ClassGPU,
		Priority: priority,
		Run: func(ctx context.Context, progress func(int)) error {
			tr, err := s.run(ctx, utt, pcm, progress)
			if err != nil {
				return err
			}
			p.out = tr
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	p.JobID = h.ID
	p.handle = h
	return p, nil
}

// Transcribe runs one utterance through the queue and waits for the
// transcript.
func (s *Stage) Transcribe(ctx context.Context, utt types.Utterance, pcm []byte, priority queue.Priority) (*types.Transcript, error) {
	p, err := s.Submit(utt, pcm, priority)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		s.queue.Cancel(p.JobID)
		<-p.handle.Done()
		return nil, fault.Wrap(fault.KindCanceled, ctx.Err(), "transcribe %s", utt.ID)
	case <-p.handle.Done():
		return p.Result()
	}
}

func (s *Stage) run(ctx context.Context, utt types.Utterance, pcm []byte, progress func(int)) (*types.Transcript, error) {
	progress(5)

	// A silent or zero-length utterance yields an empty transcript with
	// confidence 0 rather than an error.
	if len(pcm) == 0 {
		zero := 0.0
		tr := &types.Transcript{
			ID:          uuid.NewString(),
			UtteranceID: utt.ID,
			Confidence:  &zero,
			Model:       s.provider.ModelID(),
			CreatedAt:   time.Now().UTC(),
		}
		return tr, s.persist(ctx, utt.SessionID, tr)
	}

	deadline := time.Duration(s.cfg.RealtimeFactorCap) * utt.Duration
	if deadline <= 0 {
		deadline = time.Duration(s.cfg.RealtimeFactorCap) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	res, err := s.provider.Transcribe(runCtx, asr.Request{
		PCM:        pcm,
		SampleRate: utt.SampleRate,
		Language:   s.cfg.Language,
	})
	observe.DefaultMetrics().TranscribeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		observe.DefaultMetrics().RecordAdapterError(ctx, "asr", string(fault.KindOf(err)))
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fault.Wrap(fault.KindTimeout, err,
				"transcription of %s exceeded %.1fx realtime", utt.ID, float64(s.cfg.RealtimeFactorCap))
		}
		return nil, fault.Wrap(fault.KindOf(err), err, "transcribe utterance %s", utt.ID)
	}
	progress(90)

	// The recognizer's detected language wins over the session hint; the
	// hint only stands in when the backend reports nothing.
	lang := res.Language
	if lang == "" {
		lang = s.cfg.Language
	}

	tr := &types.Transcript{
		ID:            uuid.NewString(),
		UtteranceID:   utt.ID,
		Text:          res.Text,
		Language:      lang,
		Confidence:    res.Confidence,
		Model:         res.Model,
		InferenceTime: res.Inference,
		CreatedAt:     time.Now().UTC(),
	}
	for _, seg := range res.Segments {
		detail := types.SegmentDetail{Text: seg.Text, Start: seg.Start, End: seg.End}
		if res.Confidence != nil {
			detail.Confidence = *res.Confidence
		}
		tr.Segments = append(tr.Segments, detail)
	}
	return tr, s.persist(ctx, utt.SessionID, tr)
}

func (s *Stage) persist(ctx context.Context, sessionID string, tr *types.Transcript) error {
	if s.store == nil {
		return nil
	}
	return s.store.SaveTranscript(ctx, sessionID, tr)
}
