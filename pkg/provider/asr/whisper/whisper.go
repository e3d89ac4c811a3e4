// Package whisper implements asr.Provider on top of the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model file is loaded once at construction and shared by all
// concurrent Transcribe calls; each call creates its own whisper context,
// which is the unit of thread confinement in whisper.cpp.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/credo-hq/credo/pkg/audio"
	"github.com/credo-hq/credo/pkg/provider/asr"
)

// modelSampleRate is the rate whisper models are trained on. Input at any
// other rate is resampled before inference.
const modelSampleRate = 16000

// defaultLanguage lets whisper.cpp detect the spoken language per
// utterance unless a hint is configured.
const defaultLanguage = "auto"

var _ asr.Provider = (*Provider)(nil)

// Provider implements asr.Provider using the whisper.cpp Go bindings.
type Provider struct {
	model    whisperlib.Model
	modelID  string
	language string
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithLanguage sets the default recognition language used when a Request
// carries no hint. Defaults to "auto" (per-utterance detection).
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New loads the whisper model from modelPath. The caller must Close the
// provider when done to release the native model.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &Provider{
		model:    model,
		modelID:  modelPath,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the native model. No Transcribe call may be in flight.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// ModelID implements asr.Provider.
func (p *Provider) ModelID() string { return p.modelID }

// Transcribe implements asr.Provider.
//
// whisper.cpp inference cannot be interrupted once started, so cancellation
// is handled with a watchdog: when ctx expires the call returns ctx.Err()
// immediately and the inference goroutine is left to finish and discard its
// result on its own.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pcm := audio.TruncateToSample(req.PCM)
	if req.SampleRate > 0 && req.SampleRate != modelSampleRate {
		pcm = audio.ResampleMono16(pcm, req.SampleRate, modelSampleRate)
	}
	if len(pcm) == 0 {
		return &asr.Result{Model: p.modelID}, nil
	}
	samples := audio.ToFloat32(pcm)

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	type inferOutcome struct {
		segments []asr.Segment
		language string
		err      error
	}

	start := time.Now()
	outcome := make(chan inferOutcome, 1)
	go func() {
		segs, detected, err := p.infer(samples, lang)
		outcome <- inferOutcome{segments: segs, language: detected, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-outcome:
		if out.err != nil {
			return nil, out.err
		}
		parts := make([]string, 0, len(out.segments))
		for _, s := range out.segments {
			parts = append(parts, s.Text)
		}
		return &asr.Result{
			Text:      strings.Join(parts, " "),
			Segments:  out.segments,
			Language:  out.language,
			Model:     p.modelID,
			Inference: time.Since(start),
		}, nil
	}
}

// infer runs whisper.cpp on a fresh context and collects the segments and
// the language the model settled on. Contexts are not thread-safe, but the
// shared model is.
func (p *Provider) infer(samples []float32, lang string) ([]asr.Segment, string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: unsupported language hint, using model default", "language", lang, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, "", fmt.Errorf("whisper: process audio: %w", err)
	}

	detected := wctx.DetectedLanguage()
	if detected == "" && lang != "auto" {
		detected = lang
	}

	var segs []asr.Segment
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		segs = append(segs, asr.Segment{
			Start: segment.Start,
			End:   segment.End,
			Text:  text,
		})
	}
	return segs, detected, nil
}
