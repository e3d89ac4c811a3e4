// Package asr defines the Provider interface for speech-recognition backends.
//
// An ASR provider maps one finalized utterance (raw 16-bit mono PCM) to a
// transcript. Unlike streaming recognizers, the contract here is batch per
// utterance: the device multiplexer has already segmented the audio, so the
// provider only ever sees complete payloads.
//
// Implementations must be safe for concurrent use; the transcription stage
// may run several utterances in parallel when GPU slots allow.
package asr

import (
	"context"
	"time"
)

// Segment is one time-aligned span of the recognized text. Offsets are
// relative to the start of the utterance payload.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Request carries one utterance payload to the recognizer.
type Request struct {
	// PCM is the raw 16-bit signed little-endian mono audio.
	PCM []byte

	// SampleRate is the rate of PCM in Hz. Providers resample internally
	// when their model expects a different rate.
	SampleRate int

	// Language is an optional BCP-47 hint (e.g., "en", "de"). Empty lets
	// the provider use its configured default or auto-detect.
	Language string
}

// Result is the recognizer's output for a single utterance.
type Result struct {
	// Text is the full transcript with segments joined by single spaces.
	Text string

	// Confidence is the model's aggregate confidence in [0,1], or nil when
	// the backend does not report one.
	Confidence *float64

	// Segments holds the time-aligned pieces of Text, in order.
	Segments []Segment

	// Language is the BCP-47 code the recognizer used or detected for
	// this utterance; empty when the backend does not report one.
	Language string

	// Model identifies the model that produced this result, for stamping
	// onto stored transcripts.
	Model string

	// Inference is the wall-clock time spent in the model.
	Inference time.Duration
}

// Provider is the abstraction over any speech-recognition backend.
//
// Transcribe must honor ctx: when the deadline passes before inference
// completes, it returns ctx.Err() (possibly wrapped) and the caller treats
// the utterance as timed out. Implementations must be safe for concurrent
// use.
type Provider interface {
	// Transcribe recognizes one utterance. An empty or silent payload
	// yields a Result with empty Text, not an error.
	Transcribe(ctx context.Context, req Request) (*Result, error)

	// ModelID returns the identifier of the underlying model.
	ModelID() string
}
