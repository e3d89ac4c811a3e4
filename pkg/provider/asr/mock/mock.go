// Package mock provides a test double for the asr package.
//
// Use Provider to script transcription results and failures without a
// native model. The zero value returns a deterministic transcript derived
// from the payload length, which is enough for pipeline wiring tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/credo-hq/credo/pkg/provider/asr"
)

var _ asr.Provider = (*Provider)(nil)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	SampleRate int
	Language   string
	PCMBytes   int
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned in order, one per Transcribe call. When the
	// script runs out (or is empty), a deterministic default is returned.
	Results []*asr.Result

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// Script, if set, fully replaces the canned behaviour.
	Script func(ctx context.Context, req asr.Request) (*asr.Result, error)

	// FailFirst makes the first N calls return Err (which must be set),
	// then lets subsequent calls succeed. Used to exercise retry paths.
	FailFirst int

	// Model is the value reported by ModelID. Defaults to "mock-asr".
	Model string

	// Calls records every Transcribe invocation.
	Calls []TranscribeCall

	next  int
	fails int
}

// Transcribe implements asr.Provider.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{
		SampleRate: req.SampleRate,
		Language:   req.Language,
		PCMBytes:   len(req.PCM),
	})
	script := p.Script
	if script != nil {
		p.mu.Unlock()
		return script(ctx, req)
	}
	defer p.mu.Unlock()

	if p.Err != nil {
		if p.FailFirst == 0 {
			return nil, p.Err
		}
		if p.fails < p.FailFirst {
			p.fails++
			return nil, p.Err
		}
	}

	if p.next < len(p.Results) {
		r := p.Results[p.next]
		p.next++
		return r, nil
	}
	return &asr.Result{
		Text:  fmt.Sprintf("utterance of %d bytes", len(req.PCM)),
		Model: p.ModelID(),
	}, nil
}

// ModelID implements asr.Provider.
func (p *Provider) ModelID() string {
	if p.Model != "" {
		return p.Model
	}
	return "mock-asr"
}
