// Package mock provides a test double for the llm package.
//
// Responses are scripted in order; Script allows computing a response from
// the request when tests need to inspect the prompt. Failure injection via
// Err and FailFirst exercises the fallback and degradation paths.
package mock

import (
	"context"
	"sync"

	"github.com/credo-hq/credo/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses are returned in order, one per Generate call. When the
	// script runs out, the last response is repeated; an empty script
	// yields "{}".
	Responses []string

	// Script, if set, computes the response from the request and takes
	// precedence over Responses.
	Script func(req llm.Request) (string, error)

	// Err, if non-nil, is returned by Generate.
	Err error

	// FailFirst makes the first N calls return Err (which must be set),
	// then lets subsequent calls succeed.
	FailFirst int

	// Model is the value reported by ModelID. Defaults to "mock-llm".
	Model string

	// Calls records every request passed to Generate.
	Calls []llm.Request

	next  int
	fails int
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)

	if p.Err != nil {
		if p.FailFirst == 0 {
			return nil, p.Err
		}
		if p.fails < p.FailFirst {
			p.fails++
			return nil, p.Err
		}
	}

	if p.Script != nil {
		content, err := p.Script(req)
		if err != nil {
			return nil, err
		}
		return &llm.Response{Content: content}, nil
	}

	content := "{}"
	switch {
	case p.next < len(p.Responses):
		content = p.Responses[p.next]
		p.next++
	case len(p.Responses) > 0:
		content = p.Responses[len(p.Responses)-1]
	}
	return &llm.Response{Content: content}, nil
}

// ModelID implements llm.Provider.
func (p *Provider) ModelID() string {
	if p.Model != "" {
		return p.Model
	}
	return "mock-llm"
}
