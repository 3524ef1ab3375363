// Package mock provides an in-memory llm.Provider for tests. Responses are
// scripted per call and streamed as word-sized chunks.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/voicewire/voicewire/pkg/provider/llm"
)

// Provider implements llm.Provider with canned responses. Responses are
// consumed in order; when they run out, the last one repeats.
type Provider struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.CompletionRequest

	// Err, when set, is returned by both methods instead of a response.
	Err error

	// ChunkHook, when set, is called before each streamed chunk. Tests use it
	// to interleave events mid-generation (e.g., a barge-in).
	ChunkHook func(chunkIndex int)
}

var _ llm.Provider = (*Provider)(nil)

// New creates a mock Provider that replies with the given responses in order.
func New(responses ...string) *Provider {
	return &Provider{responses: responses}
}

// Requests returns every request received so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// next records req and pops the next scripted response.
func (p *Provider) next(req llm.CompletionRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return "", nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return resp, nil
}

// StreamCompletion implements llm.Provider. The response is emitted one word
// at a time to exercise sentence reassembly in consumers.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		words := strings.SplitAfter(resp, " ")
		for i, w := range words {
			if p.ChunkHook != nil {
				p.ChunkHook(i)
			}
			select {
			case ch <- llm.Chunk{Text: w}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: resp}, nil
}
