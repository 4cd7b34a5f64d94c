// Package mock provides a scriptable tts.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/cacheclaw/cacheclaw/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Provider is a test double implementing [tts.Provider]. Configure either a
// static Audio/Err pair or a SynthesizeFunc for per-call behaviour. All calls
// are recorded and retrievable via [Provider.Calls].
type Provider struct {
	// Audio is returned by Synthesize when SynthesizeFunc is nil.
	Audio []byte

	// Err is returned by Synthesize when SynthesizeFunc is nil.
	Err error

	// SynthesizeFunc, when non-nil, handles each call. The call counter is
	// still incremented.
	SynthesizeFunc func(ctx context.Context, req tts.Request) ([]byte, error)

	mu    sync.Mutex
	calls []tts.Request
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.SynthesizeFunc != nil {
		return p.SynthesizeFunc(ctx, req)
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Audio, nil
}

// Calls returns a copy of every request seen so far.
func (p *Provider) Calls() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of Synthesize invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
