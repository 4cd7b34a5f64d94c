package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cacheclaw/cacheclaw/pkg/provider/tts"
)

// ErrAllProvidersUnavailable is returned by [Orchestrator.Synthesize] when
// every provider in the chain failed or had an open breaker.
var ErrAllProvidersUnavailable = errors.New("all synthesis providers unavailable")

// Provider availability states reported by [Orchestrator.Status].
const (
	StateAvailable   = "available"
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// ProviderStatus is the health snapshot of one chain entry.
type ProviderStatus struct {
	Name          string     `json:"name"`
	State         string     `json:"status"`
	CircuitOpen   bool       `json:"circuit_open"`
	Failures      int        `json:"failures"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
}

// chainEntry pairs a named provider with its dedicated breaker.
type chainEntry struct {
	name    string
	prov    tts.Provider
	breaker *Breaker

	mu          sync.Mutex
	lastOutcome string
	lastErr     error
	lastErrTime time.Time
}

// Orchestrator walks an ordered provider chain for each synthesis request:
// skip entries with an open breaker, stop on the first success, fall through
// on retryable errors. Terminal errors (client mistakes like a 400) abort the
// walk without counting against any breaker, since retrying the same bad
// request elsewhere cannot help.
type Orchestrator struct {
	chain []*chainEntry
	cfg   BreakerConfig
	log   *slog.Logger
}

// NewOrchestrator builds an orchestrator. Each provider gets its own breaker
// from cfg; cfg.Name is overridden per entry.
func NewOrchestrator(cfg BreakerConfig, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{log: log.With("component", "orchestrator"), cfg: cfg}
}

// Add appends a provider to the end of the chain.
func (o *Orchestrator) Add(name string, p tts.Provider) {
	cfg := o.cfg
	cfg.Name = name
	o.chain = append(o.chain, &chainEntry{
		name:    name,
		prov:    p,
		breaker: NewBreaker(cfg),
	})
}

// Synthesize walks the chain until a provider returns audio. The returned
// string is the name of the provider that served the request.
func (o *Orchestrator) Synthesize(ctx context.Context, req tts.Request) ([]byte, string, error) {
	var lastErr error
	for _, entry := range o.chain {
		if entry.breaker.Open() {
			o.log.Debug("skipping provider, circuit open", "provider", entry.name)
			continue
		}

		audio, err := entry.prov.Synthesize(ctx, req)
		if err == nil {
			entry.noteSuccess()
			entry.breaker.RecordSuccess()
			return audio, entry.name, nil
		}

		entry.noteError(err)
		if isTerminal(err) {
			// The request itself is broken; no provider can fix that and
			// the provider is not at fault.
			return nil, entry.name, err
		}

		entry.breaker.RecordFailure()
		o.log.Warn("provider failed, trying next",
			"provider", entry.name, "error", err)
		lastErr = err
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrAllProvidersUnavailable, lastErr)
	}
	return nil, "", ErrAllProvidersUnavailable
}

// Status returns a snapshot of every chain entry for the health endpoint.
func (o *Orchestrator) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(o.chain))
	for _, entry := range o.chain {
		entry.mu.Lock()
		st := ProviderStatus{
			Name:        entry.name,
			State:       entry.lastOutcome,
			CircuitOpen: entry.breaker.Open(),
			Failures:    entry.breaker.FailureCount(),
		}
		if st.State == "" {
			st.State = StateUnknown
		}
		if st.CircuitOpen {
			st.State = StateUnavailable
		}
		if entry.lastErr != nil {
			st.LastError = entry.lastErr.Error()
			t := entry.lastErrTime
			st.LastErrorTime = &t
		}
		entry.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Healthy reports whether at least one provider currently accepts requests.
func (o *Orchestrator) Healthy() bool {
	for _, entry := range o.chain {
		if !entry.breaker.Open() {
			return true
		}
	}
	return false
}

func (e *chainEntry) noteError(err error) {
	e.mu.Lock()
	e.lastOutcome = StateUnavailable
	e.lastErr = err
	e.lastErrTime = time.Now()
	e.mu.Unlock()
}

func (e *chainEntry) noteSuccess() {
	e.mu.Lock()
	e.lastOutcome = StateAvailable
	e.lastErr = nil
	e.mu.Unlock()
}

// isTerminal reports whether err is a client error that no amount of failover
// can recover from. Rate limits (429) and server errors stay retryable.
func isTerminal(err error) bool {
	var se *tts.StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != 429
}
