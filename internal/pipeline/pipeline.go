// Package pipeline implements the speech request flow: cache lookup, upstream
// synthesis with failover on a miss, format conversion, write-back, and the
// background work each request can trigger (variety renditions, write-pressure
// eviction).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/cacheclaw/cacheclaw/internal/cache"
	"github.com/cacheclaw/cacheclaw/internal/cache/catalog"
	"github.com/cacheclaw/cacheclaw/internal/observe"
	"github.com/cacheclaw/cacheclaw/pkg/provider/tts"
)

// ErrEmptyInput is returned for requests whose input text is empty.
var ErrEmptyInput = errors.New("pipeline: empty input text")

// evictionWriteInterval is how many cache writes trigger an inline eviction
// cycle, independent of the periodic timer.
const evictionWriteInterval = 100

// Cache outcome labels used in responses and metrics.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Request is one speech synthesis request.
type Request struct {
	Text   string
	Voice  string
	Model  string
	Format string
}

// Response carries the served audio plus cache attribution.
type Response struct {
	Audio []byte

	// Format is the container actually served; it can differ from the
	// requested format when conversion fails and the pipeline degrades.
	Format string

	// CacheStatus is [CacheHit] or [CacheMiss].
	CacheStatus string

	// MatchType is "exact" or "fuzzy" on a hit, empty on a miss.
	MatchType string

	// Score is the match similarity on a hit.
	Score int

	// Provider names the engine that synthesized on a miss.
	Provider string
}

// Synthesizer produces audio with failover. Satisfied by the resilience
// orchestrator.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) ([]byte, string, error)
}

// Transcoder converts MP3 audio into another container.
type Transcoder interface {
	Transcode(ctx context.Context, audio []byte, target string) ([]byte, error)
}

// Evictor runs one cache eviction cycle.
type Evictor interface {
	Run(ctx context.Context) (int, error)
}

// Config tunes a [Pipeline].
type Config struct {
	// CacheEnabled gates all cache interaction; when false every request
	// goes straight to synthesis.
	CacheEnabled bool

	// MaxTextLength is the longest text worth caching. Longer texts are
	// synthesized but never stored.
	MaxTextLength int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Pipeline owns the speech request flow.
type Pipeline struct {
	store   *cache.Store
	synth   Synthesizer
	trans   Transcoder
	evictor Evictor

	cacheEnabled  bool
	maxTextLength int
	log           *slog.Logger
	metrics       *observe.Metrics

	writeCount atomic.Int64
	variety    singleflight.Group
}

// New creates a Pipeline. evictor may be nil to disable write-pressure
// eviction.
func New(store *cache.Store, synth Synthesizer, trans Transcoder, evictor Evictor, cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = 500
	}
	return &Pipeline{
		store:         store,
		synth:         synth,
		trans:         trans,
		evictor:       evictor,
		cacheEnabled:  cfg.CacheEnabled,
		maxTextLength: cfg.MaxTextLength,
		log:           cfg.Logger.With("component", "pipeline"),
		metrics:       cfg.Metrics,
	}
}

// Speech serves one synthesis request: from the cache when possible,
// otherwise from the provider chain with write-back.
func (p *Pipeline) Speech(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyInput
	}
	if req.Format == "" {
		req.Format = tts.FormatMP3
	}

	if p.cacheEnabled {
		if resp, ok := p.serveHit(ctx, req); ok {
			// The hot phrase keeps getting requested; consider an
			// alternative rendition for it in the background.
			p.maybeGenerateVariety(req)
			return resp, nil
		}
	}
	resp, err := p.serveMiss(ctx, req)
	if err != nil {
		return nil, err
	}
	if p.cacheEnabled {
		p.maybeGenerateVariety(req)
	}
	return resp, nil
}

// serveHit attempts the cache fast path. A missing artifact file falls
// through to the miss path instead of failing the request.
func (p *Pipeline) serveHit(ctx context.Context, req Request) (*Response, bool) {
	match, ok := p.store.Find(req.Text, req.Voice)
	if !ok {
		return nil, false
	}

	audio, err := os.ReadFile(match.AudioPath)
	if err != nil {
		p.log.Warn("cached artifact unreadable, treating as miss",
			"path", match.AudioPath, "error", err)
		return nil, false
	}

	served := req.Format
	cachedFormat := strings.TrimPrefix(filepath.Ext(match.AudioPath), ".")
	if cachedFormat != req.Format && req.Format != tts.FormatMP3 {
		converted, err := p.trans.Transcode(ctx, audio, req.Format)
		if err != nil {
			p.log.Warn("hit conversion failed, serving cached format",
				"from", cachedFormat, "to", req.Format, "error", err)
			served = cachedFormat
		} else {
			audio = converted
		}
	} else if cachedFormat != req.Format {
		served = cachedFormat
	}

	// One durable hit per served request, attributed to the entry that
	// actually matched.
	if err := p.store.RecordHit(ctx, match.Matched, req.Voice, 0); err != nil {
		p.log.Warn("failed to record hit", "error", err)
	}
	p.metrics.RecordSpeechRequest(ctx, CacheHit, match.MatchType)
	p.log.Info("cache hit",
		"match_type", match.MatchType,
		"score", match.Score,
		"text", truncate(req.Text, 50))

	return &Response{
		Audio:       audio,
		Format:      served,
		CacheStatus: CacheHit,
		MatchType:   match.MatchType,
		Score:       match.Score,
	}, true
}

// serveMiss synthesizes upstream, converts when needed, and writes back.
func (p *Pipeline) serveMiss(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	audio, provider, err := p.synth.Synthesize(ctx, tts.Request{
		Text:   req.Text,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: tts.FormatMP3,
	})
	p.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)))
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, provider, "error")
		return nil, err
	}
	p.metrics.RecordProviderRequest(ctx, provider, "ok")

	served := tts.FormatMP3
	if req.Format != tts.FormatMP3 {
		converted, err := p.trans.Transcode(ctx, audio, req.Format)
		if err != nil {
			p.log.Warn("miss conversion failed, serving mp3",
				"to", req.Format, "error", err)
		} else {
			audio = converted
			served = req.Format
		}
	}

	if p.cacheEnabled {
		p.writeBack(ctx, req, audio, served)
	}
	p.metrics.RecordSpeechRequest(ctx, CacheMiss, "none")

	return &Response{
		Audio:       audio,
		Format:      served,
		CacheStatus: CacheMiss,
		Provider:    provider,
	}, nil
}

// writeBack stores a freshly synthesized artifact in the format served and
// triggers write-pressure eviction. Failures are logged, never surfaced: the
// audio is already in hand.
func (p *Pipeline) writeBack(ctx context.Context, req Request, audio []byte, format string) {
	if err := p.store.RecordMiss(ctx); err != nil {
		p.log.Warn("failed to record miss", "error", err)
	}

	if len(req.Text) > p.maxTextLength {
		p.log.Info("text too long, skipping cache",
			"length", len(req.Text), "max", p.maxTextLength)
		return
	}

	_, err := p.store.Save(ctx, req.Text, req.Voice, audio, format, cache.SaveOptions{Model: req.Model})
	switch {
	case errors.Is(err, catalog.ErrDuplicateEntry):
		// A concurrent request won the insert race; count the reuse.
		if hitErr := p.store.RecordHit(ctx, p.store.Normalize(req.Text), req.Voice, 0); hitErr != nil {
			p.log.Warn("failed to record hit on duplicate", "error", hitErr)
		}
		return
	case err != nil:
		p.log.Error("failed to store synthesized audio", "error", err)
		return
	}
	p.log.Info("cache miss, stored", "text", truncate(req.Text, 50), "format", format)

	if p.evictor != nil && p.writeCount.Add(1)%evictionWriteInterval == 0 {
		go p.runEviction()
	}
}

// runEviction executes one detached eviction cycle.
func (p *Pipeline) runEviction() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	removed, err := p.evictor.Run(ctx)
	if err != nil {
		p.log.Error("write-triggered eviction failed", "error", err)
		return
	}
	if removed > 0 {
		p.metrics.Evictions.Add(ctx, int64(removed))
		p.log.Info("write-triggered eviction", "removed", removed)
	}
}

// maybeGenerateVariety kicks off background synthesis of one additional
// rendition for the request's phrase, bounded by the store's variety depth.
// Concurrent triggers for the same (voice, phrase) collapse into one flight.
// The caller is never blocked.
func (p *Pipeline) maybeGenerateVariety(req Request) {
	if p.store.VarietyDepth() <= 1 {
		return
	}
	normalized := p.store.Normalize(req.Text)
	if normalized == "" {
		return
	}
	key := req.Voice + "\x00" + normalized
	p.variety.DoChan(key, func() (any, error) {
		// Detached from the request: the caller already has its audio.
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return nil, p.generateVariety(ctx, req, normalized)
	})
}

func (p *Pipeline) generateVariety(ctx context.Context, req Request, normalized string) error {
	n, err := p.store.VersionCount(ctx, req.Text, req.Voice)
	if err != nil || n == 0 || n >= p.store.VarietyDepth() {
		return err
	}

	audio, provider, err := p.synth.Synthesize(ctx, tts.Request{
		Text:   req.Text,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: tts.FormatMP3,
	})
	if err != nil {
		p.log.Debug("variety synthesis failed", "error", err)
		return err
	}

	_, err = p.store.Save(ctx, req.Text, req.Voice, audio, tts.FormatMP3, cache.SaveOptions{
		Model:   req.Model,
		Version: n + 1,
	})
	if err != nil && !errors.Is(err, catalog.ErrDuplicateEntry) {
		p.log.Warn("failed to store variety rendition", "error", err)
		return err
	}
	p.log.Info("generated variety rendition",
		"version", n+1, "provider", provider, "text", truncate(req.Text, 50))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Stats exposes catalog aggregates plus the hot index size.
func (p *Pipeline) Stats(ctx context.Context) (catalog.Stats, int, error) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return catalog.Stats{}, 0, fmt.Errorf("pipeline: stats: %w", err)
	}
	return stats, p.store.Size(), nil
}
