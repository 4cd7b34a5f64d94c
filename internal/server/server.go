// Package server exposes the CacheClaw HTTP API: the OpenAI-compatible
// speech endpoint, cache administration, filler management, static filler
// files, health, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cacheclaw/cacheclaw/internal/cache"
	"github.com/cacheclaw/cacheclaw/internal/cache/catalog"
	"github.com/cacheclaw/cacheclaw/internal/fillers"
	"github.com/cacheclaw/cacheclaw/internal/observe"
	"github.com/cacheclaw/cacheclaw/internal/pipeline"
	"github.com/cacheclaw/cacheclaw/internal/resilience"
	"github.com/cacheclaw/cacheclaw/pkg/provider/tts"
)

// Defaults applied to speech requests that omit the field.
const (
	DefaultVoice = "Decent_Boy"
	DefaultModel = "tts-1"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// SpeechService serves synthesis requests. Satisfied by [pipeline.Pipeline].
type SpeechService interface {
	Speech(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
	Stats(ctx context.Context) (catalog.Stats, int, error)
}

// ProviderHealth reports the synthesis chain state. Satisfied by
// [resilience.Orchestrator].
type ProviderHealth interface {
	Status() []resilience.ProviderStatus
	Healthy() bool
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	speech    SpeechService
	providers ProviderHealth
	fillers   *fillers.Manager
	store     *cache.Store

	defaultVoice string
	log          *slog.Logger
	metrics      *observe.Metrics
}

// Config tunes a [Server].
type Config struct {
	// DefaultVoice is used when a request omits voice_id. Default:
	// [DefaultVoice].
	DefaultVoice string

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// New creates a Server.
func New(speech SpeechService, providers ProviderHealth, fm *fillers.Manager, store *cache.Store, cfg Config) *Server {
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = DefaultVoice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		speech:       speech,
		providers:    providers,
		fillers:      fm,
		store:        store,
		defaultVoice: cfg.DefaultVoice,
		log:          cfg.Logger.With("component", "server"),
		metrics:      cfg.Metrics,
	}
}

// Handler returns the full route table wrapped in the observability
// middleware. The /metrics endpoint stays outside the middleware so scrapes
// do not pollute request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("POST /v1/audio/speech", s.handleSpeech)
	mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	mux.HandleFunc("DELETE /v1/cache", s.handleCacheClear)
	mux.HandleFunc("GET /v1/cache/fillers", s.handleFillerList)
	mux.HandleFunc("POST /v1/cache/fillers/generate", s.handleFillerGenerate)
	mux.HandleFunc("GET /v1/fillers", s.handleFillerNames)
	mux.HandleFunc("GET /v1/fillers/{name}", s.handleFillerFile)

	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.Handler())
	root.Handle("/", observe.Middleware(s.metrics)(mux))
	return root
}

// speechRequest is the OpenAI-compatible request body for /v1/audio/speech.
type speechRequest struct {
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	Model          string `json:"model"`
	ResponseFormat string `json:"response_format"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Voice == "" {
		req.Voice = s.defaultVoice
	}
	if req.Model == "" {
		req.Model = DefaultModel
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = tts.FormatMP3
	}
	if !tts.ValidFormat(req.ResponseFormat) {
		writeError(w, http.StatusBadRequest, "unsupported response_format "+strconv.Quote(req.ResponseFormat))
		return
	}

	resp, err := s.speech.Speech(r.Context(), pipeline.Request{
		Text:   req.Input,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: req.ResponseFormat,
	})
	if err != nil {
		s.writeSpeechError(w, err)
		return
	}

	w.Header().Set("Content-Type", tts.MediaType(resp.Format))
	w.Header().Set("X-Cache", resp.CacheStatus)
	if resp.MatchType != "" {
		w.Header().Set("X-Cache-Match", resp.MatchType)
		w.Header().Set("X-Cache-Score", strconv.Itoa(resp.Score))
	}
	if resp.Provider != "" {
		w.Header().Set("X-Provider", resp.Provider)
	}
	w.Write(resp.Audio)
}

// writeSpeechError maps pipeline errors onto client-facing status codes.
func (s *Server) writeSpeechError(w http.ResponseWriter, err error) {
	var se *tts.StatusError
	switch {
	case errors.Is(err, pipeline.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, "input text is required")
	case errors.As(err, &se):
		writeError(w, se.Code, se.Message)
	case errors.Is(err, resilience.ErrAllProvidersUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("speech request failed", "error", err)
		writeError(w, http.StatusBadGateway, "synthesis failed: "+err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.providers.Healthy()
	_, hotSize, err := s.speech.Stats(r.Context())
	if err != nil {
		s.log.Warn("health: stats unavailable", "error", err)
	}

	providers := s.providers.Status()
	body := map[string]any{
		"status":          "ok",
		"cache_size":      hotSize,
		"provider_status": chainState(providers),
		"providers":       providers,
	}
	if t := lastErrorTime(providers); t != nil {
		body["last_error_time"] = t
	}
	status := http.StatusOK
	if !healthy {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// chainState collapses the per-provider states into one value: available if
// any provider is, unknown if none has been exercised yet, unavailable
// otherwise.
func chainState(providers []resilience.ProviderStatus) string {
	state := resilience.StateUnknown
	for _, p := range providers {
		switch p.State {
		case resilience.StateAvailable:
			return resilience.StateAvailable
		case resilience.StateUnavailable:
			state = resilience.StateUnavailable
		}
	}
	return state
}

// lastErrorTime returns the most recent provider error time, or nil.
func lastErrorTime(providers []resilience.ProviderStatus) *time.Time {
	var latest *time.Time
	for _, p := range providers {
		if p.LastErrorTime != nil && (latest == nil || p.LastErrorTime.After(*latest)) {
			latest = p.LastErrorTime
		}
	}
	return latest
}

// handleHealthz is the liveness probe. A process that can serve HTTP is
// alive.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReadyz is the readiness probe: the catalog must answer and at least
// one provider must accept requests.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"catalog": "ok", "providers": "ok"}
	allOK := true
	if err := s.store.Ping(ctx); err != nil {
		checks["catalog"] = "fail: " + err.Error()
		allOK = false
	}
	if !s.providers.Healthy() {
		checks["providers"] = "fail: all circuits open"
		allOK = false
	}

	status := http.StatusOK
	state := "ok"
	if !allOK {
		status = http.StatusServiceUnavailable
		state = "fail"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st, hotSize, err := s.speech.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var hitRate float64
	if total := st.TotalHits + st.TotalMisses; total > 0 {
		hitRate = float64(st.TotalHits) / float64(total)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_entries":     st.TotalEntries,
		"total_size_bytes":  st.TotalSizeBytes,
		"total_hits":        st.TotalHits,
		"total_misses":      st.TotalMisses,
		"hit_rate":          hitRate,
		"filler_count":      st.FillerCount,
		"cache_age_seconds": st.CacheAgeSeconds,
		"per_voice":         st.PerVoice,
		"hot_cache_size":    hotSize,
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	entries, files, err := s.store.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("cache cleared", "entries", entries, "files", files)
	writeJSON(w, http.StatusOK, map[string]any{
		"cleared_entries": entries,
		"removed_files":   files,
	})
}

func (s *Server) handleFillerList(w http.ResponseWriter, r *http.Request) {
	voice := r.URL.Query().Get("voice_id")
	if voice == "" {
		voice = s.defaultVoice
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"voice_id": voice,
		"fillers":  s.fillers.List(voice),
	})
}

// fillerGenerateRequest is the body for POST /v1/cache/fillers/generate.
type fillerGenerateRequest struct {
	VoiceID string `json:"voice_id"`
}

func (s *Server) handleFillerGenerate(w http.ResponseWriter, r *http.Request) {
	var req fillerGenerateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.VoiceID == "" {
		req.VoiceID = s.defaultVoice
	}

	results, err := s.fillers.Generate(r.Context(), req.VoiceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"voice_id": req.VoiceID,
		"results":  results,
	})
}

func (s *Server) handleFillerNames(w http.ResponseWriter, _ *http.Request) {
	names, err := fillers.Names(s.fillers.Dir())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fillers": names})
}

func (s *Server) handleFillerFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	path, mediaType, ok := fillers.Resolve(s.fillers.Dir(), name)
	if !ok {
		writeError(w, http.StatusNotFound, "filler "+strconv.Quote(name)+" not found")
		return
	}

	etag, err := fillers.ETag(path)
	if err == nil {
		// Clients are not consistent about quoting their validators.
		if strings.Trim(r.Header.Get("If-None-Match"), `"`) == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"`+etag+`"`)
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, path)
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeJSON encodes v as JSON with the given status code. On encoding
// failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

// writeError emits the OpenAI-style error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg},
	})
}
