// Package router provides a [tts.Provider] that fans a synthesis request out
// across a list of OpenAI-compatible deployments (LiteLLM gateways, OpenAI
// itself, self-hosted engines). Deployments are tried in registration order;
// per-deployment voice and model maps translate the caller's canonical names
// into whatever each backend expects.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cacheclaw/cacheclaw/pkg/provider/tts"
)

// Deployment describes one OpenAI-compatible synthesis backend.
type Deployment struct {
	// Name labels the deployment in logs and errors.
	Name string

	// BaseURL is the API root, e.g. "http://litellm:4000/v1". Empty means
	// the default OpenAI endpoint.
	BaseURL string

	// APIKey authenticates requests. Deployments whose key is empty or
	// still an unexpanded "${VAR}" placeholder are skipped at build time.
	APIKey string

	// VoiceMap translates canonical voice ids to deployment voices.
	// Unmapped voices pass through unchanged.
	VoiceMap map[string]string

	// ModelMap translates canonical model names to deployment models.
	// Unmapped models pass through unchanged.
	ModelMap map[string]string
}

type deployment struct {
	Deployment
	client oai.Client
}

// Provider implements [tts.Provider] over one or more deployments.
type Provider struct {
	deployments []deployment
	log         *slog.Logger
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	timeout time.Duration
	logger  *slog.Logger
}

// Option is a functional option for [New].
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on every deployment client.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New constructs a Provider from the usable subset of deployments. It fails
// only when no deployment has a usable API key.
func New(deployments []Deployment, opts ...Option) (*Provider, error) {
	cfg := &config{logger: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}

	p := &Provider{log: cfg.logger.With("component", "tts.router")}
	for _, d := range deployments {
		if !usableKey(d.APIKey) {
			p.log.Warn("skipping deployment without API key", "deployment", d.Name)
			continue
		}
		// Failover between deployments replaces the SDK's own retry loop;
		// retrying in both layers would multiply latency on a dead backend.
		reqOpts := []option.RequestOption{
			option.WithAPIKey(d.APIKey),
			option.WithMaxRetries(0),
		}
		if d.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(d.BaseURL))
		}
		if cfg.timeout > 0 {
			reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
		}
		p.deployments = append(p.deployments, deployment{
			Deployment: d,
			client:     oai.NewClient(reqOpts...),
		})
	}
	if len(p.deployments) == 0 {
		return nil, fmt.Errorf("router: no usable deployments configured")
	}
	return p, nil
}

// Synthesize implements [tts.Provider]. Deployments are tried in order; the
// last error is returned when all fail. API errors surface as
// [tts.StatusError] so callers can classify them.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	var lastErr error
	for i := range p.deployments {
		d := &p.deployments[i]
		audio, err := d.synthesize(ctx, req)
		if err == nil {
			return audio, nil
		}
		lastErr = err

		// A client error is about the request, not the deployment; every
		// other backend would reject it the same way.
		var se *tts.StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != 429 {
			return nil, err
		}
		p.log.Warn("deployment failed, trying next",
			"deployment", d.Name, "error", err)
	}
	return nil, lastErr
}

func (d *deployment) synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	params := oai.AudioSpeechNewParams{
		Input: req.Text,
		Model: oai.SpeechModel(mapName(d.ModelMap, req.Model)),
		Voice: oai.AudioSpeechNewParamsVoice(mapName(d.VoiceMap, req.Voice)),
	}
	if req.Format != "" {
		params.ResponseFormat = oai.AudioSpeechNewParamsResponseFormat(req.Format)
	}

	resp, err := d.client.Audio.Speech.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			msg := apiErr.Message
			if msg == "" {
				msg = apiErr.Error()
			}
			return nil, &tts.StatusError{Code: apiErr.StatusCode, Message: msg}
		}
		return nil, fmt.Errorf("router: %s: %w", d.Name, err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("router: %s: read audio: %w", d.Name, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("router: %s: empty audio response", d.Name)
	}
	return audio, nil
}

// mapName applies a translation map, passing unmapped names through.
func mapName(m map[string]string, name string) string {
	if mapped, ok := m[name]; ok {
		return mapped
	}
	return name
}

// usableKey reports whether an API key is concrete: non-empty and not an
// unexpanded environment placeholder left over from config loading.
func usableKey(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && !(strings.HasPrefix(key, "${") && strings.HasSuffix(key, "}"))
}
