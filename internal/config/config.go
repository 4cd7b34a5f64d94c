// Package config provides the configuration schema and loader for the
// CacheClaw server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// EdgeProviderName is the built-in keyless fallback engine. It may appear in
// the provider chain without a matching provider config block.
const EdgeProviderName = "edge"

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Cache      CacheConfig      `yaml:"cache"`
	Fillers    FillersConfig    `yaml:"fillers"`
	Resilience ResilienceConfig `yaml:"resilience"`

	// VoiceMapping translates platform voice ids per provider:
	// provider name -> platform voice -> provider voice.
	VoiceMapping map[string]map[string]string `yaml:"voice_mapping"`

	// ModelMapping translates model names per provider.
	ModelMapping map[string]map[string]string `yaml:"model_mapping"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	LogLevel LogLevel `yaml:"log_level"`
}

// ListenAddr returns the host:port address the server binds to.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProviderConfig describes one OpenAI-compatible synthesis backend.
type ProviderConfig struct {
	// LiteLLMModel is the model name sent to the backend.
	LiteLLMModel string `yaml:"litellm_model"`

	// Model is the legacy spelling of LiteLLMModel, honoured when the new
	// key is absent.
	Model string `yaml:"model"`

	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	DefaultVoice string `yaml:"default_voice"`

	// TimeoutSeconds bounds one synthesis request. Default: 15.
	TimeoutSeconds int `yaml:"timeout"`
}

// EffectiveModel resolves the legacy model key.
func (p ProviderConfig) EffectiveModel() string {
	if p.LiteLLMModel != "" {
		return p.LiteLLMModel
	}
	return p.Model
}

// Timeout returns the request timeout as a duration.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// ProvidersConfig names the default provider, the fallback order, and the
// per-provider settings. In YAML the provider configs sit inline next to the
// reserved keys:
//
//	providers:
//	  default: litellm
//	  fallback_chain: [edge]
//	  litellm:
//	    base_url: http://litellm:4000/v1
//	    api_key: ${LITELLM_API_KEY}
type ProvidersConfig struct {
	Default       string
	FallbackChain []string
	Configs       map[string]ProviderConfig
}

// UnmarshalYAML implements custom decoding: every mapping key that is not
// reserved becomes a named provider config.
func (p *ProvidersConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("providers must be a mapping, got %v", value.Kind)
	}
	p.Configs = make(map[string]ProviderConfig)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		switch key.Value {
		case "default":
			if err := val.Decode(&p.Default); err != nil {
				return fmt.Errorf("providers.default: %w", err)
			}
		case "fallback_chain":
			if err := val.Decode(&p.FallbackChain); err != nil {
				return fmt.Errorf("providers.fallback_chain: %w", err)
			}
		default:
			var pc ProviderConfig
			if err := val.Decode(&pc); err != nil {
				return fmt.Errorf("providers.%s: %w", key.Value, err)
			}
			p.Configs[key.Value] = pc
		}
	}
	return nil
}

// Chain returns the provider walk order: the default first, then the
// fallback chain, duplicates removed.
func (p ProvidersConfig) Chain() []string {
	var chain []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			chain = append(chain, name)
		}
	}
	add(p.Default)
	for _, name := range p.FallbackChain {
		add(name)
	}
	return chain
}

// FuzzyConfig controls approximate cache matching.
type FuzzyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Threshold int    `yaml:"threshold"`
	Scorer    string `yaml:"scorer"`
}

// NormalizeConfig toggles the text fingerprint stages.
type NormalizeConfig struct {
	Lowercase          bool `yaml:"lowercase"`
	StripPunctuation   bool `yaml:"strip_punctuation"`
	CollapseWhitespace bool `yaml:"collapse_whitespace"`
	ReplaceNumbers     bool `yaml:"replace_numbers"`
	StripMarkup        bool `yaml:"strip_minimax"`
}

// EvictionConfig bounds cache growth.
type EvictionConfig struct {
	MaxSizeMB            int `yaml:"max_size_mb"`
	MaxEntries           int `yaml:"max_entries"`
	MaxTextLength        int `yaml:"max_text_length"`
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`
	MinAgeDays           int `yaml:"min_age_days"`
}

// CleanupInterval returns the eviction period as a duration.
func (e EvictionConfig) CleanupInterval() time.Duration {
	return time.Duration(e.CleanupIntervalHours) * time.Hour
}

// CacheConfig holds storage paths and matching behaviour.
type CacheConfig struct {
	AudioDir string `yaml:"audio_dir"`
	DBPath   string `yaml:"db_path"`
	Enabled  bool   `yaml:"enabled"`

	// VarietyDepth caps how many renditions of the same phrase are kept
	// per voice. 1 disables variety.
	VarietyDepth int `yaml:"variety_depth"`

	Fuzzy     FuzzyConfig     `yaml:"fuzzy"`
	Normalize NormalizeConfig `yaml:"normalize"`
	Eviction  EvictionConfig  `yaml:"eviction"`
}

// FillerTemplate is one configured filler phrase.
type FillerTemplate struct {
	ID   string `yaml:"id"`
	Text string `yaml:"text"`
}

// FillersConfig controls filler pool generation.
type FillersConfig struct {
	AutoGenerateOnStartup bool             `yaml:"auto_generate_on_startup"`
	VoiceID               string           `yaml:"voice_id"`
	Templates             []FillerTemplate `yaml:"templates"`
}

// ResilienceConfig tunes the per-provider circuit breakers.
type ResilienceConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSeconds    int `yaml:"window_seconds"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// Window returns the failure window as a duration.
func (r ResilienceConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Cooldown returns the open period as a duration.
func (r ResilienceConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// MapVoice translates a platform voice id for the named provider, passing
// unmapped voices through.
func (c *Config) MapVoice(voice, provider string) string {
	if mapped, ok := c.VoiceMapping[provider][voice]; ok {
		return mapped
	}
	return voice
}

// MapModel translates a model name for the named provider.
func (c *Config) MapModel(model, provider string) string {
	if mapped, ok := c.ModelMapping[provider][model]; ok {
		return mapped
	}
	return model
}
