package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// envPattern matches ${VAR} placeholders in the raw YAML text.
var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// validScorers are the accepted fuzzy scorer names.
var validScorers = []string{"token_sort_ratio", "ratio", "partial_ratio", "WRatio"}

// Default returns the configuration used when a field is absent from the
// YAML file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8844,
			LogLevel: LogInfo,
		},
		Providers: ProvidersConfig{Configs: map[string]ProviderConfig{}},
		Cache: CacheConfig{
			AudioDir:     "./data/audio",
			DBPath:       "./data/cache.db",
			Enabled:      true,
			VarietyDepth: 1,
			Fuzzy: FuzzyConfig{
				Threshold: 90,
				Scorer:    "token_sort_ratio",
			},
			Normalize: NormalizeConfig{
				Lowercase:          true,
				StripPunctuation:   true,
				CollapseWhitespace: true,
				ReplaceNumbers:     true,
				StripMarkup:        true,
			},
			Eviction: EvictionConfig{
				MaxSizeMB:            500,
				MaxEntries:           50000,
				MaxTextLength:        500,
				CleanupIntervalHours: 1,
				MinAgeDays:           7,
			},
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 3,
			WindowSeconds:    300,
			CooldownSeconds:  300,
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Environment placeholders like ${LITELLM_API_KEY} are expanded;
// unset variables stay as literal placeholders so downstream code can skip
// the affected provider instead of using an empty secret.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = expandEnv(raw)

	cfg := Default()
	if err := decodeStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.Providers.Configs == nil {
		cfg.Providers.Configs = map[string]ProviderConfig{}
	}
	for name, pc := range cfg.Providers.Configs {
		if pc.TimeoutSeconds <= 0 {
			pc.TimeoutSeconds = 15
			cfg.Providers.Configs[name] = pc
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict decodes YAML over the defaults, rejecting unknown keys. An
// empty document leaves the defaults untouched.
func decodeStrict(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// expandEnv substitutes ${VAR} with the variable's value, leaving unset
// variables untouched.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(m[2 : len(m)-1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return m
	})
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}

	if cfg.Cache.Fuzzy.Threshold < 0 || cfg.Cache.Fuzzy.Threshold > 100 {
		errs = append(errs, fmt.Errorf("cache.fuzzy.threshold %d is out of range [0, 100]", cfg.Cache.Fuzzy.Threshold))
	}
	if s := cfg.Cache.Fuzzy.Scorer; s != "" && !slices.Contains(validScorers, s) {
		errs = append(errs, fmt.Errorf("cache.fuzzy.scorer %q is invalid; valid values: %v", s, validScorers))
	}
	if cfg.Cache.VarietyDepth < 1 {
		errs = append(errs, fmt.Errorf("cache.variety_depth %d must be at least 1", cfg.Cache.VarietyDepth))
	}
	if cfg.Cache.Eviction.MaxEntries < 1 {
		errs = append(errs, fmt.Errorf("cache.eviction.max_entries %d must be positive", cfg.Cache.Eviction.MaxEntries))
	}
	if cfg.Cache.Eviction.MinAgeDays < 0 {
		errs = append(errs, fmt.Errorf("cache.eviction.min_age_days %d must not be negative", cfg.Cache.Eviction.MinAgeDays))
	}

	for _, name := range cfg.Providers.Chain() {
		if name == EdgeProviderName {
			continue
		}
		if _, ok := cfg.Providers.Configs[name]; !ok {
			errs = append(errs, fmt.Errorf("provider %q appears in the chain but has no configuration block", name))
		}
	}

	if cfg.Resilience.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("resilience.failure_threshold %d must be at least 1", cfg.Resilience.FailureThreshold))
	}

	return errors.Join(errs...)
}
