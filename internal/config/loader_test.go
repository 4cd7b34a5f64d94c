package config

import (
	"slices"
	"strings"
	"testing"
)

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.Port != 8844 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server defaults = %s", cfg.Server.ListenAddr())
	}
	if !cfg.Cache.Enabled || cfg.Cache.VarietyDepth != 1 {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.Cache.Fuzzy.Enabled {
		t.Error("fuzzy matching enabled by default")
	}
	if cfg.Cache.Fuzzy.Threshold != 90 || cfg.Cache.Fuzzy.Scorer != "token_sort_ratio" {
		t.Errorf("fuzzy defaults = %+v", cfg.Cache.Fuzzy)
	}
	n := cfg.Cache.Normalize
	if !n.Lowercase || !n.StripPunctuation || !n.CollapseWhitespace || !n.ReplaceNumbers || !n.StripMarkup {
		t.Errorf("normalize defaults = %+v, want all stages on", n)
	}
	if cfg.Cache.Eviction.MaxEntries != 50000 || cfg.Cache.Eviction.MinAgeDays != 7 {
		t.Errorf("eviction defaults = %+v", cfg.Cache.Eviction)
	}
	if cfg.Resilience.FailureThreshold != 3 || cfg.Resilience.WindowSeconds != 300 {
		t.Errorf("resilience defaults = %+v", cfg.Resilience)
	}
}

func TestLoadFromReaderInlineProviders(t *testing.T) {
	yaml := `
providers:
  default: litellm
  fallback_chain: [edge]
  litellm:
    litellm_model: openai/tts-1
    base_url: http://litellm:4000/v1
    api_key: sk-test
    default_voice: Decent_Boy
  backup:
    model: tts-legacy
    api_key: sk-backup
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Providers.Default != "litellm" {
		t.Errorf("default = %q", cfg.Providers.Default)
	}
	if !slices.Equal(cfg.Providers.Chain(), []string{"litellm", "edge"}) {
		t.Errorf("chain = %v", cfg.Providers.Chain())
	}

	lite, ok := cfg.Providers.Configs["litellm"]
	if !ok {
		t.Fatal("litellm config missing")
	}
	if lite.EffectiveModel() != "openai/tts-1" || lite.APIKey != "sk-test" {
		t.Errorf("litellm = %+v", lite)
	}
	if lite.TimeoutSeconds != 15 {
		t.Errorf("timeout default = %d, want 15", lite.TimeoutSeconds)
	}

	// Legacy "model" key resolves when "litellm_model" is absent.
	if cfg.Providers.Configs["backup"].EffectiveModel() != "tts-legacy" {
		t.Errorf("legacy model = %q", cfg.Providers.Configs["backup"].EffectiveModel())
	}
}

func TestLoadFromReaderEnvExpansion(t *testing.T) {
	t.Setenv("CACHECLAW_TEST_KEY", "sk-from-env")

	yaml := `
providers:
  default: litellm
  litellm:
    api_key: ${CACHECLAW_TEST_KEY}
  other:
    api_key: ${CACHECLAW_UNSET_VAR}
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if got := cfg.Providers.Configs["litellm"].APIKey; got != "sk-from-env" {
		t.Errorf("expanded key = %q", got)
	}
	// Unset variables stay literal so the router can skip the deployment.
	if got := cfg.Providers.Configs["other"].APIKey; got != "${CACHECLAW_UNSET_VAR}" {
		t.Errorf("unset placeholder = %q, want untouched", got)
	}
}

func TestLoadFromReaderNormalizeKeys(t *testing.T) {
	yaml := `
cache:
  normalize:
    lowercase: false
    strip_minimax: false
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	n := cfg.Cache.Normalize
	if n.Lowercase || n.StripMarkup {
		t.Errorf("normalize = %+v, want lowercase and strip_minimax off", n)
	}
}

func TestLoadFromReaderUnknownKey(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("serverr:\n  port: 1\n")); err == nil {
		t.Error("unknown top-level key accepted")
	}
	if _, err := LoadFromReader(strings.NewReader("server:\n  prot: 1\n")); err == nil {
		t.Error("misspelled server key accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }, "log_level"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"bad threshold", func(c *Config) { c.Cache.Fuzzy.Threshold = 150 }, "threshold"},
		{"bad scorer", func(c *Config) { c.Cache.Fuzzy.Scorer = "levenshtein" }, "scorer"},
		{"bad variety depth", func(c *Config) { c.Cache.VarietyDepth = 0 }, "variety_depth"},
		{"chain without config", func(c *Config) { c.Providers.Default = "ghost" }, "ghost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate = %v, want error mentioning %q", err, tc.wantErr)
			}
		})
	}

	t.Run("edge needs no config block", func(t *testing.T) {
		cfg := Default()
		cfg.Providers.Default = "edge"
		if err := Validate(cfg); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})
}

func TestMapVoiceAndModel(t *testing.T) {
	cfg := Default()
	cfg.VoiceMapping = map[string]map[string]string{
		"litellm": {"Decent_Boy": "alloy"},
	}
	cfg.ModelMapping = map[string]map[string]string{
		"litellm": {"tts-1": "openai/tts-1"},
	}

	if got := cfg.MapVoice("Decent_Boy", "litellm"); got != "alloy" {
		t.Errorf("MapVoice = %q", got)
	}
	if got := cfg.MapVoice("Decent_Boy", "edge"); got != "Decent_Boy" {
		t.Errorf("unmapped provider voice = %q, want pass-through", got)
	}
	if got := cfg.MapModel("tts-1", "litellm"); got != "openai/tts-1" {
		t.Errorf("MapModel = %q", got)
	}
	if got := cfg.MapModel("tts-9", "litellm"); got != "tts-9" {
		t.Errorf("unmapped model = %q, want pass-through", got)
	}
}
