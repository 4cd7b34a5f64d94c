package cache

import "testing"

func norm(s string) string {
	return Normalize(s, DefaultNormalizeRules())
}

func TestTurkishLower(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"I", "ı"},
		{"İ", "i"},
		{"IŞIK", "ışık"},
		{"İSTANBUL", "istanbul"},
		{"İİİ", "iii"},
		{"IIı", "ııı"},
	}
	for _, tc := range cases {
		if got := TurkishLower(tc.in); got != tc.want {
			t.Errorf("TurkishLower(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_DiacriticFolding(t *testing.T) {
	pairs := [][2]string{
		{"çok güzel", "cok guzel"},
		{"IĞDIR", "igdir"},
		{"şehir", "sehir"},
		{"görmüş", "gormus"},
	}
	for _, p := range pairs {
		if norm(p[0]) != norm(p[1]) {
			t.Errorf("Normalize(%q) = %q, want same as Normalize(%q) = %q",
				p[0], norm(p[0]), p[1], norm(p[1]))
		}
	}
}

func TestNormalize_NumberCollapse(t *testing.T) {
	pairs := [][2]string{
		{"3 kaynak buldum", "5 kaynak buldum"},
		{"10 sonuç var", "2 sonuç var"},
		{"I found 3 sources", "I found 5 sources"},
	}
	for _, p := range pairs {
		if norm(p[0]) != norm(p[1]) {
			t.Errorf("Normalize(%q) != Normalize(%q): %q vs %q",
				p[0], p[1], norm(p[0]), norm(p[1]))
		}
	}
}

func TestNormalize_WhitespaceAndPunctuation(t *testing.T) {
	pairs := [][2]string{
		{"Araştırıyorum!", "araştırıyorum"},
		{"  çok   güzel  ", "cok guzel"},
		{"Hemen bakıyorum", "hemen bakıyorum"},
		{"3 kaynak buldum, analiz ediyorum", "5 kaynak buldum analiz ediyorum"},
		{"Araştırıyorum...", "Araştırıyorum"},
	}
	for _, p := range pairs {
		if norm(p[0]) != norm(p[1]) {
			t.Errorf("Normalize(%q) != Normalize(%q): %q vs %q",
				p[0], p[1], norm(p[0]), norm(p[1]))
		}
	}
}

func TestNormalize_MarkupStripping(t *testing.T) {
	if norm("(laughs) X<#2.0#>") != norm("X") {
		t.Errorf("markup not stripped: %q vs %q", norm("(laughs) X<#2.0#>"), norm("X"))
	}
	if norm("(laughs) Merhaba<#1.5#> nasilsin?") != norm("Merhaba nasılsın") {
		t.Errorf("markup variant mismatch: %q vs %q",
			norm("(laughs) Merhaba<#1.5#> nasilsin?"), norm("Merhaba nasılsın"))
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"  Merhaba,   Dünya!  ",
		"(sighs) 3 kaynak <#0.5#> buldum...",
		"a - b - c",
		"İSTANBUL 2024",
		"",
	}
	for _, in := range inputs {
		once := norm(in)
		twice := norm(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}

func TestNormalize_EdgeCases(t *testing.T) {
	if got := norm(""); got != "" {
		t.Errorf("Normalize(\"\") = %q, want empty", got)
	}
	if got := norm("   "); got != "" {
		t.Errorf("Normalize(blank) = %q, want empty", got)
	}
	if got := norm("123"); got != "#" {
		t.Errorf("Normalize(\"123\") = %q, want \"#\"", got)
	}
}

func TestNormalize_StagesToggleIndependently(t *testing.T) {
	raw := "Merhaba, 42 Dünya!"

	t.Run("all disabled trims only", func(t *testing.T) {
		if got := Normalize("  "+raw+"  ", NormalizeRules{}); got != raw {
			t.Errorf("got %q, want %q", got, raw)
		}
	})

	t.Run("numbers only", func(t *testing.T) {
		got := Normalize(raw, NormalizeRules{ReplaceNumbers: true})
		if got != "Merhaba, # Dünya!" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("punctuation only", func(t *testing.T) {
		got := Normalize(raw, NormalizeRules{StripPunctuation: true})
		if got != "Merhaba 42 Dünya" {
			t.Errorf("got %q", got)
		}
	})
}
