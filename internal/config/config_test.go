package config

import (
	"reflect"
	"testing"
)

func TestParsePhraseList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			"two phrases",
			"'goodbye','thanks for calling'",
			[]string{"goodbye", "thanks for calling"},
		},
		{
			"upper case folded",
			"'GoodBye'",
			[]string{"goodbye"},
		},
		{
			"spaces between entries",
			"'one' , 'two'",
			[]string{"one", "two"},
		},
		{
			"comma inside phrase",
			"'thanks, goodbye'",
			[]string{"thanks, goodbye"},
		},
		{
			"unquoted junk ignored",
			"noise 'kept' more noise",
			[]string{"kept"},
		},
		{"empty", "", nil},
		{"empty quotes", "''", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParsePhraseList(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParsePhraseList(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizePhraseNFKC(t *testing.T) {
	// The fullwidth letters and the ligature must NFKC-fold to plain ASCII.
	tests := []struct {
		in   string
		want string
	}{
		{"ＧＯＯＤＢＹＥ", "goodbye"},
		{"oﬃce", "office"},
		{"  Trimmed  ", "trimmed"},
	}

	for _, tt := range tests {
		if got := NormalizePhrase(tt.in); got != tt.want {
			t.Errorf("NormalizePhrase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeVADServerDefaults(t *testing.T) {
	got := normalizeVAD("server_vad", 0, -1, 0)

	want := VAD{Type: "server_vad", Threshold: 0.6, PrefixPaddingMS: 200, SilenceDurationMS: 600}
	if got != want {
		t.Errorf("normalizeVAD() = %+v, want %+v", got, want)
	}
}

func TestNormalizeVADServerExplicit(t *testing.T) {
	got := normalizeVAD("server_vad", 0.4, 100, 900)

	want := VAD{Type: "server_vad", Threshold: 0.4, PrefixPaddingMS: 100, SilenceDurationMS: 900}
	if got != want {
		t.Errorf("normalizeVAD() = %+v, want %+v", got, want)
	}
}

func TestNormalizeVADSemanticIsBare(t *testing.T) {
	got := normalizeVAD("semantic_vad", 0.9, 500, 500)

	want := VAD{Type: "semantic_vad"}
	if got != want {
		t.Errorf("normalizeVAD(semantic_vad) = %+v, want %+v", got, want)
	}
}

func TestNormalizeVADUnknownFallsBack(t *testing.T) {
	got := normalizeVAD("fancy_vad", 0.5, 100, 100)
	if got.Type != "server_vad" {
		t.Errorf("normalizeVAD(fancy_vad).Type = %q, want server_vad", got.Type)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ARI_PASSWORD", "secret")

	if _, err := Load(""); err == nil {
		t.Error("Load() without OPENAI_API_KEY error = nil, want error")
	}

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ARI_PASSWORD", "")
	if _, err := Load(""); err == nil {
		t.Error("Load() without ARI_PASSWORD error = nil, want error")
	}
}

func TestLoadDefaultsAndPhrases(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ARI_PASSWORD", "secret")
	t.Setenv("AGENT_TERMINATE_PHRASES", "'goodbye','have a nice day'")
	t.Setenv("REDIRECTION_PHRASES", "'connecting you'")
	t.Setenv("EMAIL_TO", "a@example.com, b@example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RTPPortStart != 12000 {
		t.Errorf("RTPPortStart = %d, want 12000", cfg.RTPPortStart)
	}
	if cfg.InitialMessage != "Hi" {
		t.Errorf("InitialMessage = %q, want Hi", cfg.InitialMessage)
	}
	if cfg.CleanupGrace.Milliseconds() != 1500 {
		t.Errorf("CleanupGrace = %v, want 1500ms", cfg.CleanupGrace)
	}
	if cfg.TerminateFallback.Milliseconds() != 8000 {
		t.Errorf("TerminateFallback = %v, want 8000ms", cfg.TerminateFallback)
	}

	wantTerm := []string{"goodbye", "have a nice day"}
	if !reflect.DeepEqual(cfg.TerminatePhrases, wantTerm) {
		t.Errorf("TerminatePhrases = %v, want %v", cfg.TerminatePhrases, wantTerm)
	}
	wantRedir := []string{"connecting you"}
	if !reflect.DeepEqual(cfg.RedirectionPhrases, wantRedir) {
		t.Errorf("RedirectionPhrases = %v, want %v", cfg.RedirectionPhrases, wantRedir)
	}
	wantTo := []string{"a@example.com", "b@example.com"}
	if !reflect.DeepEqual(cfg.Email.To, wantTo) {
		t.Errorf("Email.To = %v, want %v", cfg.Email.To, wantTo)
	}
}
