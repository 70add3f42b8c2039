package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/text/unicode/norm"
)

// VAD holds the normalized turn-detection settings sent to the
// realtime endpoint. Only server_vad and semantic_vad are accepted.
type VAD struct {
	Type              string
	Threshold         float64
	PrefixPaddingMS   int
	SilenceDurationMS int
}

// Email holds SMTP delivery settings for post-call transcripts.
type Email struct {
	Enabled         bool
	SMTPHost        string
	SMTPPort        int
	SMTPSecure      bool
	SMTPUser        string
	SMTPPass        string
	From            string
	To              []string
	SubjectTemplate string
	BodyTemplate    string
}

// Config is the read-only configuration bundle for the bridge.
// Loaded once at startup from the environment (and an optional env file)
// and passed explicitly to every component.
type Config struct {
	ARIURL      string
	ARIUsername string
	ARIPassword string
	ARIApp      string

	OpenAIAPIKey   string
	RealtimeURL    string
	RealtimeModel  string
	Voice          string
	SystemPrompt   string
	InitialMessage string

	RecordingsDir         string
	TranscriptionModel    string
	TranscriptionLanguage string

	RedirectionQueue        string
	RedirectionQueueContext string
	RedirectionPhrases      []string
	TerminatePhrases        []string

	RTPPortStart       int
	MaxConcurrentCalls int

	VAD VAD

	LogLevel string
	LogFile  string

	SilencePaddingMS  int
	CallDurationLimit time.Duration
	CleanupGrace      time.Duration
	TerminateFallback time.Duration
	TerminateWatchdog time.Duration
	ShutdownTimeout   time.Duration

	HealthPort int

	Email Email
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ARI_URL", "http://127.0.0.1:8088")
	v.SetDefault("ARI_USERNAME", "asterisk")
	v.SetDefault("ARI_PASSWORD", "")
	v.SetDefault("ARI_APP", "openai-bridge")

	v.SetDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime")
	v.SetDefault("REALTIME_MODEL", "gpt-4o-realtime-preview")
	v.SetDefault("OPENAI_VOICE", "alloy")
	v.SetDefault("SYSTEM_PROMPT", "You are a helpful phone assistant.")
	v.SetDefault("INITIAL_MESSAGE", "Hi")

	v.SetDefault("RECORDINGS_DIR", "/var/spool/asterisk/monitor")
	v.SetDefault("TRANSCRIPTION_MODEL", "whisper-1")
	v.SetDefault("TRANSCRIPTION_LANGUAGE", "en")

	v.SetDefault("RTP_PORT_START", 12000)
	v.SetDefault("MAX_CONCURRENT_CALLS", 10)

	v.SetDefault("VAD_TYPE", "server_vad")
	v.SetDefault("VAD_THRESHOLD", 0.6)
	v.SetDefault("VAD_PREFIX_PADDING_MS", 200)
	v.SetDefault("VAD_SILENCE_DURATION_MS", 600)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("SILENCE_PADDING_MS", 100)
	v.SetDefault("CALL_DURATION_LIMIT_SECONDS", 0)
	v.SetDefault("CLEANUP_GRACE_MS", 1500)
	v.SetDefault("TERMINATE_FALLBACK_MS", 8000)
	v.SetDefault("TERMINATION_WATCHDOG_MS", 8000)
	v.SetDefault("SHUTDOWN_TIMEOUT_MS", 8000)

	v.SetDefault("HEALTH_PORT", 8089)

	v.SetDefault("EMAIL_ENABLED", false)
	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_SECURE", false)
	v.SetDefault("SMTP_USER", "")
	v.SetDefault("SMTP_PASS", "")
	v.SetDefault("EMAIL_FROM", "")
	v.SetDefault("EMAIL_TO", "")
	v.SetDefault("EMAIL_SUBJECT_TEMPLATE", "Call transcript {{callerId}} ({{channelId}})")
	v.SetDefault("EMAIL_BODY_TEMPLATE", "Transcript for call from {{callerId}}, channel {{channelId}}, ended with reason {{reason}}.")
}

// Load reads configuration from the environment. If envFile is non-empty
// it is read first (dotenv format); real environment variables win.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		ARIURL:      strings.TrimRight(v.GetString("ARI_URL"), "/"),
		ARIUsername: v.GetString("ARI_USERNAME"),
		ARIPassword: v.GetString("ARI_PASSWORD"),
		ARIApp:      v.GetString("ARI_APP"),

		OpenAIAPIKey:   v.GetString("OPENAI_API_KEY"),
		RealtimeURL:    v.GetString("REALTIME_URL"),
		RealtimeModel:  v.GetString("REALTIME_MODEL"),
		Voice:          v.GetString("OPENAI_VOICE"),
		SystemPrompt:   v.GetString("SYSTEM_PROMPT"),
		InitialMessage: v.GetString("INITIAL_MESSAGE"),

		RecordingsDir:         v.GetString("RECORDINGS_DIR"),
		TranscriptionModel:    v.GetString("TRANSCRIPTION_MODEL"),
		TranscriptionLanguage: v.GetString("TRANSCRIPTION_LANGUAGE"),

		RedirectionQueue:        v.GetString("REDIRECTION_QUEUE"),
		RedirectionQueueContext: v.GetString("REDIRECTION_QUEUE_CONTEXT"),
		RedirectionPhrases:      ParsePhraseList(v.GetString("REDIRECTION_PHRASES")),
		TerminatePhrases:        ParsePhraseList(v.GetString("AGENT_TERMINATE_PHRASES")),

		RTPPortStart:       v.GetInt("RTP_PORT_START"),
		MaxConcurrentCalls: v.GetInt("MAX_CONCURRENT_CALLS"),

		VAD: normalizeVAD(
			v.GetString("VAD_TYPE"),
			v.GetFloat64("VAD_THRESHOLD"),
			v.GetInt("VAD_PREFIX_PADDING_MS"),
			v.GetInt("VAD_SILENCE_DURATION_MS"),
		),

		LogLevel: v.GetString("LOG_LEVEL"),
		LogFile:  v.GetString("LOG_FILE"),

		SilencePaddingMS:  v.GetInt("SILENCE_PADDING_MS"),
		CallDurationLimit: time.Duration(v.GetInt("CALL_DURATION_LIMIT_SECONDS")) * time.Second,
		CleanupGrace:      time.Duration(v.GetInt("CLEANUP_GRACE_MS")) * time.Millisecond,
		TerminateFallback: time.Duration(v.GetInt("TERMINATE_FALLBACK_MS")) * time.Millisecond,
		TerminateWatchdog: time.Duration(v.GetInt("TERMINATION_WATCHDOG_MS")) * time.Millisecond,
		ShutdownTimeout:   time.Duration(v.GetInt("SHUTDOWN_TIMEOUT_MS")) * time.Millisecond,

		HealthPort: v.GetInt("HEALTH_PORT"),

		Email: Email{
			Enabled:         v.GetBool("EMAIL_ENABLED"),
			SMTPHost:        v.GetString("SMTP_HOST"),
			SMTPPort:        v.GetInt("SMTP_PORT"),
			SMTPSecure:      v.GetBool("SMTP_SECURE"),
			SMTPUser:        v.GetString("SMTP_USER"),
			SMTPPass:        v.GetString("SMTP_PASS"),
			From:            v.GetString("EMAIL_FROM"),
			To:              splitRecipients(v.GetString("EMAIL_TO")),
			SubjectTemplate: v.GetString("EMAIL_SUBJECT_TEMPLATE"),
			BodyTemplate:    v.GetString("EMAIL_BODY_TEMPLATE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.ARIPassword == "" {
		return fmt.Errorf("ARI_PASSWORD is required")
	}
	if c.RTPPortStart <= 0 || c.RTPPortStart > 65535 {
		return fmt.Errorf("RTP_PORT_START out of range: %d", c.RTPPortStart)
	}
	if c.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_CALLS must be positive: %d", c.MaxConcurrentCalls)
	}
	if c.RTPPortStart+c.MaxConcurrentCalls-1 > 65535 {
		return fmt.Errorf("RTP port range %d-%d exceeds 65535",
			c.RTPPortStart, c.RTPPortStart+c.MaxConcurrentCalls-1)
	}
	if c.Email.Enabled && c.Email.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST is required when EMAIL_ENABLED is set")
	}
	return nil
}

// ParsePhraseList parses a single-quoted, comma-separated phrase list, e.g.
// 'goodbye','thanks for calling'. Each entry is NFKC-normalized and
// lower-cased so transcripts can be matched by plain substring search.
// Entries outside quotes are ignored.
func ParsePhraseList(raw string) []string {
	var phrases []string
	inQuote := false
	var cur strings.Builder
	for _, r := range raw {
		switch {
		case r == '\'':
			if inQuote {
				if p := NormalizePhrase(cur.String()); p != "" {
					phrases = append(phrases, p)
				}
				cur.Reset()
			}
			inQuote = !inQuote
		case inQuote:
			cur.WriteRune(r)
		}
	}
	return phrases
}

// NormalizePhrase lower-cases and NFKC-normalizes a phrase or transcript
// for matching.
func NormalizePhrase(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}

func splitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeVAD coerces turn-detection settings into the two shapes the
// realtime endpoint accepts. Unknown types fall back to server_vad.
func normalizeVAD(typ string, threshold float64, prefixMS, silenceMS int) VAD {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "semantic_vad" {
		return VAD{Type: "semantic_vad"}
	}
	if threshold <= 0 || threshold > 1 || threshold != threshold {
		threshold = 0.6
	}
	if prefixMS < 0 {
		prefixMS = 200
	}
	if silenceMS <= 0 {
		silenceMS = 600
	}
	return VAD{
		Type:              "server_vad",
		Threshold:         threshold,
		PrefixPaddingMS:   prefixMS,
		SilenceDurationMS: silenceMS,
	}
}
