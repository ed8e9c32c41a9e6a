// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderGroq  = "groq"
	ProviderDummy = "dummy"

	DefaultChatCompletionsURL = "https://api.groq.com/openai/v1/chat/completions"
	DefaultModel              = "llama-3.1-70b-versatile"
)

// StartupError is a fatal configuration problem found before any input is
// accepted.
type StartupError struct {
	Key string
	Err error
}

func (e *StartupError) Error() string {
	if e.Key == "" {
		return "startup failed: " + e.Err.Error()
	}
	return fmt.Sprintf("startup failed: %s: %v", e.Key, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Config holds configuration for the chat process.
type Config struct {
	ModelProvider      string
	GroqAPIKey         string
	ChatCompletionsURL string
	Model              string
	SummaryModel       string
	// Temperature overrides the persona temperature when TemperatureSet.
	Temperature       float64
	TemperatureSet    bool
	Streaming         bool
	Persona           string
	PersonaFile       string
	PromptShape       string
	RenderDelay       time.Duration
	RenderCursor      string
	SessionMax        int
	SessionTTL        time.Duration
	FailurePolicy     string
	DBPath            string
	ListenAddr        string
	RequestTimeout    time.Duration
	VerifyCredentials bool
	DummyScript       string
	MaxUtteranceChars int
	CircuitThreshold  int
	CircuitCooldown   time.Duration
}

// LoadDotEnv loads variables from path without overriding ones already set.
// A missing file is only an error when required is true.
func LoadDotEnv(path string, required bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !required && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return &StartupError{Key: "env file", Err: err}
}

// Load reads configuration from environment variables. Invalid values and
// a missing credential are reported as *StartupError.
func Load() (Config, error) {
	p := &parser{}
	cfg := Config{
		ModelProvider:      strings.ToLower(envOrDefault("SIA_MODEL_PROVIDER", ProviderGroq)),
		GroqAPIKey:         strings.TrimSpace(os.Getenv("GROQ_API_KEY")),
		ChatCompletionsURL: envOrDefault("GROQ_CHAT_COMPLETIONS_URL", DefaultChatCompletionsURL),
		Model:              envOrDefault("SIA_MODEL", DefaultModel),
		Streaming:          p.bool("SIA_STREAMING", true),
		Persona:            envOrDefault("SIA_PERSONA", "sia"),
		PersonaFile:        os.Getenv("SIA_PERSONA_FILE"),
		PromptShape:        os.Getenv("SIA_PROMPT_SHAPE"),
		RenderDelay:        time.Duration(p.int("SIA_RENDER_DELAY_MS", 20, 0)) * time.Millisecond,
		RenderCursor:       envOrDefault("SIA_RENDER_CURSOR", "▌"),
		SessionMax:         p.int("SIA_SESSION_MAX", 1024, 0),
		SessionTTL:         time.Duration(p.int("SIA_SESSION_TTL_SECONDS", 0, 0)) * time.Second,
		FailurePolicy:      envOrDefault("SIA_FAILURE_POLICY", "keep"),
		DBPath:             envOrDefault("SIA_DB_PATH", "./state/sia.db"),
		ListenAddr:         envOrDefault("SIA_LISTEN_ADDR", ":8080"),
		RequestTimeout:     time.Duration(p.int("SIA_REQUEST_TIMEOUT_SECONDS", 60, 1)) * time.Second,
		VerifyCredentials:  p.bool("SIA_VERIFY_CREDENTIALS", true),
		DummyScript:        envOrDefault("SIA_DUMMY_SCRIPT", "ok"),
		MaxUtteranceChars:  p.int("SIA_MAX_UTTERANCE_CHARS", 4000, 0),
		CircuitThreshold:   p.int("SIA_CIRCUIT_THRESHOLD", 5, 0),
		CircuitCooldown:    time.Duration(p.int("SIA_CIRCUIT_COOLDOWN_SECONDS", 30, 1)) * time.Second,
	}
	cfg.SummaryModel = envOrDefault("SIA_SUMMARY_MODEL", cfg.Model)
	if _, ok := os.LookupEnv("SIA_TEMPERATURE"); ok {
		cfg.Temperature = p.float("SIA_TEMPERATURE", 0.7)
		cfg.TemperatureSet = true
	}
	// An explicitly empty SIA_DB_PATH disables the journal.
	if v, ok := os.LookupEnv("SIA_DB_PATH"); ok && v == "" {
		cfg.DBPath = ""
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is called by Load and again
// after command-line overrides.
func (c Config) Validate() error {
	switch c.ModelProvider {
	case ProviderGroq:
		if c.GroqAPIKey == "" {
			return &StartupError{Key: "GROQ_API_KEY", Err: errors.New("required when SIA_MODEL_PROVIDER=groq")}
		}
	case ProviderDummy:
	default:
		return &StartupError{Key: "SIA_MODEL_PROVIDER", Err: fmt.Errorf("unknown provider %q (want groq or dummy)", c.ModelProvider)}
	}
	switch c.PromptShape {
	case "", "messages", "template":
	default:
		return &StartupError{Key: "SIA_PROMPT_SHAPE", Err: fmt.Errorf("unknown shape %q (want messages or template)", c.PromptShape)}
	}
	switch c.FailurePolicy {
	case "keep", "mark", "atomic":
	default:
		return &StartupError{Key: "SIA_FAILURE_POLICY", Err: fmt.Errorf("unknown policy %q (want keep, mark or atomic)", c.FailurePolicy)}
	}
	if c.TemperatureSet && (c.Temperature < 0 || c.Temperature > 2) {
		return &StartupError{Key: "SIA_TEMPERATURE", Err: fmt.Errorf("%.2f out of range [0, 2]", c.Temperature)}
	}
	return nil
}

// parser keeps the first invalid value it sees.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = &StartupError{Key: key, Err: err}
	}
}

func (p *parser) int(key string, fallback, min int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.fail(key, fmt.Errorf("invalid integer %q", v))
		return fallback
	}
	if n < min {
		p.fail(key, fmt.Errorf("must be >= %d, got %d", min, n))
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.fail(key, fmt.Errorf("invalid number %q", v))
		return fallback
	}
	return f
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	p.fail(key, fmt.Errorf("invalid boolean %q", v))
	return fallback
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
