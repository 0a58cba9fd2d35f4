// Package config loads runtime settings from the environment and resolves
// the data directories the assistant writes into.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings holds every tunable the assistant reads at runtime. Values come
// from the environment, optionally seeded from a .env file next to the data
// directory.
type Settings struct {
	// APIKey authenticates against the chat-completion backend. When both
	// APIKey and APIBase are empty the LLM client reports unavailable and
	// the assistant degrades to context-only answers.
	APIKey  string
	APIBase string

	// TextModel produces final prose; ReasoningModel drives tool use. They
	// may be the same model.
	TextModel      string
	ReasoningModel string
	VisionModel    string
	VisionEnabled  bool

	ImageModel  string
	ImageAPIKey string

	BraveAPIKey     string
	BraveCountry    string
	BraveSearchLang string
	WebTimeout      time.Duration

	RAGTopK            int
	MaxHistoryMessages int
	MaxToolCalls       int
	LLMStreaming       bool

	Timezone string
	Locale   string

	ListenAddr string

	DataDir string

	// ProjectRoot scopes the project file tools. Paths outside it are
	// rejected.
	ProjectRoot string
}

// Default model identifiers used when the environment does not override them.
const (
	defaultTextModel      = "gpt-4o"
	defaultReasoningModel = "gpt-4o"
	defaultVisionModel    = "gpt-4o"
	defaultImageModel     = "gpt-image-1"
)

// Load reads settings from the environment. A .env file at the given path
// (or ./.env when empty) is merged in first without overriding variables
// already set in the process environment.
func Load(envFile string) (*Settings, error) {
	if envFile == "" {
		envFile = ".env"
	}
	// Missing .env is not an error; the environment alone may be complete.
	_ = godotenv.Load(envFile)

	dataDir := os.Getenv("VALET_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(home, ".valet")
	}

	s := &Settings{
		APIKey:             firstEnv("VALET_API_KEY", "OPENAI_API_KEY", "GROQ_API_KEY", "OPENROUTER_API_KEY"),
		APIBase:            os.Getenv("VALET_API_BASE"),
		TextModel:          envOr("TEXT_MODEL", defaultTextModel),
		ReasoningModel:     envOr("REASONING_MODEL", defaultReasoningModel),
		VisionModel:        envOr("VISION_MODEL", defaultVisionModel),
		VisionEnabled:      envBool("VISION_ENABLED", true),
		ImageModel:         envOr("IMAGE_MODEL", defaultImageModel),
		ImageAPIKey:        firstEnv("IMAGE_API_KEY", "OPENAI_API_KEY"),
		BraveAPIKey:        os.Getenv("BRAVE_API_KEY"),
		BraveCountry:       os.Getenv("BRAVE_COUNTRY"),
		BraveSearchLang:    os.Getenv("BRAVE_SEARCH_LANG"),
		WebTimeout:         time.Duration(envInt("WEB_TIMEOUT", 10)) * time.Second,
		RAGTopK:            envInt("RAG_TOP_K", 4),
		MaxHistoryMessages: envInt("MAX_HISTORY_MESSAGES", 40),
		MaxToolCalls:       envInt("MAX_TOOL_CALLS", 4),
		LLMStreaming:       envBool("LLM_STREAMING", true),
		Timezone:           envOr("APP_TIMEZONE", DetectTimezone()),
		Locale:             envOr("APP_LOCALE", DetectLocale()),
		ListenAddr:         envOr("VALET_ADDR", "127.0.0.1:8050"),
		DataDir:            dataDir,
		ProjectRoot:        envOr("VALET_PROJECT_ROOT", "."),
	}
	return s, nil
}

// UploadsDir returns the directory for user-uploaded files.
func (s *Settings) UploadsDir() string { return filepath.Join(s.DataDir, "uploads") }

// GeneratedDir returns the directory for model-generated files and plots.
func (s *Settings) GeneratedDir() string { return filepath.Join(s.DataDir, "generated") }

// ExportsDir returns the directory for files the assistant exports for the
// user (calendar invites, created documents).
func (s *Settings) ExportsDir() string { return filepath.Join(s.DataDir, "exports") }

// IndexDir returns the directory holding per-conversation retrieval indexes.
func (s *Settings) IndexDir() string { return filepath.Join(s.DataDir, "indexes") }

// DBPath returns the SQLite database location.
func (s *Settings) DBPath() string { return filepath.Join(s.DataDir, "valet.db") }

// EnsureDirs creates the data directory tree.
func (s *Settings) EnsureDirs() error {
	for _, dir := range []string{
		s.DataDir,
		s.UploadsDir(),
		s.GeneratedDir(),
		s.ExportsDir(),
		s.IndexDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC when the
// name does not load.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DetectTimezone resolves the host timezone name: TZ when valid, then the
// /etc/localtime symlink target, then UTC.
func DetectTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" && validTimezone(tz) {
		return tz
	}
	if target, err := filepath.EvalSymlinks("/etc/localtime"); err == nil {
		if idx := strings.Index(target, "zoneinfo/"); idx >= 0 {
			zone := target[idx+len("zoneinfo/"):]
			if zone != "" && validTimezone(zone) {
				return zone
			}
		}
	}
	return "UTC"
}

// DetectLocale resolves the host locale from LC_ALL/LANG, stripped of its
// encoding suffix. Defaults to en_US.
func DetectLocale() string {
	for _, key := range []string{"LC_ALL", "LANG"} {
		if v := os.Getenv(key); v != "" && v != "C" && v != "POSIX" {
			if idx := strings.IndexByte(v, '.'); idx > 0 {
				return v[:idx]
			}
			return v
		}
	}
	return "en_US"
}

func validTimezone(name string) bool {
	_, err := time.LoadLocation(name)
	return err == nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
