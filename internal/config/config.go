package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/koscakluka/ema-surgery/core/postop"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration. Values are resolved with
// environment overrides taking precedence over the file, and the file over
// defaults.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	LLM        LLMConfig        `yaml:"llm"`
	TTS        TTSConfig        `yaml:"tts"`
	ASR        ASRConfig        `yaml:"asr"`
	Annotation AnnotationConfig `yaml:"annotation"`
	Notes      NotesConfig      `yaml:"notes"`
	PostOp     PostOpConfig     `yaml:"postop"`
	EHR        EHRConfig        `yaml:"ehr"`
	Video      VideoConfig      `yaml:"video"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// LLMConfig selects the inference engine. The openai provider talks to any
// OpenAI compatible endpoint, such as a local vLLM server.
type LLMConfig struct {
	Provider     string        `yaml:"provider"`
	URL          string        `yaml:"url"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	GeminiAPIKey string        `yaml:"gemini_api_key"`
	Timeout      time.Duration `yaml:"timeout"`

	// CorrectTranscripts enables the correction pass for finalized speech
	// recognition results.
	CorrectTranscripts bool `yaml:"correct_transcripts"`
}

const (
	TTSProviderService  = "service"
	TTSProviderDeepgram = "deepgram"
)

// TTSConfig selects the synthesis engine. The service provider talks to the
// chunk protocol TTS service at URL; deepgram uses Deepgram's speak socket
// with Voice.
type TTSConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Provider         string        `yaml:"provider"`
	URL              string        `yaml:"url"`
	Model            string        `yaml:"model"`
	APIKey           string        `yaml:"api_key"`
	Voice            string        `yaml:"voice"`
	MaxChunkLength   int           `yaml:"max_chunk_length"`
	ChunkTimeout     time.Duration `yaml:"chunk_timeout"`
	MaxReconnects    int           `yaml:"max_reconnects"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	QueueMaxItems    int           `yaml:"queue_max_items"`
	QueueMaxAge      time.Duration `yaml:"queue_max_age"`
}

// ASRConfig configures optional server-side speech recognition. Browsers
// that recognize speech themselves do not need it.
type ASRConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Language  string `yaml:"language"`
	ListenURL string `yaml:"listen_url"`
}

type AnnotationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Period        time.Duration `yaml:"period"`
	PromptTimeout time.Duration `yaml:"prompt_timeout"`
}

// NotesConfig points at the folder procedure timelines and notes are kept
// in, one subfolder per procedure.
type NotesConfig struct {
	Dir string `yaml:"dir"`
}

type PostOpConfig struct {
	ProcedureType   string           `yaml:"procedure_type"`
	ProcedureNature string           `yaml:"procedure_nature"`
	Personnel       postop.Personnel `yaml:"personnel"`
	MinConsecutive  int              `yaml:"min_consecutive"`
	MinDwell        time.Duration    `yaml:"min_dwell"`

	// TimelineMaxEntries caps the timeline; 0 keeps every entry.
	TimelineMaxEntries int `yaml:"timeline_max_entries"`
}

// EHRConfig points at a prebuilt record index. An empty path disables the
// EHR path.
type EHRConfig struct {
	DBPath          string `yaml:"db_path"`
	TopK            int    `yaml:"top_k"`
	ContextMaxChars int    `yaml:"context_max_chars"`
}

type VideoConfig struct {
	Dir            string `yaml:"dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	Watch          bool   `yaml:"watch"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Address:         ":8000",
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			URL:      "http://localhost:8001/v1",
			Model:    "Qwen/Qwen2.5-VL-7B-Instruct",
			Timeout:  60 * time.Second,
		},
		TTS: TTSConfig{
			Enabled:          true,
			Provider:         TTSProviderService,
			URL:              "ws://localhost:8002/ws/tts",
			MaxChunkLength:   150,
			ChunkTimeout:     30 * time.Second,
			MaxReconnects:    3,
			ReconnectBackoff: time.Second,
			QueueMaxItems:    10,
			QueueMaxAge:      60 * time.Second,
		},
		ASR: ASRConfig{
			Model:    "nova-3",
			Language: "en-US",
		},
		Annotation: AnnotationConfig{
			Enabled:       true,
			Period:        10 * time.Second,
			PromptTimeout: 30 * time.Second,
		},
		Notes: NotesConfig{
			Dir: "procedures",
		},
		PostOp: PostOpConfig{
			ProcedureType:      postop.DefaultProcedureType,
			ProcedureNature:    postop.DefaultProcedureNature,
			MinConsecutive:     postop.DefaultMinConsecutive,
			MinDwell:           postop.DefaultMinDwell,
			TimelineMaxEntries: postop.DefaultTimelineMaxEntries,
		},
		EHR: EHRConfig{
			TopK:            5,
			ContextMaxChars: 4000,
		},
		Video: VideoConfig{
			Dir:            "videos",
			MaxUploadBytes: 2 << 30,
			Watch:          true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file at path over the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.applyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		name   string
		target *string
	}{
		{"EMA_HTTP_ADDRESS", &c.HTTP.Address},
		{"EMA_LLM_PROVIDER", &c.LLM.Provider},
		{"EMA_LLM_URL", &c.LLM.URL},
		{"EMA_LLM_MODEL", &c.LLM.Model},
		{"EMA_LLM_API_KEY", &c.LLM.APIKey},
		{"GEMINI_API_KEY", &c.LLM.GeminiAPIKey},
		{"EMA_TTS_URL", &c.TTS.URL},
		{"DEEPGRAM_API_KEY", &c.ASR.APIKey},
		{"DEEPGRAM_API_KEY", &c.TTS.APIKey},
	}
	for _, override := range overrides {
		if value, ok := lookup(override.name); ok && strings.TrimSpace(value) != "" {
			*override.target = strings.TrimSpace(value)
		}
	}
}

func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm config: %w", err)
	}
	if err := c.TTS.Validate(); err != nil {
		return fmt.Errorf("tts config: %w", err)
	}
	if err := c.ASR.Validate(); err != nil {
		return fmt.Errorf("asr config: %w", err)
	}
	if err := c.Annotation.Validate(); err != nil {
		return fmt.Errorf("annotation config: %w", err)
	}
	if c.Notes.Dir == "" {
		return fmt.Errorf("notes config: dir cannot be empty")
	}
	if err := c.PostOp.Validate(); err != nil {
		return fmt.Errorf("postop config: %w", err)
	}
	if err := c.EHR.Validate(); err != nil {
		return fmt.Errorf("ehr config: %w", err)
	}
	if err := c.Video.Validate(); err != nil {
		return fmt.Errorf("video config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (h *HTTPConfig) Validate() error {
	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if h.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", h.ShutdownTimeout)
	}
	return nil
}

func (l *LLMConfig) Validate() error {
	switch l.Provider {
	case ProviderOpenAI:
		if l.URL == "" {
			return fmt.Errorf("url cannot be empty for the openai provider")
		}
	case ProviderGemini:
		if l.GeminiAPIKey == "" {
			return fmt.Errorf("gemini_api_key cannot be empty for the gemini provider")
		}
	default:
		return fmt.Errorf("provider must be one of [openai, gemini], got '%s'", l.Provider)
	}
	if l.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", l.Timeout)
	}
	return nil
}

func (t *TTSConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	switch t.Provider {
	case TTSProviderService:
		if t.URL == "" {
			return fmt.Errorf("url cannot be empty for the service provider")
		}
	case TTSProviderDeepgram:
		if t.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the deepgram provider")
		}
	default:
		return fmt.Errorf("provider must be one of [service, deepgram], got '%s'", t.Provider)
	}
	if t.MaxChunkLength < 1 {
		return fmt.Errorf("max_chunk_length must be at least 1, got %d", t.MaxChunkLength)
	}
	if t.ChunkTimeout <= 0 {
		return fmt.Errorf("chunk_timeout must be positive, got %s", t.ChunkTimeout)
	}
	if t.MaxReconnects < 1 {
		return fmt.Errorf("max_reconnects must be at least 1, got %d", t.MaxReconnects)
	}
	if t.ReconnectBackoff < 0 {
		return fmt.Errorf("reconnect_backoff cannot be negative, got %s", t.ReconnectBackoff)
	}
	if t.QueueMaxItems < 1 {
		return fmt.Errorf("queue_max_items must be at least 1, got %d", t.QueueMaxItems)
	}
	if t.QueueMaxAge <= 0 {
		return fmt.Errorf("queue_max_age must be positive, got %s", t.QueueMaxAge)
	}
	return nil
}

func (a *ASRConfig) Validate() error {
	if a.Enabled && a.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty when speech recognition is enabled")
	}
	return nil
}

func (a *AnnotationConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Period < time.Second {
		return fmt.Errorf("period must be at least 1s, got %s", a.Period)
	}
	if a.PromptTimeout <= 0 {
		return fmt.Errorf("prompt_timeout must be positive, got %s", a.PromptTimeout)
	}
	return nil
}

func (p *PostOpConfig) Validate() error {
	if p.MinConsecutive < 1 {
		return fmt.Errorf("min_consecutive must be at least 1, got %d", p.MinConsecutive)
	}
	if p.MinDwell < 0 {
		return fmt.Errorf("min_dwell cannot be negative, got %s", p.MinDwell)
	}
	if p.TimelineMaxEntries < 0 {
		return fmt.Errorf("timeline_max_entries cannot be negative, got %d", p.TimelineMaxEntries)
	}
	return nil
}

func (e *EHRConfig) Validate() error {
	if e.DBPath == "" {
		return nil
	}
	if e.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1, got %d", e.TopK)
	}
	if e.ContextMaxChars < 1 {
		return fmt.Errorf("context_max_chars must be at least 1, got %d", e.ContextMaxChars)
	}
	return nil
}

func (v *VideoConfig) Validate() error {
	if v.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}
	if v.MaxUploadBytes < 1 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", v.MaxUploadBytes)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}
