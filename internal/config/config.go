// Package config assembles the runtime configuration from flags, environment,
// config files and .env files, and validates it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/pavelanni/examforge/internal/model"
)

// Defaults.
const (
	DefaultModel      = "deepseek-ai/DeepSeek-R1-0528-Qwen3-8B"
	DefaultLLMURL     = "https://api.siliconflow.cn/v1"
	DefaultLLMTimeout = 400 * time.Second
	DefaultDataDir    = "data"
	DefaultDB         = "examforge.db"
)

// LegacyKeyEnv is read when no key is configured the usual way.
const LegacyKeyEnv = "LLM_BINDING_API_KEY"

// LLM configures the chat model backend.
type LLM struct {
	URL      string        `validate:"omitempty,url"`
	Key      string        `validate:"required_unless=Disabled true"`
	Model    string        `validate:"required_unless=Disabled true"`
	Timeout  time.Duration `validate:"gte=0"`
	DebugDir string
	Disabled bool
}

// Config is the validated runtime configuration.
type Config struct {
	DataDir      string `validate:"required"`
	StateBackend string `validate:"oneof=memory file sqlite redis"`
	DB           string `validate:"required_if=StateBackend sqlite"`
	RedisURL     string `validate:"required_if=StateBackend redis"`
	RedisTTL     time.Duration
	Language     model.Language `validate:"oneof=English Chinese"`

	AnnotateConcurrency int `validate:"min=1,max=32"`
	GenerateConcurrency int `validate:"min=1,max=32"`
	GradeConcurrency    int `validate:"min=1,max=32"`

	LLM LLM

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
		slog.Debug("loaded env file", "path", p)
	}
	return nil
}

// FromViper reads a Config from v, whose keys are the command flag names.
// Keys a command does not define take their defaults.
func FromViper(v *viper.Viper) (Config, error) {
	str := func(key, def string) string {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			return s
		}
		return def
	}
	num := func(key string, def int) int {
		if v.IsSet(key) {
			return v.GetInt(key)
		}
		return def
	}
	dur := func(key string, def time.Duration) time.Duration {
		if v.IsSet(key) {
			return v.GetDuration(key)
		}
		return def
	}

	cfg := Config{
		DataDir:             str("data-dir", DefaultDataDir),
		StateBackend:        strings.ToLower(str("state-backend", "file")),
		DB:                  str("db", DefaultDB),
		RedisURL:            str("redis-url", ""),
		RedisTTL:            dur("redis-ttl", 7*24*time.Hour),
		Language:            model.ParseLanguage(str("lang", string(model.LanguageEnglish))),
		AnnotateConcurrency: num("annotate-concurrency", 2),
		GenerateConcurrency: num("generate-concurrency", 3),
		GradeConcurrency:    num("grade-concurrency", 4),
		LLM: LLM{
			URL:      str("llm-url", DefaultLLMURL),
			Key:      str("llm-key", os.Getenv(LegacyKeyEnv)),
			Model:    str("llm-model", DefaultModel),
			Timeout:  dur("llm-timeout", DefaultLLMTimeout),
			DebugDir: str("llm-debug-dir", ""),
			Disabled: v.GetBool("no-llm"),
		},
		LogLevel:  strings.ToLower(str("log-level", "info")),
		LogFormat: strings.ToLower(str("log-format", "text")),
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg and names every offending field.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
