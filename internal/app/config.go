package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"scribe/internal/offline"
	"scribe/internal/segmenter"
	"scribe/internal/transcription"
	"scribe/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	configFileName = "settings.yaml"
	envPrefix      = "SCRIBE"

	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config represents user-configurable settings. Keys nest with "__" in the
// environment, e.g. SCRIBE_TRANSCRIBER__BACKEND=openai.
type Config struct {
	OutputDir    string `mapstructure:"output_dir" yaml:"output_dir" validate:"required"`
	ChunkSeconds int    `mapstructure:"chunk_seconds" yaml:"chunk_seconds" validate:"min=5,max=300"`
	MicEnabled   bool   `mapstructure:"mic_enabled" yaml:"mic_enabled"`
	SystemDevice string `mapstructure:"system_device" yaml:"system_device"`
	MicDevice    string `mapstructure:"mic_device" yaml:"mic_device"`
	// SplitSeconds is the chunk length for transcribing existing files.
	SplitSeconds int `mapstructure:"split_seconds" yaml:"split_seconds" validate:"min=1"`

	Transcriber TranscriberConfig `mapstructure:"transcriber" yaml:"transcriber"`
	Translation TranslationConfig `mapstructure:"translation" yaml:"translation"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`

	// ArchivePath is the SQLite transcript archive; empty disables it.
	ArchivePath string `mapstructure:"archive_path" yaml:"archive_path"`
	// Listen is the control API address; empty disables the API.
	Listen string `mapstructure:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
	Debug  bool   `mapstructure:"debug" yaml:"debug"`
}

type TranscriberConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend" validate:"oneof=whisper-cli openai azure"`
	Language string `mapstructure:"language" yaml:"language"`

	WhisperExe   string `mapstructure:"whisper_exe" yaml:"whisper_exe" validate:"required_if=Backend whisper-cli"`
	WhisperModel string `mapstructure:"whisper_model" yaml:"whisper_model" validate:"required_if=Backend whisper-cli"`

	OpenAIKey     string `mapstructure:"openai_key" yaml:"openai_key" validate:"required_if=Backend openai"`
	OpenAIModel   string `mapstructure:"openai_model" yaml:"openai_model"`
	OpenAIBaseURL string `mapstructure:"openai_base_url" yaml:"openai_base_url" validate:"omitempty,url"`

	AzureKey      string `mapstructure:"azure_key" yaml:"azure_key" validate:"required_if=Backend azure"`
	AzureRegion   string `mapstructure:"azure_region" yaml:"azure_region"`
	AzureEndpoint string `mapstructure:"azure_endpoint" yaml:"azure_endpoint" validate:"omitempty,url"`
}

type TranslationConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	DeepLKey   string `mapstructure:"deepl_key" yaml:"deepl_key" validate:"required_if=Enabled true"`
	TargetLang string `mapstructure:"target_lang" yaml:"target_lang" validate:"required_if=Enabled true"`
	APIURL     string `mapstructure:"api_url" yaml:"api_url" validate:"omitempty,url"`
}

type QueueConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisKey  string `mapstructure:"redis_key" yaml:"redis_key"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	outputDir, err := utils.GetRecordingsDir()
	if err != nil {
		outputDir = "./recordings"
	}

	return Config{
		OutputDir:    outputDir,
		ChunkSeconds: int(segmenter.DefaultInterval.Seconds()),
		MicEnabled:   true,
		SplitSeconds: int(offline.DefaultChunkDuration.Seconds()),
		Transcriber: TranscriberConfig{
			Backend:      transcription.BackendWhisperCLI,
			WhisperExe:   "whisper-cli",
			WhisperModel: "ggml-base.bin",
			OpenAIModel:  "whisper-1",
			AzureRegion:  "eastus",
		},
		Translation: TranslationConfig{
			TargetLang: "EN",
		},
		Queue: QueueConfig{
			Backend:  QueueMemory,
			RedisKey: "scribe:chunks",
		},
	}
}

// TranscriptionConfig maps the settings onto the backend factory input.
func (c Config) TranscriptionConfig() transcription.Config {
	t := c.Transcriber
	return transcription.Config{
		Backend:       t.Backend,
		Language:      t.Language,
		WhisperExe:    t.WhisperExe,
		WhisperModel:  t.WhisperModel,
		OpenAIKey:     t.OpenAIKey,
		OpenAIModel:   t.OpenAIModel,
		OpenAIBaseURL: t.OpenAIBaseURL,
		AzureKey:      t.AzureKey,
		AzureRegion:   t.AzureRegion,
		AzureEndpoint: t.AzureEndpoint,
	}
}

// Normalize clamps values that have a documented range instead of
// rejecting them.
func (c *Config) Normalize() {
	c.ChunkSeconds = int(segmenter.ClampInterval(c.ChunkSeconds).Seconds())
	c.Translation.TargetLang = strings.ToUpper(c.Translation.TargetLang)
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ConfigFilePath returns the default settings location.
func ConfigFilePath() (string, error) {
	configDir, err := utils.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, configFileName), nil
}

// LoadConfig reads defaults, then the settings file at path (the default
// location when empty), then SCRIBE_ environment overrides. A missing file
// is not an error.
func LoadConfig(path string) (Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path == "" {
		p, err := ConfigFilePath()
		if err != nil {
			slog.Warn("failed to get config path, using defaults", "error", err)
		}
		path = p
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
			}
			slog.Info("no config file found, using defaults", "path", path)
		} else {
			slog.Info("config loaded", "path", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, cfg Config) {
	t, tr, q := cfg.Transcriber, cfg.Translation, cfg.Queue

	v.SetDefault("output_dir", cfg.OutputDir)
	v.SetDefault("chunk_seconds", cfg.ChunkSeconds)
	v.SetDefault("mic_enabled", cfg.MicEnabled)
	v.SetDefault("system_device", cfg.SystemDevice)
	v.SetDefault("mic_device", cfg.MicDevice)
	v.SetDefault("split_seconds", cfg.SplitSeconds)
	v.SetDefault("archive_path", cfg.ArchivePath)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("debug", cfg.Debug)

	v.SetDefault("transcriber__backend", t.Backend)
	v.SetDefault("transcriber__language", t.Language)
	v.SetDefault("transcriber__whisper_exe", t.WhisperExe)
	v.SetDefault("transcriber__whisper_model", t.WhisperModel)
	v.SetDefault("transcriber__openai_key", t.OpenAIKey)
	v.SetDefault("transcriber__openai_model", t.OpenAIModel)
	v.SetDefault("transcriber__openai_base_url", t.OpenAIBaseURL)
	v.SetDefault("transcriber__azure_key", t.AzureKey)
	v.SetDefault("transcriber__azure_region", t.AzureRegion)
	v.SetDefault("transcriber__azure_endpoint", t.AzureEndpoint)

	v.SetDefault("translation__enabled", tr.Enabled)
	v.SetDefault("translation__deepl_key", tr.DeepLKey)
	v.SetDefault("translation__target_lang", tr.TargetLang)
	v.SetDefault("translation__api_url", tr.APIURL)

	v.SetDefault("queue__backend", q.Backend)
	v.SetDefault("queue__redis_addr", q.RedisAddr)
	v.SetDefault("queue__redis_key", q.RedisKey)
}

// SaveConfig writes cfg as YAML to path, or to the default location when
// path is empty.
func SaveConfig(path string, cfg Config) error {
	if path == "" {
		p, err := ConfigFilePath()
		if err != nil {
			return err
		}
		path = p
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	slog.Info("config saved", "path", path)
	return nil
}
