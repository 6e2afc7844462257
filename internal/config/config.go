// Package config loads the scenewatch YAML configuration, fills defaults and
// validates the result.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables carrying secrets that should not live in the YAML file
const (
	EnvDescribeAPIKey = "SCENEWATCH_DESCRIBE_API_KEY"
	EnvPostgresDSN    = "SCENEWATCH_POSTGRES_DSN"
)

// Config represents the complete scenewatch configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Stream    StreamConfig    `yaml:"stream"`
	Quality   QualityConfig   `yaml:"quality"`
	Change    ChangeConfig    `yaml:"change"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Batch     BatchConfig     `yaml:"batch"`
	Enrich    EnrichConfig    `yaml:"enrich"`
	ImageHost ImageHostConfig `yaml:"image_host"`
	Describe  DescribeConfig  `yaml:"describe"`
	Modes     ModesConfig     `yaml:"modes"`
	Storage   StorageConfig   `yaml:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Control   ControlConfig   `yaml:"control"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// StreamConfig contains frame source settings
type StreamConfig struct {
	URL          string        `yaml:"url" validate:"required"`
	Backend      string        `yaml:"backend" validate:"oneof=mjpeg ffmpeg gocv"`
	Decimation   int           `yaml:"decimation" validate:"gte=1"`
	Width        int           `yaml:"width" validate:"gt=0"`
	Height       int           `yaml:"height" validate:"gt=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	RetryDelay   time.Duration `yaml:"retry_delay" validate:"gte=0"`
	MaxRetryWait time.Duration `yaml:"max_retry_delay" validate:"gte=0"`
}

// QualityConfig contains blur rejection thresholds
type QualityConfig struct {
	SharpnessThreshold float64 `yaml:"sharpness_threshold" validate:"gte=0"`
	EdgeThreshold      int     `yaml:"edge_threshold" validate:"gte=0"`
	CannyLow           float64 `yaml:"canny_low" validate:"gte=0"`
	CannyHigh          float64 `yaml:"canny_high" validate:"gtefield=CannyLow"`
}

// ChangeConfig contains change detector thresholds
type ChangeConfig struct {
	MotionThreshold float64 `yaml:"motion_threshold" validate:"gte=0"`
	FlowWindow      int     `yaml:"flow_window" validate:"gte=3"`
	CosineThreshold float64 `yaml:"cosine_threshold" validate:"gte=-1,lte=1"`
	HashThreshold   int     `yaml:"hash_threshold" validate:"gte=0,lte=64"`
}

// EmbedderConfig selects the feature extractor
type EmbedderConfig struct {
	Kind      string        `yaml:"kind" validate:"oneof=histogram remote"`
	Endpoint  string        `yaml:"endpoint" validate:"required_if=Kind remote"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	Workers   int           `yaml:"workers" validate:"gte=1"`
	QueueSize int           `yaml:"queue_size" validate:"gte=1"`
	CacheSize int           `yaml:"cache_size" validate:"gte=0"`
}

// BatchConfig contains batch buffer settings
type BatchConfig struct {
	Size int `yaml:"size" validate:"gte=1"`
}

// EnrichConfig contains enrichment pipeline settings
type EnrichConfig struct {
	Workers          int           `yaml:"workers" validate:"gte=1"`
	QueueSize        int           `yaml:"queue_size" validate:"gte=1"`
	OutputDir        string        `yaml:"output_dir" validate:"required"`
	JPEGQuality      int           `yaml:"jpeg_quality" validate:"gte=1,lte=100"`
	Annotate         bool          `yaml:"annotate"`
	UploadTimeout    time.Duration `yaml:"upload_timeout" validate:"gt=0"`
	DescribeTimeout  time.Duration `yaml:"describe_timeout" validate:"gt=0"`
	ProgressInterval time.Duration `yaml:"progress_interval" validate:"gte=0"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
}

// ImageHostConfig contains upload endpoint settings
type ImageHostConfig struct {
	Endpoint  string `yaml:"endpoint" validate:"required,url"`
	FieldName string `yaml:"field_name" validate:"required"`
}

// DescribeConfig selects and configures the remote description service
type DescribeConfig struct {
	Backend     string  `yaml:"backend" validate:"oneof=chat ollama"`
	Endpoint    string  `yaml:"endpoint" validate:"required_if=Backend chat"`
	Model       string  `yaml:"model" validate:"required"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gt=0"`
	OllamaURL   string  `yaml:"ollama_url"`
	OllamaPort  int     `yaml:"ollama_port" validate:"gte=0,lte=65535"`
}

// ModesConfig lists the selectable prompt templates
type ModesConfig struct {
	Prompts     []string `yaml:"prompts" validate:"min=1,max=9,dive,required"`
	KeywordMode int      `yaml:"keyword_mode" validate:"gte=0"`
	Placeholder string   `yaml:"placeholder" validate:"required"`
}

// StorageConfig contains description log settings
type StorageConfig struct {
	LogPath     string `yaml:"log_path" validate:"required"`
	Format      string `yaml:"format" validate:"oneof=jsonl json"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MQTTConfig contains broker settings for publishing and remote control
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos" validate:"lte=2"`
}

// ControlConfig selects the control surfaces
type ControlConfig struct {
	Console  bool   `yaml:"console"`
	HTTPAddr string `yaml:"http_addr"`
}

// Default returns the configuration used when no file is given. Thresholds
// are tuned for a 640x360 street camera.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Stream: StreamConfig{
			URL:          "http://192.168.169.144:8080/video",
			Backend:      "mjpeg",
			Decimation:   10,
			Width:        640,
			Height:       360,
			ReadTimeout:  10 * time.Second,
			RetryDelay:   200 * time.Millisecond,
			MaxRetryWait: 5 * time.Second,
		},
		Quality: QualityConfig{
			SharpnessThreshold: 300,
			EdgeThreshold:      100,
			CannyLow:           100,
			CannyHigh:          200,
		},
		Change: ChangeConfig{
			MotionThreshold: 0.05,
			FlowWindow:      15,
			CosineThreshold: 0.9,
			HashThreshold:   5,
		},
		Embedder: EmbedderConfig{
			Kind:      "histogram",
			Timeout:   10 * time.Second,
			Workers:   1,
			QueueSize: 4,
			CacheSize: 256,
		},
		Batch: BatchConfig{Size: 6},
		Enrich: EnrichConfig{
			Workers:          1,
			QueueSize:        8,
			OutputDir:        "captured_frames",
			JPEGQuality:      90,
			UploadTimeout:    30 * time.Second,
			DescribeTimeout:  60 * time.Second,
			ProgressInterval: time.Second,
			ShutdownGrace:    5 * time.Second,
		},
		ImageHost: ImageHostConfig{
			Endpoint:  "https://0x0.st",
			FieldName: "file",
		},
		Describe: DescribeConfig{
			Backend:     "chat",
			Endpoint:    "https://proxy.tune.app/chat/completions",
			Model:       "meta/llama-3.2-90b-vision",
			Temperature: 0.8,
			MaxTokens:   900,
			OllamaURL:   "http://localhost",
			OllamaPort:  11434,
		},
		Modes: ModesConfig{
			Prompts: []string{
				"I am giving you an image with 6 images side to side, give a short description in 2 lines. Don't mention it's an image.",
				"Can you find my <keyword>? Answer only in yes or not yet!",
				"Can you find the animal llama? Answer only in 'Yes! I found the Llama!' or in 'No, where are you Llama?!'",
			},
			KeywordMode: 2,
			Placeholder: "<keyword>",
		},
		Storage: StorageConfig{
			LogPath: "descriptions.jsonl",
			Format:  "jsonl",
		},
		MQTT: MQTTConfig{
			ClientID:    "scenewatch",
			TopicPrefix: "scenewatch",
			QoS:         1,
		},
		Control: ControlConfig{Console: true},
	}
}

// Load reads and parses a YAML configuration file on top of Default. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays secrets from the environment
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDescribeAPIKey)); v != "" {
		c.Describe.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPostgresDSN)); v != "" {
		c.Storage.PostgresDSN = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags plus the cross-field rules tags cannot express
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Modes.KeywordMode > len(cfg.Modes.Prompts) {
		return fmt.Errorf("modes.keyword_mode %d out of range (1..%d)", cfg.Modes.KeywordMode, len(cfg.Modes.Prompts))
	}
	if cfg.Modes.KeywordMode > 0 {
		tmpl := cfg.Modes.Prompts[cfg.Modes.KeywordMode-1]
		if !strings.Contains(tmpl, cfg.Modes.Placeholder) {
			return fmt.Errorf("keyword prompt %d does not contain placeholder %q", cfg.Modes.KeywordMode, cfg.Modes.Placeholder)
		}
	}
	return nil
}
