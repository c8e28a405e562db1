package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type ServerConfig struct {
	ReplicateAPIToken string        `env:"REPLICATE_API_TOKEN,notEmpty,required"`
	ReplicateBaseURL  string        `env:"REPLICATE_BASE_URL" envDefault:"https://api.replicate.com/v1"`
	ReplicateTimeout  time.Duration `env:"REPLICATE_TIMEOUT" envDefault:"60s"`

	APIPort        string `env:"API_PORT" envDefault:"8000"`
	UploadDir      string `env:"UPLOAD_DIR" envDefault:"uploads"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"536870912"`

	MaxExtractedBytes int64 `env:"MAX_EXTRACTED_BYTES" envDefault:"2147483648"`
	MaxArchiveEntries int   `env:"MAX_ARCHIVE_ENTRIES" envDefault:"10000"`

	StorageBackend    string `env:"STORAGE_BACKEND" envDefault:"local"`
	StorageDir        string `env:"STORAGE_DIR" envDefault:"data/storage"`
	ArchiveBucket     string `env:"ARCHIVE_BUCKET" envDefault:"training-archives"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`

	DatabaseURL string `env:"DATABASE_URL" envDefault:"data/gateway.db"`

	SessionTTL  time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	MaxSessions int           `env:"MAX_SESSIONS" envDefault:"1024"`

	PolicyFile     string   `env:"POLICY_FILE"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}

	switch cfg.StorageBackend {
	case StorageLocal, StorageS3:
	default:
		return cfg, fmt.Errorf("invalid STORAGE_BACKEND '%s': must be '%s' or '%s'", cfg.StorageBackend, StorageLocal, StorageS3)
	}

	if cfg.MaxSessions <= 0 {
		return cfg, fmt.Errorf("MAX_SESSIONS must be positive, got %d", cfg.MaxSessions)
	}

	return cfg, nil
}

type UIConfig struct {
	Port       string        `env:"UI_PORT" envDefault:"8501"`
	APIBaseURL string        `env:"API_BASE_URL" envDefault:"http://localhost:8000"`
	Timeout    time.Duration `env:"UI_TIMEOUT" envDefault:"5m"`
}

func LoadUIConfig() (UIConfig, error) {
	var cfg UIConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}
