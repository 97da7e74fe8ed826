package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server      ServerConfig
	Worker      WorkerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	ObjectStore ObjectStoreConfig
	Callback    CallbackConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	APIKey          string        `envconfig:"API_KEY" required:"true"`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"10s"`
}

type WorkerConfig struct {
	ScratchDir        string        `envconfig:"TEMP_UPLOAD_DIR" default:"/tmp/transcoder"`
	MaxConcurrentJobs int           `envconfig:"MAX_CONCURRENT_JOBS" default:"2"`
	MaxAttempts       int           `envconfig:"WORKER_MAX_ATTEMPTS" default:"3"`
	ShutdownTimeout   time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
	ReaperInterval    time.Duration `envconfig:"REAPER_INTERVAL" default:"1h"`
}

type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"transcoder"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"transcoder"`
	DBName   string `envconfig:"POSTGRES_DB" default:"transcoder"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

type RedisConfig struct {
	URL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
}

// ObjectStoreConfig carries the Backblaze B2 (S3-compatible) credentials and
// the two bucket names the pipeline reads from and writes to.
type ObjectStoreConfig struct {
	Endpoint       string `envconfig:"B2_ENDPOINT" default:"s3.us-west-004.backblazeb2.com"`
	KeyID          string `envconfig:"B2_KEY_ID" required:"true"`
	ApplicationKey string `envconfig:"B2_APPLICATION_KEY" required:"true"`
	SourceBucket   string `envconfig:"B2_SOURCE_BUCKET" default:"videos-source"`
	OutputBucket   string `envconfig:"B2_OUTPUT_BUCKET" default:"videos-output"`
	UseSSL         bool   `envconfig:"B2_USE_SSL" default:"true"`
	PublicURLBase  string `envconfig:"B2_PUBLIC_URL_BASE"`
}

type CallbackConfig struct {
	DefaultURL string        `envconfig:"WEBAPP_CALLBACK_URL"`
	Token      string        `envconfig:"CALLBACK_TOKEN"`
	Timeout    time.Duration `envconfig:"CALLBACK_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	// WEBAPP_API_KEY is the older name for the callback bearer token.
	if cfg.Callback.Token == "" {
		cfg.Callback.Token = os.Getenv("WEBAPP_API_KEY")
	}
	return &cfg, nil
}
