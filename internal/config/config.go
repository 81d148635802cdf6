package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// ConfigPathEnv names the optional TOML overlay file.
const ConfigPathEnv = "COURSEHUB_CONFIG"

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Queue    QueueConfig    `toml:"queue"`
	Provider ProviderConfig `toml:"provider"`
	Storage  StorageConfig  `toml:"storage"`
	Notify   NotifyConfig   `toml:"notify"`
	Auth     AuthConfig     `toml:"auth"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	Env            string   `toml:"env"`
	LogLevel       string   `toml:"log_level"`
	CORSOrigins    []string `toml:"cors_origins"`
	MaxUploadBytes int64    `toml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	SSLMode  string `toml:"sslmode"`
	MaxOpen  int    `toml:"max_open_conns"`
	MaxIdle  int    `toml:"max_idle_conns"`
}

type RedisConfig struct {
	URL string `toml:"url"`
}

type QueueConfig struct {
	Prefix             string   `toml:"prefix"`
	MaxAttempts        int      `toml:"max_attempts"`
	BackoffBase        Duration `toml:"backoff_base"`
	CompletedRetention Duration `toml:"completed_retention"`
	FailedRetention    Duration `toml:"failed_retention"`
	LockDuration       Duration `toml:"lock_duration"`
	JobTimeout         Duration `toml:"job_timeout"`
	WorkerCount        int      `toml:"worker_count"`
	RunWorkers         bool     `toml:"run_workers"`
}

type ProviderConfig struct {
	BaseURL        string   `toml:"base_url"`
	AccessToken    string   `toml:"access_token"`
	PollInterval   Duration `toml:"poll_interval"`
	MaxWait        Duration `toml:"max_wait"`
	RequestTimeout Duration `toml:"request_timeout"`
	LookupTimeout  Duration `toml:"lookup_timeout"`
}

type StorageConfig struct {
	// MinIO streaming endpoint
	MinioEndpoint  string `toml:"minio_endpoint"`
	MinioAccessKey string `toml:"minio_access_key"`
	MinioSecretKey string `toml:"minio_secret_key"`
	MinioUseSSL    bool   `toml:"minio_use_ssl"`

	// S3 staging endpoint; empty endpoint means AWS
	S3Endpoint     string `toml:"s3_endpoint"`
	S3Region       string `toml:"s3_region"`
	S3AccessKey    string `toml:"s3_access_key"`
	S3SecretKey    string `toml:"s3_secret_key"`
	S3UsePathStyle bool   `toml:"s3_use_path_style"`

	Bucket string `toml:"bucket"`
}

type NotifyConfig struct {
	AMQPURL  string `toml:"amqp_url"`
	Exchange string `toml:"exchange"`
}

type AuthConfig struct {
	JWTSecret string   `toml:"jwt_secret"`
	TokenTTL  Duration `toml:"token_ttl"`
}

// Duration is a time.Duration written as a Go duration string ("10s", "2h")
// in the config file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			Env:            "development",
			LogLevel:       "info",
			CORSOrigins:    []string{"*"},
			MaxUploadBytes: 5 << 30,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "coursehub",
			Password: "coursehub_dev_password",
			Name:     "coursehub",
			SSLMode:  "disable",
			MaxOpen:  25,
			MaxIdle:  5,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379",
		},
		Queue: QueueConfig{
			Prefix:             "jobqueue",
			MaxAttempts:        3,
			BackoffBase:        Duration{2 * time.Second},
			CompletedRetention: Duration{time.Hour},
			FailedRetention:    Duration{24 * time.Hour},
			LockDuration:       Duration{30 * time.Second},
			JobTimeout:         Duration{2 * time.Minute},
			WorkerCount:        3,
			RunWorkers:         true,
		},
		Provider: ProviderConfig{
			BaseURL:        "https://api.vimeo.com",
			PollInterval:   Duration{10 * time.Second},
			MaxWait:        Duration{2 * time.Hour},
			RequestTimeout: Duration{30 * time.Second},
			LookupTimeout:  Duration{2 * time.Second},
		},
		Storage: StorageConfig{
			MinioEndpoint:  "localhost:9000",
			MinioAccessKey: "minioadmin",
			MinioSecretKey: "minioadmin",
			S3Region:       "us-east-1",
			S3UsePathStyle: true,
			Bucket:         "video-staging",
		},
		Notify: NotifyConfig{
			Exchange: "coursehub.events",
		},
		Auth: AuthConfig{
			TokenTTL: Duration{15 * time.Minute},
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file named by
// COURSEHUB_CONFIG, and the environment, in increasing precedence. A .env file
// is read first outside production.
func Load() (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		// Missing .env is the normal case.
		_ = godotenv.Load()
	}

	cfg := Default()

	if path := os.Getenv(ConfigPathEnv); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if cfg.Auth.JWTSecret == "" && !cfg.IsProduction() {
		cfg.Auth.JWTSecret = generateDefaultSecret()
	}

	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.Server.Addr = getEnvOrDefault("SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.Env = getEnvOrDefault("APP_ENV", cfg.Server.Env)
	cfg.Server.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.Server.LogLevel)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = splitList(origins)
	}
	var err error
	cfg.Server.MaxUploadBytes, err = getEnvInt64("MAX_UPLOAD_BYTES", cfg.Server.MaxUploadBytes)
	collect(err)

	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnvOrDefault("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.URL = getEnvOrDefault("REDIS_URL", cfg.Redis.URL)

	cfg.Queue.Prefix = getEnvOrDefault("QUEUE_PREFIX", cfg.Queue.Prefix)
	cfg.Queue.MaxAttempts, err = getEnvInt("QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)
	collect(err)
	cfg.Queue.BackoffBase, err = getEnvDuration("QUEUE_BACKOFF_BASE", cfg.Queue.BackoffBase)
	collect(err)
	cfg.Queue.CompletedRetention, err = getEnvDuration("QUEUE_COMPLETED_RETENTION", cfg.Queue.CompletedRetention)
	collect(err)
	cfg.Queue.FailedRetention, err = getEnvDuration("QUEUE_FAILED_RETENTION", cfg.Queue.FailedRetention)
	collect(err)
	cfg.Queue.LockDuration, err = getEnvDuration("QUEUE_LOCK_DURATION", cfg.Queue.LockDuration)
	collect(err)
	cfg.Queue.JobTimeout, err = getEnvDuration("QUEUE_JOB_TIMEOUT", cfg.Queue.JobTimeout)
	collect(err)
	cfg.Queue.WorkerCount, err = getEnvInt("WORKER_COUNT", cfg.Queue.WorkerCount)
	collect(err)
	cfg.Queue.RunWorkers, err = getEnvBool("RUN_WORKERS", cfg.Queue.RunWorkers)
	collect(err)

	cfg.Provider.BaseURL = getEnvOrDefault("PROVIDER_BASE_URL", cfg.Provider.BaseURL)
	cfg.Provider.AccessToken = getEnvOrDefault("PROVIDER_ACCESS_TOKEN", cfg.Provider.AccessToken)
	cfg.Provider.PollInterval, err = getEnvDuration("PROVIDER_POLL_INTERVAL", cfg.Provider.PollInterval)
	collect(err)
	cfg.Provider.MaxWait, err = getEnvDuration("PROVIDER_MAX_WAIT", cfg.Provider.MaxWait)
	collect(err)
	cfg.Provider.RequestTimeout, err = getEnvDuration("PROVIDER_REQUEST_TIMEOUT", cfg.Provider.RequestTimeout)
	collect(err)
	cfg.Provider.LookupTimeout, err = getEnvDuration("STATUS_LOOKUP_TIMEOUT", cfg.Provider.LookupTimeout)
	collect(err)

	cfg.Storage.MinioEndpoint = getEnvOrDefault("MINIO_ENDPOINT", cfg.Storage.MinioEndpoint)
	cfg.Storage.MinioAccessKey = getEnvOrDefault("MINIO_ACCESS_KEY", cfg.Storage.MinioAccessKey)
	cfg.Storage.MinioSecretKey = getEnvOrDefault("MINIO_SECRET_KEY", cfg.Storage.MinioSecretKey)
	cfg.Storage.MinioUseSSL, err = getEnvBool("MINIO_USE_SSL", cfg.Storage.MinioUseSSL)
	collect(err)
	cfg.Storage.S3Endpoint = getEnvOrDefault("S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getEnvOrDefault("S3_REGION", cfg.Storage.S3Region)
	cfg.Storage.S3AccessKey = getEnvOrDefault("S3_ACCESS_KEY", cfg.Storage.S3AccessKey)
	cfg.Storage.S3SecretKey = getEnvOrDefault("S3_SECRET_KEY", cfg.Storage.S3SecretKey)
	cfg.Storage.S3UsePathStyle, err = getEnvBool("S3_USE_PATH_STYLE", cfg.Storage.S3UsePathStyle)
	collect(err)
	cfg.Storage.Bucket = getEnvOrDefault("STORAGE_BUCKET", cfg.Storage.Bucket)

	cfg.Notify.AMQPURL = getEnvOrDefault("AMQP_URL", cfg.Notify.AMQPURL)
	cfg.Notify.Exchange = getEnvOrDefault("AMQP_EXCHANGE", cfg.Notify.Exchange)

	cfg.Auth.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.TokenTTL, err = getEnvDuration("JWT_TOKEN_TTL", cfg.Auth.TokenTTL)
	collect(err)

	return errors.Join(errs...)
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// DatabaseDSN returns the lib/pq connection string.
func (c *Config) DatabaseDSN() string {
	d := c.Database
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProduction() && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if c.Provider.AccessToken == "" {
		errs = append(errs, errors.New("PROVIDER_ACCESS_TOKEN is required"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider base URL is required"))
	}
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue max attempts must be >= 1, got %d", c.Queue.MaxAttempts))
	}
	if c.Queue.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("worker count must be >= 1, got %d", c.Queue.WorkerCount))
	}
	if c.Queue.BackoffBase.Duration <= 0 {
		errs = append(errs, errors.New("queue backoff base must be positive"))
	}
	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"queue lock duration", c.Queue.LockDuration},
		{"queue completed retention", c.Queue.CompletedRetention},
		{"queue failed retention", c.Queue.FailedRetention},
		{"queue job timeout", c.Queue.JobTimeout},
	} {
		if d.value.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value.Duration))
		}
	}
	if c.Provider.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("provider poll interval must be positive"))
	}
	if c.Provider.MaxWait.Duration < c.Provider.PollInterval.Duration {
		errs = append(errs, errors.New("provider max wait must be at least one poll interval"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}

	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue Duration) (Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return Duration{d}, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func generateDefaultSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "dev-secret-change-in-production"
	}
	return hex.EncodeToString(bytes)
}
