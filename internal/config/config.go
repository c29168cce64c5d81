package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"Server"`
	Log       LogConfig       `mapstructure:"Log"`
	Database  DatabaseConfig  `mapstructure:"Database"`
	Storage   StorageConfig   `mapstructure:"Storage"`
	S3        S3Config        `mapstructure:"S3"`
	Upload    UploadConfig    `mapstructure:"Upload"`
	Queue     QueueConfig     `mapstructure:"Queue"`
	Auth      AuthConfig      `mapstructure:"Auth"`
	Preview   PreviewConfig   `mapstructure:"Preview"`
	Quota     QuotaConfig     `mapstructure:"Quota"`
	Reconcile ReconcileConfig `mapstructure:"Reconcile"`
	Cache     CacheConfig     `mapstructure:"Cache"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"Port"`
	GRPCPort        string        `mapstructure:"GRPCPort"`
	BaseURL         string        `mapstructure:"BaseURL"`
	Debug           bool          `mapstructure:"Debug"`
	RequestTimeout  time.Duration `mapstructure:"RequestTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"ShutdownTimeout"`
	AllowedOrigins  []string      `mapstructure:"AllowedOrigins"`
}

type LogConfig struct {
	Level  string `mapstructure:"Level"`
	Format string `mapstructure:"Format"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"Driver"`
	Host         string `mapstructure:"Host"`
	Port         string `mapstructure:"Port"`
	User         string `mapstructure:"User"`
	Password     string `mapstructure:"Password"`
	Name         string `mapstructure:"Name"`
	SSLMode      string `mapstructure:"SSLMode"`
	Path         string `mapstructure:"Path"`
	MaxOpenConns int    `mapstructure:"MaxOpenConns"`
}

type StorageConfig struct {
	Driver    string `mapstructure:"Driver"`
	Root      string `mapstructure:"Root"`
	PublicURL string `mapstructure:"PublicURL"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"Endpoint"`
	Region          string `mapstructure:"Region"`
	Bucket          string `mapstructure:"Bucket"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
	PublicURL       string `mapstructure:"PublicURL"`
	UsePathStyle    bool   `mapstructure:"UsePathStyle"`
}

type UploadConfig struct {
	AllowedMIMETypes []string `mapstructure:"AllowedMIMETypes"`
	MaxSizeKB        int64    `mapstructure:"MaxSizeKB"`
	Background       bool     `mapstructure:"Background"`
	Naming           string   `mapstructure:"Naming"`
	VerifyPDF        bool     `mapstructure:"VerifyPDF"`
}

// MaxSizeBytes: единственный лимит размера для HTTP-слоя и сервиса.
func (c UploadConfig) MaxSizeBytes() int64 {
	return c.MaxSizeKB * 1024
}

type QueueConfig struct {
	Workers         int             `mapstructure:"Workers"`
	MaxAttempts     int             `mapstructure:"MaxAttempts"`
	Backoff         []time.Duration `mapstructure:"Backoff"`
	Visibility      time.Duration   `mapstructure:"Visibility"`
	PollInterval    time.Duration   `mapstructure:"PollInterval"`
	Retention       time.Duration   `mapstructure:"Retention"`
	CleanupSchedule string          `mapstructure:"CleanupSchedule"`
}

type AuthConfig struct {
	JWKSURL string        `mapstructure:"JWKSURL"`
	Issuer  string        `mapstructure:"Issuer"`
	Leeway  time.Duration `mapstructure:"Leeway"`
}

type PreviewConfig struct {
	Enabled bool `mapstructure:"Enabled"`
	MaxSize int  `mapstructure:"MaxSize"`
	Quality int  `mapstructure:"Quality"`
}

type QuotaConfig struct {
	DefaultLimitBytes int64 `mapstructure:"DefaultLimitBytes"`
}

type ReconcileConfig struct {
	Schedule      string        `mapstructure:"Schedule"`
	GracePeriod   time.Duration `mapstructure:"GracePeriod"`
	DeleteOrphans bool          `mapstructure:"DeleteOrphans"`
	OnStartup     bool          `mapstructure:"OnStartup"`
}

type CacheConfig struct {
	Size int           `mapstructure:"Size"`
	TTL  time.Duration `mapstructure:"TTL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Server.Port", "2525")
	v.SetDefault("Server.GRPCPort", "50051")
	v.SetDefault("Server.BaseURL", "")
	v.SetDefault("Server.Debug", false)
	v.SetDefault("Server.RequestTimeout", 5*time.Minute)
	v.SetDefault("Server.ShutdownTimeout", 30*time.Second)
	v.SetDefault("Server.AllowedOrigins", []string{"*"})

	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.Format", "text")

	v.SetDefault("Database.Driver", "postgres")
	v.SetDefault("Database.Port", "5432")
	v.SetDefault("Database.SSLMode", "disable")
	v.SetDefault("Database.Path", "libhub.db")
	v.SetDefault("Database.MaxOpenConns", 25)

	v.SetDefault("Storage.Driver", "local")
	v.SetDefault("Storage.Root", "./storage")
	v.SetDefault("Storage.PublicURL", "/storage")

	v.SetDefault("S3.Region", "us-east-1")

	v.SetDefault("Upload.AllowedMIMETypes", []string{"application/pdf"})
	v.SetDefault("Upload.MaxSizeKB", 10240)
	v.SetDefault("Upload.Background", false)
	v.SetDefault("Upload.Naming", "original")
	v.SetDefault("Upload.VerifyPDF", true)

	v.SetDefault("Queue.Workers", 2)
	v.SetDefault("Queue.MaxAttempts", 3)
	v.SetDefault("Queue.Backoff", []time.Duration{5 * time.Second, 30 * time.Second, 2 * time.Minute})
	v.SetDefault("Queue.Visibility", 5*time.Minute)
	v.SetDefault("Queue.PollInterval", time.Second)
	v.SetDefault("Queue.Retention", 7*24*time.Hour)
	v.SetDefault("Queue.CleanupSchedule", "0 15 * * * *")

	v.SetDefault("Auth.Leeway", 30*time.Second)

	v.SetDefault("Preview.Enabled", false)
	v.SetDefault("Preview.MaxSize", 1024)
	v.SetDefault("Preview.Quality", 85)

	v.SetDefault("Quota.DefaultLimitBytes", int64(5368709120)) // 5GB

	v.SetDefault("Reconcile.Schedule", "0 30 3 * * *")
	v.SetDefault("Reconcile.GracePeriod", time.Hour)
	v.SetDefault("Reconcile.DeleteOrphans", false)
	v.SetDefault("Reconcile.OnStartup", false)

	v.SetDefault("Cache.Size", 1024)
	v.SetDefault("Cache.TTL", 5*time.Minute)
}

// NewConfig читает конфигурацию из файла (если он есть) и переменных окружения
// LIBHUB_SECTION_KEY, например LIBHUB_DATABASE_HOST.
func NewConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LIBHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("cannot read config from %s: %w", path, err)
			}
		}
	}

	// AutomaticEnv не видит ключи без значения в файле или defaults
	for _, key := range []string{
		"Database.Host", "Database.User", "Database.Password", "Database.Name",
		"S3.Endpoint", "S3.Bucket", "S3.AccessKeyID", "S3.SecretAccessKey", "S3.PublicURL", "S3.UsePathStyle",
		"Auth.JWKSURL", "Auth.Issuer",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate проверяет, что все необходимые поля заполнены.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
			return fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
				c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name)
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Storage.Driver {
	case "local":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage root is required for local driver")
		}
	case "s3":
		if c.S3.AccessKeyID == "" || c.S3.SecretAccessKey == "" || c.S3.Bucket == "" {
			return fmt.Errorf("missing required S3 configuration: AccessKeyID, SecretAccessKey and Bucket are required")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	if c.Upload.MaxSizeKB <= 0 {
		return fmt.Errorf("upload max size must be positive, got %d KB", c.Upload.MaxSizeKB)
	}
	if len(c.Upload.AllowedMIMETypes) == 0 {
		return fmt.Errorf("at least one allowed MIME type is required")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be positive, got %d", c.Queue.MaxAttempts)
	}

	return nil
}

// GetDSN возвращает строку подключения для lib/pq.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// MigrateURL возвращает URL базы данных в формате golang-migrate.
func (c *DatabaseConfig) MigrateURL() string {
	if c.Driver == "sqlite" {
		return "sqlite://" + c.Path
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}
