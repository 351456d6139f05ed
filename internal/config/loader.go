package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rpattn/pricing/internal/db"
	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Database  db.Config
	Server    ServerConfig
	Ingestion IngestionConfig
}

type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

type IngestionConfig struct {
	BatchSize      int
	ErrorBatchSize int
	JobTimeout     time.Duration
	MaxUploadBytes int64
	ReferenceCache bool
	SpoolDir       string
}

// Load reads config.yaml from configPath, if present, and applies PRICING_*
// environment overrides on top of the defaults. PRICING_DATABASE_HOST sets
// database.host and so on.
func Load(configPath string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if strings.TrimSpace(configPath) != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("PRICING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		logger.Info("no config.yaml found, using defaults and env vars", "path", configPath)
	} else {
		logger.Info("loaded config", "file", v.ConfigFileUsed())
	}

	cfg := Config{
		Database: db.Config{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
			MaxConns: v.GetInt32("database.max_conns"),
			MinConns: v.GetInt32("database.min_conns"),
		},
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			AllowedOrigins: splitList(v.GetStringSlice("server.allowed_origins")),
		},
		Ingestion: IngestionConfig{
			BatchSize:      v.GetInt("ingestion.batch_size"),
			ErrorBatchSize: v.GetInt("ingestion.error_batch_size"),
			JobTimeout:     v.GetDuration("ingestion.job_timeout"),
			MaxUploadBytes: v.GetInt64("ingestion.max_upload_bytes"),
			ReferenceCache: v.GetBool("ingestion.reference_cache"),
			SpoolDir:       v.GetString("ingestion.spool_dir"),
		},
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.max_conns", dbDefaults.MaxConns)
	v.SetDefault("database.min_conns", dbDefaults.MinConns)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("ingestion.batch_size", 500)
	v.SetDefault("ingestion.error_batch_size", 500)
	v.SetDefault("ingestion.job_timeout", 30*time.Minute)
	v.SetDefault("ingestion.max_upload_bytes", int64(100<<20))
	v.SetDefault("ingestion.reference_cache", true)
	v.SetDefault("ingestion.spool_dir", "")
}

func (c Config) validate() error {
	switch {
	case c.Ingestion.BatchSize <= 0:
		return fmt.Errorf("ingestion.batch_size must be positive, got %d", c.Ingestion.BatchSize)
	case c.Ingestion.ErrorBatchSize <= 0:
		return fmt.Errorf("ingestion.error_batch_size must be positive, got %d", c.Ingestion.ErrorBatchSize)
	case c.Ingestion.MaxUploadBytes <= 0:
		return fmt.Errorf("ingestion.max_upload_bytes must be positive, got %d", c.Ingestion.MaxUploadBytes)
	case c.Database.Port <= 0:
		return fmt.Errorf("database.port must be positive, got %d", c.Database.Port)
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
