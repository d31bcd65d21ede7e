package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/yourorg/nessus-analyzer/internal/archetype"
)

type Config struct {
	DatabaseURL       string
	S3Endpoint        string
	S3AccessKey       string
	S3SecretKey       string
	S3UseSSL          bool
	S3Region          string
	UploadsBucket     string
	ResultsBucket     string
	ScratchDir        string
	WorkerConcurrency int
	HTTPAddr          string
	RulesPath         string
	RulesProfile      string
	LogLevel          string
	StaleAfter        time.Duration
	EncodeMatrix      bool
}

func getBool(key, def string) bool {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load reads the worker configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:          getBool("S3_USE_SSL", "false"),
		S3Region:          os.Getenv("S3_REGION"),
		UploadsBucket:     os.Getenv("UPLOADS_BUCKET"),
		ResultsBucket:     os.Getenv("RESULTS_BUCKET"),
		ScratchDir:        getString("SCRATCH_DIR", "/scratch"),
		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 2),
		HTTPAddr:          os.Getenv("HTTP_ADDR"),
		RulesPath:         os.Getenv("ARCHETYPE_RULES"),
		RulesProfile:      getString("ARCHETYPE_PROFILE", "standard"),
		LogLevel:          getString("LOG_LEVEL", "info"),
		StaleAfter:        getDuration("STALE_AFTER", 10*time.Minute),
		EncodeMatrix:      getBool("ENCODE_MATRIX", "false"),
	}
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}
	if cfg.UploadsBucket == "" || cfg.ResultsBucket == "" {
		return cfg, errors.New("UPLOADS_BUCKET and RESULTS_BUCKET are required")
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	return cfg, nil
}

// Rules loads the archetype rules file when one is configured and falls back
// to the named built-in profile otherwise.
func (c Config) Rules() (*archetype.Ruleset, error) {
	if c.RulesPath != "" {
		return archetype.Load(c.RulesPath)
	}
	return archetype.Profile(c.RulesProfile)
}
