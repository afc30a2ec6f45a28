package main

import (
	"fmt"
	"os"
	"time"

	"judged/internal/common/mq"
	"judged/internal/common/storage"
	"judged/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// RedisConfig holds status cache settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// TopicsConfig names the intake and result topics.
type TopicsConfig struct {
	Submissions string `yaml:"submissions"`
	Results     string `yaml:"results"`
}

// CheckerConfig holds script protocol settings.
type CheckerConfig struct {
	ScriptDir      string        `yaml:"scriptDir"`
	WorkRoot       string        `yaml:"workRoot"`
	CacheDir       string        `yaml:"cacheDir"`
	ChrootDir      string        `yaml:"chrootDir"`
	RunguardPath   string        `yaml:"runguardPath"`
	ScriptTimeout  time.Duration `yaml:"scriptTimeout"`
	OutputMaxBytes int64         `yaml:"outputMaxBytes"`
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queueCapacity"`
	MaxInFlight   int           `yaml:"maxInFlight"`
	AdmitTimeout  time.Duration `yaml:"admitTimeout"`
	StatusTimeout time.Duration `yaml:"statusTimeout"`
}

// AppConfig is the root worker configuration.
type AppConfig struct {
	Logger  logger.Config       `yaml:"logger"`
	Server  ServerConfig        `yaml:"server"`
	Kafka   mq.KafkaConfig      `yaml:"kafka"`
	Topics  TopicsConfig        `yaml:"topics"`
	Redis   RedisConfig         `yaml:"redis"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
	Checker CheckerConfig       `yaml:"checker"`
	Pool    PoolConfig          `yaml:"pool"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultHTTPAddr
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = defaultReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = defaultWriteTimeout
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = defaultIdleTimeout
	}
}

func (c *AppConfig) validate() error {
	if c.Topics.Submissions == "" {
		return fmt.Errorf("topics.submissions is required")
	}
	if c.Checker.ScriptDir == "" {
		return fmt.Errorf("checker.scriptDir is required")
	}
	if c.Checker.WorkRoot == "" {
		return fmt.Errorf("checker.workRoot is required")
	}
	return nil
}
