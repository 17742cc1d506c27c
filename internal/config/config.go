package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Vault     VaultConfig     `yaml:"vault"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// ExecutorConfig controls how crews are run.
type ExecutorConfig struct {
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	MaxConcurrent     int64         `yaml:"max_concurrent"`
	Parallel          bool          `yaml:"parallel"`
	CapabilitySubject string        `yaml:"capability_subject"`
	ControlSubject    string        `yaml:"control_subject"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/scriptcrew.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Executor: ExecutorConfig{
			TaskTimeout:       15 * time.Minute,
			MaxConcurrent:     4,
			CapabilitySubject: "agent.run",
			ControlSubject:    "scriptcrew.control",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SCRIPTCREW_CONFIG")
	if path == "" {
		path = "config/scriptcrew.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Executor.MaxConcurrent < 1 {
		return fmt.Errorf("executor.max_concurrent must be at least 1")
	}
	if c.Executor.TaskTimeout <= 0 {
		return fmt.Errorf("executor.task_timeout must be positive")
	}
	if c.Executor.CapabilitySubject == "" || c.Executor.ControlSubject == "" {
		return fmt.Errorf("executor subjects must not be empty")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SCRIPTCREW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SCRIPTCREW_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SCRIPTCREW_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SCRIPTCREW_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("SCRIPTCREW_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("SCRIPTCREW_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
			cfg.Metrics.Enabled = true
		}
	}
	if v := os.Getenv("SCRIPTCREW_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Executor.TaskTimeout = d
		}
	}
}
