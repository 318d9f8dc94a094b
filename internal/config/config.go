package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 MOCKTAIL_LOG_LEVEL 覆盖 log.level
const EnvPrefix = "MOCKTAIL"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version" mapstructure:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn" mapstructure:"dsn"`
		Prefix string `yaml:"prefix" mapstructure:"prefix"`
	} `yaml:"sqlite" mapstructure:"sqlite"`

	Log struct {
		Level  string   `yaml:"level" mapstructure:"level"`
		Writer []string `yaml:"writer" mapstructure:"writer"`
		File   string   `yaml:"file" mapstructure:"file"`
	} `yaml:"log" mapstructure:"log"`

	Intercept struct {
		Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
		RulesFile    string `yaml:"rules_file" mapstructure:"rules_file"`
		ReportQueue  int    `yaml:"report_queue" mapstructure:"report_queue"`
		PreviewLimit int    `yaml:"preview_limit" mapstructure:"preview_limit"`
		MaxBodyBytes int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
		// SyncIntervalMS 轮询数据库以接收其他进程设置变更的间隔
		SyncIntervalMS int `yaml:"sync_interval_ms" mapstructure:"sync_interval_ms"`
	} `yaml:"intercept" mapstructure:"intercept"`

	CDP struct {
		DevToolsURL      string `yaml:"devtools_url" mapstructure:"devtools_url"`
		Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
		ProcessTimeoutMS int    `yaml:"process_timeout_ms" mapstructure:"process_timeout_ms"`
	} `yaml:"cdp" mapstructure:"cdp"`

	Proxy struct {
		Listen   string `yaml:"listen" mapstructure:"listen"`
		Upstream string `yaml:"upstream" mapstructure:"upstream"`
	} `yaml:"proxy" mapstructure:"proxy"`

	Metrics struct {
		Listen string `yaml:"listen" mapstructure:"listen"`
	} `yaml:"metrics" mapstructure:"metrics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "mocktail.sqlite3"
	c.Sqlite.Prefix = "mocktail_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Log.File = "logs/mocktail.log"
	c.Intercept.Enabled = true
	c.Intercept.ReportQueue = 256
	c.Intercept.PreviewLimit = 500
	c.Intercept.MaxBodyBytes = 10 << 20
	c.Intercept.SyncIntervalMS = 1000
	c.CDP.DevToolsURL = "http://127.0.0.1:9222"
	c.CDP.Concurrency = 8
	c.CDP.ProcessTimeoutMS = 3000
	c.Proxy.Listen = "127.0.0.1:8080"
	c.Metrics.Listen = ""
	return c
}

// Load 读取配置：默认值 < 配置文件 < MOCKTAIL_* 环境变量。path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith 在给定的 viper 实例上读取配置，已绑定且被设置的命令行参数优先级最高
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v, NewConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("sqlite.dsn", d.Sqlite.Dsn)
	v.SetDefault("sqlite.prefix", d.Sqlite.Prefix)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.writer", d.Log.Writer)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("intercept.enabled", d.Intercept.Enabled)
	v.SetDefault("intercept.rules_file", d.Intercept.RulesFile)
	v.SetDefault("intercept.report_queue", d.Intercept.ReportQueue)
	v.SetDefault("intercept.preview_limit", d.Intercept.PreviewLimit)
	v.SetDefault("intercept.max_body_bytes", d.Intercept.MaxBodyBytes)
	v.SetDefault("intercept.sync_interval_ms", d.Intercept.SyncIntervalMS)
	v.SetDefault("cdp.devtools_url", d.CDP.DevToolsURL)
	v.SetDefault("cdp.concurrency", d.CDP.Concurrency)
	v.SetDefault("cdp.process_timeout_ms", d.CDP.ProcessTimeoutMS)
	v.SetDefault("proxy.listen", d.Proxy.Listen)
	v.SetDefault("proxy.upstream", d.Proxy.Upstream)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	for _, w := range c.Log.Writer {
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "console", "stdout", "file":
		default:
			return fmt.Errorf("invalid log.writer: %s (must be console, stdout, or file)", w)
		}
	}
	if c.Sqlite.Dsn == "" {
		return fmt.Errorf("sqlite.dsn is required")
	}
	if c.Intercept.ReportQueue < 0 {
		return fmt.Errorf("invalid intercept.report_queue: %d", c.Intercept.ReportQueue)
	}
	if c.Intercept.PreviewLimit < 0 {
		return fmt.Errorf("invalid intercept.preview_limit: %d", c.Intercept.PreviewLimit)
	}
	if c.Intercept.MaxBodyBytes < 0 {
		return fmt.Errorf("invalid intercept.max_body_bytes: %d", c.Intercept.MaxBodyBytes)
	}
	if c.Intercept.SyncIntervalMS < 0 {
		return fmt.Errorf("invalid intercept.sync_interval_ms: %d", c.Intercept.SyncIntervalMS)
	}
	if c.CDP.Concurrency < 0 {
		return fmt.Errorf("invalid cdp.concurrency: %d", c.CDP.Concurrency)
	}
	return nil
}
