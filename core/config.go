package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// encryptedPrefix 配置中加密密钥的前缀，如 "enc:BASE64..."
const encryptedPrefix = "enc:"

// Config 服务配置：YAML 文件 + 环境变量覆盖
type Config struct {
	Port     int            `yaml:"port"`
	Database string         `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Admin    AdminConfig    `yaml:"admin"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Limit    LimitConfig    `yaml:"rate_limit"`
	Audit    AuditConfig    `yaml:"audit"`

	// SecretKey 仅从环境变量读取，不写入配置文件
	SecretKey string `yaml:"-"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`        // 为空则输出到 stdout
	MaxSizeMB int    `yaml:"max_size_mb"` // 轮转阈值
}

// AdminConfig 管理接口
type AdminConfig struct {
	Token string `yaml:"token"`
}

// UpstreamConfig 透传代理的上游，URL 为空时不启用代理模式
type UpstreamConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LimitConfig 每个 IP 的限流参数，只作用于代理与 schema 接口，回调接口不限流
type LimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AuditConfig 审计日志
type AuditConfig struct {
	Enabled   bool `yaml:"enabled"`
	Retention int  `yaml:"retention"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Port:     8000,
		Database: "toolfix.db",
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 50,
		},
		Upstream: UpstreamConfig{
			TimeoutSeconds: 120,
		},
		// 回调由宿主框架逐请求调用，默认不限流
		Limit: LimitConfig{
			RPS:   0,
			Burst: 20,
		},
		Audit: AuditConfig{
			Enabled:   true,
			Retention: 100,
		},
	}
}

// LoadConfig 读取配置文件（path 为空则只用默认值），再应用环境变量覆盖
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		// 空文件等同于全部使用默认值
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TOOLFIX_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TOOLFIX_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("TOOLFIX_DB"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("TOOLFIX_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TOOLFIX_LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv("TOOLFIX_ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("TOOLFIX_UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("TOOLFIX_UPSTREAM_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	c.SecretKey = os.Getenv("TOOLFIX_SECRET_KEY")
	return nil
}

// Validate 基本合法性检查
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Upstream.URL != "" && c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be positive")
	}
	if c.Limit.RPS < 0 || c.Limit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Limit.RPS > 0 && c.Limit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1 when rps is set")
	}
	return nil
}

// ProxyEnabled 是否启用透传代理
func (c *Config) ProxyEnabled() bool {
	return strings.TrimSpace(c.Upstream.URL) != ""
}

// ResolveUpstreamKey 解密 "enc:" 前缀的上游密钥，明文直接返回
func (c *Config) ResolveUpstreamKey(sp SecretProvider) (string, error) {
	key := c.Upstream.APIKey
	if !strings.HasPrefix(key, encryptedPrefix) {
		return key, nil
	}
	plain, err := sp.Decrypt(strings.TrimPrefix(key, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("decrypt upstream api key: %w", err)
	}
	return plain, nil
}
