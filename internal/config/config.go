package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mediacred/internal/bmffio"
	"mediacred/internal/logger"
	"mediacred/internal/models"

	"gopkg.in/yaml.v3"
)

// EnvConfig 配置文件路径的环境变量
const EnvConfig = "MEDIACRED_CONFIG"

var (
	// 默认配置
	DefaultHost = "0.0.0.0"
	DefaultPort = 8000
	DefaultRoot = "."
)

// Config 服务与命令行共用的配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig HTTP 服务
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig 资产目录
type StorageConfig struct {
	// Root API 中的 path 参数都相对该目录解析
	Root string `yaml:"root"`
	// Presentation 可选的 MPD 路径（相对 Root）
	Presentation string `yaml:"presentation"`
}

// EngineConfig 存储引擎
type EngineConfig struct {
	Layout           string `yaml:"layout"`
	StrictDuplicates bool   `yaml:"strict_duplicates"`
	Mmap             bool   `yaml:"mmap"`
}

// LogConfig 日志
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Storage: StorageConfig{
			Root: DefaultRoot,
		},
		Engine: EngineConfig{
			Layout: string(models.LayoutPlain),
			Mmap:   true,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load 按 path、MEDIACRED_CONFIG 的顺序查找配置文件；都没有时返回默认配置
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile 在默认配置之上合并 YAML 文件
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Storage.Root = os.ExpandEnv(cfg.Storage.Root)
	cfg.Log.File = os.ExpandEnv(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if filepath.IsAbs(c.Storage.Presentation) {
		errs = append(errs, errors.New("storage.presentation must be relative to storage.root"))
	}
	if _, err := models.ParseLayout(c.Engine.Layout); err != nil {
		errs = append(errs, fmt.Errorf("engine.layout: %w", err))
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		errs = append(errs, errors.New("log rotation limits must not be negative"))
	}

	return errors.Join(errs...)
}

// EngineOptions 引擎选项
func (c *Config) EngineOptions() []bmffio.Option {
	layout, err := models.ParseLayout(c.Engine.Layout)
	if err != nil {
		layout = models.LayoutPlain
	}
	return []bmffio.Option{
		bmffio.WithLayout(layout),
		bmffio.WithStrictDuplicates(c.Engine.StrictDuplicates),
		bmffio.WithMmap(c.Engine.Mmap),
	}
}

// LoggerOptions 日志选项
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// PresentationPath MPD 的绝对路径，未配置时为空
func (c *Config) PresentationPath() string {
	if c.Storage.Presentation == "" {
		return ""
	}
	return filepath.Join(c.Storage.Root, c.Storage.Presentation)
}
