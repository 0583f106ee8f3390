// Package config loads service and pipeline settings.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/jengzang/edna-backend-go/internal/artifact"
	"github.com/jengzang/edna-backend-go/internal/synthesis"
)

// Fit engine names
const (
	EngineReference = "reference"
	EngineExternal  = "external"
)

// Config 应用配置
type Config struct {
	Port      string          `yaml:"port"`
	DBPath    string          `yaml:"db_path"`
	JWTSecret string          `yaml:"jwt_secret"` // 为空时不启用鉴权
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Artifacts artifact.Config `yaml:"artifacts"`
	Fit       FitConfig       `yaml:"fit"`
	Residuals ResidualConfig  `yaml:"residuals"`
	// Synthesis 为合成任务的默认参数，任务参数按字段覆盖
	Synthesis synthesis.Config `yaml:"synthesis"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json 或 console
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// FitConfig 拟合引擎配置
type FitConfig struct {
	Engine        string `yaml:"engine"`  // reference 或 external
	Command       string `yaml:"command"` // external 引擎命令，如 "Rscript fit.R"
	MaxIter       int    `yaml:"max_iter"`
	Rounds        int    `yaml:"rounds"`
	VariogramBins int    `yaml:"variogram_bins"`
}

// ResidualConfig 残差诊断配置
type ResidualConfig struct {
	Parallelism int `yaml:"parallelism"`
	MaxDraws    int `yaml:"max_draws"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Port:   ":8080",
		DBPath: "./data/edna/edna.db",
		Log:    LogConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{
			Requests:      120,
			WindowSeconds: 60,
		},
		Artifacts: artifact.Config{
			Driver: string(artifact.DriverFilesystem),
			FSRoot: "./data/edna/artifacts",
		},
		Fit:       FitConfig{Engine: EngineReference},
		Residuals: ResidualConfig{MaxDraws: 5000},
		Synthesis: synthesis.DefaultConfig(),
	}
}

// Load 加载配置：默认值，然后可选的 YAML 文件，最后是环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖
func (c *Config) applyEnvOverrides() error {
	set := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set("PORT", &c.Port)
	set("DB_PATH", &c.DBPath)
	set("JWT_SECRET", &c.JWTSecret)
	set("LOG_LEVEL", &c.Log.Level)
	set("LOG_FORMAT", &c.Log.Format)
	set("ARTIFACT_DRIVER", &c.Artifacts.Driver)
	set("ARTIFACT_FS_ROOT", &c.Artifacts.FSRoot)
	set("ARTIFACT_S3_BUCKET", &c.Artifacts.S3.Bucket)
	set("ARTIFACT_S3_REGION", &c.Artifacts.S3.Region)
	set("ARTIFACT_S3_ENDPOINT", &c.Artifacts.S3.Endpoint)
	set("FIT_ENGINE", &c.Fit.Engine)
	set("FIT_COMMAND", &c.Fit.Command)

	if v := os.Getenv("RESIDUAL_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RESIDUAL_PARALLELISM: %w", err)
		}
		c.Residuals.Parallelism = n
	}
	// 兼容 "8080" 写法
	if c.Port != "" && c.Port[0] != ':' {
		if _, err := strconv.Atoi(c.Port); err == nil {
			c.Port = ":" + c.Port
		}
	}
	return nil
}

// Validate 检查配置
func (c *Config) Validate() error {
	switch c.Fit.Engine {
	case EngineReference:
	case EngineExternal:
		if c.Fit.Command == "" {
			return fmt.Errorf("fit engine %q requires a command (FIT_COMMAND)", EngineExternal)
		}
	default:
		return fmt.Errorf("unknown fit engine %q", c.Fit.Engine)
	}
	switch artifact.Driver(c.Artifacts.Driver) {
	case "", artifact.DriverFilesystem, artifact.DriverMemory:
	case artifact.DriverS3:
		if c.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("artifact driver s3 requires a bucket (ARTIFACT_S3_BUCKET)")
		}
	default:
		return fmt.Errorf("unknown artifact driver %q", c.Artifacts.Driver)
	}
	if c.Residuals.Parallelism < 0 {
		return fmt.Errorf("residual parallelism must be non-negative, got %d", c.Residuals.Parallelism)
	}
	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis defaults: %w", err)
	}
	return nil
}
