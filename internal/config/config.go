package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blingmoon/case-workflow/caseapi"
	"github.com/blingmoon/case-workflow/workflow"
)

const envPrefix = "CASEFLOW"

type Config struct {
	Server   caseapi.ServerConfig  `mapstructure:"server"`
	Database DatabaseConfig        `mapstructure:"database"`
	Redis    RedisConfig           `mapstructure:"redis"`
	Remote   RemoteConfig          `mapstructure:"remote"`
	Engine   workflow.EngineConfig `mapstructure:"engine"`
	Logger   LoggerConfig          `mapstructure:"logger"`
}

type DatabaseConfig struct {
	Path         string `mapstructure:"path" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

// RedisConfig 开启后案件转换锁使用redis, 多个进程共享
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// RemoteConfig caseflow命令行访问的仓库服务
type RemoteConfig struct {
	BaseURL   string `mapstructure:"base_url" validate:"required,url"`
	AuthToken string `mapstructure:"auth_token"`
	Actor     string `mapstructure:"actor"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// Load configPath为空时只使用默认值和环境变量
// 环境变量 CASEFLOW_SERVER_ADDR 覆盖 server.addr, 以此类推
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WithMessagef(err, "read config file %s failed", configPath)
		}
	}
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshal config failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	server := caseapi.DefaultServerConfig()
	v.SetDefault("server.addr", server.Addr)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", server.ReadTimeout)
	v.SetDefault("server.write_timeout", server.WriteTimeout)

	v.SetDefault("database.path", "data/cases.db")
	v.SetDefault("database.max_open_conns", 1)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("remote.base_url", "http://127.0.0.1:8080")
	v.SetDefault("remote.auth_token", "")
	v.SetDefault("remote.actor", "")

	engine := workflow.DefaultEngineConfig()
	v.SetDefault("engine.retry_max_retries", engine.RetryMaxRetries)
	v.SetDefault("engine.retry_delay", engine.RetryDelay)
	v.SetDefault("engine.call_timeout", engine.CallTimeout)
	v.SetDefault("engine.in_flight_lock_ttl", engine.InFlightLockTTL)
	v.SetDefault("engine.default_page_limit", engine.DefaultPageLimit)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars 不带前缀的常用变量
func bindEnvVars(v *viper.Viper) error {
	if err := v.BindEnv("server.auth_token", envPrefix+"_SERVER_AUTH_TOKEN", envPrefix+"_AUTH_TOKEN"); err != nil {
		return errors.WithMessage(err, "bind auth token env failed")
	}
	if err := v.BindEnv("redis.password", envPrefix+"_REDIS_PASSWORD", "REDIS_PASSWORD"); err != nil {
		return errors.WithMessage(err, "bind redis password env failed")
	}
	return nil
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return errors.WithMessage(err, "config check failed")
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return errors.New("server timeouts must not be negative")
	}
	return nil
}

// NewLogger json格式使用production配置, console使用development配置
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse logger level %s failed", cfg.Level)
	}
	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, errors.WithMessage(err, "build logger failed")
	}
	return logger, nil
}
