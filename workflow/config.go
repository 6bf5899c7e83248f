package workflow

import (
	"time"

	"github.com/pkg/errors"
)

// EngineConfig 引擎参数, mapstructure 标签给 viper 使用
type EngineConfig struct {
	// 可重试错误额外的重试次数, 总共请求 RetryMaxRetries+1 次
	RetryMaxRetries int `mapstructure:"retry_max_retries" validate:"gte=0"`
	// 两次请求之间固定的等待时间
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	// 单次仓库请求的超时时间, 超时当作可重试的网络错误
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	// 案件转换锁最长持有时间, 需要大于一次提交最坏的耗时
	InFlightLockTTL time.Duration `mapstructure:"in_flight_lock_ttl" validate:"gt=0"`
	// 桶的默认分页大小
	DefaultPageLimit int `mapstructure:"default_page_limit" validate:"gt=0"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RetryMaxRetries:  2,
		RetryDelay:       2 * time.Second,
		CallTimeout:      30 * time.Second,
		InFlightLockTTL:  5 * time.Minute,
		DefaultPageLimit: 20,
	}
}

func (c EngineConfig) Validate() error {
	if err := validatorUtil.Struct(c); err != nil {
		return errors.Wrapf(ErrWorkflowConfigInvalid, "engine config invalid, err: %v", err)
	}
	return nil
}
