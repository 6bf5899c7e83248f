package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type FetchOutcome = string

const (
	FetchOutcomeSuccess FetchOutcome = "success"
	// 不可重试的错误, 直接返回
	FetchOutcomeRejected FetchOutcome = "rejected"
	// 重试耗尽
	FetchOutcomeUnavailable FetchOutcome = "unavailable"
	// 调用方的context结束了
	FetchOutcomeCanceled FetchOutcome = "canceled"
)

// 仓库操作名, 用于审计和指标
const (
	OperationListByState     = "list_by_state"
	OperationGetStatistics   = "get_statistics"
	OperationGetCase         = "get_case"
	OperationGetTimeline     = "get_timeline"
	OperationApplyTransition = "apply_transition"
	OperationSearch          = "search"
)

// FetchAudit 一次 Fetch 的审计信息
type FetchAudit struct {
	Operation string
	Attempts  int
	Outcome   FetchOutcome
	Duration  time.Duration
	// 每次失败请求的错误, 成功的请求不记录
	AttemptErrors []error
	Err           error
}

// RetryingFetcher 给仓库请求加上有界重试和错误分类
// 可重试错误(连接拒绝、超时、没有响应)最多额外重试 maxRetries 次, 每次间隔固定的 retryDelay,
// 重试耗尽返回 ErrNetworkUnavailable; 不可重试错误直接返回
type RetryingFetcher struct {
	maxRetries  int
	retryDelay  time.Duration
	callTimeout time.Duration
	logger      *zap.Logger
	metrics     *Metrics
	auditHook   func(*FetchAudit)
}

func NewRetryingFetcher(config EngineConfig, logger *zap.Logger, metrics *Metrics, auditHook func(*FetchAudit)) *RetryingFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultEngineConfig()
	if config.RetryMaxRetries < 0 {
		config.RetryMaxRetries = 0
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	return &RetryingFetcher{
		maxRetries:  config.RetryMaxRetries,
		retryDelay:  config.RetryDelay,
		callTimeout: config.CallTimeout,
		logger:      logger,
		metrics:     metrics,
		auditHook:   auditHook,
	}
}

// Fetch 执行一次带重试的仓库请求
// 每次请求都有独立的 callTimeout, 超时按可重试的网络错误处理
func Fetch[T any](ctx context.Context, f *RetryingFetcher, operation string, call func(ctx context.Context) (T, error)) (T, *FetchAudit, error) {
	audit := &FetchAudit{Operation: operation}
	start := time.Now()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.retryDelay), uint64(f.maxRetries)),
		ctx,
	)
	result, err := backoff.RetryNotifyWithData(func() (T, error) {
		audit.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
		defer cancel()
		ret, err := call(callCtx)
		if err == nil {
			return ret, nil
		}
		audit.AttemptErrors = append(audit.AttemptErrors, err)
		if ctx.Err() != nil || !IsRetryableError(err) {
			return ret, backoff.Permanent(err)
		}
		return ret, err
	}, policy, func(err error, wait time.Duration) {
		f.logger.Warn("repository call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", audit.Attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	audit.Duration = time.Since(start)

	switch {
	case err == nil:
		audit.Outcome = FetchOutcomeSuccess
	case ctx.Err() != nil:
		audit.Outcome = FetchOutcomeCanceled
		err = errors.WithMessagef(err, "%s canceled after %d attempts", operation, audit.Attempts)
	case IsRetryableError(err):
		audit.Outcome = FetchOutcomeUnavailable
		err = errors.WithMessagef(ErrNetworkUnavailable, "%s failed after %d attempts, last err: %v", operation, audit.Attempts, err)
	default:
		audit.Outcome = FetchOutcomeRejected
		err = errors.WithMessagef(err, "%s rejected after %d attempts", operation, audit.Attempts)
	}
	audit.Err = err

	f.finish(audit)
	return result, audit, err
}

func (f *RetryingFetcher) finish(audit *FetchAudit) {
	f.metrics.observeFetch(audit)
	if audit.Outcome == FetchOutcomeUnavailable {
		f.logger.Warn("repository unavailable, retries exhausted",
			zap.String("operation", audit.Operation),
			zap.Int("attempts", audit.Attempts),
			zap.Duration("duration", audit.Duration),
			zap.Error(audit.Err))
	} else {
		f.logger.Debug("repository call finished",
			zap.String("operation", audit.Operation),
			zap.Int("attempts", audit.Attempts),
			zap.String("outcome", audit.Outcome),
			zap.Duration("duration", audit.Duration))
	}
	if f.auditHook != nil {
		f.auditHook(audit)
	}
}
