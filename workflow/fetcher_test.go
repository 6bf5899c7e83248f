package workflow

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(delay time.Duration, callTimeout time.Duration) *RetryingFetcher {
	config := DefaultEngineConfig()
	config.RetryDelay = delay
	config.CallTimeout = callTimeout
	return NewRetryingFetcher(config, nil, nil, nil)
}

func TestFetch_RetryBound(t *testing.T) {
	t.Run("前两次连接失败第三次成功", func(t *testing.T) {
		fetcher := newTestFetcher(time.Millisecond, time.Second)
		attempts := 0
		page, audit, err := Fetch(context.Background(), fetcher, OperationListByState, func(ctx context.Context) (*CasePage, error) {
			attempts++
			if attempts < 3 {
				return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
			}
			return &CasePage{Total: 9}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(9), page.Total)
		assert.Equal(t, 3, audit.Attempts)
		assert.Equal(t, FetchOutcomeSuccess, audit.Outcome)
		assert.Len(t, audit.AttemptErrors, 2)
	})

	t.Run("三次都失败返回ErrNetworkUnavailable", func(t *testing.T) {
		fetcher := newTestFetcher(time.Millisecond, time.Second)
		attempts := 0
		_, audit, err := Fetch(context.Background(), fetcher, OperationListByState, func(ctx context.Context) (*CasePage, error) {
			attempts++
			return nil, errors.Wrap(ErrRepositoryUnreachable, "connection refused")
		})
		require.ErrorIs(t, err, ErrNetworkUnavailable)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, audit.Attempts)
		assert.Equal(t, FetchOutcomeUnavailable, audit.Outcome)
	})
}

func TestFetch_FixedDelay(t *testing.T) {
	fetcher := newTestFetcher(30*time.Millisecond, time.Second)
	start := time.Now()
	_, audit, err := Fetch(context.Background(), fetcher, OperationGetStatistics, func(ctx context.Context) (map[CaseState]int64, error) {
		return nil, errors.Wrap(ErrRepositoryUnreachable, "no response")
	})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, 3, audit.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestFetch_NonRetryable(t *testing.T) {
	for _, kind := range []error{ErrValidationFailed, ErrNotFound, ErrConcurrentModification} {
		fetcher := newTestFetcher(time.Millisecond, time.Second)
		attempts := 0
		_, audit, err := Fetch(context.Background(), fetcher, OperationApplyTransition, func(ctx context.Context) (*ApplyTransitionResult, error) {
			attempts++
			return nil, errors.WithMessage(kind, "server said no")
		})
		require.ErrorIs(t, err, kind)
		assert.NotErrorIs(t, err, ErrNetworkUnavailable)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, FetchOutcomeRejected, audit.Outcome)
	}
}

// 单次请求超时按可重试的网络错误处理
func TestFetch_CallTimeout(t *testing.T) {
	fetcher := newTestFetcher(time.Millisecond, 10*time.Millisecond)
	attempts := 0
	_, audit, err := Fetch(context.Background(), fetcher, OperationGetCase, func(ctx context.Context) (*Case, error) {
		attempts++
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, FetchOutcomeUnavailable, audit.Outcome)
}

func TestFetch_CallerCanceled(t *testing.T) {
	fetcher := newTestFetcher(time.Millisecond, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, audit, err := Fetch(ctx, fetcher, OperationSearch, func(ctx context.Context) ([]*Case, error) {
		attempts++
		cancel()
		return nil, errors.Wrap(ErrRepositoryUnreachable, "connection reset")
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, FetchOutcomeCanceled, audit.Outcome)
}

func TestFetch_AuditHook(t *testing.T) {
	config := testEngineConfig()
	var audits []*FetchAudit
	fetcher := NewRetryingFetcher(config, nil, nil, func(audit *FetchAudit) {
		audits = append(audits, audit)
	})
	_, _, err := Fetch(context.Background(), fetcher, OperationGetTimeline, func(ctx context.Context) ([]*StateTransitionRecord, error) {
		return []*StateTransitionRecord{}, nil
	})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, OperationGetTimeline, audits[0].Operation)
	assert.Equal(t, 1, audits[0].Attempts)
	assert.Equal(t, FetchOutcomeSuccess, audits[0].Outcome)
}

func TestDefaultEngineConfig(t *testing.T) {
	config := DefaultEngineConfig()
	assert.Equal(t, 2, config.RetryMaxRetries)
	assert.Equal(t, 2*time.Second, config.RetryDelay)
	assert.Equal(t, 30*time.Second, config.CallTimeout)
	require.NoError(t, config.Validate())

	config.CallTimeout = 0
	require.ErrorIs(t, config.Validate(), ErrWorkflowConfigInvalid)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(errors.Wrap(ErrRepositoryUnreachable, "refused")))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(&net.OpError{Op: "read", Err: errors.New("reset")}))
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(errors.New("boom")))
	assert.False(t, IsRetryableError(errors.WithMessage(ErrValidationFailed, "bad")))
	assert.False(t, IsRetryableError(errors.WithMessage(ErrConcurrentModification, "stale")))
}
