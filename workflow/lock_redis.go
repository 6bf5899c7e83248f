package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
)

// NewRedisWorkflowLock 多个进程共用一个redis时, 同一个案件在所有进程中只能有一个转换
func NewRedisWorkflowLock(redisClient redis.Cmdable, logger *zap.Logger) WorkflowLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisWorkflowLock{redisClient: redisClient, logger: logger}
}

type redisWorkflowLock struct {
	redisClient redis.Cmdable
	logger      *zap.Logger
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := d.getRandomValue()

	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
	if err != nil {
		// redis本身出错不是锁冲突, 不能包装成LockFailedError
		return errors.WithMessagef(err, "[redisWorkflowLock.NonBlockingSynchronized] key %s setnx failed", key)
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisWorkflowLock.NonBlockingSynchronized] key %s has been locked", key)
	}

	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer d.releaseKey(key, value)
	return f(withKeyCtx)
}

func (d *redisWorkflowLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

func (d *redisWorkflowLock) releaseKey(key string, value string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	reply, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Int64()
	if err != nil {
		d.logger.Warn("[redisWorkflowLock.releaseKey] release key failed", zap.String("key", key), zap.Error(err))
		return
	}
	if reply != 1 {
		// 锁已经过期或者被别人持有
		d.logger.Warn("[redisWorkflowLock.releaseKey] key not released", zap.String("key", key), zap.Int64("reply", reply))
	}
}
