package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalWorkflowLock 单进程内的锁
func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{
		locks: make(map[string]*localLockInfo),
	}
}

type localWorkflowLock struct {
	mu    sync.Mutex
	locks map[string]*localLockInfo // key -> 持有者信息
}

type localLockInfo struct {
	value    string    // 锁的值，用于验证是否是同一个持有者
	expireAt time.Time // 过期时间, 过期后其他人可以抢占
}

// NonBlockingSynchronized 非阻塞同步执行
func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	// 检查是否已经持有锁（可重入）
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		return f(ctx)
	}

	value := l.getRandomValue()
	if !l.tryAcquire(key, value, maxLockTimeDuration) {
		// 锁被占用，立即返回失败
		return errors.WithMessagef(LockFailedError, "[localWorkflowLock.NonBlockingSynchronized] key %s has been locked", key)
	}
	defer l.releaseKey(key, value)

	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	return f(withKeyCtx)
}

func (l *localWorkflowLock) tryAcquire(key string, value string, maxLockTimeDuration time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if info, ok := l.locks[key]; ok && now.Before(info.expireAt) {
		return false
	}
	l.locks[key] = &localLockInfo{value: value, expireAt: now.Add(maxLockTimeDuration)}
	return true
}

func (l *localWorkflowLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

// releaseKey 释放锁, 锁过期后被别人抢占的情况下不释放
func (l *localWorkflowLock) releaseKey(key string, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.locks[key]
	if !ok || info.value != value {
		return
	}
	delete(l.locks, key)
}
