package workflow

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrWorkflowConfigInvalid = errors.New("workflow config invalid")
	ErrWorkflowParamInvalid  = errors.New("workflow param invalid")

	// 转换错误分类, 调用方用errors.Is判断
	// ErrIllegalTransition: 跳过状态、回退、或者跳到任意状态
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrAlreadyTerminal: 案件已经closed, 不能再做任何转换
	ErrAlreadyTerminal = errors.New("case already terminal")
	// ErrConcurrentModification: 提交时版本号不一致, 其他人已经修改过这个案件
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrTransitionInProgress: 本地已经有同一个案件的转换在执行
	ErrTransitionInProgress = errors.New("transition in progress")
	// ErrNetworkUnavailable: 重试耗尽后仍然网络不可用
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrValidationFailed: 服务端拒绝了请求, 不可重试
	ErrValidationFailed = errors.New("validation failed")
	// ErrNotFound: 案件不存在
	ErrNotFound = errors.New("case not found")

	// ErrRepositoryUnreachable 给CaseRepository的实现使用, 表示请求没有拿到响应(连接拒绝、连接断开),
	// 包装了这个错误的请求会被RetryingFetcher重试
	ErrRepositoryUnreachable = errors.New("repository unreachable")
)

type CaseState = string

const (
	CaseStateEnquiry    CaseState = "enquiry"
	CaseStateEstimation CaseState = "estimation"
	CaseStateQuotation  CaseState = "quotation"
	CaseStateOrder      CaseState = "order"
	CaseStateProduction CaseState = "production"
	CaseStateDelivery   CaseState = "delivery"
	// 终止状态, 之后不允许任何转换
	CaseStateClosed CaseState = "closed"
)

func GetCaseStateText(state CaseState) string {
	switch state {
	case CaseStateEnquiry:
		return "询价"
	case CaseStateEstimation:
		return "估价"
	case CaseStateQuotation:
		return "报价"
	case CaseStateOrder:
		return "订单"
	case CaseStateProduction:
		return "生产"
	case CaseStateDelivery:
		return "交付"
	case CaseStateClosed:
		return "关闭"
	}
	return "未知"
}

// TransitionPhase 一次转换请求的阶段
type TransitionPhase = string

const (
	TransitionPhaseIdle                  TransitionPhase = "idle"
	TransitionPhaseValidating            TransitionPhase = "validating"
	TransitionPhaseOptimisticallyApplied TransitionPhase = "optimistically_applied"
	TransitionPhaseCommitting            TransitionPhase = "committing"
	// 下面两个是结束阶段
	TransitionPhaseCommitted  TransitionPhase = "committed"
	TransitionPhaseRolledBack TransitionPhase = "rolled_back"
)

func IsOverTransitionPhase(phase TransitionPhase) bool {
	return phase == TransitionPhaseCommitted || phase == TransitionPhaseRolledBack
}

// TransitionError RequestTransition 失败时返回的错误
// Cause 包装了上面的分类错误之一, errors.Is(err, ErrConcurrentModification) 可以直接判断
type TransitionError struct {
	CaseNumber string
	FromState  CaseState
	ToState    CaseState
	// 请求经过的阶段, 最后一个阶段是失败发生的阶段或者rolled_back
	Phases []TransitionPhase
	Cause  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s %s->%s failed at %s: %v",
		e.CaseNumber, e.FromState, e.ToState, strings.Join(e.Phases, ">"), e.Cause)
}

func (e *TransitionError) Unwrap() error {
	return e.Cause
}

// RolledBack 乐观修改是否已经撤销, 本地校验失败的请求不会走到乐观修改
func (e *TransitionError) RolledBack() bool {
	return len(e.Phases) > 0 && e.Phases[len(e.Phases)-1] == TransitionPhaseRolledBack
}

// TransitionErrorKind 返回err对应的分类错误, 不在分类里面的返回nil
func TransitionErrorKind(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		ErrTransitionInProgress,
		ErrAlreadyTerminal,
		ErrIllegalTransition,
		ErrConcurrentModification,
		ErrNotFound,
		ErrValidationFailed,
		ErrNetworkUnavailable,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsRetryableError 判断读请求失败后是否可以重试
// 可以重试: 连接拒绝、超时、没有收到响应
// 不可重试: 收到了格式正确的错误响应, 例如校验失败, 版本冲突, 不存在
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrIllegalTransition) {
		return false
	}
	if errors.Is(err, ErrRepositoryUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsSeriousError 用于判断是否需要error级别日志, 需要人工介入处理
// 本地校验、锁冲突、版本冲突、网络问题都是正常业务情况, 只打warn
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransitionInProgress) ||
		errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrNetworkUnavailable) {
		return false
	}
	return true
}
