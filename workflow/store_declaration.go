package workflow

import (
	"context"
)

// CaseRepository 权威存储, 引擎只依赖这个接口
// 实现方约定:
//   - 请求没有拿到响应(连接拒绝、连接断开)时返回包装了 ErrRepositoryUnreachable 的错误, 超时返回 context.DeadlineExceeded
//   - 收到明确的错误响应时返回 ErrNotFound / ErrValidationFailed / ErrConcurrentModification 等分类错误
//   - ApplyTransition 必须是条件写: 只有持久化的 version 等于 ExpectedVersion 时才接受
type CaseRepository interface {
	ListByState(ctx context.Context, param *ListByStateParams) (*CasePage, error)
	GetStatistics(ctx context.Context) (map[CaseState]int64, error)
	GetCase(ctx context.Context, caseNumber string) (*Case, error)
	GetTimeline(ctx context.Context, caseNumber string) ([]*StateTransitionRecord, error)
	ApplyTransition(ctx context.Context, param *ApplyTransitionParams) (*ApplyTransitionResult, error)
	Search(ctx context.Context, query string) ([]*Case, error)
}

// Case 案件, CaseNumber 不可变且唯一
// Version 每次提交转换加1, 不会减少, 用于乐观并发控制
type Case struct {
	CaseNumber   string    `json:"case_number"`
	CurrentState CaseState `json:"current_state"`
	ClientName   string    `json:"client_name"`
	ProjectName  string    `json:"project_name"`
	Assignee     *string   `json:"assignee,omitempty"`
	CreatedAt    int64     `json:"created_at"`
	Version      int64     `json:"version"`
}

// Clone 深拷贝
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	ret := *c
	if c.Assignee != nil {
		assignee := *c.Assignee
		ret.Assignee = &assignee
	}
	return &ret
}

// StateTransitionRecord 审计记录, 每次提交的转换生成一条, 不会修改和删除
// 一个案件的记录按顺序排列就是它的时间线
type StateTransitionRecord struct {
	TransitionID   string    `json:"transition_id"`
	CaseNumber     string    `json:"case_number"`
	FromState      CaseState `json:"from_state"`
	ToState        CaseState `json:"to_state"`
	Notes          string    `json:"notes,omitempty"`
	TransitionedBy string    `json:"transitioned_by"`
	OccurredAt     int64     `json:"occurred_at"`
	// 时间线不可用时根据缓存生成的记录, 不是真实的审计记录
	Synthetic bool `json:"synthetic,omitempty"`
}

// State 记录之后案件所处的状态
func (r *StateTransitionRecord) State() CaseState {
	return r.ToState
}

type CasePage struct {
	Cases  []*Case `json:"cases"`
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
	Total  int64   `json:"total"`
}

type ListByStateParams struct {
	State  CaseState `json:"state" validate:"required"`
	Limit  int       `json:"limit" validate:"gte=0"`
	Offset int       `json:"offset" validate:"gte=0"`
}

type ApplyTransitionParams struct {
	CaseNumber      string    `json:"case_number" validate:"required"`
	ExpectedVersion int64     `json:"expected_version" validate:"gte=0"`
	ToState         CaseState `json:"to_state" validate:"required"`
	Notes           string    `json:"notes" validate:"max=2000"`
	Actor           string    `json:"actor" validate:"required"`
}

type ApplyTransitionResult struct {
	Case   *Case                  `json:"case"`
	Record *StateTransitionRecord `json:"record"`
}
