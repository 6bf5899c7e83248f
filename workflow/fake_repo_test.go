package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// fakeRepo 内存仓库, 数据始终一致, 可以按操作注入错误
type fakeRepo struct {
	mu        sync.Mutex
	validator *TransitionValidator
	cases     map[string]*Case
	timelines map[string][]*StateTransitionRecord
	calls     map[string]int
	// 按顺序消费的注入错误, 用完后正常执行
	errs map[string][]error

	// blockApply 非空时, 这个案件的ApplyTransition会通知applyEntered并等待releaseApply
	blockApply   string
	applyEntered chan struct{}
	releaseApply chan struct{}
	seq          int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		validator: NewTransitionValidator(nil),
		cases:     make(map[string]*Case),
		timelines: make(map[string][]*StateTransitionRecord),
		calls:     make(map[string]int),
		errs:      make(map[string][]error),
	}
}

func (r *fakeRepo) addCase(caseNumber string, state CaseState, version int64) *Case {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Case{
		CaseNumber:   caseNumber,
		CurrentState: state,
		ClientName:   "client-" + caseNumber,
		ProjectName:  "project-" + caseNumber,
		CreatedAt:    1700000000,
		Version:      version,
	}
	r.cases[caseNumber] = c
	return c.Clone()
}

func (r *fakeRepo) failNext(operation string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[operation] = append(r.errs[operation], errs...)
}

func (r *fakeRepo) callCount(operation string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[operation]
}

func (r *fakeRepo) totalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.calls {
		total += n
	}
	return total
}

func (r *fakeRepo) resetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make(map[string]int)
}

// enter 记录一次调用, 返回注入的错误
func (r *fakeRepo) enter(operation string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[operation]++
	if errs := r.errs[operation]; len(errs) > 0 {
		r.errs[operation] = errs[1:]
		return errs[0]
	}
	return nil
}

func (r *fakeRepo) ListByState(ctx context.Context, param *ListByStateParams) (*CasePage, error) {
	if err := r.enter(OperationListByState); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]*Case, 0)
	for _, c := range r.cases {
		if c.CurrentState == param.State {
			matched = append(matched, c.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CaseNumber < matched[j].CaseNumber })
	page := &CasePage{Offset: param.Offset, Limit: param.Limit, Total: int64(len(matched)), Cases: make([]*Case, 0)}
	for i := param.Offset; i < len(matched) && (param.Limit == 0 || i < param.Offset+param.Limit); i++ {
		page.Cases = append(page.Cases, matched[i])
	}
	return page, nil
}

func (r *fakeRepo) GetStatistics(ctx context.Context) (map[CaseState]int64, error) {
	if err := r.enter(OperationGetStatistics); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make(map[CaseState]int64)
	for _, c := range r.cases {
		ret[c.CurrentState]++
	}
	return ret, nil
}

func (r *fakeRepo) GetCase(ctx context.Context, caseNumber string) (*Case, error) {
	if err := r.enter(OperationGetCase); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[caseNumber]
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "caseNumber: %s", caseNumber)
	}
	return c.Clone(), nil
}

func (r *fakeRepo) GetTimeline(ctx context.Context, caseNumber string) ([]*StateTransitionRecord, error) {
	if err := r.enter(OperationGetTimeline); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cases[caseNumber]; !ok {
		return nil, errors.WithMessagef(ErrNotFound, "caseNumber: %s", caseNumber)
	}
	return cloneRecords(r.timelines[caseNumber]), nil
}

func (r *fakeRepo) ApplyTransition(ctx context.Context, param *ApplyTransitionParams) (*ApplyTransitionResult, error) {
	if err := r.enter(OperationApplyTransition); err != nil {
		return nil, err
	}
	r.mu.Lock()
	block := r.blockApply == param.CaseNumber
	r.mu.Unlock()
	if block {
		r.applyEntered <- struct{}{}
		<-r.releaseApply
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[param.CaseNumber]
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "caseNumber: %s", param.CaseNumber)
	}
	if c.Version != param.ExpectedVersion {
		return nil, errors.WithMessagef(ErrConcurrentModification, "expected %d, got %d", param.ExpectedVersion, c.Version)
	}
	if err := r.validator.Validate(c, param.ToState); err != nil {
		return nil, err
	}
	r.seq++
	record := &StateTransitionRecord{
		TransitionID:   fmt.Sprintf("t-%d", r.seq),
		CaseNumber:     c.CaseNumber,
		FromState:      c.CurrentState,
		ToState:        param.ToState,
		Notes:          param.Notes,
		TransitionedBy: param.Actor,
		OccurredAt:     time.Now().Unix(),
	}
	c.CurrentState = param.ToState
	c.Version++
	r.timelines[c.CaseNumber] = append(r.timelines[c.CaseNumber], record)
	return &ApplyTransitionResult{Case: c.Clone(), Record: cloneRecord(record)}, nil
}

func (r *fakeRepo) Search(ctx context.Context, query string) ([]*Case, error) {
	if err := r.enter(OperationSearch); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]*Case, 0)
	for _, c := range r.cases {
		if strings.Contains(c.CaseNumber, query) || strings.Contains(c.ClientName, query) {
			ret = append(ret, c.Clone())
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CaseNumber < ret[j].CaseNumber })
	return ret, nil
}

// testEngineConfig 重试间隔缩短, 其他和默认值一致
func testEngineConfig() EngineConfig {
	config := DefaultEngineConfig()
	config.RetryDelay = time.Millisecond
	config.CallTimeout = time.Second
	return config
}

func newTestEngine(t *testing.T, repo CaseRepository, opts ...EngineOption) *ReconciliationEngine {
	t.Helper()
	opts = append([]EngineOption{WithEngineConfig(testEngineConfig())}, opts...)
	engine := NewReconciliationEngine(repo, nil, opts...)
	t.Cleanup(engine.Wait)
	return engine
}

func unreachable(n int) []error {
	ret := make([]error, 0, n)
	for i := 0; i < n; i++ {
		ret = append(ret, errors.Wrapf(ErrRepositoryUnreachable, "connection refused, attempt %d", i+1))
	}
	return ret
}
