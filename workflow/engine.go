package workflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	timelineUnavailableNotes = "timeline unavailable"
	systemActor              = "system"

	transitionOutcomeCommitted  = "committed"
	transitionOutcomeRolledBack = "rolled_back"
	transitionOutcomeRejected   = "rejected"
)

// TransitionRequest 转换请求
type TransitionRequest struct {
	CaseNumber string    `json:"case_number" validate:"required"`
	ToState    CaseState `json:"to_state" validate:"required"`
	Notes      string    `json:"notes" validate:"max=2000"`
	Actor      string    `json:"actor" validate:"required"`
}

// CommittedTransition 提交成功的转换
type CommittedTransition struct {
	Case   *Case
	Record *StateTransitionRecord
	Phases []TransitionPhase
}

// ReconciliationEngine 案件状态转换的协调者
// 桶缓存和统计只属于引擎, 只通过引擎的方法修改
type ReconciliationEngine struct {
	definition *WorkflowDefinition
	validator  *TransitionValidator
	repo       CaseRepository
	lock       WorkflowLock
	fetcher    *RetryingFetcher
	cache      *StateBucketCache
	statistics *StatisticsAggregator
	config     EngineConfig
	logger     *zap.Logger
	metrics    *Metrics
	auditHook  func(*FetchAudit)
	now        func() time.Time

	timelineMu sync.Mutex
	timelines  map[string][]*StateTransitionRecord

	// backgroundMu 保证 background.Add 不会和 Wait 同时执行
	backgroundMu sync.RWMutex
	background   sync.WaitGroup
}

var _ CaseWorkflowService = (*ReconciliationEngine)(nil)

type EngineOption func(*ReconciliationEngine)

func WithDefinition(definition *WorkflowDefinition) EngineOption {
	return func(e *ReconciliationEngine) {
		if definition != nil {
			e.definition = definition
		}
	}
}

func WithEngineConfig(config EngineConfig) EngineOption {
	return func(e *ReconciliationEngine) {
		e.config = config
	}
}

func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *ReconciliationEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) EngineOption {
	return func(e *ReconciliationEngine) {
		e.metrics = metrics
	}
}

// WithFetchAuditHook 每次仓库请求结束后回调, 用于审计重试次数和结果
func WithFetchAuditHook(hook func(*FetchAudit)) EngineOption {
	return func(e *ReconciliationEngine) {
		e.auditHook = hook
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *ReconciliationEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewReconciliationEngine lock为nil时使用本地锁
func NewReconciliationEngine(repo CaseRepository, lock WorkflowLock, opts ...EngineOption) *ReconciliationEngine {
	if lock == nil {
		lock = NewLocalWorkflowLock()
	}
	e := &ReconciliationEngine{
		definition: DefaultWorkflowDefinition(),
		repo:       repo,
		lock:       lock,
		config:     DefaultEngineConfig(),
		logger:     zap.NewNop(),
		now:        time.Now,
		timelines:  make(map[string][]*StateTransitionRecord),
	}
	for _, opt := range opts {
		opt(e)
	}
	defaults := DefaultEngineConfig()
	if e.config.InFlightLockTTL <= 0 {
		e.config.InFlightLockTTL = defaults.InFlightLockTTL
	}
	if e.config.DefaultPageLimit <= 0 {
		e.config.DefaultPageLimit = defaults.DefaultPageLimit
	}
	e.validator = NewTransitionValidator(e.definition)
	e.cache = NewStateBucketCache(e.definition)
	e.statistics = NewStatisticsAggregator(e.definition, e.logger)
	e.fetcher = NewRetryingFetcher(e.config, e.logger, e.metrics, e.auditHook)
	return e
}

func (e *ReconciliationEngine) Definition() *WorkflowDefinition {
	return e.definition
}

func (e *ReconciliationEngine) RequestTransition(ctx context.Context, req *TransitionRequest) (*CommittedTransition, error) {
	if req == nil {
		return nil, &TransitionError{Phases: []TransitionPhase{TransitionPhaseIdle}, Cause: errors.WithMessage(ErrWorkflowParamInvalid, "request is nil")}
	}
	// 没有案件编号无法加锁和查找案件, 其余字段在状态校验之后检查, 已关闭的案件总是返回 ErrAlreadyTerminal
	if req.CaseNumber == "" {
		return nil, &TransitionError{
			ToState: req.ToState,
			Phases:  []TransitionPhase{TransitionPhaseIdle},
			Cause:   errors.WithMessagef(ErrWorkflowParamInvalid, "RequestTransition failed, caseNumber is empty, req: %+v", req),
		}
	}

	var result *CommittedTransition
	err := e.lock.NonBlockingSynchronized(ctx,
		caseTransitionLockKey(req.CaseNumber),
		e.config.InFlightLockTTL,
		func(ctx context.Context) error {
			var err error
			result, err = e.runTransition(ctx, req)
			return err
		})
	if err == nil {
		return result, nil
	}
	var transitionErr *TransitionError
	if errors.As(err, &transitionErr) {
		return nil, transitionErr
	}
	transitionErr = &TransitionError{
		CaseNumber: req.CaseNumber,
		ToState:    req.ToState,
		Phases:     []TransitionPhase{TransitionPhaseIdle},
		Cause:      errors.WithMessagef(err, "acquire transition guard failed, caseNumber: %s", req.CaseNumber),
	}
	if errors.Is(err, LockFailedError) {
		transitionErr.Cause = errors.WithMessagef(ErrTransitionInProgress, "caseNumber: %s", req.CaseNumber)
	}
	e.metrics.observeTransition(req.ToState, transitionOutcomeRejected)
	e.logger.Warn("transition rejected by in-flight guard",
		zap.String("case_number", req.CaseNumber),
		zap.String("to_state", req.ToState),
		zap.Error(transitionErr.Cause))
	return nil, transitionErr
}

// runTransition 在持有案件转换锁的情况下执行
// 校验 -> 乐观修改 -> 条件写提交 -> 保留或撤销
func (e *ReconciliationEngine) runTransition(ctx context.Context, req *TransitionRequest) (*CommittedTransition, error) {
	phases := []TransitionPhase{TransitionPhaseIdle, TransitionPhaseValidating}
	fail := func(from CaseState, cause error) *TransitionError {
		e.metrics.observeTransition(req.ToState, transitionOutcomeRejected)
		return &TransitionError{CaseNumber: req.CaseNumber, FromState: from, ToState: req.ToState, Phases: phases, Cause: cause}
	}

	current, err := e.lookupCase(ctx, req.CaseNumber)
	if err != nil {
		return nil, fail("", err)
	}
	if err := e.validator.Validate(current, req.ToState); err != nil {
		e.logger.Info("transition rejected by validator",
			zap.String("case_number", req.CaseNumber),
			zap.String("from_state", current.CurrentState),
			zap.String("to_state", req.ToState),
			zap.Error(err))
		return nil, fail(current.CurrentState, err)
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, fail(current.CurrentState, errors.WithMessagef(ErrValidationFailed, "transition request invalid, req: %+v, err: %v", req, err))
	}
	fromState := current.CurrentState

	// 乐观修改, 记录撤销信息
	undo := e.cache.MoveCase(req.CaseNumber, fromState, req.ToState, current)
	statsUndo := e.statistics.applyDeltas([]StatisticsDelta{
		{State: fromState, Delta: -1},
		{State: req.ToState, Delta: 1},
	})
	phases = append(phases, TransitionPhaseOptimisticallyApplied)
	e.metrics.transitionStarted()
	defer e.metrics.transitionFinished()

	// 提交一旦发出就不能被调用方取消, 否则仓库的写入结果和本地缓存的关系就不确定了
	phases = append(phases, TransitionPhaseCommitting)
	commitCtx := context.WithoutCancel(ctx)
	params := &ApplyTransitionParams{
		CaseNumber:      req.CaseNumber,
		ExpectedVersion: current.Version,
		ToState:         req.ToState,
		Notes:           req.Notes,
		Actor:           req.Actor,
	}
	res, _, err := Fetch(commitCtx, e.fetcher, OperationApplyTransition, func(ctx context.Context) (*ApplyTransitionResult, error) {
		return e.repo.ApplyTransition(ctx, params)
	})
	if err == nil && (res == nil || res.Case == nil || res.Record == nil) {
		err = errors.WithMessagef(ErrValidationFailed, "apply transition returned empty result, caseNumber: %s", req.CaseNumber)
	}
	if err != nil {
		e.cache.Undo(undo)
		e.statistics.revertDeltas(statsUndo)
		phases = append(phases, TransitionPhaseRolledBack)
		e.metrics.observeTransition(req.ToState, transitionOutcomeRolledBack)
		if IsSeriousError(err) {
			e.logger.Error("transition commit failed, optimistic mutation rolled back",
				zap.String("case_number", req.CaseNumber),
				zap.String("from_state", fromState),
				zap.String("to_state", req.ToState),
				zap.Int64("expected_version", current.Version),
				zap.Error(err))
		} else {
			e.logger.Warn("transition commit failed, optimistic mutation rolled back",
				zap.String("case_number", req.CaseNumber),
				zap.String("from_state", fromState),
				zap.String("to_state", req.ToState),
				zap.Int64("expected_version", current.Version),
				zap.Error(err))
		}
		// 版本冲突不自动重试, 刷新后由调用方重新判断
		e.scheduleRefresh(ctx, fromState, req.ToState)
		return nil, &TransitionError{CaseNumber: req.CaseNumber, FromState: fromState, ToState: req.ToState, Phases: phases, Cause: err}
	}

	e.cache.UpdateCase(res.Case)
	e.appendTimeline(res.Record)
	phases = append(phases, TransitionPhaseCommitted)
	e.metrics.observeTransition(req.ToState, transitionOutcomeCommitted)
	e.logger.Info("transition committed",
		zap.String("case_number", req.CaseNumber),
		zap.String("from_state", fromState),
		zap.String("to_state", req.ToState),
		zap.Int64("version", res.Case.Version),
		zap.String("actor", req.Actor))
	e.scheduleRefresh(ctx, fromState, req.ToState)

	return &CommittedTransition{
		Case:   res.Case.Clone(),
		Record: cloneRecord(res.Record),
		Phases: phases,
	}, nil
}

// lookupCase 优先使用缓存中的案件, 缓存没有时才查询仓库
// 缓存可能是旧的, 提交时仓库的版本号检查保证正确性
func (e *ReconciliationEngine) lookupCase(ctx context.Context, caseNumber string) (*Case, error) {
	if cached, ok := e.cache.FindCase(caseNumber); ok {
		return cached, nil
	}
	record, _, err := Fetch(ctx, e.fetcher, OperationGetCase, func(ctx context.Context) (*Case, error) {
		return e.repo.GetCase(ctx, caseNumber)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "lookup case failed, caseNumber: %s", caseNumber)
	}
	if record == nil {
		return nil, errors.WithMessagef(ErrNotFound, "caseNumber: %s", caseNumber)
	}
	return record, nil
}

// scheduleRefresh 后台刷新两个桶和统计, 不阻塞调用方, 可能在调用方拿到结果之后才完成
func (e *ReconciliationEngine) scheduleRefresh(ctx context.Context, states ...CaseState) {
	bgCtx := context.WithoutCancel(ctx)
	e.backgroundMu.RLock()
	e.background.Add(1)
	e.backgroundMu.RUnlock()
	go func() {
		defer e.background.Done()
		for _, state := range states {
			if _, err := e.RefreshBucket(bgCtx, state); err != nil {
				e.logger.Warn("background bucket refresh failed", zap.String("state", state), zap.Error(err))
			}
		}
		if _, err := e.LoadStatistics(bgCtx); err != nil {
			e.logger.Warn("background statistics refresh failed", zap.Error(err))
		}
	}()
}

// Wait 等待已经发起的后台刷新完成, 可以和 RequestTransition 并发调用,
// 等待期间新发起的刷新要等这次 Wait 返回后才开始
func (e *ReconciliationEngine) Wait() {
	e.backgroundMu.Lock()
	defer e.backgroundMu.Unlock()
	e.background.Wait()
}

func (e *ReconciliationEngine) LoadBucket(ctx context.Context, state CaseState, limit int, offset int) (*StateBucket, error) {
	if !e.definition.IsValidState(state) {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "unknown state: %s", state)
	}
	if limit <= 0 {
		limit = e.config.DefaultPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	param := &ListByStateParams{State: state, Limit: limit, Offset: offset}
	page, _, err := Fetch(ctx, e.fetcher, OperationListByState, func(ctx context.Context) (*CasePage, error) {
		return e.repo.ListByState(ctx, param)
	})
	if err != nil {
		return e.cache.Get(state), errors.WithMessagef(err, "LoadBucket failed, state: %s", state)
	}
	if page == nil {
		page = &CasePage{Cases: make([]*Case, 0)}
	}
	bucket := &StateBucket{State: state, Cases: page.Cases, Offset: offset, Limit: limit, Total: page.Total}
	if bucket.Cases == nil {
		bucket.Cases = make([]*Case, 0)
	}
	e.cache.Replace(state, bucket)
	return e.cache.Get(state), nil
}

func (e *ReconciliationEngine) RefreshBucket(ctx context.Context, state CaseState) (*StateBucket, error) {
	bucket := e.cache.Get(state)
	return e.LoadBucket(ctx, state, bucket.Limit, bucket.Offset)
}

func (e *ReconciliationEngine) LoadStatistics(ctx context.Context) (StatisticsSnapshot, error) {
	raw, _, err := Fetch(ctx, e.fetcher, OperationGetStatistics, func(ctx context.Context) (map[CaseState]int64, error) {
		return e.repo.GetStatistics(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrNetworkUnavailable) {
			e.statistics.resetIfNeverLoaded()
		}
		return e.statistics.Snapshot(false), errors.WithMessage(err, "LoadStatistics failed")
	}
	return e.statistics.FromRepositoryResponse(raw), nil
}

func (e *ReconciliationEngine) Bucket(state CaseState) *StateBucket {
	return e.cache.Get(state)
}

func (e *ReconciliationEngine) Statistics(includeTerminal bool) StatisticsSnapshot {
	return e.statistics.Snapshot(includeTerminal)
}

func (e *ReconciliationEngine) GetCase(ctx context.Context, caseNumber string) (*Case, error) {
	if caseNumber == "" {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "caseNumber is empty")
	}
	record, _, err := Fetch(ctx, e.fetcher, OperationGetCase, func(ctx context.Context) (*Case, error) {
		return e.repo.GetCase(ctx, caseNumber)
	})
	if err == nil && record != nil {
		e.cache.UpdateCase(record)
		return record.Clone(), nil
	}
	if err == nil {
		return nil, errors.WithMessagef(ErrNotFound, "caseNumber: %s", caseNumber)
	}
	if errors.Is(err, ErrNetworkUnavailable) {
		if cached, ok := e.cache.FindCase(caseNumber); ok {
			e.logger.Warn("GetCase degraded to cached bucket entry", zap.String("case_number", caseNumber), zap.Error(err))
			return cached, nil
		}
	}
	return nil, errors.WithMessagef(err, "GetCase failed, caseNumber: %s", caseNumber)
}

func (e *ReconciliationEngine) GetTimeline(ctx context.Context, caseNumber string) ([]*StateTransitionRecord, error) {
	if caseNumber == "" {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "caseNumber is empty")
	}
	records, _, err := Fetch(ctx, e.fetcher, OperationGetTimeline, func(ctx context.Context) ([]*StateTransitionRecord, error) {
		return e.repo.GetTimeline(ctx, caseNumber)
	})
	if err == nil {
		ret := make([]*StateTransitionRecord, 0, len(records))
		for _, record := range records {
			ret = append(ret, cloneRecord(record))
		}
		e.timelineMu.Lock()
		e.timelines[caseNumber] = ret
		e.timelineMu.Unlock()
		return cloneRecords(ret), nil
	}

	// 时间线不可用, 根据最后已知的缓存状态生成一条记录
	cached, ok := e.cache.FindCase(caseNumber)
	if !ok {
		return nil, errors.WithMessagef(err, "GetTimeline failed and case not cached, caseNumber: %s", caseNumber)
	}
	e.logger.Warn("GetTimeline degraded to synthetic entry",
		zap.String("case_number", caseNumber),
		zap.String("state", cached.CurrentState),
		zap.Error(err))
	return []*StateTransitionRecord{{
		CaseNumber:     caseNumber,
		FromState:      cached.CurrentState,
		ToState:        cached.CurrentState,
		Notes:          timelineUnavailableNotes,
		TransitionedBy: systemActor,
		OccurredAt:     e.now().Unix(),
		Synthetic:      true,
	}}, nil
}

// CachedTimeline 最近一次查询到的时间线加上之后本地提交的记录
func (e *ReconciliationEngine) CachedTimeline(caseNumber string) []*StateTransitionRecord {
	e.timelineMu.Lock()
	defer e.timelineMu.Unlock()
	return cloneRecords(e.timelines[caseNumber])
}

func (e *ReconciliationEngine) appendTimeline(record *StateTransitionRecord) {
	if record == nil {
		return
	}
	e.timelineMu.Lock()
	defer e.timelineMu.Unlock()
	e.timelines[record.CaseNumber] = append(e.timelines[record.CaseNumber], cloneRecord(record))
}

func (e *ReconciliationEngine) Search(ctx context.Context, query string) ([]*Case, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return make([]*Case, 0), nil
	}
	cases, _, err := Fetch(ctx, e.fetcher, OperationSearch, func(ctx context.Context) ([]*Case, error) {
		return e.repo.Search(ctx, query)
	})
	if err != nil {
		return make([]*Case, 0), errors.WithMessagef(err, "Search failed, query: %s", query)
	}
	ret := make([]*Case, 0, len(cases))
	for _, c := range cases {
		ret = append(ret, c.Clone())
	}
	return ret, nil
}

func cloneRecord(record *StateTransitionRecord) *StateTransitionRecord {
	if record == nil {
		return nil
	}
	ret := *record
	return &ret
}

func cloneRecords(records []*StateTransitionRecord) []*StateTransitionRecord {
	ret := make([]*StateTransitionRecord, 0, len(records))
	for _, record := range records {
		ret = append(ret, cloneRecord(record))
	}
	return ret
}
