package workflow

import (
	"sync"

	"go.uber.org/zap"
)

// StatisticsSnapshot 状态 -> 案件数量
type StatisticsSnapshot map[CaseState]int64

func (s StatisticsSnapshot) Clone() StatisticsSnapshot {
	ret := make(StatisticsSnapshot, len(s))
	for k, v := range s {
		ret[k] = v
	}
	return ret
}

// StatisticsDelta 一个状态数量的变化
type StatisticsDelta struct {
	State CaseState
	Delta int64
}

// StatisticsAggregator 维护权威的各状态数量
// 所有流程状态都会出现在快照中, 服务端没有返回的状态补0
type StatisticsAggregator struct {
	mu         sync.RWMutex
	definition *WorkflowDefinition
	counts     StatisticsSnapshot
	loaded     bool
	// 每次从仓库覆盖加1
	generation uint64
	logger     *zap.Logger
}

func NewStatisticsAggregator(definition *WorkflowDefinition, logger *zap.Logger) *StatisticsAggregator {
	if definition == nil {
		definition = DefaultWorkflowDefinition()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatisticsAggregator{
		definition: definition,
		counts:     zeroSnapshot(definition),
		logger:     logger,
	}
}

func zeroSnapshot(definition *WorkflowDefinition) StatisticsSnapshot {
	ret := make(StatisticsSnapshot, len(definition.states))
	for _, state := range definition.states {
		ret[state] = 0
	}
	return ret
}

// FromRepositoryResponse 用仓库返回的数量覆盖当前统计
// 缺少的状态补0, 不认识的状态丢弃, 负数当作0
func (a *StatisticsAggregator) FromRepositoryResponse(rawCounts map[CaseState]int64) StatisticsSnapshot {
	counts := zeroSnapshot(a.definition)
	for state, count := range rawCounts {
		if !a.definition.IsValidState(state) {
			a.logger.Warn("statistics response has unknown state", zap.String("state", state), zap.Int64("count", count))
			continue
		}
		if count < 0 {
			count = 0
		}
		counts[state] = count
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts = counts
	a.loaded = true
	a.generation++
	return a.snapshotLocked(false)
}

// ApplyDelta 调整一个状态的数量, 最小为0
func (a *StatisticsAggregator) ApplyDelta(state CaseState, delta int64) StatisticsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyDeltaLocked(state, delta)
	return a.snapshotLocked(false)
}

// statisticsUndo applyDeltas 的撤销信息
type statisticsUndo struct {
	applied    []StatisticsDelta
	generation uint64
}

// applyDeltas 原子地应用一组变化, 记录实际生效的变化(被0截断的部分不算), 撤销时取反即可
func (a *StatisticsAggregator) applyDeltas(deltas []StatisticsDelta) *statisticsUndo {
	a.mu.Lock()
	defer a.mu.Unlock()
	undo := &statisticsUndo{applied: make([]StatisticsDelta, 0, len(deltas)), generation: a.generation}
	for _, d := range deltas {
		undo.applied = append(undo.applied, StatisticsDelta{State: d.State, Delta: a.applyDeltaLocked(d.State, d.Delta)})
	}
	return undo
}

// revertDeltas 期间从仓库重新加载过时不撤销, 重新加载的数量里没有这次的变化
func (a *StatisticsAggregator) revertDeltas(undo *statisticsUndo) {
	if undo == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generation != undo.generation {
		return
	}
	for i := len(undo.applied) - 1; i >= 0; i-- {
		a.applyDeltaLocked(undo.applied[i].State, -undo.applied[i].Delta)
	}
}

func (a *StatisticsAggregator) applyDeltaLocked(state CaseState, delta int64) int64 {
	if !a.definition.IsValidState(state) {
		return 0
	}
	before := a.counts[state]
	after := before + delta
	if after < 0 {
		after = 0
	}
	a.counts[state] = after
	return after - before
}

// Snapshot 展示用的统计, 默认不包含终止状态, includeTerminal为true时用于关闭案件的报表
func (a *StatisticsAggregator) Snapshot(includeTerminal bool) StatisticsSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked(includeTerminal)
}

func (a *StatisticsAggregator) snapshotLocked(includeTerminal bool) StatisticsSnapshot {
	ret := a.counts.Clone()
	if !includeTerminal {
		delete(ret, a.definition.TerminalState())
	}
	return ret
}

// Loaded 是否从仓库加载过
func (a *StatisticsAggregator) Loaded() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loaded
}

// resetIfNeverLoaded 仓库不可用且从没加载过时, 使用全0统计作为安全默认值
func (a *StatisticsAggregator) resetIfNeverLoaded() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loaded {
		a.counts = zeroSnapshot(a.definition)
	}
}
