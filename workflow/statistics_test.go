package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatisticsAggregator_FromRepositoryResponse(t *testing.T) {
	aggregator := NewStatisticsAggregator(nil, nil)
	assert.False(t, aggregator.Loaded())

	snapshot := aggregator.FromRepositoryResponse(map[CaseState]int64{
		CaseStateQuotation: 4,
		CaseStateOrder:     -2,
		CaseStateClosed:    11,
		"archived":         3,
	})
	assert.True(t, aggregator.Loaded())
	assert.Equal(t, StatisticsSnapshot{
		CaseStateEnquiry:    0,
		CaseStateEstimation: 0,
		CaseStateQuotation:  4,
		CaseStateOrder:      0,
		CaseStateProduction: 0,
		CaseStateDelivery:   0,
	}, snapshot)
	assert.Equal(t, int64(11), aggregator.Snapshot(true)[CaseStateClosed])
}

func TestStatisticsAggregator_ApplyDeltaClamp(t *testing.T) {
	aggregator := NewStatisticsAggregator(nil, nil)
	aggregator.FromRepositoryResponse(map[CaseState]int64{CaseStateOrder: 1})

	snapshot := aggregator.ApplyDelta(CaseStateOrder, -3)
	assert.Equal(t, int64(0), snapshot[CaseStateOrder])
	snapshot = aggregator.ApplyDelta(CaseStateProduction, 2)
	assert.Equal(t, int64(2), snapshot[CaseStateProduction])
	// 未知状态忽略
	snapshot = aggregator.ApplyDelta("archived", 5)
	_, ok := snapshot["archived"]
	assert.False(t, ok)
}

// 被0截断的变化撤销后也要和原来完全一样
func TestStatisticsAggregator_RevertAfterClamp(t *testing.T) {
	aggregator := NewStatisticsAggregator(nil, nil)
	aggregator.FromRepositoryResponse(map[CaseState]int64{CaseStateOrder: 5})
	before := aggregator.Snapshot(true)

	undo := aggregator.applyDeltas([]StatisticsDelta{
		{State: CaseStateQuotation, Delta: -1},
		{State: CaseStateOrder, Delta: 1},
	})
	assert.Equal(t, []StatisticsDelta{{State: CaseStateQuotation, Delta: 0}, {State: CaseStateOrder, Delta: 1}}, undo.applied)
	aggregator.revertDeltas(undo)
	assert.Equal(t, before, aggregator.Snapshot(true))
}

// 变化之后重新加载过, 加载的数量已经是权威的, 撤销不再叠加
func TestStatisticsAggregator_RevertAfterReload(t *testing.T) {
	aggregator := NewStatisticsAggregator(nil, nil)
	aggregator.FromRepositoryResponse(map[CaseState]int64{CaseStateQuotation: 2})

	undo := aggregator.applyDeltas([]StatisticsDelta{
		{State: CaseStateQuotation, Delta: -1},
		{State: CaseStateOrder, Delta: 1},
	})
	aggregator.FromRepositoryResponse(map[CaseState]int64{CaseStateQuotation: 2})
	aggregator.revertDeltas(undo)

	snapshot := aggregator.Snapshot(true)
	assert.Equal(t, int64(2), snapshot[CaseStateQuotation])
	assert.Equal(t, int64(0), snapshot[CaseStateOrder])
}

func TestStatisticsAggregator_ResetIfNeverLoaded(t *testing.T) {
	aggregator := NewStatisticsAggregator(nil, nil)
	aggregator.ApplyDelta(CaseStateEnquiry, 3)
	aggregator.resetIfNeverLoaded()
	assert.Equal(t, int64(0), aggregator.Snapshot(false)[CaseStateEnquiry])

	aggregator.FromRepositoryResponse(map[CaseState]int64{CaseStateEnquiry: 2})
	aggregator.resetIfNeverLoaded()
	assert.Equal(t, int64(2), aggregator.Snapshot(false)[CaseStateEnquiry])
}
