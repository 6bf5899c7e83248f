package workflow

import (
	"sync"
)

// StateBucket 一个状态下最近一次拉取的案件分页, 以及服务端返回的总数
type StateBucket struct {
	State  CaseState
	Cases  []*Case
	Offset int
	Limit  int
	Total  int64
	// 是否从仓库加载过, 没加载过的桶是空桶
	Loaded bool

	// 每次 Replace 加1, 撤销时用来判断桶是否已经被权威数据覆盖
	generation uint64
}

// Clone 深拷贝, 桶只以拷贝的形式离开缓存
func (b *StateBucket) Clone() *StateBucket {
	if b == nil {
		return nil
	}
	ret := *b
	ret.Cases = make([]*Case, 0, len(b.Cases))
	for _, c := range b.Cases {
		ret.Cases = append(ret.Cases, c.Clone())
	}
	return &ret
}

func (b *StateBucket) indexOf(caseNumber string) int {
	for i, c := range b.Cases {
		if c.CaseNumber == caseNumber {
			return i
		}
	}
	return -1
}

// BucketUndo MoveCase 的撤销信息, 记录的是增量而不是整个桶,
// 撤销时不会覆盖同一时间其他案件对同一个桶做的修改
type BucketUndo struct {
	CaseNumber string
	FromState  CaseState
	ToState    CaseState

	removed      *Case // 从fromState桶中移除的案件, 不在桶里为nil
	removedIndex int
	fromTotalDec bool // fromState的total是否减了1(已经是0时不减)

	toPrev      *Case // toState桶中原来就有的同一个案件
	toPrevIndex int
	trimmed     *Case // 插入后超出limit被挤出去的最后一个案件
	toTotalInc  bool

	fromGeneration uint64
	toGeneration   uint64
}

// StateBucketCache 每个状态一个桶, 只由引擎修改
type StateBucketCache struct {
	mu      sync.RWMutex
	buckets map[CaseState]*StateBucket
}

func NewStateBucketCache(definition *WorkflowDefinition) *StateBucketCache {
	if definition == nil {
		definition = DefaultWorkflowDefinition()
	}
	c := &StateBucketCache{buckets: make(map[CaseState]*StateBucket, len(definition.states))}
	for _, state := range definition.states {
		c.buckets[state] = &StateBucket{State: state, Cases: make([]*Case, 0)}
	}
	return c
}

// Get 返回桶的拷贝, 未知状态返回空桶
func (c *StateBucketCache) Get(state CaseState) *StateBucket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bucket, ok := c.buckets[state]
	if !ok {
		return &StateBucket{State: state, Cases: make([]*Case, 0)}
	}
	return bucket.Clone()
}

// Replace 权威数据覆盖整个桶
func (c *StateBucketCache) Replace(state CaseState, bucket *StateBucket) {
	if bucket == nil {
		return
	}
	replaced := bucket.Clone()
	replaced.State = state
	replaced.Loaded = true
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.buckets[state]; ok {
		replaced.generation = old.generation + 1
	}
	c.buckets[state] = replaced
}

// FindCase 在所有桶中查找案件, 返回拷贝
// 后台刷新乱序完成时同一个案件可能出现在两个桶里, 取版本号最大的
func (c *StateBucketCache) FindCase(caseNumber string) (*Case, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var found *Case
	for _, bucket := range c.buckets {
		if i := bucket.indexOf(caseNumber); i >= 0 {
			if found == nil || bucket.Cases[i].Version > found.Version {
				found = bucket.Cases[i]
			}
		}
	}
	if found == nil {
		return nil, false
	}
	return found.Clone(), true
}

// UpdateCase 用提交后的权威案件记录替换所在桶中的条目, 不改变位置和total
func (c *StateBucketCache) UpdateCase(record *Case) bool {
	if record == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.buckets[record.CurrentState]
	if !ok {
		return false
	}
	i := bucket.indexOf(record.CaseNumber)
	if i < 0 {
		return false
	}
	bucket.Cases[i] = record.Clone()
	return true
}

/*
*
  - @description: 乐观移动案件
    从fromState桶移除(不存在就不处理), 插入到toState桶的头部, 两个桶的total分别-1/+1
    summary是插入toState桶的案件数据, 为nil时使用fromState桶中的条目
  - @return *BucketUndo 撤销信息, 交给 Undo 使用
*/
func (c *StateBucketCache) MoveCase(caseNumber string, fromState, toState CaseState, summary *Case) *BucketUndo {
	c.mu.Lock()
	defer c.mu.Unlock()
	undo := &BucketUndo{CaseNumber: caseNumber, FromState: fromState, ToState: toState, removedIndex: -1, toPrevIndex: -1}

	from := c.bucketLocked(fromState)
	undo.fromGeneration = from.generation
	if i := from.indexOf(caseNumber); i >= 0 {
		undo.removed = from.Cases[i]
		undo.removedIndex = i
		from.Cases = append(from.Cases[:i:i], from.Cases[i+1:]...)
	}
	if from.Total > 0 {
		from.Total--
		undo.fromTotalDec = true
	}

	var moved *Case
	switch {
	case summary != nil:
		moved = summary.Clone()
	case undo.removed != nil:
		moved = undo.removed.Clone()
	default:
		moved = &Case{CaseNumber: caseNumber}
	}
	moved.CurrentState = toState

	to := c.bucketLocked(toState)
	undo.toGeneration = to.generation
	if i := to.indexOf(caseNumber); i >= 0 {
		undo.toPrev = to.Cases[i]
		undo.toPrevIndex = i
		to.Cases = append(to.Cases[:i:i], to.Cases[i+1:]...)
	}
	to.Cases = append([]*Case{moved}, to.Cases...)
	if to.Limit > 0 && len(to.Cases) > to.Limit {
		undo.trimmed = to.Cases[len(to.Cases)-1]
		to.Cases = to.Cases[:len(to.Cases)-1]
	}
	if undo.toPrev == nil {
		to.Total++
		undo.toTotalInc = true
	}
	return undo
}

// Undo 撤销 MoveCase, 顺序和 MoveCase 相反
// 移动之后被 Replace 过的桶已经是权威数据, 不再撤销
func (c *StateBucketCache) Undo(undo *BucketUndo) {
	if undo == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	to := c.bucketLocked(undo.ToState)
	if to.generation == undo.toGeneration {
		if i := to.indexOf(undo.CaseNumber); i >= 0 {
			to.Cases = append(to.Cases[:i:i], to.Cases[i+1:]...)
		}
		if undo.trimmed != nil && to.indexOf(undo.trimmed.CaseNumber) < 0 {
			to.Cases = append(to.Cases, undo.trimmed)
		}
		if undo.toPrev != nil {
			to.Cases = insertCaseAt(to.Cases, undo.toPrevIndex, undo.toPrev)
		}
		if undo.toTotalInc && to.Total > 0 {
			to.Total--
		}
	}

	from := c.bucketLocked(undo.FromState)
	if from.generation == undo.fromGeneration {
		if undo.removed != nil && from.indexOf(undo.CaseNumber) < 0 {
			from.Cases = insertCaseAt(from.Cases, undo.removedIndex, undo.removed)
		}
		if undo.fromTotalDec {
			from.Total++
		}
	}
}

func (c *StateBucketCache) bucketLocked(state CaseState) *StateBucket {
	bucket, ok := c.buckets[state]
	if !ok {
		bucket = &StateBucket{State: state, Cases: make([]*Case, 0)}
		c.buckets[state] = bucket
	}
	return bucket
}

func insertCaseAt(cases []*Case, index int, item *Case) []*Case {
	if index < 0 || index > len(cases) {
		index = len(cases)
	}
	ret := make([]*Case, 0, len(cases)+1)
	ret = append(ret, cases[:index]...)
	ret = append(ret, item)
	ret = append(ret, cases[index:]...)
	return ret
}
