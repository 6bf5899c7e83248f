package workflow

import "context"

type CaseWorkflowService interface {
	/**
	 * @description: 请求一次案件状态转换
	 *				 同一个案件同一时间只能有一个转换, 其他请求立刻返回 ErrTransitionInProgress
	 *				 先在本地缓存做乐观修改, 再用版本号做条件写提交, 提交失败会撤销乐观修改
	 * @param ctx context.Context 提交开始后ctx的取消不会中断提交
	 * @param req *TransitionRequest
	 * @return *CommittedTransition, error 失败时error是 *TransitionError
	 */
	RequestTransition(ctx context.Context, req *TransitionRequest) (*CommittedTransition, error)

	/**
	 * @description: 查询案件时间线
	 *				 仓库不可用时, 根据缓存中的案件状态生成一条 Synthetic 记录, 保证至少返回一条
	 * @param ctx context.Context
	 * @param caseNumber string
	 * @return []*StateTransitionRecord, error
	 */
	GetTimeline(ctx context.Context, caseNumber string) ([]*StateTransitionRecord, error)

	/**
	 * @description: 搜索案件, 直接查询仓库, 没有本地匹配
	 *				 仓库不可用时返回空结果和错误, 不会用缓存猜测
	 * @param ctx context.Context
	 * @param query string
	 * @return []*Case, error 结果永远不是nil
	 */
	Search(ctx context.Context, query string) ([]*Case, error)

	/**
	 * @description: 查询案件详情, 仓库不可用时使用缓存桶中的条目
	 * @param ctx context.Context
	 * @param caseNumber string
	 * @return *Case, error
	 */
	GetCase(ctx context.Context, caseNumber string) (*Case, error)

	/**
	 * @description: 加载一个状态的分页, 成功后覆盖整个桶
	 * @param ctx context.Context
	 * @param state CaseState
	 * @param limit int <=0 时使用默认分页大小
	 * @param offset int
	 * @return *StateBucket, error 失败时返回当前缓存的桶
	 */
	LoadBucket(ctx context.Context, state CaseState, limit int, offset int) (*StateBucket, error)

	// RefreshBucket 按桶当前的分页重新加载
	RefreshBucket(ctx context.Context, state CaseState) (*StateBucket, error)

	// LoadStatistics 加载统计, 仓库不可用且从未加载过时返回全0统计
	LoadStatistics(ctx context.Context) (StatisticsSnapshot, error)

	Bucket(state CaseState) *StateBucket
	Statistics(includeTerminal bool) StatisticsSnapshot

	// Wait 等待后台刷新结束
	Wait()
}
