// Package workflow 提供案件生命周期的状态流转。
//
// 案件按固定的流水线推进，每次只能前进一步，closed 之后不允许任何转换：
//
//	enquiry -> estimation -> quotation -> order -> production -> delivery -> closed
//
// 主要组成：
//   - workflow.ReconciliationEngine: 本地缓存各状态的案件桶和统计，转换请求先乐观修改缓存，
//     再向权威仓库做条件写提交，失败时精确撤销
//   - workflow.CaseRepo: 基于 GORM 的权威存储，按 version 做乐观并发控制
//   - caseapi: 把仓库暴露成 REST 接口，以及实现 workflow.CaseRepository 的 http 客户端
//   - 并发控制：同一个案件同一时间只有一个转换，支持本地锁和分布式锁（Redis）
//   - 仓库请求失败自动重试，重试耗尽后读接口降级到缓存
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/case-workflow/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("cases.db"), &gorm.Config{})
//	    repo := workflow.NewCaseRepo(db, nil, nil)
//	    repo.AutoMigrate()
//
//	    // 2. 创建引擎
//	    engine := workflow.NewReconciliationEngine(repo, workflow.NewLocalWorkflowLock())
//	    defer engine.Wait()
//
//	    // 3. 录入案件并推进
//	    ctx := context.Background()
//	    repo.CreateCase(ctx, &workflow.CreateCaseParams{
//	        CaseNumber: "Q-2024-001", ClientName: "Acme", ProjectName: "厂房扩建",
//	    })
//	    engine.LoadBucket(ctx, workflow.CaseStateEnquiry, 20, 0)
//	    engine.RequestTransition(ctx, &workflow.TransitionRequest{
//	        CaseNumber: "Q-2024-001",
//	        ToState:    workflow.CaseStateEstimation,
//	        Actor:      "alice",
//	    })
//	}
//
// 转换请求的阶段：
//
//	idle -> validating -> optimistically_applied -> committing -> committed | rolled_back
//
// 校验失败停在 validating，不修改缓存，也不请求仓库。
//
// 失败分类，调用方用 errors.Is 判断：
//   - ErrIllegalTransition / ErrAlreadyTerminal: 本地校验失败
//   - ErrTransitionInProgress: 同一个案件已经有转换在执行
//   - ErrConcurrentModification: 其他人已经修改过这个案件，刷新后重新判断
//   - ErrNetworkUnavailable: 重试耗尽
//   - ErrValidationFailed / ErrNotFound: 仓库拒绝了请求
//
// 服务端和命令行见 cmd/casestore-server 和 cmd/caseflow。
package workflow
