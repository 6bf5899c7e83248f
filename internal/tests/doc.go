// Package tests 是 case-workflow 的端到端测试。
//
// 此包位于 internal/ 目录下，外部项目无法导入。
//
// 测试内容
//
// 引擎通过 caseapi.Client 访问 httptest 启动的 caseapi 服务，服务后面是 sqlite 存储：
//   - 案件走完整条流水线，时间线和统计保持一致
//   - 两个引擎拿着旧版本提交，后提交的被拒绝并回滚
//   - 多个引擎共用一个 redis 锁，同一个案件同时只有一个转换
//   - 服务不可用时读接口降级
//
// 运行测试
//
// 在项目根目录：
//
//	go test ./internal/tests/...
package tests
