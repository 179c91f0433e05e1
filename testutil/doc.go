/*
Package testutil 提供 StepFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现
相似的测试基础设施。它不依赖 workflow 包，因此 workflow 自身的
测试也可以使用。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 日志辅助: ObservedLogger 基于 zaptest/observer 捕获日志
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual / WaitForChannel
  - 数据工具: AssertJSONEqual / MustJSON / MustParseJSON
  - 证书: WriteSelfSignedCert 生成 localhost 自签名证书，用于 TLS 测试

# 子包

  - testutil/mocks: 研究流程协作者的 Mock 实现（MockSearcher、MockModel），
    支持 Builder 模式与错误注入
  - testutil/fixtures: 测试数据，提供样例语料与问题
*/
package testutil
