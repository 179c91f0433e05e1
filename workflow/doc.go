// Copyright (c) StepFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供类型化、并发的有向图执行引擎。

# 概述

图由步骤（Step）和边（Edge）组成。每个步骤读写同一份共享状态
（SharedState），并通过其出边在运行时决定下一步执行哪些步骤。
图中允许环，循环的终止由调用方通过状态控制。

# 核心接口与类型

  - Graph / CompiledGraph: 构建与编译（校验）后的不可变图
  - Step / StepFunc: 步骤接口 Execute(ctx, *Request[C]) error
  - Edge: 出边：To 固定边、Route / RouteOne 函数路由、When 条件路由
  - SharedState: 读写锁保护的 JSON 文档，Modification 写入，View 读取
  - Request: 每个任务的解析上下文（调用方上下文、状态、RunID）
  - Observer: 运行生命周期回调（指标、审计）

# 执行模型

Run 从虚拟的 Start 出发，每个任务在独立 goroutine 中执行步骤并求值其出边；
所有后继的并集被调度，End 结束该分支。没有任务在途时运行结束，返回状态快照。
首个失败停止调度：FailureDrain 等待在途任务完成，FailureCancel 取消运行上下文。

# 主要能力

  - 编译期校验：缺失出边、空边、指向 Start、End 不可达、未注册目标、保留键
  - 状态原语：Set / ExtendArray / Increment / Add / Delete / Sequence / Delta
  - 视图：TypedProjection（可选 Strict）/ FieldView / ViewFunc
  - 组合：Sequential、CompiledGraph.AsStep 子图、Wrap 中间件
    （WithTimeout / WithRetry / WithRateLimit / WithCircuitBreaker）
  - 可观测：zap 日志、OpenTelemetry span、流式事件、ExecutionHistoryStore
  - 导出：Describe().ToJSON() / ToYAML()
*/
package workflow
