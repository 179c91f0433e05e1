/*
包 metrics 提供基于 Prometheus 的工作流指标采集能力。

# 概述

Collector 实现 workflow.Observer，通过 workflow.WithObserver 挂载到
编译后的图上，记录运行、步骤与路由三类指标。指标按 namespace 隔离，
可注册到任意 prometheus.Registerer。

# 主要能力

  - 运行指标：runs_total（graph/status）、run_duration_seconds、runs_in_flight
  - 步骤指标：step_executions_total（graph/step/status）、step_duration_seconds、
    steps_in_flight
  - 路由指标：routes_total（graph/from/to）
  - HTTP 指标：http_requests_total（method/path/status）、
    http_request_duration_seconds，由 serve 命令的中间件通过
    RecordHTTPRequest 记录
*/
package metrics
