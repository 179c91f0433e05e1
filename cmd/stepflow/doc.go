// Copyright (c) StepFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 StepFlow 命令行程序入口。

# 概述

cmd/stepflow 将 examples/research 调研流程包装为可执行程序：本地执行
一次调研、导出图结构，或以 HTTP API 形式对外提供服务。程序支持 YAML
配置文件与 STEPFLOW_* 环境变量、结构化日志（zap）、Prometheus 指标、
OpenTelemetry 链路追踪以及配置热重载。

# 核心类型

  - Server: 主服务器，管理 HTTP、Metrics 双端口、热更新与优雅关闭
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler
  - statusRecorder: 包装 http.ResponseWriter 以捕获状态码，支持 Hijack

# HTTP 接口

  - POST /api/v1/research         同步执行调研，返回 run_id 与最终状态
  - GET  /api/v1/research/stream  WebSocket，逐条推送运行事件与最终结果
  - GET  /api/v1/graph            当前调研图结构
  - GET  /api/v1/runs[/{id}]      运行历史
  - GET  /api/v1/config[/changes] 脱敏后的配置与变更日志
  - GET  /health、/version、/metrics

# 主要能力

  - 子命令：serve、run、describe、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    Metrics、RequestLogger、CORS、JWTAuth 或 APIKeyAuth、RateLimiter
  - 可选 TLS：server.tls_cert_file / tls_key_file，health -insecure 用于自签名证书
  - 配置热重载：日志级别、引擎与调研参数变更后重新编译调研图并原子替换
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
