// Package config 提供 StepFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（STEPFLOW_ 前缀）的顺序加载，
// 覆盖日志、遥测、Prometheus 指标、执行引擎、示例研究流程与 HTTP 服务六个部分。
//
// HotReloadManager 通过 FileWatcher 轮询配置文件，变更经校验后生效，
// 记录变更日志与历史快照，并支持回滚。
package config
