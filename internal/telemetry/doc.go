// Package telemetry 初始化 OpenTelemetry 的 trace 与 metric 导出。
// 关闭时保持全局 noop provider，不连接外部服务。
package telemetry
