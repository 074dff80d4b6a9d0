// Package config 提供 Discernus 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 DISCERNUS_）的顺序加载，
// 覆盖 Redis、制品存储、任务队列、编排器、主持人、LLM、账本数据库、
// 运维服务、日志与遥测等配置段。
package config
