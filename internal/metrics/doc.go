// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖运维 HTTP、
LLM、编排流水线、制品存储、缓存与数据库。

# 核心类型

  - Collector：指标收集器，使用 promauto 自动注册，按 namespace 隔离。
    所有 Record 方法对 nil 接收者安全。

# 主要能力

  - 流水线指标：运行结果、阶段执行次数与耗时、任务入队、
    完成等待结果与耗时、Agent 任务处理、主持对话结果。
  - 制品指标：按 backend/op 统计操作次数与字节数。
  - 缓存指标：阶段缓存命中与未命中，按 cache_type（阶段名）分组。
  - HTTP、LLM 与数据库指标沿用统一的 label 约定。
*/
package metrics
