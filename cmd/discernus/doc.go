// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 discernus 命令行入口。

# 子命令

  - run           ：摄取实验并在本进程内驱动全部阶段，失败时退出码为 1
  - submit        ：摄取实验并发布 orchestrate 任务，--wait 等待完成
  - orchestrator  ：消费 orchestrate 任务的长驻工作者
  - moderator     ：消费 moderation 任务的长驻工作者
  - manifest      ：打印运行清单
  - artifact      ：put/get 制品
  - runs list     ：查询运行账本
  - migrate       ：账本 Schema 迁移（up、down、status、version、force）
  - serve         ：运维 HTTP API 与独立端口的 /metrics
  - health、version

# 中间件链

Recovery → RequestID → SecurityHeaders → OTelTracing → MetricsMiddleware →
RequestLogger → JWTAuth 或 APIKeyAuth → RateLimiter。
/health、/ready、/version 免认证。

构建信息 Version、BuildTime、GitCommit 通过 ldflags 注入。
*/
package main
