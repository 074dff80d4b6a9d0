// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 orchestrator 为单个实验运行驱动固定的阶段流水线。

# 阶段

	pre_test (可选) → batch_analysis → synthesis → report_generation
	→ review (可选) → moderation (可选)

每个阶段依次执行：阶段缓存检查 → 按阶段构造任务 → 入队 → 等待完成
（单任务 300s，多任务 1800s，可配置）→ 折叠进运行状态 → 写阶段缓存。
阶段 N 的任务只会在观察到阶段 N-1 完成之后入队。

# 失败与恢复

任一阶段失败都会立即结束本次尝试，并写出清单（manifest:{run_id}，24h TTL）：

  - ENQUEUE_FAILED: 队列不可达或入队失败
  - NO_TASKS / NO_TASK: 阶段没有产生任务
  - ERROR_TIMEOUT: 等待超时，可用更长的超时重试
  - ERROR_FAILED: Agent 报告失败或结果制品缺失
  - ERROR_EXCEPTION: 其他意外错误，包括 panic

resume_from 为最后完成的阶段，没有完成任何阶段时为 "start"。
以相同 run_id 重新调用时，阶段缓存命中的阶段会被跳过。

# 服务模式

Orchestrator 同时实现 agent.Handler，可由 agent.Worker 消费 orchestrate 任务。
*/
package orchestrator
