/*
包 agent 提供消费任务流的通用工作者运行时。

[Worker] 以消费者组方式读取 tasks:{type} 流，按任务 type 路由到注册的
[Handler]。处理器把结果写入制品存储并返回 [Result]，工作者负责：

  - 成功时向 run:{run_id}:done 追加完成信号（带 result_hash）
  - 失败或 panic 时追加失败信号，编排器据此判定 ERROR_FAILED
  - 信号写入后才 ACK；中断或信号写入失败的投递留在 PEL，
    超过 ClaimIdle 由其他工作者通过 XAUTOCLAIM 接管

每种任务类型一个消费循环，由 errgroup 统一管理生命周期。
*/
package agent
