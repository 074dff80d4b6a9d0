// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 ledger 把每次编排尝试写入 run_attempts 表。

GormLedger 实现 orchestrator.Ledger：Begin 插入 RUNNING 记录，
Finish 在事务中写入最终 manifest（状态、已完成阶段、resume_from
与错误原因）。账本是可选的，Redis manifest 仍是恢复执行的依据。
*/
package ledger
