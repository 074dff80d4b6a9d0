// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 moderator 实现评审对话协议。

# 流程

 1. welcome: 主持人本地生成欢迎词
 2. 并行发出开场评审任务（ideological、statistical），AwaitAll 等待全部完成
 3. 每份评审内容记为 opening_statement
 4. 携带 conversation_context.previous_reviews（每份开场陈述的前 500 个字符）
    再发一轮评审，结果记为 response
 5. 通过 llm.Provider 生成 final_synthesis，框架以 base64 附带
 6. 写出审计记录：JSONL、Markdown 与元数据，共三次 Put，
    元数据的哈希即 audit_trail_hash

任一轮评审数不足都会在第 5 步之前中止，不写出任何审计制品。
评审子任务使用子运行 ID {run_id}:moderation，与编排器自身的完成列表互不干扰。
*/
package moderator
