// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义主持人最终综合所使用的大语言模型接入层。

# 核心接口

  - [Provider]：Completion / HealthCheck / Name
  - [Instrument]：为 Provider 包装 Prometheus 指标上报

# 错误语义

所有 Provider 返回 [*Error]，其中 Code 对齐 HTTP 状态，Retryable 标记
是否值得重试。[IsRetryable] 供重试策略判断。

# 子包

  - providers/openaicompat：OpenAI Chat Completions 协议客户端
  - factory：按配置中的 provider 名称创建 Provider
  - retry：指数退避重试
  - tokenizer：token 计数与截断
*/
package llm
