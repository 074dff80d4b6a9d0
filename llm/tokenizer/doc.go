// Package tokenizer 提供 token 计数，用于控制主持人综合提示的上下文预算。
// OpenAI 系模型使用 tiktoken 精确计数，其他模型或编码表不可用时使用字符估算。
package tokenizer
