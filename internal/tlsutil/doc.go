// Package tlsutil 统一 Redis 连接、LLM HTTP 客户端与运维 HTTP 服务的 TLS 配置。
package tlsutil
