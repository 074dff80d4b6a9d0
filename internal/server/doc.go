// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 `discernus serve` 的 HTTP 服务与 Prometheus 指标端口。

Manager.Serve 阻塞直到 context 结束，然后在 ShutdownTimeout 内
排空请求。配置了证书时使用 tlsutil 的 TLS 1.2+ 配置。
*/
package server
