// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 discernus serve 运维 API 的请求处理器。

# 核心类型

  - HealthHandler  ：/health 存活、/ready 就绪（Redis、账本数据库）、/version
  - RunHandler     ：/api/v1/runs/{id}/manifest 读取运行清单，/api/v1/runs 查询运行账本
  - ArtifactHandler：/api/v1/artifacts/{hash} 按内容哈希读取制品原始字节
  - Response       ：统一 JSON 响应结构（success + data + error + timestamp + request_id）
  - ResponseWriter ：包装 http.ResponseWriter 以捕获状态码与字节数

所有 Handler 均为标准 net/http 处理函数，路由使用 Go 1.22 的
ServeMux 路径参数（r.PathValue）。
*/
package handlers
