// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的键值管理能力，是阶段缓存与运行清单的存储层，
同时向任务队列和制品存储暴露共享的 Redis 客户端。

# 核心类型

  - Manager：持有 Redis 客户端，提供 Get/Set/Delete/Exists/Expire/TTL/Keys
    等基础操作，以及 GetJSON/SetJSON 便捷序列化方法。
  - Config：地址、密码、连接池大小、默认 TTL 与健康检查间隔。

# 主要能力

  - 连接共享：NewManagerWithClient 复用外部客户端，Close 不会关闭它。
  - 健康检查：后台定时 Ping，异常时通过 zap 日志告警。
  - 错误语义：ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
