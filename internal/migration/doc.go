// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理运行账本（run_attempts 表）的 Schema。

迁移 SQL 按方言内嵌在 migrations/{postgres,mysql,sqlite} 下，由
golang-migrate 执行。sqlite 使用 modernc.org/sqlite 纯 Go 驱动，
连接串即文件路径。

FromDatabaseConfig 从 config.DatabaseConfig 创建 SchemaMigrator；
CLI 为 `discernus migrate` 子命令提供格式化输出。
*/
package migration
