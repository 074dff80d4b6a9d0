// 版权所有 2024 Discernus Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为运行账本提供 GORM 连接。

Open 按 config.DatabaseConfig 的 Driver 选择 postgres、mysql 或 sqlite
方言；Driver 为空表示账本关闭，返回 ErrDisabled。

PoolManager 负责连接池上限、后台探活（连接数写入 Prometheus）与
事务执行。WithTransactionRetry 对死锁、序列化失败与 sqlite 锁冲突做
指数退避重试。
*/
package database
