// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package orm 让 gorm 代码运行在 dbpool.Handle 钉住的物理连接上。

# 概述

Bridge.Do 通过 Handle.Run 借出连接，把 gorm 会话的 ConnPool 指向
该连接当前的 *sql.Tx（事务内）或 *sql.Conn（事务外），因此 gorm
语句与 Handle 上的原生语句共享同一会话与事务深度。gorm 自身的
默认事务被关闭，事务边界只由 Handle.Begin/Commit/Rollback 决定。

# 方言

按 database/sql 驱动名选择：pgx → gorm.io/driver/postgres，
mysql → gorm.io/driver/mysql，sqlite → github.com/glebarez/sqlite。
只有实现 sqlconn.Executor 的连接可以使用，其他驱动返回 ErrNotSQL。
*/
package orm
