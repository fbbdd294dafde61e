// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package dbpool 为大量并发任务（goroutine）共享一组固定数量的数据库连接。

# 概述

每个任务通过 Manager 按逻辑连接名获取一个 Handle。Handle 是惰性的：
第一次执行语句时才从 Pool 借出物理连接，语句结束后立即归还；
开启事务后连接被钉住，直到最外层事务提交或回滚。任务结束时
（例如 HTTP 请求返回）调用 ForgetTask，无论事务状态如何都强制归还连接。

# 核心组件

  - Pool: 固定容量的连接池，基于有界 channel，创建时预先填满
  - Registry: 逻辑名 → Pool 的注册表，首次访问时创建
  - Handle: 惰性句柄，负责借出/归还、断线重连与事务深度跟踪
  - Manager: 以 (连接名, 任务) 为键的句柄缓存
  - Middleware: 为每个 HTTP 请求分配任务标识并在请求结束时释放连接

# 事务

嵌套事务使用名为 trans{N} 的保存点，N 为创建时的深度。内层 Commit
只减少深度；RollbackTo(level) 回滚到 trans{level+1} 并保持连接。

# 使用示例

	registry := dbpool.NewRegistry(logger)
	registry.Configure("default", dbpool.PoolConfig{Capacity: 10, Factory: factory})
	manager := dbpool.NewManager(registry, dbpool.WithLogger(logger))

	task := dbpool.NewTaskID()
	ctx = dbpool.WithTask(ctx, task)
	defer manager.ForgetTask(ctx, task)

	h, _ := manager.Connection(ctx, "default")
	rows, err := h.Select(ctx, "SELECT name FROM snakes")
*/
package dbpool
