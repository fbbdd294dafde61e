// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供连接池测试共享的工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现
相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout，自动注册 Cleanup
  - 阻塞断言: Async 把调用放进 goroutine，Blocked 断言它仍在等待连接，
    WaitForChannel 等它完成
  - 轮询: Eventually 等待异步状态（如空闲数）收敛

# 子包

  - testutil/fakedb: 内存实现的 driver.Conn，支持注入错误、
    杀死连接、记录语句日志，用于验证连接池与事务语义

# 使用示例

	ctx := testutil.TestContext(t)
	server := fakedb.NewServer()
	pool, err := dbpool.NewPool(ctx, "default", dbpool.PoolConfig{
		Capacity: 2,
		Factory:  server.Factory(),
	}, nil)
*/
package testutil
