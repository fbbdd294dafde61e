// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 connpool 可执行程序。

# 概述

cmd/connpool 把 dbpool 装配成一个可运行的演示服务，并附带压测子命令。
每个 HTTP 请求是一个任务：dbpool.Middleware 为请求分配任务标识，
请求结束时归还该任务持有的全部连接。

# 核心类型

  - Server       — 装配 Registry、Connector、Manager 与 HTTP 路由，管理优雅关闭
  - Middleware   — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - BenchOptions — bench 子命令参数；Bench 返回 BenchReport

# 主要能力

  - 子命令：serve、bench、health、version
  - 路由：/health（逐个连接 Ping）、/pools（池快照）、/metrics（Prometheus）、
    /snakes（经 orm.Bridge 在任务连接上读写的演示资源）
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、MetricsMiddleware
  - 配置热更新：--watch 时 connections 段的增删改在线生效
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
