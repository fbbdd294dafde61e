// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 把连接池、语句与 HTTP 请求导出为 Prometheus 指标。

# 核心类型

  - Collector：持有自己的 prometheus.Registry，Handler 直接挂到 /metrics。
    同一进程内可以创建多个 Collector 而不会重复注册。
  - PoolSource：连接池快照来源，*dbpool.Manager 满足该接口。

# 指标

  - <ns>_http_*：请求数、耗时与请求/响应体大小，path 需调用方先归一化。
  - <ns>_db_query_*：经 QueryListener 挂到 dbpool.Manager，按连接名与
    语句首个关键字分组；超过 WithSlowQueryThreshold 的语句另计
    db_slow_queries_total 并打 warn 日志。
  - <ns>_pool_*：WatchPools 注册的采集器在每次抓取时读取快照，
    包括容量、空闲、借出、等待、超时、重连、丢弃与强制归还。
*/
package metrics
