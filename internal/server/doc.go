// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 connpool 演示服务的 HTTP 监听与停机顺序。

Manager 包装 net/http.Server：Start/StartTLS 在后台 goroutine 里服务，
异步错误写入 Errors() 通道。Config.MaxConnections 大于 0 时监听器经
netutil.LimitListener 限制并发连接数，超出的连接在 accept 处排队，
与连接池的有限容量相呼应。

停机顺序固定：先 http.Server.Shutdown 排空在途请求（每个请求结束时
dbpool.Middleware 归还任务连接），再逆序执行 OnShutdown 注册的钩子，
关闭连接池、Redis 客户端与遥测 provider。WaitForShutdown 在
SIGINT/SIGTERM 或 ctx 结束时触发这一流程。
*/
package server
