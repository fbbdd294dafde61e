// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供与具体驱动无关的数据库错误分类与重试工具，
供连接池核心与各驱动适配器共享。

# 概述

不同驱动（pgx、go-sql-driver/mysql、sqlite、go-redis）返回的错误
类型各不相同，本包通过 errors.Is 与错误文本两种方式把它们归类为
"连接已失效" 与 "可重试" 两类，连接池据此决定是否重连、
事务闭包据此决定是否以指数退避重新执行。

# 主要能力

  - IsConnectionError：判断错误是否意味着底层会话已不可用
    （driver.ErrBadConn、连接重置、broken pipe、EOF 等）。
  - IsRetryable：在连接错误之外，还包括死锁、序列化失败、锁超时。
  - Retry：按指数退避执行回调，遇到不可重试错误立即返回，
    并响应 context 取消。
*/
package database
