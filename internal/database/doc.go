// 版权所有 2024 Knowbase Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接池管理，支持健康检查、
统计信息采集与事务重试。

# 概述

本包通过 PoolManager 封装 GORM 与 database/sql 的连接池配置，
统一管理连接生命周期、空闲回收与最大连接数限制。后台健康检查
定时探活，异常时通过 zap 日志输出诊断信息。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，包含最大空闲连接数、最大打开连接数、
    连接最大生命周期、空闲超时与健康检查间隔，Validate 负责自检。
  - TxFunc：事务回调函数类型。

# 主要能力

  - 连接池调优：通过 MaxIdleConns/MaxOpenConns/ConnMaxLifetime 精细控制。
  - 健康检查：后台定时 PingContext 探活，输出连接数与空闲数，
    Close 会同步停掉探活循环。
  - 事务管理：WithTransaction 提供单次事务执行，
    WithTransactionRetry 对串行化失败、死锁等冲突类错误指数退避重试。
  - 统计采集：Stats 暴露 sql.DBStats，供 Prometheus 采样器消费。
*/
package database
