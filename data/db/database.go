// Package db 提供数据映射层使用的数据库抽象
//
// 设计目标：
// 1. 隔离具体的驱动（sqlite、mysql、pgx）
// 2. 提供统一的查询/执行/事务接口
// 3. 读写分离：通过 ConnectionLocator 选择读库或写库
// 4. 事务通过 context 传递，嵌套的持久化动作复用同一事务
package db

import (
	"context"
	"database/sql"
)

// IDatabase 通用数据库接口
type IDatabase interface {
	// 查询操作
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow

	// 执行操作
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// 事务操作
	Begin(ctx context.Context) (ITransaction, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (ITransaction, error)

	// 连接管理
	Ping(ctx context.Context) error
	Close() error

	// 获取原始连接（用于特殊场景）
	Raw() any
}

// IDialectNameProvider 可选接口：提供底层数据库方言名称
//
// 实现方应返回诸如 "mysql"、"sqlite"、"postgres"、"pgx" 等 driver 名，
// 供 dialect 包推断方言能力（标识符引用、占位符、RETURNING 等）。
type IDialectNameProvider interface {
	GetDialectName() string
}

// ITransaction 事务接口
type ITransaction interface {
	IDatabase

	Commit() error
	Rollback() error
}

// IRows 查询结果集接口
type IRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error

	Columns() ([]string, error)
	ColumnTypes() ([]*sql.ColumnType, error)
}

// IRow 单行结果接口
type IRow interface {
	Scan(dest ...any) error
	Err() error
}

// DBConfig 单个连接的配置
type DBConfig struct {
	Driver   string `mapstructure:"driver"` // mysql, postgres, pgx, sqlite
	DSN      string `mapstructure:"dsn"`    // 非空时直接使用，忽略下面的连接参数
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"` // sqlite 时为文件路径或 :memory:
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// 连接池配置
	MaxOpenConns    int `mapstructure:"max_open_conns"`
	MaxIdleConns    int `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`  // 秒
	ConnMaxIdleTime int `mapstructure:"conn_max_idle_time"` // 秒

	// 其他选项
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Location  string `mapstructure:"location"`
	SSLMode   string `mapstructure:"ssl_mode"`
}

// Config 读写分离配置：一个写库，零个或多个只读副本
type Config struct {
	Write DBConfig   `mapstructure:"write"`
	Reads []DBConfig `mapstructure:"reads"`

	// Trace 开启后所有连接都包裹 TracedDatabase
	Trace bool `mapstructure:"trace"`
}

// OpenFunc 根据单个连接配置打开数据库（由 driver 包提供）
type OpenFunc func(config DBConfig) (IDatabase, error)
