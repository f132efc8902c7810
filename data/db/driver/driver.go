// Package driver 注册支持的数据库驱动，并根据 DBConfig 构造 DSN
//
//	sqlite   -> modernc.org/sqlite（driver 名 "sqlite"）
//	mysql    -> github.com/go-sql-driver/mysql（driver 名 "mysql"）
//	postgres -> github.com/jackc/pgx/v5/stdlib（driver 名 "pgx"）
package driver

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	core "datamapper/data/db"
	"datamapper/data/db/basic"
	"datamapper/errors"
)

// Open 打开数据库连接，可直接作为 core.OpenFunc 使用
func Open(cfg core.DBConfig) (core.IDatabase, error) {
	name, dsn, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}
	cfg.Driver = name
	cfg.DSN = dsn
	return basic.New(cfg)
}

// Resolve 返回 database/sql 驱动名与 DSN
func Resolve(cfg core.DBConfig) (driverName, dsn string, err error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		if cfg.DSN != "" {
			return "sqlite", cfg.DSN, nil
		}
		if cfg.Database == "" {
			return "", "", errors.NewError(errors.ErrCodeInvalidConfig, "driver: sqlite requires database path")
		}
		return "sqlite", cfg.Database, nil
	case "mysql":
		if cfg.DSN != "" {
			return "mysql", cfg.DSN, nil
		}
		return "mysql", MySQLDSN(cfg), nil
	case "postgres", "postgresql", "pgx":
		if cfg.DSN != "" {
			return "pgx", cfg.DSN, nil
		}
		return "pgx", PostgresDSN(cfg), nil
	default:
		return "", "", errors.NewErrorf(errors.ErrCodeInvalidConfig, "driver: unsupported driver %q", cfg.Driver)
	}
}

// MySQLDSN 使用官方驱动的 Config 构造 DSN，避免手工拼接时的转义问题
func MySQLDSN(cfg core.DBConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	mc.DBName = cfg.Database
	mc.ParseTime = cfg.ParseTime
	if cfg.Location != "" {
		if loc, err := time.LoadLocation(cfg.Location); err == nil {
			mc.Loc = loc
		}
	}
	if cfg.Charset != "" {
		mc.Params = map[string]string{"charset": cfg.Charset}
	}
	return mc.FormatDSN()
}

// PostgresDSN 构造 postgres:// URL 形式的 DSN
func PostgresDSN(cfg core.DBConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if cfg.Location != "" {
		q.Set("timezone", cfg.Location)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
