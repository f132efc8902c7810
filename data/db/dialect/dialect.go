// Package dialect 描述各数据库在 SQL 层面的差异
package dialect

import (
	"strconv"
	"strings"

	core "datamapper/data/db"
	"datamapper/errors"
)

// Name 标准化的数据库方言名称
type Name string

const (
	NameMySQL    Name = "mysql"
	NameSQLite   Name = "sqlite"
	NamePostgres Name = "postgres"
	NameUnknown  Name = ""
)

// Dialect 表示当前数据库的方言能力
type Dialect struct {
	name Name
}

// New 根据驱动名或方言名构造方言（大小写不敏感）
func New(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql":
		return Dialect{name: NameMySQL}
	case "sqlite", "sqlite3":
		return Dialect{name: NameSQLite}
	case "postgres", "postgresql", "pgx":
		return Dialect{name: NamePostgres}
	default:
		return Dialect{name: NameUnknown}
	}
}

// FromDatabase 从 IDatabase 实例推断方言
//
// 需要 IDatabase 实现 IDialectNameProvider；否则返回 Unknown。
func FromDatabase(db core.IDatabase) Dialect {
	if db == nil {
		return Dialect{name: NameUnknown}
	}
	if p, ok := db.(core.IDialectNameProvider); ok {
		return New(p.GetDialectName())
	}
	return Dialect{name: NameUnknown}
}

// Name 返回标准化方言名
func (d Dialect) Name() Name {
	return d.name
}

// QuoteIdentifier 根据方言对标识符加引号。
//
// schema.table、table.column 等带点形式会逐段加引号；"*" 段保持原样。
// MySQL 使用反引号，Postgres/SQLite 使用双引号，Unknown 方言不做修改。
func (d Dialect) QuoteIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "" || p == "*" {
			continue
		}
		switch d.name {
		case NameMySQL:
			parts[i] = "`" + p + "`"
		case NameSQLite, NamePostgres:
			parts[i] = `"` + p + `"`
		}
	}
	return strings.Join(parts, ".")
}

// Rebind 将通用占位符 ? 转换为方言特定形式。
//
// 仅 Postgres 需要替换为 $1、$2...；单引号字符串字面量中的 ? 不会被替换。
func (d Dialect) Rebind(query string) string {
	if query == "" || d.name != NamePostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	argIndex := 1
	inLiteral := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inLiteral = !inLiteral
			sb.WriteByte(ch)
		case ch == '?' && !inLiteral:
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(argIndex))
			argIndex++
		default:
			sb.WriteByte(ch)
		}
	}
	return sb.String()
}

// SupportsDeleteLimit 当前方言是否支持 DELETE ... LIMIT 语法
func (d Dialect) SupportsDeleteLimit() bool {
	return d.name == NameMySQL
}

// SupportsReturning 插入时能否用 RETURNING 取回生成的主键。
// 不支持时使用 sql.Result.LastInsertId。
func (d Dialect) SupportsReturning() bool {
	return d.name == NamePostgres
}

// IsUniqueViolation 根据错误消息判断是否为唯一键/主键冲突
//
//   - MySQL: "Duplicate entry" (Error 1062)
//   - SQLite: "UNIQUE constraint failed"
//   - Postgres: "duplicate key value violates unique constraint" (23505)
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch d.name {
	case NameMySQL:
		return strings.Contains(msg, "duplicate entry") ||
			strings.Contains(msg, "duplicate key")
	case NameSQLite:
		return strings.Contains(msg, "unique constraint failed")
	default:
		return strings.Contains(msg, "duplicate key") ||
			strings.Contains(msg, "unique constraint")
	}
}

// Classify 作为 errors.Classifier 使用
func (d Dialect) Classify(err error) (errors.ErrorCode, bool) {
	if d.IsUniqueViolation(err) {
		return errors.ErrCodeDuplicate, true
	}
	return "", false
}
