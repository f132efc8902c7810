package sql

import (
	"context"
	"strings"

	core "datamapper/data/db"
	"datamapper/data/db/dialect"
)

type join struct {
	kind  string
	table string
	on    string
	args  []any
}

type selectBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	cols    []string
	table   string
	joins   []join
	where   []string
	args    []any
	groupBy []string
	orderBy string
	limit   int
	offset  int
	locking string
}

// From 设置 FROM 片段，原样输出（可包含别名）
func (b *selectBuilder) From(table string) ISelectBuilder {
	b.table = table
	return b
}

func (b *selectBuilder) Columns(cols ...string) ISelectBuilder {
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	b.cols = cols
	return b
}

// Join 追加 JOIN，kind 为 INNER/LEFT 等，on 中的占位符参数排在 WHERE 参数之前
func (b *selectBuilder) Join(kind, table, on string, args ...any) ISelectBuilder {
	if table == "" {
		return b
	}
	if kind == "" {
		kind = "INNER"
	}
	b.joins = append(b.joins, join{kind: strings.ToUpper(kind), table: table, on: on, args: args})
	return b
}

func (b *selectBuilder) Where(cond string, args ...any) ISelectBuilder {
	if cond != "" {
		b.where = append(b.where, cond)
		b.args = append(b.args, args...)
	}
	return b
}

func (b *selectBuilder) And(cond string, args ...any) ISelectBuilder {
	return b.Where(cond, args...)
}

func (b *selectBuilder) Or(cond string, args ...any) ISelectBuilder {
	if cond == "" {
		return b
	}
	if len(b.where) == 0 {
		return b.Where(cond, args...)
	}
	last := b.where[len(b.where)-1]
	b.where[len(b.where)-1] = "(" + last + " OR " + cond + ")"
	b.args = append(b.args, args...)
	return b
}

func (b *selectBuilder) GroupBy(cols ...string) ISelectBuilder {
	if len(cols) > 0 {
		b.groupBy = append(b.groupBy, cols...)
	}
	return b
}

func (b *selectBuilder) OrderBy(expr string) ISelectBuilder {
	if expr != "" {
		b.orderBy = expr
	}
	return b
}

func (b *selectBuilder) Limit(n int) ISelectBuilder {
	b.limit = n
	return b
}

func (b *selectBuilder) Offset(n int) ISelectBuilder {
	b.offset = n
	return b
}

func (b *selectBuilder) ForUpdate() ISelectBuilder {
	switch b.dialect.Name() {
	case dialect.NameMySQL, dialect.NamePostgres:
		b.locking = " FOR UPDATE"
	default:
		// SQLite 不支持 FOR UPDATE，忽略
	}
	return b
}

func (b *selectBuilder) Clone() ISelectBuilder {
	c := *b
	c.cols = append([]string(nil), b.cols...)
	c.joins = append([]join(nil), b.joins...)
	c.where = append([]string(nil), b.where...)
	c.args = append([]any(nil), b.args...)
	c.groupBy = append([]string(nil), b.groupBy...)
	return &c
}

func (b *selectBuilder) Build() (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(b.cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.table)

	// 使用局部 args 副本，避免在多次 Build 调用之间污染 builder 状态。
	args := make([]any, 0, len(b.args)+2)
	for _, j := range b.joins {
		sb.WriteString(" " + j.kind + " JOIN " + j.table)
		if j.on != "" {
			sb.WriteString(" ON " + j.on)
		}
		args = append(args, j.args...)
	}
	args = append(args, b.args...)

	if len(b.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.where, " AND "))
	}
	if len(b.groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(b.groupBy, ", "))
	}
	if b.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.orderBy)
	}
	if b.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	if b.offset > 0 {
		if b.limit <= 0 && b.dialect.Name() != dialect.NamePostgres {
			// MySQL/SQLite 要求 OFFSET 前必须有 LIMIT
			sb.WriteString(" LIMIT -1")
		}
		sb.WriteString(" OFFSET ?")
		args = append(args, b.offset)
	}
	if b.locking != "" {
		sb.WriteString(b.locking)
	}
	return sb.String(), args
}

func (b *selectBuilder) Query(ctx context.Context) (core.IRows, error) {
	q, args := b.Build()
	return b.db.Query(ctx, q, args...)
}

func (b *selectBuilder) QueryRow(ctx context.Context) core.IRow {
	q, args := b.Build()
	return b.db.QueryRow(ctx, q, args...)
}
