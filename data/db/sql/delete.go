package sql

import (
	"context"
	"database/sql"
	"strings"

	core "datamapper/data/db"
	"datamapper/data/db/dialect"
	"datamapper/errors"
)

// deleteBuilder 没有 WHERE 条件时拒绝执行，除非显式调用 All
type deleteBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table string
	where []string
	args  []any
	limit int
	all   bool
}

func (b *deleteBuilder) Where(cond string, args ...any) IDeleteBuilder {
	if cond = strings.TrimSpace(cond); cond != "" {
		b.where = append(b.where, cond)
		b.args = append(b.args, args...)
	}
	return b
}

func (b *deleteBuilder) Limit(n int) IDeleteBuilder {
	b.limit = n
	return b
}

func (b *deleteBuilder) All() IDeleteBuilder {
	b.all = true
	return b
}

func (b *deleteBuilder) build() (string, []any, error) {
	if err := CheckIdentifiers("table", b.table); err != nil {
		return "", nil, err
	}
	if len(b.where) == 0 && !b.all {
		return "", nil, errors.NewErrorf(errors.ErrCodeInvalidInput, "delete from %s without conditions", b.table)
	}

	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(b.dialect.QuoteIdentifier(b.table))
	args := append([]any(nil), b.args...)
	if len(b.where) > 0 {
		sb.WriteString(" WHERE (")
		sb.WriteString(strings.Join(b.where, ") AND ("))
		sb.WriteString(")")
	}
	if b.limit > 0 && b.dialect.SupportsDeleteLimit() {
		sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	return sb.String(), args, nil
}

// Build 表名不合法或缺少条件时 panic；执行路径请使用 Exec 获取错误
func (b *deleteBuilder) Build() (string, []any) {
	q, args, err := b.build()
	if err != nil {
		panic(err)
	}
	return q, args
}

func (b *deleteBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args, err := b.build()
	if err != nil {
		return nil, err
	}
	return b.db.Exec(ctx, q, args...)
}

func (b *deleteBuilder) Affected(ctx context.Context) (int64, error) {
	res, err := b.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
