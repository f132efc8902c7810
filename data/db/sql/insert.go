package sql

import (
	"context"
	"database/sql"
	"strings"

	core "datamapper/data/db"
	"datamapper/data/db/dialect"
)

type insertBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table     string
	columns   []string
	rows      [][]any
	returning []string
}

func (b *insertBuilder) Columns(cols ...string) IInsertBuilder {
	b.columns = cols
	return b
}

func (b *insertBuilder) Values(vals ...any) IInsertBuilder {
	if len(vals) == 0 {
		return b
	}
	b.rows = append(b.rows, vals)
	return b
}

func (b *insertBuilder) Returning(cols ...string) IInsertBuilder {
	if b.dialect.SupportsReturning() {
		b.returning = cols
	}
	return b
}

func (b *insertBuilder) Build() (string, []any) {
	if !IsSafeIdentifier(b.table) {
		panic("insertBuilder: unsafe table name " + b.table)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(b.dialect.QuoteIdentifier(b.table))

	// 没有列时插入一行默认值
	if len(b.columns) == 0 {
		sb.WriteString(" DEFAULT VALUES")
		b.writeReturning(&sb)
		return sb.String(), nil
	}
	if len(b.rows) == 0 {
		panic("insertBuilder: at least one row is required")
	}

	args := make([]any, 0, len(b.rows)*len(b.columns))
	sb.WriteString(" (")
	quotedCols := make([]string, len(b.columns))
	for i, col := range b.columns {
		if !IsSafeIdentifier(col) {
			panic("insertBuilder: unsafe column name " + col)
		}
		quotedCols[i] = b.dialect.QuoteIdentifier(col)
	}
	sb.WriteString(strings.Join(quotedCols, ", "))
	sb.WriteString(") VALUES ")

	rowPlaceholder := "(" + strings.TrimRight(strings.Repeat("?, ", len(b.columns)), ", ") + ")"

	for i, row := range b.rows {
		if len(row) != len(b.columns) {
			panic("insertBuilder: values length mismatch columns length")
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(rowPlaceholder)
		args = append(args, row...)
	}
	b.writeReturning(&sb)

	return sb.String(), args
}

func (b *insertBuilder) writeReturning(sb *strings.Builder) {
	if len(b.returning) == 0 {
		return
	}
	quoted := make([]string, len(b.returning))
	for i, col := range b.returning {
		quoted[i] = b.dialect.QuoteIdentifier(col)
	}
	sb.WriteString(" RETURNING ")
	sb.WriteString(strings.Join(quoted, ", "))
}

func (b *insertBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}

func (b *insertBuilder) QueryRow(ctx context.Context) core.IRow {
	q, args := b.Build()
	return b.db.QueryRow(ctx, q, args...)
}
