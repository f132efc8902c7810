package db

import (
	"context"
	"database/sql"
)

// Row 一行查询结果：列名 -> 值。Columns 保留 SELECT 中的列顺序。
type Row struct {
	Columns []string
	Values  map[string]any
}

// Get 按列名取值
func (r Row) Get(column string) any {
	return r.Values[column]
}

// FetchAll 读取结果集的全部行并关闭结果集。
//
// []byte 会被转换为 string，驱动之间（sqlite 的 TEXT、mysql 的 VARCHAR）行为一致。
func FetchAll(rows IRows) ([]Row, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := Row{Columns: columns, Values: make(map[string]any, len(columns))}
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row.Values[col] = string(b)
				continue
			}
			row.Values[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// QueryAll 执行查询并读取全部行
func QueryAll(ctx context.Context, conn IDatabase, query string, args ...any) ([]Row, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return FetchAll(rows)
}

// QueryOne 执行查询并返回第一行，没有结果时返回 sql.ErrNoRows
func QueryOne(ctx context.Context, conn IDatabase, query string, args ...any) (Row, error) {
	rows, err := QueryAll(ctx, conn, query, args...)
	if err != nil {
		return Row{}, err
	}
	if len(rows) == 0 {
		return Row{}, sql.ErrNoRows
	}
	return rows[0], nil
}

// QueryValue 执行查询并返回第一行第一列（常用于 COUNT）
func QueryValue(ctx context.Context, conn IDatabase, query string, args ...any) (any, error) {
	row, err := QueryOne(ctx, conn, query, args...)
	if err != nil {
		return nil, err
	}
	if len(row.Columns) == 0 {
		return nil, sql.ErrNoRows
	}
	return row.Values[row.Columns[0]], nil
}
