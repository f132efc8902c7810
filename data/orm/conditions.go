package orm

import (
	"sort"
	"strings"

	"datamapper/data/db/dialect"
)

// condition 参数化的 WHERE 片段
type condition struct {
	expr string
	args []any
}

// equals nil 值生成 IS NULL
func equals(d dialect.Dialect, column string, value any) condition {
	if value == nil {
		return condition{expr: d.QuoteIdentifier(column) + " IS NULL"}
	}
	return condition{expr: d.QuoteIdentifier(column) + " = ?", args: []any{value}}
}

// keyEquals 按位置生成 col = ? 条件
func keyEquals(d dialect.Dialect, qualifier string, columns []string, values []any) []condition {
	out := make([]condition, len(columns))
	for i, col := range columns {
		var v any
		if i < len(values) {
			v = values[i]
		}
		out[i] = equals(d, qualify(qualifier, col), v)
	}
	return out
}

// guardConditions guard 按列名排序，保证生成的 SQL 稳定
func guardConditions(d dialect.Dialect, qualifier string, guards map[string]any) []condition {
	out := make([]condition, 0, len(guards))
	for _, col := range sortedKeys(guards) {
		out = append(out, equals(d, qualify(qualifier, col), guards[col]))
	}
	return out
}

// keysIn 单列键使用 IN，复合键使用 (a = ? AND b = ?) OR (...)；没有键时恒假
func keysIn(d dialect.Dialect, columns []string, tuples [][]any) condition {
	if len(tuples) == 0 || len(columns) == 0 {
		return condition{expr: "1 = 0"}
	}
	if len(columns) == 1 {
		args := make([]any, len(tuples))
		for i, t := range tuples {
			args[i] = t[0]
		}
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(tuples)), ", ")
		return condition{expr: d.QuoteIdentifier(columns[0]) + " IN (" + ph + ")", args: args}
	}

	parts := make([]string, len(tuples))
	var args []any
	for i, t := range tuples {
		exprs := make([]string, len(columns))
		for j, col := range columns {
			exprs[j] = d.QuoteIdentifier(col) + " = ?"
			args = append(args, t[j])
		}
		parts[i] = "(" + strings.Join(exprs, " AND ") + ")"
	}
	return condition{expr: "(" + strings.Join(parts, " OR ") + ")", args: args}
}

func joinConditions(conds []condition) condition {
	exprs := make([]string, 0, len(conds))
	var args []any
	for _, c := range conds {
		exprs = append(exprs, c.expr)
		args = append(args, c.args...)
	}
	return condition{expr: strings.Join(exprs, " AND "), args: args}
}

func qualify(qualifier, column string) string {
	if qualifier == "" || strings.Contains(column, ".") {
		return column
	}
	return qualifier + "." + column
}

func qualifyAll(qualifier string, columns []string) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = qualify(qualifier, c)
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
