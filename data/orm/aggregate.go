package orm

import (
	"fmt"
	"strconv"
	"strings"

	"datamapper/data/db"
	"datamapper/data/orm/entity"
)

const aggregateValueColumn = "aggregate_value"

// Aggregate 关联上的聚合值，按本方键分组批量计算
type Aggregate struct {
	cfg      AggregateConfig
	relation Relation
}

func (a *Aggregate) Name() string { return a.cfg.Name }

func (a *Aggregate) Config() AggregateConfig { return a.cfg }

func (a *Aggregate) Relation() Relation { return a.relation }

func aggregateKeyColumn(i int) string {
	return fmt.Sprintf("aggregate_key_%d", i)
}

// Query 在关联查询的基础上改为 SELECT 键, FN(列) ... GROUP BY 键
func (a *Aggregate) Query(t *Tracker) (*Query, error) {
	q, err := a.relation.Query(t)
	if err != nil {
		return nil, err
	}
	if a.cfg.QueryCallback != nil {
		q = a.cfg.QueryCallback(q)
	}
	fm, err := a.relation.ForeignMapper()
	if err != nil {
		return nil, err
	}
	d := fm.orm.dialect
	keys := a.relation.matchColumns(fm)
	cols := make([]string, 0, len(keys)+1)
	group := make([]string, len(keys))
	for i, k := range keys {
		group[i] = d.QuoteIdentifier(k)
		cols = append(cols, group[i]+" AS "+d.QuoteIdentifier(aggregateKeyColumn(i)))
	}
	target := "*"
	if a.cfg.Column != "" {
		target = d.QuoteIdentifier(qualify(fm.cfg.alias(), a.cfg.Column))
	}
	cols = append(cols, strings.ToUpper(a.cfg.Function)+"("+target+") AS "+d.QuoteIdentifier(aggregateValueColumn))
	q.Columns(cols...)
	q.groupBy = group
	q.orderBy = nil
	q.limit, q.offset = 0, 0
	return q, nil
}

// Value 从分组结果中取出 native 的聚合值；没有行时 count 为 0，其余为 nil
func (a *Aggregate) Value(native entity.Entity, rows []db.Row) any {
	key := a.relation.NativeMapper().hydrator.Columns(native, a.relation.Config().NativeKey)
	for _, row := range rows {
		rowKey := make([]any, len(key))
		for i := range key {
			rowKey[i] = row.Get(aggregateKeyColumn(i))
		}
		if keysEqual(key, rowKey) {
			return a.normalize(row.Get(aggregateValueColumn))
		}
	}
	if a.cfg.Function == "count" {
		return int64(0)
	}
	return nil
}

func (a *Aggregate) normalize(v any) any {
	if a.cfg.Function == "count" {
		switch x := v.(type) {
		case int64:
			return x
		case int:
			return int64(x)
		case float64:
			return int64(x)
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err == nil {
				return n
			}
		}
		return v
	}
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return v
}

func (a *Aggregate) AttachMatches(native entity.Entity, rows []db.Row) error {
	return setQuiet(native, a.cfg.Name, a.Value(native, rows))
}

func (a *Aggregate) AttachLazy(native entity.Entity, t *Tracker) {
	native.SetLazy(a.cfg.Name, &lazyAggregate{tracker: t, aggregate: a, native: native})
}
