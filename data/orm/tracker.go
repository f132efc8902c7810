package orm

import (
	"context"
	"sync"

	"datamapper/data/db"
	"datamapper/data/orm/entity"
)

// loadPlan 预加载计划：嵌套关联与额外约束
type loadPlan struct {
	nested   []string
	callback QueryCallback
}

// Tracker 一次查询结果的批次
//
// 同一批次中所有实体的同一关联（或聚合）只查询一次，结果缓存在 tracker 上，
// 预加载和之后的延迟加载共用这份缓存。
type Tracker struct {
	ctx      context.Context
	mapper   *Mapper
	rows     []db.Row
	entities []entity.Entity
	loads    map[string]*loadPlan

	mu         sync.Mutex
	results    map[string][]entity.Entity
	aggregates map[string][]db.Row
}

// newTracker 延迟加载使用脱离取消和事务的上下文
func newTracker(ctx context.Context, m *Mapper, rows []db.Row, entities []entity.Entity, loads map[string]*loadPlan) *Tracker {
	return &Tracker{
		ctx:        db.Detach(ctx),
		mapper:     m,
		rows:       rows,
		entities:   entities,
		loads:      loads,
		results:    make(map[string][]entity.Entity),
		aggregates: make(map[string][]db.Row),
	}
}

// Mapper 批次所属的 mapper
func (t *Tracker) Mapper() *Mapper { return t.mapper }

// Entities 批次中的实体
func (t *Tracker) Entities() []entity.Entity { return t.entities }

// Pluck 取出批次中指定列的去重键值，不完整的键被忽略
func (t *Tracker) Pluck(columns []string) [][]any {
	seen := make(map[string]bool)
	var out [][]any
	add := func(key []any) {
		id, ok := entity.KeyIdentity(key)
		if !ok || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, key)
	}
	if len(t.rows) > 0 {
		for _, row := range t.rows {
			key := make([]any, len(columns))
			for i, col := range columns {
				key[i] = row.Get(col)
			}
			add(key)
		}
		return out
	}
	for _, e := range t.entities {
		add(t.mapper.hydrator.Columns(e, columns))
	}
	return out
}

// Results 关联在整个批次上的查询结果
func (t *Tracker) Results(ctx context.Context, rel Relation) ([]entity.Entity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if res, ok := t.results[rel.Name()]; ok {
		return res, nil
	}
	if len(t.Pluck(rel.Config().NativeKey)) == 0 {
		t.results[rel.Name()] = nil
		return nil, nil
	}

	q, err := rel.Query(t)
	if err != nil {
		return nil, err
	}
	if plan := t.loads[rel.Name()]; plan != nil {
		q.Load(plan.nested...)
		if plan.callback != nil {
			q = plan.callback(q)
		}
	}
	results, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	t.results[rel.Name()] = results
	return results, nil
}

// AggregateRows 聚合在整个批次上的分组结果
func (t *Tracker) AggregateRows(ctx context.Context, agg *Aggregate) ([]db.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rows, ok := t.aggregates[agg.Name()]; ok {
		return rows, nil
	}
	if len(t.Pluck(agg.Relation().Config().NativeKey)) == 0 {
		t.aggregates[agg.Name()] = nil
		return nil, nil
	}

	q, err := agg.Query(t)
	if err != nil {
		return nil, err
	}
	rows, err := q.Rows(ctx)
	if err != nil {
		return nil, err
	}
	t.aggregates[agg.Name()] = rows
	return rows, nil
}

type lazyRelation struct {
	tracker  *Tracker
	relation Relation
	native   entity.Entity
}

func (l *lazyRelation) Load() (any, error) {
	results, err := l.tracker.Results(l.tracker.ctx, l.relation)
	if err != nil {
		return nil, err
	}
	return l.relation.Matches(l.native, results), nil
}

type lazyAggregate struct {
	tracker   *Tracker
	aggregate *Aggregate
	native    entity.Entity
}

func (l *lazyAggregate) Load() (any, error) {
	rows, err := l.tracker.AggregateRows(l.tracker.ctx, l.aggregate)
	if err != nil {
		return nil, err
	}
	return l.aggregate.Value(l.native, rows), nil
}
