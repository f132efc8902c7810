package behaviour

import (
	"context"

	"datamapper/data/orm"
)

// SoftDeleteGuard 软删除 guard 的名称，可用 Query.WithoutGuards 关闭
const SoftDeleteGuard = "soft_delete"

// SoftDelete 把删除改写为写入删除时间，并为查询加上排除已删除行的 guard
//
// 登记 withTrashed / onlyTrashed 两个查询范围，并支持 Mapper.Restore。
type SoftDelete struct {
	column string
}

// NewSoftDelete column 为空时使用 deleted_at
func NewSoftDelete(column ...string) *SoftDelete {
	c := "deleted_at"
	if len(column) > 0 && column[0] != "" {
		c = column[0]
	}
	return &SoftDelete{column: c}
}

func (s *SoftDelete) Name() string { return "soft_delete" }

// Column 删除时间列
func (s *SoftDelete) Column() string { return s.column }

func (s *SoftDelete) qualified(m *orm.Mapper) string {
	return m.Orm().Dialect().QuoteIdentifier(m.Alias() + "." + s.column)
}

func (s *SoftDelete) OnNewQuery(m *orm.Mapper, q *orm.Query) *orm.Query {
	if !m.HasColumn(s.column) {
		return q
	}
	return q.Guard(SoftDeleteGuard, s.qualified(m)+" IS NULL")
}

func (s *SoftDelete) OnNewDeleteAction(m *orm.Mapper, a orm.Action) orm.Action {
	if _, ok := a.(*orm.Delete); !ok || !m.HasColumn(s.column) {
		return a
	}
	return orm.NewSoftDelete(m, a.Entity(), s.column, a.Options())
}

func (s *SoftDelete) Scopes() map[string]orm.ScopeFunc {
	return map[string]orm.ScopeFunc{
		"withTrashed": func(q *orm.Query, _ ...any) *orm.Query {
			return q.WithoutGuards(SoftDeleteGuard)
		},
		"onlyTrashed": func(q *orm.Query, _ ...any) *orm.Query {
			return q.WithoutGuards(SoftDeleteGuard).Where(s.qualified(q.Mapper()) + " IS NOT NULL")
		},
	}
}

// Restore 清空删除时间并保存
func (s *SoftDelete) Restore(ctx context.Context, m *orm.Mapper, pk any) error {
	e, err := m.NewQuery().OnlyTrashed().WherePK(pk).First(ctx)
	if err != nil {
		return err
	}
	if err := e.Set(m.Attribute(s.column), nil); err != nil {
		return err
	}
	return m.Save(ctx, e)
}
