package orm

import (
	"context"
	"time"

	dbsql "datamapper/data/db/sql"
	"datamapper/data/orm/entity"
	"datamapper/errors"
)

// Delete 删除动作
//
// 没有主键的实体不发出语句。成功后主键被清空、状态变为 DELETED；回滚只恢复内存状态，
// 数据库一侧由外层事务回滚。
type Delete struct {
	baseAction
	snapshot  entity.Snapshot
	skipped   bool
	succeeded bool
}

func newDelete(m *Mapper, e entity.Entity, opts *ActionOptions) *Delete {
	a := &Delete{baseAction: newBaseAction("delete", m, e, opts)}
	a.self = a
	return a
}

func (a *Delete) attach(ctx context.Context) error {
	return attachDeleteRelations(ctx, a, false)
}

func (a *Delete) execute(ctx context.Context) error {
	m := a.mapper
	if !m.hydrator.HasPK(a.entity) {
		a.skipped = true
		return nil
	}
	a.skipped = false
	where := joinConditions(append(
		keyEquals(m.orm.dialect, "", m.cfg.PrimaryKey, m.hydrator.PK(a.entity)),
		guardConditions(m.orm.dialect, "", m.cfg.Guards)...,
	))
	_, err := dbsql.New(m.orm.locator.Write(ctx)).DeleteFrom(m.cfg.Table).Where(where.expr, where.args...).Exec(ctx)
	if err != nil {
		return errors.WrapDatabaseError(ctx, err, "delete "+m.cfg.Table, m.orm.dialect.Classify)
	}
	return nil
}

func (a *Delete) undo(context.Context) error {
	if a.succeeded {
		a.entity.Restore(a.snapshot)
		a.succeeded = false
	}
	return nil
}

func (a *Delete) OnSuccess() {
	if a.skipped || a.entity.State() == entity.StateDeleted {
		return
	}
	a.snapshot = a.entity.Snapshot()
	_ = a.mapper.hydrator.SetPK(a.entity, nil)
	a.entity.SetState(entity.StateDeleted)
	a.succeeded = true
}

// SoftDelete 软删除：写入删除时间而不删除行，保留主键
//
// 只级联 Cascade 的关联，非级联的子实体保持外键不变，便于恢复。
type SoftDelete struct {
	baseAction
	column    string
	at        time.Time
	snapshot  entity.Snapshot
	skipped   bool
	succeeded bool
}

// NewSoftDelete 创建软删除动作，column 为删除时间列
func NewSoftDelete(m *Mapper, e entity.Entity, column string, opts *ActionOptions) *SoftDelete {
	a := &SoftDelete{baseAction: newBaseAction("soft_delete", m, e, opts), column: column}
	a.self = a
	return a
}

// Column 删除时间列
func (a *SoftDelete) Column() string { return a.column }

func (a *SoftDelete) attach(ctx context.Context) error {
	return attachDeleteRelations(ctx, a, true)
}

func (a *SoftDelete) execute(ctx context.Context) error {
	m := a.mapper
	h := m.hydrator
	if !h.HasPK(a.entity) {
		a.skipped = true
		return nil
	}
	a.skipped = false
	a.at = time.Now().UTC().Truncate(time.Second)
	at, err := h.ColumnForDB(a.column, a.at)
	if err != nil {
		return err
	}

	upd := dbsql.New(m.orm.locator.Write(ctx)).Update(m.cfg.Table).Set(a.column, at)
	for col, v := range a.columns {
		if col == a.column {
			continue
		}
		dbv, err := h.ColumnForDB(col, v)
		if err != nil {
			return err
		}
		upd = upd.Set(col, dbv)
	}
	where := joinConditions(append(
		keyEquals(m.orm.dialect, "", m.cfg.PrimaryKey, h.PK(a.entity)),
		guardConditions(m.orm.dialect, "", m.cfg.Guards)...,
	))
	if _, err := upd.Where(where.expr, where.args...).Exec(ctx); err != nil {
		return errors.WrapDatabaseError(ctx, err, "soft delete "+m.cfg.Table, m.orm.dialect.Classify)
	}
	return nil
}

func (a *SoftDelete) undo(context.Context) error {
	if a.succeeded {
		a.entity.Restore(a.snapshot)
		a.succeeded = false
	}
	return nil
}

func (a *SoftDelete) OnSuccess() {
	if a.skipped || a.entity.State() == entity.StateDeleted {
		return
	}
	a.snapshot = a.entity.Snapshot()
	cfg := a.mapper.cfg
	for col, v := range a.columns {
		_ = setQuiet(a.entity, cfg.attribute(col), v)
	}
	_ = setQuiet(a.entity, cfg.attribute(a.column), a.at)
	a.entity.SetState(entity.StateDeleted)
	a.succeeded = true
}

func attachDeleteRelations(ctx context.Context, a Action, cascadeOnly bool) error {
	m := a.Mapper()
	for _, name := range m.relationOrder {
		rel := m.relations[name]
		if !a.Options().Cascades(name) || (cascadeOnly && !rel.IsCascade()) {
			continue
		}
		if err := rel.AddActionsOnDelete(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
