package orm

import (
	"context"

	dbsql "datamapper/data/db/sql"
	"datamapper/data/orm/entity"
	"datamapper/errors"
)

// Insert 插入动作
type Insert struct {
	baseAction
	snapshot    entity.Snapshot
	collections []collectionSnapshot
}

func newInsert(m *Mapper, e entity.Entity, opts *ActionOptions) *Insert {
	a := &Insert{baseAction: newBaseAction("insert", m, e, opts)}
	a.self = a
	return a
}

func (a *Insert) attach(ctx context.Context) error {
	return attachSaveRelations(ctx, a)
}

func (a *Insert) execute(ctx context.Context) error {
	m := a.mapper
	h := m.hydrator
	cfg := m.cfg
	a.snapshot = a.entity.Snapshot()
	a.collections = snapshotCollections(a)

	// 单列主键且没有值、没有生成器时由数据库生成
	autoIncrement := false
	if !h.HasPK(a.entity) {
		switch {
		case cfg.KeyGenerator != nil:
			key, err := cfg.KeyGenerator.NextKey()
			if err != nil {
				return errors.WrapError(err, errors.ErrCodeInternal, "generate key for "+cfg.Name)
			}
			if err := h.SetPK(a.entity, []any{key}); err != nil {
				return err
			}
		case len(cfg.PrimaryKey) == 1:
			autoIncrement = true
		default:
			return errors.NewErrorf(errors.ErrCodeInvalidEntity, "%s: composite primary key must be set before insert", cfg.Name)
		}
	}

	cols, values, err := h.Extract(a.entity)
	if err != nil {
		return err
	}
	if autoIncrement {
		pk := cfg.PrimaryKey[0]
		kept := cols[:0]
		for _, c := range cols {
			if c != pk {
				kept = append(kept, c)
			}
		}
		cols = kept
		delete(values, pk)
	}
	extraCols, extras := a.ExtraColumns()
	for _, col := range extraCols {
		v, err := h.ColumnForDB(col, extras[col])
		if err != nil {
			return err
		}
		if _, ok := values[col]; !ok {
			cols = append(cols, col)
		}
		values[col] = v
	}

	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = values[c]
	}
	ins := dbsql.New(m.orm.locator.Write(ctx)).InsertInto(cfg.Table)
	if len(cols) > 0 {
		ins = ins.Columns(cols...).Values(args...)
	}

	if !autoIncrement {
		if _, err := ins.Exec(ctx); err != nil {
			return errors.WrapDatabaseError(ctx, err, "insert "+cfg.Table, m.orm.dialect.Classify)
		}
		return nil
	}

	var id any
	if m.orm.dialect.SupportsReturning() {
		if err := ins.Returning(cfg.PrimaryKey[0]).QueryRow(ctx).Scan(&id); err != nil {
			return errors.WrapDatabaseError(ctx, err, "insert "+cfg.Table, m.orm.dialect.Classify)
		}
	} else {
		res, err := ins.Exec(ctx)
		if err != nil {
			return errors.WrapDatabaseError(ctx, err, "insert "+cfg.Table, m.orm.dialect.Classify)
		}
		last, err := res.LastInsertId()
		if err != nil {
			return errors.WrapDatabaseError(ctx, err, "last insert id "+cfg.Table)
		}
		id = last
	}
	id, err = h.casts.Cast(cfg.Casts[cfg.PrimaryKey[0]], id)
	if err != nil {
		return err
	}
	return h.SetPK(a.entity, []any{id})
}

// undo 恢复插入前的主键、状态与级联集合的增删记录
func (a *Insert) undo(context.Context) error {
	a.entity.Restore(a.snapshot)
	restoreCollections(a.collections)
	return nil
}

func (a *Insert) OnSuccess() {
	applyExtraColumns(a)
	clearRelationChanges(a)
	a.entity.SetState(entity.StateSynchronized)
}

// Update 更新动作，只写入脏列
type Update struct {
	baseAction
	snapshot    entity.Snapshot
	collections []collectionSnapshot
	skipped     bool
}

func newUpdate(m *Mapper, e entity.Entity, opts *ActionOptions) *Update {
	a := &Update{baseAction: newBaseAction("update", m, e, opts)}
	a.self = a
	return a
}

func (a *Update) attach(ctx context.Context) error {
	return attachSaveRelations(ctx, a)
}

func (a *Update) execute(ctx context.Context) error {
	m := a.mapper
	h := m.hydrator
	cfg := m.cfg
	a.snapshot = a.entity.Snapshot()
	a.collections = snapshotCollections(a)

	cols, values, err := h.Extract(a.entity)
	if err != nil {
		return err
	}
	var dirty []string
	for _, col := range cols {
		if contains(cfg.PrimaryKey, col) {
			continue
		}
		if a.entity.IsChanged(cfg.attribute(col)) {
			dirty = append(dirty, col)
		}
	}
	// 追加列不会单独触发 UPDATE
	if len(dirty) == 0 {
		a.skipped = true
		return nil
	}
	a.skipped = false
	if !h.HasPK(a.entity) {
		return errors.NewErrorf(errors.ErrCodeInvalidEntity, "%s: cannot update without primary key", cfg.Name)
	}

	set := make(map[string]any, len(dirty))
	for _, col := range dirty {
		set[col] = values[col]
	}
	extraCols, extras := a.ExtraColumns()
	for _, col := range extraCols {
		v, err := h.ColumnForDB(col, extras[col])
		if err != nil {
			return err
		}
		if _, ok := set[col]; !ok {
			dirty = append(dirty, col)
		}
		set[col] = v
	}

	upd := dbsql.New(m.orm.locator.Write(ctx)).Update(cfg.Table)
	for _, col := range dirty {
		upd = upd.Set(col, set[col])
	}
	where := joinConditions(append(
		keyEquals(m.orm.dialect, "", cfg.PrimaryKey, h.PK(a.entity)),
		guardConditions(m.orm.dialect, "", cfg.Guards)...,
	))
	upd = upd.Where(where.expr, where.args...)
	if _, err := upd.Exec(ctx); err != nil {
		return errors.WrapDatabaseError(ctx, err, "update "+cfg.Table, m.orm.dialect.Classify)
	}
	return nil
}

// Skipped 没有脏列，未发出 UPDATE
func (a *Update) Skipped() bool { return a.skipped }

func (a *Update) undo(context.Context) error {
	a.entity.Restore(a.snapshot)
	restoreCollections(a.collections)
	return nil
}

func (a *Update) OnSuccess() {
	if !a.skipped {
		applyExtraColumns(a)
	}
	clearRelationChanges(a)
	a.entity.SetState(entity.StateSynchronized)
}

func attachSaveRelations(ctx context.Context, a Action) error {
	m := a.Mapper()
	for _, name := range m.relationOrder {
		if !a.Options().Cascades(name) {
			continue
		}
		if err := m.relations[name].AddActionsOnSave(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// applyExtraColumns 将追加列写回实体，例如时间戳
func applyExtraColumns(a Action) {
	cfg := a.Mapper().cfg
	cols, extras := a.ExtraColumns()
	for _, col := range cols {
		_ = a.Entity().Set(cfg.attribute(col), extras[col])
	}
}

// cascadedCollections 已加载且参与级联的集合
func cascadedCollections(a Action) []*entity.Collection {
	e := a.Entity()
	var out []*entity.Collection
	for _, name := range a.Mapper().relationOrder {
		if !a.Options().Cascades(name) || e.IsLazy(name) || !e.Has(name) {
			continue
		}
		if coll, ok := e.Get(name).(*entity.Collection); ok && coll != nil {
			out = append(out, coll)
		}
	}
	return out
}

// clearRelationChanges 级联成功后清空已加载集合的增删记录
func clearRelationChanges(a Action) {
	for _, coll := range cascadedCollections(a) {
		coll.ClearChanges()
	}
}

type collectionSnapshot struct {
	coll     *entity.Collection
	snapshot entity.CollectionSnapshot
}

// snapshotCollections 在子动作改动集合之前记录成员与增删记录
func snapshotCollections(a Action) []collectionSnapshot {
	colls := cascadedCollections(a)
	out := make([]collectionSnapshot, len(colls))
	for i, coll := range colls {
		out[i] = collectionSnapshot{coll: coll, snapshot: coll.Snapshot()}
	}
	return out
}

func restoreCollections(snapshots []collectionSnapshot) {
	for _, s := range snapshots {
		s.coll.Restore(s.snapshot)
	}
}
