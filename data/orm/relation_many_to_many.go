package orm

import (
	"context"

	dbsql "datamapper/data/db/sql"
	"datamapper/data/orm/entity"
	"datamapper/errors"
)

// ManyToManyRelation 多对多：通过中间表连接
//
// 查询时中间表的本方键列和 PivotColumns 以 PivotPrefix 为前缀投影到外方实体属性上。
type ManyToManyRelation struct {
	*relation
}

func (r *ManyToManyRelation) pivotAttributes() []string {
	out := make([]string, 0, len(r.cfg.PivotColumns))
	for _, col := range r.cfg.PivotColumns {
		out = append(out, r.cfg.PivotPrefix+col)
	}
	return out
}

// AddActionsOnSave 保存未同步的外方实体，对新增成员（或属性整体替换、中间表属性变化）
// 写入中间表行，对移除的成员删除中间表行。外方实体本身不会被删除。
func (r *ManyToManyRelation) AddActionsOnSave(_ context.Context, a Action) error {
	native := a.Entity()
	value, ok := r.loaded(native)
	if !ok {
		return nil
	}
	coll, _ := value.(*entity.Collection)
	if coll == nil {
		return nil
	}
	pivots := r.pivotAttributes()
	replaced := native.IsChanged(r.cfg.Name)
	dirty := replaced || coll.HasChanges()
	for _, item := range coll.All() {
		if item.State() != entity.StateSynchronized || (len(pivots) > 0 && item.IsChanged(pivots...)) {
			dirty = true
			break
		}
	}
	if !dirty {
		return nil
	}
	fm, err := r.ForeignMapper()
	if err != nil {
		return err
	}

	for _, item := range coll.All() {
		state := item.State()
		if state == entity.StateDeleted {
			continue
		}
		relink := replaced || state == entity.StateNew || coll.IsAdded(item) ||
			(len(pivots) > 0 && item.IsChanged(pivots...))
		if state != entity.StateSynchronized && !a.Options().Visited(item) {
			save, err := fm.NewSaveAction(item, a.Options().child(nil)...)
			if err != nil {
				return err
			}
			a.Append(save)
		}
		if relink {
			a.Append(newAttachEntities(r, native, item, a.Options()))
		}
	}
	for _, item := range coll.Removed() {
		if coll.Contains(item) {
			continue
		}
		a.Append(newDeletePivotRows(r, native, item, a.Options()))
	}
	return nil
}

// AddActionsOnDelete 删除本方实体时只删除其中间表行
func (r *ManyToManyRelation) AddActionsOnDelete(ctx context.Context, a Action) error {
	foreigns, err := r.fresh(ctx, a.Entity())
	if err != nil {
		return err
	}
	for _, f := range foreigns {
		a.Append(newDeletePivotRows(r, a.Entity(), f, a.Options()))
	}
	return nil
}

func (r *ManyToManyRelation) linked(_, _ entity.Entity) entity.Entity { return nil }

// link 写入中间表行：先删除同一对键（及 guard）的旧行再插入
func (r *ManyToManyRelation) link(ctx context.Context, native, foreign entity.Entity) error {
	fm, err := r.ForeignMapper()
	if err != nil {
		return err
	}
	nk := r.nativeKey(native)
	fk := fm.hydrator.Columns(foreign, r.cfg.ForeignKey)
	if !completeKey(nk) || !completeKey(fk) {
		return errors.NewErrorf(errors.ErrCodeInvalidEntity, "%s.%s: both sides need keys before linking", r.native.Name(), r.cfg.Name)
	}

	d := r.native.orm.dialect
	s := dbsql.New(r.native.orm.locator.Write(ctx))
	where := r.pivotWhere(nk, fk)
	if _, err := s.DeleteFrom(r.cfg.ThroughTable).Where(where.expr, where.args...).Exec(ctx); err != nil {
		return errors.WrapDatabaseError(ctx, err, "delete pivot "+r.cfg.ThroughTable, d.Classify)
	}

	cols := append(append([]string(nil), r.cfg.ThroughNativeColumn...), r.cfg.ThroughForeignColumn...)
	vals := append(append([]any(nil), nk...), fk...)
	for _, col := range sortedKeys(r.cfg.ThroughGuards) {
		if !contains(cols, col) {
			cols = append(cols, col)
			vals = append(vals, r.cfg.ThroughGuards[col])
		}
	}
	for _, col := range r.cfg.PivotColumns {
		attr := r.cfg.PivotPrefix + col
		if contains(cols, col) || !foreign.Has(attr) {
			continue
		}
		v, err := r.native.hydrator.ColumnForDB("", foreign.Get(attr))
		if err != nil {
			return err
		}
		cols = append(cols, col)
		vals = append(vals, v)
	}
	if _, err := s.InsertInto(r.cfg.ThroughTable).Columns(cols...).Values(vals...).Exec(ctx); err != nil {
		return errors.WrapDatabaseError(ctx, err, "insert pivot "+r.cfg.ThroughTable, d.Classify)
	}
	return nil
}

func (r *ManyToManyRelation) pivotWhere(nk, fk []any) condition {
	d := r.native.orm.dialect
	conds := keyEquals(d, "", r.cfg.ThroughNativeColumn, nk)
	conds = append(conds, keyEquals(d, "", r.cfg.ThroughForeignColumn, fk)...)
	conds = append(conds, guardConditions(d, "", r.cfg.ThroughGuards)...)
	return joinConditions(conds)
}

// deletePivot 任一方键不完整时不做任何事
func (r *ManyToManyRelation) deletePivot(ctx context.Context, native, foreign entity.Entity) (int64, error) {
	fm, err := r.ForeignMapper()
	if err != nil {
		return 0, err
	}
	nk := r.nativeKey(native)
	fk := fm.hydrator.Columns(foreign, r.cfg.ForeignKey)
	if !completeKey(nk) || !completeKey(fk) {
		return 0, nil
	}
	where := r.pivotWhere(nk, fk)
	n, err := dbsql.New(r.native.orm.locator.Write(ctx)).DeleteFrom(r.cfg.ThroughTable).Where(where.expr, where.args...).Affected(ctx)
	if err != nil {
		return 0, errors.WrapDatabaseError(ctx, err, "delete pivot "+r.cfg.ThroughTable, r.native.orm.dialect.Classify)
	}
	return n, nil
}

func (r *ManyToManyRelation) unlink(_, _ entity.Entity) error { return nil }

// attachInMemory 同步集合成员与中间表投影属性
func (r *ManyToManyRelation) attachInMemory(native, foreign entity.Entity) {
	if native.State() == entity.StateDeleted {
		return
	}
	nk := r.nativeKey(native)
	for i, col := range r.cfg.ThroughNativeColumn {
		_ = setQuiet(foreign, r.cfg.PivotPrefix+col, nk[i])
	}
	if native.IsLazy(r.cfg.Name) {
		return
	}
	if coll, ok := native.Get(r.cfg.Name).(*entity.Collection); ok && coll != nil {
		coll.Add(foreign)
		return
	}
	fm, err := r.ForeignMapper()
	if err != nil {
		return
	}
	_ = setQuiet(native, r.cfg.Name, fm.NewCollection(foreign))
}

func (r *ManyToManyRelation) detachInMemory(native, foreign entity.Entity) {
	removeFromCollection(r.relation, native, foreign)
}
