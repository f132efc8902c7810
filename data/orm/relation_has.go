package orm

import (
	"context"

	"datamapper/data/orm/entity"
	"datamapper/errors"
)

// hasRelation 一对一与一对多的公共部分：外方持有外键
type hasRelation struct {
	*relation
}

func (r *hasRelation) linked(_, foreign entity.Entity) entity.Entity { return foreign }

// link 把本方键和外方 guard 写入外方实体
func (r *hasRelation) link(_ context.Context, native, foreign entity.Entity) error {
	key := r.nativeKey(native)
	if !completeKey(key) {
		return errors.NewErrorf(errors.ErrCodeInvalidEntity, "%s.%s: native entity has no key", r.native.Name(), r.cfg.Name)
	}
	fm, err := r.ForeignMapper()
	if err != nil {
		return err
	}
	for i, col := range r.cfg.ForeignKey {
		if err := fm.hydrator.SetColumn(foreign, col, key[i]); err != nil {
			return err
		}
	}
	for _, col := range sortedKeys(r.cfg.ForeignGuards) {
		if err := fm.hydrator.SetColumn(foreign, col, r.cfg.ForeignGuards[col]); err != nil {
			return err
		}
	}
	return nil
}

func (r *hasRelation) unlink(_, foreign entity.Entity) error {
	fm, err := r.ForeignMapper()
	if err != nil {
		return err
	}
	for _, col := range r.cfg.ForeignKey {
		if err := fm.hydrator.SetColumn(foreign, col, nil); err != nil {
			return err
		}
	}
	return nil
}

// saveChild 追加 [关联, 保存]，guard 作为追加列转发给子实体的保存动作
func (r *hasRelation) saveChild(a Action, fm *Mapper, child entity.Entity) error {
	a.Append(newAttachEntities(r.self(), a.Entity(), child, a.Options()))
	if a.Options().Visited(child) {
		return nil
	}
	save, err := fm.NewSaveAction(child, a.Options().child(r.cfg.ForeignGuards)...)
	if err != nil {
		return err
	}
	a.Append(save)
	return nil
}

// AddActionsOnDelete 重新查询子实体：级联时删除，否则置空外键后保存
func (r *hasRelation) AddActionsOnDelete(ctx context.Context, a Action) error {
	fm, err := r.ForeignMapper()
	if err != nil {
		return err
	}
	children, err := r.fresh(ctx, a.Entity())
	if err != nil {
		return err
	}
	self := r.self()
	for _, child := range children {
		if a.Options().Visited(child) {
			continue
		}
		if r.cfg.Cascade {
			del, err := fm.NewDeleteAction(child, a.Options().child(nil)...)
			if err != nil {
				return err
			}
			a.Append(del, newDetachEntities(self, a.Entity(), child, false, a.Options()))
			continue
		}
		a.Append(newDetachEntities(self, a.Entity(), child, true, a.Options()))
		save, err := fm.NewSaveAction(child, a.Options().child(nil)...)
		if err != nil {
			return err
		}
		a.Append(save)
	}
	return nil
}

// OneToOneRelation 一对一
type OneToOneRelation struct {
	hasRelation
}

func (r *OneToOneRelation) AddActionsOnSave(_ context.Context, a Action) error {
	native := a.Entity()
	value, ok := r.loaded(native)
	if !ok {
		return nil
	}
	child, _ := value.(entity.Entity)
	if child == nil || child.State() == entity.StateDeleted {
		return nil
	}
	if !native.IsChanged(r.cfg.Name) && child.State() == entity.StateSynchronized {
		return nil
	}
	fm, err := r.ForeignMapper()
	if err != nil {
		return err
	}
	return r.saveChild(a, fm, child)
}

func (r *OneToOneRelation) attachInMemory(native, foreign entity.Entity) {
	if native.State() == entity.StateDeleted {
		return
	}
	if v, ok := r.loaded(native); ok && v == any(foreign) {
		return
	}
	_ = setQuiet(native, r.cfg.Name, foreign)
}

func (r *OneToOneRelation) detachInMemory(native, foreign entity.Entity) {
	if native.State() == entity.StateDeleted {
		return
	}
	if v, ok := r.loaded(native); ok && v == any(foreign) {
		_ = setQuiet(native, r.cfg.Name, nil)
	}
}

// OneToManyRelation 一对多
type OneToManyRelation struct {
	hasRelation
}

// AddActionsOnSave 只在集合有变化（属性被替换、增删、或成员未同步）时追加子动作；
// 被移除且已持久化的成员置空外键后保存。
func (r *OneToManyRelation) AddActionsOnSave(_ context.Context, a Action) error {
	native := a.Entity()
	value, ok := r.loaded(native)
	if !ok {
		return nil
	}
	coll, _ := value.(*entity.Collection)
	if coll == nil {
		return nil
	}
	if !native.IsChanged(r.cfg.Name) && !coll.HasChanges() && allSynchronized(coll.All()) {
		return nil
	}
	fm, err := r.ForeignMapper()
	if err != nil {
		return err
	}

	for _, child := range coll.All() {
		if child.State() == entity.StateDeleted {
			continue
		}
		if err := r.saveChild(a, fm, child); err != nil {
			return err
		}
	}
	for _, child := range coll.Removed() {
		if child.State() == entity.StateDeleted || !fm.hydrator.HasPK(child) || coll.Contains(child) {
			continue
		}
		a.Append(newDetachEntities(r, native, child, true, a.Options()))
		if a.Options().Visited(child) {
			continue
		}
		save, err := fm.NewSaveAction(child, a.Options().child(nil)...)
		if err != nil {
			return err
		}
		a.Append(save)
	}
	return nil
}

func (r *OneToManyRelation) attachInMemory(native, foreign entity.Entity) {
	if native.State() == entity.StateDeleted || native.IsLazy(r.cfg.Name) {
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

func (r *OneToManyRelation) detachInMemory(native, foreign entity.Entity) {
	removeFromCollection(r.relation, native, foreign)
}

func removeFromCollection(r *relation, native, foreign entity.Entity) {
	if native.State() == entity.StateDeleted {
		return
	}
	value, ok := r.loaded(native)
	if !ok {
		return
	}
	if coll, ok := value.(*entity.Collection); ok && coll != nil && coll.Contains(foreign) {
		coll.Remove(foreign)
	}
}

func allSynchronized(items []entity.Entity) bool {
	for _, e := range items {
		if e.State() != entity.StateSynchronized {
			return false
		}
	}
	return true
}
