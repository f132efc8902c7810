package orm

import (
	"context"

	"datamapper/data/orm/entity"
)

// AttachEntities 建立两个实体之间的关联
//
// 一对一/一对多：把本方键写入子实体外键；多对一：把外方键写入本方外键；
// 多对多：在中间表中写入（先删后插）一行。成功后同步内存中的关联值。
type AttachEntities struct {
	baseAction
	relation Relation
	foreign  entity.Entity
	linked   entity.Entity
	snapshot entity.Snapshot
}

func newAttachEntities(r Relation, native, foreign entity.Entity, opts *ActionOptions) *AttachEntities {
	a := &AttachEntities{
		baseAction: newBaseAction("attach_entities", r.NativeMapper(), native, opts),
		relation:   r,
		foreign:    foreign,
	}
	a.self = a
	return a
}

// Foreign 关联的另一方
func (a *AttachEntities) Foreign() entity.Entity { return a.foreign }

func (a *AttachEntities) execute(ctx context.Context) error {
	a.linked = a.relation.linked(a.entity, a.foreign)
	if a.linked != nil {
		a.snapshot = a.linked.Snapshot()
	}
	return a.relation.link(ctx, a.entity, a.foreign)
}

// undo 只恢复内存中的外键值，中间表写入由事务回滚
func (a *AttachEntities) undo(context.Context) error {
	if a.linked != nil {
		a.linked.Restore(a.snapshot)
	}
	return nil
}

func (a *AttachEntities) OnSuccess() {
	a.relation.attachInMemory(a.entity, a.foreign)
}

// DetachEntities 解除两个实体之间的关联
//
// nullKeys 为 true 时把外键置空（随后由子实体的保存动作写库）；为 false 时只同步内存。
type DetachEntities struct {
	baseAction
	relation Relation
	foreign  entity.Entity
	nullKeys bool
	linked   entity.Entity
	snapshot entity.Snapshot
}

func newDetachEntities(r Relation, native, foreign entity.Entity, nullKeys bool, opts *ActionOptions) *DetachEntities {
	a := &DetachEntities{
		baseAction: newBaseAction("detach_entities", r.NativeMapper(), native, opts),
		relation:   r,
		foreign:    foreign,
		nullKeys:   nullKeys,
	}
	a.self = a
	return a
}

// Foreign 关联的另一方
func (a *DetachEntities) Foreign() entity.Entity { return a.foreign }

func (a *DetachEntities) execute(ctx context.Context) error {
	if !a.nullKeys {
		return nil
	}
	a.linked = a.relation.linked(a.entity, a.foreign)
	if a.linked != nil {
		a.snapshot = a.linked.Snapshot()
	}
	return a.relation.unlink(a.entity, a.foreign)
}

func (a *DetachEntities) undo(context.Context) error {
	if a.linked != nil {
		a.linked.Restore(a.snapshot)
	}
	return nil
}

func (a *DetachEntities) OnSuccess() {
	a.relation.detachInMemory(a.entity, a.foreign)
}

// DeletePivotRows 删除多对多中间表中本方与外方之间的行
//
// 任一方的键不完整时静默跳过。
type DeletePivotRows struct {
	baseAction
	relation *ManyToManyRelation
	foreign  entity.Entity
	deleted  int64
}

func newDeletePivotRows(r *ManyToManyRelation, native, foreign entity.Entity, opts *ActionOptions) *DeletePivotRows {
	a := &DeletePivotRows{
		baseAction: newBaseAction("delete_pivot_rows", r.NativeMapper(), native, opts),
		relation:   r,
		foreign:    foreign,
	}
	a.self = a
	return a
}

// Foreign 关联的另一方
func (a *DeletePivotRows) Foreign() entity.Entity { return a.foreign }

// Deleted 删除的行数
func (a *DeletePivotRows) Deleted() int64 { return a.deleted }

func (a *DeletePivotRows) execute(ctx context.Context) error {
	n, err := a.relation.deletePivot(ctx, a.entity, a.foreign)
	a.deleted = n
	return err
}

func (a *DeletePivotRows) OnSuccess() {
	if a.entity.State() != entity.StateDeleted {
		a.relation.detachInMemory(a.entity, a.foreign)
	}
}

// CallbackAction 以函数形式插入动作树，用于行为和调用方的自定义步骤
type CallbackAction struct {
	baseAction
	run     func(ctx context.Context) error
	revert  func(ctx context.Context) error
	success func()
}

// NewCallbackAction 创建回调动作，revert 可以为 nil
func NewCallbackAction(m *Mapper, e entity.Entity, run, revert func(ctx context.Context) error) *CallbackAction {
	a := &CallbackAction{
		baseAction: newBaseAction("callback", m, e, nil),
		run:        run,
		revert:     revert,
	}
	a.self = a
	return a
}

// OnSuccessFunc 设置成功回调
func (a *CallbackAction) OnSuccessFunc(fn func()) *CallbackAction {
	a.success = fn
	return a
}

func (a *CallbackAction) execute(ctx context.Context) error {
	if a.run == nil {
		return nil
	}
	return a.run(ctx)
}

func (a *CallbackAction) undo(ctx context.Context) error {
	if a.revert == nil {
		return nil
	}
	return a.revert(ctx)
}

func (a *CallbackAction) OnSuccess() {
	if a.success != nil {
		a.success()
	}
}
