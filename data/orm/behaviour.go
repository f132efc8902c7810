package orm

import (
	"context"

	"datamapper/data/orm/entity"
)

// ExtensionPoint mapper 的扩展点
type ExtensionPoint string

const (
	PointNewQuery        ExtensionPoint = "new_query"
	PointNewEntity       ExtensionPoint = "new_entity"
	PointNewSaveAction   ExtensionPoint = "new_save_action"
	PointNewDeleteAction ExtensionPoint = "new_delete_action"
	PointSaving          ExtensionPoint = "saving"
	PointSaved           ExtensionPoint = "saved"
	PointDeleting        ExtensionPoint = "deleting"
	PointDeleted         ExtensionPoint = "deleted"
)

// Behaviour 挂在 mapper 上的行为，按登记顺序调用
//
// 行为只需实现它关心的扩展点接口（QueryHook、SaveActionHook 等）。
type Behaviour interface {
	Name() string
}

type QueryHook interface {
	OnNewQuery(m *Mapper, q *Query) *Query
}

type EntityHook interface {
	OnNewEntity(m *Mapper, e entity.Entity) entity.Entity
}

// SaveActionHook 可以修改或替换保存动作
type SaveActionHook interface {
	OnNewSaveAction(m *Mapper, a Action) Action
}

// DeleteActionHook 可以修改或替换删除动作
type DeleteActionHook interface {
	OnNewDeleteAction(m *Mapper, a Action) Action
}

// SavingHook 返回错误时保存被否决
type SavingHook interface {
	OnSaving(ctx context.Context, m *Mapper, a Action) error
}

type SavedHook interface {
	OnSaved(ctx context.Context, m *Mapper, a Action) error
}

// DeletingHook 返回错误时删除被否决
type DeletingHook interface {
	OnDeleting(ctx context.Context, m *Mapper, a Action) error
}

type DeletedHook interface {
	OnDeleted(ctx context.Context, m *Mapper, a Action) error
}

// ScopeProvider 行为登记时一并登记的命名查询范围
type ScopeProvider interface {
	Scopes() map[string]ScopeFunc
}

// Restorer 支持 Mapper.Restore 的行为（软删除）
type Restorer interface {
	Restore(ctx context.Context, m *Mapper, pk any) error
}

func (m *Mapper) fire(ctx context.Context, point ExtensionPoint, a Action) error {
	for _, b := range m.Behaviours() {
		var err error
		switch point {
		case PointSaving:
			if h, ok := b.(SavingHook); ok {
				err = h.OnSaving(ctx, m, a)
			}
		case PointSaved:
			if h, ok := b.(SavedHook); ok {
				err = h.OnSaved(ctx, m, a)
			}
		case PointDeleting:
			if h, ok := b.(DeletingHook); ok {
				err = h.OnDeleting(ctx, m, a)
			}
		case PointDeleted:
			if h, ok := b.(DeletedHook); ok {
				err = h.OnDeleted(ctx, m, a)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
