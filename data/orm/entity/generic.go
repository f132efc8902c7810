package entity

import (
	"context"
	"reflect"

	"datamapper/errors"
	"datamapper/logging"
)

// GenericEntity 基于 map 的通用实体实现，自定义实体可嵌入 *GenericEntity
type GenericEntity struct {
	order   []string
	attrs   map[string]any
	changed map[string]bool
	lazy    map[string]LazyLoader
	state   State
}

// NewGenericEntity 创建状态为 NEW 的空实体
func NewGenericEntity() *GenericEntity {
	return &GenericEntity{
		attrs:   make(map[string]any),
		changed: make(map[string]bool),
		lazy:    make(map[string]LazyLoader),
		state:   StateNew,
	}
}

// FromMap 以给定属性创建实体，属性顺序按 names 指定，names 为空时按 map 迭代顺序
func FromMap(attrs map[string]any, names ...string) *GenericEntity {
	e := NewGenericEntity()
	if len(names) == 0 {
		for k := range attrs {
			names = append(names, k)
		}
	}
	for _, n := range names {
		if v, ok := attrs[n]; ok {
			_ = e.Set(n, v)
		}
	}
	return e
}

func (e *GenericEntity) Get(name string) any {
	v, err := e.Resolve(name)
	if err != nil {
		logging.Component("orm.entity").Warn(context.Background(), "lazy attribute failed to load",
			logging.String("attribute", name), logging.Error(err))
		return nil
	}
	return v
}

// Resolve 解析延迟属性：解析前后的持久化状态保持不变，该属性不计入脏集合
func (e *GenericEntity) Resolve(name string) (any, error) {
	loader, ok := e.lazy[name]
	if !ok {
		return e.attrs[name], nil
	}
	value, err := loader.Load()
	if err != nil {
		return nil, err
	}
	delete(e.lazy, name)
	e.attrs[name] = value
	delete(e.changed, name)
	return value, nil
}

func (e *GenericEntity) Set(name string, value any) error {
	if e.state == StateDeleted {
		return errors.NewErrorf(errors.ErrCodeEntityDeleted, "cannot set %q on a deleted entity", name)
	}
	if loader, ok := value.(LazyLoader); ok {
		e.SetLazy(name, loader)
		return nil
	}

	_, wasLazy := e.lazy[name]
	old, existed := e.attrs[name]
	if wasLazy {
		delete(e.lazy, name)
	} else if existed && sameValue(old, value) {
		return nil
	}

	e.track(name)
	e.attrs[name] = value
	e.changed[name] = true
	if e.state == StateSynchronized {
		e.state = StateChanged
	}
	return nil
}

func (e *GenericEntity) Has(name string) bool {
	if _, ok := e.attrs[name]; ok {
		return true
	}
	_, ok := e.lazy[name]
	return ok
}

func (e *GenericEntity) Unset(name string) error {
	if e.state == StateDeleted {
		return errors.NewErrorf(errors.ErrCodeEntityDeleted, "cannot unset %q on a deleted entity", name)
	}
	if !e.Has(name) {
		return nil
	}
	delete(e.attrs, name)
	delete(e.lazy, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
	e.changed[name] = true
	if e.state == StateSynchronized {
		e.state = StateChanged
	}
	return nil
}

func (e *GenericEntity) Names() []string {
	return append([]string(nil), e.order...)
}

func (e *GenericEntity) ToMap() map[string]any {
	out := make(map[string]any, len(e.attrs))
	for k, v := range e.attrs {
		out[k] = v
	}
	return out
}

func (e *GenericEntity) State() State { return e.state }

// SetState 设置持久化状态；SYNCHRONIZED 会清空脏集合
func (e *GenericEntity) SetState(state State) {
	e.state = state
	if state == StateSynchronized {
		e.changed = make(map[string]bool)
	}
}

func (e *GenericEntity) IsChanged(names ...string) bool {
	if len(names) == 0 {
		return len(e.changed) > 0
	}
	for _, n := range names {
		if e.changed[n] {
			return true
		}
	}
	return false
}

// Changed 按属性顺序返回脏属性名
func (e *GenericEntity) Changed() []string {
	out := make([]string, 0, len(e.changed))
	for _, n := range e.order {
		if e.changed[n] {
			out = append(out, n)
		}
	}
	// 已被 Unset 的属性不在 order 中
	for n := range e.changed {
		if _, ok := e.attrs[n]; !ok {
			if _, lazy := e.lazy[n]; !lazy {
				out = append(out, n)
			}
		}
	}
	return out
}

func (e *GenericEntity) MarkClean(names ...string) {
	if len(names) == 0 {
		e.changed = make(map[string]bool)
		return
	}
	for _, n := range names {
		delete(e.changed, n)
	}
}

func (e *GenericEntity) SetLazy(name string, loader LazyLoader) {
	if loader == nil {
		return
	}
	e.track(name)
	delete(e.attrs, name)
	e.lazy[name] = loader
}

func (e *GenericEntity) IsLazy(name string) bool {
	_, ok := e.lazy[name]
	return ok
}

func (e *GenericEntity) Snapshot() Snapshot {
	s := Snapshot{
		order:   append([]string(nil), e.order...),
		attrs:   make(map[string]any, len(e.attrs)),
		changed: make(map[string]bool, len(e.changed)),
		lazy:    make(map[string]LazyLoader, len(e.lazy)),
		state:   e.state,
	}
	for k, v := range e.attrs {
		s.attrs[k] = v
	}
	for k, v := range e.changed {
		s.changed[k] = v
	}
	for k, v := range e.lazy {
		s.lazy[k] = v
	}
	return s
}

func (e *GenericEntity) Restore(s Snapshot) {
	e.order = append([]string(nil), s.order...)
	e.attrs = make(map[string]any, len(s.attrs))
	for k, v := range s.attrs {
		e.attrs[k] = v
	}
	e.changed = make(map[string]bool, len(s.changed))
	for k, v := range s.changed {
		e.changed[k] = v
	}
	e.lazy = make(map[string]LazyLoader, len(s.lazy))
	for k, v := range s.lazy {
		e.lazy[k] = v
	}
	e.state = s.state
}

func (e *GenericEntity) track(name string) {
	if _, ok := e.attrs[name]; ok {
		return
	}
	if _, ok := e.lazy[name]; ok {
		return
	}
	e.order = append(e.order, name)
}

// sameValue 实体与集合按引用比较，其余按值比较
func sameValue(a, b any) bool {
	switch av := a.(type) {
	case Entity:
		bv, ok := b.(Entity)
		return ok && av == bv
	case *Collection:
		bv, ok := b.(*Collection)
		return ok && av == bv
	}
	if _, ok := b.(Entity); ok {
		return false
	}
	if _, ok := b.(*Collection); ok {
		return false
	}
	return reflect.DeepEqual(a, b)
}
