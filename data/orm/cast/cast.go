// Package cast 提供属性类型转换注册表
//
// 转换以字符串键登记，键可以携带冒号分隔的参数，例如 "decimal:2"。
// 每个转换有两个方向：Cast 将数据库值转换为实体属性，ForDB 将属性转换为可写入数据库的值。
package cast

import (
	"strings"
	"sync"

	"datamapper/errors"
)

// Func 转换函数，args 为键中冒号之后的参数
type Func func(value any, args ...string) (any, error)

// Manager 转换注册表
type Manager struct {
	mu    sync.RWMutex
	casts map[string]Func
	forDB map[string]Func
}

// NewManager 创建注册表并登记内置转换
func NewManager() *Manager {
	m := &Manager{
		casts: make(map[string]Func),
		forDB: make(map[string]Func),
	}
	registerDefaults(m)
	return m
}

// Register 登记转换；forDB 为空时写库方向原样返回
func (m *Manager) Register(name string, cast Func, forDB Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.casts[name] = cast
	if forDB != nil {
		m.forDB[name] = forDB
	} else {
		delete(m.forDB, name)
	}
}

// Has 是否已登记
func (m *Manager) Has(key string) bool {
	name, _ := ParseKey(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.casts[name]
	return ok
}

// Cast 将数据库值转换为属性值；nil 原样返回
func (m *Manager) Cast(key string, value any) (any, error) {
	if value == nil || key == "" {
		return value, nil
	}
	name, args := ParseKey(key)
	m.mu.RLock()
	fn, ok := m.casts[name]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NewErrorf(errors.ErrCodeInvalidCast, "cast %q is not registered", name)
	}
	out, err := fn(value, args...)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidCast, "cast "+key+" failed")
	}
	return out, nil
}

// ForDB 将属性值转换为写库值；nil 原样返回
func (m *Manager) ForDB(key string, value any) (any, error) {
	if value == nil || key == "" {
		return value, nil
	}
	name, args := ParseKey(key)
	m.mu.RLock()
	fn, ok := m.forDB[name]
	_, known := m.casts[name]
	m.mu.RUnlock()
	if !ok {
		if !known {
			return nil, errors.NewErrorf(errors.ErrCodeInvalidCast, "cast %q is not registered", name)
		}
		return value, nil
	}
	out, err := fn(value, args...)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidCast, "cast "+key+" for db failed")
	}
	return out, nil
}

// ParseKey 拆分 "name:arg1,arg2" 形式的键
func ParseKey(key string) (string, []string) {
	name, rest, found := strings.Cut(strings.TrimSpace(key), ":")
	if !found || rest == "" {
		return name, nil
	}
	args := strings.Split(rest, ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}
	return name, args
}
