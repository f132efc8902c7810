package entity

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KeyFunc 返回实体的主键值（复合主键按列顺序）
type KeyFunc func(e Entity) []any

// AttributeKey 以若干属性作为主键的 KeyFunc
func AttributeKey(names ...string) KeyFunc {
	return func(e Entity) []any {
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = e.Get(n)
		}
		return out
	}
}

// Collection 有序实体集合，按主键去重并记录增删变化
//
// 主键为空的实体永远不被视为“已包含”；同一引用不会被重复追加。
type Collection struct {
	items []Entity
	key   KeyFunc

	added   map[string]Entity
	removed map[string]Entity
	// 变化桶的插入顺序
	addedOrder   []string
	removedOrder []string
}

// NewCollection 创建集合，初始元素不计入变化
func NewCollection(key KeyFunc, items ...Entity) *Collection {
	if key == nil {
		key = AttributeKey("id")
	}
	c := &Collection{
		key:     key,
		added:   make(map[string]Entity),
		removed: make(map[string]Entity),
	}
	for _, e := range items {
		if e != nil && c.indexOf(e) < 0 {
			c.items = append(c.items, e)
		}
	}
	return c
}

// Identity 返回实体在集合中的标识；主键不完整时返回 false
func (c *Collection) Identity(e Entity) (string, bool) {
	return KeyIdentity(c.key(e))
}

// KeyIdentity 计算键值元组的哈希标识，数值类型归一化后比较
func KeyIdentity(key []any) (string, bool) {
	if len(key) == 0 {
		return "", false
	}
	var sb strings.Builder
	for i, v := range key {
		s, ok := normalizeKey(v)
		if !ok {
			return "", false
		}
		if i > 0 {
			sb.WriteByte(0)
		}
		sb.WriteString(s)
	}
	return strconv.FormatUint(xxhash.Sum64String(sb.String()), 16), true
}

func normalizeKey(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		if x == "" {
			return "", false
		}
		return "s:" + x, true
	case int:
		return "n:" + strconv.FormatInt(int64(x), 10), true
	case int32:
		return "n:" + strconv.FormatInt(int64(x), 10), true
	case int64:
		return "n:" + strconv.FormatInt(x, 10), true
	case uint:
		return "n:" + strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return "n:" + strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return "n:" + strconv.FormatUint(x, 10), true
	case float64:
		if x == math.Trunc(x) {
			return "n:" + strconv.FormatInt(int64(x), 10), true
		}
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64), true
	case float32:
		return normalizeKey(float64(x))
	case []byte:
		return normalizeKey(string(x))
	default:
		return "v:" + fmt.Sprint(x), true
	}
}

func refIdentity(e Entity) string {
	return fmt.Sprintf("ref:%p", e)
}

func (c *Collection) bucketID(e Entity) string {
	if id, ok := c.Identity(e); ok {
		return id
	}
	return refIdentity(e)
}

// indexOf 按主键查找；主键为空时按引用查找
func (c *Collection) indexOf(e Entity) int {
	id, ok := c.Identity(e)
	for i, item := range c.items {
		if item == e {
			return i
		}
		if ok {
			if other, ok := c.Identity(item); ok && other == id {
				return i
			}
		}
	}
	return -1
}

// Contains 按主键判断是否包含；主键为空的实体永远返回 false
func (c *Collection) Contains(e Entity) bool {
	if e == nil {
		return false
	}
	if _, ok := c.Identity(e); !ok {
		return false
	}
	return c.indexOf(e) >= 0
}

// Add 追加实体，已包含时为空操作并返回 false
func (c *Collection) Add(e Entity) bool {
	if e == nil || c.indexOf(e) >= 0 {
		return false
	}
	c.items = append(c.items, e)
	id := c.bucketID(e)
	if _, ok := c.removed[id]; ok {
		delete(c.removed, id)
		c.removedOrder = without(c.removedOrder, id)
	}
	if _, ok := c.added[id]; !ok {
		c.added[id] = e
		c.addedOrder = append(c.addedOrder, id)
	}
	return true
}

// Remove 移除实体；不在集合中时为空操作并返回 false。
// 移除本次新增的实体只撤销新增记录，不进入 removed。
func (c *Collection) Remove(e Entity) bool {
	if e == nil {
		return false
	}
	idx := c.indexOf(e)
	if idx < 0 {
		return false
	}
	item := c.items[idx]
	c.items = append(c.items[:idx:idx], c.items[idx+1:]...)

	if id, ok := c.addedID(item); ok {
		delete(c.added, id)
		c.addedOrder = without(c.addedOrder, id)
		return true
	}
	id := c.bucketID(item)
	if _, ok := c.removed[id]; !ok {
		c.removed[id] = item
		c.removedOrder = append(c.removedOrder, id)
	}
	return true
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// Count 元素数量
func (c *Collection) Count() int { return len(c.items) }

// All 返回元素副本
func (c *Collection) All() []Entity {
	return append([]Entity(nil), c.items...)
}

// At 按下标取元素，越界返回 nil
func (c *Collection) At(i int) Entity {
	if i < 0 || i >= len(c.items) {
		return nil
	}
	return c.items[i]
}

// First 第一个元素
func (c *Collection) First() Entity { return c.At(0) }

// FindByKey 按主键查找
func (c *Collection) FindByKey(key ...any) Entity {
	id, ok := KeyIdentity(key)
	if !ok {
		return nil
	}
	for _, item := range c.items {
		if other, ok := c.Identity(item); ok && other == id {
			return item
		}
	}
	return nil
}

// Pluck 取所有元素的某个属性
func (c *Collection) Pluck(name string) []any {
	out := make([]any, len(c.items))
	for i, item := range c.items {
		out[i] = item.Get(name)
	}
	return out
}

// Added 按加入顺序返回新增的实体
func (c *Collection) Added() []Entity {
	out := make([]Entity, 0, len(c.addedOrder))
	for _, id := range c.addedOrder {
		out = append(out, c.added[id])
	}
	return out
}

// Removed 按移除顺序返回被移除的实体
func (c *Collection) Removed() []Entity {
	out := make([]Entity, 0, len(c.removedOrder))
	for _, id := range c.removedOrder {
		out = append(out, c.removed[id])
	}
	return out
}

// IsAdded 实体是否在新增桶中
func (c *Collection) IsAdded(e Entity) bool {
	_, ok := c.addedID(e)
	return ok
}

// addedID 新增桶中的标识；实体加入后主键可能才生成，因此先按引用查找
func (c *Collection) addedID(e Entity) (string, bool) {
	for id, item := range c.added {
		if item == e {
			return id, true
		}
	}
	id := c.bucketID(e)
	_, ok := c.added[id]
	return id, ok
}

// HasChanges 是否存在未持久化的增删
func (c *Collection) HasChanges() bool {
	return len(c.added) > 0 || len(c.removed) > 0
}

// ClearChanges 清空增删记录（持久化成功后调用）
func (c *Collection) ClearChanges() {
	c.added = make(map[string]Entity)
	c.removed = make(map[string]Entity)
	c.addedOrder = nil
	c.removedOrder = nil
}

// CollectionSnapshot 集合成员与增删记录的副本
type CollectionSnapshot struct {
	items        []Entity
	added        map[string]Entity
	removed      map[string]Entity
	addedOrder   []string
	removedOrder []string
}

// Snapshot 复制成员与增删记录，用于动作回滚
func (c *Collection) Snapshot() CollectionSnapshot {
	return CollectionSnapshot{
		items:        append([]Entity(nil), c.items...),
		added:        copyBucket(c.added),
		removed:      copyBucket(c.removed),
		addedOrder:   append([]string(nil), c.addedOrder...),
		removedOrder: append([]string(nil), c.removedOrder...),
	}
}

// Restore 恢复到 Snapshot 时的成员与增删记录
func (c *Collection) Restore(s CollectionSnapshot) {
	c.items = append([]Entity(nil), s.items...)
	c.added = copyBucket(s.added)
	c.removed = copyBucket(s.removed)
	c.addedOrder = append([]string(nil), s.addedOrder...)
	c.removedOrder = append([]string(nil), s.removedOrder...)
}

func copyBucket(b map[string]Entity) map[string]Entity {
	out := make(map[string]Entity, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// SetKeyFunc 替换主键函数（mapper 创建集合后设置）
func (c *Collection) SetKeyFunc(key KeyFunc) {
	if key != nil {
		c.key = key
	}
}
