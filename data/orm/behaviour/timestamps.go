// Package behaviour 提供 mapper 的内置行为：时间戳、软删除和事件
package behaviour

import (
	"time"

	"datamapper/data/orm"
)

// Timestamps 在插入时写入创建/更新时间，在更新时写入更新时间
//
// 时间以追加列的形式注入，只有实际发出 UPDATE 时才会写入 updated_at。
type Timestamps struct {
	createdAt string
	updatedAt string
	now       func() time.Time
}

// TimestampsOption 时间戳行为选项
type TimestampsOption func(*Timestamps)

// WithColumns 自定义列名，空字符串表示不写该列
func WithColumns(createdAt, updatedAt string) TimestampsOption {
	return func(t *Timestamps) {
		t.createdAt = createdAt
		t.updatedAt = updatedAt
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) TimestampsOption {
	return func(t *Timestamps) { t.now = now }
}

// NewTimestamps 默认列为 created_at 与 updated_at
func NewTimestamps(opts ...TimestampsOption) *Timestamps {
	t := &Timestamps{createdAt: "created_at", updatedAt: "updated_at", now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Timestamps) Name() string { return "timestamps" }

func (t *Timestamps) OnNewSaveAction(m *orm.Mapper, a orm.Action) orm.Action {
	now := t.now().UTC().Truncate(time.Second)
	switch a.(type) {
	case *orm.Insert:
		if t.createdAt != "" && m.HasColumn(t.createdAt) && a.Entity().Get(m.Attribute(t.createdAt)) == nil {
			a.SetColumn(t.createdAt, now)
		}
		if t.updatedAt != "" && m.HasColumn(t.updatedAt) {
			a.SetColumn(t.updatedAt, now)
		}
	case *orm.Update:
		if t.updatedAt != "" && m.HasColumn(t.updatedAt) {
			a.SetColumn(t.updatedAt, now)
		}
	}
	return a
}
