// Package event 定义映射层在各扩展点上发出的事件以及事件分发器
//
// 事件名为 "<mapper>.<point>"，例如 "products.saving"。Events 行为把 mapper 的扩展点
// 转换为事件交给 Dispatcher；同步分发器可以在 saving/deleting 上否决操作，
// redisstream 与 natsjs 子包把事件发布到外部消息系统。
package event

import (
	"context"
	"time"

	"github.com/google/uuid"

	"datamapper/data/orm"
	"datamapper/data/orm/entity"
)

// Event 扩展点事件
type Event struct {
	ID        string
	Name      string
	Mapper    string
	Point     orm.ExtensionPoint
	Entity    entity.Entity
	Query     *orm.Query
	Action    orm.Action
	Timestamp time.Time
}

// New 创建事件，ID 使用 UUIDv7 以便按时间排序
func New(mapper string, point orm.ExtensionPoint) *Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Event{
		ID:        id.String(),
		Name:      Name(mapper, point),
		Mapper:    mapper,
		Point:     point,
		Timestamp: time.Now().UTC(),
	}
}

// Name 事件名
func Name(mapper string, point orm.ExtensionPoint) string {
	return mapper + "." + string(point)
}

// Dispatcher 事件分发器
//
// 在 saving/deleting 上返回错误会否决对应的保存/删除。
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *Event) error
}

// DispatcherFunc 函数形式的 Dispatcher
type DispatcherFunc func(ctx context.Context, ev *Event) error

func (f DispatcherFunc) Dispatch(ctx context.Context, ev *Event) error { return f(ctx, ev) }

// Fanout 依次交给多个分发器，遇到第一个错误即返回
func Fanout(dispatchers ...Dispatcher) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, ev *Event) error {
		for _, d := range dispatchers {
			if d == nil {
				continue
			}
			if err := d.Dispatch(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// Payload 实体的可序列化视图：嵌套实体展开为 map，集合展开为切片，未加载的延迟属性被忽略
func Payload(e entity.Entity) map[string]any {
	if e == nil {
		return nil
	}
	out := make(map[string]any)
	for _, name := range e.Names() {
		if e.IsLazy(name) {
			continue
		}
		out[name] = payloadValue(e.Get(name))
	}
	return out
}

func payloadValue(v any) any {
	switch x := v.(type) {
	case entity.Entity:
		return Payload(x)
	case *entity.Collection:
		if x == nil {
			return nil
		}
		items := make([]any, 0, x.Count())
		for _, item := range x.All() {
			items = append(items, Payload(item))
		}
		return items
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
