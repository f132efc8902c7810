package behaviour

import (
	"context"

	"datamapper/data/orm"
	"datamapper/data/orm/entity"
	"datamapper/data/orm/event"
	"datamapper/logging"
)

// Events 把 mapper 的扩展点转换为事件
//
// saving/deleting 上分发器返回的错误会否决保存/删除；new_query、new_entity 等
// 没有上下文的扩展点使用 context.Background，错误只记录日志。
type Events struct {
	dispatcher event.Dispatcher
	points     map[orm.ExtensionPoint]bool
	logger     logging.Logger
}

// NewEvents points 为空时分发全部扩展点
func NewEvents(d event.Dispatcher, points ...orm.ExtensionPoint) *Events {
	e := &Events{dispatcher: d, logger: logging.Component("orm.events")}
	if len(points) > 0 {
		e.points = make(map[orm.ExtensionPoint]bool, len(points))
		for _, p := range points {
			e.points[p] = true
		}
	}
	return e
}

func (b *Events) Name() string { return "events" }

func (b *Events) enabled(p orm.ExtensionPoint) bool {
	return b.points == nil || b.points[p]
}

func (b *Events) dispatch(ctx context.Context, m *orm.Mapper, p orm.ExtensionPoint, fill func(*event.Event)) error {
	if b.dispatcher == nil || !b.enabled(p) {
		return nil
	}
	ev := event.New(m.Name(), p)
	fill(ev)
	return b.dispatcher.Dispatch(ctx, ev)
}

// notify 无法中止的扩展点
func (b *Events) notify(m *orm.Mapper, p orm.ExtensionPoint, fill func(*event.Event)) {
	ctx := context.Background()
	if err := b.dispatch(ctx, m, p, fill); err != nil {
		b.logger.Warn(ctx, "event listener failed",
			logging.String("mapper", m.Name()), logging.String("point", string(p)), logging.Error(err))
	}
}

func withAction(a orm.Action) func(*event.Event) {
	return func(ev *event.Event) {
		ev.Action = a
		ev.Entity = a.Entity()
	}
}

func (b *Events) OnNewQuery(m *orm.Mapper, q *orm.Query) *orm.Query {
	b.notify(m, orm.PointNewQuery, func(ev *event.Event) { ev.Query = q })
	return q
}

func (b *Events) OnNewEntity(m *orm.Mapper, e entity.Entity) entity.Entity {
	b.notify(m, orm.PointNewEntity, func(ev *event.Event) { ev.Entity = e })
	return e
}

func (b *Events) OnNewSaveAction(m *orm.Mapper, a orm.Action) orm.Action {
	b.notify(m, orm.PointNewSaveAction, withAction(a))
	return a
}

func (b *Events) OnNewDeleteAction(m *orm.Mapper, a orm.Action) orm.Action {
	b.notify(m, orm.PointNewDeleteAction, withAction(a))
	return a
}

func (b *Events) OnSaving(ctx context.Context, m *orm.Mapper, a orm.Action) error {
	return b.dispatch(ctx, m, orm.PointSaving, withAction(a))
}

func (b *Events) OnSaved(ctx context.Context, m *orm.Mapper, a orm.Action) error {
	return b.dispatch(ctx, m, orm.PointSaved, withAction(a))
}

func (b *Events) OnDeleting(ctx context.Context, m *orm.Mapper, a orm.Action) error {
	return b.dispatch(ctx, m, orm.PointDeleting, withAction(a))
}

func (b *Events) OnDeleted(ctx context.Context, m *orm.Mapper, a orm.Action) error {
	return b.dispatch(ctx, m, orm.PointDeleted, withAction(a))
}
