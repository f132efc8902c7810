package orm

import (
	"context"
	"reflect"
	"sync"

	"datamapper/data/db"
	"datamapper/data/orm/entity"
	"datamapper/errors"
	"datamapper/logging"
)

// Mapper 一张表（或一个带 guard 的表子集）与实体之间的映射
type Mapper struct {
	orm      *Orm
	cfg      *Config
	hydrator *Hydrator
	logger   logging.Logger

	relations     map[string]Relation
	relationOrder []string
	aggregates    map[string]*Aggregate
	entityType    reflect.Type

	mu         sync.RWMutex
	behaviours []Behaviour
	scopes     map[string]ScopeFunc
}

func newMapper(o *Orm, cfg *Config) *Mapper {
	m := &Mapper{
		orm:        o,
		cfg:        cfg,
		logger:     o.logger.WithFields(logging.String("mapper", cfg.Name)),
		relations:  make(map[string]Relation, len(cfg.Relations)),
		aggregates: make(map[string]*Aggregate),
		scopes:     make(map[string]ScopeFunc, len(cfg.Scopes)),
	}
	m.hydrator = newHydrator(m)
	m.entityType = reflect.TypeOf(m.factory())
	for _, rc := range cfg.Relations {
		r := newRelation(m, rc)
		m.relations[rc.Name] = r
		m.relationOrder = append(m.relationOrder, rc.Name)
		for _, agg := range r.Aggregates() {
			m.aggregates[agg.Name()] = agg
		}
	}
	for name, fn := range cfg.Scopes {
		m.scopes[name] = fn
	}
	for _, b := range cfg.Behaviours {
		m.AddBehaviour(b)
	}
	return m
}

func (m *Mapper) Name() string { return m.cfg.Name }

func (m *Mapper) Table() string { return m.cfg.Table }

// Alias 查询中使用的表别名，未配置时为表名
func (m *Mapper) Alias() string { return m.cfg.alias() }

func (m *Mapper) PrimaryKey() []string { return append([]string(nil), m.cfg.PrimaryKey...) }

func (m *Mapper) Columns() []string { return append([]string(nil), m.cfg.Columns...) }

func (m *Mapper) HasColumn(column string) bool { return contains(m.cfg.Columns, column) }

// Guards mapper 的固定条件（副本）
func (m *Mapper) Guards() map[string]any { return copyMap(m.cfg.Guards) }

// Attribute 列对应的属性名
func (m *Mapper) Attribute(column string) string { return m.cfg.attribute(column) }

func (m *Mapper) Hydrator() *Hydrator { return m.hydrator }

func (m *Mapper) Orm() *Orm { return m.orm }

func (m *Mapper) Logger() logging.Logger { return m.logger }

// Relation 按名称取关联
func (m *Mapper) Relation(name string) (Relation, error) {
	r, ok := m.relations[name]
	if !ok {
		return nil, errors.NewErrorf(errors.ErrCodeInvalidRelation, "%s: unknown relation %s", m.Name(), name)
	}
	return r, nil
}

// Relations 按配置顺序返回所有关联
func (m *Mapper) Relations() []Relation {
	out := make([]Relation, 0, len(m.relationOrder))
	for _, name := range m.relationOrder {
		out = append(out, m.relations[name])
	}
	return out
}

// AddBehaviour 登记行为，行为提供的命名范围一并登记
func (m *Mapper) AddBehaviour(b Behaviour) *Mapper {
	if b == nil {
		return m
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviours = append(m.behaviours, b)
	if sp, ok := b.(ScopeProvider); ok {
		for name, fn := range sp.Scopes() {
			m.scopes[name] = fn
		}
	}
	return m
}

// Behaviours 按登记顺序返回行为
func (m *Mapper) Behaviours() []Behaviour {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Behaviour(nil), m.behaviours...)
}

// Without 返回去掉指定行为的 mapper 副本，关联与配置共享
func (m *Mapper) Without(names ...string) *Mapper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := &Mapper{
		orm:           m.orm,
		cfg:           m.cfg,
		hydrator:      m.hydrator,
		logger:        m.logger,
		relations:     m.relations,
		relationOrder: m.relationOrder,
		aggregates:    m.aggregates,
		entityType:    m.entityType,
		scopes:        make(map[string]ScopeFunc, len(m.scopes)),
	}
	for k, v := range m.scopes {
		c.scopes[k] = v
	}
	for _, b := range m.behaviours {
		if !contains(names, b.Name()) {
			c.behaviours = append(c.behaviours, b)
		}
	}
	return c
}

// AddQueryScope 登记命名查询范围
func (m *Mapper) AddQueryScope(name string, fn ScopeFunc) *Mapper {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes[name] = fn
	return m
}

func (m *Mapper) scope(name string) (ScopeFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.scopes[name]
	return fn, ok
}

func (m *Mapper) factory() entity.Entity {
	if m.cfg.EntityFactory != nil {
		return m.cfg.EntityFactory()
	}
	return entity.NewGenericEntity()
}

// blank 空实体，new_entity 扩展点在填充之后调用
func (m *Mapper) blank() entity.Entity {
	return m.factory()
}

func (m *Mapper) onNewEntity(e entity.Entity) entity.Entity {
	for _, b := range m.Behaviours() {
		if h, ok := b.(EntityHook); ok {
			e = h.OnNewEntity(m, e)
		}
	}
	return e
}

// Accepts 实体类型是否与 mapper 的实体工厂一致
func (m *Mapper) Accepts(e entity.Entity) bool {
	return e != nil && reflect.TypeOf(e) == m.entityType
}

// NewQuery 带 mapper guard 的新查询，经过 new_query 扩展点
func (m *Mapper) NewQuery() *Query {
	q := newQuery(m)
	for _, c := range guardConditions(m.orm.dialect, m.cfg.alias(), m.cfg.Guards) {
		q.Guard("mapper", c.expr, c.args...)
	}
	for _, b := range m.Behaviours() {
		if h, ok := b.(QueryHook); ok {
			q = h.OnNewQuery(m, q)
		}
	}
	return q
}

// NewEntity 从属性构建 NEW 实体，补全默认值
func (m *Mapper) NewEntity(attrs map[string]any) (entity.Entity, error) {
	e, err := m.hydrator.HydrateMap(attrs)
	if err != nil {
		return nil, err
	}
	return m.onNewEntity(e), nil
}

// NewCollection 以 mapper 主键为去重键的集合
func (m *Mapper) NewCollection(items ...entity.Entity) *entity.Collection {
	return entity.NewCollection(m.hydrator.PK, items...)
}

// Find 按主键查询，不存在时返回 NOT_FOUND
func (m *Mapper) Find(ctx context.Context, pk any, load ...string) (entity.Entity, error) {
	return m.NewQuery().WherePK(pk).Load(load...).First(ctx)
}

// NewSaveAction 按实体状态构建 Insert 或 Update，经过 new_save_action 扩展点
func (m *Mapper) NewSaveAction(e entity.Entity, opts ...ActionOption) (Action, error) {
	if !m.Accepts(e) {
		return nil, errors.NewErrorf(errors.ErrCodeInvalidEntity, "%s cannot save %T", m.Name(), e)
	}
	if e.State() == entity.StateDeleted {
		return nil, errors.NewErrorf(errors.ErrCodeEntityDeleted, "%s: cannot save a deleted entity", m.Name())
	}
	o := newActionOptions(opts)
	o.visit(e)

	var a Action
	if e.State() == entity.StateNew {
		a = newInsert(m, e, o)
	} else {
		a = newUpdate(m, e, o)
	}
	for _, b := range m.Behaviours() {
		if h, ok := b.(SaveActionHook); ok {
			a = h.OnNewSaveAction(m, a)
		}
	}
	return a, nil
}

// NewDeleteAction 构建删除动作，经过 new_delete_action 扩展点
func (m *Mapper) NewDeleteAction(e entity.Entity, opts ...ActionOption) (Action, error) {
	if !m.Accepts(e) {
		return nil, errors.NewErrorf(errors.ErrCodeInvalidEntity, "%s cannot delete %T", m.Name(), e)
	}
	o := newActionOptions(opts)
	o.visit(e)

	var a Action = newDelete(m, e, o)
	for _, b := range m.Behaviours() {
		if h, ok := b.(DeleteActionHook); ok {
			a = h.OnNewDeleteAction(m, a)
		}
	}
	return a, nil
}

// Save 在事务中保存实体及其关联
func (m *Mapper) Save(ctx context.Context, e entity.Entity, opts ...ActionOption) error {
	a, err := m.NewSaveAction(e, opts...)
	if err != nil {
		return err
	}
	return m.persist(ctx, a, PointSaving, PointSaved)
}

// Delete 在事务中删除实体并处理关联
func (m *Mapper) Delete(ctx context.Context, e entity.Entity, opts ...ActionOption) error {
	if e != nil && e.State() == entity.StateDeleted {
		return nil
	}
	a, err := m.NewDeleteAction(e, opts...)
	if err != nil {
		return err
	}
	return m.persist(ctx, a, PointDeleting, PointDeleted)
}

// Restore 恢复软删除的实体，需要登记实现 Restorer 的行为
func (m *Mapper) Restore(ctx context.Context, pk any) error {
	for _, b := range m.Behaviours() {
		if r, ok := b.(Restorer); ok {
			return r.Restore(ctx, m, pk)
		}
	}
	return errors.NewErrorf(errors.ErrCodeInvalidConfig, "%s does not support restore", m.Name())
}

// persist 上下文中已有事务时直接在其中执行，否则开启事务并在结束时提交或回滚一次
func (m *Mapper) persist(ctx context.Context, a Action, before, after ExtensionPoint) error {
	if _, ok := db.TxFrom(ctx); ok {
		return m.run(ctx, a, before, after)
	}

	tx, err := m.orm.locator.Write(ctx).Begin(ctx)
	if err != nil {
		return errors.WrapDatabaseError(ctx, err, "begin transaction")
	}
	txCtx := db.WithWriteLock(db.WithTx(ctx, tx))

	if err := m.run(txCtx, a, before, after); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Error(ctx, "rollback failed", logging.String("action", a.Name()), logging.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if rerr := a.Revert(txCtx); rerr != nil {
			m.logger.Error(ctx, "revert failed", logging.String("action", a.Name()), logging.Error(rerr))
		}
		return errors.ActionFailed(errors.WrapDatabaseError(ctx, err, "commit"), m.Name(), a.Name())
	}
	m.logger.Debug(ctx, "action committed", logging.String("action", a.Name()))
	return nil
}

func (m *Mapper) run(ctx context.Context, a Action, before, after ExtensionPoint) error {
	if err := m.fire(ctx, before, a); err != nil {
		return errors.ActionFailed(err, m.Name(), string(before))
	}
	if err := a.Run(ctx); err != nil {
		return err
	}
	if err := m.fire(ctx, after, a); err != nil {
		if rerr := a.Revert(ctx); rerr != nil {
			m.logger.Error(ctx, "revert failed", logging.String("action", a.Name()), logging.Error(rerr))
		}
		return errors.ActionFailed(err, m.Name(), string(after))
	}
	return nil
}
