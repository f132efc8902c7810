// Package orm 实现数据映射层：mapper 注册表、查询、关联与持久化动作树
//
// 使用方式：
//
//	o := orm.New(locator)
//	_ = o.Register(orm.Config{Name: "products", Table: "products", Columns: ...})
//	products, _ := o.Mapper("products")
//	p, _ := products.Find(ctx, 1, "category")
//
// 注册分两阶段：Register 只收集并校验各自的配置；第一次取用 mapper（或显式调用
// Resolve）时，所有互相引用的关联默认值一次性推断完成，之后注册表不再接受新配置。
package orm

import (
	"context"
	"sort"
	"sync"

	"datamapper/data/db"
	"datamapper/data/db/dialect"
	"datamapper/data/orm/cast"
	"datamapper/errors"
	"datamapper/logging"
)

// Orm mapper 注册表
type Orm struct {
	locator *db.ConnectionLocator
	casts   *cast.Manager
	logger  logging.Logger
	dialect dialect.Dialect

	mu       sync.RWMutex
	configs  map[string]*Config
	order    []string
	mappers  map[string]*Mapper
	resolved bool
}

// Option Orm 选项
type Option func(*Orm)

// WithCasts 使用自定义的转换管理器
func WithCasts(m *cast.Manager) Option {
	return func(o *Orm) {
		if m != nil {
			o.casts = m
		}
	}
}

// WithLogger 指定日志
func WithLogger(l logging.Logger) Option {
	return func(o *Orm) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建注册表
func New(locator *db.ConnectionLocator, opts ...Option) *Orm {
	o := &Orm{
		locator: locator,
		casts:   cast.NewManager(),
		logger:  logging.Component("orm"),
		configs: make(map[string]*Config),
		mappers: make(map[string]*Mapper),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.dialect = dialect.FromDatabase(locator.Write(context.Background()))
	return o
}

// Locator 连接定位器
func (o *Orm) Locator() *db.ConnectionLocator { return o.locator }

// Casts 转换管理器
func (o *Orm) Casts() *cast.Manager { return o.casts }

// Dialect 写连接的方言
func (o *Orm) Dialect() dialect.Dialect { return o.dialect }

// Register 登记 mapper 配置
func (o *Orm) Register(cfg Config) error {
	c := cfg.clone()
	if err := c.validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resolved {
		return errors.NewErrorf(errors.ErrCodeInvalidConfig, "cannot register %s: registry already resolved", c.Name)
	}
	if _, ok := o.configs[c.Name]; ok {
		return errors.NewErrorf(errors.ErrCodeInvalidConfig, "mapper %s already registered", c.Name)
	}
	o.configs[c.Name] = c
	o.order = append(o.order, c.Name)
	return nil
}

// Names 已登记的 mapper 名称（按名称排序）
func (o *Orm) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := append([]string(nil), o.order...)
	sort.Strings(out)
	return out
}

// Resolve 推断所有关联默认值并构建 mapper，重复调用无副作用
func (o *Orm) Resolve() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolveLocked()
}

func (o *Orm) resolveLocked() error {
	if o.resolved {
		return nil
	}

	resolved := make(map[string][]RelationConfig, len(o.configs))
	for _, name := range o.order {
		cfg := o.configs[name]
		rels := make([]RelationConfig, 0, len(cfg.Relations))
		for _, rc := range cfg.Relations {
			foreign, ok := o.configs[rc.ForeignMapper]
			if !ok {
				return errors.NewErrorf(errors.ErrCodeInvalidConfig,
					"mapper %s relation %s: foreign mapper %s is not registered", name, rc.Name, rc.ForeignMapper)
			}
			r, err := resolveRelation(cfg, foreign, rc)
			if err != nil {
				return err
			}
			rels = append(rels, r)
		}
		resolved[name] = rels
	}

	for _, name := range o.order {
		cfg := o.configs[name]
		cfg.Relations = resolved[name]
		o.mappers[name] = newMapper(o, cfg)
	}
	o.resolved = true
	o.logger.Debug(context.Background(), "mapper registry resolved", logging.Strings("mappers", o.order))
	return nil
}

// Mapper 取用 mapper；首次调用时触发 Resolve
func (o *Orm) Mapper(name string) (*Mapper, error) {
	o.mu.RLock()
	if o.resolved {
		m, ok := o.mappers[name]
		o.mu.RUnlock()
		if !ok {
			return nil, errors.NewErrorf(errors.ErrCodeInvalidConfig, "mapper %s is not registered", name)
		}
		return m, nil
	}
	o.mu.RUnlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.resolveLocked(); err != nil {
		return nil, err
	}
	m, ok := o.mappers[name]
	if !ok {
		return nil, errors.NewErrorf(errors.ErrCodeInvalidConfig, "mapper %s is not registered", name)
	}
	return m, nil
}

// MustMapper 与 Mapper 相同，出错时 panic，用于初始化代码
func (o *Orm) MustMapper(name string) *Mapper {
	m, err := o.Mapper(name)
	if err != nil {
		panic(err)
	}
	return m
}
