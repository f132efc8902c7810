package orm

import (
	"context"

	"datamapper/data/orm/entity"
	"datamapper/errors"
)

// Relation 两个 mapper 之间的关联
//
// 关联负责三件事：为一批本方实体构建查询并把结果匹配回各自的实体；
// 在保存/删除时向动作树追加子动作；在 AttachEntities/DetachEntities 中修改外键。
type Relation interface {
	Name() string
	Type() RelationType
	Config() RelationConfig
	NativeMapper() *Mapper
	ForeignMapper() (*Mapper, error)
	IsCascade() bool
	Aggregates() []*Aggregate

	// Query 构建 tracker 中所有本方实体的批量查询
	Query(t *Tracker) (*Query, error)
	// Matches 从批量结果中挑出属于 native 的实体：单值关联返回实体或 nil，其余返回集合
	Matches(native entity.Entity, results []entity.Entity) any
	AttachMatches(native entity.Entity, results []entity.Entity) error
	AttachLazy(native entity.Entity, t *Tracker)

	AddActionsOnSave(ctx context.Context, a Action) error
	AddActionsOnDelete(ctx context.Context, a Action) error

	linked(native, foreign entity.Entity) entity.Entity
	link(ctx context.Context, native, foreign entity.Entity) error
	unlink(native, foreign entity.Entity) error
	attachInMemory(native, foreign entity.Entity)
	detachInMemory(native, foreign entity.Entity)
	matchColumns(fm *Mapper) []string
}

type relation struct {
	cfg        RelationConfig
	native     *Mapper
	aggregates []*Aggregate
}

func newRelation(m *Mapper, cfg RelationConfig) Relation {
	base := &relation{cfg: cfg, native: m}
	var r Relation
	switch cfg.Type {
	case OneToOne:
		r = &OneToOneRelation{hasRelation{base}}
	case OneToMany:
		r = &OneToManyRelation{hasRelation{base}}
	case ManyToOne:
		r = &ManyToOneRelation{base}
	default:
		r = &ManyToManyRelation{base}
	}
	for _, ac := range cfg.Aggregates {
		base.aggregates = append(base.aggregates, &Aggregate{cfg: ac, relation: r})
	}
	return r
}

func (r *relation) Name() string { return r.cfg.Name }

func (r *relation) Type() RelationType { return r.cfg.Type }

func (r *relation) Config() RelationConfig { return r.cfg }

func (r *relation) NativeMapper() *Mapper { return r.native }

func (r *relation) IsCascade() bool { return r.cfg.Cascade }

func (r *relation) Aggregates() []*Aggregate { return r.aggregates }

// ForeignMapper 在调用时从注册表解析，关联之间可以循环引用
func (r *relation) ForeignMapper() (*Mapper, error) {
	m, err := r.native.orm.Mapper(r.cfg.ForeignMapper)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidRelation, r.native.Name()+"."+r.cfg.Name)
	}
	return m, nil
}

func (r *relation) single() bool {
	return r.cfg.Type == OneToOne || r.cfg.Type == ManyToOne
}

func (r *relation) nativeKey(e entity.Entity) []any {
	return r.native.hydrator.Columns(e, r.cfg.NativeKey)
}

// foreignMatchKey 外方实体上与本方键对应的值；多对多取中间表投影出的属性
func (r *relation) foreignMatchKey(fm *Mapper, foreign entity.Entity) []any {
	if r.cfg.Type != ManyToMany {
		return fm.hydrator.Columns(foreign, r.cfg.ForeignKey)
	}
	out := make([]any, len(r.cfg.ThroughNativeColumn))
	for i, col := range r.cfg.ThroughNativeColumn {
		out[i] = foreign.Get(r.cfg.PivotPrefix + col)
	}
	return out
}

func (r *relation) matchColumns(fm *Mapper) []string {
	if r.cfg.Type == ManyToMany {
		return qualifyAll(r.cfg.ThroughAlias, r.cfg.ThroughNativeColumn)
	}
	return qualifyAll(fm.cfg.alias(), r.cfg.ForeignKey)
}

func (r *relation) Query(t *Tracker) (*Query, error) {
	return r.buildQuery(t, true)
}

// buildQuery 条件顺序：本方键、外方 guard、中间表 guard，最后是回调
func (r *relation) buildQuery(t *Tracker, withCallback bool) (*Query, error) {
	fm, err := r.ForeignMapper()
	if err != nil {
		return nil, err
	}
	q := fm.NewQuery()
	keys := t.Pluck(r.cfg.NativeKey)

	if r.cfg.Type == ManyToMany {
		d := fm.orm.dialect
		th := r.cfg.ThroughAlias
		on := make([]condition, len(r.cfg.ThroughForeignColumn))
		for i, col := range r.cfg.ThroughForeignColumn {
			on[i] = condition{expr: d.QuoteIdentifier(qualify(th, col)) + " = " +
				d.QuoteIdentifier(qualify(fm.cfg.alias(), r.cfg.ForeignKey[i]))}
		}
		table := d.QuoteIdentifier(r.cfg.ThroughTable)
		if th != r.cfg.ThroughTable {
			table += " AS " + d.QuoteIdentifier(th)
		}
		q.Join("INNER", table, joinConditions(on).expr)

		projected := append([]string(nil), r.cfg.ThroughNativeColumn...)
		for _, col := range r.cfg.PivotColumns {
			if !contains(projected, col) {
				projected = append(projected, col)
			}
		}
		for _, col := range projected {
			q.AddColumns(d.QuoteIdentifier(qualify(th, col)) + " AS " + d.QuoteIdentifier(r.cfg.PivotPrefix+col))
		}
		q.whereKeys(qualifyAll(th, r.cfg.ThroughNativeColumn), keys)
		for _, col := range sortedKeys(r.cfg.ThroughGuards) {
			q.WhereEquals(qualify(th, col), r.cfg.ThroughGuards[col])
		}
	} else {
		q.whereKeys(qualifyAll(fm.cfg.alias(), r.cfg.ForeignKey), keys)
	}

	for _, col := range sortedKeys(r.cfg.ForeignGuards) {
		q.WhereEquals(col, r.cfg.ForeignGuards[col])
	}
	if withCallback && r.cfg.QueryCallback != nil {
		q = r.cfg.QueryCallback(q)
	}
	return q, nil
}

// fresh 直接从数据库重新查询关联实体，忽略查询回调
func (r *relation) fresh(ctx context.Context, natives ...entity.Entity) ([]entity.Entity, error) {
	t := newTracker(ctx, r.native, nil, natives, nil)
	if len(t.Pluck(r.cfg.NativeKey)) == 0 {
		return nil, nil
	}
	q, err := r.buildQuery(t, false)
	if err != nil {
		return nil, err
	}
	return q.all(ctx)
}

func (r *relation) Matches(native entity.Entity, results []entity.Entity) any {
	fm, err := r.ForeignMapper()
	if err != nil {
		return nil
	}
	key := r.nativeKey(native)
	var matched []entity.Entity
	if completeKey(key) {
		for _, f := range results {
			if keysEqual(key, r.foreignMatchKey(fm, f)) {
				matched = append(matched, f)
				if r.single() {
					break
				}
			}
		}
	}
	if r.single() {
		if len(matched) == 0 {
			return nil
		}
		return matched[0]
	}
	return fm.NewCollection(matched...)
}

func (r *relation) AttachMatches(native entity.Entity, results []entity.Entity) error {
	return setQuiet(native, r.cfg.Name, r.Matches(native, results))
}

func (r *relation) AttachLazy(native entity.Entity, t *Tracker) {
	native.SetLazy(r.cfg.Name, &lazyRelation{tracker: t, relation: r.self(), native: native})
}

// self 取回包装后的具体关联，供延迟加载器使用
func (r *relation) self() Relation {
	rel, ok := r.native.relations[r.cfg.Name]
	if !ok {
		return nil
	}
	return rel
}

// loaded 已加载（非延迟）的关联值
func (r *relation) loaded(e entity.Entity) (any, bool) {
	if e.IsLazy(r.cfg.Name) || !e.Has(r.cfg.Name) {
		return nil, false
	}
	return e.Get(r.cfg.Name), true
}

// keysEqual 按位置比较，数值类型归一化；任一分量为空时不相等
func keysEqual(a, b []any) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		x, ok := entity.KeyIdentity([]any{a[i]})
		if !ok {
			return false
		}
		y, ok := entity.KeyIdentity([]any{b[i]})
		if !ok || x != y {
			return false
		}
	}
	return true
}

// ManyToOneRelation 多对一：本方持有外键
type ManyToOneRelation struct {
	*relation
}

// AddActionsOnSave 先保存外方实体，再把外方键写入本方外键
func (r *ManyToOneRelation) AddActionsOnSave(ctx context.Context, a Action) error {
	native := a.Entity()
	value, ok := r.loaded(native)
	if !ok {
		return nil
	}
	foreign, _ := value.(entity.Entity)
	if foreign == nil {
		if native.IsChanged(r.cfg.Name) {
			a.Prepend(newDetachEntities(r, native, nil, true, a.Options()))
		}
		return nil
	}
	if foreign.State() == entity.StateDeleted {
		return nil
	}
	if !native.IsChanged(r.cfg.Name) && foreign.State() == entity.StateSynchronized {
		return nil
	}

	var save Action
	if foreign.State() != entity.StateSynchronized && !a.Options().Visited(foreign) {
		fm, err := r.ForeignMapper()
		if err != nil {
			return err
		}
		if save, err = fm.NewSaveAction(foreign, a.Options().child(nil)...); err != nil {
			return err
		}
	}
	a.Prepend(save, newAttachEntities(r, native, foreign, a.Options()))
	return nil
}

// AddActionsOnDelete 只在级联时删除外方实体
func (r *ManyToOneRelation) AddActionsOnDelete(ctx context.Context, a Action) error {
	if !r.cfg.Cascade {
		return nil
	}
	fm, err := r.ForeignMapper()
	if err != nil {
		return err
	}
	foreigns, err := r.fresh(ctx, a.Entity())
	if err != nil {
		return err
	}
	for _, f := range foreigns {
		if a.Options().Visited(f) {
			continue
		}
		del, err := fm.NewDeleteAction(f, a.Options().child(nil)...)
		if err != nil {
			return err
		}
		a.Append(del)
	}
	return nil
}

func (r *ManyToOneRelation) linked(native, _ entity.Entity) entity.Entity { return native }

func (r *ManyToOneRelation) link(_ context.Context, native, foreign entity.Entity) error {
	fm, err := r.ForeignMapper()
	if err != nil {
		return err
	}
	key := fm.hydrator.Columns(foreign, r.cfg.ForeignKey)
	if !completeKey(key) {
		return errors.NewErrorf(errors.ErrCodeInvalidEntity, "%s.%s: foreign entity has no key", r.native.Name(), r.cfg.Name)
	}
	for i, col := range r.cfg.NativeKey {
		if err := r.native.hydrator.SetColumn(native, col, key[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *ManyToOneRelation) unlink(native, _ entity.Entity) error {
	for _, col := range r.cfg.NativeKey {
		if err := r.native.hydrator.SetColumn(native, col, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *ManyToOneRelation) attachInMemory(native, foreign entity.Entity) {
	if native.State() == entity.StateDeleted {
		return
	}
	if v, ok := r.loaded(native); ok && v == any(foreign) {
		return
	}
	_ = setQuiet(native, r.cfg.Name, foreign)
}

func (r *ManyToOneRelation) detachInMemory(native, foreign entity.Entity) {
	if native.State() == entity.StateDeleted {
		return
	}
	if v, ok := r.loaded(native); ok && v != nil && (foreign == nil || v == any(foreign)) {
		_ = setQuiet(native, r.cfg.Name, nil)
	}
}
