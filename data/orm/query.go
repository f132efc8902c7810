package orm

import (
	"context"
	"strings"

	"datamapper/data/db"
	dbsql "datamapper/data/db/sql"
	"datamapper/data/orm/entity"
	"datamapper/errors"
)

type joinClause struct {
	kind  string
	table string
	on    string
	args  []any
}

type guardClause struct {
	name string
	cond condition
}

// Query mapper 查询
//
// 条件方法就地修改并返回自身，便于链式调用；需要分叉时使用 Clone。
// guard 总是排在普通条件之前，可以用 WithoutGuards 按名称关闭。
type Query struct {
	mapper *Mapper

	selects []string
	extra   []string
	joins   []joinClause
	guards  []guardClause
	where   []condition
	groupBy []string
	orderBy []string
	limit   int
	offset  int

	loads     map[string]*loadPlan
	loadOrder []string

	disabledGuards map[string]bool
	noGuards       bool
	err            error
}

func newQuery(m *Mapper) *Query {
	return &Query{mapper: m, loads: make(map[string]*loadPlan)}
}

// Mapper 查询所属的 mapper
func (q *Query) Mapper() *Mapper { return q.mapper }

// Clone 深拷贝查询状态
func (q *Query) Clone() *Query {
	c := *q
	c.selects = append([]string(nil), q.selects...)
	c.extra = append([]string(nil), q.extra...)
	c.joins = append([]joinClause(nil), q.joins...)
	c.guards = append([]guardClause(nil), q.guards...)
	c.where = append([]condition(nil), q.where...)
	c.groupBy = append([]string(nil), q.groupBy...)
	c.orderBy = append([]string(nil), q.orderBy...)
	c.loadOrder = append([]string(nil), q.loadOrder...)
	c.loads = make(map[string]*loadPlan, len(q.loads))
	for k, v := range q.loads {
		plan := *v
		plan.nested = append([]string(nil), v.nested...)
		c.loads[k] = &plan
	}
	c.disabledGuards = make(map[string]bool, len(q.disabledGuards))
	for k, v := range q.disabledGuards {
		c.disabledGuards[k] = v
	}
	return &c
}

func (q *Query) quote(column string) string {
	return q.mapper.orm.dialect.QuoteIdentifier(qualify(q.mapper.cfg.alias(), column))
}

// Where 追加原始条件，由调用方负责标识符的引用
func (q *Query) Where(expr string, args ...any) *Query {
	if expr != "" {
		q.where = append(q.where, condition{expr: expr, args: args})
	}
	return q
}

// WhereEquals 列等于值，nil 生成 IS NULL；不带表名的列以 mapper 别名限定
func (q *Query) WhereEquals(column string, value any) *Query {
	q.where = append(q.where, equals(q.mapper.orm.dialect, qualify(q.mapper.cfg.alias(), column), value))
	return q
}

// WhereIn 列属于给定值；values 为空时恒假
func (q *Query) WhereIn(column string, values ...any) *Query {
	tuples := make([][]any, len(values))
	for i, v := range values {
		tuples[i] = []any{v}
	}
	return q.whereKeys([]string{qualify(q.mapper.cfg.alias(), column)}, tuples)
}

// WherePK 按主键查询，复合主键传入 []any
func (q *Query) WherePK(pk any) *Query {
	values, ok := pk.([]any)
	if !ok {
		values = []any{pk}
	}
	cols := q.mapper.cfg.PrimaryKey
	if len(values) != len(cols) {
		q.err = errors.NewErrorf(errors.ErrCodeInvalidInput, "%s: primary key needs %d values", q.mapper.Name(), len(cols))
		return q
	}
	for _, c := range keyEquals(q.mapper.orm.dialect, q.mapper.cfg.alias(), cols, values) {
		q.where = append(q.where, c)
	}
	return q
}

func (q *Query) whereKeys(columns []string, tuples [][]any) *Query {
	q.where = append(q.where, keysIn(q.mapper.orm.dialect, columns, tuples))
	return q
}

// Guard 追加命名的 guard 条件
func (q *Query) Guard(name, expr string, args ...any) *Query {
	q.guards = append(q.guards, guardClause{name: name, cond: condition{expr: expr, args: args}})
	return q
}

// WithoutGuards 关闭指定名称的 guard，不传名称时关闭全部
func (q *Query) WithoutGuards(names ...string) *Query {
	if len(names) == 0 {
		q.noGuards = true
		return q
	}
	if q.disabledGuards == nil {
		q.disabledGuards = make(map[string]bool)
	}
	for _, n := range names {
		q.disabledGuards[n] = true
	}
	return q
}

// Join 追加原始 JOIN
func (q *Query) Join(kind, table, on string, args ...any) *Query {
	q.joins = append(q.joins, joinClause{kind: kind, table: table, on: on, args: args})
	return q
}

// JoinWith 按关联连接外方表，外方表以关联名作为别名，便于在条件中引用
func (q *Query) JoinWith(name string) *Query {
	rel, ok := q.mapper.relations[name]
	if !ok {
		q.err = errors.NewErrorf(errors.ErrCodeInvalidRelation, "%s: unknown relation %s", q.mapper.Name(), name)
		return q
	}
	fm, err := rel.ForeignMapper()
	if err != nil {
		q.err = err
		return q
	}
	d := q.mapper.orm.dialect
	cfg := rel.Config()
	target := d.QuoteIdentifier(fm.cfg.Table) + " AS " + d.QuoteIdentifier(name)

	if cfg.Type == ManyToMany {
		through := name + "_" + cfg.ThroughTable
		on := make([]string, len(cfg.NativeKey))
		for i := range cfg.NativeKey {
			on[i] = d.QuoteIdentifier(qualify(through, cfg.ThroughNativeColumn[i])) + " = " + q.quote(cfg.NativeKey[i])
		}
		q.Join("INNER", d.QuoteIdentifier(cfg.ThroughTable)+" AS "+d.QuoteIdentifier(through), strings.Join(on, " AND "))
		on = make([]string, len(cfg.ForeignKey))
		for i := range cfg.ForeignKey {
			on[i] = d.QuoteIdentifier(qualify(name, cfg.ForeignKey[i])) + " = " +
				d.QuoteIdentifier(qualify(through, cfg.ThroughForeignColumn[i]))
		}
		return q.Join("INNER", target, strings.Join(on, " AND "))
	}

	on := make([]string, len(cfg.NativeKey))
	for i := range cfg.NativeKey {
		on[i] = d.QuoteIdentifier(qualify(name, cfg.ForeignKey[i])) + " = " + q.quote(cfg.NativeKey[i])
	}
	return q.Join("INNER", target, strings.Join(on, " AND "))
}

// Columns 替换整个 SELECT 列表（原始表达式）
func (q *Query) Columns(exprs ...string) *Query {
	q.selects = append([]string(nil), exprs...)
	q.extra = nil
	return q
}

// AddColumns 在声明列之外追加 SELECT 表达式
func (q *Query) AddColumns(exprs ...string) *Query {
	q.extra = append(q.extra, exprs...)
	return q
}

func (q *Query) GroupBy(exprs ...string) *Query {
	q.groupBy = append(q.groupBy, exprs...)
	return q
}

// OrderBy 追加排序表达式，例如 `"name" DESC`
func (q *Query) OrderBy(expr string) *Query {
	if expr != "" {
		q.orderBy = append(q.orderBy, expr)
	}
	return q
}

func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Load 预加载关联或聚合，支持 "category.parent" 形式的嵌套关联
func (q *Query) Load(names ...string) *Query {
	for _, name := range names {
		head, rest, _ := strings.Cut(name, ".")
		plan := q.loadPlan(head)
		if rest != "" && !contains(plan.nested, rest) {
			plan.nested = append(plan.nested, rest)
		}
	}
	return q
}

// LoadWith 预加载关联并对关联查询追加约束
func (q *Query) LoadWith(name string, callback QueryCallback) *Query {
	q.loadPlan(name).callback = callback
	return q
}

func (q *Query) loadPlan(name string) *loadPlan {
	plan, ok := q.loads[name]
	if !ok {
		plan = &loadPlan{}
		q.loads[name] = plan
		q.loadOrder = append(q.loadOrder, name)
	}
	return plan
}

// Scope 应用命名范围
func (q *Query) Scope(name string, args ...any) *Query {
	fn, ok := q.mapper.scope(name)
	if !ok {
		q.err = errors.NewErrorf(errors.ErrCodeInvalidInput, "%s: unknown scope %s", q.mapper.Name(), name)
		return q
	}
	return fn(q, args...)
}

// WithTrashed 包括软删除的行
func (q *Query) WithTrashed() *Query { return q.Scope("withTrashed") }

// OnlyTrashed 只查询软删除的行
func (q *Query) OnlyTrashed() *Query { return q.Scope("onlyTrashed") }

func (q *Query) from() string {
	d := q.mapper.orm.dialect
	from := d.QuoteIdentifier(q.mapper.cfg.Table)
	if alias := q.mapper.cfg.alias(); alias != q.mapper.cfg.Table {
		from += " AS " + d.QuoteIdentifier(alias)
	}
	return from
}

func (q *Query) builder(conn db.IDatabase) dbsql.ISelectBuilder {
	cols := q.selects
	if len(cols) == 0 {
		cols = make([]string, 0, len(q.mapper.cfg.Columns)+len(q.extra))
		for _, c := range q.mapper.cfg.Columns {
			cols = append(cols, q.quote(c))
		}
		cols = append(cols, q.extra...)
	}

	b := dbsql.New(conn).Select(cols...).From(q.from())
	for _, j := range q.joins {
		b = b.Join(j.kind, j.table, j.on, j.args...)
	}
	if !q.noGuards {
		for _, g := range q.guards {
			if !q.disabledGuards[g.name] {
				b = b.Where(g.cond.expr, g.cond.args...)
			}
		}
	}
	for _, w := range q.where {
		b = b.Where(w.expr, w.args...)
	}
	if len(q.groupBy) > 0 {
		b = b.GroupBy(q.groupBy...)
	}
	if len(q.orderBy) > 0 {
		b = b.OrderBy(strings.Join(q.orderBy, ", "))
	}
	if q.limit > 0 {
		b = b.Limit(q.limit)
	}
	if q.offset > 0 {
		b = b.Offset(q.offset)
	}
	return b
}

// SQL 返回将要执行的语句（未按方言 Rebind）
func (q *Query) SQL(ctx context.Context) (string, []any) {
	return q.builder(q.mapper.orm.locator.Read(ctx)).Build()
}

// Rows 执行查询并返回原始行
func (q *Query) Rows(ctx context.Context) ([]db.Row, error) {
	if q.err != nil {
		return nil, q.err
	}
	rows, err := q.builder(q.mapper.orm.locator.Read(ctx)).Query(ctx)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "select "+q.mapper.cfg.Table, q.mapper.orm.dialect.Classify)
	}
	out, err := db.FetchAll(rows)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "fetch "+q.mapper.cfg.Table)
	}
	return out, nil
}

// Get 执行查询，构建实体并按加载策略处理关联与聚合
func (q *Query) Get(ctx context.Context) (*entity.Collection, error) {
	entities, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	return q.mapper.NewCollection(entities...), nil
}

// all 每行一个实体，不按主键去重
//
// 多对多查询中同一外方实体会随每条中间表记录各出现一次，
// 每份带着各自的 pivot 列，批次匹配依赖这些副本。
func (q *Query) all(ctx context.Context) ([]entity.Entity, error) {
	if err := q.validateLoads(); err != nil {
		return nil, err
	}
	rows, err := q.Rows(ctx)
	if err != nil {
		return nil, err
	}
	entities := make([]entity.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := q.mapper.hydrator.Hydrate(row)
		if err != nil {
			return nil, err
		}
		entities = append(entities, q.mapper.onNewEntity(e))
	}
	if len(entities) == 0 {
		return entities, nil
	}

	t := newTracker(ctx, q.mapper, rows, entities, q.loads)
	for _, name := range q.mapper.relationOrder {
		rel := q.mapper.relations[name]
		if err := q.loadRelation(ctx, t, rel); err != nil {
			return nil, err
		}
		for _, agg := range rel.Aggregates() {
			if err := q.loadAggregate(ctx, t, agg); err != nil {
				return nil, err
			}
		}
	}
	return entities, nil
}

func (q *Query) loadRelation(ctx context.Context, t *Tracker, rel Relation) error {
	_, requested := q.loads[rel.Name()]
	strategy := rel.Config().Load
	if requested {
		strategy = LoadEager
	}
	switch strategy {
	case LoadEager:
		results, err := t.Results(ctx, rel)
		if err != nil {
			return err
		}
		for _, e := range t.entities {
			if err := rel.AttachMatches(e, results); err != nil {
				return err
			}
		}
	case LoadLazy:
		for _, e := range t.entities {
			rel.AttachLazy(e, t)
		}
	}
	return nil
}

func (q *Query) loadAggregate(ctx context.Context, t *Tracker, agg *Aggregate) error {
	_, requested := q.loads[agg.Name()]
	strategy := agg.Config().Load
	if requested {
		strategy = LoadEager
	}
	switch strategy {
	case LoadEager:
		rows, err := t.AggregateRows(ctx, agg)
		if err != nil {
			return err
		}
		for _, e := range t.entities {
			if err := agg.AttachMatches(e, rows); err != nil {
				return err
			}
		}
	case LoadLazy:
		for _, e := range t.entities {
			agg.AttachLazy(e, t)
		}
	}
	return nil
}

func (q *Query) validateLoads() error {
	for _, name := range q.loadOrder {
		if _, ok := q.mapper.relations[name]; ok {
			continue
		}
		if _, ok := q.mapper.aggregates[name]; ok && len(q.loads[name].nested) == 0 {
			continue
		}
		return errors.NewErrorf(errors.ErrCodeInvalidRelation, "%s: cannot load unknown relation %s", q.mapper.Name(), name)
	}
	return nil
}

// First 第一条结果，没有时返回 NOT_FOUND
func (q *Query) First(ctx context.Context) (entity.Entity, error) {
	coll, err := q.Clone().Limit(1).Get(ctx)
	if err != nil {
		return nil, err
	}
	if coll.Count() == 0 {
		return nil, errors.NewErrorf(errors.ErrCodeNotFound, "%s not found", q.mapper.Name())
	}
	return coll.First(), nil
}

// Count 满足条件的行数，忽略排序与分页
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	c := q.Clone()
	c.selects = []string{"COUNT(*)"}
	c.extra = nil
	c.orderBy = nil
	c.limit, c.offset = 0, 0

	var n int64
	if err := c.builder(q.mapper.orm.locator.Read(ctx)).QueryRow(ctx).Scan(&n); err != nil {
		return 0, errors.WrapDatabaseError(ctx, err, "count "+q.mapper.cfg.Table)
	}
	return n, nil
}

// Page 分页结果
type Page struct {
	Items       *entity.Collection
	Total       int64
	PerPage     int
	CurrentPage int
	LastPage    int
}

// Paginate 按页查询，page 从 1 开始
func (q *Query) Paginate(ctx context.Context, perPage, page int) (*Page, error) {
	if perPage <= 0 {
		perPage = 15
	}
	if page <= 0 {
		page = 1
	}
	total, err := q.Count(ctx)
	if err != nil {
		return nil, err
	}
	items, err := q.Clone().Limit(perPage).Offset((page - 1) * perPage).Get(ctx)
	if err != nil {
		return nil, err
	}
	last := int((total + int64(perPage) - 1) / int64(perPage))
	if last == 0 {
		last = 1
	}
	return &Page{Items: items, Total: total, PerPage: perPage, CurrentPage: page, LastPage: last}, nil
}

// Chunk 分批读取并回调，未指定排序时按主键排序保证分批稳定
func (q *Query) Chunk(ctx context.Context, size int, fn func(*entity.Collection) error) error {
	if size <= 0 {
		return errors.NewError(errors.ErrCodeInvalidInput, "chunk size must be positive")
	}
	base := q.Clone()
	if len(base.orderBy) == 0 {
		for _, col := range q.mapper.cfg.PrimaryKey {
			base.OrderBy(q.quote(col))
		}
	}
	for offset := 0; ; offset += size {
		items, err := base.Clone().Limit(size).Offset(offset).Get(ctx)
		if err != nil {
			return err
		}
		if items.Count() == 0 {
			return nil
		}
		if err := fn(items); err != nil {
			return err
		}
		if items.Count() < size {
			return nil
		}
	}
}
