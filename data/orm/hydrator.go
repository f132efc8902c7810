package orm

import (
	"sort"
	"time"

	"datamapper/data/db"
	"datamapper/data/orm/cast"
	"datamapper/data/orm/entity"
	"datamapper/errors"
)

// Hydrator 在行数据与实体之间转换
//
// 读方向：按列顺序做类型转换、列名到属性名的重命名、嵌套关联负载的构建，最后补默认值。
// 写方向：只导出声明过的列，并按转换规则还原为写库值。
// new_entity 扩展点不在这里调用，由 Mapper.NewEntity 和查询负责。
type Hydrator struct {
	mapper *Mapper
	cfg    *Config
	casts  *cast.Manager
}

func newHydrator(m *Mapper) *Hydrator {
	return &Hydrator{mapper: m, cfg: m.cfg, casts: m.orm.casts}
}

// Hydrate 从查询结果构建 SYNCHRONIZED 实体
func (h *Hydrator) Hydrate(row db.Row) (entity.Entity, error) {
	e := h.mapper.blank()
	if err := h.fill(e, row.Columns, row.Values); err != nil {
		return nil, err
	}
	e.SetState(entity.StateSynchronized)
	return e, nil
}

// HydrateMap 从调用方数据构建 NEW 实体，键可以是列名或属性名
func (h *Hydrator) HydrateMap(data map[string]any) (entity.Entity, error) {
	e := h.mapper.blank()
	if err := h.fill(e, h.order(data), data); err != nil {
		return nil, err
	}
	return e, nil
}

// order 声明列在前，其余键按字母序
func (h *Hydrator) order(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	seen := make(map[string]bool, len(data))
	for _, col := range h.cfg.Columns {
		for _, k := range []string{col, h.cfg.attribute(col)} {
			if _, ok := data[k]; ok && !seen[k] {
				keys = append(keys, k)
				seen[k] = true
			}
		}
	}
	var rest []string
	for k := range data {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func (h *Hydrator) fill(e entity.Entity, keys []string, values map[string]any) error {
	for _, key := range keys {
		value := values[key]
		if col, isColumn := h.cfg.column(key); isColumn {
			v, err := h.casts.Cast(h.cfg.Casts[col], value)
			if err != nil {
				return errors.WrapError(err, errors.ErrCodeInvalidCast, h.cfg.Name+"."+col)
			}
			if err := e.Set(h.cfg.attribute(col), v); err != nil {
				return err
			}
			continue
		}

		if rel, ok := h.mapper.relations[key]; ok {
			nested, err := h.nested(rel, value)
			if err != nil {
				return err
			}
			if err := e.Set(key, nested); err != nil {
				return err
			}
			continue
		}

		if err := e.Set(key, value); err != nil {
			return err
		}
	}

	for attr, def := range h.cfg.Defaults {
		if !e.Has(attr) {
			if err := e.Set(attr, def); err != nil {
				return err
			}
		}
	}
	return nil
}

// nested 将嵌套负载转换为关联值：单个实体或集合
func (h *Hydrator) nested(rel Relation, value any) (any, error) {
	fm, err := rel.ForeignMapper()
	if err != nil {
		return nil, err
	}
	toEntity := func(v any) (entity.Entity, error) {
		switch x := v.(type) {
		case entity.Entity:
			return x, nil
		case map[string]any:
			return fm.NewEntity(x)
		default:
			return nil, errors.NewErrorf(errors.ErrCodeInvalidInput, "relation %s: unsupported payload %T", rel.Name(), v)
		}
	}

	switch rel.Type() {
	case OneToOne, ManyToOne:
		if value == nil {
			return nil, nil
		}
		return toEntity(value)
	default:
		switch x := value.(type) {
		case nil:
			return fm.NewCollection(), nil
		case *entity.Collection:
			return x, nil
		case []entity.Entity:
			return fm.NewCollection(x...), nil
		case []map[string]any:
			items := make([]entity.Entity, 0, len(x))
			for _, m := range x {
				item, err := toEntity(m)
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			}
			return fm.NewCollection(items...), nil
		case []any:
			items := make([]entity.Entity, 0, len(x))
			for _, m := range x {
				item, err := toEntity(m)
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			}
			return fm.NewCollection(items...), nil
		default:
			return nil, errors.NewErrorf(errors.ErrCodeInvalidInput, "relation %s: unsupported payload %T", rel.Name(), value)
		}
	}
}

// Extract 导出写库列（按声明顺序），跳过未设置和延迟的属性
func (h *Hydrator) Extract(e entity.Entity) ([]string, map[string]any, error) {
	cols := make([]string, 0, len(h.cfg.Columns))
	values := make(map[string]any, len(h.cfg.Columns))
	for _, col := range h.cfg.Columns {
		attr := h.cfg.attribute(col)
		if !e.Has(attr) || e.IsLazy(attr) {
			continue
		}
		v, err := h.ColumnForDB(col, e.Get(attr))
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
		values[col] = v
	}
	return cols, values, nil
}

// ColumnForDB 将单个值转换为写库值
//
// 未配置转换的 time.Time 统一格式化为 UTC 的 cast.DateTimeLayout，各驱动读回后行为一致。
func (h *Hydrator) ColumnForDB(column string, value any) (any, error) {
	if key := h.cfg.Casts[column]; key != "" {
		v, err := h.casts.ForDB(key, value)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidCast, h.cfg.Name+"."+column)
		}
		return v, nil
	}
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(cast.DateTimeLayout), nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return v.UTC().Format(cast.DateTimeLayout), nil
	}
	return value, nil
}

// Get 读取属性
func (h *Hydrator) Get(e entity.Entity, attr string) any { return e.Get(attr) }

// Set 设置属性
func (h *Hydrator) Set(e entity.Entity, attr string, value any) error { return e.Set(attr, value) }

// GetColumn 按列名读取
func (h *Hydrator) GetColumn(e entity.Entity, column string) any {
	return e.Get(h.cfg.attribute(column))
}

// SetColumn 按列名设置
func (h *Hydrator) SetColumn(e entity.Entity, column string, value any) error {
	return e.Set(h.cfg.attribute(column), value)
}

// Columns 按列名批量读取
func (h *Hydrator) Columns(e entity.Entity, columns []string) []any {
	out := make([]any, len(columns))
	for i, col := range columns {
		out[i] = h.GetColumn(e, col)
	}
	return out
}

// PK 主键值，复合主键按配置顺序
func (h *Hydrator) PK(e entity.Entity) []any {
	return h.Columns(e, h.cfg.PrimaryKey)
}

// HasPK 主键是否完整
func (h *Hydrator) HasPK(e entity.Entity) bool {
	return completeKey(h.PK(e))
}

// SetPK 设置主键；values 为 nil 时清空所有主键属性
func (h *Hydrator) SetPK(e entity.Entity, values []any) error {
	for i, col := range h.cfg.PrimaryKey {
		var v any
		if i < len(values) {
			v = values[i]
		}
		if err := h.SetColumn(e, col, v); err != nil {
			return err
		}
	}
	return nil
}

// SetQuiet 设置属性但不改变实体状态与该属性的脏标记
func (h *Hydrator) SetQuiet(e entity.Entity, attr string, value any) error {
	return setQuiet(e, attr, value)
}

func setQuiet(e entity.Entity, attr string, value any) error {
	wasChanged := e.IsChanged(attr)
	state := e.State()
	if err := e.Set(attr, value); err != nil {
		return err
	}
	if !wasChanged {
		e.MarkClean(attr)
	}
	if e.State() != state {
		e.SetState(state)
	}
	return nil
}

// completeKey 所有分量都非空
func completeKey(key []any) bool {
	if len(key) == 0 {
		return false
	}
	_, ok := entity.KeyIdentity(key)
	return ok
}
