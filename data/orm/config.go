package orm

import (
	"sort"
	"strings"

	"github.com/jinzhu/inflection"

	dbsql "datamapper/data/db/sql"
	"datamapper/data/orm/entity"
	"datamapper/data/orm/keygen"
	"datamapper/errors"
)

// RelationType 关联基数
type RelationType string

const (
	OneToOne   RelationType = "one_to_one"
	OneToMany  RelationType = "one_to_many"
	ManyToOne  RelationType = "many_to_one"
	ManyToMany RelationType = "many_to_many"
)

// LoadStrategy 关联加载策略
type LoadStrategy string

const (
	LoadLazy  LoadStrategy = "lazy"
	LoadEager LoadStrategy = "eager"
	LoadNone  LoadStrategy = "none"
)

// DefaultPivotPrefix 多对多中间表列映射到实体属性时的默认前缀
const DefaultPivotPrefix = "pivot_"

// QueryCallback 对关联查询做额外约束
type QueryCallback func(q *Query) *Query

// ScopeFunc 命名查询范围
type ScopeFunc func(q *Query, args ...any) *Query

// AggregateConfig 关联上的聚合值（例如 tags_count）
type AggregateConfig struct {
	Name     string
	Function string // count/sum/avg/min/max
	Column   string // 外表列，count 时可为空
	Load     LoadStrategy
	// QueryCallback 在关联查询之后追加条件
	QueryCallback QueryCallback
}

// RelationConfig 关联配置
//
// NativeKey 与 ForeignKey 按位置一一对应，支持复合键。
// 未设置的键、中间表等在 Orm.Resolve 时根据双方 mapper 推断。
type RelationConfig struct {
	Name          string
	Type          RelationType
	ForeignMapper string
	NativeKey     []string
	ForeignKey    []string
	Load          LoadStrategy
	Cascade       bool
	QueryCallback QueryCallback
	ForeignGuards map[string]any
	Aggregates    []AggregateConfig

	// 仅多对多
	ThroughTable         string
	ThroughAlias         string
	ThroughNativeColumn  []string
	ThroughForeignColumn []string
	ThroughGuards        map[string]any
	PivotColumns         []string
	PivotPrefix          string
}

// Config mapper 配置
type Config struct {
	Name       string
	Table      string
	TableAlias string
	PrimaryKey []string
	Columns    []string
	// ColumnAttributes 列名 -> 属性名，未列出的列属性名与列名相同
	ColumnAttributes map[string]string
	// Casts 列名 -> 转换键，例如 "price": "decimal:2"
	Casts map[string]string
	// Guards 固定条件：查询时作为 WHERE，写入时覆盖同名列
	Guards map[string]any
	// Defaults 属性名 -> 默认值
	Defaults      map[string]any
	KeyGenerator  keygen.Generator
	EntityFactory func() entity.Entity
	Relations     []RelationConfig
	Behaviours    []Behaviour
	Scopes        map[string]ScopeFunc
}

// validate 第一阶段：只检查自身配置
func (c *Config) validate() error {
	if c.Name == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "mapper name is required")
	}
	if err := dbsql.CheckIdentifiers("table", c.Table); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidConfig, "mapper "+c.Name)
	}
	if c.TableAlias != "" {
		if err := dbsql.CheckIdentifiers("alias", c.TableAlias); err != nil {
			return errors.WrapError(err, errors.ErrCodeInvalidConfig, "mapper "+c.Name)
		}
	}
	if len(c.PrimaryKey) == 0 {
		c.PrimaryKey = []string{"id"}
	}
	// 主键列总是在列清单中
	for i := len(c.PrimaryKey) - 1; i >= 0; i-- {
		if !contains(c.Columns, c.PrimaryKey[i]) {
			c.Columns = append([]string{c.PrimaryKey[i]}, c.Columns...)
		}
	}
	if err := dbsql.CheckIdentifiers("column", c.Columns...); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidConfig, "mapper "+c.Name)
	}
	if err := dbsql.CheckIdentifiers("guard column", sortedKeys(c.Guards)...); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidConfig, "mapper "+c.Name)
	}
	seen := make(map[string]bool, len(c.Relations))
	for _, rc := range c.Relations {
		if rc.Name == "" || seen[rc.Name] {
			return errors.NewErrorf(errors.ErrCodeInvalidConfig, "mapper %s: relation name %q is empty or duplicated", c.Name, rc.Name)
		}
		seen[rc.Name] = true
		if rc.ForeignMapper == "" {
			return errors.NewErrorf(errors.ErrCodeInvalidConfig, "mapper %s: relation %s has no foreign mapper", c.Name, rc.Name)
		}
	}
	return nil
}

// clone 深拷贝可变字段，注册后调用方继续修改原配置不影响注册表
func (c Config) clone() *Config {
	out := c
	out.PrimaryKey = append([]string(nil), c.PrimaryKey...)
	out.Columns = append([]string(nil), c.Columns...)
	out.ColumnAttributes = copyMap(c.ColumnAttributes)
	out.Casts = copyMap(c.Casts)
	out.Guards = copyMap(c.Guards)
	out.Defaults = copyMap(c.Defaults)
	out.Relations = append([]RelationConfig(nil), c.Relations...)
	out.Behaviours = append([]Behaviour(nil), c.Behaviours...)
	out.Scopes = copyMap(c.Scopes)
	return &out
}

func (c *Config) alias() string {
	if c.TableAlias != "" {
		return c.TableAlias
	}
	return c.Table
}

// attribute 列名对应的属性名
func (c *Config) attribute(column string) string {
	if a, ok := c.ColumnAttributes[column]; ok && a != "" {
		return a
	}
	return column
}

// column 属性名对应的列名，不是列时返回 false
func (c *Config) column(attribute string) (string, bool) {
	for col, attr := range c.ColumnAttributes {
		if attr == attribute {
			return col, true
		}
	}
	if contains(c.Columns, attribute) {
		return attribute, true
	}
	return "", false
}

func (c *Config) relationConfig(name string) (RelationConfig, bool) {
	for _, rc := range c.Relations {
		if rc.Name == name {
			return rc, true
		}
	}
	return RelationConfig{}, false
}

// resolveRelation 第二阶段：双方 mapper 配置都已知后推断关联默认值
func resolveRelation(native, foreign *Config, rc RelationConfig) (RelationConfig, error) {
	invalid := func(format string, args ...any) error {
		return errors.NewErrorf(errors.ErrCodeInvalidConfig, "mapper %s relation %s: "+format,
			append([]any{native.Name, rc.Name}, args...)...)
	}

	if rc.Load == "" {
		rc.Load = LoadLazy
	}
	switch rc.Load {
	case LoadLazy, LoadEager, LoadNone:
	default:
		return rc, invalid("unknown load strategy %q", rc.Load)
	}

	nativeSingular := inflection.Singular(native.Table)
	foreignSingular := inflection.Singular(foreign.Table)

	switch rc.Type {
	case OneToOne, OneToMany:
		if len(rc.NativeKey) == 0 {
			rc.NativeKey = append([]string(nil), native.PrimaryKey...)
		}
		if len(rc.ForeignKey) == 0 {
			rc.ForeignKey = prefixed(nativeSingular+"_", rc.NativeKey)
		}
	case ManyToOne:
		if len(rc.ForeignKey) == 0 {
			rc.ForeignKey = append([]string(nil), foreign.PrimaryKey...)
		}
		if len(rc.NativeKey) == 0 {
			rc.NativeKey = prefixed(foreignSingular+"_", rc.ForeignKey)
		}
	case ManyToMany:
		if len(rc.NativeKey) == 0 {
			rc.NativeKey = append([]string(nil), native.PrimaryKey...)
		}
		if len(rc.ForeignKey) == 0 {
			rc.ForeignKey = append([]string(nil), foreign.PrimaryKey...)
		}
		if rc.ThroughTable == "" {
			tables := []string{native.Table, foreign.Table}
			sort.Strings(tables)
			rc.ThroughTable = strings.Join(tables, "_")
		}
		if rc.ThroughAlias == "" {
			rc.ThroughAlias = rc.ThroughTable
		}
		if len(rc.ThroughNativeColumn) == 0 {
			rc.ThroughNativeColumn = prefixed(nativeSingular+"_", rc.NativeKey)
		}
		if len(rc.ThroughForeignColumn) == 0 {
			rc.ThroughForeignColumn = prefixed(foreignSingular+"_", rc.ForeignKey)
		}
		if rc.PivotPrefix == "" {
			rc.PivotPrefix = DefaultPivotPrefix
		}
		if len(rc.ThroughNativeColumn) != len(rc.NativeKey) || len(rc.ThroughForeignColumn) != len(rc.ForeignKey) {
			return rc, invalid("through columns do not match key columns")
		}
		through := append([]string{rc.ThroughTable, rc.ThroughAlias}, append(rc.ThroughNativeColumn, rc.ThroughForeignColumn...)...)
		if err := dbsql.CheckIdentifiers("through identifier", append(through, sortedKeys(rc.ThroughGuards)...)...); err != nil {
			return rc, invalid("%v", err)
		}
	default:
		return rc, invalid("unknown relation type %q", rc.Type)
	}

	if len(rc.NativeKey) != len(rc.ForeignKey) {
		return rc, invalid("native key %v and foreign key %v differ in length", rc.NativeKey, rc.ForeignKey)
	}
	if err := dbsql.CheckIdentifiers("key column", append(append([]string(nil), rc.NativeKey...), rc.ForeignKey...)...); err != nil {
		return rc, invalid("%v", err)
	}

	if len(rc.Aggregates) > 0 && rc.Type != OneToMany && rc.Type != ManyToMany {
		return rc, invalid("aggregates are only supported on one-to-many and many-to-many relations")
	}
	aggs := make([]AggregateConfig, len(rc.Aggregates))
	for i, agg := range rc.Aggregates {
		if agg.Name == "" {
			return rc, invalid("aggregate name is required")
		}
		agg.Function = strings.ToLower(agg.Function)
		switch agg.Function {
		case "count":
		case "sum", "avg", "min", "max":
			if !dbsql.IsSafeIdentifier(agg.Column) {
				return rc, invalid("aggregate %s requires a column", agg.Name)
			}
		default:
			return rc, invalid("aggregate %s: unsupported function %q", agg.Name, agg.Function)
		}
		if agg.Load == "" {
			agg.Load = LoadLazy
		}
		aggs[i] = agg
	}
	rc.Aggregates = aggs
	return rc, nil
}

func prefixed(prefix string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + c
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
