package orm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"datamapper/data/db"
	basicdb "datamapper/data/db/basic"
	"datamapper/data/orm"
	"datamapper/data/orm/entity"
	"datamapper/logging"
)

var schema = []string{
	`CREATE TABLE categories (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, parent_id INTEGER)`,
	`CREATE TABLE products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category_id INTEGER,
		name TEXT NOT NULL,
		price REAL,
		active INTEGER,
		created_at TEXT,
		updated_at TEXT,
		deleted_at TEXT
	)`,
	`CREATE TABLE tags (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE products_tags (product_id INTEGER NOT NULL, tag_id INTEGER NOT NULL, position INTEGER, PRIMARY KEY (product_id, tag_id))`,
	`CREATE TABLE product_details (id INTEGER PRIMARY KEY AUTOINCREMENT, product_id INTEGER, description TEXT)`,
	`CREATE TABLE images (id INTEGER PRIMARY KEY AUTOINCREMENT, imageable_type TEXT, imageable_id INTEGER, path TEXT)`,
	`CREATE TABLE translations (locale TEXT NOT NULL, message_key TEXT NOT NULL, content TEXT, PRIMARY KEY (locale, message_key))`,
}

type fixture struct {
	ctx    context.Context
	conn   *basicdb.DB
	traced *db.TracedDatabase
	orm    *orm.Orm
}

func configs() []orm.Config {
	return []orm.Config{
		{
			Name:    "categories",
			Table:   "categories",
			Columns: []string{"id", "name", "parent_id"},
			Relations: []orm.RelationConfig{
				{
					Name:          "products",
					Type:          orm.OneToMany,
					ForeignMapper: "products",
					Aggregates: []orm.AggregateConfig{
						{Name: "products_count", Function: "count"},
						{Name: "max_price", Function: "max", Column: "price"},
					},
				},
				{Name: "parent", Type: orm.ManyToOne, ForeignMapper: "categories", NativeKey: []string{"parent_id"}},
				{Name: "children", Type: orm.OneToMany, ForeignMapper: "categories", ForeignKey: []string{"parent_id"}, Cascade: true},
			},
		},
		{
			Name:    "products",
			Table:   "products",
			Columns: []string{"id", "category_id", "name", "price", "active", "created_at", "updated_at", "deleted_at"},
			Casts: map[string]string{
				"price":      "decimal:2",
				"active":     "bool",
				"created_at": "datetime",
				"updated_at": "datetime",
				"deleted_at": "datetime",
			},
			Defaults: map[string]any{"active": true},
			Relations: []orm.RelationConfig{
				{Name: "category", Type: orm.ManyToOne, ForeignMapper: "categories"},
				{
					Name:          "tags",
					Type:          orm.ManyToMany,
					ForeignMapper: "tags",
					PivotColumns:  []string{"position"},
					Aggregates:    []orm.AggregateConfig{{Name: "tags_count", Function: "count"}},
				},
				{Name: "detail", Type: orm.OneToOne, ForeignMapper: "product_details"},
				{
					Name:          "images",
					Type:          orm.OneToMany,
					ForeignMapper: "images",
					ForeignKey:    []string{"imageable_id"},
					ForeignGuards: map[string]any{"imageable_type": "products"},
					Cascade:       true,
				},
			},
		},
		{
			Name:    "tags",
			Table:   "tags",
			Columns: []string{"id", "name"},
			Relations: []orm.RelationConfig{
				{Name: "products", Type: orm.ManyToMany, ForeignMapper: "products"},
			},
		},
		{Name: "product_details", Table: "product_details", Columns: []string{"id", "product_id", "description"}},
		{Name: "images", Table: "images", Columns: []string{"id", "imageable_type", "imageable_id", "path"}},
		{
			Name:       "translations",
			Table:      "translations",
			PrimaryKey: []string{"locale", "message_key"},
			Columns:    []string{"locale", "message_key", "content"},
			ColumnAttributes: map[string]string{
				"message_key": "key",
			},
		},
		{
			Name:       "featured_products",
			Table:      "products",
			TableAlias: "featured",
			Columns:    []string{"id", "category_id", "name", "price"},
			Guards:     map[string]any{"category_id": int64(10)},
		},
	}
}

func newFixture(t *testing.T, customize ...func(cfgs []orm.Config) []orm.Config) *fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := basicdb.New(db.DBConfig{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.ExecScript(ctx, schema...))

	traced := db.NewTracedDatabase(conn, logging.NewNoopLogger())
	o := orm.New(db.NewConnectionLocator(traced), orm.WithLogger(logging.NewNoopLogger()))
	cfgs := configs()
	for _, fn := range customize {
		cfgs = fn(cfgs)
	}
	for _, cfg := range cfgs {
		require.NoError(t, o.Register(cfg))
	}
	require.NoError(t, o.Resolve())
	return &fixture{ctx: ctx, conn: conn, traced: traced, orm: o}
}

func (f *fixture) mapper(t *testing.T, name string) *orm.Mapper {
	t.Helper()
	m, err := f.orm.Mapper(name)
	require.NoError(t, err)
	return m
}

func (f *fixture) exec(t *testing.T, stmts ...string) {
	t.Helper()
	require.NoError(t, f.conn.ExecScript(f.ctx, stmts...))
}

func (f *fixture) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	v, err := db.QueryValue(f.ctx, f.conn, query, args...)
	require.NoError(t, err)
	n, ok := v.(int64)
	require.True(t, ok, "unexpected %T", v)
	return n
}

func (f *fixture) newEntity(t *testing.T, mapper string, attrs map[string]any) entity.Entity {
	t.Helper()
	e, err := f.mapper(t, mapper).NewEntity(attrs)
	require.NoError(t, err)
	return e
}

func (f *fixture) resetCounter() {
	f.traced.Counter().Reset()
}
