package behaviour_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"datamapper/data/db"
	basicdb "datamapper/data/db/basic"
	"datamapper/data/orm"
	"datamapper/logging"
)

var schema = []string{
	`CREATE TABLE categories (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, deleted_at TEXT)`,
	`CREATE TABLE products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category_id INTEGER,
		name TEXT NOT NULL,
		created_at TEXT,
		updated_at TEXT,
		deleted_at TEXT
	)`,
}

type fixture struct {
	ctx    context.Context
	conn   *basicdb.DB
	traced *db.TracedDatabase
	orm    *orm.Orm
}

func newFixture(t *testing.T, categories, products []orm.Behaviour) *fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := basicdb.New(db.DBConfig{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.ExecScript(ctx, schema...))

	traced := db.NewTracedDatabase(conn, logging.NewNoopLogger())
	o := orm.New(db.NewConnectionLocator(traced), orm.WithLogger(logging.NewNoopLogger()))
	require.NoError(t, o.Register(orm.Config{
		Name:       "categories",
		Table:      "categories",
		Columns:    []string{"id", "name", "deleted_at"},
		Casts:      map[string]string{"deleted_at": "datetime"},
		Behaviours: categories,
		Relations: []orm.RelationConfig{
			{Name: "products", Type: orm.OneToMany, ForeignMapper: "products"},
		},
	}))
	require.NoError(t, o.Register(orm.Config{
		Name:    "products",
		Table:   "products",
		Columns: []string{"id", "category_id", "name", "created_at", "updated_at", "deleted_at"},
		Casts: map[string]string{
			"created_at": "datetime",
			"updated_at": "datetime",
			"deleted_at": "datetime",
		},
		Behaviours: products,
		Relations: []orm.RelationConfig{
			{Name: "category", Type: orm.ManyToOne, ForeignMapper: "categories"},
		},
	}))
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

func (f *fixture) value(t *testing.T, query string, args ...any) any {
	t.Helper()
	v, err := db.QueryValue(f.ctx, f.conn, query, args...)
	require.NoError(t, err)
	return v
}
