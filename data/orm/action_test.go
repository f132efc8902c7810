package orm_test

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datamapper/data/db"
	"datamapper/data/orm"
	"datamapper/data/orm/entity"
	"datamapper/data/orm/keygen"
	"datamapper/errors"
)

func TestUpdate_OnlyChangedColumns(t *testing.T) {
	f := newFixture(t)
	products := f.mapper(t, "products")
	p := f.newEntity(t, "products", map[string]any{"name": "Chair", "price": 49.5})
	require.NoError(t, products.Save(f.ctx, p))

	f.resetCounter()
	require.NoError(t, p.Set("name", "Armchair"))
	assert.Equal(t, entity.StateChanged, p.State())
	require.NoError(t, products.Save(f.ctx, p))

	counter := f.traced.Counter()
	require.Equal(t, 1, counter.Count("UPDATE"))
	stmt := counter.Statements()[0]
	assert.Contains(t, stmt, `"name" = ?`)
	assert.NotContains(t, stmt, `"price"`)
	assert.Equal(t, entity.StateSynchronized, p.State())
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM products WHERE name = 'Armchair'`))
}

func TestUpdate_NoChangesNoStatement(t *testing.T) {
	f := newFixture(t)
	products := f.mapper(t, "products")
	p := f.newEntity(t, "products", map[string]any{"name": "Chair"})
	require.NoError(t, products.Save(f.ctx, p))

	f.resetCounter()
	require.NoError(t, p.Set("name", "Chair"))
	require.NoError(t, products.Save(f.ctx, p))
	assert.Equal(t, 0, f.traced.Counter().Total())

	a, err := products.NewSaveAction(p)
	require.NoError(t, err)
	require.NoError(t, a.Run(f.ctx))
	update, ok := a.(*orm.Update)
	require.True(t, ok)
	assert.True(t, update.Skipped())
}

func TestInsert_GuardColumnsWin(t *testing.T) {
	f := newFixture(t)
	featured := f.mapper(t, "featured_products")

	p := f.newEntity(t, "featured_products", map[string]any{"name": "Lamp", "category_id": 20})
	require.NoError(t, featured.Save(f.ctx, p))

	assert.Equal(t, int64(10), p.Get("category_id"))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM products WHERE category_id = 10`))
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM products WHERE category_id = 20`))

	f.exec(t, `INSERT INTO products (name, category_id) VALUES ('Other', 20)`)
	all, err := featured.NewQuery().Get(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, all.Count())

	unguarded, err := featured.NewQuery().WithoutGuards().Count(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), unguarded)
}

func TestUpdate_GuardedWhere(t *testing.T) {
	f := newFixture(t)
	f.exec(t, `INSERT INTO products (id, name, category_id) VALUES (1, 'Lamp', 10)`)
	featured := f.mapper(t, "featured_products")

	p, err := featured.Find(f.ctx, 1)
	require.NoError(t, err)
	f.resetCounter()
	require.NoError(t, p.Set("name", "Desk lamp"))
	require.NoError(t, featured.Save(f.ctx, p))

	stmt := f.traced.Counter().Statements()[0]
	assert.True(t, strings.HasPrefix(stmt, `UPDATE "products" SET "name" = ?`), stmt)
	assert.Contains(t, stmt, `"category_id" = ?`)
}

func TestInsert_KeyGenerator(t *testing.T) {
	next := int64(1000)
	f := newFixture(t, func(cfgs []orm.Config) []orm.Config {
		for i := range cfgs {
			if cfgs[i].Name == "images" {
				cfgs[i].KeyGenerator = keygen.Func(func() (any, error) {
					next++
					return next, nil
				})
			}
		}
		return cfgs
	})
	images := f.mapper(t, "images")
	img := f.newEntity(t, "images", map[string]any{"path": "a.png"})
	require.NoError(t, images.Save(f.ctx, img))
	assert.Equal(t, int64(1001), img.Get("id"))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM images WHERE id = 1001`))
}

func TestInsert_CompositeKeyRequired(t *testing.T) {
	f := newFixture(t)
	translations := f.mapper(t, "translations")
	tr := f.newEntity(t, "translations", map[string]any{"locale": "en", "content": "x"})
	err := translations.Save(f.ctx, tr)
	assert.True(t, errors.IsActionFailed(err))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidEntity))
}

func TestDelete_ClearsKeyAndMarksDeleted(t *testing.T) {
	f := newFixture(t)
	products := f.mapper(t, "products")
	p := f.newEntity(t, "products", map[string]any{"name": "Chair"})
	require.NoError(t, products.Save(f.ctx, p))

	require.NoError(t, products.Delete(f.ctx, p))
	assert.Equal(t, entity.StateDeleted, p.State())
	assert.Nil(t, p.Get("id"))
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM products`))

	err := products.Save(f.ctx, p)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeEntityDeleted))
	assert.Error(t, p.Set("name", "x"))

	_, err = products.Find(f.ctx, 1)
	assert.True(t, errors.IsNotFound(err))
}

func TestDelete_WithoutKeyIsNoop(t *testing.T) {
	f := newFixture(t)
	products := f.mapper(t, "products")
	p := f.newEntity(t, "products", map[string]any{"name": "Chair"})

	f.resetCounter()
	require.NoError(t, products.Delete(f.ctx, p, orm.WithoutRelations()))
	assert.Equal(t, 0, f.traced.Counter().Count("DELETE"))
}

// 子动作失败时整棵树回滚：插入过的实体恢复为没有主键的 NEW 状态
func TestSave_FailureRevertsTree(t *testing.T) {
	f := newFixture(t)
	f.exec(t, `INSERT INTO tags (id, name) VALUES (1, 'warm')`)
	products := f.mapper(t, "products")

	p := f.newEntity(t, "products", map[string]any{
		"name": "Lamp",
		"tags": []map[string]any{{"name": "warm"}},
	})
	err := products.Save(f.ctx, p)
	require.Error(t, err)
	assert.True(t, errors.IsActionFailed(err))
	assert.True(t, errors.IsDuplicate(err))

	assert.Nil(t, p.Get("id"))
	assert.Equal(t, entity.StateNew, p.State())
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM products`))

	tag := p.Get("tags").(*entity.Collection).First()
	assert.Nil(t, tag.Get("id"))
	assert.Equal(t, entity.StateNew, tag.State())
}

func TestAction_RevertOrder(t *testing.T) {
	f := newFixture(t)
	products := f.mapper(t, "products")
	p := f.newEntity(t, "products", map[string]any{"name": "Lamp"})

	var trail []string
	a, err := products.NewSaveAction(p)
	require.NoError(t, err)
	a.Prepend(orm.NewCallbackAction(products, p,
		func(context.Context) error { trail = append(trail, "before"); return nil },
		func(context.Context) error { trail = append(trail, "revert before"); return nil }))
	a.Append(orm.NewCallbackAction(products, p,
		func(context.Context) error { trail = append(trail, "after"); return nil },
		func(context.Context) error { trail = append(trail, "revert after"); return nil }))
	a.Append(orm.NewCallbackAction(products, p,
		func(context.Context) error { return stderrors.New("boom") },
		func(context.Context) error { trail = append(trail, "never"); return nil }))

	err = a.Run(f.ctx)
	require.Error(t, err)
	assert.True(t, errors.IsActionFailed(err))
	assert.Equal(t, []string{"before", "after", "revert after", "revert before"}, trail)
	assert.False(t, a.HasRun())
	assert.Nil(t, p.Get("id"))
	assert.Equal(t, entity.StateNew, p.State())
}

func TestAction_RunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	products := f.mapper(t, "products")
	p := f.newEntity(t, "products", map[string]any{"name": "Lamp"})

	calls := 0
	a, err := products.NewSaveAction(p)
	require.NoError(t, err)
	a.Append(orm.NewCallbackAction(products, p, func(context.Context) error { calls++; return nil }, nil))

	require.NoError(t, a.Run(f.ctx))
	require.NoError(t, a.Run(f.ctx))
	assert.Equal(t, 1, calls)
	assert.True(t, a.HasRun())
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM products`))
}

func TestSave_ExistingTransaction(t *testing.T) {
	f := newFixture(t)
	products := f.mapper(t, "products")

	tx, err := f.traced.Begin(f.ctx)
	require.NoError(t, err)
	ctx := db.WithTx(f.ctx, tx)

	p := f.newEntity(t, "products", map[string]any{"name": "Lamp"})
	require.NoError(t, products.Save(ctx, p))
	require.NoError(t, tx.Rollback())

	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM products`))
}
