package orm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datamapper/data/orm"
	"datamapper/data/orm/entity"
	"datamapper/errors"
)

func TestQuery_WhereAndOrder(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	items, err := products.NewQuery().
		WhereEquals("category_id", 1).
		OrderBy(`"products"."price" DESC`).
		Get(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"Floor lamp", "Desk lamp"}, items.Pluck("name"))
	assert.Equal(t, 80.5, items.First().Get("price"))
	assert.Equal(t, entity.StateSynchronized, items.First().State())

	items, err = products.NewQuery().WhereIn("id", 1, 3).Get(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, items.Count())

	items, err = products.NewQuery().WhereIn("id").Get(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, items.Count())
}

func TestQuery_WhereNull(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	n, err := f.mapper(t, "categories").NewQuery().WhereEquals("parent_id", nil).Count(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestQuery_FirstNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.mapper(t, "products").NewQuery().WherePK(42).First(f.ctx)
	assert.True(t, errors.IsNotFound(err))
}

func TestQuery_CompositeKey(t *testing.T) {
	f := newFixture(t)
	f.exec(t, `INSERT INTO translations (locale, message_key, content) VALUES ('en', 'hello', 'Hello'), ('fr', 'hello', 'Bonjour')`)
	translations := f.mapper(t, "translations")

	tr, err := translations.Find(f.ctx, []any{"fr", "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", tr.Get("content"))

	_, err = translations.Find(f.ctx, "fr")
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))
}

func TestQuery_Paginate(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	page, err := products.NewQuery().OrderBy(`"products"."id"`).Paginate(f.ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.LastPage)
	assert.Equal(t, 2, page.CurrentPage)
	require.Equal(t, 1, page.Items.Count())
	assert.Equal(t, "Chair", page.Items.First().Get("name"))
}

func TestQuery_Chunk(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	var sizes []int
	var names []any
	err := products.NewQuery().Chunk(f.ctx, 2, func(c *entity.Collection) error {
		sizes = append(sizes, c.Count())
		names = append(names, c.Pluck("name")...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, sizes)
	assert.Equal(t, []any{"Desk lamp", "Floor lamp", "Chair"}, names)

	err = products.NewQuery().Chunk(f.ctx, 0, func(*entity.Collection) error { return nil })
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))
}

func TestQuery_Scopes(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")
	products.AddQueryScope("cheaperThan", func(q *orm.Query, args ...any) *orm.Query {
		return q.Where(`"products"."price" < ?`, args...)
	})

	n, err := products.NewQuery().Scope("cheaperThan", 50).Count(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = products.NewQuery().Scope("missing").Get(f.ctx)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))

	// 没有软删除行为时 withTrashed 不存在
	_, err = products.NewQuery().WithTrashed().Get(f.ctx)
	assert.Error(t, err)
}

func TestQuery_NamedGuards(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	q := products.NewQuery().Guard("expensive", `"products"."price" > ?`, 50)
	n, err := q.Count(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.Clone().WithoutGuards("expensive").Count(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	sql, _ := q.SQL(f.ctx)
	assert.Contains(t, sql, `"products"."price" > ?`)
}

func TestQuery_JoinWith(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	items, err := products.NewQuery().
		JoinWith("category").
		Where(`"category"."name" = ?`, "Lighting").
		OrderBy(`"products"."id"`).
		Get(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"Desk lamp", "Floor lamp"}, items.Pluck("name"))

	items, err = products.NewQuery().
		JoinWith("tags").
		Where(`"tags"."name" = ?`, "warm").
		Get(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, items.Count())

	_, err = products.NewQuery().JoinWith("owner").Get(f.ctx)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidRelation))
}

func TestQuery_ColumnsAndGroupBy(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	rows, err := f.mapper(t, "products").NewQuery().
		Columns(`"products"."category_id"`, `COUNT(*) AS "total"`).
		GroupBy(`"products"."category_id"`).
		OrderBy(`"products"."category_id"`).
		Rows(f.ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0].Get("total"))
	assert.Equal(t, int64(1), rows[1].Get("total"))
}
