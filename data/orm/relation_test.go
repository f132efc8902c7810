package orm_test

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datamapper/data/orm"
	"datamapper/data/orm/entity"
	"datamapper/errors"
)

func seedCatalog(t *testing.T, f *fixture) {
	t.Helper()
	f.exec(t,
		`INSERT INTO categories (id, name) VALUES (1, 'Lighting'), (2, 'Seating'), (3, 'Lamps')`,
		`UPDATE categories SET parent_id = 1 WHERE id = 3`,
		`INSERT INTO products (id, category_id, name, price) VALUES (1, 1, 'Desk lamp', 20), (2, 1, 'Floor lamp', 80.5), (3, 2, 'Chair', 45)`,
		`INSERT INTO tags (id, name) VALUES (1, 'warm'), (2, 'metal'), (3, 'wood')`,
		`INSERT INTO products_tags (product_id, tag_id, position) VALUES (1, 1, 1), (1, 2, 2), (2, 1, 1), (3, 3, 1)`,
		`INSERT INTO images (imageable_type, imageable_id, path) VALUES ('products', 1, 'p1.png'), ('categories', 1, 'c1.png')`,
	)
}

func collection(t *testing.T, e entity.Entity, name string) *entity.Collection {
	t.Helper()
	assert.False(t, e.IsLazy(name), "%s should be loaded", name)
	coll, ok := e.Get(name).(*entity.Collection)
	require.True(t, ok, "%s is %T", name, e.Get(name))
	return coll
}

func TestOneToMany_CascadeInsert(t *testing.T) {
	f := newFixture(t)
	categories := f.mapper(t, "categories")
	c := f.newEntity(t, "categories", map[string]any{
		"name":     "Lighting",
		"products": []map[string]any{{"name": "Desk lamp"}, {"name": "Floor lamp"}},
	})
	require.NoError(t, categories.Save(f.ctx, c))

	assert.Equal(t, int64(1), c.Get("id"))
	for _, p := range collection(t, c, "products").All() {
		assert.Equal(t, entity.StateSynchronized, p.State())
		assert.Equal(t, int64(1), p.Get("category_id"))
		assert.NotNil(t, p.Get("id"))
	}
	assert.Equal(t, int64(2), f.count(t, `SELECT COUNT(*) FROM products WHERE category_id = 1`))
	assert.False(t, c.IsChanged())
}

func TestOneToMany_RemovedChildIsDetached(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	categories := f.mapper(t, "categories")

	c, err := categories.NewQuery().WherePK(1).Load("products").First(f.ctx)
	require.NoError(t, err)
	products := collection(t, c, "products")
	require.Equal(t, 2, products.Count())
	removed := products.FindByKey(int64(1))
	require.NotNil(t, removed)
	products.Remove(removed)

	require.NoError(t, categories.Save(f.ctx, c))
	assert.Nil(t, removed.Get("category_id"))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM products WHERE id = 1 AND category_id IS NULL`))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM products WHERE id = 2 AND category_id = 1`))
}

func TestOneToMany_DeleteWithoutCascadeNullsForeignKey(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	categories := f.mapper(t, "categories")

	c, err := categories.Find(f.ctx, 2)
	require.NoError(t, err)
	f.resetCounter()
	require.NoError(t, categories.Delete(f.ctx, c))

	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM categories WHERE id = 2`))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM products WHERE id = 3 AND category_id IS NULL`))
	counter := f.traced.Counter()
	assert.Equal(t, 1, counter.Count("DELETE"))
	assert.Equal(t, 1, counter.Count("UPDATE"))
}

func TestOneToMany_CascadeDelete(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	categories := f.mapper(t, "categories")

	c, err := categories.Find(f.ctx, 1)
	require.NoError(t, err)
	require.NoError(t, categories.Delete(f.ctx, c))

	assert.Equal(t, entity.StateDeleted, c.State())
	// children 级联删除，products 只置空外键
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM categories WHERE id IN (1, 3)`))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM categories`))
	assert.Equal(t, int64(2), f.count(t, `SELECT COUNT(*) FROM products WHERE id IN (1, 2) AND category_id IS NULL`))
}

func TestOneToMany_ForeignGuards(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	p, err := products.NewQuery().WherePK(1).Load("images").First(f.ctx)
	require.NoError(t, err)
	images := collection(t, p, "images")
	require.Equal(t, 1, images.Count())
	assert.Equal(t, "p1.png", images.First().Get("path"))

	img := f.newEntity(t, "images", map[string]any{"path": "p1-back.png"})
	images.Add(img)
	require.NoError(t, products.Save(f.ctx, p))
	assert.Equal(t, "products", img.Get("imageable_type"))
	assert.Equal(t, int64(1), img.Get("imageable_id"))

	require.NoError(t, products.Delete(f.ctx, p))
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM images WHERE imageable_type = 'products'`))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM images WHERE imageable_type = 'categories'`))
}

func TestManyToOne_SavesParentFirst(t *testing.T) {
	f := newFixture(t)
	products := f.mapper(t, "products")
	p := f.newEntity(t, "products", map[string]any{
		"name":     "Desk lamp",
		"category": map[string]any{"name": "Lighting"},
	})

	f.resetCounter()
	require.NoError(t, products.Save(f.ctx, p))

	stmts := f.traced.Counter().Statements()
	require.Len(t, stmts, 2)
	assert.True(t, strings.HasPrefix(stmts[0], `INSERT INTO "categories"`), stmts[0])
	assert.True(t, strings.HasPrefix(stmts[1], `INSERT INTO "products"`), stmts[1])

	category := p.Get("category").(entity.Entity)
	assert.Equal(t, category.Get("id"), p.Get("category_id"))
	assert.Equal(t, entity.StateSynchronized, category.State())
}

func TestManyToOne_ClearingDetaches(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	p, err := products.NewQuery().WherePK(3).Load("category").First(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, p.Get("category"))
	require.NoError(t, p.Set("category", nil))
	require.NoError(t, products.Save(f.ctx, p))

	assert.Nil(t, p.Get("category_id"))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM products WHERE id = 3 AND category_id IS NULL`))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM categories WHERE id = 2`))
}

func TestOneToOne_SaveAndLoad(t *testing.T) {
	f := newFixture(t)
	products := f.mapper(t, "products")
	p := f.newEntity(t, "products", map[string]any{
		"name":   "Desk lamp",
		"detail": map[string]any{"description": "Adjustable arm"},
	})
	require.NoError(t, products.Save(f.ctx, p))

	detail := p.Get("detail").(entity.Entity)
	assert.Equal(t, p.Get("id"), detail.Get("product_id"))

	loaded, err := products.NewQuery().WherePK(p.Get("id")).Load("detail").First(f.ctx)
	require.NoError(t, err)
	got, ok := loaded.Get("detail").(entity.Entity)
	require.True(t, ok)
	assert.Equal(t, "Adjustable arm", got.Get("description"))
}

func TestManyToMany_AttachAndDetach(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	p := f.newEntity(t, "products", map[string]any{
		"name": "Pendant",
		"tags": []map[string]any{{"name": "glass", "pivot_position": 3}},
	})
	require.NoError(t, products.Save(f.ctx, p))
	id := p.Get("id")
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM products_tags WHERE product_id = ? AND position = 3`, id))

	tags := collection(t, p, "tags")
	glass := tags.First()
	assert.Equal(t, id, glass.Get("pivot_product_id"))

	warm, err := f.mapper(t, "tags").Find(f.ctx, 1)
	require.NoError(t, err)
	tags.Add(warm)
	require.NoError(t, products.Save(f.ctx, p))
	assert.Equal(t, int64(2), f.count(t, `SELECT COUNT(*) FROM products_tags WHERE product_id = ?`, id))

	// 只删除该产品与 warm 之间的中间表行
	tags.Remove(warm)
	require.NoError(t, products.Save(f.ctx, p))
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM products_tags WHERE product_id = ? AND tag_id = 1`, id))
	assert.Equal(t, int64(2), f.count(t, `SELECT COUNT(*) FROM products_tags WHERE tag_id = 1`))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM tags WHERE id = 1`))
}

func TestManyToMany_PivotColumnChange(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	p, err := products.NewQuery().WherePK(1).Load("tags").First(f.ctx)
	require.NoError(t, err)
	tags := collection(t, p, "tags")
	require.Equal(t, 2, tags.Count())
	metal := tags.FindByKey(int64(2))
	require.NotNil(t, metal)
	assert.Equal(t, int64(2), metal.Get("pivot_position"))

	require.NoError(t, metal.Set("pivot_position", 7))
	f.resetCounter()
	require.NoError(t, products.Save(f.ctx, p))

	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM products_tags WHERE product_id = 1 AND tag_id = 2 AND position = 7`))
	assert.Equal(t, 0, f.traced.Counter().Count("UPDATE"))
}

func TestManyToMany_DeleteRemovesOnlyPivotRows(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	p, err := products.Find(f.ctx, 1)
	require.NoError(t, err)
	require.NoError(t, products.Delete(f.ctx, p))

	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM products_tags WHERE product_id = 1`))
	assert.Equal(t, int64(2), f.count(t, `SELECT COUNT(*) FROM products_tags`))
	assert.Equal(t, int64(3), f.count(t, `SELECT COUNT(*) FROM tags`))
}

func TestEagerLoad_OneQueryPerRelation(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	f.resetCounter()
	items, err := products.NewQuery().Load("tags", "category").Get(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 3, items.Count())
	assert.Equal(t, 3, f.traced.Counter().Count("SELECT"))

	byID := func(id int64) entity.Entity { return items.FindByKey(id) }
	assert.ElementsMatch(t, []any{"warm", "metal"}, collection(t, byID(1), "tags").Pluck("name"))
	assert.ElementsMatch(t, []any{"warm"}, collection(t, byID(2), "tags").Pluck("name"))
	assert.Equal(t, "Seating", byID(3).Get("category").(entity.Entity).Get("name"))
	assert.Equal(t, 3, f.traced.Counter().Count("SELECT"))
}

func TestLazyLoad_OneQueryPerBatch(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	items, err := products.NewQuery().Get(f.ctx)
	require.NoError(t, err)
	f.resetCounter()

	for _, p := range items.All() {
		assert.True(t, p.IsLazy("category"))
		c, ok := p.Get("category").(entity.Entity)
		require.True(t, ok)
		assert.Equal(t, p.Get("category_id"), c.Get("id"))
		assert.Equal(t, entity.StateSynchronized, p.State())
	}
	assert.Equal(t, 1, f.traced.Counter().Count("SELECT"))
}

func TestLoad_Nested(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	categories := f.mapper(t, "categories")

	f.resetCounter()
	c, err := categories.NewQuery().WherePK(1).Load("products.tags", "children").First(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, f.traced.Counter().Count("SELECT"))

	assert.Equal(t, []any{"Lamps"}, collection(t, c, "children").Pluck("name"))
	products := collection(t, c, "products")
	require.Equal(t, 2, products.Count())
	for _, p := range products.All() {
		assert.NotZero(t, collection(t, p, "tags").Count())
	}
}

func TestLoadWith_Callback(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	categories := f.mapper(t, "categories")

	c, err := categories.NewQuery().WherePK(1).
		LoadWith("products", func(q *orm.Query) *orm.Query { return q.Where(`"products"."price" > ?`, 50) }).
		First(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"Floor lamp"}, collection(t, c, "products").Pluck("name"))
}

func TestLoad_UnknownRelation(t *testing.T) {
	f := newFixture(t)
	_, err := f.mapper(t, "products").NewQuery().Load("owner").Get(f.ctx)
	require.Error(t, err)
}

func TestAggregates(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	categories := f.mapper(t, "categories")

	f.resetCounter()
	items, err := categories.NewQuery().OrderBy(`"categories"."id"`).Load("products_count", "max_price").Get(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.traced.Counter().Count("SELECT"))

	assert.Equal(t, int64(2), items.At(0).Get("products_count"))
	assert.Equal(t, 80.5, items.At(0).Get("max_price"))
	assert.Equal(t, int64(1), items.At(1).Get("products_count"))
	assert.Equal(t, int64(0), items.At(2).Get("products_count"))
	assert.Nil(t, items.At(2).Get("max_price"))
}

func TestAggregates_LazyManyToMany(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	items, err := products.NewQuery().Get(f.ctx)
	require.NoError(t, err)
	f.resetCounter()
	assert.True(t, items.FindByKey(int64(1)).IsLazy("tags_count"))
	assert.Equal(t, int64(2), items.FindByKey(int64(1)).Get("tags_count"))
	assert.Equal(t, int64(1), items.FindByKey(int64(3)).Get("tags_count"))
	assert.Equal(t, 1, f.traced.Counter().Count("SELECT"))
}

func TestLazyLoad_SharedManyToManyMembers(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")

	items, err := products.NewQuery().WhereIn("id", 1, 2).Get(f.ctx)
	require.NoError(t, err)
	f.resetCounter()

	first := items.FindByKey(int64(1)).Get("tags").(*entity.Collection)
	second := items.FindByKey(int64(2)).Get("tags").(*entity.Collection)
	assert.ElementsMatch(t, []any{"warm", "metal"}, first.Pluck("name"))
	assert.Equal(t, []any{"warm"}, second.Pluck("name"))
	assert.Equal(t, 1, f.traced.Counter().Count("SELECT"))

	// 每个父实体拿到各自带 pivot 列的副本
	assert.Equal(t, int64(1), first.FindByKey(int64(1)).Get("pivot_product_id"))
	assert.Equal(t, int64(2), second.FindByKey(int64(1)).Get("pivot_product_id"))
}

// failSavedOnce 第一次 saved 时失败
type failSavedOnce struct{ calls int }

func (b *failSavedOnce) Name() string { return "fail_saved_once" }

func (b *failSavedOnce) OnSaved(context.Context, *orm.Mapper, orm.Action) error {
	b.calls++
	if b.calls == 1 {
		return stderrors.New("saved listener unavailable")
	}
	return nil
}

func TestSave_RevertKeepsCollectionChanges(t *testing.T) {
	f := newFixture(t)
	seedCatalog(t, f)
	products := f.mapper(t, "products")
	products.AddBehaviour(&failSavedOnce{})

	p, err := products.NewQuery().WherePK(1).Load("images", "tags").First(f.ctx)
	require.NoError(t, err)
	images := collection(t, p, "images")
	tags := collection(t, p, "tags")
	img := images.First()
	metal := tags.FindByKey(int64(2))
	require.NotNil(t, metal)
	images.Remove(img)
	tags.Remove(metal)

	err = products.Save(f.ctx, p)
	require.Error(t, err)
	assert.True(t, errors.IsActionFailed(err))

	assert.Equal(t, []entity.Entity{img}, images.Removed())
	assert.Equal(t, []entity.Entity{metal}, tags.Removed())
	assert.Equal(t, int64(1), img.Get("imageable_id"))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM images WHERE imageable_type = 'products' AND imageable_id = 1`))
	assert.Equal(t, int64(2), f.count(t, `SELECT COUNT(*) FROM products_tags WHERE product_id = 1`))

	require.NoError(t, products.Save(f.ctx, p))
	assert.False(t, images.HasChanges())
	assert.False(t, tags.HasChanges())
	assert.Nil(t, img.Get("imageable_id"))
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM images WHERE imageable_type = 'products' AND imageable_id = 1`))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM products_tags WHERE product_id = 1`))
}

// withLabels 通过带类型列的共享中间表给 products 和 categories 打标签
func withLabels(cfgs []orm.Config) []orm.Config {
	for i := range cfgs {
		switch cfgs[i].Name {
		case "products", "categories":
			cfgs[i].Relations = append(cfgs[i].Relations, orm.RelationConfig{
				Name:                 "labels",
				Type:                 orm.ManyToMany,
				ForeignMapper:        "tags",
				ThroughTable:         "taggables",
				ThroughNativeColumn:  []string{"tagable_id"},
				ThroughForeignColumn: []string{"tag_id"},
				ThroughGuards:        map[string]any{"tagable_type": cfgs[i].Name},
			})
		}
	}
	return cfgs
}

func TestManyToMany_ThroughGuardsIsolateSiblings(t *testing.T) {
	f := newFixture(t, withLabels)
	seedCatalog(t, f)
	f.exec(t,
		`CREATE TABLE taggables (tagable_type TEXT NOT NULL, tagable_id INTEGER NOT NULL, tag_id INTEGER NOT NULL, PRIMARY KEY (tagable_type, tagable_id, tag_id))`,
		`INSERT INTO taggables (tagable_type, tagable_id, tag_id) VALUES ('products', 1, 1), ('products', 2, 1), ('categories', 1, 1), ('categories', 1, 2)`,
	)
	products := f.mapper(t, "products")
	siblings := func() int64 {
		return f.count(t, `SELECT COUNT(*) FROM taggables WHERE NOT (tagable_type = 'products' AND tagable_id = 1)`)
	}

	p, err := products.NewQuery().WherePK(1).Load("labels").First(f.ctx)
	require.NoError(t, err)
	labels := collection(t, p, "labels")
	assert.Equal(t, []any{"warm"}, labels.Pluck("name"))

	// 写入时旧行的删除同样受类型列约束，categories/1 的 metal 保留
	metal, err := f.mapper(t, "tags").Find(f.ctx, 2)
	require.NoError(t, err)
	labels.Add(metal)
	require.NoError(t, products.Save(f.ctx, p))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM taggables WHERE tagable_type = 'products' AND tagable_id = 1 AND tag_id = 2`))
	assert.Equal(t, int64(3), siblings())

	labels.Remove(labels.FindByKey(int64(1)))
	require.NoError(t, products.Save(f.ctx, p))
	assert.Equal(t, int64(1), f.count(t, `SELECT COUNT(*) FROM taggables WHERE tagable_type = 'products' AND tagable_id = 1`))
	assert.Equal(t, int64(3), siblings())

	require.NoError(t, products.Delete(f.ctx, p))
	assert.Equal(t, int64(0), f.count(t, `SELECT COUNT(*) FROM taggables WHERE tagable_type = 'products' AND tagable_id = 1`))
	assert.Equal(t, int64(3), siblings())
	assert.Equal(t, int64(2), f.count(t, `SELECT COUNT(*) FROM taggables WHERE tagable_type = 'categories' AND tagable_id = 1`))
}
