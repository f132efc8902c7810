package orm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datamapper/data/db"
	basicdb "datamapper/data/db/basic"
	"datamapper/data/orm"
	"datamapper/data/orm/entity"
	"datamapper/errors"
)

func TestOrm_ResolvesRelationDefaults(t *testing.T) {
	f := newFixture(t)

	products := f.mapper(t, "products")
	category, err := products.Relation("category")
	require.NoError(t, err)
	assert.Equal(t, []string{"category_id"}, category.Config().NativeKey)
	assert.Equal(t, []string{"id"}, category.Config().ForeignKey)
	assert.Equal(t, orm.LoadLazy, category.Config().Load)

	tags, err := products.Relation("tags")
	require.NoError(t, err)
	cfg := tags.Config()
	assert.Equal(t, "products_tags", cfg.ThroughTable)
	assert.Equal(t, []string{"product_id"}, cfg.ThroughNativeColumn)
	assert.Equal(t, []string{"tag_id"}, cfg.ThroughForeignColumn)
	assert.Equal(t, orm.DefaultPivotPrefix, cfg.PivotPrefix)

	categories := f.mapper(t, "categories")
	rel, err := categories.Relation("products")
	require.NoError(t, err)
	assert.Equal(t, []string{"category_id"}, rel.Config().ForeignKey)

	back, err := f.mapper(t, "tags").Relation("products")
	require.NoError(t, err)
	assert.Equal(t, "products_tags", back.Config().ThroughTable)
	assert.Equal(t, []string{"tag_id"}, back.Config().ThroughNativeColumn)

	_, err = products.Relation("missing")
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidRelation))
}

func TestOrm_RegisterValidation(t *testing.T) {
	conn, err := basicdb.New(db.DBConfig{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	defer conn.Close()
	o := orm.New(db.NewConnectionLocator(conn))

	err = o.Register(orm.Config{Name: "bad", Table: "drop table;"})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidConfig))

	require.NoError(t, o.Register(orm.Config{Name: "a", Table: "a", Columns: []string{"name"},
		Relations: []orm.RelationConfig{{Name: "b", Type: orm.OneToMany, ForeignMapper: "b"}}}))
	err = o.Register(orm.Config{Name: "a", Table: "a"})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidConfig), "duplicate name")

	_, err = o.Mapper("a")
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidConfig), "foreign mapper b is unknown")
}

func TestOrm_RegisterAfterResolve(t *testing.T) {
	f := newFixture(t)
	err := f.orm.Register(orm.Config{Name: "late", Table: "late"})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidConfig))

	_, err = f.orm.Mapper("unknown")
	assert.Error(t, err)
	assert.Contains(t, f.orm.Names(), "products")
}

func TestOrm_PrimaryKeyAddedToColumns(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "id", f.mapper(t, "images").Columns()[0])
	assert.Equal(t, []string{"locale", "message_key"}, f.mapper(t, "translations").PrimaryKey())
}

// 属性经过转换后保存再读回，值保持一致
func TestMapper_HydrateExtractRoundTrip(t *testing.T) {
	f := newFixture(t)
	products := f.mapper(t, "products")

	p := f.newEntity(t, "products", map[string]any{"name": "Desk", "price": "199.999", "active": 0})
	assert.Equal(t, entity.StateNew, p.State())
	assert.Equal(t, 200.0, p.Get("price"))
	assert.Equal(t, false, p.Get("active"))

	require.NoError(t, products.Save(f.ctx, p))
	assert.Equal(t, entity.StateSynchronized, p.State())
	assert.Equal(t, int64(1), p.Get("id"))

	found, err := products.Find(f.ctx, 1)
	require.NoError(t, err)
	for _, name := range []string{"id", "name", "price", "active"} {
		assert.Equal(t, p.Get(name), found.Get(name), name)
	}
	assert.Equal(t, entity.StateSynchronized, found.State())
	assert.False(t, found.IsChanged())
}

func TestMapper_DefaultsAndNestedPayload(t *testing.T) {
	f := newFixture(t)

	p := f.newEntity(t, "products", map[string]any{
		"name":     "Lamp",
		"category": map[string]any{"name": "Lighting"},
		"tags":     []map[string]any{{"name": "warm"}, {"name": "led"}},
	})
	assert.Equal(t, true, p.Get("active"), "default applied")

	category, ok := p.Get("category").(entity.Entity)
	require.True(t, ok)
	assert.Equal(t, "Lighting", category.Get("name"))
	assert.Equal(t, entity.StateNew, category.State())

	tags, ok := p.Get("tags").(*entity.Collection)
	require.True(t, ok)
	assert.Equal(t, 2, tags.Count())
}

func TestMapper_ColumnAttributeRename(t *testing.T) {
	f := newFixture(t)
	translations := f.mapper(t, "translations")

	tr := f.newEntity(t, "translations", map[string]any{"locale": "en", "message_key": "greeting", "content": "hello"})
	assert.Equal(t, "greeting", tr.Get("key"))
	assert.False(t, tr.Has("message_key"))
	require.NoError(t, translations.Save(f.ctx, tr))

	found, err := translations.Find(f.ctx, []any{"en", "greeting"})
	require.NoError(t, err)
	assert.Equal(t, "hello", found.Get("content"))
	assert.Equal(t, "greeting", found.Get("key"))

	_, err = translations.Find(f.ctx, "en")
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))
}

func TestMapper_RejectsForeignEntityType(t *testing.T) {
	f := newFixture(t)
	type custom struct{ *entity.GenericEntity }

	products := f.mapper(t, "products")
	err := products.Save(f.ctx, custom{entity.NewGenericEntity()})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidEntity))
}

func TestMapper_EntityFactory(t *testing.T) {
	type product struct{ *entity.GenericEntity }
	f := newFixture(t, func(cfgs []orm.Config) []orm.Config {
		for i := range cfgs {
			if cfgs[i].Name == "images" {
				cfgs[i].EntityFactory = func() entity.Entity { return &product{entity.NewGenericEntity()} }
			}
		}
		return cfgs
	})
	images := f.mapper(t, "images")
	img, err := images.NewEntity(map[string]any{"path": "a.png"})
	require.NoError(t, err)
	_, ok := img.(*product)
	assert.True(t, ok)
	assert.False(t, images.Accepts(entity.NewGenericEntity()))
	require.NoError(t, images.Save(context.Background(), img))
}
