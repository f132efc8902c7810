package dialect

import (
	stdErrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"datamapper/errors"
)

func TestNew_Aliases(t *testing.T) {
	assert.Equal(t, NamePostgres, New("pgx").Name())
	assert.Equal(t, NamePostgres, New("PostgreSQL").Name())
	assert.Equal(t, NameSQLite, New("sqlite3").Name())
	assert.Equal(t, NameMySQL, New(" mysql ").Name())
	assert.Equal(t, NameUnknown, New("oracle").Name())
}

func TestRebind_Postgres(t *testing.T) {
	d := New("postgres")
	q := "SELECT * FROM t WHERE a = ? AND b IN (?, ?)"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", d.Rebind(q))
}

func TestRebind_SkipsLiterals(t *testing.T) {
	d := New("postgres")
	q := "SELECT * FROM t WHERE name = 'what?' AND id = ?"
	assert.Equal(t, "SELECT * FROM t WHERE name = 'what?' AND id = $1", d.Rebind(q))
}

func TestRebind_NoChangeForMySQLSQLite(t *testing.T) {
	orig := "DELETE FROM t WHERE id = ? AND name = ?"
	for _, name := range []string{"mysql", "sqlite", "unknown"} {
		assert.Equal(t, orig, New(name).Rebind(orig), name)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, "`products`.`sku`", New("mysql").QuoteIdentifier("products.sku"))
	assert.Equal(t, `"products".*`, New("sqlite").QuoteIdentifier("products.*"))
	assert.Equal(t, "products", New("").QuoteIdentifier("products"))
}

func TestClassify(t *testing.T) {
	d := New("sqlite")
	code, ok := d.Classify(stdErrors.New("UNIQUE constraint failed: products.sku"))
	assert.True(t, ok)
	assert.Equal(t, errors.ErrCodeDuplicate, code)

	_, ok = d.Classify(stdErrors.New("no such table: products"))
	assert.False(t, ok)

	assert.True(t, New("mysql").IsUniqueViolation(stdErrors.New("Error 1062: Duplicate entry 'abc'")))
	assert.True(t, New("pgx").SupportsReturning())
	assert.False(t, d.SupportsReturning())
}
