package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tablegate/schema"
)

func testCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	c, err := schema.Parse([]byte(`
tables:
  - name: users
    columns:
      - {name: id, type: integer, primaryKey: true}
      - {name: email, type: text}
      - {name: age, type: integer}
`))
	require.NoError(t, err)
	return c
}

func TestAllowedFieldSet(t *testing.T) {
	cols := []string{"a", "b", "c"}

	got, err := AllowedFieldSet(map[string]any{"a": false}, cols)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)

	got, err = AllowedFieldSet("*", cols)
	require.NoError(t, err)
	assert.Equal(t, cols, got)
}

func TestValidatePolicy(t *testing.T) {
	c := testCatalog(t)

	p, err := ValidatePolicy(c, "users", map[string]any{"select": map[string]any{"fields": "id,email"}})
	require.NoError(t, err)
	r, err := p.Rule(schema.Select)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "email"}, r.Fields)

	_, err = ValidatePolicy(c, "user", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean 'users'?")
}

func TestCompileFilter(t *testing.T) {
	c := testCatalog(t)

	sql, err := CompileFilter(c, "users", map[string]any{"age": map[string]any{"$gte": 18}})
	require.NoError(t, err)
	assert.Equal(t, `"users"."age" >= 18`, sql)

	sql, err = CompileFilter(c, "users", nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
}

func TestRegistries(t *testing.T) {
	assert.Contains(t, FilterOperators(), "$in")
	assert.Contains(t, SelectFunctions(), "$count")
}
