package schema

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tablegate/internal/gateerr"
)

const blogSchema = `
tables:
  - name: users
    columns:
      - {name: id, type: integer, primaryKey: true}
      - {name: email, type: text, privileges: [select, insert]}
  - name: posts
    columns:
      - {name: id, type: integer, primaryKey: true}
      - {name: author_id, type: integer}
      - {name: title, type: text}
    foreignKeys:
      - {columns: [author_id], refTable: users, refColumns: [id]}
  - name: post_stats
    kind: view
    columns:
      - {name: post_id, type: integer}
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(blogSchema))
	require.NoError(t, err)

	assert.Equal(t, []string{"users", "posts", "post_stats"}, c.TableNames())

	users, ok := c.Table("users")
	require.True(t, ok)
	assert.Equal(t, BaseTable, users.Kind)
	assert.Equal(t, []string{"id"}, users.PrimaryKey())
	assert.Equal(t, []string{"id"}, users.ColumnsWithPrivilege(Update))
	assert.Equal(t, []string{"id", "email"}, users.ColumnsWithPrivilege(Insert))

	stats, _ := c.Table("post_stats")
	assert.False(t, stats.Kind.Writable())
}

func TestParseRejectsBadReferences(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown ref table",
			doc: `
tables:
  - name: posts
    columns: [{name: author_id, type: integer}]
    foreignKeys: [{columns: [author_id], refTable: users, refColumns: [id]}]
`,
		},
		{
			name: "duplicate column",
			doc: `
tables:
  - name: posts
    columns: [{name: id, type: integer}, {name: id, type: integer}]
`,
		},
		{
			name: "unknown field",
			doc: `
tables:
  - name: posts
    colums: []
`,
		},
		{
			name: "join with one table",
			doc: `
tables:
  - name: posts
    columns: [{name: id, type: integer}]
joins:
  - tables: [posts]
    on: [{id: id}]
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, IsInvalidSchemaErr(err))
		})
	}
}

func TestLookupSuggestsTable(t *testing.T) {
	c, err := Parse([]byte(blogSchema))
	require.NoError(t, err)

	_, err = c.Lookup("user")
	require.Error(t, err)
	assert.True(t, gateerr.IsSchemaMetadata(err))
	assert.Contains(t, err.Error(), "did you mean 'users'?")

	_, err = c.ColumnOf("posts", "titel")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean 'title'?")
}

func TestMarshalRoundTripsTableOrder(t *testing.T) {
	c, err := Parse([]byte(blogSchema))
	require.NoError(t, err)

	out, err := Marshal(c)
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, c.TableNames(), again.TableNames())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(blogSchema), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loaded := make(chan *Catalog, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Catalog) {
			select {
			case loaded <- c:
			default:
			}
		}, func(error) {})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := blogSchema + `
  - name: tags
    columns: [{name: id, type: integer}]
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	// A write can surface as several events; wait for the complete document.
	timeout := time.After(5 * time.Second)
	for found := false; !found; {
		select {
		case c := <-loaded:
			_, found = c.Table("tags")
		case <-timeout:
			t.Fatal("schema was not reloaded")
		}
	}

	cancel()
	require.NoError(t, <-done)
}
