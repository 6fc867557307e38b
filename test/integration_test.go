//go:build integration

package test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tablegate"
	"github.com/pthm/tablegate/internal/doctor"
	"github.com/pthm/tablegate/internal/introspect"
	"github.com/pthm/tablegate/schema"
	"github.com/pthm/tablegate/test/testutil"
)

// compiler introspects db and returns an unrestricted compiler probing db.
func compiler(t *testing.T, db *sql.DB, opts ...tablegate.Option) *tablegate.Compiler {
	t.Helper()
	c, err := introspect.Load(context.Background(), db, introspect.Options{})
	require.NoError(t, err)
	opts = append([]tablegate.Option{tablegate.WithProber(tablegate.DBProber(db))}, opts...)
	return tablegate.New(tablegate.NewStore(c), opts...)
}

func TestIntrospect(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	c, err := introspect.Load(ctx, db, introspect.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"comments", "post_tags", "posts", "published_posts", "tags", "users"}, c.TableNames())

	users, ok := c.Table("users")
	require.True(t, ok)
	assert.Equal(t, schema.BaseTable, users.Kind)
	assert.Equal(t, []string{"id", "email", "name", "created_at"}, users.ColumnNames())
	assert.Equal(t, []string{"id"}, users.PrimaryKey())
	id, _ := users.Column("id")
	assert.True(t, id.HasDefault)
	assert.Nil(t, id.Privileges, "the owner holds every privilege")
	name, _ := users.Column("name")
	assert.True(t, name.Nullable)

	posts, ok := c.Table("posts")
	require.True(t, ok)
	labels, _ := posts.Column("labels")
	assert.Equal(t, "text[]", labels.Type)
	require.Len(t, posts.ForeignKeys, 1)
	assert.Equal(t, "users", posts.ForeignKeys[0].RefTable)
	assert.Equal(t, []string{"user_id"}, posts.ForeignKeys[0].Columns)

	linkTable, _ := c.Table("post_tags")
	assert.Equal(t, []string{"post_id", "tag_id"}, linkTable.PrimaryKey())
	assert.Len(t, linkTable.ForeignKeys, 2)

	view, _ := c.Table("published_posts")
	assert.Equal(t, schema.View, view.Kind)

	only, err := introspect.Load(ctx, db, introspect.Options{Tables: []string{"users", "posts"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"posts", "users"}, only.TableNames())
}

func TestSelect_RunsAgainstDatabase(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	c := compiler(t, db)

	stmt, err := c.Compile(ctx, "users", tablegate.Select,
		map[string]any{"$exists": map[string]any{"posts": map[string]any{"status": "published"}}},
		map[string]any{
			"select":  map[string]any{"id": 1, "email": 1, "posts": map[string]any{"title": 1}},
			"orderBy": "id",
		},
		nil,
	)
	require.NoError(t, err)

	rows, err := db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		id    int64
		email string
		posts string
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.id, &r.email, &r.posts))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())

	require.Len(t, got, 2)
	assert.Equal(t, "ada@example.com", got[0].email)
	assert.Contains(t, got[0].posts, "Hello")
	assert.Contains(t, got[0].posts, "Draft")
	assert.Contains(t, got[1].posts, "Bob post")
}

func TestCount_RunsAgainstDatabase(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	c := compiler(t, db)

	stmt, err := c.CompileCount(ctx, "posts", map[string]any{"status": "published"}, nil, nil)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestExecInsert_Nested(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	c := compiler(t, db)

	plan, err := c.CompileInsert(ctx, "users", map[string]any{
		"email": "cy@example.com",
		"posts": []any{
			map[string]any{"title": "First", "comments": []any{map[string]any{"body": "yay"}}},
			map[string]any{"title": "Second"},
		},
	}, "id,email", nil)
	require.NoError(t, err)
	require.True(t, plan.Nested)

	rows, err := c.ExecInsert(ctx, db, plan)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "cy@example.com", rows[0]["email"])
	assert.Len(t, rows[0], 2, "only the requested columns are returned")

	var posts, comments int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM posts p JOIN users u ON u.id = p.user_id WHERE u.email = 'cy@example.com'`,
	).Scan(&posts))
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM comments c JOIN posts p ON p.id = c.post_id WHERE p.title = 'First'`,
	).Scan(&comments))
	assert.Equal(t, 2, posts)
	assert.Equal(t, 1, comments)
}

func TestExecInsert_LinkTable(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	c := compiler(t, db)

	plan, err := c.CompileInsert(ctx, "posts", map[string]any{
		"title": "Tagged",
		"users": map[string]any{"email": "dee@example.com"},
		"tags":  []any{map[string]any{"label": "go"}, map[string]any{"label": "sql"}},
	}, nil, nil)
	require.NoError(t, err)

	_, err = c.ExecInsert(ctx, db, plan)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM post_tags pt JOIN posts p ON p.id = pt.post_id WHERE p.title = 'Tagged'`,
	).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestExecInsert_RollsBackOnFailure(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	c := compiler(t, db)

	// The second post has no title, which violates NOT NULL after the user
	// and first post were inserted.
	plan, err := c.CompileInsert(ctx, "users", map[string]any{
		"email": "eve@example.com",
		"posts": []any{
			map[string]any{"title": "ok"},
			map[string]any{"status": "draft"},
		},
	}, nil, nil)
	require.NoError(t, err)

	_, err = c.ExecInsert(ctx, db, plan)
	require.Error(t, err)

	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM users WHERE email = 'eve@example.com'`,
	).Scan(&n))
	assert.Zero(t, n, "the user row must be rolled back")
}

func TestExecInsert_InsideCallerTransaction(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	c := compiler(t, db)

	plan, err := c.CompileInsert(ctx, "users", map[string]any{
		"email": "fay@example.com",
		"posts": []any{map[string]any{"title": "tx"}},
	}, nil, nil)
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = c.ExecInsert(ctx, tx, plan)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM users WHERE email = 'fay@example.com'`,
	).Scan(&n))
	assert.Zero(t, n)
}

// driftedCatalog is the fixture schema plus a column the database lacks.
func driftedCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	c, err := schema.Parse([]byte(`
tables:
  - name: users
    columns:
      - {name: id, type: integer, primaryKey: true, hasDefault: true}
      - {name: email, type: text}
  - name: posts
    columns:
      - {name: id, type: integer, primaryKey: true, hasDefault: true}
      - {name: user_id, type: integer}
      - {name: title, type: text}
      - {name: status, type: text}
      - {name: archived, type: boolean}
    foreignKeys:
      - {columns: [user_id], refTable: users, refColumns: [id]}
`))
	require.NoError(t, err)
	return c
}

func TestRemotePolicy_Probes(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	c := tablegate.New(tablegate.NewStore(driftedCatalog(t)),
		tablegate.WithProber(tablegate.DBProber(db)),
		tablegate.WithRemotePolicies(),
	)

	good := map[string]any{"select": map[string]any{
		"fields":       "*",
		"forcedFilter": map[string]any{"status": "published"},
	}}
	_, err := c.Compile(ctx, "posts", tablegate.Select, nil, map[string]any{"select": "id"}, good)
	require.NoError(t, err)

	bad := map[string]any{"select": map[string]any{
		"fields":       "*",
		"forcedFilter": map[string]any{"archived": false},
	}}
	_, err = c.Compile(ctx, "posts", tablegate.Select, nil, map[string]any{"select": "id"}, bad)
	require.Error(t, err)
	assert.True(t, tablegate.IsRuleViolationErr(err))
	assert.Contains(t, err.Error(), "archived")
}

func TestUpdate_DynamicFields(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	c := compiler(t, db)

	policy := map[string]any{
		"select": true,
		"update": map[string]any{
			"fields": []any{"status"},
			"dynamicFields": []any{
				map[string]any{"filter": map[string]any{"status": "draft"}, "fields": []any{"title", "status"}},
			},
		},
	}

	// Post 2 is a draft, so its title may change.
	stmt, err := c.CompileUpdate(ctx, "posts", map[string]any{"id": 2}, map[string]any{"title": "Renamed"}, "id,title", policy)
	require.NoError(t, err)
	var title string
	var id int64
	require.NoError(t, db.QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(&id, &title))
	assert.Equal(t, int64(2), id)
	assert.Equal(t, "Renamed", title)

	// Post 1 is published: only status.
	_, err = c.CompileUpdate(ctx, "posts", map[string]any{"id": 1}, map[string]any{"title": "Nope"}, nil, policy)
	require.Error(t, err)
	assert.True(t, tablegate.IsRuleViolationErr(err))

	cols, err := c.Columns(ctx, "posts", tablegate.Update, map[string]any{"id": 1}, policy)
	require.NoError(t, err)
	assert.Equal(t, []string{"status"}, cols)
}

func TestDelete_Returning(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	c := compiler(t, db)

	stmt, err := c.Compile(ctx, "comments", tablegate.Delete,
		map[string]any{"post_id": 1}, map[string]any{"returning": "id"}, nil)
	require.NoError(t, err)

	rows, err := db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	require.NoError(t, err)
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 2, n)
}

func TestDoctor_DetectsDrift(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()

	report, err := doctor.New(driftedCatalog(t), nil,
		doctor.WithDatabase(db, ""),
		doctor.WithProber(tablegate.DBProber(db)),
	).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.HasErrors())

	var drift *doctor.CheckResult
	for i := range report.Checks {
		if report.Checks[i].Name == "drift" {
			drift = &report.Checks[i]
		}
	}
	require.NotNil(t, drift)
	assert.Equal(t, doctor.StatusFail, drift.Status)
	assert.Equal(t, "posts.archived", drift.Details)
}
