package tablegate_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tablegate"
	"github.com/pthm/tablegate/schema"
)

const testSchema = `
tables:
  - name: items
    columns:
      - {name: id, type: integer, primaryKey: true, hasDefault: true}
      - {name: name, type: text}
      - {name: owner_id, type: integer}
    foreignKeys:
      - {columns: [owner_id], refTable: users, refColumns: [id]}
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
    foreignKeys:
      - {columns: [user_id], refTable: users, refColumns: [id]}
`

func testStore(t *testing.T) *tablegate.Store {
	t.Helper()
	c, err := schema.Parse([]byte(testSchema))
	require.NoError(t, err)
	return tablegate.NewStore(c)
}

func obj(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

// spyProber records every probe and answers through answer.
type spyProber struct {
	mu      sync.Mutex
	queries []string
	answer  func(query string) (bool, error)
}

func (s *spyProber) Probe(_ context.Context, query string) (bool, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if s.answer == nil {
		return true, nil
	}
	return s.answer(query)
}

func (s *spyProber) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func TestCompileSelectAll(t *testing.T) {
	c := tablegate.New(testStore(t))
	stmt, err := c.Compile(context.Background(), "items", tablegate.Select, nil, obj(t, `{"select": "*"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "items"."id", "items"."name", "items"."owner_id" FROM "items" LIMIT 1000`, stmt.SQL)
	assert.Empty(t, stmt.Args)
}

func TestCompileJoinBranch(t *testing.T) {
	c := tablegate.New(testStore(t))
	stmt, err := c.Compile(context.Background(), "users", tablegate.Select, map[string]any{},
		obj(t, `{"select": {"id": 1, "posts": {"id": 1}}}`), nil)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "users"."id", COALESCE(json_agg("posts"."__json") FILTER (WHERE "posts"."__jk0" IS NOT NULL), '[]') AS "posts" `+
			`FROM "users" LEFT JOIN (SELECT "posts"."user_id" AS "__jk0", json_build_object('id', "posts"."id") AS "__json" FROM "posts") AS "posts" `+
			`ON "posts"."__jk0" = "users"."id" GROUP BY "users"."id" LIMIT 1000`,
		stmt.SQL)
}

func TestCompileCount(t *testing.T) {
	c := tablegate.New(testStore(t))
	stmt, err := c.CompileCount(context.Background(), "posts", obj(t, `{"status": "draft"}`), obj(t, `{"limit": 5, "orderBy": "title"}`), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stmt.SQL, `WITH "__rows" AS (`), stmt.SQL)
	assert.NotContains(t, stmt.SQL, "LIMIT")
	assert.NotContains(t, stmt.SQL, "ORDER BY")
}

func TestCompileRejectsDisallowedFilterWithoutProbing(t *testing.T) {
	spy := &spyProber{}
	c := tablegate.New(testStore(t), tablegate.WithRemotePolicies(), tablegate.WithProber(spy))
	policy := obj(t, `{"select": {"fields": ["id", "title"], "forcedFilter": {"status": "published"}}}`)

	_, err := c.Compile(context.Background(), "posts", tablegate.Select, obj(t, `{"user_id": 1}`), nil, policy)
	require.Error(t, err)
	assert.True(t, tablegate.IsRuleViolationErr(err))
	assert.Zero(t, spy.calls())

	stmt, err := c.Compile(context.Background(), "posts", tablegate.Select, obj(t, `{"title": "x"}`), nil, policy)
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, `"posts"."status" = 'published'`)
	assert.Equal(t, 1, spy.calls())
}

func TestCompileExistsHonoursTargetForcedFilter(t *testing.T) {
	c := tablegate.New(testStore(t), tablegate.WithPolicies(obj(t, `{
		"users": {"select": {"fields": "*"}},
		"posts": {"select": {"fields": "*", "forcedFilter": {"status": "published"}}}
	}`)))

	for _, key := range []string{"$exists", "$existsJoined"} {
		t.Run(key, func(t *testing.T) {
			where := map[string]any{key: map[string]any{"posts": map[string]any{"title": "draft secret"}}}
			stmt, err := c.Compile(context.Background(), "users", tablegate.Select, where,
				obj(t, `{"select": {"id": 1, "posts": {"id": 1}}}`), nil)
			require.NoError(t, err)
			assert.Regexp(t,
				`EXISTS \(SELECT 1 FROM "posts" AS "__e[0-9a-f]{8}" WHERE \(+"__e[0-9a-f]{8}"\."title" = 'draft secret' AND "__e[0-9a-f]{8}"\."status" = 'published'`,
				stmt.SQL)
			assert.Contains(t, stmt.SQL, `FROM "posts" WHERE "posts"."status" = 'published'`)
		})
	}
}

func TestCompileRemotePolicyProbeFailure(t *testing.T) {
	spy := &spyProber{answer: func(string) (bool, error) {
		return false, errors.New(`column "stauts" does not exist`)
	}}
	c := tablegate.New(testStore(t), tablegate.WithRemotePolicies(), tablegate.WithProber(spy))
	policy := obj(t, `{"select": {"fields": "*", "forcedFilter": {"status": "published"}}}`)

	_, err := c.Compile(context.Background(), "posts", tablegate.Select, nil, nil, policy)
	require.Error(t, err)
	assert.True(t, tablegate.IsRuleViolationErr(err))
	assert.Contains(t, err.Error(), "stauts")
}

func TestCompileConfiguredPolicies(t *testing.T) {
	c := tablegate.New(testStore(t), tablegate.WithPolicies(obj(t, `{
		"users": {"select": {"fields": "id,email"}},
		"posts": {"select": {"fields": ["id"]}}
	}`)))

	_, err := c.Compile(context.Background(), "items", tablegate.Select, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, tablegate.IsRuleViolationErr(err))

	_, err = c.Compile(context.Background(), "users", tablegate.Select, nil, obj(t, `{"select": {"id": 1, "posts": {"title": 1}}}`), nil)
	require.Error(t, err)
	assert.True(t, tablegate.IsRuleViolationErr(err))

	_, err = c.Compile(context.Background(), "users", tablegate.Select, nil, obj(t, `{"select": {"id": 1, "posts": {"id": 1}}}`), nil)
	require.NoError(t, err)
}

func TestCompileUpdate(t *testing.T) {
	c := tablegate.New(testStore(t))
	stmt, err := c.Compile(context.Background(), "posts", tablegate.Update, obj(t, `{"id": 1}`),
		obj(t, `{"data": {"title": "x"}, "returning": "id"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "posts" SET "title" = $1 WHERE "posts"."id" = 1 RETURNING "id"`, stmt.SQL)
	assert.Equal(t, []any{"x"}, stmt.Args)
}

func TestCompileDelete(t *testing.T) {
	c := tablegate.New(testStore(t))
	stmt, err := c.Compile(context.Background(), "posts", tablegate.Delete, obj(t, `{"status": "draft"}`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "posts" WHERE "posts"."status" = 'draft'`, stmt.SQL)

	_, err = c.Compile(context.Background(), "posts", tablegate.Delete, nil, obj(t, `{"retuning": "id"}`), nil)
	require.Error(t, err)
	assert.True(t, tablegate.IsMalformedErr(err))
}

func TestCompileRejectsBadShapes(t *testing.T) {
	c := tablegate.New(testStore(t))
	ctx := context.Background()

	_, err := c.Compile(ctx, "posts", tablegate.Select, []any{1}, nil, nil)
	assert.True(t, tablegate.IsMalformedErr(err))

	_, err = c.Compile(ctx, "posts", tablegate.Insert, nil, nil, nil)
	assert.True(t, tablegate.IsMalformedErr(err))

	_, err = c.Compile(ctx, "posts", tablegate.Command("upsert"), nil, nil, nil)
	assert.True(t, tablegate.IsMalformedErr(err))

	_, err = c.Compile(ctx, "nope", tablegate.Select, nil, nil, nil)
	assert.True(t, tablegate.IsSchemaMetadataErr(err))
}

func TestColumnsUsesFirstMatchingDynamicFields(t *testing.T) {
	policy := obj(t, `{
		"select": true,
		"update": {
			"fields": ["title"],
			"dynamicFields": [
				{"filter": {"status": "draft"}, "fields": ["title", "status"]},
				{"filter": {"status": "review"}, "fields": ["status"]}
			]
		}
	}`)
	where := obj(t, `{"id": 1}`)

	review := &spyProber{answer: func(q string) (bool, error) {
		return strings.Contains(q, "'review'"), nil
	}}
	c := tablegate.New(testStore(t), tablegate.WithProber(review))
	cols, err := c.Columns(context.Background(), "posts", tablegate.Update, where, policy)
	require.NoError(t, err)
	assert.Equal(t, []string{"status"}, cols)
	assert.Equal(t, 2, review.calls())

	none := &spyProber{answer: func(string) (bool, error) { return false, nil }}
	c = tablegate.New(testStore(t), tablegate.WithProber(none))
	cols, err = c.Columns(context.Background(), "posts", tablegate.Update, where, policy)
	require.NoError(t, err)
	assert.Equal(t, []string{"title"}, cols)

	cols, err = c.Columns(context.Background(), "posts", tablegate.Select, nil, policy)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "user_id", "title", "status"}, cols)
}

func TestCompileUpdateWithDynamicFields(t *testing.T) {
	policy := obj(t, `{
		"select": true,
		"update": {
			"fields": ["title"],
			"dynamicFields": [{"filter": {"status": "draft"}, "fields": ["title", "status"]}]
		}
	}`)
	draft := &spyProber{}
	c := tablegate.New(testStore(t), tablegate.WithProber(draft))
	stmt, err := c.CompileUpdate(context.Background(), "posts", obj(t, `{"id": 1}`), obj(t, `{"status": "review"}`), nil, policy)
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "posts" SET "status" = $1 WHERE "posts"."id" = 1`, stmt.SQL)

	_, err = c.CompileUpdate(context.Background(), "posts", nil, obj(t, `{"status": "review"}`), nil, policy)
	require.Error(t, err)
	assert.True(t, tablegate.IsRuleViolationErr(err))
}

func TestCompileInsertNested(t *testing.T) {
	c := tablegate.New(testStore(t))
	plan, err := c.CompileInsert(context.Background(), "items", obj(t, `{"name": "a", "owner": {"email": "x"}}`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		`INSERT INTO "users" ("email") VALUES ($1) RETURNING "id"`,
		`INSERT INTO "items" ("name", "owner_id") VALUES ($1, $2)`,
	}, plan.Statements())
	assert.Equal(t, []any{"a", tablegate.StepRef{Step: 0, Column: "id"}}, plan.Steps[1].Args)
}

func TestDecisionOverrides(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	deny := tablegate.New(store, tablegate.WithDecision(tablegate.DecisionDeny))
	_, err := deny.Compile(ctx, "items", tablegate.Select, nil, nil, nil)
	assert.True(t, tablegate.IsRuleViolationErr(err))

	allow := tablegate.New(store,
		tablegate.WithPolicies(map[string]any{}),
		tablegate.WithDecision(tablegate.DecisionAllow),
	)
	_, err = allow.Compile(ctx, "items", tablegate.Select, nil, nil, nil)
	assert.NoError(t, err)

	contextual := tablegate.New(store, tablegate.WithContextDecision())
	_, err = contextual.Compile(tablegate.WithDecisionContext(ctx, tablegate.DecisionDeny), "items", tablegate.Select, nil, nil, nil)
	assert.True(t, tablegate.IsRuleViolationErr(err))
	_, err = contextual.Compile(ctx, "items", tablegate.Select, nil, nil, nil)
	assert.NoError(t, err)

	ignored := tablegate.New(store)
	_, err = ignored.Compile(tablegate.WithDecisionContext(ctx, tablegate.DecisionDeny), "items", tablegate.Select, nil, nil, nil)
	assert.NoError(t, err)
}

func TestStoreReplace(t *testing.T) {
	store := testStore(t)
	c := tablegate.New(store)

	_, err := c.Compile(context.Background(), "tags", tablegate.Select, nil, nil, nil)
	require.True(t, tablegate.IsSchemaMetadataErr(err))

	next, err := schema.Parse([]byte(testSchema + `
  - name: tags
    columns:
      - {name: id, type: integer, primaryKey: true}
`))
	require.NoError(t, err)
	store.Replace(next)

	stmt, err := c.Compile(context.Background(), "tags", tablegate.Select, nil, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, `FROM "tags"`)
}

func TestShortestPath(t *testing.T) {
	c := tablegate.New(testStore(t))
	path, ok := c.ShortestPath("items", "posts")
	require.True(t, ok)
	assert.Equal(t, []string{"items", "users", "posts"}, path)
}

func TestCompileLogsSQLAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := tablegate.New(testStore(t), tablegate.WithLogger(logger))

	_, err := c.Compile(context.Background(), "items", tablegate.Select, nil, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "compiled")
	assert.Contains(t, buf.String(), "table=items")
}
