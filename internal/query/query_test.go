package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/internal/rules"
	"github.com/pthm/tablegate/schema"
)

const testSchema = `
tables:
  - name: items
    columns:
      - {name: id, type: integer, primaryKey: true}
      - {name: name, type: text}
  - name: users
    columns:
      - {name: id, type: integer, primaryKey: true}
      - {name: name, type: text}
      - {name: email, type: text}
  - name: posts
    columns:
      - {name: id, type: integer, primaryKey: true}
      - {name: user_id, type: integer}
      - {name: title, type: text}
    foreignKeys:
      - {columns: [user_id], refTable: users, refColumns: [id]}
  - name: comments
    columns:
      - {name: id, type: integer, primaryKey: true}
      - {name: user_id, type: integer}
      - {name: post_id, type: integer}
      - {name: body, type: text}
    foreignKeys:
      - {columns: [user_id], refTable: users, refColumns: [id]}
      - {columns: [post_id], refTable: posts, refColumns: [id]}
`

func testGraph(t *testing.T) *joingraph.Graph {
	t.Helper()
	c, err := schema.Parse([]byte(testSchema))
	require.NoError(t, err)
	return joingraph.Build(c)
}

func unrestricted(t *testing.T) *Compiler {
	g := testGraph(t)
	return &Compiler{Graph: g, Access: rules.Unrestricted(g.Catalog()), DefaultLimit: DefaultLimit}
}

func restricted(t *testing.T, policies string) *Compiler {
	g := testGraph(t)
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(policies), &raw))
	return &Compiler{Graph: g, Access: rules.NewSet(g.Catalog(), raw), DefaultLimit: DefaultLimit}
}

func params(t *testing.T, s string) *Params {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &raw))
	p, err := ParseParams(raw)
	require.NoError(t, err)
	return p
}

func TestSelectAllFields(t *testing.T) {
	c := unrestricted(t)
	q, err := c.Select("items", nil, params(t, `{"select": "*"}`))
	require.NoError(t, err)
	assert.Equal(t, `SELECT "items"."id", "items"."name" FROM "items" LIMIT 1000`, q.SQL)
}

func TestSelectStarIsAllowedFieldSet(t *testing.T) {
	c := restricted(t, `{"users": {"select": {"fields": {"email": false}}}}`)
	q, err := c.Select("users", nil, params(t, `{"select": "*"}`))
	require.NoError(t, err)
	assert.Equal(t, `SELECT "users"."id", "users"."name" FROM "users" LIMIT 1000`, q.SQL)

	_, err = c.Select("users", nil, params(t, `{"select": ["email"]}`))
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))
}

func TestSelectJoinBranch(t *testing.T) {
	c := unrestricted(t)
	q, err := c.Select("users", nil, params(t, `{"select": {"id": 1, "posts": {"id": 1}}}`))
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "users"."id", COALESCE(json_agg("posts"."__json") FILTER (WHERE "posts"."__jk0" IS NOT NULL), '[]') AS "posts" `+
			`FROM "users" LEFT JOIN (SELECT "posts"."user_id" AS "__jk0", json_build_object('id', "posts"."id") AS "__json" FROM "posts") AS "posts" `+
			`ON "posts"."__jk0" = "users"."id" GROUP BY "users"."id" LIMIT 1000`,
		q.SQL)
}

func TestSelectBranchLimitAndOrder(t *testing.T) {
	c := unrestricted(t)
	q, err := c.Select("users", nil, params(t,
		`{"select": {"name": 1, "latest": {"$innerJoin": "posts", "select": "title", "limit": 3, "orderBy": "-id", "filter": {"title": {"$ilike": "go%"}}}}}`))
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `INNER JOIN (SELECT "latest"."user_id" AS "__jk0", json_build_object('title', "latest"."title") AS "__json", `+
		`row_number() OVER (PARTITION BY "latest"."user_id" ORDER BY "latest"."id" DESC) AS "__rn" FROM "posts" AS "latest" `+
		`WHERE "latest"."title" ILIKE 'go%') AS "latest" ON "latest"."__jk0" = "users"."id"`)
	assert.Contains(t, q.SQL, `COALESCE(json_agg("latest"."__json" ORDER BY "latest"."__rn") FILTER (WHERE ("latest"."__jk0" IS NOT NULL AND "latest"."__rn" <= 3)), '[]') AS "latest"`)
	assert.Contains(t, q.SQL, `GROUP BY "users"."name", "users"."id"`)
}

func TestSelectSiblingBranchesDoNotRepeat(t *testing.T) {
	c := unrestricted(t)
	q, err := c.Select("users", nil, params(t, `{"select": {"id": 1, "posts": "*", "comments": "*"}}`))
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `FILTER (WHERE ("comments"."__jk0" IS NOT NULL AND ("posts"."__rn" = 1 OR "posts"."__rn" IS NULL)))`)
	assert.Contains(t, q.SQL, `FILTER (WHERE ("posts"."__jk0" IS NOT NULL AND ("comments"."__rn" = 1 OR "comments"."__rn" IS NULL)))`)
}

func TestSelectMultiHopBranch(t *testing.T) {
	c := unrestricted(t)
	q, err := c.Select("users", nil, params(t, `{"select": {"notes": {"$leftJoin": ["posts", "comments"], "select": "body"}}}`))
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `LEFT JOIN (SELECT "__p0"."user_id" AS "__jk0", json_build_object('body', "notes"."body") AS "__json" `+
		`FROM "posts" AS "__p0" INNER JOIN "comments" AS "notes" ON "notes"."post_id" = "__p0"."id") AS "notes" ON "notes"."__jk0" = "users"."id"`)
}

func TestSelectAggregations(t *testing.T) {
	c := unrestricted(t)
	q, err := c.Select("posts", map[string]any{"title": map[string]any{"$ne": nil}}, params(t,
		`{"select": {"user_id": 1, "n": {"$countAll": []}, "titles": {"$string_agg": ["title", ", "]}}, "having": {"n": {"$gt": 1}}, "orderBy": {"n": -1}, "limit": 5}`))
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "posts"."user_id", count(*) AS "n", string_agg("posts"."title"::text, ', ') AS "titles" FROM "posts" `+
			`WHERE "posts"."title" IS NOT NULL GROUP BY "posts"."user_id" HAVING count(*) > 1 ORDER BY count(*) DESC LIMIT 5`,
		q.SQL)

	_, err = c.Select("posts", map[string]any{"n": 1}, params(t, `{"select": {"n": {"$countAll": []}}}`))
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err), "aggregates filter only in having")
}

func TestSelectFunctionsAndComputed(t *testing.T) {
	c := unrestricted(t)
	q, err := c.Select("users", map[string]any{"shout": "BOB"}, params(t,
		`{"select": {"shout": {"$upper": "name"}, "$rowhash": 1, "label": {"$concat": ["name", " <", "email", ">"]}}, "limit": null}`))
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT md5(json_build_object('id', "users"."id", 'name', "users"."name", 'email', "users"."email")::text) AS "$rowhash", concat("users"."name", ' <', "users"."email", '>') AS "label", `+
			`upper("users"."name") AS "shout" FROM "users" WHERE upper("users"."name") = 'BOB'`,
		q.SQL)
}

func TestRowHashCoversOnlySelectableFields(t *testing.T) {
	c := restricted(t, `{"users": {"select": {"fields": "id", "filterFields": "id"}}}`)

	_, err := c.Select("users", map[string]any{"email": "x"}, params(t, `{"select": {"id": 1}}`))
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))

	q, err := c.Select("users", map[string]any{"$rowhash": "abc"}, params(t, `{"select": {"id": 1, "$rowhash": 1}, "limit": null}`))
	require.NoError(t, err)
	hash := `md5(json_build_object('id', "users"."id")::text)`
	assert.Equal(t,
		`SELECT "users"."id", `+hash+` AS "$rowhash" FROM "users" WHERE `+hash+` = 'abc'`,
		q.SQL)
	assert.NotContains(t, q.SQL, "email")
	assert.NotContains(t, q.SQL, `"users"."name"`)
}

func TestSelectLimits(t *testing.T) {
	c := restricted(t, `{"items": {"select": {"fields": "*", "maxLimit": 10}}}`)

	q, err := c.Select("items", nil, params(t, `{"limit": 50}`))
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "LIMIT 10")

	q, err = c.Select("items", nil, params(t, `{"offset": 20}`))
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "LIMIT 10 OFFSET 20")

	_, err = c.Select("items", nil, params(t, `{"limit": null}`))
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))
}

func TestSelectOrderBy(t *testing.T) {
	c := restricted(t, `{"users": {"select": {"fields": "*", "orderByFields": "name"}}}`)

	q, err := c.Select("users", nil, params(t, `{"orderBy": [{"key": "name", "asc": false, "nulls": "last", "nullEmpty": true}]}`))
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `ORDER BY nullif("users"."name", '') DESC NULLS LAST`)

	_, err = c.Select("users", nil, params(t, `{"orderBy": "email"}`))
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))
}

func TestSelectRestrictedJoinNeedsPolicy(t *testing.T) {
	c := restricted(t, `{"users": {"select": "*"}}`)
	_, err := c.Select("users", nil, params(t, `{"select": {"id": 1, "posts": "*"}}`))
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))
}

func TestSelectForcedFilterOnBranch(t *testing.T) {
	c := restricted(t, `{"users": {"select": "*"}, "posts": {"select": {"fields": "id, title", "forcedFilter": {"title": {"$ne": "hidden"}}}}}`)
	q, err := c.Select("users", nil, params(t, `{"select": {"id": 1, "posts": "*"}}`))
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `json_build_object('id', "posts"."id", 'title', "posts"."title") AS "__json" FROM "posts" WHERE "posts"."title" <> 'hidden'`)
}

func TestCount(t *testing.T) {
	c := unrestricted(t)
	q, err := c.Count("items", map[string]any{"id": map[string]any{"$gt": 3}}, params(t, `{"select": "id", "orderBy": "id", "limit": 2}`))
	require.NoError(t, err)
	assert.Equal(t, `WITH "__rows" AS (SELECT "items"."id" FROM "items" WHERE "items"."id" > 3) SELECT COUNT(*) FROM "__rows"`, q.SQL)
}

func TestParseParamsRejectsUnknown(t *testing.T) {
	_, err := ParseParams(map[string]any{"limt": 1.0})
	require.Error(t, err)
	assert.True(t, gateerr.IsMalformed(err))
	assert.Contains(t, err.Error(), "did you mean 'limit'?")
}

func TestUpdate(t *testing.T) {
	c := restricted(t, `{"posts": {"select": "*", "update": {"fields": "title", "forcedData": {"user_id": 7}}}}`)
	target, err := c.Where("posts", schema.Update, map[string]any{"id": 1.0})
	require.NoError(t, err)

	rule, err := c.Access.Rule("posts", schema.Update)
	require.NoError(t, err)
	q, err := c.Update("posts", target, map[string]any{"title": "x", "user_id": 1.0}, rule.Fields, "*")
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "posts" SET "user_id" = $1, "title" = $2 WHERE "posts"."id" = 1 RETURNING "id", "user_id", "title"`, q.SQL)
	assert.Equal(t, []any{7.0, "x"}, q.Args)

	_, err = c.Update("posts", target, map[string]any{"id": 2.0}, rule.Fields, nil)
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))

	_, err = c.Where("posts", schema.Update, nil)
	require.Error(t, err, "detailed update rules need a filter")
	assert.True(t, gateerr.IsRuleViolation(err))
}

func TestDelete(t *testing.T) {
	c := restricted(t, `{"comments": {"delete": {"filterFields": "id", "forcedFilter": {"user_id": 3}, "returningFields": "id"}}}`)
	q, err := c.Delete("comments", map[string]any{"id": 9.0}, "*")
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "comments" WHERE ("comments"."id" = 9 AND "comments"."user_id" = 3) RETURNING "id"`, q.SQL)

	_, err = c.Delete("comments", map[string]any{"body": "x"}, nil)
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))
}
