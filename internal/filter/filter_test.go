package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/schema"
)

const testSchema = `
tables:
  - name: customers
    columns:
      - {name: id, type: integer, primaryKey: true}
      - {name: name, type: text}
      - {name: secret, type: text}
      - {name: age, type: integer, nullable: true}
      - {name: tags, type: "text[]"}
      - {name: meta, type: jsonb}
      - {name: location, type: geometry}
  - name: accounts
    columns:
      - {name: id, type: integer, primaryKey: true}
      - {name: customer_id, type: integer}
    foreignKeys:
      - {columns: [customer_id], refTable: customers, refColumns: [id]}
  - name: orders
    columns:
      - {name: id, type: integer, primaryKey: true}
      - {name: account_id, type: integer}
      - {name: status, type: text}
      - {name: total, type: numeric}
    foreignKeys:
      - {columns: [account_id], refTable: accounts, refColumns: [id]}
`

func testGraph(t *testing.T) *joingraph.Graph {
	t.Helper()
	c, err := schema.Parse([]byte(testSchema))
	require.NoError(t, err)
	return joingraph.Build(c)
}

func parse(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func customerOpts() Options {
	return Options{Table: "customers", Fields: []string{"id", "name", "age", "tags", "meta", "location"}}
}

func TestCompileLeaves(t *testing.T) {
	g := testGraph(t)
	tests := []struct {
		name   string
		filter string
		want   string
	}{
		{"empty", `{}`, ``},
		{"equality", `{"name": "a'b"}`, `"customers"."name" = 'a''b'`},
		{"null equality", `{"age": null}`, `"customers"."age" IS NULL`},
		{"comparison", `{"age": {"$gt": 18}}`, `"customers"."age" > 18`},
		{"symbolic operator", `{"age": {">=": 18.5}}`, `"customers"."age" >= 18.5`},
		{"two operators", `{"age": {"$lt": 65, "$gte": 18}}`, `("customers"."age" < 65 AND "customers"."age" >= 18)`},
		{"in", `{"id": {"$in": [1, 2]}}`, `"customers"."id" IN (1, 2)`},
		{"empty in", `{"id": {"$in": []}}`, `FALSE`},
		{"in with null", `{"age": {"$in": [1, null]}}`, `("customers"."age" IN (1) OR "customers"."age" IS NULL)`},
		{"not in", `{"id": {"$nin": [3]}}`, `"customers"."id" NOT IN (3)`},
		{"ilike", `{"name": {"$ilike": "%jo%"}}`, `"customers"."name" ILIKE '%jo%'`},
		{"like on non text", `{"age": {"$like": "1%"}}`, `"customers"."age"::text LIKE '1%'`},
		{"is null", `{"age": {"$isNull": false}}`, `"customers"."age" IS NOT NULL`},
		{"between", `{"age": {"$between": [1, 9]}}`, `"customers"."age" BETWEEN 1 AND 9`},
		{"array contains", `{"tags": {"$contains": ["a"]}}`, `"customers"."tags" @> ARRAY['a']::text[]`},
		{"any element", `{"tags": {"$any": "a"}}`, `'a' = ANY("customers"."tags")`},
		{"jsonb equality", `{"meta": {"b": 1, "a": 2}}`, `"customers"."meta" = '{"a":2,"b":1}'::jsonb`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Compile(g, parse(t, tt.filter), customerOpts())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.SQL())
		})
	}
}

func TestCompileCombinators(t *testing.T) {
	g := testGraph(t)

	res, err := Compile(g, parse(t, `{"$or": [{"name": "b"}, {"id": 1}]}`), customerOpts())
	require.NoError(t, err)
	assert.Equal(t, `("customers"."id" = 1 OR "customers"."name" = 'b')`, res.SQL())

	res, err = Compile(g, parse(t, `{"$not": {"id": 1}}`), customerOpts())
	require.NoError(t, err)
	assert.Equal(t, `NOT ("customers"."id" = 1)`, res.SQL())

	_, err = Compile(g, parse(t, `{"$and": [{"id": 1}], "name": "x"}`), customerOpts())
	require.Error(t, err)
	assert.True(t, gateerr.IsMalformed(err))
}

func TestCompileIsDeterministic(t *testing.T) {
	g := testGraph(t)
	first, err := Compile(g, parse(t, `{"name": "x", "age": {"$gt": 1}, "id": 1}`), customerOpts())
	require.NoError(t, err)
	second, err := Compile(g, parse(t, `{"id": 1, "age": {"$gt": 1}, "name": "x"}`), customerOpts())
	require.NoError(t, err)
	assert.Equal(t, first.SQL(), second.SQL())

	first, err = Compile(g, parse(t, `{"$or": [{"id": 1}, {"name": "x"}]}`), customerOpts())
	require.NoError(t, err)
	second, err = Compile(g, parse(t, `{"$or": [{"name": "x"}, {"id": 1}]}`), customerOpts())
	require.NoError(t, err)
	assert.Equal(t, first.SQL(), second.SQL())

	first, err = Compile(g, parse(t,
		`{"$or": [{"$exists": {"orders": {"status": "paid"}}}, {"$existsJoined": {"accounts": {"id": 2}}}]}`), customerOpts())
	require.NoError(t, err)
	second, err = Compile(g, parse(t,
		`{"$or": [{"$existsJoined": {"accounts": {"id": 2}}}, {"$exists": {"orders": {"status": "paid"}}}]}`), customerOpts())
	require.NoError(t, err)
	assert.Equal(t, first.SQL(), second.SQL())

	first, err = Compile(g, parse(t,
		`{"$and": [{"$exists": {"orders": {"status": "a"}}}, {"$exists": {"orders": {"status": "b"}}}]}`), customerOpts())
	require.NoError(t, err)
	second, err = Compile(g, parse(t,
		`{"$and": [{"$exists": {"orders": {"status": "b"}}}, {"$exists": {"orders": {"status": "a"}}}]}`), customerOpts())
	require.NoError(t, err)
	assert.Equal(t, first.SQL(), second.SQL())
}

func TestCompileLeavesCallerFilterUntouched(t *testing.T) {
	g := testGraph(t)
	f := parse(t, `{"$rowhash": "abc", "$exists": {"orders": {"status": "paid"}}, "id": 1}`)
	_, err := Compile(g, f, customerOpts())
	require.NoError(t, err)
	assert.Len(t, f, 3)
}

func TestCompileRejectsDisallowedField(t *testing.T) {
	g := testGraph(t)

	_, err := Compile(g, parse(t, `{"secret": "x"}`), customerOpts())
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))

	_, err = Compile(g, parse(t, `{"nmae": "x"}`), customerOpts())
	require.Error(t, err)
	assert.True(t, gateerr.IsSchemaMetadata(err))
	assert.Contains(t, err.Error(), "did you mean 'name'?")

	_, err = Compile(g, parse(t, `{"id": {"$gtt": 1}}`), customerOpts())
	require.Error(t, err)
	assert.True(t, gateerr.IsMalformed(err))
}

func TestCompileForcedBypassesAllowList(t *testing.T) {
	g := testGraph(t)
	res, err := CompileForced(g, parse(t, `{"id": 1}`), parse(t, `{"secret": "s"}`), customerOpts())
	require.NoError(t, err)
	assert.Equal(t, `("customers"."id" = 1 AND "customers"."secret" = 's')`, res.SQL())

	res, err = CompileForced(g, nil, parse(t, `{"secret": "s"}`), customerOpts())
	require.NoError(t, err)
	assert.Equal(t, `"customers"."secret" = 's'`, res.SQL())
}

func TestCompileSelectedAliases(t *testing.T) {
	g := testGraph(t)
	opts := customerOpts()
	opts.Selected = []Selected{
		{Alias: "upper_name", Expr: rawExpr(`upper("customers"."name")`)},
		{Alias: "order_count", Expr: rawExpr(`count(*)`), Aggregate: true},
	}

	res, err := Compile(g, parse(t, `{"upper_name": "A"}`), opts)
	require.NoError(t, err)
	assert.Equal(t, `upper("customers"."name") = 'A'`, res.SQL())

	_, err = Compile(g, parse(t, `{"order_count": {"$gt": 1}}`), opts)
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))

	opts.IsHaving = true
	res, err = Compile(g, parse(t, `{"order_count": {"$gt": 1}}`), opts)
	require.NoError(t, err)
	assert.Equal(t, `count(*) > 1`, res.SQL())
}

func TestCompileExistsJoinedThroughIntermediate(t *testing.T) {
	g := testGraph(t)
	res, err := Compile(g, parse(t, `{"$existsJoined": {"path": ["orders"], "filter": {"status": "paid"}}}`), customerOpts())
	require.NoError(t, err)
	assert.Equal(t,
		`EXISTS (SELECT 1 FROM "accounts" AS "__e0_p0" INNER JOIN "orders" AS "__e0" ON "__e0"."account_id" = "__e0_p0"."id" `+
			`WHERE ("__e0"."status" = 'paid' AND "__e0_p0"."customer_id" = "customers"."id"))`,
		numbered(res.SQL()))
	require.Len(t, res.Exists, 1)
	assert.True(t, res.Exists[0].Joined)
	assert.Equal(t, "orders", res.Exists[0].Target)
	assert.Equal(t, []string{"accounts", "orders"}, res.Exists[0].Path.Tables())
}

func TestCompileExistsForms(t *testing.T) {
	g := testGraph(t)

	res, err := Compile(g, parse(t, `{"$notExists": {"orders": {"status": "void"}}}`), customerOpts())
	require.NoError(t, err)
	assert.Equal(t, `NOT EXISTS (SELECT 1 FROM "orders" AS "__e0" WHERE "__e0"."status" = 'void')`, numbered(res.SQL()))

	res, err = Compile(g, parse(t, `{"$existsJoined": {"accounts": {}}, "$notExistsJoined": {"accounts.orders": null}}`), customerOpts())
	require.NoError(t, err)
	require.Len(t, res.Exists, 2)
	sql := numbered(res.SQL())
	assert.Contains(t, sql, `EXISTS (SELECT 1 FROM "accounts" AS "__e`)
	assert.Contains(t, sql, `."customer_id" = "customers"."id")`)
	assert.Contains(t, sql, `NOT EXISTS (SELECT 1 FROM "accounts" AS "__e`)
	assert.Regexp(t, `"__e[01]_p0"`, sql)
}

func TestCompileExistsUsesTargetFields(t *testing.T) {
	g := testGraph(t)
	opts := customerOpts()
	opts.TableFields = func(table string) ([]string, error) {
		if table == "orders" {
			return []string{"status"}, nil
		}
		return nil, gateerr.RuleViolation("no select rule for %q", table)
	}

	_, err := Compile(g, parse(t, `{"$exists": {"orders": {"total": 1}}}`), opts)
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))

	_, err = Compile(g, parse(t, `{"$existsJoined": {"orders": {"status": "x"}}}`), opts)
	require.Error(t, err, "the intermediate accounts table is not readable")
	assert.True(t, gateerr.IsRuleViolation(err))
}

func TestCompileExistsAppliesTargetForcedFilter(t *testing.T) {
	g := testGraph(t)
	opts := customerOpts()
	opts.TableFields = func(string) ([]string, error) { return []string{"id", "status", "customer_id"}, nil }
	opts.TableForced = func(table string) (map[string]any, error) {
		if table == "orders" {
			return map[string]any{"status": "published", "total": map[string]any{"$gt": 0}}, nil
		}
		return nil, nil
	}

	res, err := Compile(g, parse(t, `{"$exists": {"orders": {"id": 7}}}`), opts)
	require.NoError(t, err)
	assert.Equal(t,
		`EXISTS (SELECT 1 FROM "orders" AS "__e0" WHERE ("__e0"."id" = 7 AND ("__e0"."status" = 'published' AND "__e0"."total" > 0)))`,
		numbered(res.SQL()))

	res, err = Compile(g, parse(t, `{"$exists": {"orders": {}}}`), opts)
	require.NoError(t, err)
	assert.Equal(t,
		`EXISTS (SELECT 1 FROM "orders" AS "__e0" WHERE ("__e0"."status" = 'published' AND "__e0"."total" > 0))`,
		numbered(res.SQL()))

	res, err = Compile(g, parse(t, `{"$existsJoined": {"orders": {"id": 7}}}`), opts)
	require.NoError(t, err)
	assert.Contains(t, numbered(res.SQL()), `"__e0"."status" = 'published'`)
	assert.NotContains(t, numbered(res.SQL()), `"__e0_p0"."status"`, "only the target hop is restricted")

	trusted := opts
	trusted.Trusted = true
	res, err = Compile(g, parse(t, `{"$exists": {"orders": {"id": 7}}}`), trusted)
	require.NoError(t, err)
	assert.NotContains(t, res.SQL(), "published")
}

func TestCompileExistsForcedFilterMayNestExists(t *testing.T) {
	g := testGraph(t)
	opts := customerOpts()
	opts.TableFields = func(string) ([]string, error) { return []string{"id", "status"}, nil }
	opts.TableForced = func(table string) (map[string]any, error) {
		if table == "orders" {
			return map[string]any{"$existsJoined": map[string]any{"accounts": map[string]any{"customer_id": 1}}}, nil
		}
		return nil, nil
	}

	res, err := Compile(g, parse(t, `{"$exists": {"orders": {"status": "paid"}}}`), opts)
	require.NoError(t, err)
	sql := numbered(res.SQL())
	assert.Contains(t, sql, `"__e0"."status" = 'paid'`)
	assert.Contains(t, sql, `EXISTS (SELECT 1 FROM "accounts" AS "__e1" WHERE ("__e1"."customer_id" = 1 AND "__e1"."id" = "__e0"."account_id"))`)
}

func TestCompileRejectsNestedExists(t *testing.T) {
	g := testGraph(t)
	_, err := Compile(g, parse(t, `{"$exists": {"orders": {"$exists": {"accounts": {}}}}}`), customerOpts())
	require.Error(t, err)
	assert.True(t, gateerr.IsMalformed(err))
}

func TestCompileFunctions(t *testing.T) {
	g := testGraph(t)
	tests := []struct {
		name   string
		filter string
		want   string
	}{
		{
			"term highlight",
			`{"$term_highlight": [["name"], "50%"]}`,
			`"customers"."name"::text ILIKE '%50\%%'`,
		},
		{
			"jsonb has key",
			`{"$jsonb_has_key": ["meta", "color"]}`,
			`jsonb_exists("customers"."meta", 'color')`,
		},
		{
			"st dwithin",
			`{"$ST_DWithin": ["location", {"lat": 51.5, "lng": -0.1, "distance": 500}]}`,
			`ST_DWithin("customers"."location"::geography, ST_SetSRID(ST_MakePoint(-0.1, 51.5), 4326)::geography, 500)`,
		},
		{
			"rowhash",
			`{"$rowhash": {"$in": ["x"]}}`,
			`md5(json_build_object('id', "customers"."id", 'name', "customers"."name", 'age', "customers"."age", ` +
				`'tags', "customers"."tags", 'meta', "customers"."meta", 'location', "customers"."location")::text) IN ('x')`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Compile(g, parse(t, tt.filter), customerOpts())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.SQL())
		})
	}

	_, err := Compile(g, parse(t, `{"$term_highlight": [["secret"], "x"]}`), customerOpts())
	require.Error(t, err)
	assert.True(t, gateerr.IsRuleViolation(err))
}

func TestRowHashExcludesHiddenColumns(t *testing.T) {
	g := testGraph(t)
	opts := customerOpts()
	opts.RowFields = []string{"name", "id"}

	res, err := Compile(g, parse(t, `{"$rowhash": "abc"}`), opts)
	require.NoError(t, err)
	assert.Equal(t, `md5(json_build_object('id', "customers"."id", 'name', "customers"."name")::text) = 'abc'`, res.SQL())

	res, err = Compile(g, parse(t, `{"$rowhash": "abc"}`), customerOpts())
	require.NoError(t, err)
	assert.NotContains(t, res.SQL(), "secret")

	opts.Trusted = true
	opts.RowFields = nil
	res, err = Compile(g, parse(t, `{"$rowhash": "abc"}`), opts)
	require.NoError(t, err)
	assert.Contains(t, res.SQL(), `'secret', "customers"."secret"`)
}

var existsAliasPattern = regexp.MustCompile(`__e[0-9a-f]{8}`)

// numbered renames EXISTS aliases to __e0, __e1, ... in order of first
// appearance.
func numbered(sql string) string {
	names := map[string]string{}
	return existsAliasPattern.ReplaceAllStringFunc(sql, func(a string) string {
		if n, ok := names[a]; ok {
			return n
		}
		names[a] = fmt.Sprintf("__e%d", len(names))
		return names[a]
	})
}

type rawExpr string

func (r rawExpr) SQL() string { return string(r) }
