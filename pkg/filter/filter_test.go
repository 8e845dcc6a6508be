package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvforge/pkg/kverr"
)

func parse(t *testing.T, src string) *Node {
	t.Helper()
	var n Node
	require.NoError(t, json.Unmarshal([]byte(src), &n))
	return &n
}

func TestCompileEmptyIsAlwaysTrue(t *testing.T) {
	c, err := Compile(nil)
	require.NoError(t, err)
	assert.Equal(t, "1=1", c.SQL)
	assert.Empty(t, c.Args)

	c, err = Compile(&Node{})
	require.NoError(t, err)
	assert.Equal(t, "1=1", c.SQL)
}

func TestCompileBareValueShorthandIsEq(t *testing.T) {
	n := parse(t, `{"active": true}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "json_extract(value, '$.active') = ?")
	assert.Equal(t, []any{true}, c.Args)
}

func TestCompileComparisonOperators(t *testing.T) {
	n := parse(t, `{"age": {"gte": 18, "lt": 65}}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, ">= ?")
	assert.Contains(t, c.SQL, "< ?")
	assert.Contains(t, c.SQL, "AND")
	assert.Equal(t, []any{float64(18), float64(65)}, c.Args)
}

func TestCompileBetween(t *testing.T) {
	n := parse(t, `{"score": {"between": [10, 20]}}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "BETWEEN ? AND ?")
	assert.Equal(t, []any{float64(10), float64(20)}, c.Args)
}

func TestCompileInAndNin(t *testing.T) {
	n := parse(t, `{"status": {"in": ["a", "b"]}}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "IN (?, ?)")
	assert.Equal(t, []any{"a", "b"}, c.Args)

	empty := parse(t, `{"status": {"in": []}}`)
	c, err = Compile(empty)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "0")

	emptyNin := parse(t, `{"status": {"nin": []}}`)
	c, err = Compile(emptyNin)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "1")
}

func TestCompileStringCaseSensitive(t *testing.T) {
	n := parse(t, `{"name": {"contains": "foo"}}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "instr(")
	assert.Equal(t, []any{"foo"}, c.Args)
}

func TestCompileStringCaseInsensitiveEscapesLikeMetachars(t *testing.T) {
	n := parse(t, `{"name": {"containsi": "50%_off"}}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "LOWER(")
	assert.Contains(t, c.SQL, "LIKE")
	assert.Contains(t, c.SQL, "ESCAPE '\\'")
	require.Len(t, c.Args, 1)
	assert.Equal(t, `%50\%\_off%`, c.Args[0])
}

func TestCompileNullAndEmpty(t *testing.T) {
	n := parse(t, `{"deletedAt": {"null": true}}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "IS NULL")

	n2 := parse(t, `{"tags": {"empty": true}}`)
	c2, err := Compile(n2)
	require.NoError(t, err)
	assert.Contains(t, c2.SQL, "json_array_length")
	assert.Contains(t, c2.SQL, "json_valid")
}

func TestCompileAndOrNot(t *testing.T) {
	n := parse(t, `{"and": [{"age": {"gte": 18}}, {"or": [{"status": "a"}, {"status": "b"}]}]}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "OR")
	assert.Len(t, c.Args, 3)

	n2 := parse(t, `{"not": {"active": true}}`)
	c2, err := Compile(n2)
	require.NoError(t, err)
	assert.Contains(t, c2.SQL, "NOT (")
}

func TestCompileNowMarkerResolvesAtCompileTime(t *testing.T) {
	orig := NowFunc
	defer func() { NowFunc = orig }()
	NowFunc = func() int64 { return 1234 }

	n := parse(t, `{"expiresAt": {"lt": "$now"}}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1234)}, c.Args)
}

func TestCompileRejectsUnknownOperator(t *testing.T) {
	n := parse(t, `{"age": {"bogus": 1}}`)
	_, err := Compile(n)
	assert.Error(t, err)
}

func TestCompileNeverInterpolatesValues(t *testing.T) {
	n := parse(t, `{"name": {"eq": "'; DROP TABLE kv_entries; --"}}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.NotContains(t, c.SQL, "DROP TABLE")
	assert.Equal(t, []any{"'; DROP TABLE kv_entries; --"}, c.Args)
}

func TestCompileRejectsUnsafeFieldPath(t *testing.T) {
	n := parse(t, `{"a' OR '1'='1": {"eq": 1}}`)
	_, err := Compile(n)
	assert.Error(t, err)
	assert.True(t, kverr.Is(err, kverr.InvalidArgument))
}

func TestCompileAcceptsNestedAndIndexedFieldPaths(t *testing.T) {
	n := parse(t, `{"items[0].price": {"gt": 10}}`)
	c, err := Compile(n)
	require.NoError(t, err)
	assert.Contains(t, c.SQL, "json_extract(value, '$.items[0].price')")
}
