// Package filter compiles a structured predicate tree into parameterized
// SQL over a JSON column, the way the storage and FTS layers express
// their `where` options.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cuemby/kvforge/pkg/kverr"
)

// Now is a reserved marker that resolves to the current wall-clock time
// (as epoch seconds) at compile time, so filters stay portable across
// JSON round-trips.
const Now = "$now"

// Node is one level of a predicate tree. And, Or, Not and Fields (the
// per-field operator maps at this level) may be combined; every populated
// part must hold for the node to match.
type Node struct {
	And    []Node             `json:"and,omitempty"`
	Or     []Node             `json:"or,omitempty"`
	Not    *Node              `json:"not,omitempty"`
	Fields map[string]FieldOp `json:"-"`
}

// FieldOp is the operator map for one field, or a bare primitive meaning eq.
type FieldOp map[string]any

// Compiled is a finished SQL fragment plus its bound parameters, in order.
type Compiled struct {
	SQL  string
	Args []any
}

// NowFunc returns the current wall-clock time as epoch seconds; tests
// may swap it to make $now deterministic.
var NowFunc = func() int64 { return time.Now().Unix() }

// Compile turns a predicate tree keyed by field path into a SQL WHERE
// fragment (without the leading "WHERE") plus its bound parameters. A
// nil or empty Node compiles to "1=1".
func Compile(n *Node) (Compiled, error) {
	if n == nil || isEmptyNode(n) {
		return Compiled{SQL: "1=1"}, nil
	}
	c := &compiler{}
	sql, err := c.compileNode(*n)
	if err != nil {
		return Compiled{}, err
	}
	return Compiled{SQL: sql, Args: c.args}, nil
}

func isEmptyNode(n *Node) bool {
	return len(n.And) == 0 && len(n.Or) == 0 && n.Not == nil && len(n.Fields) == 0
}

type compiler struct {
	args []any
}

func (c *compiler) bind(v any) string {
	c.args = append(c.args, v)
	return "?"
}

func (c *compiler) compileNode(n Node) (string, error) {
	var parts []string

	if len(n.And) > 0 {
		s, err := c.compileConjunction(n.And)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	if len(n.Or) > 0 {
		var sub []string
		for _, child := range n.Or {
			s, err := c.compileNode(child)
			if err != nil {
				return "", err
			}
			sub = append(sub, "("+s+")")
		}
		parts = append(parts, "("+strings.Join(sub, " OR ")+")")
	}
	if n.Not != nil {
		s, err := c.compileNode(*n.Not)
		if err != nil {
			return "", err
		}
		parts = append(parts, "NOT ("+s+")")
	}
	for _, path := range sortedKeys(n.Fields) {
		s, err := c.compileField(path, n.Fields[path])
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}

	if len(parts) == 0 {
		return "1=1", nil
	}
	return strings.Join(parts, " AND "), nil
}

func (c *compiler) compileConjunction(nodes []Node) (string, error) {
	var parts []string
	for _, n := range nodes {
		s, err := c.compileNode(n)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+s+")")
	}
	return strings.Join(parts, " AND "), nil
}

func sortedKeys(m map[string]FieldOp) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func (c *compiler) compileField(path string, ops FieldOp) (string, error) {
	if !fieldPathPattern.MatchString(path) {
		return "", kverr.Newf(kverr.InvalidArgument, "invalid field path %q", path)
	}
	expr := jsonExtract(path)

	var parts []string
	for _, op := range sortedOpKeys(ops) {
		v := ops[op]
		s, err := c.compileOp(expr, op, v)
		if err != nil {
			return "", kverr.Wrap(kverr.InvalidArgument, fmt.Sprintf("field %q operator %q", path, op), err)
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return "1=1", nil
	}
	return strings.Join(parts, " AND "), nil
}

func sortedOpKeys(m FieldOp) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// fieldPathPattern is the safe grammar a field path must match before
// it's interpolated into a json_extract SQL fragment: path never goes
// through a bound parameter (SQLite has no placeholder syntax for a
// json_extract path argument), so it must be validated instead, the
// way any identifier that can't be bound does.
var fieldPathPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+|\[\d+\])*$`)

func jsonExtract(path string) string {
	return fmt.Sprintf("json_extract(value, '$.%s')", path)
}

func (c *compiler) resolveValue(v any) any {
	if s, ok := v.(string); ok && s == Now {
		return NowFunc()
	}
	return v
}

func (c *compiler) compileOp(expr, op string, v any) (string, error) {
	switch op {
	case "eq":
		return fmt.Sprintf("%s = %s", expr, c.bind(c.resolveValue(v))), nil
	case "ne":
		return fmt.Sprintf("%s != %s", expr, c.bind(c.resolveValue(v))), nil
	case "gt":
		return fmt.Sprintf("%s > %s", expr, c.bind(c.resolveValue(v))), nil
	case "gte":
		return fmt.Sprintf("%s >= %s", expr, c.bind(c.resolveValue(v))), nil
	case "lt":
		return fmt.Sprintf("%s < %s", expr, c.bind(c.resolveValue(v))), nil
	case "lte":
		return fmt.Sprintf("%s <= %s", expr, c.bind(c.resolveValue(v))), nil
	case "between":
		pair, ok := v.([]any)
		if !ok || len(pair) != 2 {
			return "", kverr.New(kverr.InvalidArgument, "between requires a two-element array")
		}
		lo := c.bind(c.resolveValue(pair[0]))
		hi := c.bind(c.resolveValue(pair[1]))
		return fmt.Sprintf("%s BETWEEN %s AND %s", expr, lo, hi), nil
	case "in", "nin":
		items, ok := v.([]any)
		if !ok {
			return "", kverr.New(kverr.InvalidArgument, "in/nin requires an array")
		}
		if len(items) == 0 {
			if op == "in" {
				return "0", nil
			}
			return "1", nil
		}
		placeholders := make([]string, len(items))
		for i, it := range items {
			placeholders[i] = c.bind(c.resolveValue(it))
		}
		verb := "IN"
		if op == "nin" {
			verb = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", expr, verb, strings.Join(placeholders, ", ")), nil
	case "contains":
		s, err := stringArg(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("instr(%s, %s) > 0", expr, c.bind(s)), nil
	case "notContains":
		s, err := stringArg(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("instr(%s, %s) = 0", expr, c.bind(s)), nil
	case "startsWith":
		s, err := stringArg(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("substr(%s, 1, %d) = %s", expr, len(s), c.bind(s)), nil
	case "endsWith":
		s, err := stringArg(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("substr(%s, -%d) = %s", expr, len(s), c.bind(s)), nil
	case "containsi":
		s, err := stringArg(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("LOWER(%s) LIKE %s ESCAPE '\\'", expr, c.bind(likePattern("%", strings.ToLower(s), "%"))), nil
	case "notContainsi":
		s, err := stringArg(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("LOWER(%s) NOT LIKE %s ESCAPE '\\'", expr, c.bind(likePattern("%", strings.ToLower(s), "%"))), nil
	case "startsWithi":
		s, err := stringArg(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("LOWER(%s) LIKE %s ESCAPE '\\'", expr, c.bind(likePattern("", strings.ToLower(s), "%"))), nil
	case "endsWithi":
		s, err := stringArg(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("LOWER(%s) LIKE %s ESCAPE '\\'", expr, c.bind(likePattern("%", strings.ToLower(s), ""))), nil
	case "null":
		want, _ := v.(bool)
		if want {
			return fmt.Sprintf("%s IS NULL", expr), nil
		}
		return fmt.Sprintf("%s IS NOT NULL", expr), nil
	case "empty":
		want, _ := v.(bool)
		cond := emptyCondition(expr)
		if want {
			return cond, nil
		}
		return "NOT (" + cond + ")", nil
	case "notEmpty":
		want, _ := v.(bool)
		cond := emptyCondition(expr)
		if want {
			return "NOT (" + cond + ")", nil
		}
		return cond, nil
	default:
		return "", kverr.Newf(kverr.InvalidArgument, "unknown operator %q", op)
	}
}

// emptyCondition matches "null, empty string, or empty JSON array".
func emptyCondition(expr string) string {
	return fmt.Sprintf(
		"(%s IS NULL OR %s = '' OR (json_valid(%s) AND json_type(%s) = 'array' AND json_array_length(%s) = 0))",
		expr, expr, expr, expr, expr,
	)
}

func stringArg(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", kverr.New(kverr.InvalidArgument, "operator requires a string argument")
	}
	return s, nil
}

// likePattern builds a LIKE pattern from literal prefix/suffix wildcards
// around an escaped literal middle section.
func likePattern(prefix, literal, suffix string) string {
	escaped := escapeLike(literal)
	return prefix + escaped + suffix
}

func escapeLike(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '%', '_':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
