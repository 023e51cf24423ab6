// Package filter implements the Filter Compiler (C6): translating a
// mongo-like JSON filter expression into a parameterized SQL boolean
// expression, per spec §4.6. No direct teacher grounding file exists for
// this component (no filter_builder.rs was retrieved in the pack); it is
// designed fresh from the spec's literal grammar using the teacher's manual
// dynamic-SQL-building idiom (a hand-built fragment plus a parallel bound
// parameter slice, no query-builder library) seen throughout
// collection.rs's _upsert_documents.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vectorhub/pgml-go/pgmlerr"
)

// identRE guards against forbidden SQL characters in field-path identifiers,
// per spec §4.6's FilterInvalid contract.
var identRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Options binds the compiler to the caller's columns: JSONColumn for
// ordinary field predicates (e.g. "documents.document" or, treated as
// text, "k_chunks.chunk"), FTSColumn for the full_text_search predicate
// (e.g. "body_tsvectors.ts"), required only if the filter uses it.
type Options struct {
	JSONColumn string
	FTSColumn  string
}

type compiler struct {
	opts Options
	args []any
}

// Compile translates f into a SQL boolean expression and its bound
// parameters, per spec §4.6. A nil or empty f compiles to "TRUE" with no
// parameters.
func Compile(f map[string]any, opts Options) (string, []any, error) {
	if len(f) == 0 {
		return "TRUE", nil, nil
	}
	c := &compiler{opts: opts}
	sql, err := c.compileFilter(f)
	if err != nil {
		return "", nil, err
	}
	return sql, c.args, nil
}

func (c *compiler) bind(v any) string {
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *compiler) compileFilter(f map[string]any) (string, error) {
	var clauses []string

	for key, val := range f {
		switch key {
		case "$and":
			sub, err := c.compileFilterList(val)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, "("+strings.Join(sub, " AND ")+")")
		case "$or":
			sub, err := c.compileFilterList(val)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, "("+strings.Join(sub, " OR ")+")")
		case "$not":
			inner, ok := val.(map[string]any)
			if !ok {
				return "", pgmlerr.New(pgmlerr.FilterInvalid, "$not requires a filter object")
			}
			sub, err := c.compileFilter(inner)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, "(NOT ("+sub+"))")
		case "full_text_search":
			sub, err := c.compileFullTextSearch(val)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sub)
		default:
			sub, err := c.compileFieldPredicate([]string{key}, val)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sub)
		}
	}

	if len(clauses) == 0 {
		return "TRUE", nil
	}
	return strings.Join(clauses, " AND "), nil
}

func (c *compiler) compileFilterList(val any) ([]string, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, pgmlerr.New(pgmlerr.FilterInvalid, "$and/$or requires an array of filter objects")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, pgmlerr.New(pgmlerr.FilterInvalid, "$and/$or entries must be filter objects")
		}
		sub, err := c.compileFilter(m)
		if err != nil {
			return nil, err
		}
		out = append(out, "("+sub+")")
	}
	return out, nil
}

func (c *compiler) compileFullTextSearch(val any) (string, error) {
	m, ok := val.(map[string]any)
	if !ok {
		return "", pgmlerr.New(pgmlerr.FilterInvalid, "full_text_search requires an object")
	}
	if c.opts.FTSColumn == "" {
		return "", pgmlerr.New(pgmlerr.FilterInvalid, "full_text_search is not usable in this filter context")
	}
	configuration, _ := m["configuration"].(string)
	text, _ := m["text"].(string)
	if configuration == "" || text == "" {
		return "", pgmlerr.New(pgmlerr.FilterInvalid, "full_text_search requires configuration and text")
	}
	configPH := c.bind(configuration)
	textPH := c.bind(text)
	return fmt.Sprintf("%s @@ websearch_to_tsquery(%s, %s)", c.opts.FTSColumn, configPH, textPH), nil
}

// compileFieldPredicate recurses into nested-field predicates, accumulating
// the JSON path in path, until it reaches a Scalar or operator object.
func (c *compiler) compileFieldPredicate(path []string, val any) (string, error) {
	last := path[len(path)-1]
	if !identRE.MatchString(last) {
		return "", pgmlerr.New(pgmlerr.FilterInvalid, fmt.Sprintf("invalid field name %q", last))
	}

	m, isMap := val.(map[string]any)
	if !isMap {
		// Scalar shorthand: equality.
		return c.compileOperator(path, "$eq", val)
	}

	// Distinguish operator objects ({"$eq": ...}) from nested-field
	// predicates ({"sub": {...}}).
	var clauses []string
	for k, v := range m {
		if strings.HasPrefix(k, "$") {
			sub, err := c.compileOperator(path, k, v)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sub)
		} else {
			sub, err := c.compileFieldPredicate(append(append([]string{}, path...), k), v)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, sub)
		}
	}
	if len(clauses) == 0 {
		return "", pgmlerr.New(pgmlerr.FilterInvalid, "empty predicate object")
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func (c *compiler) jsonAccessor(path []string, asText bool) string {
	expr := c.opts.JSONColumn
	for i, p := range path {
		if i == len(path)-1 && asText {
			expr = fmt.Sprintf("%s ->> '%s'", expr, p)
		} else {
			expr = fmt.Sprintf("%s -> '%s'", expr, p)
		}
	}
	return expr
}

func (c *compiler) compileOperator(path []string, op string, val any) (string, error) {
	switch op {
	case "$eq", "$ne", "$lt", "$lte", "$gt", "$gte":
		sqlOp := map[string]string{"$eq": "=", "$ne": "<>", "$lt": "<", "$lte": "<=", "$gt": ">", "$gte": ">="}[op]
		accessor := c.jsonAccessor(path, true)
		ph := c.bind(fmt.Sprintf("%v", val))
		return fmt.Sprintf("%s %s %s", accessor, sqlOp, ph), nil
	case "$in", "$nin":
		list, ok := val.([]any)
		if !ok {
			return "", pgmlerr.New(pgmlerr.FilterInvalid, op+" requires an array")
		}
		accessor := c.jsonAccessor(path, true)
		phs := make([]string, len(list))
		for i, v := range list {
			phs[i] = c.bind(fmt.Sprintf("%v", v))
		}
		sqlOp := "IN"
		if op == "$nin" {
			sqlOp = "NOT IN"
		}
		if len(phs) == 0 {
			if op == "$in" {
				return "FALSE", nil
			}
			return "TRUE", nil
		}
		return fmt.Sprintf("%s %s (%s)", accessor, sqlOp, strings.Join(phs, ", ")), nil
	case "$exists":
		want, ok := val.(bool)
		if !ok {
			return "", pgmlerr.New(pgmlerr.FilterInvalid, "$exists requires a bool")
		}
		jsonAccessor := c.jsonAccessor(path, false)
		if want {
			return fmt.Sprintf("%s IS NOT NULL", jsonAccessor), nil
		}
		return fmt.Sprintf("%s IS NULL", jsonAccessor), nil
	default:
		return "", pgmlerr.New(pgmlerr.FilterInvalid, "unknown operator "+op)
	}
}
