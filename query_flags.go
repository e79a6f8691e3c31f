package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/query"
)

// filterOps are the comparison operators accepted by --filter, longest
// first so "Title>=A" is not read as "Title>" and "=A".
var filterOps = []string{"~=", "^=", "!=", ">=", "<=", "=", ">", "<"}

// parseFilters turns --filter arguments such as "Title=Report" or
// "ItemCount>=10" into one expression, joined with and. Values are
// converted to the type of the named property; unknown properties are left
// for the translator to reject.
func parseFilters(info *meta.EntityInfo, args []string) (query.Expr, error) {
	var exprs []query.Expr

	for _, arg := range args {
		e, err := parseFilter(info, arg)
		if err != nil {
			return nil, err
		}

		exprs = append(exprs, e)
	}

	switch len(exprs) {
	case 0:
		return nil, nil
	case 1:
		return exprs[0], nil
	default:
		return query.And(exprs...), nil
	}
}

func parseFilter(info *meta.EntityInfo, arg string) (query.Expr, error) {
	for _, op := range filterOps {
		name, raw, ok := strings.Cut(arg, op)
		if !ok || name == "" || strings.ContainsAny(name, "=<>!~^") {
			continue
		}

		field := query.Field(name)

		switch op {
		case "~=":
			return field.Contains(raw), nil
		case "^=":
			return field.StartsWith(raw), nil
		}

		v, err := convertValue(info, name, raw)
		if err != nil {
			return nil, fmt.Errorf("--filter %q: %w", arg, err)
		}

		switch op {
		case "=":
			return field.Eq(v), nil
		case "!=":
			return field.Ne(v), nil
		case ">=":
			return field.Ge(v), nil
		case "<=":
			return field.Le(v), nil
		case ">":
			return field.Gt(v), nil
		default:
			return field.Lt(v), nil
		}
	}

	return nil, fmt.Errorf("--filter %q: expected Field=Value (or ~=, ^=, !=, >, >=, <, <=)", arg)
}

// convertValue parses raw as the type of the named property.
func convertValue(info *meta.EntityInfo, name, raw string) (any, error) {
	f, ok := info.Field(name)
	if !ok {
		return raw, nil
	}

	switch f.Type {
	case meta.TypeInt:
		return strconv.Atoi(raw)
	case meta.TypeFloat:
		return strconv.ParseFloat(raw, 64)
	case meta.TypeBool:
		return strconv.ParseBool(raw)
	case meta.TypeTime:
		return time.Parse(time.RFC3339, raw)
	default:
		return raw, nil
	}
}

// parseAssignments parses "Name=Value" pairs, as given to --field.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))

	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%q: expected Name=Value", arg)
		}

		out[name] = value
	}

	return out, nil
}

// parseSelect splits a comma-separated --select value into selectors.
func parseSelect(s string) []query.Selector {
	if s == "" {
		return nil
	}

	var names []string

	for n := range strings.SplitSeq(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}

	return query.Props(names...)
}
