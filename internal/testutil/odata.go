package testutil

import (
	"cmp"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func restError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("SPRequestGuid", "fake-"+strconv.Itoa(status))
	writeJSON(w, status, map[string]any{
		"odata.error": map[string]any{
			"code":    code,
			"message": map[string]any{"lang": "en-US", "value": msg},
		},
	})
}

func graphError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("request-id", "fake-request")
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
			"innerError": map[string]any{
				"request-id": "fake-request",
				"date":       "2024-01-01T00:00:00",
			},
		},
	})
}

// The filter forms the engine renders.
var (
	cmpClause        = regexp.MustCompile(`^(\w+) (eq|ne|gt|ge|lt|le) (?:'((?:[^']|'')*)'|(-?\d+(?:\.\d+)?)|(true|false)|(null))$`)
	substringOfQuery = regexp.MustCompile(`^substringof\('((?:[^']|'')*)',(\w+)\)$`)
	containsClause   = regexp.MustCompile(`^contains\((\w+),'((?:[^']|'')*)'\)$`)
	startsWithClause = regexp.MustCompile(`^startswith\((\w+),'((?:[^']|'')*)'\)$`)
)

type predicate func(row map[string]any) bool

// parseFilter understands conjunctions of single comparisons and string
// functions, optionally parenthesized.
func parseFilter(expr string) (predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return func(map[string]any) bool { return true }, nil
	}

	var preds []predicate

	for _, clause := range strings.Split(expr, " and ") {
		clause = strings.TrimSpace(clause)
		clause = strings.TrimSuffix(strings.TrimPrefix(clause, "("), ")")

		p, err := parseClause(clause)
		if err != nil {
			return nil, err
		}

		preds = append(preds, p)
	}

	return func(row map[string]any) bool {
		for _, p := range preds {
			if !p(row) {
				return false
			}
		}

		return true
	}, nil
}

func parseClause(clause string) (predicate, error) {
	if m := substringOfQuery.FindStringSubmatch(clause); m != nil {
		needle, field := unquote(m[1]), m[2]
		return func(row map[string]any) bool { return strings.Contains(fmt.Sprint(row[field]), needle) }, nil
	}

	if m := containsClause.FindStringSubmatch(clause); m != nil {
		field, needle := m[1], unquote(m[2])
		return func(row map[string]any) bool { return strings.Contains(fmt.Sprint(row[field]), needle) }, nil
	}

	if m := startsWithClause.FindStringSubmatch(clause); m != nil {
		field, prefix := m[1], unquote(m[2])
		return func(row map[string]any) bool { return strings.HasPrefix(fmt.Sprint(row[field]), prefix) }, nil
	}

	m := cmpClause.FindStringSubmatch(clause)
	if m == nil {
		return nil, fmt.Errorf("unsupported filter clause %q", clause)
	}

	field, op := m[1], m[2]

	var want any

	switch {
	case m[4] != "":
		f, _ := strconv.ParseFloat(m[4], 64)
		want = f
	case m[5] != "":
		want = m[5] == "true"
	case m[6] != "":
		want = nil
	default:
		want = unquote(m[3])
	}

	return func(row map[string]any) bool {
		c, ok := compare(row[field], want)

		switch op {
		case "eq":
			return ok && c == 0
		case "ne":
			return !ok || c != 0
		case "gt":
			return ok && c > 0
		case "ge":
			return ok && c >= 0
		case "lt":
			return ok && c < 0
		default:
			return ok && c <= 0
		}
	}, nil
}

func unquote(s string) string {
	return strings.ReplaceAll(s, "''", "'")
}

// compare orders a stored value against a filter literal. ok is false for
// values of different kinds.
func compare(have, want any) (int, bool) {
	if have == nil || want == nil {
		if have == nil && want == nil {
			return 0, true
		}

		return 0, false
	}

	switch w := want.(type) {
	case float64:
		h, ok := toFloat(have)
		if !ok {
			return 0, false
		}

		return cmp.Compare(h, w), true
	case bool:
		h, ok := have.(bool)
		if !ok {
			return 0, false
		}

		if h == w {
			return 0, true
		}

		return 1, true
	default:
		return strings.Compare(fmt.Sprint(have), fmt.Sprint(want)), true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// sortRows applies a single-key $orderby.
func sortRows(rows []map[string]any, orderBy string) {
	if orderBy == "" {
		return
	}

	field, dir, _ := strings.Cut(strings.Split(orderBy, ",")[0], " ")
	desc := dir == "desc"

	slices.SortStableFunc(rows, func(a, b map[string]any) int {
		c, ok := compare(a[field], normalizeLiteral(b[field]))
		if !ok {
			return 0
		}

		if desc {
			return -c
		}

		return c
	})
}

func normalizeLiteral(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}

	return v
}

// project keeps the $select-ed top-level properties of row. Paths such as
// Items/Title keep their root.
func project(row map[string]any, selectParam string) map[string]any {
	if selectParam == "" {
		return row
	}

	out := map[string]any{}

	for _, name := range strings.Split(selectParam, ",") {
		name, _, _ = strings.Cut(strings.TrimSpace(name), "/")
		name, _, _ = strings.Cut(name, "(")

		if v, ok := row[name]; ok {
			out[name] = v
		}
	}

	return out
}

// writePage filters, orders, projects and pages rows for a collection
// request. Graph pages carry @odata.nextLink, REST pages odata.nextLink.
func (s *Site) writePage(w http.ResponseWriter, r *http.Request, rows []map[string]any, graph bool) {
	q := r.URL.Query()

	pred, err := parseFilter(q.Get("$filter"))
	if err != nil {
		if graph {
			graphError(w, http.StatusBadRequest, "invalidRequest", err.Error())
		} else {
			restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.SPException", err.Error())
		}

		return
	}

	matched := make([]map[string]any, 0, len(rows))

	for _, row := range rows {
		if pred(row) {
			matched = append(matched, row)
		}
	}

	sortRows(matched, q.Get("$orderby"))

	offset, _ := strconv.Atoi(q.Get("$skiptoken"))
	if skip, _ := strconv.Atoi(q.Get("$skip")); skip > 0 && offset == 0 {
		offset = skip
	}

	size := s.PageSize
	if top, _ := strconv.Atoi(q.Get("$top")); top > 0 && top < size {
		size = top
	}

	offset = min(offset, len(matched))
	end := min(offset+size, len(matched))

	value := make([]map[string]any, 0, end-offset)
	for _, row := range matched[offset:end] {
		value = append(value, project(row, q.Get("$select")))
	}

	out := map[string]any{"value": value}

	if end < len(matched) {
		next := url.Values{}
		for k, v := range q {
			next[k] = v
		}

		next.Set("$skiptoken", strconv.Itoa(end))
		next.Del("$skip")

		link := "http://" + r.Host + r.URL.Path + "?" + next.Encode()

		if graph {
			out["@odata.nextLink"] = link
		} else {
			out["odata.nextLink"] = link
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func decodeBody(r *http.Request) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}

	return body, nil
}
