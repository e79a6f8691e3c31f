package csom

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// Well-known keys of CSOM result objects.
const (
	KeyObjectType     = "_ObjectType_"
	KeyObjectIdentity = "_ObjectIdentity_"
	KeyChildItems     = "_Child_Items_"
	KeyIsNull         = "IsNull"
)

// Header is the first element of every response array.
type Header struct {
	SchemaVersion      string                `json:"SchemaVersion"`
	LibraryVersion     string                `json:"LibraryVersion"`
	ErrorInfo          *sdkerr.CSOMErrorInfo `json:"ErrorInfo"`
	TraceCorrelationID string                `json:"TraceCorrelationId"`
}

// Response is a decoded ProcessQuery response: the header plus one raw
// result per action id that produced output.
type Response struct {
	Header     Header
	StatusCode int

	results map[int]json.RawMessage
	order   []int
	body    []byte
}

// ParseResponse decodes body. After the header the array must hold
// (action id, result) pairs; an odd remainder, a non-integer id or an id
// seen twice is a hard failure wrapping sdkerr.ErrCSOMResponse.
func ParseResponse(status int, body []byte) (*Response, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "response is not a JSON array: %v", err)
	}

	if len(raw) == 0 {
		return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "response array is empty")
	}

	resp := &Response{
		StatusCode: status,
		results:    make(map[int]json.RawMessage, len(raw)/2),
		body:       body,
	}

	if err := json.Unmarshal(raw[0], &resp.Header); err != nil {
		return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "decoding response header: %v", err)
	}

	rest := raw[1:]
	if len(rest)%2 != 0 {
		return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse,
			"response has %d entries after the header, want (id, value) pairs", len(rest))
	}

	for i := 0; i < len(rest); i += 2 {
		id, err := strconv.Atoi(string(bytes.TrimSpace(rest[i])))
		if err != nil {
			return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse,
				"entry %d is %s, want an action id", i+1, truncate(rest[i]))
		}

		if _, dup := resp.results[id]; dup {
			return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "action id %d appears twice", id)
		}

		resp.results[id] = rest[i+1]
		resp.order = append(resp.order, id)
	}

	return resp, nil
}

// IDs returns the action ids present in the response, in response order.
func (r *Response) IDs() []int {
	return append([]int(nil), r.order...)
}

// Err returns the server-reported failure, or nil.
func (r *Response) Err() error {
	if r.Header.ErrorInfo == nil {
		return nil
	}

	return sdkerr.NewCSOMError(r.StatusCode, r.Header.ErrorInfo, r.Header.TraceCorrelationID, r.body)
}

// Raw returns the undecoded result of action id. When the id is missing
// because the server stopped at an error, the error is the server's; a
// missing id in a successful response wraps sdkerr.ErrCSOMResponse.
func (r *Response) Raw(id int) (json.RawMessage, error) {
	v, ok := r.results[id]
	if ok {
		return v, nil
	}

	if err := r.Err(); err != nil {
		return nil, err
	}

	return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "no result for action id %d", id)
}

// Object returns the result of action id as a decoded object.
func (r *Response) Object(id int) (Object, error) {
	raw, err := r.Raw(id)
	if err != nil {
		return nil, err
	}

	v, err := decode(raw)
	if err != nil {
		return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "action id %d: %v", id, err)
	}

	if v == nil {
		return Object{KeyIsNull: true}, nil
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "action id %d: result is %T, want an object", id, v)
	}

	return Object(obj), nil
}

// Children returns the enumerated items of a ChildItemQuery result.
func (r *Response) Children(id int) ([]Object, error) {
	obj, err := r.Object(id)
	if err != nil {
		return nil, err
	}

	return obj.Children()
}

// Object is a decoded CSOM result object. Guid and Date literals are
// already converted to uuid.UUID and time.Time; numbers are int64 or
// float64.
type Object map[string]any

// IsNull reports whether the server returned a null object.
func (o Object) IsNull() bool {
	b, _ := o[KeyIsNull].(bool)
	return b
}

// TypeName returns the server type of the object.
func (o Object) TypeName() string {
	s, _ := o[KeyObjectType].(string)
	return s
}

// Identity returns the server identity string of the object.
func (o Object) Identity() string {
	s, _ := o[KeyObjectIdentity].(string)
	return s
}

// Children returns the "_Child_Items_" entries.
func (o Object) Children() ([]Object, error) {
	raw, ok := o[KeyChildItems]
	if !ok {
		return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "%s has no %s", o.TypeName(), KeyChildItems)
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "%s is %T, want an array", KeyChildItems, raw)
	}

	out := make([]Object, 0, len(items))

	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "child item %d is %T, want an object", i, it)
		}

		out = append(out, Object(m))
	}

	return out, nil
}

// String returns the named string property.
func (o Object) String(name string) string {
	s, _ := o[name].(string)
	return s
}

// GUID returns the named Guid property.
func (o Object) GUID(name string) uuid.UUID {
	g, _ := o[name].(uuid.UUID)
	return g
}

func decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	return convert(v), nil
}

func convert(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = convert(val)
		}

		return x
	case []any:
		for i, val := range x {
			x[i] = convert(val)
		}

		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}

		f, _ := x.Float64()

		return f
	case string:
		return DecodeLiteral(x)
	default:
		return v
	}
}

var (
	guidLiteral  = regexp.MustCompile(`^/Guid\(([0-9a-fA-F-]{36})\)/$`)
	dateLiteral  = regexp.MustCompile(`^/Date\((\d+(?:,\d+){2,6})\)/$`)
	epochLiteral = regexp.MustCompile(`^/Date\((-?\d+)\)/$`)
)

// DecodeLiteral converts the CSOM "/Guid(..)/" and "/Date(..)/" string
// encodings. Date components are year, zero-based month, day, hour,
// minute, second, millisecond, in UTC. Other strings are returned as is.
func DecodeLiteral(s string) any {
	if !strings.HasPrefix(s, "/") {
		return s
	}

	if m := guidLiteral.FindStringSubmatch(s); m != nil {
		if id, err := uuid.Parse(m[1]); err == nil {
			return id
		}

		return s
	}

	if m := dateLiteral.FindStringSubmatch(s); m != nil {
		var parts [7]int

		for i, p := range strings.Split(m[1], ",") {
			parts[i], _ = strconv.Atoi(p)
		}

		return time.Date(parts[0], time.Month(parts[1]+1), parts[2], parts[3], parts[4], parts[5],
			parts[6]*int(time.Millisecond), time.UTC)
	}

	if m := epochLiteral.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}

	return s
}

func truncate(b []byte) string {
	const limit = 40
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}

	return string(b)
}
