package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/csom"
	"github.com/tonimelisma/m365-go/internal/meta"
)

// Record is an entity decoded from the wire, keyed by model field name.
// Scalars are string, int64, float64, bool, time.Time, uuid.UUID or
// json.RawMessage; navigation fields hold a Record or a []Record.
type Record map[string]any

// Page is one page of a collection response.
type Page struct {
	Items    []json.RawMessage
	NextLink string
}

// collectionEnvelope covers SharePoint nometadata/minimalmetadata, SharePoint
// verbose and Graph collection shapes.
type collectionEnvelope struct {
	Value     []json.RawMessage `json:"value"`
	RESTNext  string            `json:"odata.nextLink"`  //nolint:tagliatelle // OData annotation
	GraphNext string            `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation
	D         *struct {
		Results []json.RawMessage `json:"results"`
		Next    string            `json:"__next"`
	} `json:"d"`
}

// DecodePage decodes a collection response body.
func DecodePage(body []byte) (*Page, error) {
	var env collectionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("api: decoding collection: %w", err)
	}

	if env.D != nil {
		return &Page{Items: env.D.Results, NextLink: env.D.Next}, nil
	}

	next := env.GraphNext
	if next == "" {
		next = env.RESTNext
	}

	return &Page{Items: env.Value, NextLink: next}, nil
}

// DecodeEntity decodes one REST or Graph entity object. Wire keys without
// a matching field are ignored; values that do not fit the field type are
// an error.
func DecodeEntity(info *meta.EntityInfo, p meta.Protocol, raw json.RawMessage) (Record, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("api: decoding %s: %w", info.TypeName, err)
	}

	if d, ok := obj["d"]; ok && len(obj) == 1 {
		if err := json.Unmarshal(d, &obj); err != nil {
			return nil, fmt.Errorf("api: decoding %s: %w", info.TypeName, err)
		}
	}

	rec := make(Record, len(obj))

	for wire, v := range obj {
		f, ok := info.FieldByWire(p, wire)
		if !ok {
			if info.Open && !isAnnotation(wire) {
				val, err := decodeOpen(v)
				if err != nil {
					return nil, fmt.Errorf("api: %s.%s: %w", info.TypeName, wire, err)
				}

				rec[wire] = val
			}

			continue
		}

		val, err := decodeValue(f, p, v)
		if err != nil {
			return nil, fmt.Errorf("api: %s.%s: %w", info.TypeName, f.Name, err)
		}

		rec[f.Name] = val
	}

	return rec, nil
}

// isAnnotation reports whether wire is protocol metadata rather than data.
func isAnnotation(wire string) bool {
	return strings.HasPrefix(wire, "__") || strings.HasPrefix(wire, "odata.") || strings.Contains(wire, "@")
}

// decodeOpen decodes an undeclared property. Integral numbers become
// int64 like declared integer fields.
func decodeOpen(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}

		return n.Float64()
	}

	return v, nil
}

func decodeValue(f *meta.FieldInfo, p meta.Protocol, raw json.RawMessage) (any, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	switch f.Type {
	case meta.TypeString:
		var s string
		err := json.Unmarshal(raw, &s)

		return s, err
	case meta.TypeBool:
		var b bool
		err := json.Unmarshal(raw, &b)

		return b, err
	case meta.TypeInt:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}

		return n.Int64()
	case meta.TypeFloat:
		var n float64
		err := json.Unmarshal(raw, &n)

		return n, err
	case meta.TypeTime:
		var t time.Time
		err := json.Unmarshal(raw, &t)

		return t.UTC(), err
	case meta.TypeGUID:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}

		return uuid.Parse(s)
	case meta.TypeJSON:
		return append(json.RawMessage(nil), raw...), nil
	case meta.TypeEntity, meta.TypeCollection:
		return decodeNavigation(f, p, raw)
	default:
		return nil, fmt.Errorf("unsupported field type %d", f.Type)
	}
}

func decodeNavigation(f *meta.FieldInfo, p meta.Protocol, raw json.RawMessage) (any, error) {
	target, ok := meta.Lookup(f.Target)
	if !ok {
		return nil, fmt.Errorf("unknown target type %q", f.Target)
	}

	if f.Type == meta.TypeEntity {
		return DecodeEntity(target, p, raw)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		// SharePoint verbose wraps expanded collections in {"results": [...]}.
		var wrapped struct {
			Results []json.RawMessage `json:"results"`
		}

		if werr := json.Unmarshal(raw, &wrapped); werr != nil {
			return nil, err
		}

		items = wrapped.Results
	}

	out := make([]Record, 0, len(items))

	for _, it := range items {
		rec, err := DecodeEntity(target, p, it)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, nil
}

// DecodeCSOM maps a CSOM result object onto model field names.
func DecodeCSOM(info *meta.EntityInfo, obj csom.Object) (Record, error) {
	rec := make(Record, len(obj))

	for wire, v := range obj {
		f, ok := info.FieldByWire(meta.ProtocolCSOM, wire)
		if !ok || v == nil || f.IsNavigation() {
			continue
		}

		val, err := csomValue(f, v)
		if err != nil {
			return nil, fmt.Errorf("api: %s.%s: %w", info.TypeName, f.Name, err)
		}

		rec[f.Name] = val
	}

	return rec, nil
}

func csomValue(f *meta.FieldInfo, v any) (any, error) {
	switch f.Type {
	case meta.TypeFloat:
		switch n := v.(type) {
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		}
	case meta.TypeGUID:
		switch g := v.(type) {
		case uuid.UUID:
			return g, nil
		case string:
			return uuid.Parse(g)
		}
	case meta.TypeJSON:
		b, err := json.Marshal(v)
		return json.RawMessage(b), err
	case meta.TypeInt:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case meta.TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case int64:
			return strconv.FormatInt(s, 10), nil
		}
	case meta.TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case meta.TypeTime:
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
	}

	return nil, fmt.Errorf("value %v (%T) does not fit", v, v)
}
