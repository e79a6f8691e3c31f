package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// OData system query option names.
const (
	ParamSelect  = "$select"
	ParamExpand  = "$expand"
	ParamFilter  = "$filter"
	ParamOrderBy = "$orderby"
	ParamTop     = "$top"
	ParamSkip    = "$skip"
)

// RenderOData renders d as OData query options for protocol p (SharePoint
// REST or Graph). Properties without a wire name on p fail with
// sdkerr.ErrUnsupportedProtocol.
func RenderOData(d *Descriptor, p meta.Protocol) (url.Values, error) {
	if p != meta.ProtocolREST && !p.IsGraph() {
		return nil, sdkerr.NewClientError(sdkerr.ErrUnsupportedProtocol, "OData rendering for %s", p)
	}

	r := renderer{protocol: p}
	v := url.Values{}

	if p == meta.ProtocolREST {
		sel, exp, err := r.restSelection(d, "")
		if err != nil {
			return nil, err
		}

		if len(sel) > 0 {
			v.Set(ParamSelect, strings.Join(sel, ","))
		}

		if len(exp) > 0 {
			v.Set(ParamExpand, strings.Join(exp, ","))
		}
	} else {
		sel, exp, err := r.graphSelection(d)
		if err != nil {
			return nil, err
		}

		if sel != "" {
			v.Set(ParamSelect, sel)
		}

		if exp != "" {
			v.Set(ParamExpand, exp)
		}
	}

	if d.Filter != nil {
		f, err := r.filter(d.Info, d.Filter)
		if err != nil {
			return nil, err
		}

		v.Set(ParamFilter, f)
	}

	if len(d.OrderBy) > 0 {
		keys := make([]string, 0, len(d.OrderBy))

		for _, o := range d.OrderBy {
			wire, err := r.wire(d.Info, o.Field)
			if err != nil {
				return nil, err
			}

			if o.Desc {
				wire += " desc"
			}

			keys = append(keys, wire)
		}

		v.Set(ParamOrderBy, strings.Join(keys, ","))
	}

	if d.Top > 0 {
		v.Set(ParamTop, strconv.Itoa(d.Top))
	}

	if d.Skip > 0 {
		v.Set(ParamSkip, strconv.Itoa(d.Skip))
	}

	return v, nil
}

// EncodeQuery renders values in a stable order with OData-friendly
// escaping: '$' , '(' ')' and ',' stay literal.
func EncodeQuery(v url.Values) string {
	order := []string{ParamSelect, ParamExpand, ParamFilter, ParamOrderBy, ParamTop, ParamSkip}
	parts := make([]string, 0, len(v))

	for _, k := range order {
		if val := v.Get(k); val != "" {
			parts = append(parts, k+"="+escapeOData(val))
		}
	}

	return strings.Join(parts, "&")
}

func escapeOData(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")

	r := strings.NewReplacer("%24", "$", "%28", "(", "%29", ")", "%2C", ",", "%2F", "/", "%27", "'", "%3B", ";", "%3D", "=")

	return r.Replace(e)
}

type renderer struct {
	protocol meta.Protocol
}

func (r renderer) wire(info *meta.EntityInfo, field string) (string, error) {
	f, ok := info.Field(field)
	if !ok {
		return "", unsupported("%s has no property %q", info.TypeName, field)
	}

	name := f.WireName(r.protocol)
	if name == "" {
		return "", sdkerr.NewClientError(sdkerr.ErrUnsupportedProtocol, "%s.%s is not available over %s",
			info.TypeName, field, r.protocol)
	}

	return name, nil
}

// restSelection flattens nested selections into SharePoint's
// "Parent/Child" path syntax.
func (r renderer) restSelection(d *Descriptor, prefix string) ([]string, []string, error) {
	var sel, exp []string

	for _, f := range d.Fields {
		w, err := r.wire(d.Info, f)
		if err != nil {
			return nil, nil, err
		}

		sel = append(sel, prefix+w)
	}

	for _, e := range d.Expand {
		w, err := r.wire(d.Info, e.Field)
		if err != nil {
			return nil, nil, err
		}

		path := prefix + w
		exp = append(exp, path)

		nestedSel, nestedExp, err := r.restSelection(e.Descriptor, path+"/")
		if err != nil {
			return nil, nil, err
		}

		if len(nestedSel) == 0 {
			nestedSel = []string{path}
		}

		sel = append(sel, nestedSel...)
		exp = append(exp, nestedExp...)
	}

	return sel, exp, nil
}

// graphSelection renders Graph's nested "nav($select=..;$expand=..)" form.
func (r renderer) graphSelection(d *Descriptor) (string, string, error) {
	sel := make([]string, 0, len(d.Fields))

	for _, f := range d.Fields {
		w, err := r.wire(d.Info, f)
		if err != nil {
			return "", "", err
		}

		sel = append(sel, w)
	}

	exp := make([]string, 0, len(d.Expand))

	for _, e := range d.Expand {
		w, err := r.wire(d.Info, e.Field)
		if err != nil {
			return "", "", err
		}

		nestedSel, nestedExp, err := r.graphSelection(e.Descriptor)
		if err != nil {
			return "", "", err
		}

		var opts []string
		if nestedSel != "" {
			opts = append(opts, ParamSelect+"="+nestedSel)
		}

		if nestedExp != "" {
			opts = append(opts, ParamExpand+"="+nestedExp)
		}

		if len(opts) > 0 {
			w += "(" + strings.Join(opts, ";") + ")"
		}

		exp = append(exp, w)
	}

	return strings.Join(sel, ","), strings.Join(exp, ","), nil
}

func (r renderer) filter(info *meta.EntityInfo, e Expr) (string, error) {
	switch n := e.(type) {
	case *Comparison:
		w, err := r.wire(info, n.Field)
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("%s %s %s", w, n.Op, r.literal(n.Value)), nil
	case *Logical:
		parts := make([]string, 0, len(n.Operands))

		for _, op := range n.Operands {
			s, err := r.filter(info, op)
			if err != nil {
				return "", err
			}

			if _, nested := op.(*Logical); nested {
				s = "(" + s + ")"
			}

			parts = append(parts, s)
		}

		return strings.Join(parts, " "+string(n.Op)+" "), nil
	case *Negation:
		s, err := r.filter(info, n.Operand)
		if err != nil {
			return "", err
		}

		return "not (" + s + ")", nil
	case *MethodCall:
		w, err := r.wire(info, n.Field)
		if err != nil {
			return "", err
		}

		arg := r.literal(n.Args[0])

		switch {
		case n.Name == MethodStartsWith:
			return fmt.Sprintf("startswith(%s,%s)", w, arg), nil
		case n.Name == MethodContains && r.protocol == meta.ProtocolREST:
			return fmt.Sprintf("substringof(%s,%s)", arg, w), nil
		case n.Name == MethodContains:
			return fmt.Sprintf("contains(%s,%s)", w, arg), nil
		}

		return "", unsupported("method %q", n.Name)
	default:
		return "", unsupported("expression node %T", e)
	}
}

// literal formats a normalized filter value. String literals are NFC
// normalized, matching how SharePoint stores text.
func (r renderer) literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(norm.NFC.String(x), "'", "''") + "'"
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		if r.protocol == meta.ProtocolREST {
			return "datetime'" + x.Format(time.RFC3339) + "'"
		}

		return x.Format(time.RFC3339)
	case uuid.UUID:
		if r.protocol == meta.ProtocolREST {
			return "guid'" + x.String() + "'"
		}

		return "'" + x.String() + "'"
	default:
		return fmt.Sprintf("'%v'", x)
	}
}
