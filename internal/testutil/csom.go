package testutil

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	taxonomySessionTypeID = "{981cbc68-9edc-4f8d-872f-71146fcbb84f}"
	matchInfoTypeID       = "{56747951-df44-4bed-bf36-2b3bddf587f9}"
)

type csomDocument struct {
	Actions struct {
		Nodes []csomNode `xml:",any"`
	} `xml:"Actions"`
	ObjectPaths struct {
		Nodes []csomNode `xml:",any"`
	} `xml:"ObjectPaths"`
}

// csomNode is any action or object path element.
type csomNode struct {
	XMLName  xml.Name
	ID       int         `xml:"Id,attr"`
	PathID   int         `xml:"ObjectPathId,attr"`
	ParentID int         `xml:"ParentId,attr"`
	Name     string      `xml:"Name,attr"`
	TypeID   string      `xml:"TypeId,attr"`
	Params   []csomParam `xml:"Parameters>Parameter"`
	Value    *csomParam  `xml:"Parameter"`
	Select   *csomSelect `xml:"Query"`
	Child    *csomSelect `xml:"ChildItemQuery"`
}

type csomParam struct {
	Type   string `xml:"Type,attr"`
	PathID int    `xml:"ObjectPathId,attr"`
	Value  string `xml:",chardata"`
}

type csomSelect struct {
	SelectAll  bool `xml:"SelectAllProperties,attr"`
	Properties []struct {
		Name string `xml:"Name,attr"`
	} `xml:"Properties>Property"`
}

type (
	csomTaxonomySession struct{}
	csomTermStore       struct{}
	csomTermCollection  []*Term
	csomMatchInfo       struct {
		name, value string
		trim        bool
	}
)

// csomFault is reported in the ErrorInfo header; results emitted before it
// are kept.
type csomFault struct {
	typeName string
	message  string
	code     int
}

func (f *csomFault) Error() string { return f.message }

// evaluator resolves object paths lazily, in action order, so SetProperty
// actions take effect before later paths that use the object.
type evaluator struct {
	site    *Site
	paths   map[int]csomNode
	objects map[int]any
}

// processQuery executes a CSOM request against the taxonomy fake. Unknown
// object paths end the request with a server error, the way SharePoint
// stops at the first failing action.
func (s *Site) processQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var doc csomDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev := &evaluator{site: s, paths: map[int]csomNode{}, objects: map[int]any{}}
	for _, p := range doc.ObjectPaths.Nodes {
		ev.paths[p.ID] = p
	}

	header := map[string]any{
		"SchemaVersion":      "15.0.0.0",
		"LibraryVersion":     "16.0.0.0",
		"ErrorInfo":          nil,
		"TraceCorrelationId": uuid.NewString(),
	}
	out := []any{header}

	for _, a := range doc.Actions.Nodes {
		results, err := ev.action(a)
		if err != nil {
			f, ok := err.(*csomFault)
			if !ok {
				f = &csomFault{typeName: "System.InvalidOperationException", message: err.Error(), code: -2146233079}
			}

			header["ErrorInfo"] = map[string]any{
				"ErrorMessage":       f.message,
				"ErrorValue":         nil,
				"TraceCorrelationId": header["TraceCorrelationId"],
				"ErrorCode":          f.code,
				"ErrorTypeName":      f.typeName,
			}

			break
		}

		out = append(out, results...)
	}

	writeJSON(w, http.StatusOK, out)
}

func (ev *evaluator) action(a csomNode) ([]any, error) {
	switch a.XMLName.Local {
	case "ObjectPath":
		obj, err := ev.resolve(a.PathID)
		if err != nil {
			return nil, err
		}

		return []any{a.ID, map[string]any{"IsNull": obj == nil}}, nil
	case "ObjectIdentityQuery":
		obj, err := ev.resolve(a.PathID)
		if err != nil || obj == nil {
			return nil, err
		}

		return []any{a.ID, map[string]any{"_ObjectIdentity_": fmt.Sprintf("fake|%d", a.PathID)}}, nil
	case "Query":
		obj, err := ev.resolve(a.PathID)
		if err != nil || obj == nil {
			return nil, err
		}

		return []any{a.ID, ev.site.render(obj, a.Select, a.Child)}, nil
	case "SetProperty":
		obj, err := ev.resolve(a.PathID)
		if err != nil {
			return nil, err
		}

		m, ok := obj.(*csomMatchInfo)
		if !ok || a.Value == nil {
			return nil, &csomFault{"System.ArgumentException", "property " + a.Name + " cannot be set", -2147024809}
		}

		switch a.Name {
		case "CustomPropertyName":
			m.name = a.Value.Value
		case "CustomPropertyValue":
			m.value = a.Value.Value
		case "TrimUnavailable":
			m.trim = a.Value.Value == "true"
		}

		return nil, nil
	default:
		return nil, &csomFault{"Microsoft.SharePoint.Client.InvalidClientQueryException",
			"unsupported action " + a.XMLName.Local, -2146233088}
	}
}

func (ev *evaluator) resolve(id int) (any, error) {
	if obj, ok := ev.objects[id]; ok {
		return obj, nil
	}

	p, ok := ev.paths[id]
	if !ok {
		return nil, &csomFault{"Microsoft.SharePoint.Client.InvalidClientQueryException",
			fmt.Sprintf("object path %d does not exist", id), -2146233088}
	}

	var (
		obj any
		err error
	)

	switch p.XMLName.Local {
	case "StaticMethod":
		if p.TypeID != taxonomySessionTypeID || p.Name != "GetTaxonomySession" {
			return nil, unknownMember(p)
		}

		obj = &csomTaxonomySession{}
	case "Constructor":
		if p.TypeID != matchInfoTypeID {
			return nil, unknownMember(p)
		}

		obj = &csomMatchInfo{}
	case "Method":
		obj, err = ev.method(p)
	case "Property":
		obj, err = ev.property(p)
	default:
		return nil, unknownMember(p)
	}

	if err != nil {
		return nil, err
	}

	ev.objects[id] = obj

	return obj, nil
}

func (ev *evaluator) method(p csomNode) (any, error) {
	parent, err := ev.resolve(p.ParentID)
	if err != nil {
		return nil, err
	}

	switch parent.(type) {
	case *csomTaxonomySession:
		if p.Name == "GetDefaultSiteCollectionTermStore" {
			return &csomTermStore{}, nil
		}
	case *csomTermStore:
		switch p.Name {
		case "GetTerm":
			if t := ev.site.findTerm(guidParam(p)); t != nil {
				return t, nil
			}

			return nil, nil
		case "GetTermSet":
			if ts := ev.site.findSet(guidParam(p)); ts != nil {
				return ts, nil
			}

			return nil, nil
		}
	case *TermSet:
		if p.Name == "GetTermsWithCustomProperty" && len(p.Params) == 1 {
			m, err := ev.resolve(p.Params[0].PathID)
			if err != nil {
				return nil, err
			}

			match, ok := m.(*csomMatchInfo)
			if !ok {
				return nil, unknownMember(p)
			}

			return matchTerms(parent.(*TermSet), match), nil
		}
	}

	return nil, unknownMember(p)
}

func (ev *evaluator) property(p csomNode) (any, error) {
	parent, err := ev.resolve(p.ParentID)
	if err != nil {
		return nil, err
	}

	t, ok := parent.(*Term)
	if !ok || p.Name != "Parent" {
		return nil, unknownMember(p)
	}

	if t.Parent == nil {
		return nil, nil
	}

	return t.Parent, nil
}

func matchTerms(ts *TermSet, m *csomMatchInfo) csomTermCollection {
	var out csomTermCollection

	for _, t := range ts.Terms {
		if m.trim && t.Deprecated {
			continue
		}

		if v, ok := t.CustomProperties[m.name]; ok && v == m.value {
			out = append(out, t)
		}
	}

	return out
}

func guidParam(p csomNode) uuid.UUID {
	if len(p.Params) == 0 {
		return uuid.Nil
	}

	id, _ := uuid.Parse(strings.Trim(p.Params[0].Value, "{}"))

	return id
}

func unknownMember(p csomNode) error {
	return &csomFault{
		typeName: "Microsoft.SharePoint.Client.InvalidClientQueryException",
		message:  fmt.Sprintf("%s %q is not supported", p.XMLName.Local, p.Name),
		code:     -2146233088,
	}
}

func csomGUID(id uuid.UUID) string {
	return "/Guid(" + id.String() + ")/"
}

func (s *Site) render(obj any, sel, child *csomSelect) map[string]any {
	switch o := obj.(type) {
	case *csomTermStore:
		return selectProps(map[string]any{
			"_ObjectType_":    "SP.Taxonomy.TermStore",
			"Id":              csomGUID(s.StoreID),
			"Name":            s.StoreName,
			"DefaultLanguage": 1033,
			"IsOnline":        true,
		}, sel)
	case *TermSet:
		return selectProps(map[string]any{
			"_ObjectType_": "SP.Taxonomy.TermSet",
			"Id":           csomGUID(o.ID),
			"Name":         o.Name,
			"Description":  o.Description,
		}, sel)
	case *Term:
		return selectProps(o.csomRow(), sel)
	case csomTermCollection:
		out := map[string]any{"_ObjectType_": "SP.Taxonomy.TermCollection"}

		if child != nil {
			items := make([]map[string]any, 0, len(o))
			for _, t := range o {
				items = append(items, selectProps(t.csomRow(), child))
			}

			out["_Child_Items_"] = items
		}

		return out
	default:
		return map[string]any{"_ObjectType_": fmt.Sprintf("%T", obj)}
	}
}

func (t *Term) csomRow() map[string]any {
	props := map[string]any{}
	for k, v := range t.CustomProperties {
		props[k] = v
	}

	return map[string]any{
		"_ObjectType_":     "SP.Taxonomy.Term",
		"Id":               csomGUID(t.ID),
		"Name":             t.Name,
		"Description":      t.Description,
		"IsDeprecated":     t.Deprecated,
		"IsRoot":           t.Parent == nil,
		"PathOfTerm":       t.PathOfTerm(),
		"CustomProperties": props,
		"CreatedDate":      "/Date(2024,0,1,0,0,0,0)/",
	}
}

// PathOfTerm returns the ';'-joined names from the top of the set.
func (t *Term) PathOfTerm() string {
	path := t.Name
	for p := t.Parent; p != nil; p = p.Parent {
		path = p.Name + ";" + path
	}

	return path
}

func selectProps(row map[string]any, sel *csomSelect) map[string]any {
	if sel == nil || sel.SelectAll {
		return row
	}

	out := map[string]any{"_ObjectType_": row["_ObjectType_"]}

	for _, p := range sel.Properties {
		if v, ok := row[p.Name]; ok {
			out[p.Name] = v
		}
	}

	return out
}
