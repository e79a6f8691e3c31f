package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/batch"
	"github.com/tonimelisma/m365-go/internal/csom"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/model"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// DefaultLanguageTag names terms and sets created without an explicit
// language.
const DefaultLanguageTag = "en-US"

const termStorePath = "sites/{Site.GraphId}/termStore"

// TermStoreInfo describes the default term store of the site collection.
// Graph serves its language settings; the name and LCID are only
// available over CSOM.
var TermStoreInfo = meta.MustRegister(&meta.EntityInfo{
	TypeName: "SP.Taxonomy.TermStore",
	KeyField: "Id",
	Fields: []meta.FieldInfo{
		{Name: "Id", GraphName: "id", CSOMName: "Id", Type: meta.TypeGUID, ReadOnly: true},
		{Name: "Name", CSOMName: "Name", Type: meta.TypeString, ReadOnly: true},
		{Name: "DefaultLanguage", CSOMName: "DefaultLanguage", Type: meta.TypeInt},
		{Name: "DefaultLanguageTag", GraphName: "defaultLanguageTag", Type: meta.TypeString},
		{Name: "LanguageTags", GraphName: "languageTags", Type: meta.TypeJSON},
	},
	Graph: meta.Endpoints{Get: termStorePath},
	CSOMPath: []meta.PathStep{
		{Kind: meta.StepStaticMethod, Name: "GetTaxonomySession", TypeID: csom.TaxonomySessionTypeID},
		{Kind: meta.StepMethod, Name: "GetDefaultSiteCollectionTermStore"},
	},
})

// TermGroupInfo describes a term store group.
var TermGroupInfo = meta.MustRegister(&meta.EntityInfo{
	TypeName: "SP.Taxonomy.TermGroup",
	KeyField: "Id",
	Fields: []meta.FieldInfo{
		{Name: "Id", GraphName: "id", Type: meta.TypeGUID, ReadOnly: true},
		{Name: "Name", GraphName: "displayName", Type: meta.TypeString, Required: true},
		{Name: "Description", GraphName: "description", Type: meta.TypeString},
		{Name: "Scope", GraphName: "scope", Type: meta.TypeString, ReadOnly: true},
		{Name: "CreatedDateTime", GraphName: "createdDateTime", Type: meta.TypeTime, ReadOnly: true},
	},
	Graph: meta.Endpoints{
		Get:  termStorePath + "/groups/{Id}",
		List: termStorePath + "/groups",
	},
})

// TermSetInfo describes a term set. Graph carries the name as localized
// names only; CSOM as a plain property.
var TermSetInfo = meta.MustRegister(&meta.EntityInfo{
	TypeName: "SP.Taxonomy.TermSet",
	KeyField: "Id",
	Fields: []meta.FieldInfo{
		{Name: "Id", GraphName: "id", CSOMName: "Id", Type: meta.TypeGUID, ReadOnly: true},
		{Name: "Name", CSOMName: "Name", Type: meta.TypeString, Required: true},
		{Name: "Description", GraphName: "description", CSOMName: "Description", Type: meta.TypeString},
		{Name: "LocalizedNames", GraphName: "localizedNames", Type: meta.TypeJSON, ReadOnly: true},
		{Name: "CreatedDateTime", GraphName: "createdDateTime", Type: meta.TypeTime, ReadOnly: true},
	},
	Graph: meta.Endpoints{
		Get:  termStorePath + "/sets/{Id}",
		List: termStorePath + "/groups/{Parent.Id}/sets",
		Add:  termStorePath + "/sets",
	},
})

// TermInfo describes a taxonomy term. Only the terms at the top of a set
// are listed; deeper terms are reached through GetParent or a custom
// property lookup.
var TermInfo = meta.MustRegister(&meta.EntityInfo{
	TypeName: "SP.Taxonomy.Term",
	KeyField: "Id",
	Fields: []meta.FieldInfo{
		{Name: "Id", GraphName: "id", CSOMName: "Id", Type: meta.TypeGUID, ReadOnly: true},
		{Name: "Name", CSOMName: "Name", Type: meta.TypeString},
		{Name: "Labels", GraphName: "labels", Type: meta.TypeJSON},
		{Name: "Descriptions", GraphName: "descriptions", Type: meta.TypeJSON},
		{Name: "Description", CSOMName: "Description", Type: meta.TypeString},
		{Name: "IsDeprecated", CSOMName: "IsDeprecated", Type: meta.TypeBool, ReadOnly: true},
		{Name: "PathOfTerm", CSOMName: "PathOfTerm", Type: meta.TypeString, ReadOnly: true},
		{Name: "CustomProperties", CSOMName: "CustomProperties", Type: meta.TypeJSON, ReadOnly: true},
		{Name: "Properties", GraphName: "properties", Type: meta.TypeJSON, ReadOnly: true},
		{Name: "CreatedDateTime", GraphName: "createdDateTime", CSOMName: "CreatedDate", Type: meta.TypeTime, ReadOnly: true},
		{Name: "LastModifiedDateTime", GraphName: "lastModifiedDateTime", Type: meta.TypeTime, ReadOnly: true},
	},
	Graph: meta.Endpoints{
		Get:  termStorePath + "/sets/{Parent.Id}/terms/{Id}",
		List: termStorePath + "/sets/{Parent.Id}/children",
	},
})

// TermStore is the site collection's default term store.
type TermStore struct {
	*model.Entity
}

// ID returns the store id.
func (s *TermStore) ID() (uuid.UUID, error) { return model.GetValue[uuid.UUID](s.Store(), "Id") }

// Name returns the store name. It is loaded over CSOM only.
func (s *TermStore) Name() (string, error) { return model.GetValue[string](s.Store(), "Name") }

// DefaultLanguage returns the default LCID, such as 1033.
func (s *TermStore) DefaultLanguage() (int, error) {
	return model.GetValue[int](s.Store(), "DefaultLanguage")
}

// DefaultLanguageTag returns the default language as a BCP 47 tag.
func (s *TermStore) DefaultLanguageTag() (string, error) {
	return model.GetValue[string](s.Store(), "DefaultLanguageTag")
}

// TermGroup is a group of term sets.
type TermGroup struct {
	*model.Entity

	sets *model.Collection[*TermSet]
}

func wrapTermGroup(e *model.Entity) *TermGroup {
	return &TermGroup{Entity: e}
}

// ID returns the group id.
func (g *TermGroup) ID() (uuid.UUID, error) { return model.GetValue[uuid.UUID](g.Store(), "Id") }

// Name returns the group name.
func (g *TermGroup) Name() (string, error) { return model.GetValue[string](g.Store(), "Name") }

// Description returns the group description.
func (g *TermGroup) Description() (string, error) {
	return model.GetValue[string](g.Store(), "Description")
}

// SetDescription changes the description.
func (g *TermGroup) SetDescription(d string) { g.Store().Set("Description", d) }

// Sets returns the term sets of the group.
func (g *TermGroup) Sets() *model.Collection[*TermSet] {
	if g.sets == nil {
		g.sets = model.NewCollection(g.Session(), TermSetInfo, g.Entity, wrapTermSet)
	}

	return g.sets
}

// TermSet is a term set.
type TermSet struct {
	*model.Entity

	terms *model.Collection[*Term]
}

func wrapTermSet(e *model.Entity) *TermSet {
	return &TermSet{Entity: e}
}

// ID returns the set id.
func (ts *TermSet) ID() (uuid.UUID, error) { return model.GetValue[uuid.UUID](ts.Store(), "Id") }

// Name returns the set name, falling back to the first localized name when
// the set was loaded over Graph.
func (ts *TermSet) Name() (string, error) {
	if ts.Store().HasValue("Name") {
		return model.GetValue[string](ts.Store(), "Name")
	}

	var names []localizedName
	if err := decodeJSONField(ts.Entity, "LocalizedNames", &names); err != nil {
		return "", err
	}

	return defaultName(names), nil
}

// Description returns the set description.
func (ts *TermSet) Description() (string, error) {
	return model.GetValue[string](ts.Store(), "Description")
}

// Terms returns the terms at the top of the set.
func (ts *TermSet) Terms() *model.Collection[*Term] {
	if ts.terms == nil {
		ts.terms = model.NewCollection(ts.Session(), TermInfo, ts.Entity, wrapTerm)
	}

	return ts.terms
}

// GetTermsByCustomProperty returns the terms of the set whose custom
// property key equals value. With trim, deprecated terms are left out.
func (ts *TermSet) GetTermsByCustomProperty(ctx context.Context, key, value string, trim bool) ([]*Term, error) {
	call, op, err := ts.termsByPropertyCall(key, value, trim)
	if err != nil {
		return nil, err
	}

	if _, err := ts.Session().Send(ctx, call); err != nil {
		return nil, err
	}

	return ts.termsFrom(op)
}

// GetTermsByCustomPropertyBatch adds the lookup to b, or the current batch
// when b is nil.
func (ts *TermSet) GetTermsByCustomPropertyBatch(b *batch.Batch, key, value string, trim bool) (*Lookup[[]*Term], error) {
	call, op, err := ts.termsByPropertyCall(key, value, trim)
	if err != nil {
		return nil, err
	}

	l := newLookup[[]*Term]()
	l.req = ts.Session().Enqueue(b, call, func(_ *api.Response, err error) error {
		if err != nil {
			return err
		}

		terms, err := ts.termsFrom(op)
		l.value = terms

		return err
	})

	return l, nil
}

func (ts *TermSet) termsByPropertyCall(key, value string, trim bool) (*api.Call, *csom.GetTermsByCustomPropertyRequest, error) {
	if err := ts.CheckAlive(); err != nil {
		return nil, nil, err
	}

	id, err := ts.ID()
	if err != nil {
		return nil, nil, err
	}

	op := &csom.GetTermsByCustomPropertyRequest{TermSetID: id, Key: key, Value: value, TrimUnavailable: trim}

	return api.CSOMCall(api.VerbList, op), op, nil
}

func (ts *TermSet) termsFrom(op *csom.GetTermsByCustomPropertyRequest) ([]*Term, error) {
	out := make([]*Term, 0, len(op.Terms))

	for _, obj := range op.Terms {
		rec, err := api.DecodeCSOM(TermInfo, obj)
		if err != nil {
			return nil, err
		}

		out = append(out, wrapTerm(model.NewLoadedEntity(ts.Session(), TermInfo, ts.Entity, rec)))
	}

	return out, nil
}

// Term is a taxonomy term.
type Term struct {
	*model.Entity
}

func wrapTerm(e *model.Entity) *Term {
	return &Term{Entity: e}
}

// ID returns the term id.
func (t *Term) ID() (uuid.UUID, error) { return model.GetValue[uuid.UUID](t.Store(), "Id") }

// Name returns the term name, falling back to the default label when the
// term was loaded over Graph.
func (t *Term) Name() (string, error) {
	if t.Store().HasValue("Name") {
		return model.GetValue[string](t.Store(), "Name")
	}

	var labels []localizedName
	if err := decodeJSONField(t.Entity, "Labels", &labels); err != nil {
		return "", err
	}

	return defaultName(labels), nil
}

// Description returns the description. It is loaded over CSOM only.
func (t *Term) Description() (string, error) {
	return model.GetValue[string](t.Store(), "Description")
}

// IsDeprecated reports whether the term is deprecated.
func (t *Term) IsDeprecated() (bool, error) { return model.GetValue[bool](t.Store(), "IsDeprecated") }

// PathOfTerm returns the ';'-separated names from the top of the set down
// to the term.
func (t *Term) PathOfTerm() (string, error) {
	return model.GetValue[string](t.Store(), "PathOfTerm")
}

// Created returns the creation time.
func (t *Term) Created() (time.Time, error) {
	return model.GetValue[time.Time](t.Store(), "CreatedDateTime")
}

// CustomProperties returns the custom properties, from whichever protocol
// the term was loaded over.
func (t *Term) CustomProperties() (map[string]string, error) {
	if t.Store().HasValue("CustomProperties") {
		out := map[string]string{}
		if err := decodeJSONField(t.Entity, "CustomProperties", &out); err != nil {
			return nil, err
		}

		return out, nil
	}

	var pairs []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}

	if err := decodeJSONField(t.Entity, "Properties", &pairs); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.Key] = p.Value
	}

	return out, nil
}

// GetParent loads the parent term over CSOM. A term at the top of its set
// has no parent and yields nil.
func (t *Term) GetParent(ctx context.Context) (*Term, error) {
	call, op, err := t.parentCall()
	if err != nil {
		return nil, err
	}

	if _, err := t.Session().Send(ctx, call); err != nil {
		return nil, err
	}

	return t.parentFrom(op)
}

// GetParentBatch adds the parent lookup to b, or the current batch when b
// is nil.
func (t *Term) GetParentBatch(b *batch.Batch) (*Lookup[*Term], error) {
	call, op, err := t.parentCall()
	if err != nil {
		return nil, err
	}

	l := newLookup[*Term]()
	l.req = t.Session().Enqueue(b, call, func(_ *api.Response, err error) error {
		if err != nil {
			return err
		}

		parent, err := t.parentFrom(op)
		l.value = parent

		return err
	})

	return l, nil
}

func (t *Term) parentCall() (*api.Call, *csom.GetTermParentRequest, error) {
	if err := t.CheckAlive(); err != nil {
		return nil, nil, err
	}

	id, err := t.ID()
	if err != nil {
		return nil, nil, err
	}

	op := &csom.GetTermParentRequest{TermID: id}

	return api.CSOMCall(api.VerbGet, op), op, nil
}

func (t *Term) parentFrom(op *csom.GetTermParentRequest) (*Term, error) {
	if op.Parent == nil {
		return nil, nil
	}

	rec, err := api.DecodeCSOM(TermInfo, op.Parent)
	if err != nil {
		return nil, err
	}

	return wrapTerm(model.NewLoadedEntity(t.Session(), TermInfo, t.Parent(), rec)), nil
}

// localizedName covers Graph's localizedNames and labels entries.
type localizedName struct {
	Name        string `json:"name"`
	LanguageTag string `json:"languageTag"`
	IsDefault   bool   `json:"isDefault"`
}

func defaultName(names []localizedName) string {
	for _, n := range names {
		if n.IsDefault {
			return n.Name
		}
	}

	if len(names) > 0 {
		return names[0].Name
	}

	return ""
}

// decodeJSONField unmarshals a TypeJSON property into v. An unset value
// leaves v untouched.
func decodeJSONField(e *model.Entity, name string, v any) error {
	raw, err := model.GetValue[json.RawMessage](e.Store(), name)
	if err != nil || raw == nil {
		return err
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("domain: decoding %s.%s: %w", e.Info().TypeName, name, err)
	}

	return nil
}

// termSetBody builds the Graph create body of a term set, which names its
// group and carries the name as a localized name.
func termSetBody(in *api.Intent, _ meta.Protocol) (json.RawMessage, error) {
	group, ok := in.Tokens.ResolveToken("Parent.Id")
	if !ok {
		return nil, sdkerr.NewClientError(sdkerr.ErrUnresolvedToken, "term set has no parent group")
	}

	name, _ := in.Fields["Name"].(string)

	body := map[string]any{
		"parentGroup":    map[string]string{"id": group},
		"localizedNames": []localizedName{{Name: name, LanguageTag: DefaultLanguageTag}},
	}

	if d, ok := in.Fields["Description"].(string); ok {
		body["description"] = d
	}

	return json.Marshal(body)
}
