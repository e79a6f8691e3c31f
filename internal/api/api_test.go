package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/m365-go/internal/csom"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/query"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

var (
	testItemInfo = meta.MustRegister(&meta.EntityInfo{
		TypeName: "apitest.Item",
		KeyField: "Id",
		RESTType: "SP.Data.DocsListItem",
		Fields: []meta.FieldInfo{
			{Name: "Id", RESTName: "Id", Type: meta.TypeInt, ReadOnly: true},
			{Name: "Title", RESTName: "Title", Type: meta.TypeString, Required: true},
			{Name: "Modified", RESTName: "Modified", Type: meta.TypeTime, ReadOnly: true},
		},
		REST: meta.Endpoints{
			Get:  "web/lists(guid'{Parent.Id}')/items({Id})",
			List: "web/lists(guid'{Parent.Id}')/items",
		},
	})

	testListInfo = meta.MustRegister(&meta.EntityInfo{
		TypeName: "apitest.List",
		KeyField: "Id",
		RESTType: "SP.List",
		Fields: []meta.FieldInfo{
			{Name: "Id", RESTName: "Id", GraphName: "id", Type: meta.TypeGUID, ReadOnly: true},
			{Name: "Title", RESTName: "Title", GraphName: "displayName", Type: meta.TypeString, Required: true},
			{Name: "ItemCount", RESTName: "ItemCount", Type: meta.TypeInt, ReadOnly: true},
			{Name: "Settings", GraphName: "list", Type: meta.TypeJSON},
			{Name: "Items", RESTName: "Items", Type: meta.TypeCollection, Target: "apitest.Item"},
		},
		REST: meta.Endpoints{
			Get:  "web/lists(guid'{Id}')",
			List: "web/lists",
		},
		Graph: meta.Endpoints{
			Get:  "sites/{Site.Id}/lists/{Id}",
			List: "sites/{Site.Id}/lists",
		},
	})

	testStoreInfo = meta.MustRegister(&meta.EntityInfo{
		TypeName: "apitest.TermStore",
		KeyField: "Id",
		Fields: []meta.FieldInfo{
			{Name: "Id", CSOMName: "Id", Type: meta.TypeGUID},
			{Name: "Name", CSOMName: "Name", Type: meta.TypeString},
			{Name: "DefaultLanguage", CSOMName: "DefaultLanguage", Type: meta.TypeInt},
		},
		CSOMPath: []meta.PathStep{
			{Kind: meta.StepStaticMethod, TypeID: csom.TaxonomySessionTypeID, Name: "GetTaxonomySession"},
			{Kind: meta.StepMethod, Name: "GetTermStoreById", Params: []string{"guid:{Id}"}},
		},
	})
)

const testListID = "6f9a2b0e-3c1d-4e5f-8a7b-9c0d1e2f3a4b"

func TestResolveTemplate(t *testing.T) {
	tokens := TokenMap{"Id": "7", "Parent.Id": testListID, "Site.Id": ""}

	got, err := ResolveTemplate("web/lists(guid'{Parent.Id}')/items({Id})", tokens)
	require.NoError(t, err)
	assert.Equal(t, "web/lists(guid'"+testListID+"')/items(7)", got)

	got, err = ResolveTemplate("web/lists", nil)
	require.NoError(t, err)
	assert.Equal(t, "web/lists", got)

	tests := []struct {
		name string
		tpl  string
		r    TokenResolver
	}{
		{"missing", "sites/{hostname}", tokens},
		{"empty value", "sites/{Site.Id}/lists", tokens},
		{"unterminated", "sites/{Site.Id", tokens},
		{"no resolver", "items({Id})", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveTemplate(tt.tpl, tt.r)
			assert.ErrorIs(t, err, sdkerr.ErrUnresolvedToken)
		})
	}
}

func TestBuild_RESTGet(t *testing.T) {
	d, err := query.Translate(testListInfo, query.Spec{Select: []query.Selector{
		query.Prop("Title"), query.Expand("Items", query.Prop("Title")),
	}})
	require.NoError(t, err)

	call, err := NewBuilder(false).Build(Intent{
		Verb:   VerbGet,
		Info:   testListInfo,
		Query:  d,
		Tokens: TokenMap{"Id": testListID},
	})
	require.NoError(t, err)

	assert.Equal(t, meta.ProtocolREST, call.Protocol)
	assert.Equal(t, http.MethodGet, call.Method)
	assert.Equal(t, "web/lists(guid'"+testListID+"')?$select=Id,Title,Items/Id,Items/Title&$expand=Items", call.Path)
	assert.NotEmpty(t, call.CorrelationID)
	assert.False(t, call.IsWrite())
}

func TestBuild_GraphFirst(t *testing.T) {
	b := NewBuilder(true)
	tokens := TokenMap{"Id": testListID, "Site.Id": "contoso.sharepoint.com,1,2"}

	d, err := query.Translate(testListInfo, query.Spec{Filter: query.Field("Title").StartsWith("Doc"), Top: 5})
	require.NoError(t, err)

	call, err := b.Build(Intent{Verb: VerbList, Info: testListInfo, Query: d, Tokens: tokens})
	require.NoError(t, err)
	assert.Equal(t, meta.ProtocolGraph, call.Protocol)
	assert.Equal(t, "sites/contoso.sharepoint.com,1,2/lists?$filter=startswith(displayName,'Doc')&$top=5", call.Path)

	t.Run("falls back when a field has no graph name", func(t *testing.T) {
		d, err := query.Translate(testListInfo, query.Spec{Select: query.Props("ItemCount")})
		require.NoError(t, err)

		call, err := b.Build(Intent{Verb: VerbList, Info: testListInfo, Query: d, Tokens: tokens})
		require.NoError(t, err)
		assert.Equal(t, meta.ProtocolREST, call.Protocol)
	})

	t.Run("falls back when a token is unresolved", func(t *testing.T) {
		call, err := b.Build(Intent{Verb: VerbGet, Info: testListInfo, Tokens: TokenMap{"Id": testListID}})
		require.NoError(t, err)
		assert.Equal(t, meta.ProtocolREST, call.Protocol)
		assert.Equal(t, "web/lists(guid'"+testListID+"')", call.Path)
	})

	t.Run("forced protocol reports its own error", func(t *testing.T) {
		_, err := b.Build(Intent{Verb: VerbGet, Info: testListInfo, Tokens: TokenMap{"Id": testListID},
			Protocol: meta.ProtocolGraph})
		assert.ErrorIs(t, err, sdkerr.ErrUnresolvedToken)
	})
}

func TestBuild_NoProtocolFits(t *testing.T) {
	_, err := NewBuilder(false).Build(Intent{Verb: VerbGet, Info: testItemInfo, Tokens: TokenMap{"Id": "1"}})
	assert.ErrorIs(t, err, sdkerr.ErrUnresolvedToken)

	_, err = NewBuilder(false).Build(Intent{Verb: VerbDelete, Info: testStoreInfo, Tokens: TokenMap{"Id": testListID}})
	assert.ErrorIs(t, err, sdkerr.ErrUnsupportedProtocol)

	_, err = NewBuilder(false).Build(Intent{Verb: VerbGet})
	assert.ErrorIs(t, err, sdkerr.ErrMissingArgument)
}

func TestBuild_GetRejectsFilter(t *testing.T) {
	d, err := query.Translate(testListInfo, query.Spec{Filter: query.Field("Title").Eq("x")})
	require.NoError(t, err)

	_, err = NewBuilder(false).Build(Intent{Verb: VerbGet, Info: testListInfo, Query: d, Tokens: TokenMap{"Id": testListID}})
	assert.ErrorIs(t, err, sdkerr.ErrUnsupportedExpression)
}

func TestBuild_Update(t *testing.T) {
	tokens := TokenMap{"Id": testListID, "Site.Id": "site-1"}
	fields := map[string]any{"Title": "Renamed", "ItemCount": 4}

	rest, err := NewBuilder(false).Build(Intent{Verb: VerbUpdate, Info: testListInfo, Tokens: tokens, Fields: fields})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, rest.Method)
	assert.Equal(t, "MERGE", rest.Header.Get("X-HTTP-Method"))
	assert.Equal(t, "*", rest.Header.Get("IF-MATCH"))
	assert.Equal(t, ContentTypeRESTVerbose, rest.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"__metadata":{"type":"SP.List"},"Title":"Renamed"}`, string(rest.Body))
	assert.True(t, rest.IsWrite())

	graph, err := NewBuilder(true).Build(Intent{Verb: VerbUpdate, Info: testListInfo, Tokens: tokens,
		Fields: map[string]any{"Title": "Renamed"}})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, graph.Method)
	assert.Equal(t, "sites/site-1/lists/"+testListID, graph.Path)
	assert.JSONEq(t, `{"displayName":"Renamed"}`, string(graph.Body))
}

func TestBuild_Delete(t *testing.T) {
	tokens := TokenMap{"Id": testListID, "Site.Id": "site-1"}

	rest, err := NewBuilder(false).Build(Intent{Verb: VerbDelete, Info: testListInfo, Tokens: tokens})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, rest.Method)
	assert.Equal(t, "DELETE", rest.Header.Get("X-HTTP-Method"))
	assert.Nil(t, rest.Body)

	graph, err := NewBuilder(true).Build(Intent{Verb: VerbDelete, Info: testListInfo, Tokens: tokens})
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, graph.Method)
}

func TestBuild_AddRequiresFields(t *testing.T) {
	_, err := NewBuilder(false).Build(Intent{
		Verb:   VerbAdd,
		Info:   testItemInfo,
		Tokens: TokenMap{"Parent.Id": testListID},
		Fields: map[string]any{},
	})
	assert.ErrorIs(t, err, sdkerr.ErrRequiredField)
}

func TestBuild_AddUsesBodyHook(t *testing.T) {
	b := NewBuilder(false)
	b.OnBody(testItemInfo.TypeName, VerbAdd, func(in *Intent, p meta.Protocol) (json.RawMessage, error) {
		assert.Equal(t, meta.ProtocolREST, p)
		return json.RawMessage(`{"custom":"` + in.Fields["Title"].(string) + `"}`), nil
	})

	call, err := b.Build(Intent{
		Verb:   VerbAdd,
		Info:   testItemInfo,
		Tokens: TokenMap{"Parent.Id": testListID},
		Fields: map[string]any{"Title": "Item 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "web/lists(guid'"+testListID+"')/items", call.Path)
	assert.JSONEq(t, `{"custom":"Item 1"}`, string(call.Body))

	plain, err := NewBuilder(false).Build(Intent{
		Verb:   VerbAdd,
		Info:   testItemInfo,
		Tokens: TokenMap{"Parent.Id": testListID},
		Fields: map[string]any{"Title": "Item 1"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"__metadata":{"type":"SP.Data.DocsListItem"},"Title":"Item 1"}`, string(plain.Body))
}

func TestBuild_CSOM(t *testing.T) {
	storeID := uuid.MustParse(testListID)

	call, err := NewBuilder(false).Build(Intent{
		Verb:   VerbGet,
		Info:   testStoreInfo,
		Tokens: TokenMap{"Id": storeID.String()},
	})
	require.NoError(t, err)
	require.Equal(t, meta.ProtocolCSOM, call.Protocol)

	pq, ok := call.Op.(*csom.PropertyQuery)
	require.True(t, ok)
	assert.True(t, pq.Select.SelectAll)
	assert.Equal(t, []string{"guid:" + testListID}, pq.Steps[1].Params)
	assert.Equal(t, []string{"guid:{Id}"}, testStoreInfo.CSOMPath[1].Params, "descriptor table must stay untouched")

	r := csom.NewRequest(nil)
	require.NoError(t, pq.Build(r))

	doc, err := r.XML()
	require.NoError(t, err)
	assert.Contains(t, doc, `<Method Id="4" ParentId="1" Name="GetTermStoreById"><Parameters><Parameter Type="Guid">{`+testListID+`}</Parameter></Parameters></Method>`)
}

func TestBuild_NextLink(t *testing.T) {
	next := "https://graph.microsoft.com/v1.0/sites/x/lists?$skiptoken=abc"

	call, err := NewBuilder(false).Build(Intent{Verb: VerbList, Info: testListInfo, Protocol: meta.ProtocolGraph, NextLink: next})
	require.NoError(t, err)
	assert.Equal(t, next, call.Path)
	assert.True(t, call.IsAbsolute())

	_, err = NewBuilder(false).Build(Intent{Verb: VerbList, Info: testListInfo, NextLink: next})
	assert.ErrorIs(t, err, sdkerr.ErrMissingArgument)
}

func TestDecodePage(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		items int
		next  string
	}{
		{"graph", `{"value":[{"id":"1"},{"id":"2"}],"@odata.nextLink":"https://graph/next"}`, 2, "https://graph/next"},
		{"rest nometadata", `{"value":[{"Id":1}],"odata.nextLink":"https://sp/next"}`, 1, "https://sp/next"},
		{"rest verbose", `{"d":{"results":[{"Id":1},{"Id":2},{"Id":3}],"__next":"https://sp/v"}}`, 3, "https://sp/v"},
		{"last page", `{"value":[]}`, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePage([]byte(tt.body))
			require.NoError(t, err)
			assert.Len(t, p.Items, tt.items)
			assert.Equal(t, tt.next, p.NextLink)
		})
	}

	_, err := DecodePage([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeEntity(t *testing.T) {
	body := `{"odata.etag":"\"1\"","Id":"` + testListID + `","Title":"Docs","ItemCount":"12","Unknown":true,` +
		`"Items":[{"Id":1,"Title":"a","Modified":"2024-03-01T10:00:00Z"},{"Id":2,"Title":null}]}`

	rec, err := DecodeEntity(testListInfo, meta.ProtocolREST, json.RawMessage(body))
	require.NoError(t, err)

	assert.Equal(t, uuid.MustParse(testListID), rec["Id"])
	assert.Equal(t, "Docs", rec["Title"])
	assert.Equal(t, int64(12), rec["ItemCount"])
	assert.NotContains(t, rec, "Unknown")

	items, ok := rec["Items"].([]Record)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0]["Id"])
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), items[0]["Modified"])
	assert.Contains(t, items[1], "Title")
	assert.Nil(t, items[1]["Title"])

	verbose := `{"d":{"Id":"` + testListID + `","Items":{"results":[{"Id":5}]}}}`
	rec, err = DecodeEntity(testListInfo, meta.ProtocolREST, json.RawMessage(verbose))
	require.NoError(t, err)
	assert.Len(t, rec["Items"], 1)

	graph := `{"id":"` + testListID + `","displayName":"Docs","list":{"template":"genericList"}}`
	rec, err = DecodeEntity(testListInfo, meta.ProtocolGraph, json.RawMessage(graph))
	require.NoError(t, err)
	assert.Equal(t, "Docs", rec["Title"])
	assert.JSONEq(t, `{"template":"genericList"}`, string(rec["Settings"].(json.RawMessage)))

	_, err = DecodeEntity(testListInfo, meta.ProtocolREST, json.RawMessage(`{"Id":"nope"}`))
	assert.Error(t, err)
}

func TestDecodeCSOM(t *testing.T) {
	id := uuid.MustParse(testListID)
	obj := csom.Object{
		"_ObjectType_":    "SP.Taxonomy.TermStore",
		"Id":              id,
		"Name":            "Taxonomy_1",
		"DefaultLanguage": int64(1033),
	}

	rec, err := DecodeCSOM(testStoreInfo, obj)
	require.NoError(t, err)
	assert.Equal(t, Record{"Id": id, "Name": "Taxonomy_1", "DefaultLanguage": int64(1033)}, rec)

	_, err = DecodeCSOM(testStoreInfo, csom.Object{"DefaultLanguage": "english"})
	assert.Error(t, err)
}
