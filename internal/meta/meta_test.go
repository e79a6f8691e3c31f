package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func widgetInfo(name string) *EntityInfo {
	return &EntityInfo{
		TypeName: name,
		KeyField: "Id",
		Fields: []FieldInfo{
			{Name: "Id", RESTName: "Id", GraphName: "id", CSOMName: "Id", Type: TypeGUID},
			{Name: "Title", RESTName: "Title", GraphName: "displayName", CSOMName: "Title", Type: TypeString},
			{Name: "Secret", RESTName: "Secret", Type: TypeString},
		},
		REST:  Endpoints{Get: "_api/widgets('{Id}')"},
		Graph: Endpoints{Get: "widgets/{Id}"},
	}
}

func TestRegister_IndexesWireNames(t *testing.T) {
	info, err := Register(widgetInfo("test.WidgetA"))
	require.NoError(t, err)

	f, ok := info.FieldByWire(ProtocolGraph, "displayName")
	require.True(t, ok)
	assert.Equal(t, "Title", f.Name)

	f, ok = info.FieldByWire(ProtocolGraphBeta, "displayName")
	require.True(t, ok)
	assert.Equal(t, "Title", f.Name)

	_, ok = info.FieldByWire(ProtocolGraph, "Secret")
	assert.False(t, ok)

	assert.Equal(t, "", info.Fields[2].WireName(ProtocolGraph))
	assert.Equal(t, "Id", info.Key().Name)

	got, ok := Lookup("test.WidgetA")
	require.True(t, ok)
	assert.Same(t, info, got)
}

func TestRegister_Rejects(t *testing.T) {
	_, err := Register(widgetInfo("test.WidgetB"))
	require.NoError(t, err)

	_, err = Register(widgetInfo("test.WidgetB"))
	assert.ErrorIs(t, err, ErrDuplicateType)

	bad := widgetInfo("test.WidgetC")
	bad.KeyField = "Missing"
	_, err = Register(bad)
	assert.ErrorIs(t, err, ErrInvalidEntity)

	dup := widgetInfo("test.WidgetD")
	dup.Fields = append(dup.Fields, FieldInfo{Name: "Other", GraphName: "displayName", Type: TypeString})
	_, err = Register(dup)
	assert.ErrorIs(t, err, ErrDuplicateField)

	_, err = Register(&EntityInfo{})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestSupports(t *testing.T) {
	info := widgetInfo("test.WidgetE")
	assert.True(t, info.Supports(ProtocolREST))
	assert.True(t, info.Supports(ProtocolGraph))
	assert.False(t, info.Supports(ProtocolGraphBeta))
	assert.False(t, info.Supports(ProtocolCSOM))

	info.GraphBeta = true
	assert.True(t, info.Supports(ProtocolGraphBeta))
	assert.Equal(t, ProtocolGraphBeta, info.GraphProtocol())
}

func TestProtocolString(t *testing.T) {
	assert.Equal(t, "sharepoint-rest", ProtocolREST.String())
	assert.Equal(t, "csom", ProtocolCSOM.String())
	assert.True(t, ProtocolGraphBeta.IsGraph())
	assert.False(t, ProtocolCSOM.IsGraph())
}
