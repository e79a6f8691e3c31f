package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/batch"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/model"
	"github.com/tonimelisma/m365-go/internal/query"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// List field names.
const (
	ListID           = "Id"
	ListTitle        = "Title"
	ListDescription  = "Description"
	ListItemCount    = "ItemCount"
	ListBaseTemplate = "BaseTemplate"
	ListEntityType   = "ListItemEntityTypeFullName"
	ListSettings     = "Settings"
	ListItems        = "Items"
)

// ListInfo describes SP.List. Lists are created over SharePoint REST and
// readable over Graph as well.
var ListInfo = meta.MustRegister(&meta.EntityInfo{
	TypeName: "SP.List",
	KeyField: ListID,
	RESTType: "SP.List",
	Fields: []meta.FieldInfo{
		{Name: ListID, RESTName: "Id", GraphName: "id", Type: meta.TypeGUID, ReadOnly: true},
		{Name: ListTitle, RESTName: "Title", GraphName: "displayName", Type: meta.TypeString, Required: true},
		{Name: ListDescription, RESTName: "Description", GraphName: "description", Type: meta.TypeString},
		{Name: ListItemCount, RESTName: "ItemCount", Type: meta.TypeInt, ReadOnly: true},
		{Name: ListBaseTemplate, RESTName: "BaseTemplate", Type: meta.TypeInt},
		{Name: ListEntityType, RESTName: "ListItemEntityTypeFullName", Type: meta.TypeString, ReadOnly: true},
		{Name: ListSettings, GraphName: "list", Type: meta.TypeJSON, ReadOnly: true},
		{Name: ListItems, RESTName: "Items", Type: meta.TypeCollection, Target: "SP.ListItem"},
	},
	REST: meta.Endpoints{
		Get:  "web/lists(guid'{Id}')",
		List: "web/lists",
	},
	Graph: meta.Endpoints{
		Get:  "sites/{Site.GraphId}/lists/{Id}",
		List: "sites/{Site.GraphId}/lists",
	},
})

// List item field names. Columns defined by the list itself are read and
// written under their internal names.
const (
	ItemID       = "Id"
	ItemTitle    = "Title"
	ItemCreated  = "Created"
	ItemModified = "Modified"
	ItemAuthorID = "AuthorId"
)

// ListItemInfo describes SP.ListItem. The entity type sent in create and
// update bodies depends on the list, so bodies are built by listItemBody.
var ListItemInfo = meta.MustRegister(&meta.EntityInfo{
	TypeName: "SP.ListItem",
	KeyField: ItemID,
	Open:     true,
	Fields: []meta.FieldInfo{
		{Name: ItemID, RESTName: "Id", Type: meta.TypeInt, ReadOnly: true},
		{Name: ItemTitle, RESTName: "Title", Type: meta.TypeString},
		{Name: ItemCreated, RESTName: "Created", Type: meta.TypeTime, ReadOnly: true},
		{Name: ItemModified, RESTName: "Modified", Type: meta.TypeTime, ReadOnly: true},
		{Name: ItemAuthorID, RESTName: "AuthorId", Type: meta.TypeInt, ReadOnly: true},
	},
	REST: meta.Endpoints{
		Get:  "web/lists(guid'{Parent.Id}')/items({Id})",
		List: "web/lists(guid'{Parent.Id}')/items",
	},
})

// List is a SharePoint list.
type List struct {
	*model.Entity

	items *model.Collection[*ListItem]
}

func wrapList(e *model.Entity) *List {
	return &List{Entity: e}
}

// ID returns the list id.
func (l *List) ID() (uuid.UUID, error) {
	return model.GetValue[uuid.UUID](l.Store(), ListID)
}

// Title returns the display title.
func (l *List) Title() (string, error) {
	return model.GetValue[string](l.Store(), ListTitle)
}

// SetTitle changes the title.
func (l *List) SetTitle(title string) {
	l.Store().Set(ListTitle, title)
}

// Description returns the list description.
func (l *List) Description() (string, error) {
	return model.GetValue[string](l.Store(), ListDescription)
}

// SetDescription changes the description.
func (l *List) SetDescription(d string) {
	l.Store().Set(ListDescription, d)
}

// ItemCount returns the number of items as of the last load.
func (l *List) ItemCount() (int, error) {
	return model.GetValue[int](l.Store(), ListItemCount)
}

// BaseTemplate returns the list template id, 100 for a generic list.
func (l *List) BaseTemplate() (int, error) {
	return model.GetValue[int](l.Store(), ListBaseTemplate)
}

// SetBaseTemplate sets the template of a list that is yet to be created.
func (l *List) SetBaseTemplate(t int) {
	l.Store().Set(ListBaseTemplate, t)
}

// EntityTypeName returns the SharePoint type of the list's items, such as
// "SP.Data.TasksListItem".
func (l *List) EntityTypeName() (string, error) {
	return model.GetValue[string](l.Store(), ListEntityType)
}

// Items returns the list's items. When the list was loaded with its items
// expanded they are available without a further call.
func (l *List) Items() *model.Collection[*ListItem] {
	if l.items == nil {
		l.items = model.NewCollection(l.Session(), ListItemInfo, l.Entity, wrapListItem)
	}

	if !l.items.Loaded() && l.Store().IsLoaded(ListItems) {
		if recs, err := model.GetValue[[]api.Record](l.Store(), ListItems); err == nil {
			l.items.Hydrate(recs)
		}
	}

	return l.items
}

// AddItem creates an item with fields. The list's item entity type is
// loaded first when it is not known yet.
func (l *List) AddItem(ctx context.Context, fields map[string]any) (*ListItem, error) {
	if !l.Store().IsLoaded(ListEntityType) {
		if err := l.Get(ctx, query.Prop(ListEntityType)); err != nil {
			return nil, fmt.Errorf("domain: loading list item type: %w", err)
		}
	}

	return l.Items().Add(ctx, fields)
}

// AddItemBatch adds the create of an item to b, or the current batch when b
// is nil. The list's item entity type must already be loaded.
func (l *List) AddItemBatch(b *batch.Batch, fields map[string]any) (*ListItem, error) {
	return l.Items().AddBatch(b, fields)
}

// ListItem is one row of a list.
type ListItem struct {
	*model.Entity
}

func wrapListItem(e *model.Entity) *ListItem {
	return &ListItem{Entity: e}
}

// ID returns the item id.
func (it *ListItem) ID() (int, error) {
	return model.GetValue[int](it.Store(), ItemID)
}

// Title returns the Title column.
func (it *ListItem) Title() (string, error) {
	return model.GetValue[string](it.Store(), ItemTitle)
}

// SetTitle changes the Title column.
func (it *ListItem) SetTitle(title string) {
	it.Store().Set(ItemTitle, title)
}

// Created returns the creation time.
func (it *ListItem) Created() (time.Time, error) {
	return model.GetValue[time.Time](it.Store(), ItemCreated)
}

// Modified returns the last modification time.
func (it *ListItem) Modified() (time.Time, error) {
	return model.GetValue[time.Time](it.Store(), ItemModified)
}

// Field returns the value of any column by internal name.
func (it *ListItem) Field(name string) (any, error) {
	return it.Store().Get(name)
}

// SetField changes any column by internal name.
func (it *ListItem) SetField(name string, v any) {
	it.Store().Set(name, v)
}

// listItemBody encodes an item create or update. The __metadata type is the
// parent list's item entity type, which is only known once the list was
// loaded.
func listItemBody(in *api.Intent, p meta.Protocol) (json.RawMessage, error) {
	typeName, ok := in.Tokens.ResolveToken("Parent." + ListEntityType)
	if !ok {
		return nil, sdkerr.NewClientError(sdkerr.ErrUnresolvedToken,
			"%s of the parent list is not loaded", ListEntityType)
	}

	raw, err := api.EncodeBody(in.Info, p, in.Fields)
	if err != nil {
		return nil, err
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("domain: encoding list item: %w", err)
	}

	body["__metadata"] = map[string]string{"type": typeName}

	return json.Marshal(body)
}
