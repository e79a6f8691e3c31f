package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/m365-go/internal/model"
	"github.com/tonimelisma/m365-go/internal/query"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
	"github.com/tonimelisma/m365-go/internal/testutil"
	"github.com/tonimelisma/m365-go/internal/transport"
)

func newSite(t *testing.T) (*testutil.Site, *Site) {
	t.Helper()

	fake := testutil.NewSite(t)

	client, err := transport.NewClient(transport.Options{
		SiteURL:    fake.SiteURL(),
		GraphURL:   fake.GraphURL(),
		MaxRetries: -1,
	})
	require.NoError(t, err)

	return fake, NewSite(model.NewSession(client, model.SessionOptions{SiteURL: fake.SiteURL()}))
}

// connected returns a site whose Graph site id is resolved.
func connected(t *testing.T) (*testutil.Site, *Site) {
	t.Helper()

	fake, site := newSite(t)
	require.NoError(t, site.Session().LoadSiteInfo(t.Context()))
	fake.ResetRequests()

	return fake, site
}

func requestsContaining(fake *testutil.Site, part string) int {
	n := 0

	for _, r := range fake.Requests() {
		if strings.Contains(r, part) {
			n++
		}
	}

	return n
}

func TestList_Get(t *testing.T) {
	fake, site := newSite(t)
	tasks := fake.AddList("Tasks")
	fake.AddItem(tasks, map[string]any{"Title": "first"})

	list := site.List(tasks.ID)
	require.NoError(t, list.Get(t.Context()))

	title, err := list.Title()
	require.NoError(t, err)
	assert.Equal(t, "Tasks", title)

	count, err := list.ItemCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	typeName, err := list.EntityTypeName()
	require.NoError(t, err)
	assert.Equal(t, "SP.Data.TasksListItem", typeName)

	template, err := list.BaseTemplate()
	require.NoError(t, err)
	assert.Equal(t, 100, template)
}

func TestList_GetSelectedLeavesOthersUnloaded(t *testing.T) {
	fake, site := newSite(t)
	tasks := fake.AddList("Tasks")

	list := site.List(tasks.ID)
	require.NoError(t, list.Get(t.Context(), query.Prop(ListTitle)))

	_, err := list.Description()
	require.ErrorIs(t, err, sdkerr.ErrPropertyNotLoaded)
}

func TestList_MissingIsServiceError(t *testing.T) {
	fake, site := newSite(t)
	fake.AddList("Tasks")

	err := site.List(uuid.New()).Get(t.Context())
	require.ErrorIs(t, err, sdkerr.ErrNotFound)

	var svc *sdkerr.ServiceError
	require.ErrorAs(t, err, &svc)
	assert.NotEmpty(t, svc.CorrelationID)
}

func TestLists_FilterAndPaging(t *testing.T) {
	fake, site := newSite(t)
	fake.PageSize = 2

	for _, title := range []string{"Tasks", "Issues", "Timesheets", "Travel"} {
		fake.AddList(title)
	}

	var titles []string

	q := site.Lists().Where(query.Field(ListTitle).StartsWith("T")).OrderBy(query.Asc(ListTitle))
	for l, err := range q.All(t.Context()) {
		require.NoError(t, err)

		title, err := l.Title()
		require.NoError(t, err)

		titles = append(titles, title)
	}

	assert.Equal(t, []string{"Tasks", "Timesheets", "Travel"}, titles)
	assert.Equal(t, 2, fake.RequestCount())
}

func TestLists_NoCallUntilEnumerated(t *testing.T) {
	fake, site := newSite(t)
	fake.AddList("Tasks")

	q := site.Lists().Where(query.Field(ListTitle).Eq("Tasks"))
	assert.Zero(t, fake.RequestCount())

	l, ok, err := q.FirstOrDefault(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	title, err := l.Title()
	require.NoError(t, err)
	assert.Equal(t, "Tasks", title)
	assert.Equal(t, 1, fake.RequestCount())
}

func TestList_ExpandedItemsNeedNoCall(t *testing.T) {
	fake, site := newSite(t)
	tasks := fake.AddList("Tasks")
	fake.AddItem(tasks, map[string]any{"Title": "a", "Status": "Open"})
	fake.AddItem(tasks, map[string]any{"Title": "b", "Status": "Done"})

	lists, err := site.Lists().Query().Select(query.Prop(ListTitle), query.Expand(ListItems)).Get(t.Context())
	require.NoError(t, err)
	require.Len(t, lists, 1)

	fake.ResetRequests()

	items := lists[0].Items()
	require.True(t, items.Loaded())
	require.Equal(t, 2, items.Len())

	status, err := items.Items()[1].Field("Status")
	require.NoError(t, err)
	assert.Equal(t, "Done", status)
	assert.Zero(t, fake.RequestCount())
}

func TestList_AddItemLoadsEntityType(t *testing.T) {
	fake, site := newSite(t)
	tasks := fake.AddList("Tasks")

	item, err := site.List(tasks.ID).AddItem(t.Context(), map[string]any{"Title": "write docs", "Status": "Open"})
	require.NoError(t, err)

	id, err := item.ID()
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	status, err := item.Field("Status")
	require.NoError(t, err)
	assert.Equal(t, "Open", status)

	row, ok := fake.Item(tasks, 1)
	require.True(t, ok)
	assert.Equal(t, "write docs", row["Title"])

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0], ListEntityType)
	assert.True(t, strings.HasPrefix(reqs[1], "POST "))
}

func TestList_AddItemBatchNeedsEntityType(t *testing.T) {
	fake, site := newSite(t)
	tasks := fake.AddList("Tasks")

	_, err := site.List(tasks.ID).AddItemBatch(nil, map[string]any{"Title": "x"})
	require.ErrorIs(t, err, sdkerr.ErrUnresolvedToken)
	assert.Zero(t, fake.RequestCount())
}

func TestList_AddItemBatch(t *testing.T) {
	fake, site := newSite(t)
	tasks := fake.AddList("Tasks")

	list := site.List(tasks.ID)
	require.NoError(t, list.Get(t.Context()))
	fake.ResetRequests()

	a, err := list.AddItemBatch(nil, map[string]any{"Title": "a"})
	require.NoError(t, err)
	b, err := list.AddItemBatch(nil, map[string]any{"Title": "b"})
	require.NoError(t, err)

	require.NoError(t, site.Session().Execute(t.Context()))

	assert.Equal(t, []string{"POST " + testutil.SitePath + "/_api/$batch"}, fake.Requests())

	aID, err := a.ID()
	require.NoError(t, err)
	bID, err := b.ID()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, []int{aID, bID})
	assert.Equal(t, 2, list.Items().Len())
}

func TestListItem_UpdateAndDelete(t *testing.T) {
	fake, site := newSite(t)
	tasks := fake.AddList("Tasks")
	id := fake.AddItem(tasks, map[string]any{"Title": "old", "Status": "Open"})

	list := site.List(tasks.ID)
	require.NoError(t, list.Get(t.Context(), query.Prop(ListEntityType)))

	item := list.Items().Wrap(int64(id))
	item.SetTitle("new")
	item.SetField("Status", "Done")
	require.NoError(t, item.Update(t.Context()))

	row, ok := fake.Item(tasks, id)
	require.True(t, ok)
	assert.Equal(t, "new", row["Title"])
	assert.Equal(t, "Done", row["Status"])

	fake.ResetRequests()
	require.NoError(t, item.Update(t.Context()))
	assert.Zero(t, fake.RequestCount(), "unchanged item must not be sent")

	require.NoError(t, item.Delete(t.Context()))
	_, ok = fake.Item(tasks, id)
	assert.False(t, ok)

	item.SetTitle("again")
	require.ErrorIs(t, item.Update(t.Context()), sdkerr.ErrInstanceDeleted)
}

func TestSiteUsers_GetByID(t *testing.T) {
	fake, site := newSite(t)
	id := fake.AddUser("Ada Lovelace", "ada@contoso.com")

	u := site.SiteUsers().Wrap(int64(id))
	require.NoError(t, u.Get(t.Context()))

	email, err := u.Email()
	require.NoError(t, err)
	assert.Equal(t, "ada@contoso.com", email)

	login, err := u.LoginName()
	require.NoError(t, err)
	assert.Equal(t, "i:0#.f|membership|ada@contoso.com", login)
}

func TestUsers_GraphQuery(t *testing.T) {
	fake, site := newSite(t)
	fake.AddGraphUser("Ada Lovelace", "ada@contoso.com")
	fake.AddGraphUser("Grace Hopper", "grace@contoso.com")

	u, ok, err := site.Users().Where(query.Field("Mail").Eq("grace@contoso.com")).FirstOrDefault(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	name, err := u.DisplayName()
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", name)
	assert.Equal(t, 1, requestsContaining(fake, "/v1.0/users"))
}

func TestTermStore_UnresolvedSiteTokenFallsBackToCSOM(t *testing.T) {
	fake, site := newSite(t)

	store := site.TermStore()
	require.NoError(t, store.Get(t.Context()))

	name, err := store.Name()
	require.NoError(t, err)
	assert.Equal(t, "Taxonomy_fake", name)

	lcid, err := store.DefaultLanguage()
	require.NoError(t, err)
	assert.Equal(t, 1033, lcid)

	id, err := store.ID()
	require.NoError(t, err)
	assert.Equal(t, fake.StoreID, id)
	assert.Equal(t, 1, requestsContaining(fake, "ProcessQuery"))
}

func TestTermStore_PrefersGraphOnceSiteIsKnown(t *testing.T) {
	fake, site := connected(t)

	store := site.TermStore()
	require.NoError(t, store.Get(t.Context()))

	tag, err := store.DefaultLanguageTag()
	require.NoError(t, err)
	assert.Equal(t, "en-US", tag)
	assert.Equal(t, 1, requestsContaining(fake, "/termStore"))

	// Name is not served by Graph, so selecting it goes over CSOM.
	require.NoError(t, store.Get(t.Context(), query.Prop("Name")))
	assert.Equal(t, 1, requestsContaining(fake, "ProcessQuery"))
}

func TestTermGroups_AddGroupAndSet(t *testing.T) {
	fake, site := connected(t)

	g, err := site.TermGroups().Add(t.Context(), map[string]any{"Name": "Departments"})
	require.NoError(t, err)

	gid, err := g.ID()
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, gid)

	ts, err := g.Sets().Add(t.Context(), map[string]any{"Name": "Colors", "Description": "palette"})
	require.NoError(t, err)

	name, err := ts.Name()
	require.NoError(t, err)
	assert.Equal(t, "Colors", name)

	sets, err := site.TermGroups().Wrap(gid).Sets().Query().Get(t.Context())
	require.NoError(t, err)
	require.Len(t, sets, 1)

	name, err = sets[0].Name()
	require.NoError(t, err)
	assert.Equal(t, "Colors", name, "graph-loaded set takes its name from localized names")
	assert.Equal(t, 2, requestsContaining(fake, "POST "))
}

func TestTermGroups_AddRequiresName(t *testing.T) {
	fake, site := connected(t)

	_, err := site.TermGroups().Add(t.Context(), map[string]any{"Description": "x"})
	require.ErrorIs(t, err, sdkerr.ErrRequiredField)
	assert.Zero(t, fake.RequestCount())
}

type taxonomyFixture struct {
	group            *testutil.TermGroup
	set              *testutil.TermSet
	root, child, old *testutil.Term
}

func addTaxonomy(fake *testutil.Site) taxonomyFixture {
	g := fake.AddTermGroup("Departments")
	ts := fake.AddTermSet(g, "Org")
	root := fake.AddTerm(ts, nil, "Engineering", map[string]string{"costCenter": "100"})
	child := fake.AddTerm(ts, root, "Platform", map[string]string{"costCenter": "110"})
	old := fake.AddTerm(ts, root, "Legacy", map[string]string{"costCenter": "110"})
	old.Deprecated = true

	return taxonomyFixture{group: g, set: ts, root: root, child: child, old: old}
}

func (f taxonomyFixture) setOf(site *Site) *TermSet {
	return site.TermGroups().Wrap(f.group.ID).Sets().Wrap(f.set.ID)
}

func TestTerm_GetParent(t *testing.T) {
	fake, site := newSite(t)
	fx := addTaxonomy(fake)
	ts := fx.setOf(site)

	parent, err := ts.Terms().Wrap(fx.child.ID).GetParent(t.Context())
	require.NoError(t, err)
	require.NotNil(t, parent)

	name, err := parent.Name()
	require.NoError(t, err)
	assert.Equal(t, "Engineering", name)

	path, err := parent.PathOfTerm()
	require.NoError(t, err)
	assert.Equal(t, "Engineering", path)

	top, err := ts.Terms().Wrap(fx.root.ID).GetParent(t.Context())
	require.NoError(t, err)
	assert.Nil(t, top, "a term at the top of its set has no parent")
}

func TestTerm_GetParentBatchSharesOneRequest(t *testing.T) {
	fake, site := newSite(t)
	fx := addTaxonomy(fake)
	ts := fx.setOf(site)

	b := site.Session().NewBatch()

	first, err := ts.Terms().Wrap(fx.child.ID).GetParentBatch(b)
	require.NoError(t, err)
	second, err := ts.Terms().Wrap(fx.old.ID).GetParentBatch(b)
	require.NoError(t, err)

	_, err = first.Value()
	require.ErrorIs(t, err, sdkerr.ErrNotRequested)

	require.NoError(t, site.Session().ExecuteBatch(t.Context(), b))
	assert.Equal(t, 1, fake.RequestCount())

	for _, l := range []*Lookup[*Term]{first, second} {
		parent, err := l.Value()
		require.NoError(t, err)

		id, err := parent.ID()
		require.NoError(t, err)
		assert.Equal(t, fx.root.ID, id)
	}
}

func TestTermSet_GetTermsByCustomProperty(t *testing.T) {
	tests := []struct {
		name  string
		value string
		trim  bool
		want  []string
	}{
		{name: "all matches", value: "110", want: []string{"Platform", "Legacy"}},
		{name: "trim deprecated", value: "110", trim: true, want: []string{"Platform"}},
		{name: "no match", value: "999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, site := newSite(t)
			fx := addTaxonomy(fake)

			terms, err := fx.setOf(site).GetTermsByCustomProperty(t.Context(), "costCenter", tt.value, tt.trim)
			require.NoError(t, err)

			var names []string

			for _, term := range terms {
				name, err := term.Name()
				require.NoError(t, err)

				names = append(names, name)
			}

			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

func TestTermSet_UnknownSetIsServiceError(t *testing.T) {
	fake, site := newSite(t)
	fx := addTaxonomy(fake)

	ts := site.TermGroups().Wrap(fx.group.ID).Sets().Wrap(fx.root.ID)

	_, err := ts.GetTermsByCustomProperty(t.Context(), "costCenter", "110", false)
	require.Error(t, err)
}

func TestTerms_GraphListing(t *testing.T) {
	fake, site := connected(t)
	fx := addTaxonomy(fake)

	terms, err := fx.setOf(site).Terms().Query().Get(t.Context())
	require.NoError(t, err)
	require.Len(t, terms, 1, "only terms at the top of the set are children of the set")

	name, err := terms[0].Name()
	require.NoError(t, err)
	assert.Equal(t, "Engineering", name)

	props, err := terms[0].CustomProperties()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"costCenter": "100"}, props)
}

func TestLookup_ValueReportsBatchFailure(t *testing.T) {
	fake, site := newSite(t)
	fx := addTaxonomy(fake)

	l, err := fx.setOf(site).GetTermsByCustomPropertyBatch(nil, "costCenter", "100", false)
	require.NoError(t, err)

	fake.ThrottleNext(1)
	require.Error(t, site.Session().Execute(t.Context()))

	_, err = l.Value()
	require.ErrorIs(t, err, sdkerr.ErrThrottled)
}

func TestSite_TermAndSetByIDAlone(t *testing.T) {
	fake, site := newSite(t)
	fx := addTaxonomy(fake)

	parent, err := site.Term(fx.child.ID).GetParent(t.Context())
	require.NoError(t, err)
	require.NotNil(t, parent)

	id, err := parent.ID()
	require.NoError(t, err)
	assert.Equal(t, fx.root.ID, id)

	terms, err := site.TermSet(fx.set.ID).GetTermsByCustomProperty(t.Context(), "costCenter", "100", false)
	require.NoError(t, err)
	require.Len(t, terms, 1)

	name, err := terms[0].Name()
	require.NoError(t, err)
	assert.Equal(t, "Engineering", name)
}

func TestTaxonomy_DeletedObjectsMakeNoCall(t *testing.T) {
	fake, site := connected(t)
	fx := addTaxonomy(fake)
	ts := fx.setOf(site)

	term := ts.Terms().Wrap(fx.child.ID)
	require.NoError(t, term.Delete(t.Context()))
	require.True(t, term.Deleted())

	require.NoError(t, ts.Delete(t.Context()))
	require.True(t, ts.Deleted())

	sent := fake.RequestCount()

	_, err := term.GetParent(t.Context())
	require.ErrorIs(t, err, sdkerr.ErrInstanceDeleted)

	_, err = term.GetParentBatch(nil)
	require.ErrorIs(t, err, sdkerr.ErrInstanceDeleted)

	_, err = ts.GetTermsByCustomProperty(t.Context(), "costCenter", "110", false)
	require.ErrorIs(t, err, sdkerr.ErrInstanceDeleted)

	_, err = ts.GetTermsByCustomPropertyBatch(nil, "costCenter", "110", false)
	require.ErrorIs(t, err, sdkerr.ErrInstanceDeleted)

	_, err = ts.Terms().Query().Get(t.Context())
	require.ErrorIs(t, err, sdkerr.ErrInstanceDeleted, "children of a deleted set are not listed")

	assert.Zero(t, site.Session().Batch().Len())
	assert.Equal(t, sent, fake.RequestCount())
}

func TestList_DeletedListTakesNoItems(t *testing.T) {
	fake, site := newSite(t)
	tasks := fake.AddList("Tasks")

	list := site.List(tasks.ID)
	require.NoError(t, list.Get(t.Context(), query.Prop(ListEntityType)))
	require.NoError(t, list.Delete(t.Context()))

	sent := fake.RequestCount()

	_, err := list.AddItem(t.Context(), map[string]any{"Title": "late"})
	require.ErrorIs(t, err, sdkerr.ErrInstanceDeleted)

	_, err = list.AddItemBatch(nil, map[string]any{"Title": "late"})
	require.ErrorIs(t, err, sdkerr.ErrInstanceDeleted)

	_, err = list.Items().AddBatch(nil, map[string]any{"Title": "late"})
	require.ErrorIs(t, err, sdkerr.ErrInstanceDeleted)

	assert.Zero(t, site.Session().Batch().Len())
	assert.Equal(t, sent, fake.RequestCount())
}

func TestLookup_FailedMemberLeavesOthersIntact(t *testing.T) {
	fake, site := newSite(t)
	fx := addTaxonomy(fake)
	tasks := fake.AddList("Tasks")

	list := site.List(tasks.ID)
	require.NoError(t, list.GetBatch(nil))

	missing := site.TermGroups().Wrap(fx.group.ID).Sets().Wrap(fx.root.ID)
	l, err := missing.GetTermsByCustomPropertyBatch(nil, "costCenter", "110", false)
	require.NoError(t, err)

	require.Error(t, site.Session().Execute(t.Context()))

	terms, err := l.Value()
	require.Error(t, err, "the lookup reports its own failure")
	assert.NotErrorIs(t, err, sdkerr.ErrNotRequested)
	assert.Empty(t, terms)

	title, err := list.Title()
	require.NoError(t, err)
	assert.Equal(t, "Tasks", title)
}
