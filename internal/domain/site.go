// Package domain defines the SharePoint and Microsoft Graph entities the
// engine serves: lists and list items, site and directory users, and the
// term store hierarchy. Each type is a descriptor table plus typed
// accessors over model.Entity; loading, querying, batching and change
// tracking come from package model.
package domain

import (
	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/batch"
	"github.com/tonimelisma/m365-go/internal/model"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// Site is the entry point to one site collection.
type Site struct {
	session *model.Session

	lists     *model.Collection[*List]
	siteUsers *model.Collection[*SiteUser]
	users     *model.Collection[*User]
	groups    *model.Collection[*TermGroup]
	termStore *TermStore
}

// NewSite returns the entry point for s and registers the body hooks of
// the domain types with its builder.
func NewSite(s *model.Session) *Site {
	registerHooks(s.Builder())

	return &Site{session: s}
}

// Session returns the underlying session.
func (s *Site) Session() *model.Session {
	return s.session
}

// Lists returns the lists of the root web.
func (s *Site) Lists() *model.Collection[*List] {
	if s.lists == nil {
		s.lists = model.NewCollection(s.session, ListInfo, nil, wrapList)
	}

	return s.lists
}

// List returns the list with id without loading it.
func (s *Site) List(id uuid.UUID) *List {
	return s.Lists().Wrap(id)
}

// SiteUsers returns the users known to the site.
func (s *Site) SiteUsers() *model.Collection[*SiteUser] {
	if s.siteUsers == nil {
		s.siteUsers = model.NewCollection(s.session, SiteUserInfo, nil, wrapSiteUser)
	}

	return s.siteUsers
}

// Users returns the directory users of the tenant.
func (s *Site) Users() *model.Collection[*User] {
	if s.users == nil {
		s.users = model.NewCollection(s.session, UserInfo, nil, wrapUser)
	}

	return s.users
}

// TermStore returns the site collection's default term store, unloaded.
func (s *Site) TermStore() *TermStore {
	if s.termStore == nil {
		s.termStore = &TermStore{Entity: model.NewEntity(s.session, TermStoreInfo, nil)}
	}

	return s.termStore
}

// TermGroups returns the groups of the default term store.
func (s *Site) TermGroups() *model.Collection[*TermGroup] {
	if s.groups == nil {
		s.groups = model.NewCollection(s.session, TermGroupInfo, nil, wrapTermGroup)
	}

	return s.groups
}

// TermSet returns the term set with id without loading it. Its group is
// unknown, so only operations addressed by set id alone, such as
// GetTermsByCustomProperty, can be sent for it.
func (s *Site) TermSet(id uuid.UUID) *TermSet {
	return model.NewCollection(s.session, TermSetInfo, nil, wrapTermSet).Wrap(id)
}

// Term returns the term with id without loading it. As with TermSet, only
// operations addressed by term id alone, such as GetParent, can be sent.
func (s *Site) Term(id uuid.UUID) *Term {
	return model.NewCollection(s.session, TermInfo, nil, wrapTerm).Wrap(id)
}

// Lookup is the outcome of a lookup added to a batch. Its value is valid
// once the batch executed.
type Lookup[T any] struct {
	req   *batch.Request
	value T
}

func newLookup[T any]() *Lookup[T] {
	return &Lookup[T]{}
}

// Value returns the looked up value, or the request's error.
func (l *Lookup[T]) Value() (T, error) {
	switch {
	case l.req.Err != nil:
		return l.value, l.req.Err
	case l.req.Response == nil:
		return l.value, sdkerr.NewClientError(sdkerr.ErrNotRequested, "batch has not been executed")
	default:
		return l.value, nil
	}
}

func registerHooks(b *api.Builder) {
	b.OnBody(ListItemInfo.TypeName, api.VerbAdd, listItemBody)
	b.OnBody(ListItemInfo.TypeName, api.VerbUpdate, listItemBody)
	b.OnBody(TermSetInfo.TypeName, api.VerbAdd, termSetBody)
}
