// Package testutil provides an in-memory SharePoint site for engine tests.
// It serves the SharePoint REST API under /sites/dev/_api, Microsoft Graph
// under /v1.0 and CSOM under /sites/dev/_vti_bin/client.svc/ProcessQuery,
// including the $batch endpoints, from one httptest server.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SitePath is the server-relative path of the fake site collection.
const SitePath = "/sites/dev"

// List is a SharePoint list held by the fake site.
type List struct {
	ID          uuid.UUID
	Title       string
	Description string
	EntityType  string
	Template    int
	Items       []map[string]any

	nextItemID int
}

// User is a site user (SP.User).
type User struct {
	ID          int
	Title       string
	Email       string
	LoginName   string
	IsSiteAdmin bool
}

// GraphUser is a directory user served by Graph.
type GraphUser struct {
	ID                string
	DisplayName       string
	Mail              string
	UserPrincipalName string
	JobTitle          string
}

// TermGroup is a term store group.
type TermGroup struct {
	ID          uuid.UUID
	Name        string
	Description string
	Sets        []*TermSet
}

// TermSet is a term set.
type TermSet struct {
	ID          uuid.UUID
	Name        string
	Description string
	Group       *TermGroup
	Terms       []*Term
}

// Term is a taxonomy term. Parent is nil for terms at the top of a set.
type Term struct {
	ID               uuid.UUID
	Name             string
	Description      string
	Deprecated       bool
	CustomProperties map[string]string
	Parent           *Term
	Set              *TermSet
}

// Site is the fake. Exported fields may be changed before the first
// request.
type Site struct {
	Server *httptest.Server

	SiteID    uuid.UUID
	WebID     uuid.UUID
	StoreID   uuid.UUID
	StoreName string

	// PageSize caps every collection page.
	PageSize int

	mu         sync.Mutex
	lists      []*List
	users      []*User
	graphUsers []*GraphUser
	groups     []*TermGroup
	requests   []string
	throttle   int

	router chi.Router
}

// NewSite starts a fake site that is closed when the test ends.
func NewSite(tb testing.TB) *Site {
	tb.Helper()

	s := &Site{
		SiteID:    uuid.New(),
		WebID:     uuid.New(),
		StoreID:   uuid.New(),
		StoreName: "Taxonomy_fake",
		PageSize:  100,
	}

	s.router = s.routes()
	s.Server = httptest.NewServer(s.logRequests(s.router))
	tb.Cleanup(s.Server.Close)

	return s
}

// URL returns the server root.
func (s *Site) URL() string {
	return s.Server.URL
}

// SiteURL returns the absolute site collection URL.
func (s *Site) SiteURL() string {
	return s.Server.URL + SitePath
}

// GraphURL returns the Graph v1.0 root.
func (s *Site) GraphURL() string {
	return s.Server.URL + "/v1.0"
}

// Hostname returns the host part of the site URL.
func (s *Site) Hostname() string {
	u, _ := url.Parse(s.Server.URL)
	return u.Hostname()
}

// GraphSiteID returns the Graph composite site id.
func (s *Site) GraphSiteID() string {
	return s.Hostname() + "," + s.SiteID.String() + "," + s.WebID.String()
}

// Requests returns the top-level requests received so far as
// "METHOD /path?query". Members of $batch envelopes are not listed.
func (s *Site) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.requests)
}

// RequestCount returns the number of top-level requests.
func (s *Site) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.requests)
}

// ResetRequests clears the request log.
func (s *Site) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = nil
}

// ThrottleNext answers the next n top-level requests with 429 and a zero
// Retry-After.
func (s *Site) ThrottleNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.throttle = n
}

// AddList creates a list. Its list item entity type follows SharePoint's
// naming of generic lists.
func (s *Site) AddList(title string) *List {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := &List{
		ID:         uuid.New(),
		Title:      title,
		EntityType: "SP.Data." + title + "ListItem",
		Template:   100,
		nextItemID: 1,
	}
	s.lists = append(s.lists, l)

	return l
}

// AddItem adds an item with fields to l and returns its id.
func (s *Site) AddItem(l *List, fields map[string]any) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return l.add(fields)
}

func (l *List) add(fields map[string]any) int {
	id := l.nextItemID
	l.nextItemID++

	row := map[string]any{"Id": id, "Title": nil}
	for k, v := range fields {
		row[k] = v
	}

	l.Items = append(l.Items, row)

	return id
}

// Item returns a copy of the item's fields.
func (s *Site) Item(l *List, id int) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := l.itemIndex(id)
	if i < 0 {
		return nil, false
	}

	out := make(map[string]any, len(l.Items[i]))
	for k, v := range l.Items[i] {
		out[k] = v
	}

	return out, true
}

func (l *List) itemIndex(id int) int {
	return slices.IndexFunc(l.Items, func(row map[string]any) bool { return row["Id"] == id })
}

// AddUser adds a site user and returns its id.
func (s *Site) AddUser(title, email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &User{
		ID:        len(s.users) + 1,
		Title:     title,
		Email:     email,
		LoginName: "i:0#.f|membership|" + email,
	}
	s.users = append(s.users, u)

	return u.ID
}

// AddGraphUser adds a directory user and returns its id.
func (s *Site) AddGraphUser(displayName, mail string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &GraphUser{
		ID:                uuid.NewString(),
		DisplayName:       displayName,
		Mail:              mail,
		UserPrincipalName: mail,
	}
	s.graphUsers = append(s.graphUsers, u)

	return u.ID
}

// AddTermGroup adds a term store group.
func (s *Site) AddTermGroup(name string) *TermGroup {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := &TermGroup{ID: uuid.New(), Name: name}
	s.groups = append(s.groups, g)

	return g
}

// AddTermSet adds a term set to g.
func (s *Site) AddTermSet(g *TermGroup, name string) *TermSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := &TermSet{ID: uuid.New(), Name: name, Group: g}
	g.Sets = append(g.Sets, ts)

	return ts
}

// AddTerm adds a term to ts under parent, or at the top of the set when
// parent is nil.
func (s *Site) AddTerm(ts *TermSet, parent *Term, name string, props map[string]string) *Term {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Term{ID: uuid.New(), Name: name, CustomProperties: props, Parent: parent, Set: ts}
	ts.Terms = append(ts.Terms, t)

	return t
}

func (s *Site) findList(id string) *List {
	for _, l := range s.lists {
		if l.ID.String() == id {
			return l
		}
	}

	return nil
}

func (s *Site) findGroup(id string) *TermGroup {
	for _, g := range s.groups {
		if g.ID.String() == id {
			return g
		}
	}

	return nil
}

func (s *Site) findSet(id uuid.UUID) *TermSet {
	for _, g := range s.groups {
		for _, ts := range g.Sets {
			if ts.ID == id {
				return ts
			}
		}
	}

	return nil
}

func (s *Site) findTerm(id uuid.UUID) *Term {
	for _, g := range s.groups {
		for _, ts := range g.Sets {
			for _, t := range ts.Terms {
				if t.ID == id {
					return t
				}
			}
		}
	}

	return nil
}

func (s *Site) routes() chi.Router {
	r := chi.NewRouter()

	r.Route(SitePath+"/_api", s.restRoutes)
	r.Route("/v1.0", s.graphRoutes)
	r.Post(SitePath+"/_vti_bin/client.svc/ProcessQuery", s.processQuery)

	return r
}

// logRequests records top-level requests and applies pending throttling.
func (s *Site) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.RequestURI())
		throttled := s.throttle > 0

		if throttled {
			s.throttle--
		}
		s.mu.Unlock()

		if throttled {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "TooManyRequests", "message": "throttled"},
			})

			return
		}

		next.ServeHTTP(w, r)
	})
}
