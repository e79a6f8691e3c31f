package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var termCreated = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

func (s *Site) graphRoutes(r chi.Router) {
	r.Get("/users", s.graphUsersList)
	r.Get("/users/{userID}", s.graphUser)

	r.Route("/sites/{siteID}", func(r chi.Router) {
		r.Use(s.requireSite)

		r.Get("/lists", s.graphLists)
		r.Get("/lists/{listID}", s.graphList)

		r.Get("/termStore", s.graphTermStore)
		r.Get("/termStore/groups", s.graphGroups)
		r.Post("/termStore/groups", s.graphAddGroup)
		r.Get("/termStore/groups/{groupID}", s.graphGroup)
		r.Delete("/termStore/groups/{groupID}", s.graphDeleteGroup)
		r.Get("/termStore/groups/{groupID}/sets", s.graphSets)
		r.Post("/termStore/sets", s.graphAddSet)
		r.Get("/termStore/sets/{setID}", s.graphSet)
		r.Delete("/termStore/sets/{setID}", s.graphDeleteSet)
		r.Get("/termStore/sets/{setID}/children", s.graphChildren)
		r.Get("/termStore/sets/{setID}/terms/{termID}", s.graphTerm)
		r.Delete("/termStore/sets/{setID}/terms/{termID}", s.graphDeleteTerm)
	})

	r.Post("/$batch", s.graphBatch)
}

func (s *Site) requireSite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "siteID") != s.GraphSiteID() {
			graphError(w, http.StatusNotFound, "itemNotFound", "Requested site could not be found")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (u *GraphUser) graphRow() map[string]any {
	return map[string]any{
		"id":                u.ID,
		"displayName":       u.DisplayName,
		"mail":              u.Mail,
		"userPrincipalName": u.UserPrincipalName,
		"jobTitle":          u.JobTitle,
	}
}

func (s *Site) graphUsersList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]map[string]any, 0, len(s.graphUsers))
	for _, u := range s.graphUsers {
		rows = append(rows, u.graphRow())
	}

	s.writePage(w, r, rows, true)
}

func (s *Site) graphUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := chi.URLParam(r, "userID")

	for _, u := range s.graphUsers {
		if u.ID == id || strings.EqualFold(u.UserPrincipalName, id) {
			writeJSON(w, http.StatusOK, project(u.graphRow(), r.URL.Query().Get("$select")))
			return
		}
	}

	graphError(w, http.StatusNotFound, "Request_ResourceNotFound", "Resource '"+id+"' does not exist.")
}

func (l *List) graphRow() map[string]any {
	return map[string]any{
		"id":          l.ID.String(),
		"displayName": l.Title,
		"description": l.Description,
		"list":        map[string]any{"template": "genericList", "hidden": false},
	}
}

func (s *Site) graphLists(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]map[string]any, 0, len(s.lists))
	for _, l := range s.lists {
		rows = append(rows, l.graphRow())
	}

	s.writePage(w, r, rows, true)
}

func (s *Site) graphList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findList(chi.URLParam(r, "listID"))
	if l == nil {
		graphError(w, http.StatusNotFound, "itemNotFound", "The specified list was not found")
		return
	}

	writeJSON(w, http.StatusOK, project(l.graphRow(), r.URL.Query().Get("$select")))
}

func (s *Site) graphTermStore(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, project(map[string]any{
		"id":                 s.StoreID.String(),
		"defaultLanguageTag": "en-US",
		"languageTags":       []string{"en-US"},
	}, r.URL.Query().Get("$select")))
}

func (g *TermGroup) graphRow() map[string]any {
	return map[string]any{
		"id":              g.ID.String(),
		"displayName":     g.Name,
		"description":     g.Description,
		"scope":           "global",
		"createdDateTime": termCreated,
	}
}

func (s *Site) graphGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]map[string]any, 0, len(s.groups))
	for _, g := range s.groups {
		rows = append(rows, g.graphRow())
	}

	s.writePage(w, r, rows, true)
}

func (s *Site) graphAddGroup(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		graphError(w, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}

	name, _ := body["displayName"].(string)
	if name == "" {
		graphError(w, http.StatusBadRequest, "invalidRequest", "displayName is required")
		return
	}

	g := s.AddTermGroup(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := body["description"].(string); ok {
		g.Description = d
	}

	writeJSON(w, http.StatusCreated, g.graphRow())
}

func (s *Site) graphGroup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.findGroup(chi.URLParam(r, "groupID"))
	if g == nil {
		graphError(w, http.StatusNotFound, "itemNotFound", "Group not found")
		return
	}

	writeJSON(w, http.StatusOK, project(g.graphRow(), r.URL.Query().Get("$select")))
}

func (s *Site) graphDeleteGroup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.findGroup(chi.URLParam(r, "groupID"))
	if g == nil {
		graphError(w, http.StatusNotFound, "itemNotFound", "Group not found")
		return
	}

	if len(g.Sets) > 0 {
		graphError(w, http.StatusBadRequest, "invalidRequest", "Group is not empty")
		return
	}

	s.groups = slices.DeleteFunc(s.groups, func(x *TermGroup) bool { return x == g })

	w.WriteHeader(http.StatusNoContent)
}

func (ts *TermSet) graphRow() map[string]any {
	return map[string]any{
		"id":              ts.ID.String(),
		"description":     ts.Description,
		"createdDateTime": termCreated,
		"localizedNames": []map[string]any{
			{"name": ts.Name, "languageTag": "en-US"},
		},
	}
}

func (s *Site) graphSets(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.findGroup(chi.URLParam(r, "groupID"))
	if g == nil {
		graphError(w, http.StatusNotFound, "itemNotFound", "Group not found")
		return
	}

	rows := make([]map[string]any, 0, len(g.Sets))
	for _, ts := range g.Sets {
		rows = append(rows, ts.graphRow())
	}

	s.writePage(w, r, rows, true)
}

type addSetBody struct {
	ParentGroup struct {
		ID string `json:"id"`
	} `json:"parentGroup"`
	LocalizedNames []struct {
		Name        string `json:"name"`
		LanguageTag string `json:"languageTag"`
	} `json:"localizedNames"`
	Description string `json:"description"`
}

func (s *Site) graphAddSet(w http.ResponseWriter, r *http.Request) {
	var body addSetBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		graphError(w, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}

	s.mu.Lock()
	g := s.findGroup(body.ParentGroup.ID)
	s.mu.Unlock()

	if g == nil {
		graphError(w, http.StatusBadRequest, "invalidRequest", "parentGroup is required")
		return
	}

	if len(body.LocalizedNames) == 0 || body.LocalizedNames[0].Name == "" {
		graphError(w, http.StatusBadRequest, "invalidRequest", "localizedNames is required")
		return
	}

	ts := s.AddTermSet(g, body.LocalizedNames[0].Name)

	s.mu.Lock()
	defer s.mu.Unlock()

	ts.Description = body.Description

	writeJSON(w, http.StatusCreated, ts.graphRow())
}

func (s *Site) setFor(w http.ResponseWriter, r *http.Request) *TermSet {
	id, err := uuid.Parse(chi.URLParam(r, "setID"))
	if err == nil {
		if ts := s.findSet(id); ts != nil {
			return ts
		}
	}

	graphError(w, http.StatusNotFound, "itemNotFound", "Set not found")

	return nil
}

func (s *Site) graphSet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts := s.setFor(w, r); ts != nil {
		writeJSON(w, http.StatusOK, project(ts.graphRow(), r.URL.Query().Get("$select")))
	}
}

func (s *Site) graphDeleteSet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.setFor(w, r)
	if ts == nil {
		return
	}

	ts.Group.Sets = slices.DeleteFunc(ts.Group.Sets, func(x *TermSet) bool { return x == ts })

	w.WriteHeader(http.StatusNoContent)
}

func (t *Term) graphRow() map[string]any {
	row := map[string]any{
		"id":                   t.ID.String(),
		"createdDateTime":      termCreated,
		"lastModifiedDateTime": termCreated,
		"labels": []map[string]any{
			{"name": t.Name, "languageTag": "en-US", "isDefault": true},
		},
		"descriptions": []map[string]any{},
	}

	if t.Description != "" {
		row["descriptions"] = []map[string]any{{"description": t.Description, "languageTag": "en-US"}}
	}

	props := make([]map[string]any, 0, len(t.CustomProperties))
	for k, v := range t.CustomProperties {
		props = append(props, map[string]any{"key": k, "value": v})
	}

	row["properties"] = props

	return row
}

// graphChildren lists the terms at the top of a set.
func (s *Site) graphChildren(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.setFor(w, r)
	if ts == nil {
		return
	}

	rows := make([]map[string]any, 0, len(ts.Terms))

	for _, t := range ts.Terms {
		if t.Parent == nil {
			rows = append(rows, t.graphRow())
		}
	}

	s.writePage(w, r, rows, true)
}

func (s *Site) graphTerm(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.setFor(w, r)
	if ts == nil {
		return
	}

	id, _ := uuid.Parse(chi.URLParam(r, "termID"))

	for _, t := range ts.Terms {
		if t.ID == id {
			writeJSON(w, http.StatusOK, project(t.graphRow(), r.URL.Query().Get("$select")))
			return
		}
	}

	graphError(w, http.StatusNotFound, "itemNotFound", "Term not found")
}

// graphDeleteTerm removes the term and every term below it.
func (s *Site) graphDeleteTerm(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.setFor(w, r)
	if ts == nil {
		return
	}

	id, _ := uuid.Parse(chi.URLParam(r, "termID"))
	if !slices.ContainsFunc(ts.Terms, func(t *Term) bool { return t.ID == id }) {
		graphError(w, http.StatusNotFound, "itemNotFound", "Term not found")
		return
	}

	ts.Terms = slices.DeleteFunc(ts.Terms, func(t *Term) bool {
		for p := t; p != nil; p = p.Parent {
			if p.ID == id {
				return true
			}
		}

		return false
	})

	w.WriteHeader(http.StatusNoContent)
}

type graphBatchIn struct {
	Requests []struct {
		ID      string            `json:"id"`
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
		Body    json.RawMessage   `json:"body"`
	} `json:"requests"`
}

type graphBatchOut struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// graphBatch serves every member through the router. Responses are
// returned in reverse order; clients must route them by id.
func (s *Site) graphBatch(w http.ResponseWriter, r *http.Request) {
	var in graphBatchIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		graphError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	if len(in.Requests) > 20 {
		graphError(w, http.StatusBadRequest, "BadRequest", "Too many requests in batch")
		return
	}

	out := make([]graphBatchOut, 0, len(in.Requests))

	for i := len(in.Requests) - 1; i >= 0; i-- {
		m := in.Requests[i]

		req := httptest.NewRequest(m.Method, "/v1.0"+m.URL, bytes.NewReader(m.Body))
		for k, v := range m.Headers {
			req.Header.Set(k, v)
		}

		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		res := graphBatchOut{
			ID:      m.ID,
			Status:  rec.Code,
			Headers: map[string]string{"Content-Type": rec.Header().Get("Content-Type")},
		}

		if rec.Body.Len() > 0 {
			res.Body = json.RawMessage(bytes.TrimSpace(rec.Body.Bytes()))
		}

		out = append(out, res)
	}

	writeJSON(w, http.StatusOK, map[string]any{"responses": out})
}
