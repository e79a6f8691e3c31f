package testutil

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	listNotFound = "-1, System.ArgumentException"
	itemNotFound = "-2130575338, System.ArgumentException"
)

func (s *Site) restRoutes(r chi.Router) {
	r.Get("/site", s.restSite)
	r.Get("/web", s.restWeb)

	r.Get("/web/lists", s.restLists)
	r.Post("/web/lists", s.restAddList)
	r.Get("/web/lists(guid'{listID}')", s.restList)
	r.Post("/web/lists(guid'{listID}')", s.restWriteList)
	r.Get("/web/lists(guid'{listID}')/items", s.restItems)
	r.Post("/web/lists(guid'{listID}')/items", s.restAddItem)
	r.Get("/web/lists(guid'{listID}')/items({itemID})", s.restItem)
	r.Post("/web/lists(guid'{listID}')/items({itemID})", s.restWriteItem)

	r.Get("/web/siteusers", s.restUsers)
	r.Get("/web/getuserbyid({userID})", s.restUser)

	r.Post("/$batch", s.restBatch)
}

func (s *Site) restSite(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, project(map[string]any{
		"Id":  s.SiteID.String(),
		"Url": "http://" + r.Host + SitePath,
	}, r.URL.Query().Get("$select")))
}

func (s *Site) restWeb(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, project(map[string]any{
		"Id":    s.WebID.String(),
		"Title": "Dev",
	}, r.URL.Query().Get("$select")))
}

func (l *List) restRow(expandItems bool) map[string]any {
	row := map[string]any{
		"Id":                         l.ID.String(),
		"Title":                      l.Title,
		"Description":                l.Description,
		"ItemCount":                  len(l.Items),
		"BaseTemplate":               l.Template,
		"ListItemEntityTypeFullName": l.EntityType,
	}

	if expandItems {
		row["Items"] = l.Items
	}

	return row
}

func (s *Site) restLists(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expand := strings.Contains(r.URL.Query().Get("$expand"), "Items")

	rows := make([]map[string]any, 0, len(s.lists))
	for _, l := range s.lists {
		rows = append(rows, l.restRow(expand))
	}

	s.writePage(w, r, rows, false)
}

func (s *Site) restAddList(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.Client.InvalidClientQueryException", err.Error())
		return
	}

	if metadataType(body) != "SP.List" {
		restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.Client.InvalidClientQueryException",
			"A type named '"+metadataType(body)+"' could not be resolved by the model.")

		return
	}

	title, _ := body["Title"].(string)
	if title == "" {
		restError(w, http.StatusBadRequest, "-2147024809, System.ArgumentException", "Title is required.")
		return
	}

	l := s.AddList(title)

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := body["Description"].(string); ok {
		l.Description = d
	}

	writeJSON(w, http.StatusCreated, l.restRow(false))
}

func (s *Site) restList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findList(chi.URLParam(r, "listID"))
	if l == nil {
		restError(w, http.StatusNotFound, listNotFound, "List does not exist.")
		return
	}

	q := r.URL.Query()
	writeJSON(w, http.StatusOK, project(l.restRow(strings.Contains(q.Get("$expand"), "Items")), q.Get("$select")))
}

func (s *Site) restWriteList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findList(chi.URLParam(r, "listID"))
	if l == nil {
		restError(w, http.StatusNotFound, listNotFound, "List does not exist.")
		return
	}

	switch r.Header.Get("X-HTTP-Method") {
	case "DELETE":
		s.lists = slices.DeleteFunc(s.lists, func(x *List) bool { return x == l })
	case "MERGE":
		body, err := decodeBody(r)
		if err != nil {
			restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.Client.InvalidClientQueryException", err.Error())
			return
		}

		if v, ok := body["Title"].(string); ok {
			l.Title = v
		}

		if v, ok := body["Description"].(string); ok {
			l.Description = v
		}
	default:
		restError(w, http.StatusMethodNotAllowed, "-1, System.InvalidOperationException", "Unsupported method.")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Site) restItems(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findList(chi.URLParam(r, "listID"))
	if l == nil {
		restError(w, http.StatusNotFound, listNotFound, "List does not exist.")
		return
	}

	s.writePage(w, r, l.Items, false)
}

func (s *Site) restAddItem(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findList(chi.URLParam(r, "listID"))
	if l == nil {
		restError(w, http.StatusNotFound, listNotFound, "List does not exist.")
		return
	}

	body, err := decodeBody(r)
	if err != nil {
		restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.Client.InvalidClientQueryException", err.Error())
		return
	}

	if got := metadataType(body); got != l.EntityType {
		restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.Client.InvalidClientQueryException",
			"A type named '"+got+"' could not be resolved by the model.")

		return
	}

	delete(body, "__metadata")
	id := l.add(body)

	writeJSON(w, http.StatusCreated, l.Items[l.itemIndex(id)])
}

func (s *Site) itemFor(w http.ResponseWriter, r *http.Request) (*List, int) {
	l := s.findList(chi.URLParam(r, "listID"))
	if l == nil {
		restError(w, http.StatusNotFound, listNotFound, "List does not exist.")
		return nil, -1
	}

	id, err := strconv.Atoi(chi.URLParam(r, "itemID"))
	if err != nil {
		restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.Client.InvalidClientQueryException", "Bad item id.")
		return nil, -1
	}

	i := l.itemIndex(id)
	if i < 0 {
		restError(w, http.StatusNotFound, itemNotFound, "Item does not exist. It may have been deleted by another user.")
		return nil, -1
	}

	return l, i
}

func (s *Site) restItem(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, i := s.itemFor(w, r)
	if l == nil {
		return
	}

	writeJSON(w, http.StatusOK, project(l.Items[i], r.URL.Query().Get("$select")))
}

func (s *Site) restWriteItem(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, i := s.itemFor(w, r)
	if l == nil {
		return
	}

	switch r.Header.Get("X-HTTP-Method") {
	case "DELETE":
		l.Items = slices.Delete(l.Items, i, i+1)
	case "MERGE":
		body, err := decodeBody(r)
		if err != nil {
			restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.Client.InvalidClientQueryException", err.Error())
			return
		}

		if got := metadataType(body); got != "" && got != l.EntityType {
			restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.Client.InvalidClientQueryException",
				"A type named '"+got+"' could not be resolved by the model.")

			return
		}

		delete(body, "__metadata")

		for k, v := range body {
			if k != "Id" {
				l.Items[i][k] = v
			}
		}
	default:
		restError(w, http.StatusMethodNotAllowed, "-1, System.InvalidOperationException", "Unsupported method.")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (u *User) restRow() map[string]any {
	return map[string]any{
		"Id":          u.ID,
		"Title":       u.Title,
		"Email":       u.Email,
		"LoginName":   u.LoginName,
		"IsSiteAdmin": u.IsSiteAdmin,
	}
}

func (s *Site) restUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]map[string]any, 0, len(s.users))
	for _, u := range s.users {
		rows = append(rows, u.restRow())
	}

	s.writePage(w, r, rows, false)
}

func (s *Site) restUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _ := strconv.Atoi(chi.URLParam(r, "userID"))

	for _, u := range s.users {
		if u.ID == id {
			writeJSON(w, http.StatusOK, project(u.restRow(), r.URL.Query().Get("$select")))
			return
		}
	}

	restError(w, http.StatusNotFound, "-2146232832, Microsoft.SharePoint.SPException", "User cannot be found.")
}

func metadataType(body map[string]any) string {
	md, _ := body["__metadata"].(map[string]any)
	t, _ := md["type"].(string)

	return t
}

// restBatch executes every part of a multipart envelope through the router
// and answers in part order, nesting changeset answers.
func (s *Site) restBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.Client.InvalidClientQueryException", err.Error())
		return
	}

	var out bytes.Buffer

	mw := multipart.NewWriter(&out)

	if err := s.answerParts(mw, r.Header.Get("Content-Type"), body); err != nil {
		restError(w, http.StatusBadRequest, "-1, Microsoft.SharePoint.Client.InvalidClientQueryException", err.Error())
		return
	}

	if err := mw.Close(); err != nil {
		restError(w, http.StatusInternalServerError, "-1, System.IO.IOException", err.Error())
		return
	}

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Bytes())
}

func (s *Site) answerParts(mw *multipart.Writer, contentType string, body []byte) error {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("parsing content type: %w", err)
	}

	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading part: %w", err)
		}

		raw, err := io.ReadAll(part)
		if err != nil {
			return fmt.Errorf("reading part: %w", err)
		}

		if pt := part.Header.Get("Content-Type"); strings.HasPrefix(pt, "multipart/") {
			var nested bytes.Buffer

			cw := multipart.NewWriter(&nested)
			if err := s.answerParts(cw, pt, raw); err != nil {
				return err
			}

			if err := cw.Close(); err != nil {
				return err
			}

			pw, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type": {"multipart/mixed; boundary=" + cw.Boundary()},
			})
			if err != nil {
				return err
			}

			_, _ = pw.Write(nested.Bytes())

			continue
		}

		rec, err := s.dispatchPart(raw)
		if err != nil {
			return err
		}

		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"application/http"},
			"Content-Transfer-Encoding": {"binary"},
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\n", rec.Code, http.StatusText(rec.Code))
		_ = rec.Header().Write(pw)
		fmt.Fprintf(pw, "\r\n%s\r\n", rec.Body.Bytes())
	}
}

// dispatchPart serves one application/http part. The body is whatever
// follows the blank line after the headers.
func (s *Site) dispatchPart(raw []byte) (*httptest.ResponseRecorder, error) {
	head, payload, _ := bytes.Cut(raw, []byte("\r\n\r\n"))

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(append(head, "\r\n\r\n"...))))
	if err != nil {
		return nil, fmt.Errorf("reading part request: %w", err)
	}

	payload = bytes.TrimRight(payload, "\r\n")
	req.Body = io.NopCloser(bytes.NewReader(payload))
	req.ContentLength = int64(len(payload))
	req.RequestURI = ""

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	return rec, nil
}
