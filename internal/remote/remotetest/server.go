// Package remotetest provides an in-process tracker REST server for tests.
//
// It serves the subset of the REST API the remote client uses: bug search
// with boolean charts, bug metadata, comments, history, attachments and the
// version endpoint. Bugs are added with Put and served back as the real
// remote would, split across the sub-resources.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bugsync/bugsync/internal/types"
)

// Server is a fake tracker.
type Server struct {
	srv      *httptest.Server
	requests atomic.Int32

	mu      sync.Mutex
	bugs    map[int]types.Bug
	version string
	fail    map[string]int // path suffix -> status
}

// NewServer starts a fake tracker reporting version 5.0.4.
func NewServer() *Server {
	s := &Server{
		bugs:    make(map[int]types.Bug),
		version: "5.0.4",
		fail:    make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the REST base URL.
func (s *Server) URL() string {
	return s.srv.URL + "/rest"
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// Requests returns the number of requests served.
func (s *Server) Requests() int {
	return int(s.requests.Load())
}

// Put adds or replaces a bug, including its comments, history and
// attachments.
func (s *Server) Put(b types.Bug) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bugs[b.ID] = *b.Clone()
}

// SetVersion changes the reported version.
func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// Fail makes every request whose path ends in suffix answer with status.
// A zero status clears the failure.
func (s *Server) Fail(suffix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.fail, suffix)
		return
	}
	s.fail[suffix] = status
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	path := strings.TrimPrefix(r.URL.Path, "/rest")

	s.mu.Lock()
	defer s.mu.Unlock()

	for suffix, status := range s.fail {
		if strings.HasSuffix(path, suffix) {
			w.WriteHeader(status)
			writeJSON(w, map[string]any{"error": true, "code": status, "message": "injected failure"})
			return
		}
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case path == "/version":
		writeJSON(w, map[string]string{"version": s.version})
	case path == "/bug":
		s.serveBugs(w, r)
	case len(parts) == 3 && parts[0] == "bug" && parts[1] == "attachment":
		s.serveAttachment(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "bug":
		first, err := strconv.Atoi(parts[1])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		ids := append([]int{first}, parseIDs(r.URL.Query().Get("ids"))...)
		s.serveSub(w, r, parts[2], ids)
	default:
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"error": true, "code": 404, "message": "not found"})
	}
}

func (s *Server) serveBugs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var out []types.Bug
	if ids := q.Get("id"); ids != "" {
		for _, id := range parseIDs(ids) {
			if b, ok := s.bugs[id]; ok {
				b.Comments, b.History, b.Attachments = nil, nil, nil
				out = append(out, b)
			}
		}
	} else {
		match := compile(q)
		for _, id := range s.sortedIDs() {
			b := s.bugs[id]
			if match(&b) {
				out = append(out, types.Bug{ID: b.ID, LastChangeTime: b.LastChangeTime})
			}
		}
	}
	if out == nil {
		out = []types.Bug{}
	}
	writeJSON(w, map[string]any{"bugs": out})
}

func (s *Server) serveSub(w http.ResponseWriter, r *http.Request, resource string, ids []int) {
	switch resource {
	case "comment":
		out := make(map[string]map[string][]types.Comment)
		for _, id := range ids {
			if b, ok := s.bugs[id]; ok {
				out[strconv.Itoa(id)] = map[string][]types.Comment{"comments": nonNil(b.Comments)}
			}
		}
		writeJSON(w, map[string]any{"bugs": out})
	case "history":
		type entry struct {
			ID      int                  `json:"id"`
			History []types.HistoryEntry `json:"history"`
		}
		var out []entry
		for _, id := range ids {
			if b, ok := s.bugs[id]; ok {
				out = append(out, entry{ID: id, History: nonNil(b.History)})
			}
		}
		writeJSON(w, map[string]any{"bugs": out})
	case "attachment":
		withData := r.URL.Query().Get("exclude_fields") != "data"
		out := make(map[string][]types.Attachment)
		for _, id := range ids {
			if b, ok := s.bugs[id]; ok {
				list := make([]types.Attachment, 0, len(b.Attachments))
				for _, a := range b.Attachments {
					if !withData {
						a.Data = nil
					}
					list = append(list, a)
				}
				out[strconv.Itoa(id)] = list
			}
		}
		writeJSON(w, map[string]any{"bugs": out})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveAttachment(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.Atoi(rawID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	withData := r.URL.Query().Get("exclude_fields") != "data"
	for _, b := range s.bugs {
		for _, a := range b.Attachments {
			if a.ID == id {
				if !withData {
					a.Data = nil
				}
				writeJSON(w, map[string]any{"attachments": map[string]types.Attachment{rawID: a}})
				return
			}
		}
	}
	w.WriteHeader(http.StatusNotFound)
	writeJSON(w, map[string]any{"error": true, "code": 100, "message": "attachment not found"})
}

func (s *Server) sortedIDs() []int {
	ids := make([]int, 0, len(s.bugs))
	for id := range s.bugs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

type predicate func(b *types.Bug) bool

type group struct {
	or    bool
	terms []predicate
}

func (g *group) eval(b *types.Bug) bool {
	if len(g.terms) == 0 {
		return true
	}
	for _, t := range g.terms {
		ok := t(b)
		if g.or && ok {
			return true
		}
		if !g.or && !ok {
			return false
		}
	}
	return !g.or
}

// compile turns boolean-chart parameters into a predicate.
func compile(q map[string][]string) predicate {
	get := func(key string) string {
		if v := q[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	stack := []*group{{}}
	for n := 1; ; n++ {
		i := strconv.Itoa(n)
		field := get("f" + i)
		if field == "" {
			break
		}
		top := stack[len(stack)-1]
		switch field {
		case "OP":
			stack = append(stack, &group{or: get("j"+i) == "OR"})
		case "CP":
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
				stack[len(stack)-1].terms = append(stack[len(stack)-1].terms, top.eval)
			}
		default:
			top.terms = append(top.terms, condition(field, get("o"+i), get("v"+i)))
		}
	}
	for len(stack) > 1 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack[len(stack)-1].terms = append(stack[len(stack)-1].terms, top.eval)
	}
	return stack[0].eval
}

func condition(field, op, value string) predicate {
	switch field {
	case "delta_ts":
		since, err := time.Parse(time.RFC3339, value)
		if err != nil || op != "greaterthan" {
			return func(*types.Bug) bool { return false }
		}
		return func(b *types.Bug) bool { return b.LastChangeTime.After(since) }
	case "resolution":
		return func(b *types.Bug) bool {
			res := b.Resolution
			if res == "" {
				res = "---"
			}
			return res == value
		}
	case "bug_id":
		ids := parseIDs(value)
		return func(b *types.Bug) bool { return slices.Contains(ids, b.ID) }
	case "reporter":
		return func(b *types.Bug) bool { return strings.EqualFold(b.Creator, value) }
	case "assigned_to":
		return func(b *types.Bug) bool { return strings.EqualFold(b.AssignedTo, value) }
	case "qa_contact":
		return func(b *types.Bug) bool { return strings.EqualFold(b.QAContact, value) }
	case "cc":
		return func(b *types.Bug) bool { return containsFold(b.CC, value) }
	case "bug_mentor":
		return func(b *types.Bug) bool { return containsFold(b.Mentors, value) }
	case "requestees.login_name":
		return func(b *types.Bug) bool {
			for _, f := range b.Flags {
				if strings.EqualFold(f.Requestee, value) {
					return true
				}
			}
			return false
		}
	default:
		return func(*types.Bug) bool { return false }
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func parseIDs(s string) []int {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		if id, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
