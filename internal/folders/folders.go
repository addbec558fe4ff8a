// Package folders derives the named bug folders (inbox, starred, assigned,
// ...) from the bug cache.
//
// Folders are not stored. Each one is a predicate over the cached records,
// evaluated on demand for the signed-in account; no network access happens
// here.
package folders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bugsync/bugsync/internal/cache"
	"github.com/bugsync/bugsync/internal/prefs"
	"github.com/bugsync/bugsync/internal/types"
)

// Folder names.
const (
	Inbox    = "inbox"
	Starred  = "starred"
	Watching = "watching"
	Reported = "reported"
	Assigned = "assigned"
	Mentor   = "mentor"
	QA       = "qa"
	Requests = "requests"
	All      = "all"
)

// InboxWindow is how far back a change still counts as recent for the inbox.
const InboxWindow = 11 * 24 * time.Hour

// ErrUnknownFolder is returned for folder names that are not defined.
var ErrUnknownFolder = errors.New("unknown folder")

// Names lists every folder in display order.
var Names = []string{Inbox, Starred, Watching, Reported, Assigned, Mentor, QA, Requests, All}

// Count holds the size of one folder.
type Count struct {
	Total  int `json:"total" yaml:"total"`
	Unread int `json:"unread" yaml:"unread"`
}

// Engine evaluates folders for one account.
type Engine struct {
	cache *cache.Cache
	prefs *prefs.Prefs
	email string
	now   func() time.Time
}

// New returns an engine for the account identified by email.
func New(c *cache.Cache, p *prefs.Prefs, email string) *Engine {
	return &Engine{cache: c, prefs: p, email: email, now: time.Now}
}

// SetClock replaces the time source used for the inbox window.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

type predicate func(b *types.Bug) bool

func (e *Engine) predicate(ctx context.Context, name string) (predicate, error) {
	switch name {
	case Watching:
		return func(b *types.Bug) bool { return e.contains(b.CC) }, nil
	case Reported:
		return func(b *types.Bug) bool { return e.is(b.Creator) }, nil
	case Assigned:
		return func(b *types.Bug) bool { return e.is(b.AssignedTo) }, nil
	case Mentor:
		return func(b *types.Bug) bool { return e.contains(b.Mentors) }, nil
	case QA:
		return func(b *types.Bug) bool { return e.is(b.QAContact) }, nil
	case Requests:
		return e.requested, nil
	case All:
		return e.subscribed, nil
	case Starred:
		return (*types.Bug).Starred, nil
	case Inbox:
		ignoreCC, err := e.prefs.IgnoreCC(ctx)
		if err != nil {
			return nil, err
		}
		cutoff := e.now().Add(-InboxWindow)
		return func(b *types.Bug) bool {
			if b.Unread {
				return true
			}
			if !b.LastChangeTime.After(cutoff) {
				return false
			}
			return !ignoreCC || !b.LatestChangeCCOnly()
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFolder, name)
}

func (e *Engine) is(addr string) bool {
	return addr != "" && strings.EqualFold(addr, e.email)
}

func (e *Engine) contains(addrs []string) bool {
	for _, a := range addrs {
		if e.is(a) {
			return true
		}
	}
	return false
}

func (e *Engine) requested(b *types.Bug) bool {
	for _, f := range b.Flags {
		if e.is(f.Requestee) {
			return true
		}
	}
	return false
}

// subscribed is the union of the per-role folders.
func (e *Engine) subscribed(b *types.Bug) bool {
	return e.contains(b.CC) ||
		e.is(b.Creator) ||
		e.is(b.AssignedTo) ||
		e.contains(b.Mentors) ||
		e.is(b.QAContact) ||
		e.requested(b)
}

// Folder returns the bugs in the named folder, most recently changed first.
// Placeholders without remote data never match.
func (e *Engine) Folder(ctx context.Context, name string) ([]*types.Bug, error) {
	match, err := e.predicate(ctx, name)
	if err != nil {
		return nil, err
	}
	all, err := e.cache.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []*types.Bug
	for _, ent := range all {
		b := ent.Snapshot()
		if b.HasData() && match(b) {
			out = append(out, b)
		}
	}
	sortByChange(out)
	return out, nil
}

// Counts returns the total and unread size of every folder.
func (e *Engine) Counts(ctx context.Context) (map[string]Count, error) {
	preds := make(map[string]predicate, len(Names))
	for _, name := range Names {
		p, err := e.predicate(ctx, name)
		if err != nil {
			return nil, err
		}
		preds[name] = p
	}
	all, err := e.cache.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]Count, len(Names))
	for _, name := range Names {
		counts[name] = Count{}
	}
	for _, ent := range all {
		b := ent.Snapshot()
		if !b.HasData() {
			continue
		}
		for name, p := range preds {
			if !p(b) {
				continue
			}
			c := counts[name]
			c.Total++
			if b.Unread {
				c.Unread++
			}
			counts[name] = c
		}
	}
	return counts, nil
}

// sortByChange orders bugs by last_change_time descending, then by ID.
func sortByChange(bugs []*types.Bug) {
	sort.SliceStable(bugs, func(i, j int) bool {
		a, b := bugs[i], bugs[j]
		if !a.LastChangeTime.Equal(b.LastChangeTime) {
			return a.LastChangeTime.After(b.LastChangeTime)
		}
		return a.ID < b.ID
	})
}
