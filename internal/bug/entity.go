// Package bug implements the in-memory Bug Entity: one cached issue record,
// its derived read-only properties, and the merge operation that reconciles
// incoming remote data into it.
//
// Merge is the single point of truth for cache mutation. Both the polling
// sync controller and the push client end up here, so a bug converges to the
// same state no matter which channel delivered an update first.
//
// Every mutation follows the same order: change the in-memory record, persist
// it through the Saver, then notify listeners. If persisting fails the
// in-memory record is restored and the error is returned.
package bug

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/bugsync/bugsync/internal/types"
)

// Saver persists a bug record.
type Saver interface {
	Save(ctx context.Context, b *types.Bug) error
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(ctx context.Context, b *types.Bug) error

// Save implements Saver.
func (f SaverFunc) Save(ctx context.Context, b *types.Bug) error { return f(ctx, b) }

// Loader reads back the persisted copy of a bug. When the Saver also
// implements Loader, every mutation first takes the local annotations
// (unread, starred comments, last viewed) from the stored record, so an
// annotation written by another process sharing the store is not
// overwritten by this entity's older copy.
type Loader interface {
	Load(ctx context.Context, id int) (rec *types.Bug, ok bool, err error)
}

// MergeOptions tunes the unread classification of a merge.
type MergeOptions struct {
	// IgnoreCC leaves a previously viewed bug read when the only new
	// activity is CC list churn.
	IgnoreCC bool

	// MarkRead forces unread=false. Used on the first sync, when there is no
	// meaningful baseline for "new".
	MarkRead bool
}

// MergeResult summarizes what a merge did.
type MergeResult struct {
	// Created is true when the entity had no remote data before the merge.
	Created bool
	// Changed is true when the stored record was modified.
	Changed bool
	// NewItems counts comments, attachments and history entries newer than
	// the previous watermark.
	NewItems int
	// Unread is the unread flag after the merge.
	Unread bool
}

// Entity is the cached representation of one bug.
type Entity struct {
	mu     sync.Mutex
	rec    *types.Bug
	saver  Saver
	notify Listener
}

// New wraps an existing record. rec is owned by the entity afterwards.
func New(rec *types.Bug, saver Saver, notify Listener) *Entity {
	if notify == nil {
		notify = func(Event) {}
	}
	return &Entity{rec: rec, saver: saver, notify: notify}
}

// NewPlaceholder returns an entity that only knows its ID. It turns into a
// full entity on the first merge.
func NewPlaceholder(id int, saver Saver, notify Listener) *Entity {
	return New(&types.Bug{ID: id}, saver, notify)
}

// ID returns the bug ID.
func (e *Entity) ID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.ID
}

// Snapshot returns a deep copy of the current record.
func (e *Entity) Snapshot() *types.Bug {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}

// HasData reports whether the entity holds remote metadata.
func (e *Entity) HasData() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.HasData()
}

// Unread reports the local unread flag.
func (e *Entity) Unread() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Unread
}

// Starred reports whether the bug's first comment is starred.
func (e *Entity) Starred() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Starred()
}

// LastViewed returns when the user last opened the bug.
func (e *Entity) LastViewed() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.LastViewed == nil {
		return time.Time{}, false
	}
	return *e.rec.LastViewed, true
}

// LastChangeTime returns the watermark.
func (e *Entity) LastChangeTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.LastChangeTime
}

// Participants returns every address involved in the bug.
func (e *Entity) Participants() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Participants()
}

// Merge reconciles incoming into the entity.
//
// incoming may be a metadata-only record, a sub-records-only record, or a
// full record. Sub-records already present are never duplicated; sub-records
// older than the watermark that are missing are still appended, which keeps
// the merge commutative for out-of-order updates. Scalars are only taken from
// an incoming record that is not older than the watermark.
func (e *Entity) Merge(ctx context.Context, incoming *types.Bug, opts MergeOptions) (MergeResult, error) {
	if incoming == nil {
		return MergeResult{}, fmt.Errorf("nil incoming record")
	}

	in := incoming.Clone()
	in.StripAttachmentData()
	in.StripUserDetails()

	e.mu.Lock()
	if in.ID != e.rec.ID {
		e.mu.Unlock()
		return MergeResult{}, fmt.Errorf("cannot merge bug %d into bug %d", in.ID, e.rec.ID)
	}
	if err := e.reloadAnnotations(ctx); err != nil {
		e.mu.Unlock()
		return MergeResult{}, err
	}

	prev := e.rec.Clone()
	var (
		res    MergeResult
		events []Event
	)

	if !e.rec.HasData() {
		// Placeholder: take the incoming record as is. Local annotations and
		// any sub-records that arrived earlier are kept.
		rec := e.rec
		mergeScalars(rec, in)
		appendMissing(rec, in)
		if in.LastChangeTime.After(rec.LastChangeTime) {
			rec.LastChangeTime = in.LastChangeTime
		}
		if rec.HasData() {
			rec.Unread = !opts.MarkRead
			res.Created = true
			events = append(events, Event{Kind: EventCreated, BugID: rec.ID})
		}
	} else {
		watermark := e.rec.LastChangeTime
		added := appendMissing(e.rec, in)
		fresh := added.newerThan(watermark)
		res.NewItems = fresh.len()

		if !in.LastChangeTime.Before(watermark) {
			mergeScalars(e.rec, in)
		}

		latest := watermark
		if in.LastChangeTime.After(latest) {
			latest = in.LastChangeTime
		}
		if t := fresh.latest(); t.After(latest) {
			latest = t
		}
		e.rec.LastChangeTime = latest

		advanced := latest.After(watermark) || res.NewItems > 0
		switch {
		case opts.MarkRead:
			e.rec.Unread = false
		case advanced && shouldMarkUnread(prev, fresh, opts.IgnoreCC):
			e.rec.Unread = true
		}

		for _, u := range fresh.updates() {
			u := u
			events = append(events, Event{Kind: EventUpdated, BugID: e.rec.ID, Update: &u})
		}
	}

	res.Unread = e.rec.Unread
	res.Changed = !reflect.DeepEqual(prev, e.rec)

	if res.Changed {
		if err := e.saver.Save(ctx, e.rec.Clone()); err != nil {
			e.rec = prev
			e.mu.Unlock()
			return MergeResult{}, fmt.Errorf("failed to persist bug %d: %w", prev.ID, err)
		}
	}
	e.mu.Unlock()

	if res.Changed {
		for _, ev := range events {
			e.notify(ev)
		}
	}
	return res, nil
}

// shouldMarkUnread applies the unread precedence rules; the first match wins.
func shouldMarkUnread(prev *types.Bug, fresh itemSet, ignoreCC bool) bool {
	if !ignoreCC {
		return true
	}
	if prev.LastViewed == nil {
		return true
	}
	if len(fresh.comments) > 0 || len(fresh.attachments) > 0 {
		return true
	}
	for _, h := range fresh.history {
		for _, c := range h.Changes {
			if c.FieldName != types.CCField {
				return true
			}
		}
	}
	return false
}

// mergeScalars copies every field present on src into dst. Empty strings and
// nil slices count as absent. Resolution travels with Status because an open
// bug legitimately has an empty resolution.
func mergeScalars(dst, src *types.Bug) {
	setString := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	setString(&dst.Summary, src.Summary)
	setString(&dst.Severity, src.Severity)
	setString(&dst.Priority, src.Priority)
	setString(&dst.Product, src.Product)
	setString(&dst.Component, src.Component)
	setString(&dst.Creator, src.Creator)
	setString(&dst.AssignedTo, src.AssignedTo)
	setString(&dst.QAContact, src.QAContact)

	if src.Status != "" {
		dst.Status = src.Status
		dst.Resolution = src.Resolution
	} else {
		setString(&dst.Resolution, src.Resolution)
	}

	if src.Alias != nil {
		dst.Alias = append([]string(nil), src.Alias...)
	}
	if src.Keywords != nil {
		dst.Keywords = append([]string(nil), src.Keywords...)
	}
	if src.CC != nil {
		dst.CC = append([]string(nil), src.CC...)
	}
	if src.Mentors != nil {
		dst.Mentors = append([]string(nil), src.Mentors...)
	}
	if src.Flags != nil {
		dst.Flags = append([]types.Flag(nil), src.Flags...)
	}
	if !src.CreationTime.IsZero() {
		dst.CreationTime = src.CreationTime
	}
}

// SetStarred stars or unstars the bug by adding or removing its first
// comment from the starred-comment set. It fails for a bug whose comments
// have not been fetched yet.
func (e *Entity) SetStarred(ctx context.Context, starred bool) error {
	return e.annotate(ctx, func(b *types.Bug) error {
		if len(b.Comments) == 0 {
			return fmt.Errorf("bug %d has no comments loaded", b.ID)
		}
		first := b.Comments[0].ID
		kept := b.StarredComments[:0:0]
		for _, id := range b.StarredComments {
			if id != first {
				kept = append(kept, id)
			}
		}
		if starred {
			kept = append(kept, first)
		}
		if len(kept) == 0 {
			kept = nil
		}
		b.StarredComments = kept
		return nil
	})
}

// SetUnread sets the unread flag.
func (e *Entity) SetUnread(ctx context.Context, unread bool) error {
	return e.annotate(ctx, func(b *types.Bug) error {
		b.Unread = unread
		return nil
	})
}

// MarkViewed records that the user opened the bug at the given time and
// marks it read.
func (e *Entity) MarkViewed(ctx context.Context, at time.Time) error {
	return e.annotate(ctx, func(b *types.Bug) error {
		t := at.UTC()
		b.LastViewed = &t
		b.Unread = false
		return nil
	})
}

func (e *Entity) annotate(ctx context.Context, fn func(b *types.Bug) error) error {
	e.mu.Lock()
	if err := e.reloadAnnotations(ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	prev := e.rec.Clone()
	if err := fn(e.rec); err != nil {
		e.rec = prev
		e.mu.Unlock()
		return err
	}
	if reflect.DeepEqual(prev, e.rec) {
		e.mu.Unlock()
		return nil
	}
	if err := e.saver.Save(ctx, e.rec.Clone()); err != nil {
		e.rec = prev
		e.mu.Unlock()
		return fmt.Errorf("failed to persist bug %d: %w", prev.ID, err)
	}
	id := e.rec.ID
	e.mu.Unlock()

	e.notify(Event{Kind: EventAnnotated, BugID: id})
	return nil
}

// reloadAnnotations copies the stored record's annotations into e.rec.
// Callers hold e.mu.
func (e *Entity) reloadAnnotations(ctx context.Context) error {
	l, ok := e.saver.(Loader)
	if !ok {
		return nil
	}
	stored, found, err := l.Load(ctx, e.rec.ID)
	if err != nil {
		return fmt.Errorf("failed to read stored bug %d: %w", e.rec.ID, err)
	}
	if !found {
		return nil
	}
	e.rec.Unread = stored.Unread
	e.rec.StarredComments = nil
	if len(stored.StarredComments) > 0 {
		e.rec.StarredComments = append([]int(nil), stored.StarredComments...)
	}
	e.rec.LastViewed = nil
	if stored.LastViewed != nil {
		t := *stored.LastViewed
		e.rec.LastViewed = &t
	}
	return nil
}
