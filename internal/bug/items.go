package bug

import (
	"sort"
	"time"

	"github.com/bugsync/bugsync/internal/types"
)

// itemSet holds sub-records gathered during a merge.
type itemSet struct {
	comments    []types.Comment
	attachments []types.Attachment
	history     []types.HistoryEntry
}

func (s itemSet) len() int {
	return len(s.comments) + len(s.attachments) + len(s.history)
}

// newerThan returns the items strictly newer than t.
func (s itemSet) newerThan(t time.Time) itemSet {
	var out itemSet
	for _, c := range s.comments {
		if c.CreationTime.After(t) {
			out.comments = append(out.comments, c)
		}
	}
	for _, a := range s.attachments {
		if a.CreationTime.After(t) {
			out.attachments = append(out.attachments, a)
		}
	}
	for _, h := range s.history {
		if h.When.After(t) {
			out.history = append(out.history, h)
		}
	}
	return out
}

// latest returns the newest timestamp in the set.
func (s itemSet) latest() time.Time {
	var t time.Time
	for _, c := range s.comments {
		if c.CreationTime.After(t) {
			t = c.CreationTime
		}
	}
	for _, a := range s.attachments {
		if a.CreationTime.After(t) {
			t = a.CreationTime
		}
	}
	for _, h := range s.history {
		if h.When.After(t) {
			t = h.When
		}
	}
	return t
}

// updates groups the set by timestamp, oldest first. An attachment and the
// comment created alongside it share an instant and land in one Update.
func (s itemSet) updates() []Update {
	byTime := make(map[int64]*Update)
	get := func(t time.Time) *Update {
		k := t.UnixNano()
		u, ok := byTime[k]
		if !ok {
			u = &Update{When: t}
			byTime[k] = u
		}
		return u
	}
	for _, c := range s.comments {
		u := get(c.CreationTime)
		u.Comments = append(u.Comments, c)
	}
	for _, a := range s.attachments {
		u := get(a.CreationTime)
		u.Attachments = append(u.Attachments, a)
	}
	for _, h := range s.history {
		u := get(h.When)
		u.History = append(u.History, h)
	}

	out := make([]Update, 0, len(byTime))
	for _, u := range byTime {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].When.Before(out[j].When) })
	return out
}

// appendMissing appends every sub-record of src that dst lacks and returns
// what was appended. Existing entries are never rewritten; collections stay
// ordered by timestamp.
func appendMissing(dst, src *types.Bug) itemSet {
	var added itemSet

	if len(src.Comments) > 0 {
		have := make(map[int]bool, len(dst.Comments))
		for _, c := range dst.Comments {
			have[c.ID] = true
		}
		for _, c := range src.Comments {
			if have[c.ID] {
				continue
			}
			have[c.ID] = true
			dst.Comments = append(dst.Comments, c)
			added.comments = append(added.comments, c)
		}
		if len(added.comments) > 0 {
			sort.SliceStable(dst.Comments, func(i, j int) bool {
				return dst.Comments[i].CreationTime.Before(dst.Comments[j].CreationTime)
			})
		}
	}

	if len(src.Attachments) > 0 {
		have := make(map[int]bool, len(dst.Attachments))
		for _, a := range dst.Attachments {
			have[a.ID] = true
		}
		for _, a := range src.Attachments {
			if have[a.ID] {
				continue
			}
			have[a.ID] = true
			dst.Attachments = append(dst.Attachments, a)
			added.attachments = append(added.attachments, a)
		}
		if len(added.attachments) > 0 {
			sort.SliceStable(dst.Attachments, func(i, j int) bool {
				return dst.Attachments[i].CreationTime.Before(dst.Attachments[j].CreationTime)
			})
		}
	}

	if len(src.History) > 0 {
		have := make(map[types.HistoryKey]bool, len(dst.History))
		for _, h := range dst.History {
			have[h.Key()] = true
		}
		for _, h := range src.History {
			if have[h.Key()] {
				continue
			}
			have[h.Key()] = true
			dst.History = append(dst.History, h)
			added.history = append(added.history, h)
		}
		if len(added.history) > 0 {
			sort.SliceStable(dst.History, func(i, j int) bool {
				return dst.History[i].When.Before(dst.History[j].When)
			})
		}
	}

	return added
}
