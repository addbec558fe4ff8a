// Package types defines the bug records exchanged with the remote tracker and
// persisted in the local store.
//
// Field names follow the remote REST representation so that records can be
// decoded straight off the wire. Local-only annotations carry a leading
// underscore in their JSON name and are never sent back to the remote.
package types

import (
	"fmt"
	"sort"
	"time"
)

// CCField is the history field name recorded when someone is added to or
// removed from a bug's CC list.
const CCField = "cc"

// Bug is one issue record.
type Bug struct {
	// ===== Core Identification =====
	ID    int      `json:"id"`
	Alias []string `json:"alias,omitempty"`

	// ===== Bug Content =====
	Summary    string   `json:"summary,omitempty"`
	Status     string   `json:"status,omitempty"`
	Resolution string   `json:"resolution,omitempty"`
	Severity   string   `json:"severity,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Product    string   `json:"product,omitempty"`
	Component  string   `json:"component,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`

	// ===== People =====
	Creator    string   `json:"creator,omitempty"`
	AssignedTo string   `json:"assigned_to,omitempty"`
	QAContact  string   `json:"qa_contact,omitempty"`
	CC         []string `json:"cc,omitempty"`
	Mentors    []string `json:"mentors,omitempty"`
	Flags      []Flag   `json:"flags,omitempty"`

	// Detail objects are returned by the remote alongside the plain
	// addresses. They are moved into the users partition on sync and never
	// stored on the bug itself.
	CreatorDetail    *UserDetail  `json:"creator_detail,omitempty"`
	AssignedToDetail *UserDetail  `json:"assigned_to_detail,omitempty"`
	QAContactDetail  *UserDetail  `json:"qa_contact_detail,omitempty"`
	CCDetail         []UserDetail `json:"cc_detail,omitempty"`

	// ===== Timestamps =====
	CreationTime   time.Time `json:"creation_time"`
	LastChangeTime time.Time `json:"last_change_time"`

	// ===== Sub-records (append-only) =====
	Comments    []Comment      `json:"comments,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	History     []HistoryEntry `json:"history,omitempty"`

	// ===== Local annotations =====
	Unread          bool       `json:"_unread,omitempty"`
	StarredComments []int      `json:"_starred_comments,omitempty"`
	LastViewed      *time.Time `json:"_last_viewed,omitempty"`
}

// Flag is a review/needinfo style request attached to a bug.
type Flag struct {
	ID               int       `json:"id"`
	TypeID           int       `json:"type_id,omitempty"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	Setter           string    `json:"setter,omitempty"`
	Requestee        string    `json:"requestee,omitempty"`
	CreationDate     time.Time `json:"creation_date"`
	ModificationDate time.Time `json:"modification_date"`
}

// Comment is a single immutable comment.
type Comment struct {
	ID           int       `json:"id"`
	BugID        int       `json:"bug_id"`
	Count        int       `json:"count"`
	Creator      string    `json:"creator"`
	CreationTime time.Time `json:"creation_time"`
	Text         string    `json:"text"`
	AttachmentID *int      `json:"attachment_id,omitempty"`
	IsPrivate    bool      `json:"is_private,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// Attachment is attachment metadata. Data is only populated by an explicit
// single-attachment fetch and is stripped before a bug is persisted.
type Attachment struct {
	ID             int       `json:"id"`
	BugID          int       `json:"bug_id"`
	FileName       string    `json:"file_name"`
	Summary        string    `json:"summary"`
	ContentType    string    `json:"content_type"`
	Size           int       `json:"size"`
	Creator        string    `json:"creator"`
	CreationTime   time.Time `json:"creation_time"`
	LastChangeTime time.Time `json:"last_change_time"`
	IsObsolete     bool      `json:"is_obsolete"`
	IsPatch        bool      `json:"is_patch"`
	IsPrivate      bool      `json:"is_private,omitempty"`
	Data           []byte    `json:"data,omitempty"`
}

// HistoryEntry groups the field changes one person made at one instant.
type HistoryEntry struct {
	Who     string    `json:"who"`
	When    time.Time `json:"when"`
	Changes []Change  `json:"changes"`
}

// Change is a single field-level change inside a HistoryEntry.
type Change struct {
	FieldName    string `json:"field_name"`
	Added        string `json:"added"`
	Removed      string `json:"removed"`
	AttachmentID *int   `json:"attachment_id,omitempty"`
}

// HistoryKey identifies a history entry. The remote assigns no ID to history
// entries, so the (who, when) pair is used instead.
type HistoryKey struct {
	Who  string
	When int64
}

// Key returns the identity of the entry.
func (h HistoryEntry) Key() HistoryKey {
	return HistoryKey{Who: h.Who, When: h.When.UnixNano()}
}

// CCOnly reports whether every change in the entry touches the CC field.
// An entry without changes is not considered CC-only.
func (h HistoryEntry) CCOnly() bool {
	if len(h.Changes) == 0 {
		return false
	}
	for _, c := range h.Changes {
		if c.FieldName != CCField {
			return false
		}
	}
	return true
}

// Validate checks that the record can be stored.
func (b *Bug) Validate() error {
	if b.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", b.ID)
	}
	seen := make(map[string]bool, len(b.Alias))
	for _, a := range b.Alias {
		if a == "" {
			return fmt.Errorf("bug %d: empty alias", b.ID)
		}
		if seen[a] {
			return fmt.Errorf("bug %d: duplicate alias %q", b.ID, a)
		}
		seen[a] = true
	}
	return nil
}

// HasData reports whether the record carries remote metadata. Placeholders
// created from a bare ID have none.
func (b *Bug) HasData() bool {
	return !b.LastChangeTime.IsZero()
}

// Starred reports whether the first comment is in the starred-comment set.
func (b *Bug) Starred() bool {
	if len(b.Comments) == 0 {
		return false
	}
	first := b.Comments[0].ID
	for _, id := range b.StarredComments {
		if id == first {
			return true
		}
	}
	return false
}

// Participants returns every address involved in the bug, sorted and deduped.
func (b *Bug) Participants() []string {
	set := make(map[string]struct{})
	add := func(s string) {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	add(b.Creator)
	add(b.AssignedTo)
	add(b.QAContact)
	for _, s := range b.CC {
		add(s)
	}
	for _, s := range b.Mentors {
		add(s)
	}
	for _, c := range b.Comments {
		add(c.Creator)
	}
	for _, h := range b.History {
		add(h.Who)
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// LatestChangeCCOnly reports whether the most recent activity on the bug is a
// CC-only history entry, with no comment or attachment at the same instant.
func (b *Bug) LatestChangeCCOnly() bool {
	var latest time.Time
	for _, c := range b.Comments {
		if c.CreationTime.After(latest) {
			latest = c.CreationTime
		}
	}
	for _, a := range b.Attachments {
		if a.CreationTime.After(latest) {
			latest = a.CreationTime
		}
	}
	for _, h := range b.History {
		if h.When.After(latest) {
			latest = h.When
		}
	}
	if latest.IsZero() {
		return false
	}

	sawHistory := false
	for _, c := range b.Comments {
		if c.CreationTime.Equal(latest) {
			return false
		}
	}
	for _, a := range b.Attachments {
		if a.CreationTime.Equal(latest) {
			return false
		}
	}
	for _, h := range b.History {
		if h.When.Equal(latest) {
			if !h.CCOnly() {
				return false
			}
			sawHistory = true
		}
	}
	return sawHistory
}

// StripAttachmentData drops binary payloads so they are never persisted.
func (b *Bug) StripAttachmentData() {
	for i := range b.Attachments {
		b.Attachments[i].Data = nil
	}
}

// UserDetails returns the detail objects carried by the record, deduped by
// email.
func (b *Bug) UserDetails() []UserDetail {
	var out []UserDetail
	seen := make(map[string]bool)
	add := func(u *UserDetail) {
		if u == nil || u.Email == "" || seen[u.Email] {
			return
		}
		seen[u.Email] = true
		out = append(out, *u)
	}
	add(b.CreatorDetail)
	add(b.AssignedToDetail)
	add(b.QAContactDetail)
	for i := range b.CCDetail {
		add(&b.CCDetail[i])
	}
	return out
}

// StripUserDetails drops the detail objects from the record.
func (b *Bug) StripUserDetails() {
	b.CreatorDetail = nil
	b.AssignedToDetail = nil
	b.QAContactDetail = nil
	b.CCDetail = nil
}

// Clone returns a deep copy of the record.
func (b *Bug) Clone() *Bug {
	if b == nil {
		return nil
	}
	c := *b
	c.Alias = cloneStrings(b.Alias)
	c.Keywords = cloneStrings(b.Keywords)
	c.CC = cloneStrings(b.CC)
	c.Mentors = cloneStrings(b.Mentors)
	c.CreatorDetail = cloneUser(b.CreatorDetail)
	c.AssignedToDetail = cloneUser(b.AssignedToDetail)
	c.QAContactDetail = cloneUser(b.QAContactDetail)
	if b.CCDetail != nil {
		c.CCDetail = append([]UserDetail(nil), b.CCDetail...)
	}
	if b.Flags != nil {
		c.Flags = append([]Flag(nil), b.Flags...)
	}
	if b.Comments != nil {
		c.Comments = make([]Comment, len(b.Comments))
		for i, cm := range b.Comments {
			cm.AttachmentID = cloneIntPtr(cm.AttachmentID)
			cm.Tags = cloneStrings(cm.Tags)
			c.Comments[i] = cm
		}
	}
	if b.Attachments != nil {
		c.Attachments = make([]Attachment, len(b.Attachments))
		for i, a := range b.Attachments {
			if a.Data != nil {
				a.Data = append([]byte(nil), a.Data...)
			}
			c.Attachments[i] = a
		}
	}
	if b.History != nil {
		c.History = make([]HistoryEntry, len(b.History))
		for i, h := range b.History {
			if h.Changes != nil {
				changes := make([]Change, len(h.Changes))
				for j, ch := range h.Changes {
					ch.AttachmentID = cloneIntPtr(ch.AttachmentID)
					changes[j] = ch
				}
				h.Changes = changes
			}
			c.History[i] = h
		}
	}
	if b.StarredComments != nil {
		c.StarredComments = append([]int(nil), b.StarredComments...)
	}
	if b.LastViewed != nil {
		t := *b.LastViewed
		c.LastViewed = &t
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneUser(u *UserDetail) *UserDetail {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
