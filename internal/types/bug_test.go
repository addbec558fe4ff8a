package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var base = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

func TestHistoryEntry_CCOnly(t *testing.T) {
	tests := []struct {
		name    string
		changes []Change
		want    bool
	}{
		{"empty", nil, false},
		{"single cc", []Change{{FieldName: "cc"}}, true},
		{"two cc", []Change{{FieldName: "cc"}, {FieldName: "cc"}}, true},
		{"cc and status", []Change{{FieldName: "cc"}, {FieldName: "status"}}, false},
		{"status", []Change{{FieldName: "status"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := HistoryEntry{Who: "a@example.com", When: base, Changes: tt.changes}
			if got := h.CCOnly(); got != tt.want {
				t.Errorf("CCOnly() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLatestChangeCCOnly(t *testing.T) {
	cc := HistoryEntry{Who: "a@example.com", When: base.Add(time.Hour), Changes: []Change{{FieldName: "cc"}}}

	b := &Bug{ID: 1, History: []HistoryEntry{cc}}
	if !b.LatestChangeCCOnly() {
		t.Error("cc-only latest entry not detected")
	}

	b.Comments = []Comment{{ID: 1, CreationTime: base.Add(time.Hour)}}
	if b.LatestChangeCCOnly() {
		t.Error("comment at the same instant should not count as cc-only")
	}

	b.Comments = []Comment{{ID: 1, CreationTime: base}}
	if !b.LatestChangeCCOnly() {
		t.Error("older comment should not affect the latest change")
	}

	if (&Bug{ID: 2}).LatestChangeCCOnly() {
		t.Error("bug without activity reported cc-only")
	}
}

func TestStarred(t *testing.T) {
	b := &Bug{ID: 1}
	if b.Starred() {
		t.Error("bug without comments reported starred")
	}
	b.Comments = []Comment{{ID: 10}, {ID: 11}}
	b.StarredComments = []int{11}
	if b.Starred() {
		t.Error("starring a later comment should not star the bug")
	}
	b.StarredComments = []int{10}
	if !b.Starred() {
		t.Error("first comment starred but Starred() = false")
	}
}

func TestValidate(t *testing.T) {
	if err := (&Bug{ID: 0}).Validate(); err == nil {
		t.Error("Validate() accepted id 0")
	}
	if err := (&Bug{ID: 1, Alias: []string{"a", "a"}}).Validate(); err == nil {
		t.Error("Validate() accepted duplicate alias")
	}
	if err := (&Bug{ID: 1, Alias: []string{"crash-fix"}}).Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestUserDetails(t *testing.T) {
	b := &Bug{
		ID:               1,
		CreatorDetail:    &UserDetail{ID: 1, Email: "a@example.com", RealName: "A"},
		AssignedToDetail: &UserDetail{ID: 1, Email: "a@example.com", RealName: "A"},
		CCDetail:         []UserDetail{{ID: 2, Email: "b@example.com"}, {Email: ""}},
	}
	got := b.UserDetails()
	if len(got) != 2 || got[0].Email != "a@example.com" || got[1].Email != "b@example.com" {
		t.Errorf("UserDetails() = %+v", got)
	}

	b.StripUserDetails()
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "_detail") {
		t.Errorf("stripped record still serializes details: %s", data)
	}
}

func TestClone_Independent(t *testing.T) {
	viewed := base
	attID := 4
	orig := &Bug{
		ID:              1,
		CC:              []string{"a@example.com"},
		Comments:        []Comment{{ID: 1, AttachmentID: &attID}},
		Attachments:     []Attachment{{ID: 4, Data: []byte("x")}},
		History:         []HistoryEntry{{Who: "a", When: base, Changes: []Change{{FieldName: "cc"}}}, {Who: "b", When: base}},
		StarredComments: []int{1},
		LastViewed:      &viewed,
	}

	c := orig.Clone()
	if diff := cmp.Diff(orig, c); diff != "" {
		t.Fatalf("Clone() mismatch (-orig +clone):\n%s", diff)
	}

	c.CC[0] = "z@example.com"
	*c.Comments[0].AttachmentID = 99
	c.Attachments[0].Data[0] = 'y'
	c.History[0].Changes[0].FieldName = "status"
	c.StarredComments[0] = 2
	*c.LastViewed = base.Add(time.Hour)

	if orig.CC[0] != "a@example.com" || attID != 4 || orig.Attachments[0].Data[0] != 'x' ||
		orig.History[0].Changes[0].FieldName != "cc" || orig.StarredComments[0] != 1 ||
		!orig.LastViewed.Equal(base) {
		t.Errorf("mutating the clone changed the original: %+v", orig)
	}
}
