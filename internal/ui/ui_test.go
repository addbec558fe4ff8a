package ui

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bugsync/bugsync/internal/folders"
	"github.com/bugsync/bugsync/internal/remote"
	bsync "github.com/bugsync/bugsync/internal/sync"
	"github.com/bugsync/bugsync/internal/types"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestPrinter() (*Printer, *bytes.Buffer) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.SetClock(func() time.Time { return now })
	return p, &buf
}

func TestPlainOutputWhenNotTerminal(t *testing.T) {
	p, buf := newTestPrinter()
	p.Folder("inbox", []*types.Bug{{ID: 1, Summary: "x", Unread: true, LastChangeTime: now}})
	if strings.Contains(buf.String(), "\x1b[") {
		t.Errorf("expected no escape sequences, got %q", buf.String())
	}
	if IsTerminal(buf) {
		t.Error("a buffer is not a terminal")
	}
}

func TestFolder(t *testing.T) {
	p, buf := newTestPrinter()
	bugs := []*types.Bug{
		{
			ID: 100, Status: "NEW", Summary: "Crash on startup",
			LastChangeTime:  now.Add(-2 * time.Hour),
			Comments:        []types.Comment{{ID: 7}},
			StarredComments: []int{7},
		},
		{ID: 101, Status: "RESOLVED", Summary: strings.Repeat("long ", 30), LastChangeTime: now.Add(-48 * time.Hour)},
	}
	p.Folder("inbox", bugs)
	out := buf.String()

	for _, want := range []string{"inbox (2)", "* 100", "Crash on startup", "2 hours ago", "101", "..."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFolder_Empty(t *testing.T) {
	p, buf := newTestPrinter()
	p.Folder("starred", nil)
	if !strings.Contains(buf.String(), "no bugs") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestCounts(t *testing.T) {
	p, buf := newTestPrinter()
	p.Counts(map[string]folders.Count{
		folders.Inbox: {Total: 3, Unread: 2},
		folders.All:   {Total: 10, Unread: 2},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != len(folders.Names)+1 {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(folders.Names)+1, buf.String())
	}
	if got := strings.Fields(lines[1]); fmt.Sprint(got) != "[inbox 2 3]" {
		t.Errorf("inbox line = %v", got)
	}
}

func TestBug(t *testing.T) {
	p, buf := newTestPrinter()
	p.Bug(&types.Bug{
		ID: 42, Summary: "Leak", Status: "RESOLVED", Resolution: "FIXED",
		Product: "Core", Component: "DOM",
		Creator: "a@example.com", Unread: true,
		LastChangeTime: now.Add(-time.Minute),
		Attachments:    []types.Attachment{{ID: 9, Summary: "patch", IsObsolete: true}},
		Comments: []types.Comment{
			{ID: 1, Count: 0, Creator: "a@example.com", CreationTime: now.Add(-time.Hour), Text: "It leaks.\n"},
		},
	})
	out := buf.String()
	for _, want := range []string{
		"Bug 42 - Leak [unread]", "RESOLVED FIXED", "Core :: DOM", "#9 patch (obsolete)",
		"Comment 0 by a@example.com", "It leaks.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Assignee") {
		t.Errorf("empty fields should be omitted:\n%s", out)
	}
}

func TestSyncResult(t *testing.T) {
	tests := []struct {
		name string
		res  bsync.Result
		err  error
		want string
	}{
		{"offline", bsync.Result{}, fmt.Errorf("wrap: %w", remote.ErrNetworkUnavailable), bsync.MessageOffline},
		{"failed", bsync.Result{}, errors.New("boom"), bsync.MessageFailed},
		{"coalesced", bsync.Result{Coalesced: true}, nil, "already running"},
		{"done", bsync.Result{Listed: 3, Created: 1, Updated: 2, Started: now, Finished: now.Add(time.Second)}, nil, "Synced 3 bugs (1 new, 2 updated) in 1s"},
		{"partial", bsync.Result{FailedBatches: 1}, nil, "1 batches and 0 bugs failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, buf := newTestPrinter()
			p.SyncResult(tt.res, tt.err)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output = %q, want it to contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"ünïcödé", 5, "ün..."},
		{"abc", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
