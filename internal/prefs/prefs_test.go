package prefs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bugsync/bugsync/internal/store"
)

func TestIgnoreCC_Default(t *testing.T) {
	p := New(store.NewMemory())

	v, err := p.IgnoreCC(context.Background())
	if err != nil {
		t.Fatalf("IgnoreCC() failed: %v", err)
	}
	if !v {
		t.Error("IgnoreCC() default = false, want true")
	}
}

func TestBool_SetAndGet(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemory())

	if err := p.Set(ctx, KeyIgnoreCC, false); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	v, err := p.Bool(ctx, KeyIgnoreCC)
	if err != nil {
		t.Fatalf("Bool() failed: %v", err)
	}
	if v {
		t.Error("Bool() = true after Set(false)")
	}

	if err := p.Delete(ctx, KeyIgnoreCC); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if v, _ := p.Bool(ctx, KeyIgnoreCC); !v {
		t.Error("Bool() did not revert to default after Delete()")
	}
}

func TestLastLoaded(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemory())

	if _, ok, err := p.LastLoaded(ctx); err != nil || ok {
		t.Fatalf("LastLoaded() on empty store = ok:%v err:%v", ok, err)
	}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := p.SetLastLoaded(ctx, now); err != nil {
		t.Fatalf("SetLastLoaded() failed: %v", err)
	}
	got, ok, err := p.LastLoaded(ctx)
	if err != nil || !ok {
		t.Fatalf("LastLoaded() = ok:%v err:%v", ok, err)
	}
	if !got.Equal(now) {
		t.Errorf("LastLoaded() = %v, want %v", got, now)
	}
}

func TestSetString(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemory())

	tests := []struct {
		in, want string
	}{
		{"true", "true"},
		{"42", "42"},
		{`{"a":1}`, `{"a":1}`},
		{"hello", `"hello"`},
	}
	for _, tt := range tests {
		if err := p.SetString(ctx, "x", tt.in); err != nil {
			t.Fatalf("SetString(%q) failed: %v", tt.in, err)
		}
		got, ok, err := p.String(ctx, "x")
		if err != nil || !ok {
			t.Fatalf("String() = ok:%v err:%v", ok, err)
		}
		if got != tt.want {
			t.Errorf("SetString(%q) stored %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemory())
	_ = p.Set(ctx, KeyIgnoreCC, false)
	_ = p.Set(ctx, "ui.theme", "dark")

	all, err := p.All(ctx)
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	if all[KeyIgnoreCC] != "false" || all["ui.theme"] != `"dark"` {
		t.Errorf("All() = %v", all)
	}
}

func TestUnavailableStore(t *testing.T) {
	m := store.NewMemory()
	m.SetUnavailable(true)
	p := New(m)

	if _, err := p.IgnoreCC(context.Background()); !errors.Is(err, store.ErrStorageUnavailable) {
		t.Errorf("IgnoreCC() error = %v, want ErrStorageUnavailable", err)
	}
}
