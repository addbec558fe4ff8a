// Package prefs stores per-account user preferences in the prefs partition.
//
// Each preference is one record keyed by its dotted name, holding
// {"name": ..., "value": ...}.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bugsync/bugsync/internal/store"
)

// Known preference keys.
const (
	// KeyIgnoreCC suppresses unread marking for changes that only touch the
	// CC list of a bug the user has already opened.
	KeyIgnoreCC = "notifications.ignore_cc_changes"

	// KeyLastLoaded is the time the last fully successful sync cycle issued
	// its change query. Absent before the first sync.
	KeyLastLoaded = "subscriptions.last_loaded"
)

// Defaults holds the value used when a preference has never been written.
var Defaults = map[string]any{
	KeyIgnoreCC: true,
}

type record struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// Prefs is a typed view over the prefs partition.
type Prefs struct {
	part store.Partition
}

// New returns preferences backed by s.
func New(s store.RecordStore) *Prefs {
	return &Prefs{part: s.Partition(store.PartitionPrefs)}
}

func (p *Prefs) raw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	rec, err := store.GetJSON[record](ctx, p.part, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// Set writes any JSON-encodable value.
func (p *Prefs) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode pref %s: %w", key, err)
	}
	return store.PutJSON(ctx, p.part, key, record{Name: key, Value: raw})
}

// Delete removes a preference, reverting it to its default.
func (p *Prefs) Delete(ctx context.Context, key string) error {
	return p.part.Delete(ctx, key)
}

// Bool returns a boolean preference, falling back to Defaults and then false.
func (p *Prefs) Bool(ctx context.Context, key string) (bool, error) {
	raw, ok, err := p.raw(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		def, _ := Defaults[key].(bool)
		return def, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("pref %s is not a boolean: %w", key, err)
	}
	return v, nil
}

// IgnoreCC is shorthand for Bool(ctx, KeyIgnoreCC).
func (p *Prefs) IgnoreCC(ctx context.Context) (bool, error) {
	return p.Bool(ctx, KeyIgnoreCC)
}

// Time returns a timestamp preference. ok is false when it was never set.
func (p *Prefs) Time(ctx context.Context, key string) (t time.Time, ok bool, err error) {
	raw, ok, err := p.raw(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}, false, fmt.Errorf("pref %s is not a timestamp: %w", key, err)
	}
	return t, true, nil
}

// LastLoaded returns the last successful sync watermark.
func (p *Prefs) LastLoaded(ctx context.Context) (time.Time, bool, error) {
	return p.Time(ctx, KeyLastLoaded)
}

// SetLastLoaded records the sync watermark.
func (p *Prefs) SetLastLoaded(ctx context.Context, t time.Time) error {
	return p.Set(ctx, KeyLastLoaded, t.UTC())
}

// String returns the JSON text of a preference, or of its default.
func (p *Prefs) String(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := p.raw(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !ok {
		def, has := Defaults[key]
		if !has {
			return "", false, nil
		}
		b, _ := json.Marshal(def)
		return string(b), false, nil
	}
	return string(raw), true, nil
}

// SetString parses s as a bool, a number or JSON before falling back to a
// plain string. It is used by the CLI.
func (p *Prefs) SetString(ctx context.Context, key, s string) error {
	if b, err := strconv.ParseBool(s); err == nil {
		return p.Set(ctx, key, b)
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return p.Set(ctx, key, n)
	}
	if json.Valid([]byte(s)) {
		return p.Set(ctx, key, json.RawMessage(s))
	}
	return p.Set(ctx, key, s)
}

// All returns every stored preference as raw JSON keyed by name.
func (p *Prefs) All(ctx context.Context) (map[string]string, error) {
	recs, err := p.part.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		var rec record
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			continue
		}
		out[r.Key] = string(rec.Value)
	}
	return out, nil
}
