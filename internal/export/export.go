// Package export writes the bug cache to JSONL and reads it back.
//
// Each line is one bug record as stored locally, including the _unread,
// _starred_comments and _last_viewed annotations. Placeholders are never
// written. Importing goes through the cache merge, so importing the same
// file twice changes nothing the second time.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bugsync/bugsync/internal/bug"
	"github.com/bugsync/bugsync/internal/cache"
	"github.com/bugsync/bugsync/internal/types"
)

// Result contains statistics about an import.
type Result struct {
	Read      int
	Created   int
	Updated   int
	Unchanged int
	Errors    []string
}

// Export writes every cached bug with remote data to w, one JSON object per
// line, ordered by ID. It returns the number of bugs written.
func Export(ctx context.Context, c *cache.Cache, w io.Writer) (int, error) {
	entities, err := c.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	n := 0
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !e.HasData() {
			continue
		}
		if err := enc.Encode(e.Snapshot()); err != nil {
			return n, fmt.Errorf("failed to write bug %d: %w", e.ID(), err)
		}
		n++
	}
	return n, nil
}

// ExportFile writes the cache to path atomically via a temp file.
func ExportFile(ctx context.Context, c *cache.Cache, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := Export(ctx, c, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// Import merges every record in r into the cache.
//
// Malformed JSON stops the import. Records that decode but fail validation
// or merging are skipped and reported in Result.Errors. Annotations are
// restored only for bugs the import creates; bugs already cached keep
// their local read state, though a starred record stars them.
func Import(ctx context.Context, c *cache.Cache, r io.Reader) (*Result, error) {
	result := &Result{}
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var rec types.Bug
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++
		result.Read++

		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		if !rec.HasData() {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: bug %d has no remote data", lineNum, rec.ID))
			continue
		}
		if err := importOne(ctx, c, &rec, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
		}
	}

	return result, nil
}

// ImportFile imports the JSONL file at path.
func ImportFile(ctx context.Context, c *cache.Cache, path string) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return Import(ctx, c, f)
}

func importOne(ctx context.Context, c *cache.Cache, rec *types.Bug, result *Result) error {
	existing, ok, err := c.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	creating := !ok || !existing.HasData()

	e, res, err := c.Add(ctx, rec, bug.MergeOptions{MarkRead: creating && !rec.Unread})
	if err != nil {
		return err
	}

	if creating && rec.LastViewed != nil {
		if err := e.MarkViewed(ctx, *rec.LastViewed); err != nil {
			return err
		}
		if err := e.SetUnread(ctx, rec.Unread); err != nil {
			return err
		}
	}
	starred := false
	if rec.Starred() && !e.Starred() {
		if err := e.SetStarred(ctx, true); err != nil {
			return err
		}
		starred = true
	}

	switch {
	case res.Created:
		result.Created++
	case res.Changed || starred:
		result.Updated++
	default:
		result.Unchanged++
	}
	return nil
}
