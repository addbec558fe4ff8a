// Package sync polls the remote tracker and reconciles the results into the
// bug cache.
//
// A sync cycle moves through four states:
//
//	Idle → ListingChanges → FetchingDetails → Merging → Idle
//
// ListingChanges issues one search for bugs changed since the last
// successful cycle (on the first run, every unresolved bug) that involve the
// account or are starred locally. FetchingDetails fetches metadata, comments,
// history and attachment metadata in batches, with the four requests of a
// batch running in parallel. Merging feeds each record through the bug
// entity merge, the same path push updates take.
//
// The last-loaded watermark only advances after a cycle in which every batch
// and every merge succeeded, so a failed window is fetched again next time.
// Duplicate merges are harmless.
//
// Calling Run while a cycle is in progress does not start a second one: the
// call returns immediately and the active cycle runs once more when it
// finishes.
package sync
