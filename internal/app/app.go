// Package app wires the store, cache, folders, remote client, sync
// controller, push client and daemon for one account.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bugsync/bugsync/internal/bug"
	"github.com/bugsync/bugsync/internal/cache"
	"github.com/bugsync/bugsync/internal/config"
	"github.com/bugsync/bugsync/internal/daemon"
	"github.com/bugsync/bugsync/internal/folders"
	"github.com/bugsync/bugsync/internal/logging"
	"github.com/bugsync/bugsync/internal/prefs"
	"github.com/bugsync/bugsync/internal/push"
	"github.com/bugsync/bugsync/internal/remote"
	"github.com/bugsync/bugsync/internal/store"
	bsync "github.com/bugsync/bugsync/internal/sync"
	"github.com/bugsync/bugsync/internal/types"
)

// Options configures Open.
type Options struct {
	// Config is the resolved configuration. Required.
	Config *config.Config

	// Logs supplies component loggers. Default: stderr.
	Logs *logging.Factory

	// Ephemeral keeps all records in memory.
	Ephemeral bool

	// HTTPClient overrides the REST transport.
	HTTPClient *http.Client
}

// App is one open account.
type App struct {
	Config  *config.Config
	Store   store.RecordStore
	Prefs   *prefs.Prefs
	Cache   *cache.Cache
	Folders *folders.Engine
	Remote  *remote.Client
	Sync    *bsync.Controller
	Push    *push.Client

	logs   *logging.Factory
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	daemon *daemon.Daemon
	recent []int // viewed bugs, most recent first
	closed bool
}

// Open wires every component for the configured account. Nothing touches
// the network until a sync runs.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logs := opts.Logs
	if logs == nil {
		var err error
		if logs, err = logging.New(logging.Options{}); err != nil {
			return nil, err
		}
	}

	var s store.RecordStore
	if opts.Ephemeral {
		s = store.NewMemory()
	} else {
		db, err := store.OpenContext(ctx, cfg.DBPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open local store: %w", err)
		}
		s = db
	}

	rc, err := remote.New(remote.Config{
		BaseURL:           cfg.Instance.RESTURL,
		APIKey:            cfg.Account.APIKey,
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		HTTPClient:        opts.HTTPClient,
	}, logs.Logger("remote"))
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	a := &App{
		Config: cfg,
		Store:  s,
		Prefs:  prefs.New(s),
		Cache:  cache.New(s, logs.Logger("cache")),
		Remote: rc,
		logs:   logs,
		logger: logs.Logger("app"),
		now:    time.Now,
	}
	a.Folders = folders.New(a.Cache, a.Prefs, cfg.Account.Email)
	a.Sync = bsync.New(rc, a.Cache, a.Prefs, bsync.Config{
		Email:     cfg.Account.Email,
		BatchSize: cfg.Sync.BatchSize,
		Logger:    logs.Logger("sync"),
	})
	a.Push = push.New(a.Sync, push.Config{
		URL:               cfg.Instance.PushURL,
		ReconnectInterval: cfg.Push.ReconnectInterval,
		Online:            rc.Online,
		OnReconnect:       func() { a.triggerSync("push reconnect") },
		Logger:            logs.Logger("push"),
	})

	if err := a.Cache.Load(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return a, nil
}

// Close stops the daemon, if running, and releases the store.
func (a *App) Close() error {
	return a.shutdown(context.Background(), false)
}

// Logout closes the account. With reset, every local record of the account
// is removed once the daemon and push client have stopped, so nothing in
// flight can write into the wiped store.
func (a *App) Logout(ctx context.Context, reset bool) error {
	return a.shutdown(ctx, reset)
}

func (a *App) shutdown(ctx context.Context, reset bool) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	d := a.daemon
	a.daemon = nil
	a.mu.Unlock()

	var errs []error
	if d != nil {
		errs = append(errs, d.Stop())
	}
	errs = append(errs, a.Push.Close())

	if reset {
		if err := a.Store.Reset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to reset local data: %w", err))
		} else {
			a.Cache.Reset()
			a.mu.Lock()
			a.recent = nil
			a.mu.Unlock()
			a.logger.Printf("Local data for %s removed", a.Config.Account.Email)
		}
	}

	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}

// RunDaemon syncs on the configured interval and keeps the push client
// connected until ctx is cancelled.
func (a *App) RunDaemon(ctx context.Context) error {
	d, err := daemon.New(a.Sync, a.Push, &daemon.Config{
		SyncInterval: a.Config.Sync.Interval,
		LockPath:     a.lockPath(),
		Logger:       a.logs.Logger("daemon"),
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("app is closed")
	}
	if a.daemon != nil {
		a.mu.Unlock()
		return daemon.ErrAlreadyRunning
	}
	a.daemon = d
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.daemon == d {
			a.daemon = nil
		}
		a.mu.Unlock()
	}()
	return d.Start(ctx)
}

func (a *App) lockPath() string {
	if _, ok := a.Store.(*store.DB); !ok {
		return ""
	}
	return a.Config.LockPath()
}

// Reload applies settings that can change while running.
func (a *App) Reload(cfg *config.Config) {
	a.mu.Lock()
	d := a.daemon
	changed := cfg.Sync.Interval != a.Config.Sync.Interval
	a.Config.Sync.Interval = cfg.Sync.Interval
	a.mu.Unlock()

	if d != nil && changed {
		d.SetInterval(cfg.Sync.Interval)
	}
}

func (a *App) triggerSync(reason string) {
	a.mu.Lock()
	d := a.daemon
	a.mu.Unlock()
	if d != nil {
		d.TriggerSync(reason)
	}
}

// SyncNow runs one sync cycle.
func (a *App) SyncNow(ctx context.Context) (bsync.Result, error) {
	return a.Sync.Run(ctx)
}

// entity returns the cached bug, fetching it first when it is not cached.
func (a *App) entity(ctx context.Context, id int) (*bug.Entity, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: %d", cache.ErrInvalidID, id)
	}
	e, ok, err := a.Cache.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok && e.HasData() {
		return e, nil
	}
	if _, err := a.Sync.RefreshBug(ctx, id); err != nil {
		return nil, err
	}
	e, _, err = a.Cache.Get(ctx, id)
	return e, err
}

// Bug returns a bug, fetching it when it is not cached.
func (a *App) Bug(ctx context.Context, id int) (*types.Bug, error) {
	e, err := a.entity(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Snapshot(), nil
}

// Star stars or unstars a bug.
func (a *App) Star(ctx context.Context, id int, starred bool) error {
	e, err := a.entity(ctx, id)
	if err != nil {
		return err
	}
	return e.SetStarred(ctx, starred)
}

// MarkRead clears the unread flag.
func (a *App) MarkRead(ctx context.Context, id int) error {
	e, err := a.entity(ctx, id)
	if err != nil {
		return err
	}
	return e.SetUnread(ctx, false)
}

// MarkUnread sets the unread flag.
func (a *App) MarkUnread(ctx context.Context, id int) error {
	e, err := a.entity(ctx, id)
	if err != nil {
		return err
	}
	return e.SetUnread(ctx, true)
}

// View records that the user opened a bug and subscribes the push client to
// it. Only the most recently viewed bugs stay subscribed.
func (a *App) View(ctx context.Context, id int) (*types.Bug, error) {
	e, err := a.entity(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.MarkViewed(ctx, a.now()); err != nil {
		return nil, err
	}

	limit := a.Config.Push.RecentLimit
	if limit > 0 {
		dropped := a.touchRecent(id, limit)
		if err := a.Push.Subscribe(ctx, id); err != nil {
			a.logger.Printf("WARNING: Failed to subscribe to bug %d: %v", id, err)
		}
		if len(dropped) > 0 {
			if err := a.Push.Unsubscribe(ctx, dropped...); err != nil {
				a.logger.Printf("WARNING: Failed to unsubscribe from %v: %v", dropped, err)
			}
		}
	}
	return e.Snapshot(), nil
}

// touchRecent moves id to the front of the recent list and returns the ids
// pushed past limit.
func (a *App) touchRecent(id, limit int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := []int{id}
	for _, r := range a.recent {
		if r != id {
			next = append(next, r)
		}
	}
	var dropped []int
	if len(next) > limit {
		dropped = append(dropped, next[limit:]...)
		next = next[:limit]
	}
	a.recent = next
	return dropped
}

// Recent returns the viewed bugs that stay subscribed, most recent first.
func (a *App) Recent() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.recent...)
}

// Attachment downloads an attachment with its payload.
func (a *App) Attachment(ctx context.Context, id int) (*types.Attachment, error) {
	if id <= 0 {
		return nil, fmt.Errorf("invalid attachment id %d", id)
	}
	return a.Sync.FetchAttachment(ctx, id)
}

// Status describes the account's local state.
type Status struct {
	Email      string                   `json:"email" yaml:"email"`
	Instance   string                   `json:"instance" yaml:"instance"`
	Bugs       int                      `json:"bugs" yaml:"bugs"`
	LastLoaded *time.Time               `json:"last_loaded,omitempty" yaml:"last_loaded,omitempty"`
	Folders    map[string]folders.Count `json:"folders" yaml:"folders"`
}

// Status reports counts and the last successful sync.
func (a *App) Status(ctx context.Context) (*Status, error) {
	n, err := a.Cache.Len(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := a.Folders.Counts(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Email:    a.Config.Account.Email,
		Instance: a.Config.Instance.Name,
		Bugs:     n,
		Folders:  counts,
	}
	last, ok, err := a.Prefs.LastLoaded(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		st.LastLoaded = &last
	}
	return st, nil
}
