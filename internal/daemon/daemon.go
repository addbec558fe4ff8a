// Package daemon runs the background sync loop.
//
// The daemon:
// 1. Runs a sync cycle at startup and then on a fixed interval
// 2. Runs extra cycles on demand (push reconnects, config changes)
// 3. Keeps the push client connected while it runs
// 4. Holds an exclusive lock so only one daemon serves an account
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/bugsync/bugsync/internal/remote"
	bsync "github.com/bugsync/bugsync/internal/sync"
)

// ErrAlreadyRunning is returned by Start when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// Syncer runs one sync cycle.
type Syncer interface {
	Run(ctx context.Context) (bsync.Result, error)
}

// Pusher is a push client that can be started and stopped.
type Pusher interface {
	Start(ctx context.Context)
	Close() error
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is the time between scheduled sync cycles.
	SyncInterval time.Duration

	// LockPath is the lock file guarding against a second daemon for the
	// same account. Empty disables locking.
	LockPath string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 5 * time.Minute,
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules sync cycles and owns the push connection.
type Daemon struct {
	syncer Syncer
	push   Pusher
	config *Config

	trigger  chan string
	interval chan time.Duration
	lock     *os.File

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a daemon. push may be nil.
func New(s Syncer, push Pusher, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive (got %s)", config.SyncInterval)
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer:   s,
		push:     push,
		config:   config,
		trigger:  make(chan string, 1),
		interval: make(chan time.Duration, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Take the lock file
// 2. Start the push client
// 3. Run a sync cycle right away, then every SyncInterval
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.config.LockPath != "" {
		f, err := acquireLock(d.config.LockPath)
		if err != nil {
			return err
		}
		d.lock = f
	}

	if d.push != nil {
		d.push.Start(d.ctx)
	}

	d.TriggerSync("startup")

	d.wg.Add(1)
	go d.schedule()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. In-flight cycles are cancelled.
func (d *Daemon) Stop() error {
	var err error
	d.once.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()

		if d.push != nil {
			if cerr := d.push.Close(); cerr != nil {
				d.config.Logger.Printf("Error closing push client: %v", cerr)
			}
		}

		d.wg.Wait()

		if d.lock != nil {
			err = releaseLock(d.lock)
			d.lock = nil
		}
		d.config.Logger.Println("Daemon stopped")
	})
	return err
}

// TriggerSync requests a sync cycle outside the schedule. Requests made
// while one is pending are dropped; the controller coalesces overlapping
// cycles anyway.
func (d *Daemon) TriggerSync(reason string) {
	select {
	case d.trigger <- reason:
	default:
	}
}

// SetInterval changes the sync interval. The next tick is rescheduled from
// now.
func (d *Daemon) SetInterval(iv time.Duration) {
	if iv <= 0 {
		d.config.Logger.Printf("WARNING: Ignoring non-positive sync interval %s", iv)
		return
	}
	// Never blocks: a value nobody has read yet is replaced, and after Stop
	// the request is dropped.
	for d.ctx.Err() == nil {
		select {
		case d.interval <- iv:
			return
		default:
		}
		select {
		case <-d.interval:
		default:
		}
	}
}

// schedule fires sync cycles from the ticker and from triggers.
func (d *Daemon) schedule() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runSync("interval")

		case reason := <-d.trigger:
			d.runSync(reason)

		case iv := <-d.interval:
			d.config.Logger.Printf("Sync interval set to %s", iv)
			ticker.Reset(iv)
		}
	}
}

// runSync starts a cycle in its own goroutine so a slow cycle never holds up
// the ticker.
func (d *Daemon) runSync(reason string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, err := d.syncer.Run(d.ctx)
		switch {
		case res.Coalesced:
			d.config.Logger.Printf("Sync (%s) folded into the running cycle", reason)
		case errors.Is(err, remote.ErrNetworkUnavailable):
			d.config.Logger.Printf("Sync (%s) skipped: offline", reason)
		case err != nil:
			if d.ctx.Err() == nil {
				d.config.Logger.Printf("Error in sync (%s): %v", reason, err)
			}
		default:
			d.config.Logger.Printf("Sync (%s) done: %d listed, %d new, %d updated",
				reason, res.Listed, res.Created, res.Updated)
		}
	}()
}
