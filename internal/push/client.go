// Package push keeps a WebSocket connection to the tracker's change
// notification endpoint and turns update notifications into targeted
// re-fetches.
//
// The payload of an update is never trusted: the client only learns which
// bug changed and asks its Refresher to fetch the bug, so pushed and polled
// changes reconcile through the same merge.
//
// Subscriptions are not kept by the server across connections. The client
// holds the subscription set and re-sends all of it every time it connects.
// After an unexpected close it retries on a fixed interval until it gets
// through.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bugsync/bugsync/internal/bug"
)

// DefaultReconnectInterval is the fixed delay between reconnect attempts.
const DefaultReconnectInterval = 30 * time.Second

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Refresher re-fetches a bug and merges it into the cache.
type Refresher interface {
	RefreshBug(ctx context.Context, id int) (bug.MergeResult, error)
}

// Config holds client settings.
type Config struct {
	// URL is the notification endpoint. An empty URL leaves the client inert.
	URL string

	// ReconnectInterval is the delay between reconnect attempts.
	// Default: 30s.
	ReconnectInterval time.Duration

	// WriteTimeout bounds each outgoing frame. Default: 10s.
	WriteTimeout time.Duration

	// Online probes connectivity before each connection attempt. While it
	// fails no attempt is made. Nil means always online.
	Online func(ctx context.Context) error

	// OnReconnect is called after every successful connection except the
	// first, so missed updates can be picked up by a sync.
	OnReconnect func()

	// Logger receives connection events. Default: stderr with a "[push] "
	// prefix.
	Logger *log.Logger
}

// Client is a push notification client.
type Client struct {
	cfg       Config
	refresher Refresher
	logger    *log.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	subs     map[int]struct{}
	connects int
	cancel   context.CancelFunc
	running  bool

	wg sync.WaitGroup
}

// New creates a client. Nothing happens until Start.
func New(r Refresher, cfg Config) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	return &Client{
		cfg:       cfg,
		refresher: r,
		logger:    logger,
		subs:      make(map[int]struct{}),
	}
}

// Start launches the connection loop in the background. It is a no-op when
// no URL is configured or the loop is already running.
func (c *Client) Start(ctx context.Context) {
	if c.cfg.URL == "" {
		c.logger.Printf("No push endpoint configured; push notifications disabled")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go c.loop(ctx)
}

// Close disconnects and stops reconnecting. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	if c.state == Connected {
		c.state = Closing
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = Disconnected
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()
	return nil
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connections returns the number of successful connections so far.
func (c *Client) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Subscriptions returns the subscription set in ascending order.
func (c *Client) Subscriptions() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedSubs()
}

func (c *Client) sortedSubs() []int {
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Subscribe adds ids to the subscription set and, when connected, tells the
// server.
func (c *Client) Subscribe(ctx context.Context, ids ...int) error {
	c.mu.Lock()
	var added []int
	for _, id := range ids {
		if _, ok := c.subs[id]; !ok && id > 0 {
			c.subs[id] = struct{}{}
			added = append(added, id)
		}
	}
	conn := c.connected()
	c.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return nil
	}
	return c.send(ctx, conn, Message{Command: CommandSubscribe, Bugs: added})
}

// Unsubscribe removes ids from the subscription set and, when connected,
// tells the server.
func (c *Client) Unsubscribe(ctx context.Context, ids ...int) error {
	c.mu.Lock()
	var removed []int
	for _, id := range ids {
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			removed = append(removed, id)
		}
	}
	conn := c.connected()
	c.mu.Unlock()

	if conn == nil || len(removed) == 0 {
		return nil
	}
	return c.send(ctx, conn, Message{Command: CommandUnsubscribe, Bugs: removed})
}

// connected returns the live connection or nil. Callers hold c.mu.
func (c *Client) connected() *websocket.Conn {
	if c.state != Connected {
		return nil
	}
	return c.conn
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", m.Command, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Command, err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// loop connects, reads until the connection drops, and reconnects on the
// fixed interval after an unexpected close.
func (c *Client) loop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.state = Disconnected
		c.mu.Unlock()
	}()

	wait := false
	for {
		if wait && !c.sleep(ctx) {
			return
		}
		wait = true

		if c.cfg.Online != nil {
			if err := c.cfg.Online(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Printf("Offline, next attempt in %s", c.cfg.ReconnectInterval)
				continue
			}
		}

		c.setState(Connecting)
		conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
		if err != nil {
			c.setState(Disconnected)
			if ctx.Err() != nil {
				return
			}
			c.logger.Printf("WARNING: Failed to connect to %s: %v; retrying in %s", c.cfg.URL, err, c.cfg.ReconnectInterval)
			continue
		}

		reconnected, err := c.onConnected(ctx, conn)
		if err != nil {
			c.logger.Printf("WARNING: Failed to restore subscriptions: %v", err)
		}
		if reconnected && c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.state = Disconnected
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			c.logger.Printf("Connection closed by server")
			return
		}
		c.logger.Printf("Connection lost: %v; reconnecting in %s", err, c.cfg.ReconnectInterval)
	}
}

// sleep waits one reconnect interval. It returns false when ctx is done.
func (c *Client) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.cfg.ReconnectInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// onConnected publishes the connection and re-sends the full subscription
// set. It reports whether this was a reconnection.
func (c *Client) onConnected(ctx context.Context, conn *websocket.Conn) (bool, error) {
	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.connects++
	reconnected := c.connects > 1
	ids := c.sortedSubs()
	c.mu.Unlock()

	c.logger.Printf("Connected to %s (%d subscriptions)", c.cfg.URL, len(ids))
	if len(ids) == 0 {
		return reconnected, nil
	}
	return reconnected, c.send(ctx, conn, Message{Command: CommandSubscribe, Bugs: ids})
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		m, err := decode(data)
		if err != nil {
			c.logger.Printf("WARNING: Ignoring message: %v", err)
			continue
		}
		switch m.Command {
		case CommandUpdate:
			c.refresh(ctx, m.Bug)
		case CommandSubscribe, CommandUnsubscribe:
			c.logger.Printf("Server acknowledged %s %v: %s", m.Command, m.Bugs, m.Result)
		}
	}
}

// refresh re-fetches a bug in the background so reads are not held up by
// the REST round trip.
func (c *Client) refresh(ctx context.Context, id int) {
	if c.refresher == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.refresher.RefreshBug(ctx, id); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Printf("WARNING: Failed to refresh bug %d: %v", id, err)
		}
	}()
}
