package panel

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelops/banhammer/internal/config"
	"github.com/sentinelops/banhammer/internal/pkg/logger"
)

// Cache holds the latest roster snapshot and refreshes it in the background.
// Snapshot swaps are atomic: readers always see either the previous or the
// new roster, never a partial one. Until the first successful fetch the
// roster is empty and every user resolves as unknown, so nobody gets
// classified off stale air.
type Cache struct {
	client *Client
	cfg    config.PanelConfig
	log    *logger.Logger

	mu     sync.RWMutex
	users  map[string]User
	loaded bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCache creates a roster cache backed by the given client.
func NewCache(client *Client, cfg config.PanelConfig) *Cache {
	return &Cache{
		client: client,
		cfg:    cfg,
		log:    logger.With("panel"),
		users:  make(map[string]User),
	}
}

// Refresh fetches the roster once and swaps the snapshot. A failed fetch
// keeps the previous snapshot in place. An entry missing from one successful
// pull is carried over marked stale for one cycle before it is dropped, so a
// panel-side pagination hiccup cannot flip a known user to unknown (which
// would mean unlimited) and back.
func (c *Cache) Refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout())
	defer cancel()

	users, err := c.client.FetchAll(fetchCtx)
	if err != nil {
		return err
	}

	next := make(map[string]User, len(users))
	for _, u := range users {
		u.Stale = false
		next[u.Email] = u
	}

	c.mu.Lock()
	stale := 0
	for email, prev := range c.users {
		if _, ok := next[email]; ok {
			continue
		}
		if prev.Stale {
			// Second consecutive miss, let it go.
			continue
		}
		prev.Stale = true
		next[email] = prev
		stale++
	}
	c.users = next
	c.loaded = true
	c.mu.Unlock()

	if stale > 0 {
		c.log.Warn("roster entries missing from pull, kept stale", "count", stale)
	}
	c.log.Info("roster refreshed", "users", len(next))
	return nil
}

// Start begins the periodic refresh loop. The initial fetch happens
// synchronously so callers can decide whether to proceed without a roster.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		c.log.Error("initial roster fetch failed", "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.ReloadInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.Refresh(loopCtx); err != nil {
					c.log.Error("roster refresh failed", "error", err)
				}
			case <-loopCtx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the refresh loop and waits for it to exit.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// DeviceLimit resolves a user's device limit from the current snapshot.
// known=false when the email is absent from the roster.
func (c *Cache) DeviceLimit(email string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	u, ok := c.users[email]
	if !ok {
		return 0, false
	}
	return u.DeviceLimit, true
}

// Lookup returns the full roster entry for an email.
func (c *Cache) Lookup(email string) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	u, ok := c.users[email]
	return u, ok
}

// Loaded reports whether at least one fetch has succeeded.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Size returns the number of roster entries in the current snapshot.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users)
}
