// Package heuristics caches heuristic definitions used to score results.
package heuristics

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

var log = logging.Logger("heuristics")

// DefaultRefresh is how long a loaded set of definitions stays valid.
const DefaultRefresh = 300 * time.Second

const maxEntries = 1 << 16

// Lister loads every heuristic definition.
type Lister interface {
	ListAllHeuristics(ctx context.Context) ([]protocol.Heuristic, error)
}

// Cache serves heuristic lookups from memory and reloads the full set from
// the lister once the refresh interval has passed.
type Cache struct {
	src     Lister
	refresh time.Duration
	entries *expirable.LRU[string, protocol.Heuristic]

	mu       sync.Mutex
	loadedAt time.Time

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Cache. A non-positive refresh uses DefaultRefresh.
func New(src Lister, refresh time.Duration) *Cache {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &Cache{
		src:     src,
		refresh: refresh,
		entries: expirable.NewLRU[string, protocol.Heuristic](maxEntries, nil, refresh),
		nowFunc: time.Now,
	}
}

// Get returns the definition for heurID. A miss triggers a reload when the
// last one is older than the refresh interval. Load failures are logged and
// reported as a miss.
func (c *Cache) Get(ctx context.Context, heurID string) (protocol.Heuristic, bool) {
	if h, ok := c.entries.Get(heurID); ok {
		return h, true
	}

	c.mu.Lock()
	stale := c.nowFunc().Sub(c.loadedAt) >= c.refresh
	c.mu.Unlock()
	if !stale {
		return protocol.Heuristic{}, false
	}

	if err := c.Refresh(ctx); err != nil {
		log.Warnw("heuristic reload failed", "heur_id", heurID, "error", err)
		return protocol.Heuristic{}, false
	}
	return c.entries.Get(heurID)
}

// Refresh reloads every definition now.
func (c *Cache) Refresh(ctx context.Context) error {
	hs, err := c.src.ListAllHeuristics(ctx)
	if err != nil {
		return xerrors.Errorf("list heuristics: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	for _, h := range hs {
		c.entries.Add(h.HeurID, h)
	}
	c.loadedAt = c.nowFunc()
	log.Debugw("heuristics loaded", "count", len(hs))
	return nil
}

// Len returns the number of cached definitions.
func (c *Cache) Len() int {
	return c.entries.Len()
}

var attackIDPattern = regexp.MustCompile(`^(T[0-9]{4}(\.[0-9]{3})?|TA[0-9]{4}|S[0-9]{4}|G[0-9]{4})$`)

// ValidAttackID reports whether id is a well-formed ATT&CK technique,
// tactic, software or group identifier.
func ValidAttackID(id string) bool {
	return attackIDPattern.MatchString(id)
}
