package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pagescribe/pkg/domain"
	"pagescribe/pkg/ledger"
)

const (
	// DefaultTTL bounds how stale a served aggregate may be.
	DefaultTTL = 30 * time.Second

	defaultConcurrency = 4
)

// Cache memoizes the per-user page aggregation so that a stats request does
// not scan every book on every call. The snapshot slot is read and replaced
// under a mutex; concurrent recomputations at TTL expiry may both run and
// both publish, which converges to equivalent results.
type Cache struct {
	pages       *ledger.Pages
	users       *ledger.Users
	ttl         time.Duration
	concurrency int
	now         func() time.Time

	mu         sync.Mutex
	snapshot   map[string]domain.UserStats
	computedAt time.Time
}

// NewCache builds a stats cache over the two ledgers. Zero ttl and
// concurrency fall back to defaults; a nil clock uses UTC wall time.
func NewCache(pages *ledger.Pages, users *ledger.Users, ttl time.Duration, concurrency int, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Cache{pages: pages, users: users, ttl: ttl, concurrency: concurrency, now: now}
}

// Get returns the per-user aggregate, recomputing when the cached snapshot
// has aged past the TTL.
func (c *Cache) Get(ctx context.Context) (map[string]domain.UserStats, error) {
	now := c.now()
	c.mu.Lock()
	if c.snapshot != nil && now.Sub(c.computedAt) < c.ttl {
		snap := c.snapshot
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	snap, err := c.recompute(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.snapshot = snap
	c.computedAt = now
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot so the next Get recomputes.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.computedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) recompute(ctx context.Context) (map[string]domain.UserStats, error) {
	users, err := c.users.List(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]domain.UserStats, len(users))
	for _, rec := range users {
		result[rec.ID] = domain.UserStats{Points: rec.Points}
	}

	books, err := c.pages.Books(ctx)
	if err != nil {
		return nil, err
	}

	var resultMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, book := range books {
		b := book
		g.Go(func() error {
			pages, err := c.pages.List(gctx, b)
			if err != nil {
				// A broken book document costs its own contribution only.
				slog.Warn("stats scan skipped book", "book", b, "error", err)
				return nil
			}
			resultMu.Lock()
			defer resultMu.Unlock()
			for _, page := range pages {
				if page.ClaimedByID == "" {
					continue
				}
				entry, ok := result[page.ClaimedByID]
				if !ok {
					// Dangling claim reference, tolerated.
					continue
				}
				switch page.Status {
				case domain.StatusCompleted:
					entry.CompletedPages++
				case domain.StatusInProgress:
					entry.InProgressPages++
				}
				result[page.ClaimedByID] = entry
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
