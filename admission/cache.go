package admission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/iwanhae/netblocker/store"
	"github.com/iwanhae/netblocker/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultFetchTimeout bounds a single refresh against the penalty store.
const DefaultFetchTimeout = 2 * time.Second

// CacheConfig tunes a BanListCache.
type CacheConfig struct {
	// FetchTimeout bounds each refresh. Zero means DefaultFetchTimeout.
	FetchTimeout time.Duration

	// MinRefreshInterval skips a refresh when the last successful one is
	// younger than this. Zero refreshes on every call.
	MinRefreshInterval time.Duration

	// Now is the clock used as the as-of time for temporary bans.
	Now func() time.Time
}

// Snapshot is one consistent pair of ban sets. It must not be modified.
type Snapshot struct {
	Permanent   types.AddressSet
	Temporary   types.AddressSet
	RefreshedAt time.Time
	Generation  uint64
}

// BanListCache keeps the last known ban sets. Both sets are swapped together
// so readers never see a pair from two different refreshes.
type BanListCache struct {
	src    store.BanRecordSource
	cfg    CacheConfig
	logger zerolog.Logger

	snap  atomic.Pointer[Snapshot]
	group singleflight.Group
}

// NewBanListCache returns an empty cache backed by src.
func NewBanListCache(src store.BanRecordSource, cfg CacheConfig, logger zerolog.Logger) *BanListCache {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &BanListCache{src: src, cfg: cfg, logger: logger}
	c.snap.Store(&Snapshot{
		Permanent: types.NewAddressSet(),
		Temporary: types.NewAddressSet(),
	})
	return c
}

// Refresh re-reads both ban sets from the store. Concurrent calls share one
// fetch. On failure the previous contents are kept and the error wraps
// store.ErrStoreUnavailable.
func (c *BanListCache) Refresh(ctx context.Context) error {
	if c.fresh() {
		return nil
	}
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *BanListCache) fresh() bool {
	if c.cfg.MinRefreshInterval <= 0 {
		return false
	}
	s := c.snap.Load()
	return s.Generation > 0 && c.cfg.Now().Sub(s.RefreshedAt) < c.cfg.MinRefreshInterval
}

type fetchResult struct {
	perm, temp types.AddressSet
	err        error
}

func (c *BanListCache) refresh(ctx context.Context) error {
	asOf := c.cfg.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	// The fetch runs on its own goroutine so a source that ignores ctx
	// still cannot hold the caller past the timeout.
	ch := make(chan fetchResult, 1)
	go func() {
		perm, temp, err := c.fetch(ctx, asOf)
		ch <- fetchResult{perm, temp, err}
	}()

	var r fetchResult
	select {
	case r = <-ch:
	case <-ctx.Done():
		return fmt.Errorf("refresh ban lists: %w: %v", store.ErrStoreUnavailable, ctx.Err())
	}
	if r.err != nil {
		if !errors.Is(r.err, store.ErrStoreUnavailable) {
			return fmt.Errorf("refresh ban lists: %w: %v", store.ErrStoreUnavailable, r.err)
		}
		return fmt.Errorf("refresh ban lists: %w", r.err)
	}
	if r.perm == nil || r.temp == nil {
		return fmt.Errorf("refresh ban lists: %w: incomplete result", store.ErrStoreUnavailable)
	}

	prev := c.snap.Load()
	c.snap.Store(&Snapshot{
		Permanent:   r.perm,
		Temporary:   r.temp,
		RefreshedAt: asOf,
		Generation:  prev.Generation + 1,
	})
	c.logger.Debug().
		Int("permanent", r.perm.Len()).
		Int("temporary", r.temp.Len()).
		Msg("ban lists refreshed")
	return nil
}

func (c *BanListCache) fetch(ctx context.Context, asOf time.Time) (types.AddressSet, types.AddressSet, error) {
	if ss, ok := c.src.(store.SnapshotSource); ok {
		return ss.FetchBans(ctx, asOf)
	}
	perm, err := c.src.FetchPermanentBans(ctx)
	if err != nil {
		return nil, nil, err
	}
	temp, err := c.src.FetchTemporaryBans(ctx, asOf)
	if err != nil {
		return nil, nil, err
	}
	return perm, temp, nil
}

// IsPermanentlyBanned reports whether addr is on the cached permanent list.
func (c *BanListCache) IsPermanentlyBanned(addr string) bool {
	return c.snap.Load().Permanent.Has(addr)
}

// IsTemporarilyBanned reports whether addr is on the cached temporary list.
func (c *BanListCache) IsTemporarilyBanned(addr string) bool {
	return c.snap.Load().Temporary.Has(addr)
}

// Snapshot returns the current pair of sets.
func (c *BanListCache) Snapshot() *Snapshot {
	return c.snap.Load()
}
