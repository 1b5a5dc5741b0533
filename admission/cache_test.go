package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iwanhae/netblocker/store"
	"github.com/iwanhae/netblocker/types"
	"github.com/rs/zerolog"
)

var (
	testNow = time.Unix(1_700_000_000, 0)

	scenarioBans = []types.Ban{
		{ID: 1, Kind: types.Permanent, IP: "2.2.2.2", Active: true},
		{ID: 2, Kind: types.Permanent, IP: "6.6.6.6", Active: true},
		{ID: 3, Kind: types.Permanent, IP: "7.7.7.7", Active: true},
		{ID: 4, Kind: types.Temporary, IP: "3.3.3.3", Active: true, ExpiresAt: testNow.Add(time.Hour)},
		{ID: 5, Kind: types.Temporary, IP: "8.8.8.8", Active: true, ExpiresAt: testNow.Add(time.Hour)},
		{ID: 6, Kind: types.Temporary, IP: "9.9.9.9", Active: true, ExpiresAt: testNow.Add(time.Hour)},
	}
)

func fixedClock() time.Time { return testNow }

// splitSource only offers the two separate fetch calls.
type splitSource struct {
	perm, temp types.AddressSet
	asOf       time.Time
}

func (s *splitSource) FetchPermanentBans(context.Context) (types.AddressSet, error) {
	return s.perm, nil
}

func (s *splitSource) FetchTemporaryBans(_ context.Context, asOf time.Time) (types.AddressSet, error) {
	s.asOf = asOf
	return s.temp, nil
}

// gatedSource blocks every fetch until release is closed, ignoring ctx.
type gatedSource struct {
	calls   atomic.Int32
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func newGatedSource() *gatedSource {
	return &gatedSource{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedSource) FetchPermanentBans(context.Context) (types.AddressSet, error) {
	s.calls.Add(1)
	s.once.Do(func() { close(s.started) })
	<-s.release
	return types.NewAddressSet("2.2.2.2"), nil
}

func (s *gatedSource) FetchTemporaryBans(context.Context, time.Time) (types.AddressSet, error) {
	return types.NewAddressSet(), nil
}

// generationSource returns sets tagged with a per-call generation number.
type generationSource struct {
	n atomic.Int64
}

func (s *generationSource) FetchBans(_ context.Context, _ time.Time) (types.AddressSet, types.AddressSet, error) {
	g := s.n.Add(1)
	return types.NewAddressSet(fmt.Sprintf("p-%d", g)), types.NewAddressSet(fmt.Sprintf("t-%d", g)), nil
}

func (s *generationSource) FetchPermanentBans(context.Context) (types.AddressSet, error) {
	panic("FetchBans should be preferred")
}

func (s *generationSource) FetchTemporaryBans(context.Context, time.Time) (types.AddressSet, error) {
	panic("FetchBans should be preferred")
}

func TestBanListCache_Empty(t *testing.T) {
	c := NewBanListCache(store.NewNullSource(), CacheConfig{}, zerolog.Nop())
	if c.IsPermanentlyBanned("2.2.2.2") || c.IsTemporarilyBanned("2.2.2.2") {
		t.Error("new cache reports a ban")
	}
	if g := c.Snapshot().Generation; g != 0 {
		t.Errorf("Generation = %d, want 0", g)
	}
}

func TestBanListCache_Refresh(t *testing.T) {
	src := store.NewMemorySource(scenarioBans...)
	c := NewBanListCache(src, CacheConfig{Now: fixedClock}, zerolog.Nop())

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	tests := []struct {
		addr      string
		permanent bool
		temporary bool
	}{
		{"2.2.2.2", true, false},
		{"7.7.7.7", true, false},
		{"3.3.3.3", false, true},
		{"9.9.9.9", false, true},
		{"4.4.4.4", false, false},
		{"::ffff:2.2.2.2", false, false},
		{" 2.2.2.2", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := c.IsPermanentlyBanned(tt.addr); got != tt.permanent {
				t.Errorf("IsPermanentlyBanned(%q) = %v, want %v", tt.addr, got, tt.permanent)
			}
			if got := c.IsTemporarilyBanned(tt.addr); got != tt.temporary {
				t.Errorf("IsTemporarilyBanned(%q) = %v, want %v", tt.addr, got, tt.temporary)
			}
		})
	}

	snap := c.Snapshot()
	if !snap.RefreshedAt.Equal(testNow) || snap.Generation != 1 {
		t.Errorf("Snapshot() = refreshed %v gen %d, want %v gen 1", snap.RefreshedAt, snap.Generation, testNow)
	}

	// A ban lifted in the store disappears on the next refresh.
	src.SetBans(scenarioBans[1:]...)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if c.IsPermanentlyBanned("2.2.2.2") {
		t.Error("2.2.2.2 still banned after the record went away")
	}
}

func TestBanListCache_SplitSourceUsesClock(t *testing.T) {
	src := &splitSource{perm: types.NewAddressSet("2.2.2.2"), temp: types.NewAddressSet("3.3.3.3")}
	c := NewBanListCache(src, CacheConfig{Now: fixedClock}, zerolog.Nop())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !src.asOf.Equal(testNow) {
		t.Errorf("asOf = %v, want %v", src.asOf, testNow)
	}
	if !c.IsPermanentlyBanned("2.2.2.2") || !c.IsTemporarilyBanned("3.3.3.3") {
		t.Error("split source results not cached")
	}
}

func TestBanListCache_FailureKeepsLastKnownGood(t *testing.T) {
	src := store.NewMemorySource(scenarioBans...)
	c := NewBanListCache(src, CacheConfig{Now: fixedClock}, zerolog.Nop())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	before := c.Snapshot()

	src.SetError(errors.New("connection refused"))
	err := c.Refresh(context.Background())
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("Refresh() err = %v, want ErrStoreUnavailable", err)
	}
	if c.Snapshot() != before {
		t.Error("snapshot replaced after a failed refresh")
	}
	if !c.IsPermanentlyBanned("2.2.2.2") || !c.IsTemporarilyBanned("3.3.3.3") {
		t.Error("last known bans lost after a failed refresh")
	}
}

func TestBanListCache_Timeout(t *testing.T) {
	src := newGatedSource()
	defer close(src.release)

	c := NewBanListCache(src, CacheConfig{FetchTimeout: 20 * time.Millisecond}, zerolog.Nop())
	start := time.Now()
	err := c.Refresh(context.Background())
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("Refresh() err = %v, want ErrStoreUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Refresh took %v, want about 20ms", elapsed)
	}
	if c.Snapshot().Generation != 0 {
		t.Error("timed out refresh replaced the snapshot")
	}
}

func TestBanListCache_CoalescesConcurrentRefresh(t *testing.T) {
	src := newGatedSource()
	c := NewBanListCache(src, CacheConfig{FetchTimeout: 5 * time.Second}, zerolog.Nop())

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	refresh := func() {
		defer wg.Done()
		errs <- c.Refresh(context.Background())
	}

	wg.Add(1)
	go refresh()
	<-src.started
	for i := 1; i < n; i++ {
		wg.Add(1)
		go refresh()
	}
	time.Sleep(100 * time.Millisecond)
	close(src.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Refresh: %v", err)
		}
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("store fetched %d times, want 1", got)
	}
	if !c.IsPermanentlyBanned("2.2.2.2") {
		t.Error("coalesced refresh not applied")
	}
}

func TestBanListCache_MinRefreshInterval(t *testing.T) {
	var mu sync.Mutex
	now := testNow
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	src := &generationSource{}
	c := NewBanListCache(src, CacheConfig{MinRefreshInterval: time.Second, Now: clock}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Refresh(ctx); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
	if got := src.n.Load(); got != 1 {
		t.Errorf("fetches within interval = %d, want 1", got)
	}

	advance(time.Second)
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := src.n.Load(); got != 2 {
		t.Errorf("fetches after interval = %d, want 2", got)
	}
}

func TestBanListCache_NoTornReads(t *testing.T) {
	c := NewBanListCache(&generationSource{}, CacheConfig{}, zerolog.Nop())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = c.Refresh(context.Background())
				}
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		snap := c.Snapshot()
		p, tmp := snap.Permanent.Sorted(), snap.Temporary.Sorted()
		if len(p) != 1 || len(tmp) != 1 || p[0][2:] != tmp[0][2:] {
			t.Fatalf("torn snapshot: permanent %v temporary %v", p, tmp)
		}
	}
	close(stop)
	wg.Wait()
}
