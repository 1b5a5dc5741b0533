package store

import (
	"context"
	"sync"
	"time"

	"github.com/iwanhae/netblocker/types"
)

// MemorySource is a simple in-memory penalty store.
type MemorySource struct {
	mu     sync.RWMutex
	bans   []types.Ban
	levels map[string]int
	err    error
}

// NewMemorySource creates a new MemorySource.
func NewMemorySource(bans ...types.Ban) *MemorySource {
	return &MemorySource{
		bans:   bans,
		levels: make(map[string]int),
	}
}

// SetBans replaces every record.
func (s *MemorySource) SetBans(bans ...types.Ban) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans = append([]types.Ban(nil), bans...)
}

func (s *MemorySource) SetLevel(name string, level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[name] = level
}

// SetError makes every later call fail with err wrapped as unavailable.
// A nil err makes the source healthy again.
func (s *MemorySource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemorySource) FetchPermanentBans(ctx context.Context) (types.AddressSet, error) {
	return s.collect(ctx, "fetch permanent bans", types.Permanent, time.Time{})
}

func (s *MemorySource) FetchTemporaryBans(ctx context.Context, asOf time.Time) (types.AddressSet, error) {
	return s.collect(ctx, "fetch temporary bans", types.Temporary, asOf)
}

func (s *MemorySource) FetchBans(ctx context.Context, asOf time.Time) (types.AddressSet, types.AddressSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "fetch bans"); err != nil {
		return nil, nil, err
	}
	return s.filter(types.Permanent, asOf), s.filter(types.Temporary, asOf), nil
}

func (s *MemorySource) ClientLevel(ctx context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "resolve client level"); err != nil {
		return 0, err
	}
	return s.levels[name], nil
}

func (s *MemorySource) Close() error {
	return nil
}

func (s *MemorySource) collect(ctx context.Context, op string, kind types.BanKind, asOf time.Time) (types.AddressSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, op); err != nil {
		return nil, err
	}
	return s.filter(kind, asOf), nil
}

func (s *MemorySource) check(ctx context.Context, op string) error {
	if s.err != nil {
		return unavailable(op, s.err)
	}
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *MemorySource) filter(kind types.BanKind, asOf time.Time) types.AddressSet {
	set := types.NewAddressSet()
	for i := range s.bans {
		b := &s.bans[i]
		if b.Kind == kind && b.IP != "" && b.Effective(asOf) {
			set.Add(b.IP)
		}
	}
	return set
}
