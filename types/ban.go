package types

import (
	"sort"
	"time"
)

// BanKind is the penalty type of a ban record.
type BanKind int

const (
	NoBan BanKind = iota
	Permanent
	Temporary
)

// String returns the penalty type as stored in the penalties table.
func (k BanKind) String() string {
	switch k {
	case Permanent:
		return "Ban"
	case Temporary:
		return "TempBan"
	default:
		return ""
	}
}

// Ban is a single penalty record read from the store.
type Ban struct {
	ID        int64
	Kind      BanKind
	IP        string
	CreatedAt time.Time
	ExpiresAt time.Time // zero for permanent bans
	Active    bool
}

// Effective reports whether the record blocks its address at now.
func (b *Ban) Effective(now time.Time) bool {
	if !b.Active {
		return false
	}
	switch b.Kind {
	case Permanent:
		return b.ExpiresAt.IsZero()
	case Temporary:
		return !b.ExpiresAt.IsZero() && b.ExpiresAt.After(now)
	default:
		return false
	}
}

// AddressSet is a set of raw address strings.
type AddressSet map[string]struct{}

func NewAddressSet(addrs ...string) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s AddressSet) Add(addr string) { s[addr] = struct{}{} }

func (s AddressSet) Has(addr string) bool {
	_, ok := s[addr]
	return ok
}

func (s AddressSet) Len() int { return len(s) }

// Sorted returns the addresses in lexical order.
func (s AddressSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
