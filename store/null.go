package store

import (
	"context"
	"time"

	"github.com/iwanhae/netblocker/types"
)

// NullSource is a penalty store that has no records.
type NullSource struct{}

// NewNullSource creates a new NullSource.
func NewNullSource() *NullSource {
	return &NullSource{}
}

// FetchPermanentBans returns an empty set.
func (s *NullSource) FetchPermanentBans(context.Context) (types.AddressSet, error) {
	return types.NewAddressSet(), nil
}

// FetchTemporaryBans returns an empty set.
func (s *NullSource) FetchTemporaryBans(context.Context, time.Time) (types.AddressSet, error) {
	return types.NewAddressSet(), nil
}

// ClientLevel resolves everyone as a guest.
func (s *NullSource) ClientLevel(context.Context, string) (int, error) {
	return 0, nil
}

// Close does nothing.
func (s *NullSource) Close() error {
	return nil
}
