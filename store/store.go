package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iwanhae/netblocker/types"
)

// ErrStoreUnavailable is returned when the penalty store cannot answer a query.
// Callers must treat it as "no new data", never as an empty ban list.
var ErrStoreUnavailable = errors.New("penalty store unavailable")

// BanRecordSource is a read-only view over the penalty store.
type BanRecordSource interface {
	// FetchPermanentBans returns every address with an active permanent ban.
	FetchPermanentBans(ctx context.Context) (types.AddressSet, error)
	// FetchTemporaryBans returns every address with an active temporary ban
	// that expires strictly after asOf.
	FetchTemporaryBans(ctx context.Context, asOf time.Time) (types.AddressSet, error)
}

// SnapshotSource is implemented by sources that can read both ban sets from a
// single consistent view of the store.
type SnapshotSource interface {
	FetchBans(ctx context.Context, asOf time.Time) (permanent, temporary types.AddressSet, err error)
}

// LevelResolver resolves the privilege level of a known client.
// Unknown clients resolve to level 0.
type LevelResolver interface {
	ClientLevel(ctx context.Context, name string) (int, error)
}

// Source is what the server wires in: ban lists, levels and a way to shut down.
type Source interface {
	BanRecordSource
	LevelResolver
	Close() error
}

// Open returns the source for the given driver name.
func Open(ctx context.Context, driver, dsn string) (Source, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return NewSQLiteSource(dsn)
	case "postgres", "pgx":
		return NewPostgresSource(ctx, dsn)
	case "redis":
		return NewRedisSource(ctx, dsn)
	case "memory":
		return NewMemorySource(), nil
	case "null", "":
		return NewNullSource(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
