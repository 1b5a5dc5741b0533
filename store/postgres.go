package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iwanhae/netblocker/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads penalties from a PostgreSQL database with the same
// layout as the SQLite one.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

func (s *PostgresSource) FetchPermanentBans(ctx context.Context) (types.AddressSet, error) {
	return pgAddresses(ctx, s.pool, "fetch permanent bans", permanentBansSQL)
}

func (s *PostgresSource) FetchTemporaryBans(ctx context.Context, asOf time.Time) (types.AddressSet, error) {
	return pgAddresses(ctx, s.pool, "fetch temporary bans", pgPlaceholders(temporaryBansSQL), asOf.Unix())
}

// FetchBans reads both sets inside one repeatable-read, read-only transaction.
func (s *PostgresSource) FetchBans(ctx context.Context, asOf time.Time) (types.AddressSet, types.AddressSet, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, unavailable("begin snapshot", err)
	}
	defer tx.Rollback(ctx)

	perm, err := pgAddresses(ctx, tx, "fetch permanent bans", permanentBansSQL)
	if err != nil {
		return nil, nil, err
	}
	temp, err := pgAddresses(ctx, tx, "fetch temporary bans", pgPlaceholders(temporaryBansSQL), asOf.Unix())
	if err != nil {
		return nil, nil, err
	}
	return perm, temp, nil
}

func (s *PostgresSource) ClientLevel(ctx context.Context, name string) (int, error) {
	var level int
	if err := s.pool.QueryRow(ctx, pgPlaceholders(clientLevelSQL), name).Scan(&level); err != nil {
		return 0, unavailable("resolve client level", err)
	}
	return level, nil
}

func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgAddresses(ctx context.Context, q pgQuerier, op, query string, args ...any) (types.AddressSet, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	ips, err := pgx.CollectRows(rows, pgx.RowTo[*string])
	if err != nil {
		return nil, unavailable(op, err)
	}
	set := types.NewAddressSet()
	for _, ip := range ips {
		if ip != nil && *ip != "" {
			set.Add(*ip)
		}
	}
	return set, nil
}

// pgPlaceholders rewrites '?' placeholders into $1, $2, ...
func pgPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
