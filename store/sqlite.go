package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iwanhae/netblocker/config"
	"github.com/iwanhae/netblocker/types"
	_ "github.com/mattn/go-sqlite3" // SQLite 드라이버
)

const (
	permanentBansSQL = `SELECT clients.ip FROM penalties
		INNER JOIN clients ON penalties.client_id = clients.id
		WHERE penalties.type = 'Ban' AND penalties.inactive = 0 AND penalties.time_expire = -1
		GROUP BY clients.ip`

	temporaryBansSQL = `SELECT clients.ip FROM penalties
		INNER JOIN clients ON penalties.client_id = clients.id
		WHERE penalties.type = 'TempBan' AND penalties.inactive = 0 AND penalties.time_expire > ?
		GROUP BY clients.ip`

	// A name shared by several clients resolves to the lowest of their
	// levels, so a collision never raises anyone.
	clientLevelSQL = `SELECT COALESCE(MIN(per_client.level), 0) FROM (
			SELECT COALESCE(MAX(g.level), 0) AS level FROM clients
			LEFT JOIN "groups" g ON (clients.group_bits & g.id) != 0
			WHERE clients.name = ?
			GROUP BY clients.id
		) AS per_client`
)

// SQLiteSource reads penalties from a SQLite database.
type SQLiteSource struct {
	db *sql.DB
}

// NewSQLiteSource opens the database at dataSourceName.
func NewSQLiteSource(dataSourceName string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return &SQLiteSource{db: db}, nil
}

// InitSchema creates the penalties, clients and groups tables if missing and
// seeds the default groups.
func (s *SQLiteSource) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip TEXT,
			name TEXT NOT NULL,
			guid TEXT NOT NULL DEFAULT '',
			group_bits INTEGER NOT NULL DEFAULT 0,
			time_add INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS penalties (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			client_id INTEGER NOT NULL REFERENCES clients(id),
			admin_id INTEGER NOT NULL DEFAULT 0,
			duration INTEGER NOT NULL DEFAULT 0,
			inactive INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			time_add INTEGER NOT NULL DEFAULT 0,
			time_expire INTEGER NOT NULL DEFAULT -1
		);`,
		`CREATE TABLE IF NOT EXISTS "groups" (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			keyword TEXT NOT NULL UNIQUE,
			level INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	for _, g := range config.DefaultGroups {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO "groups"(id, name, keyword, level) VALUES(?, ?, ?, ?)`,
			g.Bits, g.Keyword, g.Keyword, g.Level)
		if err != nil {
			return fmt.Errorf("seed groups: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSource) FetchPermanentBans(ctx context.Context) (types.AddressSet, error) {
	return queryAddresses(ctx, s.db, "fetch permanent bans", permanentBansSQL)
}

func (s *SQLiteSource) FetchTemporaryBans(ctx context.Context, asOf time.Time) (types.AddressSet, error) {
	return queryAddresses(ctx, s.db, "fetch temporary bans", temporaryBansSQL, asOf.Unix())
}

// FetchBans reads both sets inside one transaction.
func (s *SQLiteSource) FetchBans(ctx context.Context, asOf time.Time) (types.AddressSet, types.AddressSet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, unavailable("begin snapshot", err)
	}
	// 읽기 전용이므로 항상 롤백
	defer tx.Rollback()

	perm, err := queryAddresses(ctx, tx, "fetch permanent bans", permanentBansSQL)
	if err != nil {
		return nil, nil, err
	}
	temp, err := queryAddresses(ctx, tx, "fetch temporary bans", temporaryBansSQL, asOf.Unix())
	if err != nil {
		return nil, nil, err
	}
	return perm, temp, nil
}

func (s *SQLiteSource) ClientLevel(ctx context.Context, name string) (int, error) {
	var level int
	if err := s.db.QueryRowContext(ctx, clientLevelSQL, name).Scan(&level); err != nil {
		return 0, unavailable("resolve client level", err)
	}
	return level, nil
}

func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// queryAddresses collects the first column of every row into a set.
// NULL and empty addresses are skipped.
func queryAddresses(ctx context.Context, q querier, op, query string, args ...any) (types.AddressSet, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	set := types.NewAddressSet()
	for rows.Next() {
		var ip sql.NullString
		if err := rows.Scan(&ip); err != nil {
			return nil, unavailable(op, err)
		}
		if ip.Valid && ip.String != "" {
			set.Add(ip.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return set, nil
}
