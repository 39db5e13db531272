package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied by the driver to every pooled connection.
// Immediate transactions take the write lock up front so busy_timeout covers
// them too.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use a named shared cache so all connections in
	// the pool see the same data while separate stores stay isolated.
	if dsn == ":memory:" {
		dsn = "file:mem-" + uuid.NewString() + "?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqlitePragmas
	}
	return dsn + "?" + sqlitePragmas
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			price_per_day TEXT NOT NULL,
			receivers TEXT NOT NULL DEFAULT '{}',
			durations TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS payers (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			payer_id TEXT NOT NULL REFERENCES payers(id),
			network_id TEXT NOT NULL,
			address TEXT NOT NULL,
			sealed_key TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (payer_id, network_id)
		)`,
		`CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			token TEXT UNIQUE NOT NULL,
			payer_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL,
			expires_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (payer_id, server_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_expires_at ON invoices(expires_at)`,
		`CREATE TABLE IF NOT EXISTS access_grants (
			id TEXT PRIMARY KEY,
			payer_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			network_id TEXT NOT NULL DEFAULT '',
			tx TEXT NOT NULL DEFAULT '',
			expires_at DATETIME NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_access_grants_expires_at ON access_grants(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_access_grants_payer_server ON access_grants(payer_id, server_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			payer_id TEXT NOT NULL DEFAULT '',
			server_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// utc normalizes times so that SQLite's text comparison orders them correctly.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// --- Servers ---

func (s *SQLiteStore) UpsertServer(ctx context.Context, srv *Server) error {
	receivers, durations, err := encodeServerFields(srv)
	if err != nil {
		return fmt.Errorf("encode server: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO servers (id, name, owner_id, price_per_day, receivers, durations, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, owner_id=excluded.owner_id, price_per_day=excluded.price_per_day,
		   receivers=excluded.receivers, durations=excluded.durations`,
		srv.ID, srv.Name, srv.OwnerID, srv.PricePerDay, receivers, durations, utc(srv.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	var srv Server
	var receivers, durations string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, owner_id, price_per_day, receivers, durations, created_at FROM servers WHERE id = ?", id,
	).Scan(&srv.ID, &srv.Name, &srv.OwnerID, &srv.PricePerDay, &receivers, &durations, &srv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decodeServerFields(&srv, receivers, durations); err != nil {
		return nil, fmt.Errorf("decode server %s: %w", id, err)
	}
	return &srv, nil
}

func (s *SQLiteStore) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, owner_id, price_per_day, receivers, durations, created_at FROM servers ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var servers []Server
	for rows.Next() {
		var srv Server
		var receivers, durations string
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.OwnerID, &srv.PricePerDay, &receivers, &durations, &srv.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeServerFields(&srv, receivers, durations); err != nil {
			return nil, fmt.Errorf("decode server %s: %w", srv.ID, err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// --- Payers ---

func (s *SQLiteStore) CreatePayer(ctx context.Context, p *Payer) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO payers (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		p.ID, utc(p.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) GetPayer(ctx context.Context, id string) (*Payer, error) {
	var p Payer
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM payers WHERE id = ?", id,
	).Scan(&p.ID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *SQLiteStore) CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (payer_id, network_id, address, sealed_key, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(payer_id, network_id) DO NOTHING`,
		w.PayerID, w.NetworkID, w.Address, w.SealedKey, utc(w.CreatedAt),
	)
	if err != nil {
		return nil, err
	}
	// A concurrent creator may have won; return whatever is stored.
	return s.GetWallet(ctx, w.PayerID, w.NetworkID)
}

func (s *SQLiteStore) GetWallet(ctx context.Context, payerID, networkID string) (*Wallet, error) {
	var w Wallet
	err := s.db.QueryRowContext(ctx,
		"SELECT payer_id, network_id, address, sealed_key, created_at FROM wallets WHERE payer_id = ? AND network_id = ?",
		payerID, networkID,
	).Scan(&w.PayerID, &w.NetworkID, &w.Address, &w.SealedKey, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &w, err
}

func (s *SQLiteStore) ListWallets(ctx context.Context, payerID string) ([]Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payer_id, network_id, address, sealed_key, created_at FROM wallets WHERE payer_id = ? ORDER BY network_id",
		payerID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var wallets []Wallet
	for rows.Next() {
		var w Wallet
		if err := rows.Scan(&w.PayerID, &w.NetworkID, &w.Address, &w.SealedKey, &w.CreatedAt); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// --- Invoices ---

// UpsertInvoice inserts inv, or atomically overwrites the token and duration of
// the existing invoice for the same (payer, server) pair. A first issuance
// expires at inv.ExpiresAt; an overwrite expires at renewalExpiry.
func (s *SQLiteStore) UpsertInvoice(ctx context.Context, inv *Invoice, renewalExpiry time.Time) (*Invoice, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO invoices (id, token, payer_id, server_id, duration_seconds, expires_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(payer_id, server_id) DO UPDATE SET
		   token = excluded.token,
		   duration_seconds = excluded.duration_seconds,
		   expires_at = ?,
		   updated_at = excluded.updated_at`,
		inv.ID, inv.Token, inv.PayerID, inv.ServerID, inv.Duration, utc(inv.ExpiresAt), utc(inv.UpdatedAt),
		utc(renewalExpiry),
	)
	if err != nil {
		return nil, err
	}

	var out Invoice
	err = tx.QueryRowContext(ctx,
		`SELECT id, token, payer_id, server_id, duration_seconds, expires_at, updated_at
		 FROM invoices WHERE payer_id = ? AND server_id = ?`,
		inv.PayerID, inv.ServerID,
	).Scan(&out.ID, &out.Token, &out.PayerID, &out.ServerID, &out.Duration, &out.ExpiresAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLiteStore) GetInvoiceByToken(ctx context.Context, token string, now time.Time) (*Invoice, error) {
	var inv Invoice
	err := s.db.QueryRowContext(ctx,
		`SELECT id, token, payer_id, server_id, duration_seconds, expires_at, updated_at
		 FROM invoices WHERE token = ? AND expires_at > ?`,
		token, utc(now),
	).Scan(&inv.ID, &inv.Token, &inv.PayerID, &inv.ServerID, &inv.Duration, &inv.ExpiresAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &inv, err
}

func (s *SQLiteStore) DeleteInvoice(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM invoices WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) PurgeExpiredInvoices(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM invoices WHERE expires_at < ?", utc(before))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Access grants ---

func (s *SQLiteStore) CreateGrant(ctx context.Context, g *AccessGrant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_grants (id, payer_id, server_id, network_id, tx, expires_at, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.PayerID, g.ServerID, g.NetworkID, g.Transaction, utc(g.ExpiresAt), g.Active, utc(g.CreatedAt),
	)
	return err
}

const sqliteGrantColumns = "id, payer_id, server_id, network_id, tx, expires_at, active, created_at"

func (s *SQLiteStore) queryGrants(ctx context.Context, query string, args ...any) ([]AccessGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var grants []AccessGrant
	for rows.Next() {
		var g AccessGrant
		if err := rows.Scan(&g.ID, &g.PayerID, &g.ServerID, &g.NetworkID, &g.Transaction, &g.ExpiresAt, &g.Active, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *SQLiteStore) ListExpiredGrants(ctx context.Context, before time.Time) ([]AccessGrant, error) {
	return s.queryGrants(ctx,
		"SELECT "+sqliteGrantColumns+" FROM access_grants WHERE expires_at < ?",
		utc(before),
	)
}

func (s *SQLiteStore) ListLiveGrants(ctx context.Context, payerID, serverID string, now time.Time) ([]AccessGrant, error) {
	return s.queryGrants(ctx,
		"SELECT "+sqliteGrantColumns+" FROM access_grants WHERE payer_id = ? AND server_id = ? AND active = 1 AND expires_at > ? ORDER BY expires_at DESC",
		payerID, serverID, utc(now),
	)
}

func (s *SQLiteStore) ListGrants(ctx context.Context, serverID string) ([]AccessGrant, error) {
	if serverID == "" {
		return s.queryGrants(ctx, "SELECT "+sqliteGrantColumns+" FROM access_grants ORDER BY expires_at")
	}
	return s.queryGrants(ctx,
		"SELECT "+sqliteGrantColumns+" FROM access_grants WHERE server_id = ? ORDER BY expires_at",
		serverID,
	)
}

func (s *SQLiteStore) DeleteGrant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM access_grants WHERE id = ?", id)
	return err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, payer_id, server_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		event.ID, event.Action, event.PayerID, event.ServerID, detail, utc(event.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, action, payer_id, server_id, detail, created_at FROM audit_events ORDER BY created_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.PayerID, &e.ServerID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", utc(before))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
