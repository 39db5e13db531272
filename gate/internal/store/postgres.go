package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			price_per_day TEXT NOT NULL,
			receivers JSONB NOT NULL DEFAULT '{}',
			durations JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS payers (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			payer_id TEXT NOT NULL REFERENCES payers(id),
			network_id TEXT NOT NULL,
			address TEXT NOT NULL,
			sealed_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (payer_id, network_id)
		)`,
		`CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			token TEXT UNIQUE NOT NULL,
			payer_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			duration_seconds BIGINT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (payer_id, server_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_expires_at ON invoices(expires_at)`,
		`CREATE TABLE IF NOT EXISTS access_grants (
			id TEXT PRIMARY KEY,
			payer_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			network_id TEXT NOT NULL DEFAULT '',
			tx TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_access_grants_expires_at ON access_grants(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_access_grants_payer_server ON access_grants(payer_id, server_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			payer_id TEXT NOT NULL DEFAULT '',
			server_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Servers ---

func (s *PostgresStore) UpsertServer(ctx context.Context, srv *Server) error {
	receivers, durations, err := encodeServerFields(srv)
	if err != nil {
		return fmt.Errorf("encode server: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO servers (id, name, owner_id, price_per_day, receivers, durations, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, owner_id=excluded.owner_id, price_per_day=excluded.price_per_day,
		   receivers=excluded.receivers, durations=excluded.durations`,
		srv.ID, srv.Name, srv.OwnerID, srv.PricePerDay, receivers, durations, utc(srv.CreatedAt),
	)
	return err
}

func (s *PostgresStore) GetServer(ctx context.Context, id string) (*Server, error) {
	var srv Server
	var receivers, durations string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, owner_id, price_per_day, receivers, durations, created_at FROM servers WHERE id = $1", id,
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

func (s *PostgresStore) ListServers(ctx context.Context) ([]Server, error) {
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

func (s *PostgresStore) CreatePayer(ctx context.Context, p *Payer) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO payers (id, created_at) VALUES ($1, $2) ON CONFLICT(id) DO NOTHING",
		p.ID, utc(p.CreatedAt),
	)
	return err
}

func (s *PostgresStore) GetPayer(ctx context.Context, id string) (*Payer, error) {
	var p Payer
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM payers WHERE id = $1", id,
	).Scan(&p.ID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (payer_id, network_id, address, sealed_key, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(payer_id, network_id) DO NOTHING`,
		w.PayerID, w.NetworkID, w.Address, w.SealedKey, utc(w.CreatedAt),
	)
	if err != nil {
		return nil, err
	}
	// A concurrent creator may have won; return whatever is stored.
	return s.GetWallet(ctx, w.PayerID, w.NetworkID)
}

func (s *PostgresStore) GetWallet(ctx context.Context, payerID, networkID string) (*Wallet, error) {
	var w Wallet
	err := s.db.QueryRowContext(ctx,
		"SELECT payer_id, network_id, address, sealed_key, created_at FROM wallets WHERE payer_id = $1 AND network_id = $2",
		payerID, networkID,
	).Scan(&w.PayerID, &w.NetworkID, &w.Address, &w.SealedKey, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &w, err
}

func (s *PostgresStore) ListWallets(ctx context.Context, payerID string) ([]Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payer_id, network_id, address, sealed_key, created_at FROM wallets WHERE payer_id = $1 ORDER BY network_id",
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

func (s *PostgresStore) UpsertInvoice(ctx context.Context, inv *Invoice, renewalExpiry time.Time) (*Invoice, error) {
	var out Invoice
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO invoices (id, token, payer_id, server_id, duration_seconds, expires_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(payer_id, server_id) DO UPDATE SET
		   token = excluded.token,
		   duration_seconds = excluded.duration_seconds,
		   expires_at = $8,
		   updated_at = excluded.updated_at
		 RETURNING id, token, payer_id, server_id, duration_seconds, expires_at, updated_at`,
		inv.ID, inv.Token, inv.PayerID, inv.ServerID, inv.Duration, utc(inv.ExpiresAt), utc(inv.UpdatedAt),
		utc(renewalExpiry),
	).Scan(&out.ID, &out.Token, &out.PayerID, &out.ServerID, &out.Duration, &out.ExpiresAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) GetInvoiceByToken(ctx context.Context, token string, now time.Time) (*Invoice, error) {
	var inv Invoice
	err := s.db.QueryRowContext(ctx,
		`SELECT id, token, payer_id, server_id, duration_seconds, expires_at, updated_at
		 FROM invoices WHERE token = $1 AND expires_at > $2`,
		token, utc(now),
	).Scan(&inv.ID, &inv.Token, &inv.PayerID, &inv.ServerID, &inv.Duration, &inv.ExpiresAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &inv, err
}

func (s *PostgresStore) DeleteInvoice(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM invoices WHERE id = $1", id)
	return err
}

func (s *PostgresStore) PurgeExpiredInvoices(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM invoices WHERE expires_at < $1", utc(before))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Access grants ---

func (s *PostgresStore) CreateGrant(ctx context.Context, g *AccessGrant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_grants (id, payer_id, server_id, network_id, tx, expires_at, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, g.PayerID, g.ServerID, g.NetworkID, g.Transaction, utc(g.ExpiresAt), g.Active, utc(g.CreatedAt),
	)
	return err
}

const pgGrantColumns = "id, payer_id, server_id, network_id, tx, expires_at, active, created_at"

func (s *PostgresStore) queryGrants(ctx context.Context, query string, args ...any) ([]AccessGrant, error) {
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

func (s *PostgresStore) ListExpiredGrants(ctx context.Context, before time.Time) ([]AccessGrant, error) {
	return s.queryGrants(ctx,
		"SELECT "+pgGrantColumns+" FROM access_grants WHERE expires_at < $1",
		utc(before),
	)
}

func (s *PostgresStore) ListLiveGrants(ctx context.Context, payerID, serverID string, now time.Time) ([]AccessGrant, error) {
	return s.queryGrants(ctx,
		"SELECT "+pgGrantColumns+" FROM access_grants WHERE payer_id = $1 AND server_id = $2 AND active AND expires_at > $3 ORDER BY expires_at DESC",
		payerID, serverID, utc(now),
	)
}

func (s *PostgresStore) ListGrants(ctx context.Context, serverID string) ([]AccessGrant, error) {
	if serverID == "" {
		return s.queryGrants(ctx, "SELECT "+pgGrantColumns+" FROM access_grants ORDER BY expires_at")
	}
	return s.queryGrants(ctx,
		"SELECT "+pgGrantColumns+" FROM access_grants WHERE server_id = $1 ORDER BY expires_at",
		serverID,
	)
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM access_grants WHERE id = $1", id)
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, payer_id, server_id, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		event.ID, event.Action, event.PayerID, event.ServerID, detail, utc(event.CreatedAt),
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, action, payer_id, server_id, detail, created_at FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2",
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", utc(before))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
