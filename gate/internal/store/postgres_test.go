package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PostgresStore{db: db}, mock
}

func TestPostgresGetServerMissing(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM servers WHERE id = $1")).
		WithArgs("srv-x").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "owner_id", "price_per_day", "receivers", "durations", "created_at"}))

	got, err := s.GetServer(context.Background(), "srv-x")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresGetServerDecodesJSON(t *testing.T) {
	s, mock := newMockPostgres(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM servers WHERE id = $1")).
		WithArgs("srv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "owner_id", "price_per_day", "receivers", "durations", "created_at"}).
			AddRow("srv-1", "Guild", "owner", "3", `{"base":"0xabc"}`, `[86400]`, created))

	got, err := s.GetServer(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if got.Receivers["base"] != "0xabc" {
		t.Errorf("Receivers: got %v", got.Receivers)
	}
	if len(got.Durations) != 1 || got.Durations[0] != 86400 {
		t.Errorf("Durations: got %v", got.Durations)
	}
}

func TestPostgresUpsertInvoiceUsesRenewalExpiry(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	renewal := now.Add(time.Minute)

	inv := &Invoice{
		ID:        "inv-1",
		Token:     "tok-1",
		PayerID:   "p1",
		ServerID:  "s1",
		Duration:  86400,
		ExpiresAt: now.Add(5 * time.Minute),
		UpdatedAt: now,
	}

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT(payer_id, server_id) DO UPDATE")).
		WithArgs("inv-1", "tok-1", "p1", "s1", int64(86400), inv.ExpiresAt, now, renewal).
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "payer_id", "server_id", "duration_seconds", "expires_at", "updated_at"}).
			AddRow("inv-0", "tok-1", "p1", "s1", int64(86400), renewal, now))

	got, err := s.UpsertInvoice(context.Background(), inv, renewal)
	if err != nil {
		t.Fatalf("UpsertInvoice: %v", err)
	}
	if got.ID != "inv-0" {
		t.Errorf("ID: got %q, want existing row id inv-0", got.ID)
	}
	if !got.ExpiresAt.Equal(renewal) {
		t.Errorf("ExpiresAt: got %v, want %v", got.ExpiresAt, renewal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresListExpiredGrants(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM access_grants WHERE expires_at < $1")).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payer_id", "server_id", "network_id", "tx", "expires_at", "active", "created_at"}).
			AddRow("g1", "p1", "s1", "base", "0xtx", now.Add(-time.Hour), true, now.Add(-25*time.Hour)).
			AddRow("g2", "p2", "s1", "base", "", now.Add(-time.Minute), true, now.Add(-2*time.Hour)))

	grants, err := s.ListExpiredGrants(context.Background(), now)
	if err != nil {
		t.Fatalf("ListExpiredGrants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("got %d grants, want 2", len(grants))
	}
	if grants[0].Transaction != "0xtx" {
		t.Errorf("Transaction: got %q", grants[0].Transaction)
	}
}

func TestPostgresDeleteGrant(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM access_grants WHERE id = $1")).
		WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.DeleteGrant(context.Background(), "g1"); err != nil {
		t.Fatalf("DeleteGrant: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
