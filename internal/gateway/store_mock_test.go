package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/owliabot/owlia/pkg/models"
)

// mockStore wires a Store to a sqlmock DB for driver error paths the
// real SQLite file never produces.
func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db, logger: testLogger(), now: time.Now}, mock
}

func TestListDevicesQueryError(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectQuery("SELECT device_id, token_hash").
		WillReturnError(errors.New("database error"))

	_, err := store.ListDevices(context.Background())
	if err == nil || !strings.Contains(err.Error(), "list devices") {
		t.Errorf("err = %v, want wrapped list devices error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListDevicesCorruptScope(t *testing.T) {
	store, mock := mockStore(t)

	rows := sqlmock.NewRows([]string{
		"device_id", "token_hash", "scope_json", "revoked_at", "paired_at", "last_seen_at",
	}).AddRow("laptop", "hash", "{not json", nil, int64(1000), nil)
	mock.ExpectQuery("SELECT device_id, token_hash").WillReturnRows(rows)

	_, err := store.ListDevices(context.Background())
	if err == nil || !strings.Contains(err.Error(), "scope") {
		t.Errorf("err = %v, want scope decode error", err)
	}
}

func TestRevokeExecError(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec("UPDATE devices SET revoked_at").
		WithArgs(sqlmock.AnyArg(), "laptop").
		WillReturnError(errors.New("database error"))

	err := store.Revoke(context.Background(), "laptop")
	if err == nil || !strings.Contains(err.Error(), "revoke device") {
		t.Errorf("err = %v, want wrapped revoke error", err)
	}
}

func TestRevokeZeroRowsIsNotFound(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec("UPDATE devices SET revoked_at").
		WithArgs(sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Revoke(context.Background(), "ghost"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestInsertEventExecError(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec("INSERT INTO events").
		WillReturnError(errors.New("database error"))

	_, err := store.InsertEvent(context.Background(), &models.Event{
		Type:           models.EventMessage,
		Message:        "hello",
		TargetDeviceID: "laptop",
	})
	if err == nil || !strings.Contains(err.Error(), "insert event") {
		t.Errorf("err = %v, want wrapped insert error", err)
	}
}

func TestAllowRateReadError(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT count, reset_at FROM rate_limits").
		WithArgs("pair:10.0.0.2").
		WillReturnError(errors.New("database error"))
	mock.ExpectRollback()

	_, _, err := store.AllowRate(context.Background(), "pair:10.0.0.2", 5, time.Minute)
	if err == nil || !strings.Contains(err.Error(), "read rate bucket") {
		t.Errorf("err = %v, want wrapped read error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAllowRateDeniedAtLimit(t *testing.T) {
	store, mock := mockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	resetAt := now.Add(30 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT count, reset_at FROM rate_limits").
		WithArgs("cmd:laptop").
		WillReturnRows(sqlmock.NewRows([]string{"count", "reset_at"}).
			AddRow(5, resetAt.UnixMilli()))
	mock.ExpectCommit()

	allowed, gotReset, err := store.AllowRate(context.Background(), "cmd:laptop", 5, time.Minute)
	if err != nil {
		t.Fatalf("AllowRate: %v", err)
	}
	if allowed {
		t.Error("expected denial at the limit")
	}
	if !gotReset.Equal(resetAt) {
		t.Errorf("reset = %v, want %v", gotReset, resetAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
