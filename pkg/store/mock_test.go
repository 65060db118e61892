package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Driver-failure paths are exercised against a mocked connection; the
// sqlite-backed tests cover the happy paths.

func mockStore(t *testing.T) (*SignalStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &SignalStore{db: db, path: "mock", logger: slog.Default()}, mock
}

func TestGetStats_QueryFailure(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery("SELECT signal_type").WillReturnError(errors.New("disk I/O error"))

	_, err := s.GetStats(context.Background())
	assert.ErrorContains(t, err, "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_BeginFailure(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	err := s.Transaction(context.Background(), func(*sql.Tx) error { return nil })
	assert.ErrorContains(t, err, "begin transaction")
}

func TestTransaction_RollsBackOnError_Mock(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.Transaction(context.Background(), func(*sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSignal_InsertFailure(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO signals").WillReturnError(errors.New("constraint violated"))
	mock.ExpectRollback()

	_, _, err := s.SaveSignal(context.Background(), testSignal("domain:x.io"))
	assert.ErrorContains(t, err, "constraint violated")
	assert.NoError(t, mock.ExpectationsWereMet())
}
