package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/capvault/internal/errs"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var fileCols = []string{"id", "hash_md5", "hash_sha256", "size", "is_materialized", "created_at"}

func TestFileRepo_LookupOrRegister_ReturnsExisting(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewFileRepo(db)

	existing := uuid.Must(uuid.NewV4())
	ts := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO file_identities .* ON CONFLICT \(hash_md5, hash_sha256\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "m", "s", int64(5)).
		WillReturnRows(pgxmock.NewRows(fileCols).AddRow(existing, "m", "s", int64(5), true, ts))

	f, err := r.LookupOrRegister(context.Background(), "m", "s", 5)
	require.NoError(t, err)
	require.Equal(t, existing, f.ID)
	require.True(t, f.Materialized)
}

func TestFileRepo_LookupOrRegister_Err(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewFileRepo(db)

	mock.ExpectQuery(`INSERT INTO file_identities`).
		WithArgs(pgxmock.AnyArg(), "m", "s", int64(0)).
		WillReturnError(errors.New("boom"))

	_, err := r.LookupOrRegister(context.Background(), "m", "s", 0)
	require.Error(t, err)
}

func TestFileRepo_Get_OK_And_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewFileRepo(db)

	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`SELECT id, hash_md5, hash_sha256, size, is_materialized, created_at FROM file_identities WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(fileCols).AddRow(id, "m", "s", int64(1), false, time.Now()))
	f, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, f.Materialized)

	mock.ExpectQuery(`FROM file_identities WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFileRepo_MarkMaterialized_FirstCall(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewFileRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT is_materialized FROM file_identities WHERE id=\$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"is_materialized"}).AddRow(false))
	mock.ExpectExec(`UPDATE file_identities SET is_materialized=true, materialized_at=now\(\), size=\$2`).
		WithArgs(id, int64(26)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, r.MarkMaterialized(context.Background(), id, 26))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFileRepo_MarkMaterialized_AlreadySetIsNoop(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewFileRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT is_materialized FROM file_identities WHERE id=\$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"is_materialized"}).AddRow(true))
	mock.ExpectCommit()

	require.NoError(t, r.MarkMaterialized(context.Background(), id, 26))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFileRepo_MarkMaterialized_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewFileRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT is_materialized FROM file_identities`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	require.ErrorIs(t, r.MarkMaterialized(context.Background(), id, 26), errs.ErrNotFound)
}

func TestFileRepo_MarkMaterialized_CommitErr(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewFileRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT is_materialized FROM file_identities`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"is_materialized"}).AddRow(false))
	mock.ExpectExec(`UPDATE file_identities`).
		WithArgs(id, int64(26)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit-fail"))

	require.Error(t, r.MarkMaterialized(context.Background(), id, 26))
}

func TestFileRepo_MarkMaterialized_BeginErr(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewFileRepo(db)

	mock.ExpectBegin().WillReturnError(errors.New("boom"))
	require.Error(t, r.MarkMaterialized(context.Background(), uuid.Must(uuid.NewV4()), 26))
}
