package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestKVRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKVRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT v FROM kv_store WHERE k=\$1 AND expires_at > now\(\)`).
		WithArgs("sync:last-run").
		WillReturnRows(pgxmock.NewRows([]string{"v"}).AddRow([]byte("cursor")))
	v, ok, err := r.Get(ctx, "sync:last-run")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("cursor"), v)

	// expired or absent rows read as missing
	mock.ExpectQuery(`SELECT v FROM kv_store WHERE k=\$1 AND expires_at > now\(\)`).
		WithArgs("lock:identity-sync").
		WillReturnError(pgx.ErrNoRows)
	_, ok, err = r.Get(ctx, "lock:identity-sync")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKVRepo_Put(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKVRepo(db)

	mock.ExpectExec(`INSERT INTO kv_store \(k, v, expires_at\)`).
		WithArgs("idem:key-1", []byte("res"), time.Hour.String()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Put(context.Background(), "idem:key-1", []byte("res"), time.Hour))
}

func TestKVRepo_PutIfAbsent_Wins(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKVRepo(db)

	mock.ExpectQuery(`WHERE kv_store\.expires_at <= now\(\)\s+RETURNING v`).
		WithArgs("lock:identity-sync", []byte("holder-a"), (5 * time.Minute).String()).
		WillReturnRows(pgxmock.NewRows([]string{"v"}).AddRow([]byte("holder-a")))

	stored, cur, err := r.PutIfAbsent(context.Background(), "lock:identity-sync", []byte("holder-a"), 5*time.Minute)
	require.NoError(t, err)
	require.True(t, stored)
	require.Equal(t, []byte("holder-a"), cur)
}

func TestKVRepo_PutIfAbsent_LosesToHolder(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKVRepo(db)

	// conditional upsert returns no row: an unexpired holder exists
	mock.ExpectQuery(`RETURNING v`).
		WithArgs("lock:identity-sync", []byte("holder-b"), (5 * time.Minute).String()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT v FROM kv_store WHERE k=\$1 AND expires_at > now\(\)`).
		WithArgs("lock:identity-sync").
		WillReturnRows(pgxmock.NewRows([]string{"v"}).AddRow([]byte("holder-a")))

	stored, cur, err := r.PutIfAbsent(context.Background(), "lock:identity-sync", []byte("holder-b"), 5*time.Minute)
	require.NoError(t, err)
	require.False(t, stored)
	require.Equal(t, []byte("holder-a"), cur)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKVRepo_PutIfAbsent_HolderVanished(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKVRepo(db)

	mock.ExpectQuery(`RETURNING v`).
		WithArgs("lock:identity-sync", []byte("holder-b"), (5 * time.Minute).String()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT v FROM kv_store WHERE k=\$1 AND expires_at > now\(\)`).
		WithArgs("lock:identity-sync").
		WillReturnError(pgx.ErrNoRows)

	stored, cur, err := r.PutIfAbsent(context.Background(), "lock:identity-sync", []byte("holder-b"), 5*time.Minute)
	require.NoError(t, err)
	require.False(t, stored)
	require.Nil(t, cur)
}

func TestKVRepo_Delete(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewKVRepo(db)

	mock.ExpectExec(`DELETE FROM kv_store WHERE k=\$1`).
		WithArgs("lock:identity-sync").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, r.Delete(context.Background(), "lock:identity-sync"))
}
