package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"email", "first_banlisted_at", "last_seen_banlisted_at", "reason"}).
		AddRow("alice@x", first, first.Add(time.Hour), "4 IPs over limit 2").
		AddRow("bob@x", first.Add(time.Minute), first.Add(time.Minute), "")

	mock.ExpectQuery("SELECT email, first_banlisted_at").WillReturnRows(rows)

	repo := NewBanlistRepo(db)
	got, err := repo.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice@x", got[0].Email)
	assert.Equal(t, first, got[0].FirstBanlistedAt)
	assert.Equal(t, "4 IPs over limit 2", got[0].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO banlist").
		WithArgs("alice@x", now, "3 IPs over limit 2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewBanlistRepo(db)
	require.NoError(t, repo.Upsert(context.Background(), "alice@x", now, "3 IPs over limit 2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAndClear(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM banlist WHERE email").
		WithArgs("alice@x").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM banlist").
		WillReturnResult(sqlmock.NewResult(0, 2))

	repo := NewBanlistRepo(db)
	require.NoError(t, repo.Delete(context.Background(), "alice@x"))
	require.NoError(t, repo.Clear(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO banlist").
		WillReturnError(assert.AnError)

	repo := NewBanlistRepo(db)
	err = repo.Upsert(context.Background(), "alice@x", time.Now(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert banlist")
}
