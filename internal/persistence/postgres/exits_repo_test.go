package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triframe/triframe/internal/domain"
	"github.com/triframe/triframe/internal/persistence"
)

func newMockExitsRepo(t *testing.T) (persistence.ExitsRepo, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewExitsRepo(sqlx.NewDb(mockDB, "postgres"), 2*time.Second), mock
}

func TestExitsRepoInsertIsEpisodeIdempotent(t *testing.T) {
	repo, mock := newMockExitsRepo(t)
	triggeredAt := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

	ei := &domain.ExitIntent{
		ExitIntentID: "exit-1",
		TradeID:      7,
		UserBrokerID: 42,
		ExitReason:   domain.ExitStopLoss,
		EpisodeID:    "ep-1",
		TriggeredAt:  triggeredAt,
		Status:       domain.ExitIntentPending,
	}

	mock.ExpectExec("INSERT INTO exit_intents").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO exit_intents").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.InsertExitIntent(context.Background(), ei)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.InsertExitIntent(context.Background(), ei)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExitsRepoOpenExitIntentNoneInFlight(t *testing.T) {
	repo, mock := newMockExitsRepo(t)

	mock.ExpectQuery("FROM exit_intents").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exit_intent_id"}))

	ei, err := repo.OpenExitIntent(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, ei)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExitsRepoLastEpisodeAt(t *testing.T) {
	repo, mock := newMockExitsRepo(t)
	last := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT MAX").
		WithArgs(int64(7), domain.ExitStopLoss).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(last))

	got, err := repo.LastEpisodeAt(context.Background(), 7, domain.ExitStopLoss)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, last, got.UTC())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExitsRepoUpdateStatusMissingIntent(t *testing.T) {
	repo, mock := newMockExitsRepo(t)

	mock.ExpectExec("UPDATE exit_intents").
		WithArgs("exit-9", domain.ExitIntentFilled).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateExitStatus(context.Background(), "exit-9", domain.ExitIntentFilled)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
