package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdispatch/dispatcher/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return &Store{db: db}, mock, func() { db.Close() }
}

func TestGetAgent_Found(t *testing.T) {
	st, mock, cleanup := newMockStore(t)
	defer cleanup()

	now := time.Unix(0, 0)
	rows := sqlmock.NewRows([]string{"id", "display_name", "credential_hash", "capacity", "enabled", "admin", "created_at"}).
		AddRow(int64(9), "Alice", "hash", 10, true, false, now)
	mock.ExpectQuery("SELECT id, display_name, credential_hash, capacity, enabled, admin, created_at").
		WithArgs(int64(9)).
		WillReturnRows(rows)

	agent, err := st.GetAgent(context.Background(), 9)
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "Alice", agent.DisplayName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAgent_NotFound(t *testing.T) {
	st, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, display_name, credential_hash, capacity, enabled, admin, created_at").
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	agent, err := st.GetAgent(context.Background(), 404)
	require.NoError(t, err)
	assert.Nil(t, agent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveConversationCount(t *testing.T) {
	st, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := st.ActiveConversationCount(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssign_ConflictWhenNoRowsAffected(t *testing.T) {
	st, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE conversations SET agent_id").
		WithArgs(int64(1), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.Assign(context.Background(), 1, 9)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssign_Success(t *testing.T) {
	st, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE conversations SET agent_id").
		WithArgs(int64(1), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.Assign(context.Background(), 1, 9)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRead_FlipsOppositeSenderKind(t *testing.T) {
	st, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE messages SET read = TRUE").
		WithArgs(int64(1), models.SenderCustomer).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := st.MarkRead(context.Background(), 1, models.SenderAgent)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitingQueue_ScansRows(t *testing.T) {
	st, mock, cleanup := newMockStore(t)
	defer cleanup()

	now := time.Unix(0, 0)
	rows := sqlmock.NewRows([]string{
		"id", "customer_id", "agent_id", "status", "last_message_at",
		"last_agent_reply_at", "last_customer_message_at", "closed_at", "created_at",
	}).AddRow(int64(1), int64(100), nil, string(models.StatusWaiting), nil, nil, nil, nil, now)
	mock.ExpectQuery("FROM conversations").WithArgs(5).WillReturnRows(rows)

	convs, err := st.WaitingQueue(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, int64(1), convs[0].ID)
	assert.Equal(t, models.StatusWaiting, convs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrOpenFor_ReturnsExistingConversation(t *testing.T) {
	st, mock, cleanup := newMockStore(t)
	defer cleanup()

	now := time.Unix(0, 0)
	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{
		"id", "customer_id", "agent_id", "status", "last_message_at",
		"last_agent_reply_at", "last_customer_message_at", "closed_at", "created_at",
	}).AddRow(int64(1), int64(100), nil, string(models.StatusWaiting), nil, nil, nil, nil, now)
	mock.ExpectQuery("FROM conversations WHERE customer_id").WithArgs(int64(100)).WillReturnRows(rows)
	mock.ExpectCommit()

	conv, created, err := st.GetOrOpenFor(context.Background(), 100)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(1), conv.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
