package pgmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestSendReturnsMessageID(t *testing.T) {
	c, mock := newMock(t)
	mock.ExpectQuery(`SELECT pgmq\.send`).
		WithArgs("refunds", `{"charge_id":"c1"}`).
		WillReturnRows(sqlmock.NewRows([]string{"send"}).AddRow(int64(42)))

	id, err := c.Send(context.Background(), "refunds", []byte(`{"charge_id":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendWrapsError(t *testing.T) {
	c, mock := newMock(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery(`SELECT pgmq\.send`).WillReturnError(boom)

	_, err := c.Send(context.Background(), "refunds", []byte(`{}`))
	assert.ErrorIs(t, err, boom)
}

func TestReadWithPoll(t *testing.T) {
	c, mock := newMock(t)
	enqueued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(`SELECT msg_id, read_ct, enqueued_at, message FROM pgmq\.read_with_poll`).
		WithArgs("refunds", 60, 2, 30).
		WillReturnRows(sqlmock.NewRows([]string{"msg_id", "read_ct", "enqueued_at", "message"}).
			AddRow(int64(1), 1, enqueued, []byte(`{"a":1}`)).
			AddRow(int64(2), 3, enqueued, []byte(`{"a":2}`)))

	msgs, err := c.ReadWithPoll(context.Background(), "refunds", 60, 30, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[1].ID)
	assert.Equal(t, 3, msgs[1].ReadCount)
	assert.Equal(t, enqueued, msgs[0].EnqueuedAt)
	assert.JSONEq(t, `{"a":1}`, string(msgs[0].Data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAndArchive(t *testing.T) {
	c, mock := newMock(t)
	mock.ExpectExec(`SELECT pgmq\.delete`).
		WithArgs("refunds", pq.Array([]int64{7, 8})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT pgmq\.archive`).
		WithArgs("refunds", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT pgmq\.create`).
		WithArgs("refunds_dlq").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	require.NoError(t, c.Delete(ctx, "refunds", []int64{7, 8}))
	require.NoError(t, c.Archive(ctx, "refunds", 9))
	require.NoError(t, c.CreateQueue(ctx, "refunds_dlq"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
