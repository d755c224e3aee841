package pgmq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DB is the subset of *sql.DB the client needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Client wraps a Postgres DB for pgmq queue operations.
type Client struct {
	db DB
}

// New returns a new PGMQ client backed by the given DB connection.
func New(db DB) *Client {
	return &Client{db: db}
}

// Message represents a single pgmq message.
type Message struct {
	ID         int64     // message identifier
	ReadCount  int       // number of times the message has been read, including this one
	EnqueuedAt time.Time // when the message was sent
	Data       []byte    // raw JSON payload
}

// CreateQueue creates queue if it does not exist yet.
func (c *Client) CreateQueue(ctx context.Context, queue string) error {
	if _, err := c.db.ExecContext(ctx, "SELECT pgmq.create($1)", queue); err != nil {
		return fmt.Errorf("pgmq create %s failed: %w", queue, err)
	}
	return nil
}

// Send pushes a JSON payload into the given queue and returns the message id.
func (c *Client) Send(ctx context.Context, queue string, payload []byte) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, "SELECT pgmq.send($1, $2::jsonb, 0)", queue, string(payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("pgmq send to %s failed: %w", queue, err)
	}
	return id, nil
}

// ReadWithPoll reads up to maxMessages from the queue, blocking up to pollSec seconds.
// Read messages stay invisible for visibilitySec seconds unless deleted or archived.
func (c *Client) ReadWithPoll(ctx context.Context, queue string, visibilitySec, pollSec, maxMessages int) ([]*Message, error) {
	query := "SELECT msg_id, read_ct, enqueued_at, message FROM pgmq.read_with_poll($1, $2, $3, $4)"
	rows, err := c.db.QueryContext(ctx, query, queue, visibilitySec, maxMessages, pollSec)
	if err != nil {
		return nil, fmt.Errorf("pgmq read_with_poll on %s failed: %w", queue, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ReadCount, &m.EnqueuedAt, &m.Data); err != nil {
			return nil, fmt.Errorf("pgmq read scan failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgmq read rows error: %w", err)
	}
	return msgs, nil
}

// Delete removes messages by their IDs from the specified queue.
func (c *Client) Delete(ctx context.Context, queue string, msgIDs []int64) error {
	if _, err := c.db.ExecContext(ctx, "SELECT pgmq.delete($1, $2::bigint[])", queue, pq.Array(msgIDs)); err != nil {
		return fmt.Errorf("pgmq delete on %s failed: %w", queue, err)
	}
	return nil
}

// Archive moves a message to the queue's archive table.
func (c *Client) Archive(ctx context.Context, queue string, msgID int64) error {
	if _, err := c.db.ExecContext(ctx, "SELECT pgmq.archive($1, $2::bigint)", queue, msgID); err != nil {
		return fmt.Errorf("pgmq archive on %s failed: %w", queue, err)
	}
	return nil
}
