package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/famplan/organizer/internal/contracts"
)

// InboxEntry is one recipient's copy of an event-created notification.
type InboxEntry struct {
	NoticeID    string     `json:"notice_id"`
	RecipientID string     `json:"recipient_id"`
	EventID     string     `json:"event_id"`
	HouseholdID string     `json:"household_id"`
	Title       string     `json:"title"`
	StartTime   time.Time  `json:"start_time"`
	ActorUserID string     `json:"actor_user_id"`
	ActorName   string     `json:"actor_name"`
	OccurredAt  time.Time  `json:"occurred_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

const createInboxTableSQL = `
CREATE TABLE IF NOT EXISTS notification_inbox (
  notice_id text NOT NULL,
  recipient_id text NOT NULL,
  event_id text NOT NULL,
  household_id text NOT NULL,
  title text NOT NULL,
  start_time timestamptz NOT NULL,
  actor_user_id text NOT NULL,
  actor_name text NOT NULL DEFAULT '',
  shard_id integer NOT NULL,
  stream_seq bigint NOT NULL DEFAULT 0,
  occurred_at timestamptz NOT NULL,
  read_at timestamptz,
  inserted_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (notice_id, recipient_id)
)`

const createInboxRecipientIdxSQL = `
CREATE INDEX IF NOT EXISTS notification_inbox_recipient_idx
ON notification_inbox (recipient_id, occurred_at DESC)`

const insertInboxEntrySQL = `
INSERT INTO notification_inbox (
  notice_id, recipient_id, event_id, household_id, title,
  start_time, actor_user_id, actor_name, shard_id, stream_seq, occurred_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (notice_id, recipient_id) DO NOTHING
`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createInboxTableSQL, createInboxRecipientIdxSQL} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertInboxEntries writes one row per recipient in a single batch.
// Redelivered notices hit the conflict clause and insert nothing, which
// keeps the fan-out idempotent per (notice, recipient).
func (r *PostgresRepository) InsertInboxEntries(ctx context.Context, notice contracts.EventCreatedNotice, streamSeq uint64) error {
	if len(notice.RecipientIDs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, recipientID := range notice.RecipientIDs {
		batch.Queue(insertInboxEntrySQL,
			notice.NoticeID,
			recipientID,
			notice.EventID,
			notice.HouseholdID,
			notice.Title,
			notice.StartTime,
			notice.ActorUserID,
			notice.ActorName,
			notice.ShardID,
			streamSeq,
			notice.OccurredAt,
		)
	}
	results := r.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range notice.RecipientIDs {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) ListInbox(ctx context.Context, recipientID string, limit int) ([]InboxEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT notice_id, recipient_id, event_id, household_id, title,
		        start_time, actor_user_id, actor_name, occurred_at, read_at
		 FROM notification_inbox
		 WHERE recipient_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT $2`,
		recipientID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]InboxEntry, 0, limit)
	for rows.Next() {
		var e InboxEntry
		if err := rows.Scan(
			&e.NoticeID,
			&e.RecipientID,
			&e.EventID,
			&e.HouseholdID,
			&e.Title,
			&e.StartTime,
			&e.ActorUserID,
			&e.ActorName,
			&e.OccurredAt,
			&e.ReadAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *PostgresRepository) MarkRead(ctx context.Context, recipientID, noticeID string) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE notification_inbox
		 SET read_at = now()
		 WHERE recipient_id = $1 AND notice_id = $2 AND read_at IS NULL`,
		recipientID, noticeID,
	)
	return err
}
