package events

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrEventNotFound = errors.New("calendar event not found")

// StoredEvent is the persisted calendar event row.
type StoredEvent struct {
	EventID         string     `json:"event_id"`
	HouseholdID     string     `json:"household_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Location        string     `json:"location,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	CreatedByUserID string     `json:"created_by_user_id"`
	CreatedByName   string     `json:"created_by_name"`
	CreatedAt       time.Time  `json:"created_at"`
}

const createCalendarEventsTableSQL = `
CREATE TABLE IF NOT EXISTS calendar_events (
  event_id text PRIMARY KEY,
  household_id text NOT NULL,
  title text NOT NULL,
  description text NOT NULL DEFAULT '',
  location text NOT NULL DEFAULT '',
  start_time timestamptz NOT NULL,
  end_time timestamptz,
  created_by_user_id text NOT NULL,
  created_by_name text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL
)`

const createCalendarEventsHouseholdIdxSQL = `
CREATE INDEX IF NOT EXISTS calendar_events_household_start_idx
ON calendar_events (household_id, start_time)`

const insertCalendarEventSQL = `
INSERT INTO calendar_events (
  event_id, household_id, title, description, location,
  start_time, end_time, created_by_user_id, created_by_name, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (event_id) DO NOTHING
`

const selectCalendarEventColumns = `
SELECT event_id, household_id, title, description, location,
       start_time, end_time, created_by_user_id, created_by_name, created_at
FROM calendar_events`

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createCalendarEventsTableSQL,
		createCalendarEventsHouseholdIdxSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) InsertEvent(ctx context.Context, event StoredEvent) error {
	_, err := r.Pool.Exec(ctx, insertCalendarEventSQL,
		event.EventID,
		event.HouseholdID,
		event.Title,
		event.Description,
		event.Location,
		event.StartTime,
		event.EndTime,
		event.CreatedByUserID,
		event.CreatedByName,
		event.CreatedAt,
	)
	return err
}

func (r *Repository) GetEventByID(ctx context.Context, eventID string) (StoredEvent, error) {
	var e StoredEvent
	err := r.Pool.QueryRow(ctx,
		selectCalendarEventColumns+` WHERE event_id = $1`,
		eventID,
	).Scan(
		&e.EventID,
		&e.HouseholdID,
		&e.Title,
		&e.Description,
		&e.Location,
		&e.StartTime,
		&e.EndTime,
		&e.CreatedByUserID,
		&e.CreatedByName,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StoredEvent{}, ErrEventNotFound
		}
		return StoredEvent{}, err
	}
	return e, nil
}

// ListHouseholdEvents returns upcoming-first events for one household,
// starting at or after the given time.
func (r *Repository) ListHouseholdEvents(ctx context.Context, householdID string, from time.Time, limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx,
		selectCalendarEventColumns+`
		 WHERE household_id = $1 AND start_time >= $2
		 ORDER BY start_time ASC
		 LIMIT $3`,
		householdID, from, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]StoredEvent, 0, limit)
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(
			&e.EventID,
			&e.HouseholdID,
			&e.Title,
			&e.Description,
			&e.Location,
			&e.StartTime,
			&e.EndTime,
			&e.CreatedByUserID,
			&e.CreatedByName,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
