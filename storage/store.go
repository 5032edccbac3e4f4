package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"calendar-live/domain"
)

// Store is the system of record for events, backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New connects to the database at databaseURL and verifies the connection.
func New(ctx context.Context, databaseURL string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// EnsureSchema creates the events table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

const eventColumns = `id, name, description, start_at, end_at, location, online_link,
	min_attendees, max_attendees, location_notes, preparation_notes`

// Create inserts a new event under id.
func (s *Store) Create(ctx context.Context, id string, in domain.EventInput) (domain.Event, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO events (`+eventColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+eventColumns,
		id, in.Name, in.Description, in.Start, in.End, in.Location, in.OnlineLink,
		intArg(in.MinAttendees), intArg(in.MaxAttendees), in.LocationNotes, in.PreparationNotes,
		s.now().UTC(),
	)
	ev, err := scanEvent(row)
	if err != nil {
		return domain.Event{}, fmt.Errorf("insert event %s: %w", id, err)
	}
	return ev, nil
}

// Update replaces every mutable field of the event with the given id.
func (s *Store) Update(ctx context.Context, id string, in domain.EventInput) (domain.Event, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE events SET
			name = $2, description = $3, start_at = $4, end_at = $5,
			location = $6, online_link = $7, min_attendees = $8, max_attendees = $9,
			location_notes = $10, preparation_notes = $11, updated_at = $12
		WHERE id = $1
		RETURNING `+eventColumns,
		id, in.Name, in.Description, in.Start, in.End, in.Location, in.OnlineLink,
		intArg(in.MinAttendees), intArg(in.MaxAttendees), in.LocationNotes, in.PreparationNotes,
		s.now().UTC(),
	)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, &domain.NotFoundError{ID: id}
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("update event %s: %w", id, err)
	}
	return ev, nil
}

// Delete removes the event with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{ID: id}
	}
	return nil
}

// Get loads a single event.
func (s *Store) Get(ctx context.Context, id string) (domain.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, &domain.NotFoundError{ID: id}
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// List returns every event ordered by start.
func (s *Store) List(ctx context.Context) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events ORDER BY start_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		ev     domain.Event
		lo, hi *int32
	)
	err := row.Scan(
		&ev.ID,
		&ev.Name,
		&ev.Description,
		&ev.Start,
		&ev.End,
		&ev.Location,
		&ev.OnlineLink,
		&lo,
		&hi,
		&ev.LocationNotes,
		&ev.PreparationNotes,
	)
	if err != nil {
		return domain.Event{}, err
	}
	ev.MinAttendees = intPtr(lo)
	ev.MaxAttendees = intPtr(hi)
	return ev, nil
}

func intArg(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
