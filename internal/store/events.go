package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultEventLimit = 100
	defaultActor      = "Agent"
)

// Event is one row of the activity log.
type Event struct {
	ID       string          `json:"id"`
	Entity   string          `json:"entity"`
	EntityID *string         `json:"entity_id"`
	Type     string          `json:"type"`
	Actor    string          `json:"actor"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	TS       time.Time       `json:"ts"`
}

// NewEvent is what a caller records. Payload is marshaled to JSON.
type NewEvent struct {
	Entity   string
	EntityID string
	Type     string
	Actor    string
	Payload  any
	At       time.Time // zero means now
}

// EventQuery bounds ListEvents. Zero From or To is unbounded.
type EventQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

// LogEvent appends to the activity log.
func (s *Store) LogEvent(in NewEvent) (*Event, error) {
	if in.Entity == "" || in.Type == "" {
		return nil, errors.New("log event: entity and type are required")
	}
	e := &Event{
		ID:     uuid.NewString(),
		Entity: in.Entity,
		Type:   in.Type,
		Actor:  in.Actor,
		TS:     in.At,
	}
	if e.Actor == "" {
		e.Actor = defaultActor
	}
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	e.TS = e.TS.UTC().Truncate(time.Millisecond)
	if in.EntityID != "" {
		id := in.EntityID
		e.EntityID = &id
	}

	var payload *string
	if in.Payload != nil {
		data, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		e.Payload = data
		p := string(data)
		payload = &p
	}

	_, err := s.db.Exec(`INSERT INTO events (id, entity, entity_id, type, actor, payload, ts, ts_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Entity, e.EntityID, e.Type, e.Actor, payload, e.TS.Format(time.RFC3339Nano), e.TS.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("log event: %w", err)
	}
	return e, nil
}

// ListEvents returns events in [From, To], newest first.
func (s *Store) ListEvents(q EventQuery) ([]*Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	query := "SELECT id, entity, entity_id, type, actor, payload, ts_epoch FROM events"
	var (
		clauses []string
		args    []any
	)
	if !q.From.IsZero() {
		clauses = append(clauses, "ts_epoch >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		clauses = append(clauses, "ts_epoch <= ?")
		args = append(args, q.To.UnixMilli())
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY ts_epoch DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload *string
		var epoch int64
		if err := rows.Scan(&e.ID, &e.Entity, &e.EntityID, &e.Type, &e.Actor, &payload, &epoch); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload != nil {
			e.Payload = json.RawMessage(*payload)
		}
		e.TS = time.UnixMilli(epoch).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
