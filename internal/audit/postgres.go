package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/venuescout/accessguard/pkg/database"
)

// PostgresSink stores audit events in the access_audit_events table
type PostgresSink struct {
	db  *database.DB
	now func() time.Time
}

// NewPostgresSink creates a sink over an open connection. The schema is
// expected to exist; see database.DB.CreateSchema.
func NewPostgresSink(db *database.DB) *PostgresSink {
	return &PostgresSink{db: db, now: time.Now}
}

// Record is a stored audit event
type Record struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Identity   string                 `json:"identity,omitempty"`
	Origin     string                 `json:"origin,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Filter narrows Events. Zero fields match everything.
type Filter struct {
	Name     string
	Identity string
	Origin   string
	Since    time.Time
	Limit    int
}

// LogEvent inserts one event
func (s *PostgresSink) LogEvent(ctx context.Context, name string, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	id := eventID(payload)
	if id == "" {
		id = uuid.New().String()
	}
	identity, _ := payload[KeyIdentity].(string)
	origin, _ := payload[KeyOrigin].(string)

	query := `
		INSERT INTO access_audit_events (id, event_name, identity, origin, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err = s.db.ExecContext(ctx, query,
		id, name, nullable(identity), nullable(origin), timestampOf(payload, s.now), data)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Events returns stored events newest first
func (s *PostgresSink) Events(ctx context.Context, filter Filter) ([]Record, error) {
	query := `
		SELECT id, event_name, COALESCE(identity, ''), COALESCE(origin, ''), occurred_at, payload
		FROM access_audit_events
		WHERE 1=1`

	var args []interface{}
	argIndex := 1
	add := func(clause string, value interface{}) {
		query += fmt.Sprintf(" AND %s $%d", clause, argIndex)
		args = append(args, value)
		argIndex++
	}

	if filter.Name != "" {
		add("event_name =", filter.Name)
	}
	if filter.Identity != "" {
		add("identity =", filter.Identity)
	}
	if filter.Origin != "" {
		add("origin =", filter.Origin)
	}
	if !filter.Since.IsZero() {
		add("occurred_at >=", filter.Since)
	}

	query += " ORDER BY occurred_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, strings.TrimSpace(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r    Record
			data []byte
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Identity, &r.Origin, &r.OccurredAt, &data); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &r.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
