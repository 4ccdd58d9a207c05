package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/swarmshield/swarmshield/pkg/events"
)

// EventLogService reads the durable PubSub event log for WebSocket catchup.
type EventLogService struct {
	db *sql.DB
}

// NewEventLogService creates an EventLogService.
func NewEventLogService(db *sql.DB) *EventLogService {
	return &EventLogService{db: db}
}

// GetCatchupEvents returns up to limit events on a channel with id greater
// than sinceID, oldest first. Implements events.CatchupQuerier.
func (s *EventLogService) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]events.CatchupEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM events WHERE channel = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	defer rows.Close()

	var out []events.CatchupEvent
	for rows.Next() {
		var evt events.CatchupEvent
		var payload jsonMap
		if err := rows.Scan(&evt.ID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan catchup event: %w", err)
		}
		evt.Payload = payload
		out = append(out, evt)
	}
	return out, rows.Err()
}
