package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/digkill/GrammarBot/internal/models"
)

type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Log(ctx context.Context, event models.AnalyticsEvent) error {
	const query = `
INSERT INTO analytics_events (id, user_id, name, created_at)
VALUES (?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, event.ID, event.UserID, event.Name, event.CreatedAt); err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}
	return nil
}

type EventCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// CountSince aggregates events by name, used by the admin stats endpoint.
func (r *EventRepository) CountSince(ctx context.Context, since time.Time) ([]EventCount, error) {
	const query = `
SELECT name, COUNT(*) FROM analytics_events
WHERE created_at >= ?
GROUP BY name
ORDER BY COUNT(*) DESC`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("count analytics events: %w", err)
	}
	defer rows.Close()

	var counts []EventCount
	for rows.Next() {
		var c EventCount
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
