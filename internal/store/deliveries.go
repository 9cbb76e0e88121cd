// ABOUTME: Delivery log persistence for notification dispatches
// ABOUTME: Append-only; lookups never feed back into code resolution

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordDelivery appends a delivery attempt to the log.
func (s *SQLiteStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	query := `
		INSERT INTO deliveries (delivery_id, code, identity, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.Code,
		string(d.Identity),
		string(d.Status),
		nullString(d.Error),
		d.CreatedAt.UTC().Format(timestampFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}

	s.logger.Debug("recorded delivery", "id", d.ID, "status", d.Status)
	return nil
}

// timestampFormat is fixed width so created_at sorts correctly as text.
// RFC3339Nano trims trailing zeros, which breaks ordering within a second.
const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListDeliveries returns up to limit deliveries, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListDeliveries(ctx context.Context, code string, limit int) ([]*Delivery, error) {
	limit = normalizeLimit(limit)

	var rows *sql.Rows
	var err error
	if code == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT delivery_id, code, identity, status, error, created_at
			FROM deliveries
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT delivery_id, code, identity, status, error, created_at
			FROM deliveries
			WHERE code = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		`, code, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		var d Delivery
		var identity, status, createdAtStr string
		var errText sql.NullString

		if err := rows.Scan(&d.ID, &d.Code, &identity, &status, &errText, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning delivery row: %w", err)
		}

		d.Identity = Identity(identity)
		d.Status = DeliveryStatus(status)
		if errText.Valid {
			d.Error = errText.String
		}
		d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing delivery created_at: %w", err)
		}

		deliveries = append(deliveries, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery rows: %w", err)
	}

	return deliveries, nil
}
