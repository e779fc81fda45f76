package database

import (
	"context"
	"database/sql"

	"smsrelay/internal/models"
)

// LookupSubscribers returns the chat IDs of active users owning phone
func (d *Database) LookupSubscribers(ctx context.Context, phone string) ([]string, error) {
	var chatIDs []string
	err := d.run(ctx, "lookup_subscribers", func(ctx context.Context, tx *sql.Tx) error {
		chatIDs = chatIDs[:0]
		rows, err := tx.QueryContext(ctx, d.rebind(selectSubscribersQuery), phone, true)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			chatIDs = append(chatIDs, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return chatIDs, nil
}

// InsertLog stores an audit log entry
func (d *Database) InsertLog(ctx context.Context, entry models.AuditLogEntry) error {
	var userTime any
	if entry.TimestampUser != nil {
		userTime = entry.TimestampUser.UTC()
	}
	return d.run(ctx, "insert_log", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, d.rebind(insertLogQuery),
			entry.Timestamp.UTC(), userTime, entry.Action, nullString(entry.User),
			entry.IPAddress, entry.City, entry.Country, nullString(entry.Proxy), nullString(entry.Description),
		)
		return err
	})
}

// Versions lists every published application version
func (d *Database) Versions(ctx context.Context) ([]models.Version, error) {
	var versions []models.Version
	err := d.run(ctx, "list_versions", func(ctx context.Context, tx *sql.Tx) error {
		versions = versions[:0]
		rows, err := tx.QueryContext(ctx, d.rebind(selectVersionsQuery))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var v models.Version
			if err := rows.Scan(&v.Version, &v.URL); err != nil {
				return err
			}
			versions = append(versions, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
