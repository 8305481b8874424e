package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Row scanning shared by both SQL engines. Table layouts are identical
// across engines, only the SQL dialect differs.

func scanUser(row *sql.Row, op string) (*User, error) {
	var (
		u        User
		verified sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Password, &verified); err != nil {
		return nil, wrapErr(op, err)
	}
	if verified.Valid {
		t := verified.Time
		u.Verified = &t
	}
	return &u, nil
}

func collectHistory(rows *sql.Rows, op string) ([]History, error) {
	out := make([]History, 0)
	for rows.Next() {
		var h History
		if err := rows.Scan(&h.ID, &h.ClientID, &h.UserID, &h.Hostname, &h.Timestamp, &h.Data, &h.CreatedAt); err != nil {
			return nil, wrapErr(op, err)
		}
		out = append(out, h)
	}
	return out, wrapErr(op, rows.Err())
}

// collectRecords rebuilds the public record shape from stored rows. Stored
// identifiers that no longer parse as uuids indicate corrupted data and
// fail the whole read; they are never silently dropped.
func collectRecords(rows *sql.Rows, op string) ([]Record, error) {
	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		var id, host string
		var idx, ts int64
		if err := rows.Scan(&id, &host, &idx, &ts, &r.Version, &r.Tag, &r.Data, &r.ContentEncryptionKey); err != nil {
			return nil, wrapErr(op, err)
		}
		recordID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed record id %q: %w", op, id, err)
		}
		hostID, err := uuid.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed host id %q: %w", op, host, err)
		}
		r.ID = recordID
		r.Host = hostID
		r.Idx = uint64(idx)
		r.Timestamp = uint64(ts)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return out, nil
}

func queryStreamHeads(ctx context.Context, db *sql.DB, query string, args ...any) ([]streamHead, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	heads := make([]streamHead, 0)
	for rows.Next() {
		var h streamHead
		if err := rows.Scan(&h.host, &h.tag, &h.idx); err != nil {
			return nil, err
		}
		heads = append(heads, h)
	}
	return heads, rows.Err()
}
