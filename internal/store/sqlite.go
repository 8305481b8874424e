package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentworkforce/shellvault/internal/metrics"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is the lightweight embedded engine, intended for single-host and
// self-hosted deployments. SQLite allows one writer at a time, so the pool
// is pinned to a single connection; the database/sql queue then serializes
// concurrent callers instead of surfacing SQLITE_BUSY.
type SQLite struct {
	db      *sql.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	opts = opts.withDefaults()
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrInvalidInput)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, wrapErr("open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapErr("connect sqlite", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, wrapErr("apply sqlite pragmas", err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, wrapErr("apply sqlite schema", err)
	}
	return &SQLite{db: db, logger: opts.Logger, metrics: opts.Metrics}, nil
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) observe(op string, err error) error {
	s.metrics.OperationsTotal.WithLabelValues(op).Inc()
	if err != nil {
		s.metrics.FailuresTotal.WithLabelValues(op).Inc()
	}
	return err
}

func (s *SQLite) AddUser(ctx context.Context, user NewUser) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, password)
		VALUES (?, ?, ?)`,
		user.Username, user.Email, user.Password)
	if err != nil {
		return 0, wrapErr("add user", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr("add user", err)
	}
	return id, nil
}

func (s *SQLite) GetUser(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password, verified_at
		FROM users WHERE username = ?`, username)
	return scanUser(row, "get user")
}

func (s *SQLite) GetSessionUser(ctx context.Context, token string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT users.id, users.username, users.email, users.password, users.verified_at
		FROM users
		INNER JOIN sessions ON users.id = sessions.user_id AND sessions.token = ?`, token)
	return scanUser(row, "get session user")
}

func (s *SQLite) UserVerified(ctx context.Context, id int64) (bool, error) {
	var verified sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT verified_at FROM users WHERE id = ?`, id).Scan(&verified)
	if err != nil {
		return false, wrapErr("user verified", err)
	}
	return verified.Valid, nil
}

func (s *SQLite) VerifyUser(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET verified_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return wrapErr("verify user", err)
}

func (s *SQLite) UserVerificationToken(ctx context.Context, id int64) (string, error) {
	var token string
	var validUntil time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT token, valid_until FROM user_verification_tokens
		WHERE user_id = ?`, id).Scan(&token, &validUntil)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		token, err = cryptoRandomString(verificationTokenBytes)
		if err != nil {
			return "", wrapErr("verification token", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO user_verification_tokens (user_id, token, valid_until)
			VALUES (?, ?, ?)`,
			id, token, time.Now().UTC().Add(verificationTokenValidity))
		if err != nil {
			return "", wrapErr("verification token", err)
		}
		return token, nil
	case err != nil:
		return "", wrapErr("verification token", err)
	}

	if time.Now().After(validUntil) {
		token, err = cryptoRandomString(verificationTokenBytes)
		if err != nil {
			return "", wrapErr("verification token", err)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE user_verification_tokens SET token = ?, valid_until = ?
			WHERE user_id = ?`,
			token, time.Now().UTC().Add(verificationTokenValidity), id)
		if err != nil {
			return "", wrapErr("verification token", err)
		}
	}
	return token, nil
}

func (s *SQLite) UpdateUserPassword(ctx context.Context, id int64, password string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET password = ? WHERE id = ?`, password, id)
	return wrapErr("update user password", err)
}

func (s *SQLite) DeleteUser(ctx context.Context, user *User) error {
	if user == nil {
		return fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("delete user: begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	owned := []string{
		`DELETE FROM sessions WHERE user_id = ?`,
		`DELETE FROM history WHERE user_id = ?`,
		`DELETE FROM store WHERE user_id = ?`,
		`DELETE FROM store_idx_cache WHERE user_id = ?`,
		`DELETE FROM user_verification_tokens WHERE user_id = ?`,
		`DELETE FROM total_history_count_user WHERE user_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	}
	for _, query := range owned {
		if _, err := tx.ExecContext(ctx, query, user.ID); err != nil {
			return wrapErr("delete user", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("delete user: commit", err)
	}
	committed = true
	return nil
}

func (s *SQLite) AddSession(ctx context.Context, session NewSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, token) VALUES (?, ?)`,
		session.UserID, session.Token)
	return wrapErr("add session", err)
}

func (s *SQLite) GetSession(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token FROM sessions WHERE token = ?`, token,
	).Scan(&sess.ID, &sess.UserID, &sess.Token)
	if err != nil {
		return nil, wrapErr("get session", err)
	}
	return &sess, nil
}

func (s *SQLite) GetUserSession(ctx context.Context, user *User) (*Session, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token FROM sessions WHERE user_id = ?`, user.ID,
	).Scan(&sess.ID, &sess.UserID, &sess.Token)
	if err != nil {
		return nil, wrapErr("get user session", err)
	}
	return &sess, nil
}

func (s *SQLite) AddHistory(ctx context.Context, history []NewHistory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("add history: begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	inserted := make(map[int64]int64)
	for _, h := range history {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO history (client_id, user_id, hostname, timestamp, data)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			h.ClientID, h.UserID, h.Hostname, h.Timestamp.UTC(), h.Data)
		if err != nil {
			return wrapErr("add history", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return wrapErr("add history", err)
		}
		inserted[h.UserID] += rows
	}
	for userID, count := range inserted {
		if count == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO total_history_count_user (user_id, total)
			VALUES (?, ?)
			ON CONFLICT (user_id)
			DO UPDATE SET total = total_history_count_user.total + excluded.total`,
			userID, count); err != nil {
			return wrapErr("add history: count cache", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("add history: commit", err)
	}
	committed = true
	return nil
}

func (s *SQLite) ListHistory(ctx context.Context, user *User, createdAfter, since time.Time, host string, pageSize int64) ([]History, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, user_id, hostname, timestamp, data, created_at
		FROM history
		WHERE user_id = ? AND hostname != ? AND created_at >= ? AND timestamp >= ?
		ORDER BY timestamp ASC
		LIMIT ?`,
		user.ID, host, createdAfter.UTC(), since.UTC(), pageSize)
	if err != nil {
		return nil, wrapErr("list history", err)
	}
	defer rows.Close()
	return collectHistory(rows, "list history")
}

func (s *SQLite) DeleteHistory(ctx context.Context, user *User, clientID string) error {
	if user == nil {
		return fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE history SET deleted_at = ?
		WHERE user_id = ? AND client_id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), user.ID, clientID)
	return wrapErr("delete history", err)
}

func (s *SQLite) DeletedHistory(ctx context.Context, user *User) ([]string, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id FROM history
		WHERE user_id = ? AND deleted_at IS NOT NULL`, user.ID)
	if err != nil {
		return nil, wrapErr("deleted history", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("deleted history", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapErr("deleted history", rows.Err())
}

func (s *SQLite) CountHistory(ctx context.Context, user *User) (int64, error) {
	if user == nil {
		return 0, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM history WHERE user_id = ?`, user.ID).Scan(&total)
	return total, wrapErr("count history", err)
}

func (s *SQLite) CountHistoryCached(ctx context.Context, user *User) (int64, error) {
	if user == nil {
		return 0, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT total FROM total_history_count_user WHERE user_id = ?`, user.ID).Scan(&total)
	if err != nil {
		return 0, wrapErr("count history cached", err)
	}
	return total, nil
}

func (s *SQLite) CountHistoryRange(ctx context.Context, user *User, start, end time.Time) (int64, error) {
	if user == nil {
		return 0, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM history
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?`,
		user.ID, start.UTC(), end.UTC()).Scan(&total)
	return total, wrapErr("count history range", err)
}

func (s *SQLite) TotalHistory(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total), 0) FROM total_history_count_user`).Scan(&total)
	return total, wrapErr("total history", err)
}

func (s *SQLite) OldestHistory(ctx context.Context, user *User) (*History, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	var h History
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, user_id, hostname, timestamp, data, created_at
		FROM history
		WHERE user_id = ?
		ORDER BY timestamp ASC
		LIMIT 1`, user.ID,
	).Scan(&h.ID, &h.ClientID, &h.UserID, &h.Hostname, &h.Timestamp, &h.Data, &h.CreatedAt)
	if err != nil {
		return nil, wrapErr("oldest history", err)
	}
	return &h, nil
}

func (s *SQLite) AddRecords(ctx context.Context, user *User, records []Record) (err error) {
	defer func() { err = s.observe("add_records", err) }()
	if user == nil {
		return fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("add records: begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, r := range records {
		rowID, err := uuid.NewV7()
		if err != nil {
			return wrapErr("add records: row id", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO store (id, client_id, host, idx, timestamp, version, tag, data, cek, user_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			rowID.String(), r.ID.String(), r.Host.String(), int64(r.Idx), int64(r.Timestamp),
			r.Version, r.Tag, r.Data, r.ContentEncryptionKey, user.ID,
		); err != nil {
			return wrapErr("add records: insert", err)
		}
	}

	// One compare-and-set upsert per touched stream; concurrent batches for
	// the same stream merge through the engine's native atomic upsert, not
	// through any application lock.
	for key, idx := range batchHeads(records) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO store_idx_cache (user_id, host, tag, idx)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, host, tag)
			DO UPDATE SET idx = max(store_idx_cache.idx, excluded.idx)`,
			user.ID, key.host.String(), key.tag, int64(idx),
		); err != nil {
			return wrapErr("add records: cache upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("add records: commit", err)
	}
	committed = true
	return nil
}

func (s *SQLite) NextRecords(ctx context.Context, user *User, host uuid.UUID, tag string, start uint64, count int64) (records []Record, err error) {
	defer func() { err = s.observe("next_records", err) }()
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, host, idx, timestamp, version, tag, data, cek
		FROM store
		WHERE user_id = ? AND host = ? AND tag = ? AND idx >= ?
		ORDER BY idx ASC
		LIMIT ?`,
		user.ID, host.String(), tag, int64(start), count)
	if err != nil {
		return nil, wrapErr("next records", err)
	}
	defer rows.Close()
	return collectRecords(rows, "next records")
}

func (s *SQLite) Status(ctx context.Context, user *User) (status RecordStatus, err error) {
	defer func() { err = s.observe("status", err) }()
	if user == nil {
		return RecordStatus{}, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	authoritative, err := queryStreamHeads(ctx, s.db, `
		SELECT host, tag, MAX(idx) FROM store
		WHERE user_id = ? GROUP BY host, tag`, user.ID)
	if err != nil {
		return RecordStatus{}, wrapErr("status", err)
	}
	cached, err := queryStreamHeads(ctx, s.db, `
		SELECT host, tag, idx FROM store_idx_cache
		WHERE user_id = ?`, user.ID)
	if err != nil {
		return RecordStatus{}, wrapErr("status", err)
	}

	reconcileIdxCache(s.logger, s.metrics, user.Username, authoritative, cached)

	status, err = buildRecordStatus(authoritative)
	if err != nil {
		return RecordStatus{}, wrapErr("status", err)
	}
	return status, nil
}

func (s *SQLite) DeleteStore(ctx context.Context, user *User) (err error) {
	defer func() { err = s.observe("delete_store", err) }()
	if user == nil {
		return fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("delete store: begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM store WHERE user_id = ?`, user.ID); err != nil {
		return wrapErr("delete store", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM store_idx_cache WHERE user_id = ?`, user.ID); err != nil {
		return wrapErr("delete store: cache", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("delete store: commit", err)
	}
	committed = true
	return nil
}
