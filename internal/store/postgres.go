package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/agentworkforce/shellvault/internal/metrics"
)

//go:embed schema_postgres.sql
var postgresSchema string

const (
	postgresDefaultMaxConnections = 100

	verificationTokenValidity = 15 * time.Minute
	verificationTokenBytes    = 24
)

// Postgres is the production storage engine. One value owns one
// database/sql pool; the pool is created in NewPostgres and drained by
// Close.
type Postgres struct {
	db      *sql.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewPostgres(ctx context.Context, uri string, opts Options) (*Postgres, error) {
	opts = opts.withDefaults()

	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, wrapErr("open postgres", err)
	}
	if opts.MaxConnections > 0 {
		db.SetMaxOpenConns(opts.MaxConnections)
	} else {
		db.SetMaxOpenConns(postgresDefaultMaxConnections)
	}
	if opts.MaxIdle > 0 {
		db.SetMaxIdleConns(opts.MaxIdle)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapErr("connect postgres", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, wrapErr("apply postgres schema", err)
	}
	return &Postgres{db: db, logger: opts.Logger, metrics: opts.Metrics}, nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) observe(op string, err error) error {
	p.metrics.OperationsTotal.WithLabelValues(op).Inc()
	if err != nil {
		p.metrics.FailuresTotal.WithLabelValues(op).Inc()
	}
	return err
}

func (p *Postgres) AddUser(ctx context.Context, user NewUser) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password)
		VALUES ($1, $2, $3)
		RETURNING id`,
		user.Username, user.Email, user.Password,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("add user", err)
	}
	return id, nil
}

func (p *Postgres) GetUser(ctx context.Context, username string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, username, email, password, verified_at
		FROM users WHERE username = $1`, username)
	return scanUser(row, "get user")
}

func (p *Postgres) GetSessionUser(ctx context.Context, token string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT users.id, users.username, users.email, users.password, users.verified_at
		FROM users
		INNER JOIN sessions ON users.id = sessions.user_id AND sessions.token = $1`, token)
	return scanUser(row, "get session user")
}

func (p *Postgres) UserVerified(ctx context.Context, id int64) (bool, error) {
	var verified sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT verified_at FROM users WHERE id = $1`, id).Scan(&verified)
	if err != nil {
		return false, wrapErr("user verified", err)
	}
	return verified.Valid, nil
}

func (p *Postgres) VerifyUser(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE users SET verified_at = NOW() WHERE id = $1`, id)
	return wrapErr("verify user", err)
}

func (p *Postgres) UserVerificationToken(ctx context.Context, id int64) (string, error) {
	var (
		token      string
		validUntil time.Time
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT token, valid_until FROM user_verification_tokens
		WHERE user_id = $1`, id).Scan(&token, &validUntil)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		token, err = cryptoRandomString(verificationTokenBytes)
		if err != nil {
			return "", wrapErr("verification token", err)
		}
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO user_verification_tokens (user_id, token, valid_until)
			VALUES ($1, $2, $3)`,
			id, token, time.Now().Add(verificationTokenValidity))
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
		_, err = p.db.ExecContext(ctx, `
			UPDATE user_verification_tokens SET token = $2, valid_until = $3
			WHERE user_id = $1`,
			id, token, time.Now().Add(verificationTokenValidity))
		if err != nil {
			return "", wrapErr("verification token", err)
		}
	}
	return token, nil
}

func (p *Postgres) UpdateUserPassword(ctx context.Context, id int64, password string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE users SET password = $1 WHERE id = $2`, password, id)
	return wrapErr("update user password", err)
}

func (p *Postgres) DeleteUser(ctx context.Context, user *User) error {
	if user == nil {
		return fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	tx, err := p.db.BeginTx(ctx, nil)
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
		`DELETE FROM sessions WHERE user_id = $1`,
		`DELETE FROM history WHERE user_id = $1`,
		`DELETE FROM store WHERE user_id = $1`,
		`DELETE FROM store_idx_cache WHERE user_id = $1`,
		`DELETE FROM user_verification_tokens WHERE user_id = $1`,
		`DELETE FROM total_history_count_user WHERE user_id = $1`,
		`DELETE FROM users WHERE id = $1`,
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

func (p *Postgres) AddSession(ctx context.Context, session NewSession) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, token) VALUES ($1, $2)`,
		session.UserID, session.Token)
	return wrapErr("add session", err)
}

func (p *Postgres) GetSession(ctx context.Context, token string) (*Session, error) {
	var s Session
	err := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, token FROM sessions WHERE token = $1`, token,
	).Scan(&s.ID, &s.UserID, &s.Token)
	if err != nil {
		return nil, wrapErr("get session", err)
	}
	return &s, nil
}

func (p *Postgres) GetUserSession(ctx context.Context, user *User) (*Session, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	var s Session
	err := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, token FROM sessions WHERE user_id = $1`, user.ID,
	).Scan(&s.ID, &s.UserID, &s.Token)
	if err != nil {
		return nil, wrapErr("get user session", err)
	}
	return &s, nil
}

func (p *Postgres) AddHistory(ctx context.Context, history []NewHistory) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("add history: begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Count only rows that actually landed, so idempotent re-submissions do
	// not inflate the cached totals.
	inserted := make(map[int64]int64)
	for _, h := range history {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO history (client_id, user_id, hostname, timestamp, data)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			h.ClientID, h.UserID, h.Hostname, h.Timestamp, h.Data)
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
			VALUES ($1, $2)
			ON CONFLICT (user_id)
			DO UPDATE SET total = total_history_count_user.total + EXCLUDED.total`,
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

func (p *Postgres) ListHistory(ctx context.Context, user *User, createdAfter, since time.Time, host string, pageSize int64) ([]History, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, client_id, user_id, hostname, timestamp, data, created_at
		FROM history
		WHERE user_id = $1 AND hostname != $2 AND created_at >= $3 AND timestamp >= $4
		ORDER BY timestamp ASC
		LIMIT $5`,
		user.ID, host, createdAfter, since, pageSize)
	if err != nil {
		return nil, wrapErr("list history", err)
	}
	defer rows.Close()
	return collectHistory(rows, "list history")
}

func (p *Postgres) DeleteHistory(ctx context.Context, user *User, clientID string) error {
	if user == nil {
		return fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	// deleted_at is set once; repeated deletions keep the original time.
	_, err := p.db.ExecContext(ctx, `
		UPDATE history SET deleted_at = NOW()
		WHERE user_id = $1 AND client_id = $2 AND deleted_at IS NULL`,
		user.ID, clientID)
	return wrapErr("delete history", err)
}

func (p *Postgres) DeletedHistory(ctx context.Context, user *User) ([]string, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT client_id FROM history
		WHERE user_id = $1 AND deleted_at IS NOT NULL`, user.ID)
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

func (p *Postgres) CountHistory(ctx context.Context, user *User) (int64, error) {
	if user == nil {
		return 0, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	var total int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM history WHERE user_id = $1`, user.ID).Scan(&total)
	return total, wrapErr("count history", err)
}

func (p *Postgres) CountHistoryCached(ctx context.Context, user *User) (int64, error) {
	if user == nil {
		return 0, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	var total int64
	err := p.db.QueryRowContext(ctx,
		`SELECT total FROM total_history_count_user WHERE user_id = $1`, user.ID).Scan(&total)
	if err != nil {
		return 0, wrapErr("count history cached", err)
	}
	return total, nil
}

func (p *Postgres) CountHistoryRange(ctx context.Context, user *User, start, end time.Time) (int64, error) {
	if user == nil {
		return 0, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM history
		WHERE user_id = $1 AND timestamp >= $2 AND timestamp < $3`,
		user.ID, start, end).Scan(&total)
	return total, wrapErr("count history range", err)
}

func (p *Postgres) TotalHistory(ctx context.Context) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total), 0) FROM total_history_count_user`).Scan(&total)
	return total, wrapErr("total history", err)
}

func (p *Postgres) OldestHistory(ctx context.Context, user *User) (*History, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	var h History
	err := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, user_id, hostname, timestamp, data, created_at
		FROM history
		WHERE user_id = $1
		ORDER BY timestamp ASC
		LIMIT 1`, user.ID,
	).Scan(&h.ID, &h.ClientID, &h.UserID, &h.Hostname, &h.Timestamp, &h.Data, &h.CreatedAt)
	if err != nil {
		return nil, wrapErr("oldest history", err)
	}
	return &h, nil
}

func (p *Postgres) AddRecords(ctx context.Context, user *User, records []Record) (err error) {
	defer func() { err = p.observe("add_records", err) }()
	if user == nil {
		return fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	tx, err := p.db.BeginTx(ctx, nil)
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
		// Conflicts on the record identity mean the author re-sent a record
		// we already hold; at-least-once delivery makes that routine.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO store (id, client_id, host, idx, timestamp, version, tag, data, cek, user_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT DO NOTHING`,
			rowID.String(), r.ID.String(), r.Host.String(), int64(r.Idx), int64(r.Timestamp),
			r.Version, r.Tag, r.Data, r.ContentEncryptionKey, user.ID,
		); err != nil {
			return wrapErr("add records: insert", err)
		}
	}

	for key, idx := range batchHeads(records) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO store_idx_cache (user_id, host, tag, idx)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, host, tag)
			DO UPDATE SET idx = GREATEST(store_idx_cache.idx, EXCLUDED.idx)`,
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

func (p *Postgres) NextRecords(ctx context.Context, user *User, host uuid.UUID, tag string, start uint64, count int64) (records []Record, err error) {
	defer func() { err = p.observe("next_records", err) }()
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT client_id, host, idx, timestamp, version, tag, data, cek
		FROM store
		WHERE user_id = $1 AND host = $2 AND tag = $3 AND idx >= $4
		ORDER BY idx ASC
		LIMIT $5`,
		user.ID, host.String(), tag, int64(start), count)
	if err != nil {
		return nil, wrapErr("next records", err)
	}
	defer rows.Close()
	return collectRecords(rows, "next records")
}

func (p *Postgres) Status(ctx context.Context, user *User) (status RecordStatus, err error) {
	defer func() { err = p.observe("status", err) }()
	if user == nil {
		return RecordStatus{}, fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	authoritative, err := queryStreamHeads(ctx, p.db, `
		SELECT host, tag, MAX(idx) FROM store
		WHERE user_id = $1 GROUP BY host, tag`, user.ID)
	if err != nil {
		return RecordStatus{}, wrapErr("status", err)
	}
	cached, err := queryStreamHeads(ctx, p.db, `
		SELECT host, tag, idx FROM store_idx_cache
		WHERE user_id = $1`, user.ID)
	if err != nil {
		return RecordStatus{}, wrapErr("status", err)
	}

	reconcileIdxCache(p.logger, p.metrics, user.Username, authoritative, cached)

	status, err = buildRecordStatus(authoritative)
	if err != nil {
		return RecordStatus{}, wrapErr("status", err)
	}
	return status, nil
}

func (p *Postgres) DeleteStore(ctx context.Context, user *User) (err error) {
	defer func() { err = p.observe("delete_store", err) }()
	if user == nil {
		return fmt.Errorf("%w: nil user", ErrInvalidInput)
	}
	tx, err := p.db.BeginTx(ctx, nil)
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
		`DELETE FROM store WHERE user_id = $1`, user.ID); err != nil {
		return wrapErr("delete store", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM store_idx_cache WHERE user_id = $1`, user.ID); err != nil {
		return wrapErr("delete store: cache", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("delete store: commit", err)
	}
	committed = true
	return nil
}
