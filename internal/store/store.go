// Package store implements the storage backend for the sync server: the
// append-only encrypted record store, its per-stream index cache, plain
// history, and user/session data, behind one capability interface with
// interchangeable engines.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentworkforce/shellvault/internal/metrics"
)

// Backend is the capability interface implemented once per storage engine.
// Every implementation must exhibit identical external behavior for each
// operation, including error-kind mapping, so callers stay engine-agnostic.
//
// Single-row lookups report a missing row as ErrNotFound. Collection reads
// report no rows as an empty slice. Any other storage failure is surfaced
// wrapped, never swallowed.
type Backend interface {
	// Name identifies the engine, e.g. "postgres" or "sqlite".
	Name() string
	// Close drains the connection pool. The backend is unusable afterwards.
	Close() error

	AddUser(ctx context.Context, user NewUser) (int64, error)
	GetUser(ctx context.Context, username string) (*User, error)
	GetSessionUser(ctx context.Context, token string) (*User, error)
	UserVerified(ctx context.Context, id int64) (bool, error)
	VerifyUser(ctx context.Context, id int64) error
	// UserVerificationToken returns a currently valid verification token for
	// the user, minting and storing a fresh one if none exists or the
	// existing one has expired.
	UserVerificationToken(ctx context.Context, id int64) (string, error)
	UpdateUserPassword(ctx context.Context, id int64, password string) error
	// DeleteUser removes the user and everything owned by it: sessions,
	// history, record store, index cache, counters and tokens.
	DeleteUser(ctx context.Context, user *User) error

	AddSession(ctx context.Context, session NewSession) error
	GetSession(ctx context.Context, token string) (*Session, error)
	GetUserSession(ctx context.Context, user *User) (*Session, error)

	AddHistory(ctx context.Context, history []NewHistory) error
	ListHistory(ctx context.Context, user *User, createdAfter, since time.Time, host string, pageSize int64) ([]History, error)
	// DeleteHistory soft-deletes one entry by client id; already-deleted
	// entries keep their original deletion time.
	DeleteHistory(ctx context.Context, user *User, clientID string) error
	DeletedHistory(ctx context.Context, user *User) ([]string, error)
	CountHistory(ctx context.Context, user *User) (int64, error)
	CountHistoryCached(ctx context.Context, user *User) (int64, error)
	CountHistoryRange(ctx context.Context, user *User, start, end time.Time) (int64, error)
	TotalHistory(ctx context.Context) (int64, error)
	OldestHistory(ctx context.Context, user *User) (*History, error)

	// AddRecords persists a batch of encrypted records and folds the batch's
	// per-stream maxima into the index cache, all in one transaction.
	// Re-submitting an already-stored record is a no-op. Precondition: the
	// batch is sorted ascending by index within each (host, tag) stream.
	AddRecords(ctx context.Context, user *User, records []Record) error
	// NextRecords returns up to count records of one stream with index >=
	// start, ascending. A fully caught-up stream yields an empty slice.
	NextRecords(ctx context.Context, user *User, host uuid.UUID, tag string, start uint64, count int64) ([]Record, error)
	// Status returns the authoritative per-stream maxima for the user,
	// computed by full aggregation over the record store. The index cache is
	// compared against it as a consistency check only; it never influences
	// the returned value.
	Status(ctx context.Context, user *User) (RecordStatus, error)
	// DeleteStore removes all record-store and index-cache rows of the user.
	DeleteStore(ctx context.Context, user *User) error
}

// Options carry the injected collaborators shared by all engines.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// MaxConnections bounds the pool of truly concurrent storage
	// operations. Zero means the engine default.
	MaxConnections  int
	MaxIdle         int
	ConnMaxIdleTime time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return o
}

// Open selects a storage engine from the URI scheme and connects to it.
// Registered custom factories take precedence over the built-in engines. An
// unrecognized scheme is a configuration error; callers treat it as fatal.
func Open(ctx context.Context, uri string, opts Options) (Backend, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: empty database uri", ErrInvalidInput)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse database uri: %w", err)
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(ctx, uri, opts)
	}
	switch scheme {
	case "postgres", "postgresql":
		return NewPostgres(ctx, uri, opts)
	case "sqlite":
		path, pathErr := dsnPath(parsed, uri)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLite(ctx, path, opts)
	case "mysql":
		return nil, fmt.Errorf("%w: backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported database scheme: %q", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
