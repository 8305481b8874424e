package store

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID       int64      `json:"id"`
	Username string     `json:"username"`
	Email    string     `json:"email"`
	Password string     `json:"-"`
	Verified *time.Time `json:"verified,omitempty"`
}

type NewUser struct {
	Username string
	Email    string
	Password string
}

type Session struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Token  string `json:"token"`
}

type NewSession struct {
	UserID int64
	Token  string
}

// History is a plain (v0) history row. Soft-deleted rows keep their client
// id so other devices can learn about the deletion.
type History struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id"`
	UserID    int64     `json:"user_id"`
	Hostname  string    `json:"hostname"`
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

type NewHistory struct {
	ClientID  string
	UserID    int64
	Hostname  string
	Timestamp time.Time
	Data      string
}

// Record is one immutable unit of the synchronized log. The payload and the
// wrapped content-encryption key are opaque ciphertext; the server never
// inspects either. ID is assigned by the authoring client and is the
// identity used for idempotent re-submission.
type Record struct {
	ID                   uuid.UUID `json:"id"`
	Host                 uuid.UUID `json:"host"`
	Tag                  string    `json:"tag"`
	Idx                  uint64    `json:"idx"`
	Timestamp            uint64    `json:"timestamp"`
	Version              string    `json:"version"`
	Data                 string    `json:"data"`
	ContentEncryptionKey string    `json:"content_encryption_key"`
}

// RecordStatus maps every (host, tag) stream of a user to the highest index
// stored for it. Clients diff it against their local heads to decide which
// ranges remain to be pulled.
type RecordStatus struct {
	Hosts map[uuid.UUID]map[string]uint64 `json:"hosts"`
}

func NewRecordStatus() RecordStatus {
	return RecordStatus{Hosts: make(map[uuid.UUID]map[string]uint64)}
}

func (s RecordStatus) Set(host uuid.UUID, tag string, idx uint64) {
	tags, ok := s.Hosts[host]
	if !ok {
		tags = make(map[string]uint64)
		s.Hosts[host] = tags
	}
	tags[tag] = idx
}

func (s RecordStatus) Get(host uuid.UUID, tag string) (uint64, bool) {
	tags, ok := s.Hosts[host]
	if !ok {
		return 0, false
	}
	idx, ok := tags[tag]
	return idx, ok
}

type streamKey struct {
	host uuid.UUID
	tag  string
}

// batchHeads computes the per-stream maximum index within one batch. Batches
// arrive sorted ascending per stream, so the batch maximum is a valid lower
// bound to merge into the index cache without reading current storage state.
func batchHeads(records []Record) map[streamKey]uint64 {
	heads := make(map[streamKey]uint64, len(records))
	for _, r := range records {
		key := streamKey{host: r.Host, tag: r.Tag}
		if cur, ok := heads[key]; !ok || r.Idx > cur {
			heads[key] = r.Idx
		}
	}
	return heads
}

// cryptoRandomString returns n bytes of randomness as unpadded URL-safe
// base64, used for verification tokens.
func cryptoRandomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
