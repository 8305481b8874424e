package store

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/shellvault/internal/metrics"
)

// streamHead is one aggregated (host, tag) -> max idx row, with the host in
// its stored text form so authoritative and cached rows compare exactly.
type streamHead struct {
	host string
	tag  string
	idx  int64
}

func sortStreamHeads(rows []streamHead) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].host != rows[j].host {
			return rows[i].host < rows[j].host
		}
		if rows[i].tag != rows[j].tag {
			return rows[i].tag < rows[j].tag
		}
		return rows[i].idx < rows[j].idx
	})
}

func streamHeadsEqual(a, b []streamHead) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// reconcileIdxCache validates the index cache against the authoritative
// aggregation and records the outcome. A mismatch is an observability
// signal, not an error: the caller always returns the authoritative rows.
// Both inputs are sorted in place.
func reconcileIdxCache(logger *zap.Logger, m *metrics.Metrics, username string, authoritative, cached []streamHead) {
	sortStreamHeads(authoritative)
	sortStreamHeads(cached)

	if streamHeadsEqual(authoritative, cached) {
		m.IdxCacheConsistentTotal.Inc()
		return
	}
	m.IdxCacheInconsistentTotal.Inc()
	logger.Debug("index cache diverged from authoritative aggregation",
		zap.String("user", username),
		zap.Int("authoritative_rows", len(authoritative)),
		zap.Int("cached_rows", len(cached)),
	)
}

// buildRecordStatus converts sorted authoritative rows into the public
// status mapping. A host column that no longer parses as a uuid is a
// data-integrity failure and aborts the call.
func buildRecordStatus(rows []streamHead) (RecordStatus, error) {
	status := NewRecordStatus()
	for _, row := range rows {
		host, err := uuid.Parse(row.host)
		if err != nil {
			return RecordStatus{}, fmt.Errorf("malformed host id %q in record store: %w", row.host, err)
		}
		status.Set(host, row.tag, uint64(row.idx))
	}
	return status, nil
}
