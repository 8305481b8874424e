package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchHeads(t *testing.T) {
	hostA, hostB := uuid.New(), uuid.New()

	batch := append(makeRecords(hostA, "history", 0, 5), makeRecords(hostA, "kv", 10, 2)...)
	batch = append(batch, makeRecords(hostB, "history", 3, 1)...)

	heads := batchHeads(batch)
	require.Len(t, heads, 3)
	assert.Equal(t, uint64(4), heads[streamKey{host: hostA, tag: "history"}])
	assert.Equal(t, uint64(11), heads[streamKey{host: hostA, tag: "kv"}])
	assert.Equal(t, uint64(3), heads[streamKey{host: hostB, tag: "history"}])
}

func TestBatchHeadsEmpty(t *testing.T) {
	assert.Empty(t, batchHeads(nil))
}

func TestRecordStatusSetGet(t *testing.T) {
	status := NewRecordStatus()
	host := uuid.New()

	_, ok := status.Get(host, "history")
	assert.False(t, ok)

	status.Set(host, "history", 7)
	status.Set(host, "history", 9)

	idx, ok := status.Get(host, "history")
	require.True(t, ok)
	assert.Equal(t, uint64(9), idx)
}

func TestCryptoRandomString(t *testing.T) {
	a, err := cryptoRandomString(24)
	require.NoError(t, err)
	b, err := cryptoRandomString(24)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32) // 24 bytes, base64 without padding
}
