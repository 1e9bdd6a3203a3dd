package query

import (
	"context"
	"testing"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSweep(t *testing.T) {
	now := time.Unix(0, 0)
	store := NewMemoryStore(time.Minute, func() time.Time { return now }, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Descriptor{ID: "a"}))
	now = now.Add(30 * time.Second)
	require.NoError(t, store.Put(ctx, &Descriptor{ID: "b"}))

	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())

	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrDescriptorExpired)
	got, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	require.NoError(t, store.Delete(ctx, "b"))
	assert.Zero(t, store.Len())
}

func TestDescriptorEncodingKeepsArgumentTypes(t *testing.T) {
	d := &Descriptor{
		ID:            "q1",
		Where:         "called_at >= ? AND called_at <= ? AND extension = ? AND transfer_flag = ?",
		Args:          []any{int64(1700000000), int64(1700086400), "1068", true},
		OrderBy:       "called_at DESC, id DESC",
		TotalCount:    15,
		TotalPages:    1,
		PageSize:      50,
		PerTypeTotals: map[types.RecordType]int64{types.RecordCDR: 15},
	}

	data, err := encodeDescriptor(d)
	require.NoError(t, err)
	got, err := decodeDescriptor(data)
	require.NoError(t, err)

	assert.Equal(t, d, got)
}
