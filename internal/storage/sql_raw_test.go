package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func payloads(s ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(s))
	for i, p := range s {
		out[i] = json.RawMessage(p)
	}
	return out
}

func TestBatchInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(newTestDB(t), 2, zerolog.Nop())

	batch := payloads(
		`{"callid":"a","called_time":1700000000}`,
		`{"callid":"b","called_time":1700000100}`,
		`{"callid":"c","called_time":1700000200}`,
	)

	res, err := store.BatchInsert(ctx, types.SourceInboundQueue, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 0, res.Duplicates)

	res, err = store.BatchInsert(ctx, types.SourceInboundQueue, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 3, res.Duplicates)
	assert.Len(t, res.DuplicateRecords, 3)

	rows, err := store.Query(ctx, types.SourceInboundQueue, types.TimeRange{}, RawFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestBatchInsertSkipsAndDedupes(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(newTestDB(t), 500, zerolog.Nop())

	res, err := store.BatchInsert(ctx, types.SourceCDR, payloads(
		`{"uuid":"x","timestamp":1700000000}`,
		`{"uuid":"x","timestamp":1700000000,"disposition":"ANSWERED"}`,
		`{"timestamp":1700000000}`,
		`{not json`,
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.Skipped)
}

func TestSameIDDifferentSourceTypes(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(newTestDB(t), 500, zerolog.Nop())

	rec := types.RawRecord{SourceType: types.SourceInboundQueue, NaturalID: "1", Payload: json.RawMessage(`{"callid":"1"}`)}
	out, err := store.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Inserted, out)

	out, err = store.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)

	rec.SourceType = types.SourceOutboundQueue
	out, err = store.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Inserted, out)
}

func TestQueryWindow(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(newTestDB(t), 500, zerolog.Nop())

	_, err := store.BatchInsert(ctx, types.SourceOutboundQueue, payloads(
		`{"callid":"early","called_time":1000}`,
		`{"callid":"mid","called_time":2000}`,
		`{"callid":"late","called_time":3000}`,
	))
	require.NoError(t, err)

	rows, err := store.Query(ctx, types.SourceOutboundQueue, types.TimeRange{Start: 1500, End: 3000}, RawFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "mid", rows[0].NaturalID)
	assert.Equal(t, "late", rows[1].NaturalID)
	assert.Equal(t, "mid", rows[0].Fields["callid"])

	rows, err = store.Query(ctx, types.SourceOutboundQueue, types.TimeRange{}, RawFilter{NaturalIDs: []string{"early"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1000), rows[0].TimestampKey)

	rows, err = store.Query(ctx, types.SourceInboundQueue, types.TimeRange{}, RawFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPatchPayload(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(newTestDB(t), 500, zerolog.Nop())

	_, err := store.BatchInsert(ctx, types.SourceCampaign, payloads(`{"callid":"c1","timestamp":1700000000}`))
	require.NoError(t, err)

	patched := json.RawMessage(`{"callid":"c1","timestamp":1700000000,"disposition":"Sale"}`)
	require.NoError(t, store.PatchPayload(ctx, types.SourceCampaign, "c1", patched))

	rec, err := store.Get(ctx, types.SourceCampaign, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, string(patched), string(rec.Payload))

	err = store.PatchPayload(ctx, types.SourceCampaign, "missing", json.RawMessage(`{"callid":"missing"}`))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(ctx, types.SourceCDR, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChunks(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 2}, {2, 4}, {4, 5}}, Chunks(5, 2))
	assert.Nil(t, Chunks(0, 2))
	assert.Equal(t, "?,?,?", Placeholders(3))
}

func rejectNaturalID(t *testing.T, db *DB, id string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `CREATE TRIGGER reject_marker BEFORE INSERT ON raw_records
		WHEN NEW.natural_id = '`+id+`'
		BEGIN SELECT RAISE(ABORT, 'rejected record'); END`)
	require.NoError(t, err)
}

func TestBatchInsertRollsBackOnlyFailingChunk(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	rejectNaturalID(t, db, "poison")
	store := NewSQLStore(db, 2, zerolog.Nop())

	res, err := store.BatchInsert(ctx, types.SourceInboundQueue, payloads(
		`{"callid":"a","called_time":1700000000}`,
		`{"callid":"b","called_time":1700000100}`,
		`{"callid":"poison","called_time":1700000200}`,
		`{"callid":"c","called_time":1700000300}`,
		`{"callid":"d","called_time":1700000400}`,
	))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 2, res.Failed)

	for _, id := range []string{"a", "b", "d"} {
		_, err := store.Get(ctx, types.SourceInboundQueue, id)
		assert.NoError(t, err, id)
	}
	// c shared the rejected chunk and was rolled back with it
	for _, id := range []string{"poison", "c"} {
		_, err := store.Get(ctx, types.SourceInboundQueue, id)
		assert.ErrorIs(t, err, ErrNotFound, id)
	}
}

func TestBatchInsertErrorsWhenNothingWritten(t *testing.T) {
	db := newTestDB(t)
	rejectNaturalID(t, db, "poison")
	store := NewSQLStore(db, 500, zerolog.Nop())

	res, err := store.BatchInsert(context.Background(), types.SourceInboundQueue, payloads(
		`{"callid":"poison","called_time":1700000000}`,
	))
	assert.Error(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Inserted)
}
