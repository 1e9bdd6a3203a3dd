package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/enrich"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a raw record does not exist
var ErrNotFound = errors.New("record not found")

// InsertOutcome reports what a single insert did
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Duplicate
)

func (o InsertOutcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "inserted"
}

// BatchResult counts the outcome of a batch insert. DuplicateRecords holds
// the incoming copies of records that already existed.
type BatchResult struct {
	Inserted         int
	Duplicates       int
	Skipped          int
	Failed           int
	DuplicateRecords []types.RawRecord
}

// Add accumulates another result
func (r *BatchResult) Add(o BatchResult) {
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.DuplicateRecords = append(r.DuplicateRecords, o.DuplicateRecords...)
}

// RawFilter narrows a raw query
type RawFilter struct {
	NaturalIDs []string
	Limit      int
}

// RawStore persists upstream records verbatim, insert-if-absent on
// (source type, natural id).
type RawStore interface {
	Insert(ctx context.Context, rec types.RawRecord) (InsertOutcome, error)
	BatchInsert(ctx context.Context, st types.SourceType, payloads []json.RawMessage) (BatchResult, error)
	Get(ctx context.Context, st types.SourceType, naturalID string) (*types.RawRecord, error)
	Query(ctx context.Context, st types.SourceType, window types.TimeRange, filter RawFilter) ([]types.ParsedRawRecord, error)
	PatchPayload(ctx context.Context, st types.SourceType, naturalID string, payload json.RawMessage) error
}

// prepareRecords extracts keys from payloads. Records without an id or with
// invalid JSON are skipped; repeats within the batch count as duplicates.
func prepareRecords(st types.SourceType, payloads []json.RawMessage, logger zerolog.Logger) ([]types.RawRecord, BatchResult) {
	var result BatchResult
	records := make([]types.RawRecord, 0, len(payloads))
	seen := make(map[string]bool, len(payloads))

	for _, p := range payloads {
		id, ts, err := enrich.Keys(st, p)
		if err != nil {
			result.Skipped++
			logger.Warn().Err(err).Str("source_type", string(st)).Msg("skipping raw record")
			continue
		}
		rec := types.RawRecord{SourceType: st, NaturalID: id, TimestampKey: ts, Payload: p}
		if seen[id] {
			result.Duplicates++
			result.DuplicateRecords = append(result.DuplicateRecords, rec)
			continue
		}
		seen[id] = true
		records = append(records, rec)
	}
	return records, result
}

func parseRecord(rec types.RawRecord) types.ParsedRawRecord {
	parsed := types.ParsedRawRecord{RawRecord: rec}
	if fields, err := enrich.DecodePayload(rec.Payload); err == nil {
		parsed.Fields = fields
	}
	return parsed
}
