package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/metrics"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/storage"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a patch targets no existing row
	ErrNotFound = errors.New("ledger row not found")
	// ErrEmptyPatch is returned when a patch carries no field to change
	ErrEmptyPatch = errors.New("patch has no fields")
)

// keyLookupChunk bounds the call ids per existence query
const keyLookupChunk = 500

// PatchRequest updates late-arriving fields of existing rows. Nil fields
// are left untouched; an empty RecordType patches every row of the call.
type PatchRequest struct {
	CallID          string           `json:"callId"`
	RecordType      types.RecordType `json:"recordType,omitempty"`
	Disposition     *string          `json:"disposition,omitempty"`
	SubDisposition1 *string          `json:"subDisposition1,omitempty"`
	SubDisposition2 *string          `json:"subDisposition2,omitempty"`
	FollowUpNotes   *string          `json:"followUpNotes,omitempty"`
	RecordingID     *string          `json:"recordingId,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p PatchRequest) Empty() bool {
	return p.Disposition == nil && p.SubDisposition1 == nil && p.SubDisposition2 == nil &&
		p.FollowUpNotes == nil && p.RecordingID == nil
}

// Store is the only writer of the final_report table
type Store struct {
	db        *storage.DB
	batchSize int
	loc       *time.Location
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a ledger store. loc sets the zone of the display columns.
func New(db *storage.DB, batchSize int, loc *time.Location, m *metrics.Metrics, logger zerolog.Logger) *Store {
	if batchSize <= 0 {
		batchSize = 500
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Store{
		db:        db,
		batchSize: batchSize,
		loc:       loc,
		metrics:   m,
		logger:    logger.With().Str("component", "ledger").Logger(),
		now:       time.Now,
	}
}

func (s *Store) insertSQL() string {
	return s.db.Dialect.InsertIgnore() + " INTO final_report (" + strings.Join(Columns, ", ") +
		") VALUES (" + storage.Placeholders(len(Columns)) + ")"
}

// Materialize writes records whose (callId, recordType) is not yet in the
// ledger. Existing rows are never overwritten so earlier patches survive.
func (s *Store) Materialize(ctx context.Context, records []types.EnrichedRecord) (types.MaterializeSummary, error) {
	var sum types.MaterializeSummary

	pending := make([]types.EnrichedRecord, 0, len(records))
	seen := make(map[types.LedgerKey]bool, len(records))
	for _, r := range records {
		if r.CallID == "" || !r.RecordType.Valid() {
			sum.Skipped++
			continue
		}
		if seen[r.Key()] {
			sum.Skipped++
			continue
		}
		seen[r.Key()] = true
		pending = append(pending, r)
	}

	keys := make([]types.LedgerKey, len(pending))
	for i, r := range pending {
		keys[i] = r.Key()
	}
	existing, err := s.Exists(ctx, keys)
	if err != nil {
		return sum, err
	}

	fresh := pending[:0]
	for _, r := range pending {
		if existing[r.Key()] {
			sum.Skipped++
			continue
		}
		fresh = append(fresh, r)
	}

	for _, c := range storage.Chunks(len(fresh), s.batchSize) {
		batch := fresh[c[0]:c[1]]
		inserted, err := s.insertBatch(ctx, batch)
		if err == nil {
			sum.Inserted += inserted
			sum.Skipped += len(batch) - inserted
			continue
		}
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}

		s.logger.Warn().Err(err).Int("batch_size", len(batch)).Msg("batch insert failed, retrying row by row")
		for _, r := range batch {
			ok, err := s.insertOne(ctx, r)
			switch {
			case err != nil:
				sum.Failed++
				sum.FailedKeys = append(sum.FailedKeys, r.Key())
				s.logger.Error().
					Err(err).
					Str("call_id", r.CallID).
					Str("record_type", string(r.RecordType)).
					Msg("ledger row rejected")
			case ok:
				sum.Inserted++
			default:
				sum.Skipped++
			}
		}
	}

	s.metrics.RecordMaterialized(sum.Inserted, sum.Skipped, sum.Failed)
	s.logger.Info().
		Int("inserted", sum.Inserted).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Msg("materialization finished")

	return sum, nil
}

func (s *Store) insertBatch(ctx context.Context, batch []types.EnrichedRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.insertSQL())
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := s.now().Unix()
	inserted := 0
	for _, r := range batch {
		res, err := stmt.ExecContext(ctx, rowArgs(r, s.loc, now)...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert %s/%s: %w", r.RecordType, r.CallID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return inserted, nil
}

func (s *Store) insertOne(ctx context.Context, r types.EnrichedRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.insertSQL(), rowArgs(r, s.loc, s.now().Unix())...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Exists reports which keys already have a ledger row
func (s *Store) Exists(ctx context.Context, keys []types.LedgerKey) (map[types.LedgerKey]bool, error) {
	found := make(map[types.LedgerKey]bool)
	if len(keys) == 0 {
		return found, nil
	}

	idSet := make(map[string]bool, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if !idSet[k.CallID] {
			idSet[k.CallID] = true
			ids = append(ids, k.CallID)
		}
	}
	wanted := make(map[types.LedgerKey]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	for _, c := range storage.Chunks(len(ids), keyLookupChunk) {
		chunk := ids[c[0]:c[1]]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.db.QueryContext(ctx,
			"SELECT call_id, record_type FROM final_report WHERE call_id IN ("+storage.Placeholders(len(chunk))+")", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up ledger keys: %w", err)
		}
		for rows.Next() {
			var k types.LedgerKey
			var rt string
			if err := rows.Scan(&k.CallID, &rt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan ledger key: %w", err)
			}
			k.RecordType = types.RecordType(rt)
			if wanted[k] {
				found[k] = true
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

// Get returns one ledger row
func (s *Store) Get(ctx context.Context, key types.LedgerKey) (*types.FinalReportRow, error) {
	row, err := ScanRow(s.db.QueryRowContext(ctx,
		"SELECT "+SelectColumns+" FROM final_report WHERE call_id = ? AND record_type = ?",
		key.CallID, string(key.RecordType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger row: %w", err)
	}
	return &row, nil
}

// Patch updates the non-nil fields of existing rows and returns how many
// rows matched. It never inserts.
func (s *Store) Patch(ctx context.Context, p PatchRequest) (int64, error) {
	if p.CallID == "" {
		return 0, fmt.Errorf("patch requires a call id: %w", ErrNotFound)
	}
	if p.Empty() {
		return 0, ErrEmptyPatch
	}

	var (
		sets []string
		args []any
	)
	add := func(column string, v *string) {
		if v == nil {
			return
		}
		sets = append(sets, column+" = ?")
		args = append(args, truncate(column, *v))
	}
	add("disposition", p.Disposition)
	add("sub_disposition_1", p.SubDisposition1)
	add("sub_disposition_2", p.SubDisposition2)
	add("follow_up_notes", p.FollowUpNotes)
	add("recording_id", p.RecordingID)
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().Unix())

	where := " WHERE call_id = ?"
	whereArgs := []any{p.CallID}
	if p.RecordType != "" {
		where += " AND record_type = ?"
		whereArgs = append(whereArgs, string(p.RecordType))
	}

	res, err := s.db.ExecContext(ctx, "UPDATE final_report SET "+strings.Join(sets, ", ")+where, append(args, whereArgs...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to patch ledger row: %w", err)
	}

	// mysql reports zero affected rows when values are unchanged
	var matched int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM final_report"+where, whereArgs...).Scan(&matched); err != nil {
		return 0, fmt.Errorf("failed to count patched rows: %w", err)
	}
	if matched == 0 {
		return 0, ErrNotFound
	}
	if n, _ := res.RowsAffected(); n > matched {
		matched = n
	}

	s.logger.Debug().
		Str("call_id", p.CallID).
		Int64("rows", matched).
		Msg("ledger row patched")

	return matched, nil
}

// Clear removes every ledger row
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM final_report")
	if err != nil {
		return 0, fmt.Errorf("failed to clear ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Warn().Int64("rows", n).Msg("ledger cleared")
	return n, nil
}
