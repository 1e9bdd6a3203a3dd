package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/enrich"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

// SQLStore implements RawStore on sqlite or mysql
type SQLStore struct {
	db        *DB
	chunkSize int
	logger    zerolog.Logger
}

// NewSQLStore creates a raw store writing chunks of chunkSize per transaction
func NewSQLStore(db *DB, chunkSize int, logger zerolog.Logger) *SQLStore {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &SQLStore{
		db:        db,
		chunkSize: chunkSize,
		logger:    logger.With().Str("component", "raw_store").Logger(),
	}
}

func (s *SQLStore) insertSQL() string {
	return s.db.Dialect.InsertIgnore() +
		` INTO raw_records (source_type, natural_id, timestamp_key, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
}

// Insert stores one record unless it already exists
func (s *SQLStore) Insert(ctx context.Context, rec types.RawRecord) (InsertOutcome, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, s.insertSQL(),
		string(rec.SourceType), rec.NaturalID, rec.TimestampKey, string(rec.Payload), now, now)
	if err != nil {
		return Inserted, fmt.Errorf("failed to insert raw record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Duplicate, nil
	}
	return Inserted, nil
}

// BatchInsert stores payloads in chunked transactions. A failing chunk is
// rolled back and counted as failed; other chunks still commit. An error
// is returned only when nothing could be written.
func (s *SQLStore) BatchInsert(ctx context.Context, st types.SourceType, payloads []json.RawMessage) (BatchResult, error) {
	records, result := prepareRecords(st, payloads, s.logger)

	var lastErr error
	for _, c := range Chunks(len(records), s.chunkSize) {
		chunk := records[c[0]:c[1]]
		res, err := s.insertChunk(ctx, chunk)
		if err != nil {
			lastErr = err
			result.Failed += len(chunk)
			s.logger.Error().
				Err(err).
				Str("source_type", string(st)).
				Int("chunk_size", len(chunk)).
				Msg("raw chunk rolled back")
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			continue
		}
		result.Add(res)
	}

	if lastErr != nil && result.Inserted == 0 && result.Duplicates == 0 {
		return result, fmt.Errorf("failed to store %s records: %w", st, lastErr)
	}
	return result, nil
}

func (s *SQLStore) insertChunk(ctx context.Context, chunk []types.RawRecord) (BatchResult, error) {
	var result BatchResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.insertSQL())
	if err != nil {
		return result, err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, rec := range chunk {
		res, err := stmt.ExecContext(ctx, string(rec.SourceType), rec.NaturalID, rec.TimestampKey, string(rec.Payload), now, now)
		if err != nil {
			return BatchResult{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.Duplicates++
			result.DuplicateRecords = append(result.DuplicateRecords, rec)
		} else {
			result.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

// Get returns one stored record
func (s *SQLStore) Get(ctx context.Context, st types.SourceType, naturalID string) (*types.RawRecord, error) {
	var (
		rec     types.RawRecord
		source  string
		payload string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT source_type, natural_id, timestamp_key, payload FROM raw_records WHERE source_type = ? AND natural_id = ?`,
		string(st), naturalID,
	).Scan(&source, &rec.NaturalID, &rec.TimestampKey, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raw record: %w", err)
	}
	rec.SourceType = types.SourceType(source)
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// Query returns records of one source type whose timestamp key falls in
// window, with payloads parsed. A zero window matches everything.
func (s *SQLStore) Query(ctx context.Context, st types.SourceType, window types.TimeRange, filter RawFilter) ([]types.ParsedRawRecord, error) {
	var (
		where = []string{"source_type = ?"}
		args  = []any{string(st)}
	)
	if window.Valid() {
		where = append(where, "timestamp_key BETWEEN ? AND ?")
		args = append(args, window.Start, window.End)
	}
	if len(filter.NaturalIDs) > 0 {
		where = append(where, "natural_id IN ("+Placeholders(len(filter.NaturalIDs))+")")
		for _, id := range filter.NaturalIDs {
			args = append(args, id)
		}
	}

	query := `SELECT source_type, natural_id, timestamp_key, payload FROM raw_records WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY timestamp_key, id`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw records: %w", err)
	}
	defer rows.Close()

	var out []types.ParsedRawRecord
	for rows.Next() {
		var (
			rec     types.RawRecord
			source  string
			payload string
		)
		if err := rows.Scan(&source, &rec.NaturalID, &rec.TimestampKey, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan raw record: %w", err)
		}
		rec.SourceType = types.SourceType(source)
		rec.Payload = json.RawMessage(payload)
		out = append(out, parseRecord(rec))
	}
	return out, rows.Err()
}

// PatchPayload replaces the payload of an existing record
func (s *SQLStore) PatchPayload(ctx context.Context, st types.SourceType, naturalID string, payload json.RawMessage) error {
	fm, err := enrich.FieldMapFor(st)
	if err != nil {
		return err
	}
	fields, err := enrich.DecodePayload(payload)
	if err != nil {
		return err
	}
	ts, _ := enrich.ExtractTimestamp(fields, fm.Timestamp)

	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_records SET payload = ?, timestamp_key = ?, updated_at = ? WHERE source_type = ? AND natural_id = ?`,
		string(payload), ts, time.Now().Unix(), string(st), naturalID)
	if err != nil {
		return fmt.Errorf("failed to patch raw record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// mysql reports zero affected rows when nothing changed
		if _, err := s.Get(ctx, st, naturalID); err != nil {
			return err
		}
	}
	return nil
}
