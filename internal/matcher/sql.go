package matcher

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/storage"
)

// rows per multi-row insert, kept under the sqlite bind limit
const tempInsertRows = 200

// SQLJoiner runs the join as a temporary-table query. Temp tables are
// connection scoped, so the whole join runs inside one transaction.
type SQLJoiner struct {
	db *storage.DB
}

// NewSQLJoiner creates a SQLJoiner
func NewSQLJoiner(db *storage.DB) *SQLJoiner {
	return &SQLJoiner{db: db}
}

const joinQuery = `
SELECT c.seq, COALESCE((
	SELECT o.seq FROM match_outbound o
	WHERE o.ext = c.ext AND o.called_at <= c.ts AND o.hangup_at >= c.ts
	ORDER BY o.called_at, o.seq
	LIMIT 1
), -1)
FROM match_cdr c
ORDER BY c.seq`

func (j *SQLJoiner) Join(ctx context.Context, cdrs []Point, outbound []Interval) ([]int, error) {
	out := make([]int, len(cdrs))
	for i := range out {
		out[i] = noMatch
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin join: %w", err)
	}
	defer tx.Rollback()

	d := j.db.Dialect
	setup := []string{
		d.DropTemp() + " match_outbound",
		d.DropTemp() + " match_cdr",
		d.CreateTemp() + " match_outbound (seq INTEGER NOT NULL, ext VARCHAR(10) NOT NULL, called_at BIGINT NOT NULL, hangup_at BIGINT NOT NULL)",
		d.CreateTemp() + " match_cdr (seq INTEGER NOT NULL, ext VARCHAR(10) NOT NULL, ts BIGINT NOT NULL)",
		"CREATE INDEX idx_match_outbound_ext ON match_outbound (ext, called_at, seq)",
	}
	for _, stmt := range setup {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to prepare join tables: %w", err)
		}
	}

	var obRows [][]any
	for i, o := range outbound {
		if o.Ext != "" {
			obRows = append(obRows, []any{i, o.Ext, o.CalledAt, o.HangupAt})
		}
	}
	var cdrRows [][]any
	for i, c := range cdrs {
		if c.Ext != "" {
			cdrRows = append(cdrRows, []any{i, c.Ext, c.At})
		}
	}
	if len(obRows) == 0 || len(cdrRows) == 0 {
		return out, nil
	}

	if err := insertRows(ctx, tx, "match_outbound (seq, ext, called_at, hangup_at)", 4, obRows); err != nil {
		return nil, err
	}
	if err := insertRows(ctx, tx, "match_cdr (seq, ext, ts)", 3, cdrRows); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, joinQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to run join: %w", err)
	}
	for rows.Next() {
		var seq, match int
		if err := rows.Scan(&seq, &match); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan join row: %w", err)
		}
		out[seq] = match
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// temp tables outlive the transaction on a pooled connection
	for _, t := range []string{"match_outbound", "match_cdr"} {
		if _, err := tx.ExecContext(ctx, d.DropTemp()+" "+t); err != nil {
			return nil, fmt.Errorf("failed to drop %s: %w", t, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to finish join: %w", err)
	}
	return out, nil
}

func insertRows(ctx context.Context, tx *sql.Tx, target string, width int, rows [][]any) error {
	tuple := "(" + storage.Placeholders(width) + ")"
	for _, c := range storage.Chunks(len(rows), tempInsertRows) {
		batch := rows[c[0]:c[1]]
		tuples := make([]string, len(batch))
		args := make([]any, 0, len(batch)*width)
		for i, r := range batch {
			tuples[i] = tuple
			args = append(args, r...)
		}
		query := "INSERT INTO " + target + " VALUES " + strings.Join(tuples, ",")
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to load join rows: %w", err)
		}
	}
	return nil
}
