package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/ledger"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/storage"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidField is returned for a filter or sort outside the allow-list
	ErrInvalidField = errors.New("invalid query field")
	// ErrInvalidRange is returned for an empty or reversed time range
	ErrInvalidRange = errors.New("invalid time range")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

type matchKind int

const (
	matchEqual matchKind = iota
	matchContains
	matchBool
)

type filterSpec struct {
	column string
	kind   matchKind
}

// filterFields maps API filter names to ledger columns
var filterFields = map[string]filterSpec{
	"callId":       {"call_id", matchEqual},
	"parentCallId": {"parent_call_id", matchEqual},
	"recordType":   {"record_type", matchEqual},
	"agentName":    {"agent_name", matchContains},
	"extension":    {"extension", matchEqual},
	"queueName":    {"queue_name", matchEqual},
	"campaignName": {"campaign_name", matchEqual},
	"callerNumber": {"caller_number", matchContains},
	"calleeNumber": {"callee_number", matchContains},
	"disposition":  {"disposition", matchEqual},
	"status":       {"status", matchEqual},
	"country":      {"country", matchEqual},
	"transferFlag": {"transfer_flag", matchBool},
}

// sortFields maps API sort names to ledger columns
var sortFields = map[string]string{
	"calledAt":     "called_at",
	"answeredAt":   "answered_at",
	"hangupAt":     "hangup_at",
	"agentName":    "agent_name",
	"extension":    "extension",
	"recordType":   "record_type",
	"waitDuration": "wait_duration",
	"talkDuration": "talk_duration",
	"holdDuration": "hold_duration",
}

// SearchRequest selects ledger rows whose calledAt lies in Range. Sort is
// a sort field name, prefixed with "-" for descending order.
type SearchRequest struct {
	Range    types.TimeRange   `json:"range"`
	Filters  map[string]string `json:"filters,omitempty"`
	Sort     string            `json:"sort,omitempty"`
	Page     int               `json:"page,omitempty"`
	PageSize int               `json:"pageSize,omitempty"`
}

// SearchResult is one page of rows plus window totals
type SearchResult struct {
	Rows          []types.FinalReportRow     `json:"rows"`
	TotalCount    int64                      `json:"totalCount"`
	PerTypeTotals map[types.RecordType]int64 `json:"perTypeTotals"`
	Page          int                        `json:"page"`
	PageSize      int                        `json:"pageSize"`
}

// compiled is a validated request rendered to SQL fragments
type compiled struct {
	Where   string
	Args    []any
	OrderBy string
}

func compile(req SearchRequest) (compiled, error) {
	if !req.Range.Valid() {
		return compiled{}, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, req.Range.Start, req.Range.End)
	}

	clauses := []string{"called_at >= ?", "called_at <= ?"}
	args := []any{req.Range.Start, req.Range.End}

	names := make([]string, 0, len(req.Filters))
	for name := range req.Filters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := req.Filters[name]
		spec, ok := filterFields[name]
		if !ok {
			return compiled{}, fmt.Errorf("%w: filter %q", ErrInvalidField, name)
		}
		switch spec.kind {
		case matchContains:
			clauses = append(clauses, spec.column+" LIKE ?")
			args = append(args, "%"+escapeLike(value)+"%")
		case matchBool:
			v := strings.EqualFold(value, "true") || value == "1"
			clauses = append(clauses, spec.column+" = ?")
			args = append(args, v)
		default:
			clauses = append(clauses, spec.column+" = ?")
			args = append(args, value)
		}
	}

	order := "called_at DESC, id DESC"
	if req.Sort != "" {
		name, dir := req.Sort, "ASC"
		if strings.HasPrefix(name, "-") {
			name, dir = name[1:], "DESC"
		}
		column, ok := sortFields[name]
		if !ok {
			return compiled{}, fmt.Errorf("%w: sort %q", ErrInvalidField, req.Sort)
		}
		order = column + " " + dir + ", id " + dir
	}

	return compiled{Where: strings.Join(clauses, " AND "), Args: args, OrderBy: order}, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`%`, ``, `_`, ``).Replace(s)
}

func normalizePaging(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// Engine serves windowed reads over the ledger
type Engine struct {
	db          *storage.DB
	descriptors DescriptorStore
	logger      zerolog.Logger
}

// NewEngine creates a query engine
func NewEngine(db *storage.DB, descriptors DescriptorStore, logger zerolog.Logger) *Engine {
	return &Engine{
		db:          db,
		descriptors: descriptors,
		logger:      logger.With().Str("component", "query").Logger(),
	}
}

// Search runs a single paginated query
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	c, err := compile(req)
	if err != nil {
		return nil, err
	}
	page, size := normalizePaging(req.Page, req.PageSize)

	total, perType, err := e.totals(ctx, c)
	if err != nil {
		return nil, err
	}
	rows, err := e.rows(ctx, c.Where, c.OrderBy, c.Args, size, (page-1)*size)
	if err != nil {
		return nil, err
	}

	return &SearchResult{
		Rows:          rows,
		TotalCount:    total,
		PerTypeTotals: perType,
		Page:          page,
		PageSize:      size,
	}, nil
}

// Init counts a query once and stores it for page-by-page retrieval
func (e *Engine) Init(ctx context.Context, req SearchRequest) (*Descriptor, error) {
	c, err := compile(req)
	if err != nil {
		return nil, err
	}
	_, size := normalizePaging(1, req.PageSize)

	total, perType, err := e.totals(ctx, c)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		ID:            uuid.New().String(),
		Where:         c.Where,
		Args:          c.Args,
		OrderBy:       c.OrderBy,
		TotalCount:    total,
		PageSize:      size,
		TotalPages:    int((total + int64(size) - 1) / int64(size)),
		PerTypeTotals: perType,
	}
	if err := e.descriptors.Put(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to store query descriptor: %w", err)
	}

	e.logger.Debug().
		Str("query_id", d.ID).
		Int64("total", total).
		Int("pages", d.TotalPages).
		Msg("progressive query initialized")

	return d, nil
}

// Page returns page n (1-based) of a stored query. Pages past the end are
// empty.
func (e *Engine) Page(ctx context.Context, id string, n int) (*SearchResult, error) {
	d, err := e.descriptors.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		n = 1
	}

	res := &SearchResult{
		Rows:          []types.FinalReportRow{},
		TotalCount:    d.TotalCount,
		PerTypeTotals: d.PerTypeTotals,
		Page:          n,
		PageSize:      d.PageSize,
	}
	if n > d.TotalPages {
		return res, nil
	}

	rows, err := e.rows(ctx, d.Where, d.OrderBy, d.Args, d.PageSize, (n-1)*d.PageSize)
	if err != nil {
		return nil, err
	}
	res.Rows = rows
	return res, nil
}

func (e *Engine) totals(ctx context.Context, c compiled) (int64, map[types.RecordType]int64, error) {
	rows, err := e.db.QueryContext(ctx,
		"SELECT record_type, COUNT(*) FROM final_report WHERE "+c.Where+" GROUP BY record_type", c.Args...)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count rows: %w", err)
	}
	defer rows.Close()

	var total int64
	perType := make(map[types.RecordType]int64)
	for rows.Next() {
		var rt string
		var n int64
		if err := rows.Scan(&rt, &n); err != nil {
			return 0, nil, fmt.Errorf("failed to scan count: %w", err)
		}
		perType[types.RecordType(rt)] = n
		total += n
	}
	return total, perType, rows.Err()
}

func (e *Engine) rows(ctx context.Context, where, orderBy string, args []any, limit, offset int) ([]types.FinalReportRow, error) {
	query := "SELECT " + ledger.SelectColumns + " FROM final_report WHERE " + where +
		" ORDER BY " + orderBy + " LIMIT ? OFFSET ?"

	rows, err := e.db.QueryContext(ctx, query, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	out := make([]types.FinalReportRow, 0, limit)
	for rows.Next() {
		row, err := ledger.ScanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
