package types

import "time"

// RunStatus is the lifecycle state of an ingestion run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunPartial, RunFailed, RunCancelled:
		return true
	}
	return false
}

// EndpointSummary reports the outcome of fetching one upstream endpoint
type EndpointSummary struct {
	Endpoint   string     `json:"endpoint"`
	SourceType SourceType `json:"sourceType"`
	Pages      int        `json:"pages"`
	Fetched    int        `json:"fetched"`
	Stored     int        `json:"stored"`
	Duplicates int        `json:"duplicates"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Retries    int        `json:"retries"`
	Truncated  bool       `json:"truncated"`
	Cancelled  bool       `json:"cancelled"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"durationMs"`
}

// EnrichSummary counts enrichment outcomes
type EnrichSummary struct {
	OK       int                `json:"ok"`
	Skipped  int                `json:"skipped"`
	BySource map[SourceType]int `json:"bySource,omitempty"`
}

// MatchSummary counts interval-join outcomes
type MatchSummary struct {
	CDRs     int    `json:"cdrs"`
	Matched  int    `json:"matched"`
	Dropped  int    `json:"dropped"`
	Strategy string `json:"strategy,omitempty"`
}

// MaterializeSummary counts ledger write outcomes
type MaterializeSummary struct {
	Inserted   int         `json:"inserted"`
	Skipped    int         `json:"skipped"`
	Failed     int         `json:"failed"`
	FailedKeys []LedgerKey `json:"failedKeys,omitempty"`
}

// RunSummary is the structured result of an ingestion or rebuild run
type RunSummary struct {
	RunID       string             `json:"runId"`
	Tenant      string             `json:"tenant"`
	Caller      string             `json:"caller"`
	Window      TimeRange          `json:"window"`
	Status      RunStatus          `json:"status"`
	StartedAt   time.Time          `json:"startedAt"`
	FinishedAt  *time.Time         `json:"finishedAt,omitempty"`
	Endpoints   []EndpointSummary  `json:"endpoints"`
	Enrich      EnrichSummary      `json:"enrich"`
	Match       MatchSummary       `json:"match"`
	Materialize MaterializeSummary `json:"materialize"`
	Backfilled  int                `json:"backfilled"`
	Error       string             `json:"error,omitempty"`
}
