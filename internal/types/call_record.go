package types

import "encoding/json"

// HistoryEvent is one ordered entry of a call's agent or queue history
type HistoryEvent struct {
	Type        string `json:"type"`
	Event       string `json:"event"`
	Extension   string `json:"ext"`
	Destination string `json:"destination,omitempty"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	OccurredAt  int64  `json:"last_attempt"` // UTC epoch seconds
	Connected   bool   `json:"connected"`
}

// FullName joins the agent first and last name
func (e HistoryEvent) FullName() string {
	switch {
	case e.FirstName == "":
		return e.LastName
	case e.LastName == "":
		return e.FirstName
	}
	return e.FirstName + " " + e.LastName
}

// HoldInterval is a closed hold period in UTC epoch seconds
type HoldInterval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Duration returns the interval length in seconds
func (h HoldInterval) Duration() int64 { return h.End - h.Start }

// Transfer describes a detected call transfer. Extension is nil unless Flag is set.
type Transfer struct {
	Flag      bool    `json:"flag"`
	Extension *string `json:"extension"`
	Type      string  `json:"type,omitempty"`
}

// EnrichedRecord is the canonical shape derived from one raw record
type EnrichedRecord struct {
	RecordType      RecordType      `json:"recordType"`
	CallID          string          `json:"callId"`
	ParentCallID    string          `json:"parentCallId,omitempty"`
	AgentName       string          `json:"agentName"`
	Extension       string          `json:"extension"`
	QueueName       string          `json:"queueName,omitempty"`
	CampaignName    string          `json:"campaignName,omitempty"`
	CallerNumber    string          `json:"callerNumber"`
	CalleeNumber    string          `json:"calleeNumber"`
	CalledAt        int64           `json:"calledAt"`
	AnsweredAt      int64           `json:"answeredAt"`
	HangupAt        int64           `json:"hangupAt"`
	WaitDuration    int64           `json:"waitDuration"`
	TalkDuration    int64           `json:"talkDuration"`
	HoldDuration    int64           `json:"holdDuration"`
	HoldIntervals   []HoldInterval  `json:"holdIntervals"`
	Disposition     string          `json:"disposition"`
	SubDisposition1 string          `json:"subDisposition1"`
	SubDisposition2 string          `json:"subDisposition2"`
	FollowUpNotes   string          `json:"followUpNotes"`
	Status          string          `json:"status"`
	Country         string          `json:"country"`
	RecordingID     string          `json:"recordingId,omitempty"`
	AgentHistory    json.RawMessage `json:"agentHistory,omitempty"`
	QueueHistory    json.RawMessage `json:"queueHistory,omitempty"`
	LeadHistory     json.RawMessage `json:"leadHistory,omitempty"`
	Transfer        Transfer        `json:"transfer"`
}

// Key returns the ledger identity key of the record
func (r EnrichedRecord) Key() LedgerKey {
	return LedgerKey{CallID: r.CallID, RecordType: r.RecordType}
}

// LedgerKey uniquely identifies a final report row
type LedgerKey struct {
	CallID     string     `json:"callId"`
	RecordType RecordType `json:"recordType"`
}

// FinalReportRow is a persisted ledger row
type FinalReportRow struct {
	ID int64 `json:"id"`
	EnrichedRecord
	CalledAtDisplay   string `json:"calledAtDisplay"`
	AnsweredAtDisplay string `json:"answeredAtDisplay"`
	HangupAtDisplay   string `json:"hangupAtDisplay"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
}

// MatchCandidate pairs a CDR with the outbound call it belongs to
type MatchCandidate struct {
	CDR      EnrichedRecord
	Outbound EnrichedRecord
}
