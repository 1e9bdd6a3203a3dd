package types

import "encoding/json"

// SourceType identifies the upstream report a raw record was fetched from
type SourceType string

const (
	SourceCampaign      SourceType = "campaign"
	SourceInboundQueue  SourceType = "inbound_queue"
	SourceOutboundQueue SourceType = "outbound_queue"
	SourceCDR           SourceType = "cdr"
)

// AllSourceTypes lists every source type in fetch order
var AllSourceTypes = []SourceType{SourceCampaign, SourceInboundQueue, SourceOutboundQueue, SourceCDR}

// Valid reports whether s is a known source type
func (s SourceType) Valid() bool {
	switch s {
	case SourceCampaign, SourceInboundQueue, SourceOutboundQueue, SourceCDR:
		return true
	}
	return false
}

// RecordType returns the ledger record type produced from this source
func (s SourceType) RecordType() RecordType {
	switch s {
	case SourceCampaign:
		return RecordCampaign
	case SourceInboundQueue:
		return RecordInbound
	case SourceOutboundQueue:
		return RecordOutbound
	case SourceCDR:
		return RecordCDR
	}
	return ""
}

// RecordType identifies the kind of row in the final report
type RecordType string

const (
	RecordCampaign RecordType = "campaign"
	RecordInbound  RecordType = "inbound"
	RecordOutbound RecordType = "outbound"
	RecordCDR      RecordType = "cdr"
)

// AllRecordTypes lists every ledger record type
var AllRecordTypes = []RecordType{RecordCampaign, RecordInbound, RecordOutbound, RecordCDR}

// Valid reports whether r is a known record type
func (r RecordType) Valid() bool {
	switch r {
	case RecordCampaign, RecordInbound, RecordOutbound, RecordCDR:
		return true
	}
	return false
}

// RawRecord is an upstream record stored verbatim under its natural identifier
type RawRecord struct {
	SourceType   SourceType      `json:"sourceType"`
	NaturalID    string          `json:"naturalId"`
	TimestampKey int64           `json:"timestampKey"` // UTC epoch seconds
	Payload      json.RawMessage `json:"payload"`
}

// ParsedRawRecord is a raw record with its payload decoded
type ParsedRawRecord struct {
	RawRecord
	Fields map[string]any `json:"fields"`
}

// TimeRange is a closed [Start, End] window in UTC epoch seconds
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains reports whether ts falls inside the range
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts <= r.End
}

// Valid reports whether the range is non-empty and ordered
func (r TimeRange) Valid() bool {
	return r.Start > 0 && r.End >= r.Start
}
