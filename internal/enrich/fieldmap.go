package enrich

import (
	"fmt"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
)

// TransferRule reports whether a history event marks a transfer
type TransferRule func(e types.HistoryEvent) bool

// numberSide selects which party's number drives country inference
type numberSide int

const (
	callerSide numberSide = iota
	calleeSide
)

// FieldMap lists, per source type, the payload fields each enriched value is
// read from in priority order.
type FieldMap struct {
	ID           []string
	Timestamp    []string
	AgentName    []string
	Extension    []string
	Caller       []string
	Callee       []string
	Queue        []string
	Campaign     []string
	AnsweredAt   []string
	HangupAt     []string
	Wait         []string
	Talk         []string
	Duration     []string // total call length, used when hangup is absent
	Disposition  []string
	SubDisp      []string
	Notes        []string
	Recording    []string
	Status       []string
	AgentHistory []string
	QueueHistory []string
	LeadHistory  []string

	Transfer    TransferRule
	CountryFrom numberSide
}

var fieldMaps = map[types.SourceType]FieldMap{
	types.SourceInboundQueue: {
		ID:           []string{"callid", "call_id", "id"},
		Timestamp:    []string{"called_time", "enter_time", "timestamp", "start_time"},
		AgentName:    []string{"agent_name"},
		Extension:    []string{"agent_ext", "agent_extension"},
		Caller:       []string{"caller_id_number", "from"},
		Callee:       []string{"callee_id_number", "to"},
		Queue:        []string{"queue_name", "queue"},
		AnsweredAt:   []string{"answered_time"},
		HangupAt:     []string{"hangup_time"},
		Wait:         []string{"wait_duration"},
		Talk:         []string{"talked_duration", "talk_duration"},
		Disposition:  []string{"agent_disposition", "disposition"},
		SubDisp:      []string{"agent_subdisposition", "subdisposition"},
		Notes:        []string{"follow_up_notes"},
		Recording:    []string{"media_recording_id", "recording_id"},
		Status:       []string{"abandoned", "status"},
		AgentHistory: []string{"agent_history"},
		QueueHistory: []string{"queue_history"},
		Transfer:     inboundTransfer,
		CountryFrom:  callerSide,
	},
	types.SourceOutboundQueue: {
		ID:           []string{"callid", "call_id", "id"},
		Timestamp:    []string{"called_time", "timestamp", "start_time"},
		AgentName:    []string{"agent_name"},
		Extension:    []string{"agent_ext", "agent_extension"},
		Caller:       []string{"caller_id_number", "from"},
		Callee:       []string{"callee_id_number", "to"},
		Queue:        []string{"queue_name", "queue"},
		AnsweredAt:   []string{"answered_time"},
		HangupAt:     []string{"hangup_time"},
		Wait:         []string{"wait_duration"},
		Talk:         []string{"talked_duration", "talk_duration"},
		Disposition:  []string{"agent_disposition", "disposition"},
		SubDisp:      []string{"agent_subdisposition", "subdisposition"},
		Notes:        []string{"follow_up_notes"},
		Recording:    []string{"media_recording_id", "recording_id"},
		Status:       []string{"status"},
		AgentHistory: []string{"agent_history"},
		QueueHistory: []string{"queue_history"},
		Transfer:     outboundTransfer,
		CountryFrom:  calleeSide,
	},
	types.SourceCampaign: {
		ID:           []string{"callid", "call_id", "id"},
		Timestamp:    []string{"timestamp", "datetime", "called_time", "start_time"},
		AgentName:    []string{"agent_name"},
		Extension:    []string{"agent_extension", "agent_ext"},
		Caller:       []string{"caller_id_number", "from"},
		Callee:       []string{"lead_number", "callee_id_number", "to"},
		Campaign:     []string{"campaign_name", "campaign"},
		AnsweredAt:   []string{"answered_time"},
		HangupAt:     []string{"hangup_time"},
		Wait:         []string{"wait_duration"},
		Talk:         []string{"talked_duration", "talk_duration"},
		Duration:     []string{"call_duration", "duration"},
		Disposition:  []string{"disposition", "agent_disposition"},
		SubDisp:      []string{"subdisposition", "agent_subdisposition"},
		Notes:        []string{"follow_up_notes", "notes"},
		Recording:    []string{"media_recording_id", "recording_id"},
		Status:       []string{"status", "lead_status"},
		AgentHistory: []string{"agent_history"},
		LeadHistory:  []string{"lead_history"},
		Transfer:     campaignTransfer,
		CountryFrom:  calleeSide,
	},
	types.SourceCDR: {
		ID:          []string{"call_id", "uuid", "id"},
		Timestamp:   []string{"timestamp", "start_stamp", "created_at", "start_time"},
		AgentName:   []string{"agent_name"},
		Extension:   []string{"agent_ext"},
		Caller:      []string{"caller_id_number", "caller_number", "from"},
		Callee:      []string{"callee_id_number", "destination_number", "to"},
		HangupAt:    []string{"end_stamp", "hangup_time"},
		Talk:        []string{"billing_seconds", "billsec"},
		Duration:    []string{"duration_seconds", "duration"},
		Disposition: []string{"disposition"},
		Recording:   []string{"media_recording_id", "recording_id"},
		Status:      []string{"hangup_cause", "status"},
		Transfer:    noTransfer,
		CountryFrom: calleeSide,
	},
}

// FieldMapFor returns the field map of a source type
func FieldMapFor(st types.SourceType) (FieldMap, error) {
	fm, ok := fieldMaps[st]
	if !ok {
		return FieldMap{}, fmt.Errorf("no field map for source type %q", st)
	}
	return fm, nil
}

// NaturalID extracts the record's natural identifier, falling back through
// the source type's id aliases.
func NaturalID(st types.SourceType, fields map[string]any) (string, bool) {
	fm, err := FieldMapFor(st)
	if err != nil {
		return "", false
	}
	id := firstString(fields, fm.ID)
	return id, id != ""
}

// Keys decodes a payload and returns its natural id and timestamp key
func Keys(st types.SourceType, payload []byte) (string, int64, error) {
	fields, err := DecodePayload(payload)
	if err != nil {
		return "", 0, err
	}
	id, ok := NaturalID(st, fields)
	if !ok {
		return "", 0, fmt.Errorf("%w: %s record has no identifier", ErrMalformed, st)
	}
	fm, _ := FieldMapFor(st)
	ts, _ := ExtractTimestamp(fields, fm.Timestamp)
	return id, ts, nil
}
