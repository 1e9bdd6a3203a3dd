package ledger

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
)

// DisplayLayout is the format of the *_display columns
const DisplayLayout = "2006-01-02 15:04:05"

// Columns lists final_report columns in insert and scan order
var Columns = []string{
	"call_id", "record_type", "parent_call_id",
	"agent_name", "extension", "queue_name", "campaign_name",
	"caller_number", "callee_number",
	"called_at", "answered_at", "hangup_at",
	"called_at_display", "answered_at_display", "hangup_at_display",
	"wait_duration", "talk_duration", "hold_duration", "hold_intervals",
	"disposition", "sub_disposition_1", "sub_disposition_2", "follow_up_notes",
	"status", "country", "recording_id",
	"agent_history", "queue_history", "lead_history",
	"transfer_flag", "transfer_extension", "transfer_type",
	"created_at", "updated_at",
}

// SelectColumns is the column list for reads, id first
var SelectColumns = "id, " + strings.Join(Columns, ", ")

// columnCaps are the character limits of the bounded columns
var columnCaps = map[string]int{
	"call_id":            191,
	"parent_call_id":     191,
	"agent_name":         255,
	"extension":          50,
	"queue_name":         255,
	"campaign_name":      255,
	"caller_number":      64,
	"callee_number":      64,
	"disposition":        255,
	"sub_disposition_1":  255,
	"sub_disposition_2":  255,
	"follow_up_notes":    4000,
	"status":             64,
	"country":            128,
	"recording_id":       255,
	"transfer_extension": 50,
	"transfer_type":      64,
}

// truncate cuts s to the column cap, on a rune boundary
func truncate(column, s string) string {
	limit, ok := columnCaps[column]
	if !ok || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}

// display renders an epoch in loc; zero stays empty
func display(ts int64, loc *time.Location) string {
	if ts <= 0 {
		return ""
	}
	return time.Unix(ts, 0).In(loc).Format(DisplayLayout)
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// rowArgs maps a record to insert arguments in Columns order
func rowArgs(r types.EnrichedRecord, loc *time.Location, now int64) []any {
	holds := r.HoldIntervals
	if holds == nil {
		holds = []types.HoldInterval{}
	}
	holdJSON, _ := json.Marshal(holds)

	var transferExt sql.NullString
	if r.Transfer.Flag && r.Transfer.Extension != nil {
		transferExt = sql.NullString{String: truncate("transfer_extension", *r.Transfer.Extension), Valid: true}
	}

	return []any{
		truncate("call_id", r.CallID),
		string(r.RecordType),
		truncate("parent_call_id", r.ParentCallID),
		truncate("agent_name", r.AgentName),
		truncate("extension", r.Extension),
		truncate("queue_name", r.QueueName),
		truncate("campaign_name", r.CampaignName),
		truncate("caller_number", r.CallerNumber),
		truncate("callee_number", r.CalleeNumber),
		r.CalledAt, r.AnsweredAt, r.HangupAt,
		display(r.CalledAt, loc), display(r.AnsweredAt, loc), display(r.HangupAt, loc),
		r.WaitDuration, r.TalkDuration, r.HoldDuration, string(holdJSON),
		truncate("disposition", r.Disposition),
		truncate("sub_disposition_1", r.SubDisposition1),
		truncate("sub_disposition_2", r.SubDisposition2),
		truncate("follow_up_notes", r.FollowUpNotes),
		truncate("status", r.Status),
		truncate("country", r.Country),
		truncate("recording_id", r.RecordingID),
		nullJSON(r.AgentHistory), nullJSON(r.QueueHistory), nullJSON(r.LeadHistory),
		r.Transfer.Flag, transferExt, truncate("transfer_type", r.Transfer.Type),
		now, now,
	}
}

// Scanner is satisfied by *sql.Row and *sql.Rows
type Scanner interface {
	Scan(dest ...any) error
}

// ScanRow reads one row selected with SelectColumns
func ScanRow(s Scanner) (types.FinalReportRow, error) {
	var (
		row                   types.FinalReportRow
		recordType, holdJSON  string
		agentH, queueH, leadH sql.NullString
		transferExt           sql.NullString
	)
	r := &row.EnrichedRecord

	err := s.Scan(
		&row.ID,
		&r.CallID, &recordType, &r.ParentCallID,
		&r.AgentName, &r.Extension, &r.QueueName, &r.CampaignName,
		&r.CallerNumber, &r.CalleeNumber,
		&r.CalledAt, &r.AnsweredAt, &r.HangupAt,
		&row.CalledAtDisplay, &row.AnsweredAtDisplay, &row.HangupAtDisplay,
		&r.WaitDuration, &r.TalkDuration, &r.HoldDuration, &holdJSON,
		&r.Disposition, &r.SubDisposition1, &r.SubDisposition2, &r.FollowUpNotes,
		&r.Status, &r.Country, &r.RecordingID,
		&agentH, &queueH, &leadH,
		&r.Transfer.Flag, &transferExt, &r.Transfer.Type,
		&row.CreatedAt, &row.UpdatedAt,
	)
	if err != nil {
		return row, err
	}

	r.RecordType = types.RecordType(recordType)
	if holdJSON != "" {
		_ = json.Unmarshal([]byte(holdJSON), &r.HoldIntervals)
	}
	if agentH.Valid {
		r.AgentHistory = json.RawMessage(agentH.String)
	}
	if queueH.Valid {
		r.QueueHistory = json.RawMessage(queueH.String)
	}
	if leadH.Valid {
		r.LeadHistory = json.RawMessage(leadH.String)
	}
	if transferExt.Valid {
		ext := transferExt.String
		r.Transfer.Extension = &ext
	}
	return row, nil
}
