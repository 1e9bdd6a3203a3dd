package enrich

import (
	"errors"
	"fmt"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

// ErrMalformed marks a record that cannot be enriched
var ErrMalformed = errors.New("malformed record")

// Enricher turns raw upstream records into canonical enriched records
type Enricher struct {
	countries *CountryResolver
	logger    zerolog.Logger
}

// NewEnricher creates an Enricher
func NewEnricher(countries *CountryResolver, logger zerolog.Logger) *Enricher {
	return &Enricher{
		countries: countries,
		logger:    logger.With().Str("component", "enricher").Logger(),
	}
}

// Enrich converts one raw record. It has no side effects.
func (e *Enricher) Enrich(raw types.RawRecord) (types.EnrichedRecord, error) {
	fields, err := DecodePayload(raw.Payload)
	if err != nil {
		return types.EnrichedRecord{}, err
	}
	return e.EnrichFields(raw.SourceType, fields)
}

// EnrichFields converts an already decoded payload
func (e *Enricher) EnrichFields(st types.SourceType, fields map[string]any) (types.EnrichedRecord, error) {
	fm, err := FieldMapFor(st)
	if err != nil {
		return types.EnrichedRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	callID := firstString(fields, fm.ID)
	if callID == "" {
		return types.EnrichedRecord{}, fmt.Errorf("%w: %s record has no identifier", ErrMalformed, st)
	}
	calledAt, ok := ExtractTimestamp(fields, fm.Timestamp)
	if !ok {
		return types.EnrichedRecord{}, fmt.Errorf("%w: %s record %s has no timestamp", ErrMalformed, st, callID)
	}

	rec := types.EnrichedRecord{
		RecordType:    st.RecordType(),
		CallID:        callID,
		AgentName:     firstString(fields, fm.AgentName),
		Extension:     firstString(fields, fm.Extension),
		QueueName:     firstString(fields, fm.Queue),
		CampaignName:  firstString(fields, fm.Campaign),
		CallerNumber:  firstString(fields, fm.Caller),
		CalleeNumber:  firstString(fields, fm.Callee),
		CalledAt:      calledAt,
		AnsweredAt:    epochField(fields, fm.AnsweredAt),
		HangupAt:      epochField(fields, fm.HangupAt),
		FollowUpNotes: firstString(fields, fm.Notes),
		RecordingID:   firstString(fields, fm.Recording),
		Status:        firstString(fields, fm.Status),
		HoldIntervals: []types.HoldInterval{},
	}

	for _, k := range fm.Disposition {
		if v, ok := fields[k]; ok && v != nil {
			if rec.Disposition = displayString(v); rec.Disposition != "" {
				break
			}
		}
	}
	for _, k := range fm.SubDisp {
		if v, ok := fields[k]; ok && v != nil {
			rec.SubDisposition1, rec.SubDisposition2 = SubDispositions(v)
			if rec.SubDisposition1 != "" || rec.SubDisposition2 != "" {
				break
			}
		}
	}

	e.resolveDurations(&rec, fields, fm)

	var history []types.HistoryEvent
	for _, k := range fm.AgentHistory {
		if v, ok := fields[k]; ok && v != nil {
			rec.AgentHistory = rawJSON(v)
			history = ParseHistory(v)
			break
		}
	}
	for _, k := range fm.QueueHistory {
		if v, ok := fields[k]; ok && v != nil {
			rec.QueueHistory = rawJSON(v)
			break
		}
	}
	for _, k := range fm.LeadHistory {
		if v, ok := fields[k]; ok && v != nil {
			rec.LeadHistory = rawJSON(v)
			break
		}
	}

	if len(history) > 0 {
		if rec.AgentName == "" {
			rec.AgentName = history[0].FullName()
		}
		if rec.Extension == "" {
			rec.Extension = history[0].Extension
		}
	}

	rec.Transfer = DetectTransfer(history, fm.Transfer)
	if intervals, total := HoldIntervals(history, rec.HangupAt); len(intervals) > 0 {
		rec.HoldIntervals = intervals
		rec.HoldDuration = total
	}

	if e.countries != nil {
		number := rec.CalleeNumber
		if fm.CountryFrom == callerSide {
			number = rec.CallerNumber
		}
		rec.Country = e.countries.Country(number)
	}

	return rec, nil
}

func (e *Enricher) resolveDurations(rec *types.EnrichedRecord, fields map[string]any, fm FieldMap) {
	talk, hasTalk := firstInt(fields, fm.Talk)
	wait, hasWait := firstInt(fields, fm.Wait)
	total, hasTotal := firstInt(fields, fm.Duration)

	if rec.HangupAt == 0 && hasTotal && total >= 0 {
		rec.HangupAt = rec.CalledAt + total
	}
	if rec.AnsweredAt == 0 && hasTalk && talk > 0 && rec.HangupAt > 0 {
		rec.AnsweredAt = rec.HangupAt - talk
	}

	switch {
	case hasWait:
		rec.WaitDuration = wait
	case rec.AnsweredAt >= rec.CalledAt && rec.AnsweredAt > 0:
		rec.WaitDuration = rec.AnsweredAt - rec.CalledAt
	case rec.AnsweredAt == 0 && rec.HangupAt >= rec.CalledAt && rec.HangupAt > 0:
		rec.WaitDuration = rec.HangupAt - rec.CalledAt
	}

	switch {
	case hasTalk:
		rec.TalkDuration = talk
	case rec.AnsweredAt > 0 && rec.HangupAt >= rec.AnsweredAt:
		rec.TalkDuration = rec.HangupAt - rec.AnsweredAt
	}
}

// EnrichAll converts a batch, skipping and counting malformed records
func (e *Enricher) EnrichAll(raws []types.ParsedRawRecord) ([]types.EnrichedRecord, types.EnrichSummary) {
	out := make([]types.EnrichedRecord, 0, len(raws))
	summary := types.EnrichSummary{BySource: make(map[types.SourceType]int)}

	for _, raw := range raws {
		fields := raw.Fields
		var (
			rec types.EnrichedRecord
			err error
		)
		if fields != nil {
			rec, err = e.EnrichFields(raw.SourceType, fields)
		} else {
			rec, err = e.Enrich(raw.RawRecord)
		}
		if err != nil {
			summary.Skipped++
			e.logger.Warn().
				Err(err).
				Str("source_type", string(raw.SourceType)).
				Str("natural_id", raw.NaturalID).
				Msg("skipping record")
			continue
		}
		out = append(out, rec)
		summary.OK++
		summary.BySource[raw.SourceType]++
	}
	return out, summary
}
