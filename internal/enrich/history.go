package enrich

import (
	"encoding/json"
	"strings"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
)

// ParseHistory decodes an agent or queue history value. The upstream sends
// either a JSON array or a string holding one.
func ParseHistory(v any) []types.HistoryEvent {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case string:
		if err := json.Unmarshal([]byte(t), &items); err != nil {
			return nil
		}
	default:
		return nil
	}

	events := make([]types.HistoryEvent, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		events = append(events, types.HistoryEvent{
			Type:        strings.ToLower(asString(m["type"])),
			Event:       strings.ToLower(asString(m["event"])),
			Extension:   firstString(m, []string{"ext", "extension"}),
			Destination: asString(m["destination"]),
			FirstName:   asString(m["first_name"]),
			LastName:    asString(m["last_name"]),
			OccurredAt:  epochField(m, []string{"last_attempt", "timestamp", "time"}),
			Connected:   asBool(m["connected"]),
		})
	}
	return events
}

func inboundTransfer(e types.HistoryEvent) bool {
	return (e.Type == "attended" && e.Event == "transfer") ||
		(e.Type == "agent" && e.Event == "transfer_enter")
}

func outboundTransfer(e types.HistoryEvent) bool {
	return e.Event == "transfer" || e.Event == "transfer_enter"
}

func campaignTransfer(e types.HistoryEvent) bool {
	return strings.Contains(e.Event, "transfer") || strings.Contains(e.Type, "transfer")
}

func noTransfer(types.HistoryEvent) bool { return false }

// DetectTransfer scans history for the last event matching rule
func DetectTransfer(history []types.HistoryEvent, rule TransferRule) types.Transfer {
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		if !rule(e) {
			continue
		}
		ext := e.Extension
		if ext == "" {
			ext = e.Destination
		}
		kind := e.Type
		if kind == "" {
			kind = e.Event
		}
		t := types.Transfer{Flag: true, Type: kind}
		if ext != "" {
			t.Extension = &ext
		}
		return t
	}
	return types.Transfer{}
}

func isHoldStart(e types.HistoryEvent) bool {
	return e.Event == "hold_start" || e.Type == "hold_start"
}

func isHoldStop(e types.HistoryEvent) bool {
	return e.Event == "hold_stop" || e.Type == "hold_stop"
}

// HoldIntervals pairs each hold_start with the next hold_stop. A start
// followed by another start before any stop is discarded; a trailing start
// is closed at hangup when hangup is known.
func HoldIntervals(history []types.HistoryEvent, hangupAt int64) ([]types.HoldInterval, int64) {
	var (
		intervals []types.HoldInterval
		total     int64
	)

	for i := 0; i < len(history); i++ {
		if !isHoldStart(history[i]) {
			continue
		}
		start := history[i].OccurredAt
		end := int64(-1)
		next := len(history)
		for j := i + 1; j < len(history); j++ {
			if isHoldStart(history[j]) {
				next = j - 1
				break
			}
			if isHoldStop(history[j]) {
				end = history[j].OccurredAt
				next = j
				break
			}
		}
		if end < 0 && next == len(history) && hangupAt > start {
			end = hangupAt
		}
		if end >= start && start > 0 {
			intervals = append(intervals, types.HoldInterval{Start: start, End: end})
			total += end - start
		}
		i = next
	}
	return intervals, total
}
