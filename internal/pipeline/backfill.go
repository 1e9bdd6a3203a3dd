package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/enrich"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/ledger"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
)

// backfill applies late-arriving fields carried by re-fetched records. The
// re-fetched payload is merged over the stored one and existing ledger rows
// are patched; rows not yet materialized pick the values up from the merged
// payload.
func (s *Service) backfill(ctx context.Context, duplicates []types.RawRecord) int {
	patched := 0
	for _, fresh := range duplicates {
		logger := s.logger.With().
			Str("source_type", string(fresh.SourceType)).
			Str("natural_id", fresh.NaturalID).
			Logger()

		stored, err := s.raw.Get(ctx, fresh.SourceType, fresh.NaturalID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to load stored record for backfill")
			continue
		}

		merged, err := mergePayload(stored.Payload, fresh.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to merge re-fetched payload")
			continue
		}
		next := fresh
		next.Payload = merged

		patch, ok := s.latePatch(*stored, next)
		if !ok {
			continue
		}

		if err := s.raw.PatchPayload(ctx, fresh.SourceType, fresh.NaturalID, merged); err != nil {
			logger.Warn().Err(err).Msg("failed to patch raw payload")
			continue
		}
		if _, err := s.ledger.Patch(ctx, patch); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			logger.Warn().Err(err).Str("call_id", patch.CallID).Msg("failed to patch ledger row")
			continue
		}
		patched++
	}

	s.metrics.RecordBackfill(patched)
	return patched
}

// mergePayload overlays the non-empty fields of fresh onto stored. Fields
// fresh omits or leaves empty keep their stored value.
func mergePayload(stored, fresh json.RawMessage) (json.RawMessage, error) {
	base, err := enrich.DecodePayload(stored)
	if err != nil {
		return nil, err
	}
	overlay, err := enrich.DecodePayload(fresh)
	if err != nil {
		return nil, err
	}
	for k, v := range overlay {
		if emptyValue(v) {
			continue
		}
		base[k] = v
	}
	return json.Marshal(base)
}

func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

// latePatch compares the enrichable late fields of a stored and a merged
// copy. Only values the merged copy carries and the stored copy lacks or
// differs on are patched.
func (s *Service) latePatch(stored, merged types.RawRecord) (ledger.PatchRequest, bool) {
	next, err := s.enricher.Enrich(merged)
	if err != nil {
		return ledger.PatchRequest{}, false
	}
	prev, err := s.enricher.Enrich(stored)
	if err != nil {
		prev = types.EnrichedRecord{}
	}

	p := ledger.PatchRequest{CallID: next.CallID, RecordType: next.RecordType}
	changed := func(oldValue, newValue string) *string {
		if newValue == "" || newValue == oldValue {
			return nil
		}
		return &newValue
	}
	p.Disposition = changed(prev.Disposition, next.Disposition)
	p.SubDisposition1 = changed(prev.SubDisposition1, next.SubDisposition1)
	p.SubDisposition2 = changed(prev.SubDisposition2, next.SubDisposition2)
	p.FollowUpNotes = changed(prev.FollowUpNotes, next.FollowUpNotes)
	p.RecordingID = changed(prev.RecordingID, next.RecordingID)

	return p, !p.Empty()
}
