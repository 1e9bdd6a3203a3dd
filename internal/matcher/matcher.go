package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/metrics"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

// Strategy names a join implementation
type Strategy string

const (
	StrategyMemory Strategy = "memory"
	StrategySQL    Strategy = "sql"
)

// noMatch marks a CDR without a containing outbound call
const noMatch = -1

// Joiner resolves, for every CDR, the index of the outbound call that
// contains it or noMatch. Implementations must agree on semantics: same
// normalized extension, CalledAt <= T <= HangupAt, earliest CalledAt wins
// with input order breaking ties.
type Joiner interface {
	Join(ctx context.Context, cdrs []Point, outbound []Interval) ([]int, error)
}

// Point is a CDR reduced to what the join needs
type Point struct {
	Ext string
	At  int64
}

// Interval is an outbound call reduced to what the join needs
type Interval struct {
	Ext      string
	CalledAt int64
	HangupAt int64
}

// Result holds matched CDRs in input order
type Result struct {
	Records []types.EnrichedRecord
	Summary types.MatchSummary
}

// Options bounds the CDR volume handed to the SQL strategy
type Options struct {
	SQLMin int
	SQLMax int
}

// Matcher attaches CDRs to the outbound queue calls they belong to
type Matcher struct {
	memory  Joiner
	sql     Joiner
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Matcher. sqlJoiner may be nil, in which case every join
// runs in memory.
func New(sqlJoiner Joiner, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Matcher {
	return &Matcher{
		memory:  MemoryJoiner{},
		sql:     sqlJoiner,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "matcher").Logger(),
	}
}

// Strategy picks the join for a CDR volume
func (m *Matcher) Strategy(cdrCount int) Strategy {
	if m.sql == nil || m.opts.SQLMin <= 0 {
		return StrategyMemory
	}
	if cdrCount >= m.opts.SQLMin && (m.opts.SQLMax <= 0 || cdrCount <= m.opts.SQLMax) {
		return StrategySQL
	}
	return StrategyMemory
}

// Match joins cdrs to outbound calls. Matched CDRs inherit the agent,
// extension and queue of their outbound call; unmatched CDRs are dropped.
func (m *Matcher) Match(ctx context.Context, cdrs, outbound []types.EnrichedRecord) (Result, error) {
	strategy := m.Strategy(len(cdrs))
	joiner := m.memory
	if strategy == StrategySQL {
		joiner = m.sql
	}

	res := Result{Summary: types.MatchSummary{CDRs: len(cdrs), Strategy: string(strategy)}}
	if len(cdrs) == 0 {
		return res, nil
	}

	keys := make([]Point, len(cdrs))
	for i, c := range cdrs {
		keys[i] = Point{Ext: NormalizeExtension(c.CallerNumber), At: c.CalledAt}
	}
	intervals := make([]Interval, len(outbound))
	for i, o := range outbound {
		intervals[i] = Interval{Ext: NormalizeExtension(o.Extension), CalledAt: o.CalledAt, HangupAt: o.HangupAt}
	}

	idx, err := joiner.Join(ctx, keys, intervals)
	if err != nil {
		return res, fmt.Errorf("%s join failed: %w", strategy, err)
	}

	for i, j := range idx {
		if j == noMatch {
			res.Summary.Dropped++
			continue
		}
		res.Records = append(res.Records, attach(cdrs[i], outbound[j]))
		res.Summary.Matched++
	}

	m.metrics.RecordMatch(string(strategy), res.Summary.Matched, res.Summary.Dropped)
	m.logger.Info().
		Str("strategy", string(strategy)).
		Int("cdrs", len(cdrs)).
		Int("outbound", len(outbound)).
		Int("matched", res.Summary.Matched).
		Int("dropped", res.Summary.Dropped).
		Msg("cdr match finished")

	return res, nil
}

func attach(cdr, ob types.EnrichedRecord) types.EnrichedRecord {
	cdr.ParentCallID = ob.CallID
	cdr.AgentName = ob.AgentName
	cdr.Extension = ob.Extension
	cdr.QueueName = ob.QueueName
	if cdr.CampaignName == "" {
		cdr.CampaignName = ob.CampaignName
	}
	return cdr
}

// NormalizeExtension keeps the digits of s, at most the trailing 10
func NormalizeExtension(s string) string {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return string(digits)
}

// MemoryJoiner buckets outbound calls by extension and scans each bucket
type MemoryJoiner struct{}

func (MemoryJoiner) Join(_ context.Context, cdrs []Point, outbound []Interval) ([]int, error) {
	buckets := make(map[string][]int)
	for i, o := range outbound {
		if o.Ext == "" {
			continue
		}
		buckets[o.Ext] = append(buckets[o.Ext], i)
	}
	for _, b := range buckets {
		sort.SliceStable(b, func(x, y int) bool {
			return outbound[b[x]].CalledAt < outbound[b[y]].CalledAt
		})
	}

	out := make([]int, len(cdrs))
	for i, c := range cdrs {
		out[i] = noMatch
		if c.Ext == "" {
			continue
		}
		for _, j := range buckets[c.Ext] {
			o := outbound[j]
			if o.CalledAt > c.At {
				break
			}
			if c.At <= o.HangupAt {
				out[i] = j
				break
			}
		}
	}
	return out, nil
}
