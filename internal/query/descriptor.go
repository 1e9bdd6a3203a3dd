package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

// ErrDescriptorExpired is returned for an unknown or idle-expired query id
var ErrDescriptorExpired = errors.New("query descriptor expired or unknown")

// Descriptor is a stored progressive query
type Descriptor struct {
	ID            string                     `json:"id"`
	Where         string                     `json:"-"`
	Args          []any                      `json:"-"`
	OrderBy       string                     `json:"-"`
	TotalCount    int64                      `json:"totalCount"`
	TotalPages    int                        `json:"totalPages"`
	PageSize      int                        `json:"pageSize"`
	PerTypeTotals map[types.RecordType]int64 `json:"perTypeTotals"`
}

// storedDescriptor is the persisted form, including the statement
type storedDescriptor struct {
	ID            string                     `json:"id"`
	Where         string                     `json:"where"`
	Args          []any                      `json:"args"`
	OrderBy       string                     `json:"orderBy"`
	TotalCount    int64                      `json:"totalCount"`
	TotalPages    int                        `json:"totalPages"`
	PageSize      int                        `json:"pageSize"`
	PerTypeTotals map[types.RecordType]int64 `json:"perTypeTotals"`
}

func encodeDescriptor(d *Descriptor) ([]byte, error) {
	return json.Marshal(storedDescriptor(*d))
}

// decodeDescriptor restores integer arguments that JSON turned into numbers
func decodeDescriptor(data []byte) (*Descriptor, error) {
	var s storedDescriptor
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	for i, a := range s.Args {
		if n, ok := a.(json.Number); ok {
			if v, err := n.Int64(); err == nil {
				s.Args[i] = v
			} else if f, err := n.Float64(); err == nil {
				s.Args[i] = f
			}
		}
	}
	d := Descriptor(s)
	return &d, nil
}

// DescriptorStore keeps progressive queries alive while they are used.
// Get refreshes the idle timeout.
type DescriptorStore interface {
	Put(ctx context.Context, d *Descriptor) error
	Get(ctx context.Context, id string) (*Descriptor, error)
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	desc     *Descriptor
	lastSeen time.Time
}

// MemoryStore holds descriptors in process with an idle TTL
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewMemoryStore creates a MemoryStore. now may be nil to use time.Now.
func NewMemoryStore(ttl time.Duration, now func() time.Time, logger zerolog.Logger) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		now:     now,
		logger:  logger.With().Str("component", "descriptor_store").Logger(),
	}
}

func (m *MemoryStore) Put(_ context.Context, d *Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[d.ID] = &memoryEntry{desc: d, lastSeen: m.now()}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrDescriptorExpired
	}
	now := m.now()
	if now.Sub(e.lastSeen) > m.ttl {
		delete(m.entries, id)
		return nil, ErrDescriptorExpired
	}
	e.lastSeen = now
	return e.desc, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Len returns the number of held descriptors
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep drops idle descriptors and returns how many were removed
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, e := range m.entries {
		if now.Sub(e.lastSeen) > m.ttl {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug().Int("removed", n).Msg("expired query descriptors swept")
			}
		}
	}
}
