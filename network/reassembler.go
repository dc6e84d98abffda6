package network

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultProgressInterval rate-limits intermediate progress callbacks.
	DefaultProgressInterval = 150 * time.Millisecond
)

// ReassemblyResult reports the state of one transfer after a chunk insert.
type ReassemblyResult struct {
	Complete bool
	Percent  int
	Meta     TransferMeta
	Payload  []byte
}

// ReassemblerOptions configures transfer reassembly.
type ReassemblerOptions struct {
	// Staleness evicts transfers with no terminal chunk after this long.
	Staleness time.Duration
	// ProgressInterval is the minimum gap between intermediate progress
	// callbacks; the final 100% is always delivered.
	ProgressInterval time.Duration
	// OnProgress, when set, receives rate-limited receive progress.
	OnProgress func(transferID string, percent int)
}

func (o ReassemblerOptions) withDefaults() ReassemblerOptions {
	out := o
	if out.Staleness <= 0 {
		out.Staleness = DefaultReassemblyStaleness
	}
	if out.ProgressInterval < 0 {
		out.ProgressInterval = 0
	} else if out.ProgressInterval == 0 {
		out.ProgressInterval = DefaultProgressInterval
	}
	return out
}

type reassemblyEntry struct {
	meta         TransferMeta
	slots        [][]byte
	filled       int
	createdAt    time.Time
	lastProgress time.Time
}

// Reassembler accumulates slot-indexed chunks per transfer id and promotes a
// transfer to its final payload once every slot is filled. Entries whose
// transfer never completes are evicted after the staleness window so an
// interrupted sender cannot pin memory forever.
type Reassembler struct {
	options ReassemblerOptions

	mu        sync.Mutex
	entries   map[string]*reassemblyEntry
	completed map[string]time.Time
}

// NewReassembler creates a reassembler with defaults applied.
func NewReassembler(options ReassemblerOptions) *Reassembler {
	return &Reassembler{
		options:   options.withDefaults(),
		entries:   make(map[string]*reassemblyEntry),
		completed: make(map[string]time.Time),
	}
}

// OnChunk inserts one chunk. Re-delivery of a filled slot overwrites without
// double-counting; a chunk for an already completed transfer is a no-op.
func (r *Reassembler) OnChunk(meta TransferMeta, payload []byte) (ReassemblyResult, error) {
	if err := meta.Validate(); err != nil {
		return ReassemblyResult{}, err
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictStaleLocked(now)

	if _, done := r.completed[meta.ID]; done {
		return ReassemblyResult{Complete: true, Percent: 100, Meta: meta}, nil
	}

	entry := r.entries[meta.ID]
	if entry == nil {
		entry = &reassemblyEntry{
			meta:      meta,
			slots:     make([][]byte, meta.TotalChunks),
			createdAt: now,
		}
		r.entries[meta.ID] = entry
	}

	if meta.TotalChunks != len(entry.slots) {
		return ReassemblyResult{}, fmt.Errorf("%w: total chunks changed from %d to %d for transfer %q",
			ErrMalformedFrame, len(entry.slots), meta.TotalChunks, meta.ID)
	}

	if entry.slots[meta.ChunkIndex] == nil {
		entry.filled++
	}
	entry.slots[meta.ChunkIndex] = payload

	percent := entry.filled * 100 / len(entry.slots)

	if entry.filled < len(entry.slots) {
		if r.options.OnProgress != nil && now.Sub(entry.lastProgress) >= r.options.ProgressInterval {
			entry.lastProgress = now
			r.options.OnProgress(meta.ID, percent)
		}
		return ReassemblyResult{Percent: percent, Meta: entry.meta}, nil
	}

	// All slots filled: concatenate in index order and retire the entry.
	size := 0
	for _, slot := range entry.slots {
		size += len(slot)
	}
	final := make([]byte, 0, size)
	for _, slot := range entry.slots {
		final = append(final, slot...)
	}

	delete(r.entries, meta.ID)
	r.completed[meta.ID] = now

	if r.options.OnProgress != nil {
		r.options.OnProgress(meta.ID, 100)
	}

	return ReassemblyResult{
		Complete: true,
		Percent:  100,
		Meta:     entry.meta,
		Payload:  final,
	}, nil
}

// Pending returns the number of in-progress transfers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictStale removes transfers whose terminal chunk never arrived within the
// staleness window and returns how many were evicted.
func (r *Reassembler) EvictStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictStaleLocked(now)
}

func (r *Reassembler) evictStaleLocked(now time.Time) int {
	evicted := 0
	for id, entry := range r.entries {
		if now.Sub(entry.createdAt) > r.options.Staleness {
			delete(r.entries, id)
			evicted++
		}
	}
	// Completed markers only need to outlive straggler duplicates.
	for id, at := range r.completed {
		if now.Sub(at) > r.options.Staleness {
			delete(r.completed, id)
		}
	}
	return evicted
}
