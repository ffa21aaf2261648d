package store

import (
	"sort"
	"sync"
)

// BlockEntry is a time-bounded denial record. ExpiresAtMs > BlockedAtMs.
type BlockEntry struct {
	BlockedAtMs int64
	ExpiresAtMs int64
	Reason      string
}

// BlockStatus is the answer of IsBlocked. Entry is populated whenever an
// entry exists, even an expired one, so callers can tell the two apart.
type BlockStatus struct {
	Blocked bool
	Expired bool
	Entry   BlockEntry
}

// BlockResult describes the outcome of a Block call.
type BlockResult struct {
	Entry BlockEntry

	// Replaced is set when an existing entry was overwritten.
	Replaced bool

	// Conflict is set when the overwritten entry was written by a caller
	// holding a later clock reading. The new entry still wins.
	Conflict bool
}

// BlockedOrigin pairs an origin with its block entry.
type BlockedOrigin struct {
	Origin string
	BlockEntry
}

type blockShard struct {
	mu         sync.Mutex
	blocks     map[string]BlockEntry
	suspicious map[string]struct{}
}

// MemoryBlocklist is the in-process BlockStore.
type MemoryBlocklist struct {
	shards [shardCount]blockShard
}

var _ BlockStore = (*MemoryBlocklist)(nil)

// NewMemoryBlocklist creates an empty blocklist.
func NewMemoryBlocklist() *MemoryBlocklist {
	b := &MemoryBlocklist{}
	for i := range b.shards {
		b.shards[i].blocks = make(map[string]BlockEntry)
		b.shards[i].suspicious = make(map[string]struct{})
	}
	return b
}

func (b *MemoryBlocklist) shard(origin string) *blockShard {
	return &b.shards[shardFor(origin)]
}

// IsBlocked implements BlockStore.
func (b *MemoryBlocklist) IsBlocked(origin string, nowMs int64) BlockStatus {
	sh := b.shard(origin)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.blocks[origin]
	if !ok {
		return BlockStatus{}
	}
	if e.ExpiresAtMs > nowMs {
		return BlockStatus{Blocked: true, Entry: e}
	}
	return BlockStatus{Expired: true, Entry: e}
}

// Block implements BlockStore. A non-positive duration is raised to one
// millisecond so that ExpiresAtMs > BlockedAtMs always holds.
func (b *MemoryBlocklist) Block(origin string, nowMs, durationMs int64, reason string) BlockResult {
	if durationMs <= 0 {
		durationMs = 1
	}
	entry := BlockEntry{
		BlockedAtMs: nowMs,
		ExpiresAtMs: nowMs + durationMs,
		Reason:      reason,
	}

	sh := b.shard(origin)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, replaced := sh.blocks[origin]
	sh.blocks[origin] = entry
	return BlockResult{
		Entry:    entry,
		Replaced: replaced,
		Conflict: replaced && prev.BlockedAtMs > nowMs,
	}
}

// Clear implements BlockStore.
func (b *MemoryBlocklist) Clear(origin string) {
	sh := b.shard(origin)
	sh.mu.Lock()
	delete(sh.blocks, origin)
	delete(sh.suspicious, origin)
	sh.mu.Unlock()
}

// ClearIfExpired implements BlockStore.
func (b *MemoryBlocklist) ClearIfExpired(origin string, nowMs int64) bool {
	sh := b.shard(origin)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.blocks[origin]
	if !ok || e.ExpiresAtMs > nowMs {
		return false
	}
	delete(sh.blocks, origin)
	delete(sh.suspicious, origin)
	return true
}

// MarkSuspicious implements BlockStore.
func (b *MemoryBlocklist) MarkSuspicious(origin string) {
	sh := b.shard(origin)
	sh.mu.Lock()
	sh.suspicious[origin] = struct{}{}
	sh.mu.Unlock()
}

// IsSuspicious implements BlockStore.
func (b *MemoryBlocklist) IsSuspicious(origin string) bool {
	sh := b.shard(origin)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.suspicious[origin]
	return ok
}

// ForgetSuspicion implements BlockStore.
func (b *MemoryBlocklist) ForgetSuspicion(origin string) bool {
	sh := b.shard(origin)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, blocked := sh.blocks[origin]; blocked {
		return false
	}
	if _, ok := sh.suspicious[origin]; !ok {
		return false
	}
	delete(sh.suspicious, origin)
	return true
}

// SweepExpired implements BlockStore.
func (b *MemoryBlocklist) SweepExpired(nowMs int64) []string {
	var cleared []string
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for origin, e := range sh.blocks {
			if e.ExpiresAtMs <= nowMs {
				delete(sh.blocks, origin)
				delete(sh.suspicious, origin)
				cleared = append(cleared, origin)
			}
		}
		sh.mu.Unlock()
	}
	return cleared
}

// Blocked implements BlockStore.
func (b *MemoryBlocklist) Blocked() []BlockedOrigin {
	var out []BlockedOrigin
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for origin, e := range sh.blocks {
			out = append(out, BlockedOrigin{Origin: origin, BlockEntry: e})
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedAtMs != out[j].BlockedAtMs {
			return out[i].BlockedAtMs < out[j].BlockedAtMs
		}
		return out[i].Origin < out[j].Origin
	})
	return out
}

// Suspicious implements BlockStore.
func (b *MemoryBlocklist) Suspicious() []string {
	var out []string
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for origin := range sh.suspicious {
			out = append(out, origin)
		}
		sh.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Counts implements BlockStore.
func (b *MemoryBlocklist) Counts() (blocked, suspicious int) {
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		blocked += len(sh.blocks)
		suspicious += len(sh.suspicious)
		sh.mu.Unlock()
	}
	return blocked, suspicious
}
