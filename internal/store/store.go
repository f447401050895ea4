// Package store implements the versioned, namespaced key-value store (spec
// C5): a transaction-scoped write cache, a block-scoped pending cache, a
// durable layer, and prefix scans. The aliasing invariant — mutating a value
// returned from Get must never mutate stored state without an explicit
// Set — is enforced by deep-copying every value that crosses the Get/Set
// boundary, grounded in the design notes' preference for copy-on-read over
// relying on host-language reference semantics.
package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Durable is the interface a backing persistence layer must satisfy. The
// default implementation is an in-memory map guarded by a version tag, which
// is sufficient for a single-process node; swapping in an on-disk engine
// only requires satisfying this interface.
type Durable interface {
	Get(key string) (any, bool)
	Items(prefix string) []KV
	Tag() int64
	// ApplyBatch atomically writes sets and deletes, recording tag as the new
	// commit tag. tag must be strictly greater than the previous Tag().
	ApplyBatch(tag int64, sets map[string]any, deletes map[string]bool)
}

// KV is a single key/value pair returned from a prefix scan.
type KV struct {
	Key   string
	Value any
}

// Store is the versioned, layered key-value store described in §4.5.
type Store struct {
	mu sync.Mutex

	durable Durable

	// blockPending is the union of successful transactions' writes, staged
	// until hard_apply seals them into durable with a monotonic tag.
	blockPending map[string]any
	blockDeletes map[string]bool

	// txWrites is the active transaction's staged writes, merged into
	// blockPending on success or discarded on rollback.
	txWrites  map[string]any
	txDeletes map[string]bool

	// execWrites is the current executor call's scratch writes, merged into
	// txWrites on return or discarded by FlushCache.
	execWrites  map[string]any
	execDeletes map[string]bool

	// readCache is a small LRU of recently deep-copied durable reads, purely
	// an optimization (deep-copying a large state cell on every Get is the
	// dominant cost in a hot loop); it is invalidated on every Set/Delete of
	// the same key and on every hard_apply.
	readCache *simplelru.LRU[string, any]
}

const defaultReadCacheSize = 4096

// New builds a Store over durable.
func New(durable Durable) *Store {
	cache, _ := simplelru.NewLRU[string, any](defaultReadCacheSize, nil)
	return &Store{
		durable:      durable,
		blockPending: make(map[string]any),
		blockDeletes: make(map[string]bool),
		txWrites:     make(map[string]any),
		txDeletes:    make(map[string]bool),
		execWrites:   make(map[string]any),
		execDeletes:  make(map[string]bool),
		readCache:    cache,
	}
}

// Get returns the logical value of key, consulting layers from most to
// least recent: exec-local, tx-scope, block-pending, durable. The returned
// value is a deep copy; mutating it has no effect on stored state unless
// followed by an explicit Set.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (any, bool) {
	if s.execDeletes[key] {
		return nil, false
	}
	if v, ok := s.execWrites[key]; ok {
		return deepCopy(v), true
	}
	if s.txDeletes[key] {
		return nil, false
	}
	if v, ok := s.txWrites[key]; ok {
		return deepCopy(v), true
	}
	if s.blockDeletes[key] {
		return nil, false
	}
	if v, ok := s.blockPending[key]; ok {
		return deepCopy(v), true
	}
	if v, ok := s.readCache.Get(key); ok {
		return deepCopy(v), true
	}
	v, ok := s.durable.Get(key)
	if !ok {
		return nil, false
	}
	s.readCache.Add(key, deepCopy(v))
	return deepCopy(v), true
}

// Set stages value under key in the active executor scope. It takes logical
// ownership of a deep copy of value, so the caller's own mutations after
// Set has no effect on stored state either.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execDeletes, key)
	s.execWrites[key] = deepCopy(value)
}

// Delete stages a deletion of key in the active executor scope.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execWrites, key)
	s.execDeletes[key] = true
}

// Items returns all key/value pairs whose key has the given prefix, across
// all layers, in ascending key order. Deleted keys (at any layer, masking a
// durable value) are excluded.
func (s *Store) Items(prefix string) []KV {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]any)
	deleted := make(map[string]bool)

	for _, kv := range s.durable.Items(prefix) {
		merged[kv.Key] = kv.Value
	}
	for k := range s.blockDeletes {
		if strings.HasPrefix(k, prefix) {
			deleted[k] = true
		}
	}
	for k, v := range s.blockPending {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
			delete(deleted, k)
		}
	}
	for k := range s.txDeletes {
		if strings.HasPrefix(k, prefix) {
			deleted[k] = true
		}
	}
	for k, v := range s.txWrites {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
			delete(deleted, k)
		}
	}
	for k := range s.execDeletes {
		if strings.HasPrefix(k, prefix) {
			deleted[k] = true
		}
	}
	for k, v := range s.execWrites {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
			delete(deleted, k)
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		if !deleted[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, KV{Key: k, Value: deepCopy(merged[k])})
	}
	return out
}

// Keys is Items without values.
func (s *Store) Keys(prefix string) []string {
	items := s.Items(prefix)
	keys := make([]string, len(items))
	for i, kv := range items {
		keys[i] = kv.Key
	}
	return keys
}

// FlushCache discards the current executor call's scratch writes without
// touching the transaction scope. Called after every executor invocation
// that failed, or that the caller otherwise wants to disregard.
func (s *Store) FlushCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execWrites = make(map[string]any)
	s.execDeletes = make(map[string]bool)
}

// PromoteExec merges the current executor call's scratch writes into the
// transaction scope (on a successful call) and then clears exec scope.
func (s *Store) PromoteExec() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.execWrites {
		delete(s.txDeletes, k)
		s.txWrites[k] = v
	}
	for k := range s.execDeletes {
		delete(s.txWrites, k)
		s.txDeletes[k] = true
	}
	s.execWrites = make(map[string]any)
	s.execDeletes = make(map[string]bool)
}

// CommitTx merges the active transaction's writes into the block-pending
// scope (on a successful transaction) and clears tx scope.
func (s *Store) CommitTx() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.txWrites {
		delete(s.blockDeletes, k)
		s.blockPending[k] = v
	}
	for k := range s.txDeletes {
		delete(s.blockPending, k)
		s.blockDeletes[k] = true
	}
	s.txWrites = make(map[string]any)
	s.txDeletes = make(map[string]bool)
}

// PendingTxWrites returns a snapshot of the active transaction's staged
// writes (set keys only, not deletes), deep-copied, for use by the
// fingerprint accumulator. Call it after the transaction's executor call(s)
// have completed but before CommitTx/RollbackTx.
func (s *Store) PendingTxWrites() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.txWrites))
	for k, v := range s.txWrites {
		out[k] = deepCopy(v)
	}
	return out
}

// RollbackTx discards the active transaction's staged writes (and any
// leftover exec scope), per §4.5.
func (s *Store) RollbackTx() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execWrites = make(map[string]any)
	s.execDeletes = make(map[string]bool)
	s.txWrites = make(map[string]any)
	s.txDeletes = make(map[string]bool)
}

// HardApply atomically promotes all block-pending writes into durable
// storage tagged with tag (the block's nanosecond timestamp), then resets
// every cache layer. Two stores that HardApply the same sequence of
// set/delete operations with the same tags return byte-identical values for
// every key (the commit-tag invariant of §4.5).
func (s *Store) HardApply(tag int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durable.ApplyBatch(tag, s.blockPending, s.blockDeletes)
	s.blockPending = make(map[string]any)
	s.blockDeletes = make(map[string]bool)
	s.txWrites = make(map[string]any)
	s.txDeletes = make(map[string]bool)
	s.execWrites = make(map[string]any)
	s.execDeletes = make(map[string]bool)
	s.readCache.Purge()
}

// Tag returns the durable layer's current commit tag.
func (s *Store) Tag() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable.Tag()
}
