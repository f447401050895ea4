// Package nonce implements the per-sender nonce ledger (spec C4). Committed
// nonces are durable, stored in the state store under a reserved prefix so
// they participate in the same rollback and snapshot machinery as contract
// state. A transient in-block overlay enforces strict monotonicity among
// successive transactions from the same sender within one block.
package nonce

import (
	"fmt"

	"github.com/xian-network/abci-core/internal/errs"
)

const keyPrefix = "__nonces__:"

// Key returns the reserved state-cell key under which sender's committed
// nonce lives.
func Key(sender string) string {
	return keyPrefix + sender
}

// Store is the minimal store surface the ledger needs: a durable get and a
// staged set, satisfied by *store.Store.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// Ledger tracks committed nonces (durable, via Store) and an in-block
// overlay of the highest nonce seen per sender so far this block.
type Ledger struct {
	store   Store
	overlay map[string]int64
}

// New builds a Ledger backed by store.
func New(store Store) *Ledger {
	return &Ledger{store: store, overlay: make(map[string]int64)}
}

// Get returns the committed nonce for sender, or (0, false) if the sender
// has never had a transaction committed.
func (l *Ledger) Get(sender string) (int64, bool) {
	v, ok := l.store.Get(Key(sender))
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	if !ok {
		return 0, false
	}
	return n, true
}

// PeekNext returns the next nonce sender is expected to use, folding in any
// in-block overlay so a sequence of transactions from one sender within a
// single block is validated against each other, not just durable state.
func (l *Ledger) PeekNext(sender string) int64 {
	if overlay, ok := l.overlay[sender]; ok {
		return overlay + 1
	}
	committed, _ := l.Get(sender)
	return committed + 1
}

// Check reports whether nonce is acceptable for sender: it must be strictly
// greater than the committed nonce, and strictly greater than any nonce
// already used earlier in the current block by the same sender. On success
// it does NOT yet record the nonce — callers must call Advance once the
// transaction is known to have been accepted for execution.
func (l *Ledger) Check(sender string, proposed int64) error {
	expected := l.PeekNext(sender)
	if proposed < expected {
		return errs.New(errs.KindNonceInvalid,
			"nonce %d for sender %s is not greater than expected %d", proposed, sender, expected)
	}
	return nil
}

// Advance records that sender has now used nonce within the current block,
// updating the in-block overlay. It must be called after a transaction using
// this nonce has been accepted into the block (whether its execution itself
// succeeds or fails — the nonce advance happens regardless, per §4.6).
func (l *Ledger) Advance(sender string, nonce int64) {
	if cur, ok := l.overlay[sender]; !ok || nonce > cur {
		l.overlay[sender] = nonce
	}
}

// CommitBlock folds the in-block overlay into durable storage via Set, then
// clears the overlay. It must be called once per block, after all
// transactions have been processed and before the lifecycle coordinator asks
// the store to hard_apply.
func (l *Ledger) CommitBlock() {
	for sender, n := range l.overlay {
		l.store.Set(Key(sender), n)
	}
	l.overlay = make(map[string]int64)
}

// String is a debug helper.
func (l *Ledger) String() string {
	return fmt.Sprintf("nonce.Ledger{overlay=%v}", l.overlay)
}
