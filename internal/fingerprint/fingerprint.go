// Package fingerprint implements the per-block ordered hash accumulator
// (spec C7). Every processed transaction, validator-set update, reward
// distribution, and applied state patch contributes one entry, in that
// fixed category order; the application hash is the digest of the
// concatenation of all contributions. This ordering and encoding is part of
// the consensus contract: any change here is a hard fork.
package fingerprint

import (
	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/crypto"
)

// Accumulator collects one block's fingerprint contributions and seals them
// into an application hash at commit time.
type Accumulator struct {
	priorAppHash   string
	txContribs     [][]byte
	validatorUpdts [][]byte
	rewardContribs [][]byte
	patchContribs  [][]byte
}

// New builds an Accumulator seeded with the application hash of the prior
// block (the "pure function of (prior app hash, ordered transaction list,
// state patches)" invariant of §8).
func New(priorAppHash string) *Accumulator {
	return &Accumulator{priorAppHash: priorAppHash}
}

// AddTransaction folds in one processed transaction's contribution: the
// digest of its canonical payload bytes combined with the digest of its
// sorted writes and its status code.
func (a *Accumulator) AddTransaction(txHash string, writes map[string]any, statusCode int) {
	entry := map[string]any{
		"tx_hash": txHash,
		"writes":  writes,
		"status":  int64(statusCode),
	}
	a.txContribs = append(a.txContribs, a.digestOf(entry))
}

// AddValidatorUpdate folds in a validator-set change.
func (a *Accumulator) AddValidatorUpdate(pubKey string, power int64) {
	entry := map[string]any{"pub_key": pubKey, "power": power}
	a.validatorUpdts = append(a.validatorUpdts, a.digestOf(entry))
}

// AddReward folds in a reward distribution event.
func (a *Accumulator) AddReward(recipient string, amount canon.Decimal) {
	entry := map[string]any{"recipient": recipient, "amount": amount}
	a.rewardContribs = append(a.rewardContribs, a.digestOf(entry))
}

// AddStatePatch folds in an applied state-patch record.
func (a *Accumulator) AddStatePatch(key string, value any, comment string) {
	entry := map[string]any{"key": key, "value": value, "comment": comment}
	a.patchContribs = append(a.patchContribs, a.digestOf(entry))
}

func (a *Accumulator) digestOf(v map[string]any) []byte {
	b, err := canon.Encode(v)
	if err != nil {
		// Every caller builds v from the canonical value universe; a failure
		// here is a programming error in a caller, not bad user input.
		panic(err)
	}
	return b
}

// Seal computes the application hash: the digest of the concatenation of
// every contribution in the fixed order
// txs_in_block_order ‖ validator_updates ‖ rewards ‖ state_patches.
// It does not reset the accumulator; callers must construct a fresh
// Accumulator for the next block (typically via New(sealedHash)).
func (a *Accumulator) Seal() string {
	var all []byte
	for _, c := range a.txContribs {
		all = append(all, c...)
	}
	for _, c := range a.validatorUpdts {
		all = append(all, c...)
	}
	for _, c := range a.rewardContribs {
		all = append(all, c...)
	}
	for _, c := range a.patchContribs {
		all = append(all, c...)
	}
	all = append([]byte(a.priorAppHash), all...)
	return crypto.SHA3_256Hex(all)
}

// Empty reports whether no contributions have been folded in at all (used
// by callers deciding whether an empty block should still advance the app
// hash — per §9 open questions, it always does, since the prior app hash is
// folded in unconditionally).
func (a *Accumulator) Empty() bool {
	return len(a.txContribs) == 0 && len(a.validatorUpdts) == 0 &&
		len(a.rewardContribs) == 0 && len(a.patchContribs) == 0
}
