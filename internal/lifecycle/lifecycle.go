// Package lifecycle implements the block lifecycle coordinator (spec C8): it
// orchestrates the consensus-driver call sequence (init_chain, check_tx,
// prepare_proposal, process_proposal, finalize_block, commit), wiring the
// nonce ledger, store, executor, and fingerprint accumulator together in the
// order the design notes fix as part of the consensus contract. There is
// exactly one active block at a time and its mutating handlers run
// sequentially, matching the single logical consumer model described there.
package lifecycle

import (
	"fmt"

	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/errs"
	"github.com/xian-network/abci-core/internal/executor"
	"github.com/xian-network/abci-core/internal/fingerprint"
	"github.com/xian-network/abci-core/internal/nonce"
	"github.com/xian-network/abci-core/internal/store"
	"github.com/xian-network/abci-core/internal/txn"
)

// Store is the subset of *store.Store the coordinator drives directly; it is
// also passed through, as *store.Store, to the executor and nonce ledger
// (both of which depend on a narrower interface of the same concrete type).
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
	Items(prefix string) []store.KV
	FlushCache()
	PromoteExec()
	CommitTx()
	RollbackTx()
	PendingTxWrites() map[string]any
	HardApply(tag int64)
	Tag() int64
}

// StatePatch is one height-keyed remediation record applied during
// finalize_block for the matching height (see internal/genesis for the
// loader that produces these from a document on disk).
type StatePatch struct {
	Key     string
	Value   any
	Comment string
}

// ValidatorUpdate and Reward are the two other fingerprint-category events a
// block may produce, supplied by the caller (e.g. a reward-schedule or
// validator-set component layered above the coordinator; this core does not
// itself decide reward amounts).
type ValidatorUpdate struct {
	PubKey string
	Power  int64
}

type Reward struct {
	Recipient string
	Amount    canon.Decimal
}

// TxResult is one transaction's outcome within finalize_block, matching the
// per-transaction result entries described in §4.8.
type TxResult struct {
	TxHash     string
	StatusCode int
	Result     any
	StampsUsed int64
	Error      string
}

// BlockResult is the full outcome of finalize_block.
type BlockResult struct {
	TxResults []TxResult
	AppHash   string
}

// Coordinator wires together the components finalize_block/commit drive.
type Coordinator struct {
	store     Store
	nonces    *nonce.Ledger
	validator *txn.Validator
	exec      *executor.Executor
	costs     executor.StampCosts

	// priorAppHash seeds the fingerprint accumulator for the next
	// finalize_block; it is updated by Commit.
	priorAppHash string

	// pendingPatches, keyed by block height, is consulted by FinalizeBlock;
	// callers register them ahead of time (typically at init_chain / from the
	// state-patches loader).
	pendingPatches map[int64][]StatePatch
}

// Config carries the coordinator's fixed parameters.
type Config struct {
	GenesisAppHash string
	StampCosts     executor.StampCosts
}

// New builds a Coordinator over the given store, nonce ledger, validator,
// and contract registry.
func New(s Store, nonces *nonce.Ledger, validator *txn.Validator, registry *executor.Registry, cfg Config) *Coordinator {
	return &Coordinator{
		store:          s,
		nonces:         nonces,
		validator:      validator,
		exec:           executor.New(cfg.StampCosts, registry),
		costs:          cfg.StampCosts,
		priorAppHash:   cfg.GenesisAppHash,
		pendingPatches: make(map[int64][]StatePatch),
	}
}

// RegisterStatePatch schedules patch to be applied during finalize_block at
// the given height (see internal/genesis for the loader that populates
// these from the on-disk state-patches document).
func (c *Coordinator) RegisterStatePatch(height int64, patch StatePatch) {
	c.pendingPatches[height] = append(c.pendingPatches[height], patch)
}

// CheckTx runs mempool-admission validation only (§4.8 step 3): decode plus
// the full §4.3 pipeline, with no execution and no nonce overlay mutation.
func (c *Coordinator) CheckTx(wireHex string) error {
	tx, err := txn.DecodeWire(wireHex)
	if err != nil {
		return err
	}
	// Validate's nonce check never mutates the ledger's in-block overlay by
	// itself (Advance is a separate, explicit step finalizeOne performs), so
	// CheckTx can safely reuse the same ledger instance.
	return c.validator.Validate(tx, c.store, c.nonces)
}

// PrepareProposal and ProcessProposal both inspect a proposed ordered
// transaction list and accept or reject it; this core applies the same
// per-transaction validation §4.3 performs in check_tx, without executing
// anything, and reports the first rejected transaction's index and error if
// any.
func (c *Coordinator) PrepareProposal(wireHexes []string) (accepted []string, rejected int) {
	accepted = make([]string, 0, len(wireHexes))
	for _, hex := range wireHexes {
		if err := c.CheckTx(hex); err != nil {
			rejected++
			continue
		}
		accepted = append(accepted, hex)
	}
	return accepted, rejected
}

func (c *Coordinator) ProcessProposal(wireHexes []string) error {
	for i, hex := range wireHexes {
		if err := c.CheckTx(hex); err != nil {
			return fmt.Errorf("proposal transaction %d rejected: %w", i, err)
		}
	}
	return nil
}

// FinalizeBlock implements §4.8 step 5: executes every transaction in the
// supplied order, feeding the fingerprint accumulator; applies any state
// patches registered for this height; folds in validator updates and
// rewards the caller supplies; and returns the per-transaction results and
// the provisional (not yet committed) application hash. The block is not
// durable until Commit is subsequently called with the same height.
func (c *Coordinator) FinalizeBlock(height int64, blockHash string, blockTimeNanos int64, wireHexes []string, validatorUpdates []ValidatorUpdate, rewards []Reward) BlockResult {
	acc := fingerprint.New(c.priorAppHash)
	results := make([]TxResult, 0, len(wireHexes))

	for _, hex := range wireHexes {
		results = append(results, c.finalizeOne(height, blockHash, blockTimeNanos, hex, acc))
	}

	for _, p := range c.pendingPatches[height] {
		c.store.Set(p.Key, p.Value)
		acc.AddStatePatch(p.Key, p.Value, p.Comment)
	}
	delete(c.pendingPatches, height)
	// State patches land in exec scope via Set; promote them into tx scope
	// and commit so they reach block-pending like any transaction's writes,
	// instead of being discarded as stale exec scratch at the next call.
	c.store.PromoteExec()
	c.store.CommitTx()

	for _, vu := range validatorUpdates {
		acc.AddValidatorUpdate(vu.PubKey, vu.Power)
	}
	for _, r := range rewards {
		applyReward(c.store, r)
		acc.AddReward(r.Recipient, r.Amount)
	}
	// Same promotion for reward distributions.
	c.store.PromoteExec()
	c.store.CommitTx()

	appHash := acc.Seal()
	return BlockResult{TxResults: results, AppHash: appHash}
}

func (c *Coordinator) finalizeOne(height int64, blockHash string, blockTimeNanos int64, wireHex string, acc *fingerprint.Accumulator) TxResult {
	tx, err := txn.DecodeWire(wireHex)
	if err != nil {
		return TxResult{StatusCode: 1, Error: err.Error()}
	}

	if err := c.validator.Validate(tx, c.store, c.nonces); err != nil {
		return TxResult{TxHash: tx.Hash(), StatusCode: 1, Error: err.Error()}
	}

	c.nonces.Advance(tx.Payload.Sender, tx.Payload.Nonce)

	stampRate := c.readStampRate()
	// The coordinator computes the failed-transaction stamp deduction itself
	// (chargeFailedStamps) using the full-precision rate, rather than via
	// Call.StampCost, since that field cannot carry a fractional rate.
	call := executor.Call{
		Sender:         tx.Payload.Sender,
		ContractName:   tx.Payload.Contract,
		FunctionName:   tx.Payload.Function,
		Kwargs:         tx.Payload.Kwargs,
		StampsSupplied: tx.Payload.StampsSupplied,
		Env: executor.Environment{
			BlockHash:   blockHash,
			BlockNumber: height,
			InputHash:   fmt.Sprintf("%d:%s", blockTimeNanos, tx.Metadata.Signature),
			Now:         blockTimeNanos,
			Salt:        tx.Metadata.Signature,
		},
	}

	result := c.exec.Execute(call, c.store)

	switch result.StatusCode {
	case 0:
		writes := c.store.PendingTxWrites()
		c.store.CommitTx()
		acc.AddTransaction(tx.Hash(), writes, 0)
		return TxResult{TxHash: tx.Hash(), StatusCode: 0, Result: result.ResultJSON, StampsUsed: result.StampsUsed}
	default:
		c.store.RollbackTx()
		c.chargeFailedStamps(tx.Payload.Sender, result.StampsUsed, stampRate)
		// chargeFailedStamps stages its deduction via Set, which lands in
		// exec scope; promote it into tx scope before reading
		// PendingTxWrites/committing, or the deduction never reaches
		// block-pending and is silently dropped.
		c.store.PromoteExec()
		writes := c.store.PendingTxWrites()
		c.store.CommitTx()
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		acc.AddTransaction(tx.Hash(), writes, result.StatusCode)
		return TxResult{TxHash: tx.Hash(), StatusCode: result.StatusCode, StampsUsed: result.StampsUsed, Error: errMsg}
	}
}

// chargeFailedStamps implements §4.6's "the only effect of a failed
// transaction is a balance decrement of stamps_used / stamp_cost" rule. It
// stages the decrement directly (outside the executor's metering, since the
// executor's own writes for this call were just rolled back).
func (c *Coordinator) chargeFailedStamps(sender string, stampsUsed int64, stampRate canon.Decimal) {
	if stampRate.IsZero() {
		return
	}
	key := "currency.balances:" + sender
	current := canon.NewDecimalFromInt(0)
	if v, ok := c.store.Get(key); ok {
		if d, ok := v.(canon.Decimal); ok {
			current = d
		}
	}
	used := canon.NewDecimalFromInt(stampsUsed)
	deduction := used.Quo(stampRate)
	c.store.Set(key, current.Sub(deduction))
}

func (c *Coordinator) readStampRate() canon.Decimal {
	if v, ok := c.store.Get("stamp_cost.S:value"); ok {
		if d, ok := v.(canon.Decimal); ok {
			return d
		}
		if i, ok := v.(int64); ok {
			return canon.NewDecimalFromInt(i)
		}
	}
	return canon.NewDecimalFromInt(0)
}

func applyReward(s Store, r Reward) {
	key := "currency.balances:" + r.Recipient
	current := canon.NewDecimalFromInt(0)
	if v, ok := s.Get(key); ok {
		if d, ok := v.(canon.Decimal); ok {
			current = d
		}
	}
	s.Set(key, current.Add(r.Amount))
}

// Commit implements §4.8 step 6: folds the nonce overlay into durable
// storage, hard-applies every block-pending write under the given
// monotonic tag, and advances the prior-app-hash seed for the next block.
func (c *Coordinator) Commit(tag int64, sealedAppHash string) error {
	if tag <= c.store.Tag() {
		return errs.New(errs.KindProtocolViolation, "commit tag %d is not greater than current tag %d", tag, c.store.Tag())
	}
	c.nonces.CommitBlock()
	// CommitBlock stages the folded-in nonces via Set, landing in exec
	// scope; promote them all the way to block-pending before HardApply
	// seals and discards whatever exec/tx scope still holds.
	c.store.PromoteExec()
	c.store.CommitTx()
	c.store.HardApply(tag)
	c.priorAppHash = sealedAppHash
	return nil
}

// Info reports the store's current commit tag and the last sealed app hash,
// answering the consensus driver's info handshake.
func (c *Coordinator) Info() (tag int64, appHash string) {
	return c.store.Tag(), c.priorAppHash
}

// InitChain implements §4.8 step 1: applies the ordered genesis records
// (seed balances, system contracts, initial validator set — whatever the
// genesis loader produced; see internal/genesis) as if they were one set of
// state patches at height 0, seals the resulting fingerprint, hard-applies
// under tag, and reports the sealed hash so the caller can check it against
// the signed genesis document's declared hash.
func (c *Coordinator) InitChain(records []StatePatch, tag int64) (appHash string, err error) {
	acc := fingerprint.New(c.priorAppHash)
	for _, r := range records {
		c.store.Set(r.Key, r.Value)
		acc.AddStatePatch(r.Key, r.Value, r.Comment)
	}
	sealed := acc.Seal()
	if tag <= c.store.Tag() {
		return "", errs.New(errs.KindProtocolViolation, "init_chain tag %d is not greater than current tag %d", tag, c.store.Tag())
	}
	// Genesis records land in exec scope via Set; promote them to
	// block-pending before HardApply, or init_chain seals a fingerprint
	// over state it then throws away instead of persisting.
	c.store.PromoteExec()
	c.store.CommitTx()
	c.store.HardApply(tag)
	c.priorAppHash = sealed
	return sealed, nil
}
