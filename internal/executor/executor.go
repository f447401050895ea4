// Package executor implements the deterministic contract executor (spec
// C6): it runs one contract function call against the store with stamp
// metering, a seeded environment, and rollback-on-failure.
//
// The distilled specification's "contract code" is, in the upstream system
// this was modeled on, an embedded smart-contract language interpreter.
// Reimplementing that language's compiler is an explicit non-goal (§1).
// Instead, contracts here are a fixed, explicit registry of deterministic Go
// functions — effectively the same "precompile" shape used by the reference
// system's own genesis/system contracts (currency, stamp_cost, submission).
// Anything the registry does not recognize is an execution error, matching
// the reference behavior for calling an unknown or unsubmitted contract.
package executor

import (
	"fmt"

	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/errs"
	"github.com/xian-network/abci-core/internal/store"
)

// Environment is the fixed, seeded execution context every contract call
// receives. None of its fields may be derived from system clock, unseeded
// randomness, or filesystem access — see the design notes' determinism
// risks.
type Environment struct {
	BlockHash   string
	BlockNumber int64
	InputHash   string // digest of nanos ‖ signature
	Now         int64  // deterministic "now", block nanos rounded up to the second
	Salt        string // auxiliary salt: the transaction signature
}

// Store is the minimal store surface the executor needs: staged get/set
// within the current executor scope (see internal/store for the concrete
// layered implementation).
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
	Items(prefix string) []store.KV
	FlushCache()
	PromoteExec()
}

// StampCosts gives the per-primitive stamp price. Real deployments load this
// from genesis; tests may override individual costs.
type StampCosts struct {
	Write   int64 // cost per state Set
	Read    int64 // cost per state Get
	Compute int64 // flat per-call overhead
}

// DefaultStampCosts matches the reference system's relative pricing.
var DefaultStampCosts = StampCosts{Write: 25, Read: 3, Compute: 10}

// Result is the outcome of one contract call. Writes are not carried here:
// the caller reads them back from the store's transaction scope (see
// store.Store.PendingTxWrites) after a successful call, since the store is
// the sole owner of write-cache state.
type Result struct {
	StatusCode int // 0 = success, non-zero = failure
	ResultJSON any // the contract function's return value, or nil
	StampsUsed int64
	Err        error
}

// Call describes one contract invocation.
type Call struct {
	Sender         string
	ContractName   string
	FunctionName   string
	Kwargs         map[string]any
	StampsSupplied int64
	StampCost      int64 // stamp_rate: stamps per unit currency, used to compute the balance deduction on failure
	Env            Environment
}

// Executor runs Call against Store, metering stamps via costs and a
// registry of callable contract functions.
type Executor struct {
	costs    StampCosts
	registry *Registry
}

// New builds an Executor with the given stamp costs and contract registry.
func New(costs StampCosts, registry *Registry) *Executor {
	return &Executor{costs: costs, registry: registry}
}

// meter tracks cumulative stamps spent by one call and aborts once the
// supplied budget is exceeded.
type meter struct {
	used    int64
	budget  int64
	aborted bool
}

func (m *meter) charge(cost int64) error {
	if m.aborted {
		return errOutOfStamps
	}
	m.used += cost
	if m.used > m.budget {
		m.aborted = true
		return errOutOfStamps
	}
	return nil
}

var errOutOfStamps = fmt.Errorf("out of stamps")

// meteredStore wraps Store, charging the meter for every Get/Set and
// rejecting further operations once the budget is exhausted.
type meteredStore struct {
	inner Store
	m     *meter
	costs StampCosts
}

func (s *meteredStore) Get(key string) (any, bool) {
	if err := s.m.charge(s.costs.Read); err != nil {
		return nil, false
	}
	return s.inner.Get(key)
}

func (s *meteredStore) Set(key string, value any) {
	if err := s.m.charge(s.costs.Write); err != nil {
		return
	}
	s.inner.Set(key, value)
}

func (s *meteredStore) Delete(key string) {
	if err := s.m.charge(s.costs.Write); err != nil {
		return
	}
	s.inner.Delete(key)
}

func (s *meteredStore) Items(prefix string) []store.KV { return s.inner.Items(prefix) }

// Execute runs one contract call against store. On any failure at any
// nested call depth, all staged writes from this call are discarded
// (store.FlushCache), and the only persistent effect recorded by the caller
// should be the stamps-used balance deduction described in §4.6 — Execute
// itself does not apply that deduction; the lifecycle coordinator does, so
// that the deduction participates in the same transaction-commit path as
// everything else.
func (e *Executor) Execute(call Call, rawStore Store) Result {
	m := &meter{budget: call.StampsSupplied}
	if err := m.charge(e.costs.Compute); err != nil {
		rawStore.FlushCache()
		return Result{StatusCode: 1, StampsUsed: m.used, Err: err}
	}

	ms := &meteredStore{inner: rawStore, m: m, costs: e.costs}

	fn, ok := e.registry.Lookup(call.ContractName, call.FunctionName)
	if !ok {
		rawStore.FlushCache()
		return Result{
			StatusCode: 1,
			StampsUsed: m.used,
			Err:        errs.New(errs.KindExecution, "no such contract function %s.%s", call.ContractName, call.FunctionName),
		}
	}

	ret, err := func() (result any, callErr error) {
		defer func() {
			if r := recover(); r != nil {
				callErr = errs.New(errs.KindExecution, "contract panic: %v", r)
			}
		}()
		return fn(CallContext{
			Sender: call.Sender,
			Kwargs: call.Kwargs,
			Env:    call.Env,
			Store:  ms,
			charge: m.charge,
		})
	}()

	if m.aborted {
		rawStore.FlushCache()
		return Result{StatusCode: 2, StampsUsed: call.StampsSupplied, Err: errOutOfStamps}
	}
	if err != nil {
		rawStore.FlushCache()
		return Result{StatusCode: 1, StampsUsed: m.used, Err: err}
	}

	rawStore.PromoteExec()
	return Result{StatusCode: 0, ResultJSON: ret, StampsUsed: m.used}
}

// CallContext is passed to every registered contract function.
type CallContext struct {
	Sender string
	Kwargs map[string]any
	Env    Environment
	Store  interface {
		Get(key string) (any, bool)
		Set(key string, value any)
		Delete(key string)
		Items(prefix string) []store.KV
	}
	charge func(cost int64) error
}

// Charge debits an additional ad-hoc stamp cost for a primitive operation a
// contract function performs beyond plain Get/Set (e.g. a cryptographic
// check). Returns an error once the call's stamp budget is exhausted.
func (c CallContext) Charge(cost int64) error { return c.charge(cost) }

// Decimal is re-exported for contract implementations' convenience.
type Decimal = canon.Decimal
