// Package query implements the typed read-only query surface (spec C10):
// simple path-routed handlers over live state, none of which may mutate
// the durable store. There is no ecosystem HTTP router among the example
// libraries this core draws on, so routing here is the standard library's
// http.ServeMux and path parsing, the one place this core falls back to
// stdlib where a third-party library would otherwise be reached for.
package query

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/executor"
	"github.com/xian-network/abci-core/internal/nonce"
	"github.com/xian-network/abci-core/internal/snapshot"
	"github.com/xian-network/abci-core/internal/store"
	"github.com/xian-network/abci-core/internal/txn"
)

// Store is the read surface the query handlers need; Durable lets
// simulate_tx build a throwaway *store.Store sharing the same underlying
// data without ever risking a HardApply reaching it.
type Store interface {
	Get(key string) (any, bool)
	Items(prefix string) []store.KV
}

// Durable is satisfied by the same durable layer backing the live store.
type Durable = store.Durable

// Surface wires together everything the query handlers read from.
type Surface struct {
	live      Store
	durable   Durable
	nonces    *nonce.Ledger
	validator *txn.Validator
	registry  *executor.Registry
	costs     executor.StampCosts
	history   *snapshot.History
}

// New builds a query Surface.
func New(live Store, durable Durable, nonces *nonce.Ledger, validator *txn.Validator, registry *executor.Registry, costs executor.StampCosts) *Surface {
	return &Surface{live: live, durable: durable, nonces: nonces, validator: validator, registry: registry, costs: costs}
}

// WithSnapshotHistory attaches the snapshot engine's sqlite-backed creation
// history so /snapshot_history/ can answer what this node has ever
// produced, not just what retention currently keeps on disk.
func (s *Surface) WithSnapshotHistory(h *snapshot.History) *Surface {
	s.history = h
	return s
}

// Handler returns an http.Handler implementing every path in §4.10.
func (s *Surface) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/get/", s.handleGet)
	mux.HandleFunc("/get_next_nonce/", s.handleNextNonce)
	mux.HandleFunc("/contract/", s.handleContractSource)
	mux.HandleFunc("/contract_methods/", s.handleContractMethods)
	mux.HandleFunc("/contract_vars/", s.handleContractVars)
	mux.HandleFunc("/keys/", s.handleKeys)
	mux.HandleFunc("/simulate_tx/", s.handleSimulateTx)
	mux.HandleFunc("/snapshot_history", s.handleSnapshotHistory)
	return mux
}

// typedValue is the {type, value} envelope every value-returning endpoint
// uses so callers can decode str/int/decimal/json uniformly.
type typedValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

func classify(v any) typedValue {
	switch t := v.(type) {
	case nil:
		return typedValue{Type: "json", Value: nil}
	case string:
		return typedValue{Type: "str", Value: t}
	case int64:
		return typedValue{Type: "int", Value: t}
	case canon.Decimal:
		return typedValue{Type: "decimal", Value: t.String()}
	default:
		return typedValue{Type: "json", Value: t}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathTail(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}

func (s *Surface) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Surface) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "online"})
}

func (s *Surface) handleGet(w http.ResponseWriter, r *http.Request) {
	key := pathTail(r, "/get/")
	v, ok := s.live.Get(key)
	if !ok {
		writeJSON(w, http.StatusOK, typedValue{Type: "json", Value: nil})
		return
	}
	writeJSON(w, http.StatusOK, classify(v))
}

func (s *Surface) handleNextNonce(w http.ResponseWriter, r *http.Request) {
	sender := pathTail(r, "/get_next_nonce/")
	writeJSON(w, http.StatusOK, map[string]any{"next_nonce": s.nonces.PeekNext(sender)})
}

func (s *Surface) handleContractSource(w http.ResponseWriter, r *http.Request) {
	name := pathTail(r, "/contract/")
	v, ok := s.live.Get(name + ".__code__")
	if !ok {
		http.Error(w, "contract not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, classify(v))
}

// handleContractMethods returns the exported function names a contract
// registers in the executor's registry for this contract name. Full
// export-and-signature parsing belongs to the contracting-language compiler
// this core does not reimplement (§1 non-goals); this reports the fixed set
// of registered entry points, which is the complete set for the system
// contracts and any submitted contract wired into the registry at startup.
func (s *Surface) handleContractMethods(w http.ResponseWriter, r *http.Request) {
	name := pathTail(r, "/contract_methods/")
	methods := s.registry.MethodsFor(name)
	writeJSON(w, http.StatusOK, map[string]any{"methods": methods})
}

// handleContractVars enumerates the top-level state-variable names a
// contract owns, derived from its key prefix in live state.
func (s *Surface) handleContractVars(w http.ResponseWriter, r *http.Request) {
	name := pathTail(r, "/contract_vars/")
	items := s.live.Items(name + ".")
	seen := make(map[string]bool)
	vars := make([]string, 0, len(items))
	for _, kv := range items {
		rest := strings.TrimPrefix(kv.Key, name+".")
		varName := rest
		if idx := strings.IndexByte(rest, ':'); idx >= 0 {
			varName = rest[:idx]
		}
		if !seen[varName] {
			seen[varName] = true
			vars = append(vars, varName)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": vars})
}

func (s *Surface) handleKeys(w http.ResponseWriter, r *http.Request) {
	prefix := pathTail(r, "/keys/")
	items := s.live.Items(prefix)
	keys := make([]string, len(items))
	for i, kv := range items {
		keys[i] = kv.Key
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// handleSimulateTx decodes and validates wireHex, then runs it against a
// throwaway *store.Store layered over the same durable data — since the
// throwaway store's HardApply is never called, nothing it stages can reach
// durable storage, guaranteeing no mutation of live state regardless of the
// simulated transaction's outcome.
func (s *Surface) handleSimulateTx(w http.ResponseWriter, r *http.Request) {
	wireHex := pathTail(r, "/simulate_tx/")

	tx, err := txn.DecodeWire(wireHex)
	if err != nil {
		writeJSON(w, http.StatusOK, simulateResult{Status: 1, ResultErr: err.Error()})
		return
	}

	throwaway := store.New(s.durable)
	if err := s.validator.Validate(tx, throwaway, noopNonceChecker{}); err != nil {
		writeJSON(w, http.StatusOK, simulateResult{Status: 1, ResultErr: err.Error()})
		return
	}

	ex := executor.New(s.costs, s.registry)
	result := ex.Execute(executor.Call{
		Sender:         tx.Payload.Sender,
		ContractName:   tx.Payload.Contract,
		FunctionName:   tx.Payload.Function,
		Kwargs:         tx.Payload.Kwargs,
		StampsSupplied: tx.Payload.StampsSupplied,
	}, throwaway)

	resp := simulateResult{Status: result.StatusCode, StampsUsed: result.StampsUsed, Result: result.ResultJSON}
	if result.Err != nil {
		resp.ResultErr = result.Err.Error()
	} else {
		resp.State = throwaway.PendingTxWrites()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSnapshotHistory reports every snapshot this node has ever produced,
// per the sqlite-backed index, regardless of how many retention has since
// pruned from disk.
func (s *Surface) handleSnapshotHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []snapshot.HistoryEntry{}})
		return
	}
	entries, err := s.history.All()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type simulateResult struct {
	Status     int            `json:"status"`
	StampsUsed int64          `json:"stamps_used"`
	Result     any            `json:"result,omitempty"`
	State      map[string]any `json:"state,omitempty"`
	ResultErr  string         `json:"error,omitempty"`
}

// noopNonceChecker lets simulate_tx validate a transaction without
// perturbing or even consulting the real nonce ledger's in-block overlay —
// simulation is explicitly nonce-agnostic per §4.10.
type noopNonceChecker struct{}

func (noopNonceChecker) Check(sender string, nonce int64) error { return nil }
