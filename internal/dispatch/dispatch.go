// Package dispatch implements the request dispatcher (spec C2): it decodes
// incoming wire.Envelope requests by tag, routes each to the lifecycle
// coordinator, query surface, or snapshot engine, and re-encodes the result
// as a response envelope — preserving request arrival order, since handlers
// run sequentially against shared, non-reentrant state.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/xian-network/abci-core/internal/lifecycle"
	"github.com/xian-network/abci-core/internal/snapshot"
	"github.com/xian-network/abci-core/internal/wire"
)

// Coordinator is the subset of *lifecycle.Coordinator the dispatcher drives.
type Coordinator interface {
	CheckTx(wireHex string) error
	PrepareProposal(wireHexes []string) (accepted []string, rejected int)
	ProcessProposal(wireHexes []string) error
	FinalizeBlock(height int64, blockHash string, blockTimeNanos int64, wireHexes []string, validatorUpdates []lifecycle.ValidatorUpdate, rewards []lifecycle.Reward) lifecycle.BlockResult
	Commit(tag int64, sealedAppHash string) error
	Info() (tag int64, appHash string)
	InitChain(records []lifecycle.StatePatch, tag int64) (appHash string, err error)
}

// Snapshots is the subset of *snapshot.Engine the dispatcher drives.
type Snapshots interface {
	List() ([]snapshot.Metadata, error)
	LoadChunk(height int64, appHash string, index int) ([]byte, error)
}

// Restorer tracks one in-progress offered-snapshot restore.
type Restorer interface {
	ApplyChunk(index int, gz []byte) error
	Complete() bool
	Finalize(target snapshot.RestoreTarget, tag int64) error
}

// Dispatcher routes wire.Envelope requests to the components that serve
// them. One Dispatcher instance is meant to process requests one at a time,
// matching the single logical consumer model the lifecycle coordinator
// already assumes.
type Dispatcher struct {
	coord       Coordinator
	snapshots   Snapshots
	query       QueryHandler
	newRestorer   func(meta snapshot.Metadata) (Restorer, error)
	restoring     Restorer
	restoreTarget snapshot.RestoreTarget
}

// QueryHandler answers the query surface's subset of requests that travel
// over the same local-socket connection as the consensus-driver calls
// (rather than the separate HTTP query surface), e.g. the "query" ABCI
// method.
type QueryHandler interface {
	Query(path string, data []byte) (json.RawMessage, error)
}

// New builds a Dispatcher. restoreTarget is where apply_snapshot_chunk
// writes once a restore completes (typically the same store the
// coordinator drives, via a thin adapter satisfying snapshot.RestoreTarget).
func New(coord Coordinator, snapshots Snapshots, query QueryHandler, newRestorer func(meta snapshot.Metadata) (Restorer, error)) *Dispatcher {
	return &Dispatcher{coord: coord, snapshots: snapshots, query: query, newRestorer: newRestorer}
}

// Handle decodes req by tag, routes it, and returns the response envelope.
// It never returns a Go error itself — any handling failure becomes a
// TagException response, matching the wire protocol's tagged-union shape.
func (d *Dispatcher) Handle(req wire.Envelope) wire.Envelope {
	resp, err := d.route(req)
	if err != nil {
		return wire.NewException(err)
	}
	return resp
}

func (d *Dispatcher) route(req wire.Envelope) (wire.Envelope, error) {
	switch req.Tag {
	case wire.TagEcho:
		return req, nil
	case wire.TagFlush:
		return wire.NewRequest(wire.TagFlush, struct{}{})
	case wire.TagInfo:
		return d.handleInfo()
	case wire.TagInitChain:
		return d.handleInitChain(req)
	case wire.TagCheckTx:
		return d.handleCheckTx(req)
	case wire.TagPrepareProposal:
		return d.handlePrepareProposal(req)
	case wire.TagProcessProposal:
		return d.handleProcessProposal(req)
	case wire.TagFinalizeBlock:
		return d.handleFinalizeBlock(req)
	case wire.TagCommit:
		return d.handleCommit(req)
	case wire.TagQuery:
		return d.handleQuery(req)
	case wire.TagListSnapshots:
		return d.handleListSnapshots()
	case wire.TagOfferSnapshot:
		return d.handleOfferSnapshot(req)
	case wire.TagLoadSnapshotChunk:
		return d.handleLoadSnapshotChunk(req)
	case wire.TagApplySnapshotChunk:
		return d.handleApplySnapshotChunk(req)
	default:
		return wire.Envelope{}, fmt.Errorf("dispatch: unrecognized request tag %q", req.Tag)
	}
}

type infoResponse struct {
	Tag     int64  `json:"tag"`
	AppHash string `json:"app_hash"`
}

func (d *Dispatcher) handleInfo() (wire.Envelope, error) {
	tag, appHash := d.coord.Info()
	return wire.NewRequest(wire.TagInfo, infoResponse{Tag: tag, AppHash: appHash})
}

type initChainRequest struct {
	Records []lifecycle.StatePatch `json:"records"`
	Tag     int64                  `json:"tag"`
}

type initChainResponse struct {
	AppHash string `json:"app_hash"`
}

func (d *Dispatcher) handleInitChain(req wire.Envelope) (wire.Envelope, error) {
	var in initChainRequest
	if err := req.Decode(&in); err != nil {
		return wire.Envelope{}, err
	}
	appHash, err := d.coord.InitChain(in.Records, in.Tag)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.NewRequest(wire.TagInitChain, initChainResponse{AppHash: appHash})
}

type txRequest struct {
	Wire string `json:"wire"`
}

type acceptResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (d *Dispatcher) handleCheckTx(req wire.Envelope) (wire.Envelope, error) {
	var in txRequest
	if err := req.Decode(&in); err != nil {
		return wire.Envelope{}, err
	}
	resp := acceptResponse{Accepted: true}
	if err := d.coord.CheckTx(in.Wire); err != nil {
		resp.Accepted = false
		resp.Error = err.Error()
	}
	return wire.NewRequest(wire.TagCheckTx, resp)
}

type txListRequest struct {
	Wires []string `json:"wires"`
}

type prepareProposalResponse struct {
	Accepted []string `json:"accepted"`
	Rejected int      `json:"rejected"`
}

func (d *Dispatcher) handlePrepareProposal(req wire.Envelope) (wire.Envelope, error) {
	var in txListRequest
	if err := req.Decode(&in); err != nil {
		return wire.Envelope{}, err
	}
	accepted, rejected := d.coord.PrepareProposal(in.Wires)
	return wire.NewRequest(wire.TagPrepareProposal, prepareProposalResponse{Accepted: accepted, Rejected: rejected})
}

func (d *Dispatcher) handleProcessProposal(req wire.Envelope) (wire.Envelope, error) {
	var in txListRequest
	if err := req.Decode(&in); err != nil {
		return wire.Envelope{}, err
	}
	resp := acceptResponse{Accepted: true}
	if err := d.coord.ProcessProposal(in.Wires); err != nil {
		resp.Accepted = false
		resp.Error = err.Error()
	}
	return wire.NewRequest(wire.TagProcessProposal, resp)
}

type finalizeBlockRequest struct {
	Height           int64                       `json:"height"`
	BlockHash        string                      `json:"block_hash"`
	BlockTimeNanos   int64                       `json:"block_time_nanos"`
	Wires            []string                    `json:"wires"`
	ValidatorUpdates []lifecycle.ValidatorUpdate `json:"validator_updates"`
	Rewards          []lifecycle.Reward          `json:"rewards"`
}

func (d *Dispatcher) handleFinalizeBlock(req wire.Envelope) (wire.Envelope, error) {
	var in finalizeBlockRequest
	if err := req.Decode(&in); err != nil {
		return wire.Envelope{}, err
	}
	result := d.coord.FinalizeBlock(in.Height, in.BlockHash, in.BlockTimeNanos, in.Wires, in.ValidatorUpdates, in.Rewards)
	return wire.NewRequest(wire.TagFinalizeBlock, result)
}

type commitRequest struct {
	Tag           int64  `json:"tag"`
	SealedAppHash string `json:"sealed_app_hash"`
}

type commitResponse struct {
	Error string `json:"error,omitempty"`
}

func (d *Dispatcher) handleCommit(req wire.Envelope) (wire.Envelope, error) {
	var in commitRequest
	if err := req.Decode(&in); err != nil {
		return wire.Envelope{}, err
	}
	resp := commitResponse{}
	if err := d.coord.Commit(in.Tag, in.SealedAppHash); err != nil {
		resp.Error = err.Error()
	}
	return wire.NewRequest(wire.TagCommit, resp)
}

type queryRequest struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

type queryResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (d *Dispatcher) handleQuery(req wire.Envelope) (wire.Envelope, error) {
	var in queryRequest
	if err := req.Decode(&in); err != nil {
		return wire.Envelope{}, err
	}
	result, err := d.query.Query(in.Path, in.Data)
	resp := queryResponse{Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	return wire.NewRequest(wire.TagQuery, resp)
}

func (d *Dispatcher) handleListSnapshots() (wire.Envelope, error) {
	metas, err := d.snapshots.List()
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.NewRequest(wire.TagListSnapshots, metas)
}

type offerSnapshotResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (d *Dispatcher) handleOfferSnapshot(req wire.Envelope) (wire.Envelope, error) {
	var meta snapshot.Metadata
	if err := req.Decode(&meta); err != nil {
		return wire.Envelope{}, err
	}
	restorer, err := d.newRestorer(meta)
	if err != nil {
		return wire.NewRequest(wire.TagOfferSnapshot, offerSnapshotResponse{Accepted: false, Error: err.Error()})
	}
	d.restoring = restorer
	return wire.NewRequest(wire.TagOfferSnapshot, offerSnapshotResponse{Accepted: true})
}

type loadSnapshotChunkRequest struct {
	Height  int64  `json:"height"`
	AppHash string `json:"app_hash"`
	Index   int    `json:"index"`
}

type loadSnapshotChunkResponse struct {
	Chunk []byte `json:"chunk"`
}

func (d *Dispatcher) handleLoadSnapshotChunk(req wire.Envelope) (wire.Envelope, error) {
	var in loadSnapshotChunkRequest
	if err := req.Decode(&in); err != nil {
		return wire.Envelope{}, err
	}
	chunk, err := d.snapshots.LoadChunk(in.Height, in.AppHash, in.Index)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.NewRequest(wire.TagLoadSnapshotChunk, loadSnapshotChunkResponse{Chunk: chunk})
}

type applySnapshotChunkRequest struct {
	Index int    `json:"index"`
	Chunk []byte `json:"chunk"`
	Tag   int64  `json:"tag"`
}

type applySnapshotChunkResponse struct {
	Accepted bool   `json:"accepted"`
	Complete bool   `json:"complete"`
	Error    string `json:"error,omitempty"`
}

// handleApplySnapshotChunk stages one chunk against the active restore
// (begun by a prior offer_snapshot) and, once every chunk has arrived,
// finalizes it into restoreTarget (set via SetRestoreTarget at wiring time).
func (d *Dispatcher) handleApplySnapshotChunk(req wire.Envelope) (wire.Envelope, error) {
	var in applySnapshotChunkRequest
	if err := req.Decode(&in); err != nil {
		return wire.Envelope{}, err
	}
	if d.restoring == nil {
		return wire.NewRequest(wire.TagApplySnapshotChunk, applySnapshotChunkResponse{Accepted: false, Error: "no snapshot has been offered"})
	}
	if err := d.restoring.ApplyChunk(in.Index, in.Chunk); err != nil {
		return wire.NewRequest(wire.TagApplySnapshotChunk, applySnapshotChunkResponse{Accepted: false, Error: err.Error()})
	}
	complete := d.restoring.Complete()
	if complete {
		if d.restoreTarget != nil {
			if err := d.restoring.Finalize(d.restoreTarget, in.Tag); err != nil {
				return wire.NewRequest(wire.TagApplySnapshotChunk, applySnapshotChunkResponse{Accepted: false, Error: err.Error()})
			}
		}
		d.restoring = nil
	}
	return wire.NewRequest(wire.TagApplySnapshotChunk, applySnapshotChunkResponse{Accepted: true, Complete: complete})
}

// SetRestoreTarget wires the store a completed restore finalizes into.
func (d *Dispatcher) SetRestoreTarget(target snapshot.RestoreTarget) {
	d.restoreTarget = target
}
