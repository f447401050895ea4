// Package wire defines the tagged-union request/response envelope exchanged
// with the consensus-driver connection (spec C1/C2) and its varint-framed
// encoding. Real ABCI deployments exchange protobuf-generated stubs, but
// generating and vendoring that codegen is explicitly out of scope (§1
// non-goals: "protobuf-generated stubs"); this is a lightweight internal
// substitute that preserves the same one-request-one-response, tagged-union
// shape the dispatcher requires, encoded as length-prefixed JSON instead of
// wire-format protobuf.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Tag identifies which consensus-driver call a Request/Response carries.
type Tag string

const (
	TagEcho                Tag = "echo"
	TagFlush                Tag = "flush"
	TagInfo                 Tag = "info"
	TagInitChain            Tag = "init_chain"
	TagCheckTx              Tag = "check_tx"
	TagPrepareProposal      Tag = "prepare_proposal"
	TagProcessProposal      Tag = "process_proposal"
	TagFinalizeBlock        Tag = "finalize_block"
	TagCommit               Tag = "commit"
	TagQuery                Tag = "query"
	TagListSnapshots        Tag = "list_snapshots"
	TagOfferSnapshot        Tag = "offer_snapshot"
	TagLoadSnapshotChunk    Tag = "load_snapshot_chunk"
	TagApplySnapshotChunk   Tag = "apply_snapshot_chunk"
	TagException            Tag = "exception"
)

// Envelope is the on-wire shape: a tag plus an opaque, tag-specific payload.
// Dispatch unmarshals Payload into the concrete request/response type that
// matches Tag.
type Envelope struct {
	Tag     Tag             `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// Exception is the stable-shaped error payload for TagException responses,
// returned for unknown variants and any handler-level fatal mismatch.
type Exception struct {
	Error string `json:"error"`
}

// NewRequest builds an Envelope from a concrete, tag-specific request value.
func NewRequest(tag Tag, v any) (Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshaling %s request: %w", tag, err)
	}
	return Envelope{Tag: tag, Payload: payload}, nil
}

// NewException builds an exception Envelope carrying a stable error string.
func NewException(err error) Envelope {
	payload, _ := json.Marshal(Exception{Error: err.Error()})
	return Envelope{Tag: TagException, Payload: payload}
}

// Decode unmarshals e.Payload into out.
func (e Envelope) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// maxFrameSize bounds a single frame to guard against a malformed or
// malicious varint length field causing an unbounded allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// WriteFrame writes one varint-length-prefixed, JSON-encoded envelope to w.
func WriteFrame(w io.Writer, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("wire: marshaling envelope: %w", err)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("wire: writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one varint-length-prefixed, JSON-encoded envelope from r.
func ReadFrame(r io.ByteReader) (Envelope, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return Envelope{}, err
	}
	if length > maxFrameSize {
		return Envelope{}, fmt.Errorf("wire: frame length %d exceeds maximum %d", length, maxFrameSize)
	}
	body := make([]byte, length)
	for i := range body {
		b, err := r.ReadByte()
		if err != nil {
			return Envelope{}, fmt.Errorf("wire: reading frame body: %w", err)
		}
		body[i] = b
	}
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshaling envelope: %w", err)
	}
	return e, nil
}
