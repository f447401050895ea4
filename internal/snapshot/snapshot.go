// Package snapshot implements the chunked state-snapshot engine (spec C9):
// it collects a deterministic, gzip-compressed, fixed-boundary-chunked
// image of live state for fast-sync, serves it to peers, and restores one
// offered by a peer into a fresh node's store.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/crypto"
	"github.com/xian-network/abci-core/internal/errs"
	"github.com/xian-network/abci-core/internal/nonce"
	"github.com/xian-network/abci-core/internal/store"
)

const (
	// DefaultMaxChunkSize bounds a single gzip shard, per §4.9.
	DefaultMaxChunkSize = 10 << 20
	// SupportedFormat is the only snapshot format this core produces or accepts.
	SupportedFormat = 1
)

// Metadata is the on-disk metadata.json shape.
type Metadata struct {
	Height      int64    `json:"height"`
	Format      int      `json:"format"`
	Chunks      int      `json:"chunks"`
	AppHash     string   `json:"app_hash"`
	BlockTime   int64    `json:"block_time"`
	ChunkHashes []string `json:"chunk_hashes"`
	TotalSize   int64    `json:"total_size"`
}

// document is the canonical, sorted-keys document that gets compressed and
// chunked: contract state bucketed by owning contract prefix (with an
// overflow "_global" bucket), plus nonces and a metadata stamp.
type document struct {
	ContractState map[string]map[string]any `json:"contract_state"`
	Nonces        map[string]int64          `json:"nonces"`
	Metadata      map[string]any            `json:"metadata"`
}

// Store is the read surface the engine needs to collect a snapshot.
type Store interface {
	Items(prefix string) []store.KV
}

// RestoreTarget is the write surface a restored snapshot is applied to: a
// fresh node's store plus its nonce ledger, sealed with one HardApply once
// every chunk has been staged and validated.
type RestoreTarget interface {
	Set(key string, value any)
	HardApply(tag int64)
}

// Offer is what offer_snapshot validates before a restore begins: only
// format 1 with a non-empty app hash is ever accepted, matching the single
// format this core produces.
func Offer(meta Metadata) error {
	if meta.Format != SupportedFormat {
		return errs.New(errs.KindProtocolViolation, "snapshot: unsupported format %d", meta.Format)
	}
	if meta.AppHash == "" {
		return errs.New(errs.KindProtocolViolation, "snapshot: offered snapshot has empty app_hash")
	}
	return nil
}

// Restorer accumulates chunks for one in-progress restore, keyed by index,
// and applies the reassembled document once every chunk has arrived and its
// hash has matched the offered metadata.
type Restorer struct {
	meta   Metadata
	chunks map[int][]byte
}

// NewRestorer begins a restore against the given offered metadata.
func NewRestorer(meta Metadata) (*Restorer, error) {
	if err := Offer(meta); err != nil {
		return nil, err
	}
	return &Restorer{meta: meta, chunks: make(map[int][]byte)}, nil
}

// ApplyChunk stages one chunk, verifying it against the offered metadata's
// chunk_hashes entry; a mismatch is reported so the caller can request a
// retry of that index rather than aborting the whole restore.
func (r *Restorer) ApplyChunk(index int, gz []byte) error {
	if index < 0 || index >= len(r.meta.ChunkHashes) {
		return errs.New(errs.KindProtocolViolation, "snapshot: chunk index %d out of range", index)
	}
	if got := crypto.SHA256Hex(gz); got != r.meta.ChunkHashes[index] {
		return errs.New(errs.KindStorageCorruption, "snapshot: chunk %d hash mismatch", index)
	}
	r.chunks[index] = gz
	return nil
}

// Complete reports whether every expected chunk has been staged.
func (r *Restorer) Complete() bool {
	return len(r.chunks) == r.meta.Chunks
}

// Finalize concatenates the staged chunks in index order, decompresses and
// parses the document, applies every contract-state cell and nonce to
// target, and hard-applies under tag. It is only valid to call once Complete
// reports true.
func (r *Restorer) Finalize(target RestoreTarget, tag int64) error {
	if !r.Complete() {
		return errs.New(errs.KindProtocolViolation, "snapshot: restore missing %d of %d chunks", r.meta.Chunks-len(r.chunks), r.meta.Chunks)
	}

	var raw []byte
	for i := 0; i < r.meta.Chunks; i++ {
		plain, err := gunzipBytes(r.chunks[i])
		if err != nil {
			return errs.Wrap(errs.KindStorageCorruption, err, "snapshot: decompressing chunk %d", i)
		}
		raw = append(raw, plain...)
	}

	decoded, err := canon.Decode(raw)
	if err != nil {
		return errs.Wrap(errs.KindStorageCorruption, err, "snapshot: parsing reassembled document")
	}
	doc, ok := decoded.(map[string]any)
	if !ok {
		return errs.New(errs.KindStorageCorruption, "snapshot: reassembled document is not an object")
	}

	if contractState, ok := doc["contract_state"].(map[string]any); ok {
		for _, bucket := range contractState {
			cells, ok := bucket.(map[string]any)
			if !ok {
				continue
			}
			for key, value := range cells {
				target.Set(key, value)
			}
		}
	}
	if nonces, ok := doc["nonces"].(map[string]any); ok {
		for sender, n := range nonces {
			if v, ok := n.(int64); ok {
				target.Set(nonce.Key(sender), v)
			}
		}
	}

	target.HardApply(tag)
	return nil
}

// Engine creates, lists, serves, and restores snapshots rooted at dir.
type Engine struct {
	dir          string
	maxChunkSize int
	maxSnapshots int
	history      *History
}

// New builds an Engine rooted at dir (created if it does not exist).
func New(dir string, maxChunkSize, maxSnapshots int) (*Engine, error) {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: creating root %s", dir)
	}
	return &Engine{dir: dir, maxChunkSize: maxChunkSize, maxSnapshots: maxSnapshots}, nil
}

// Create collects, compresses, and chunks the full state at the given
// height, writing <height>_<app_hash_prefix>/ under the engine's root, then
// enforces retention.
func (e *Engine) Create(s Store, height int64, appHash string, blockTimeNanos int64) (Metadata, error) {
	doc := collect(s)
	raw, err := canon.Encode(docToAny(doc))
	if err != nil {
		return Metadata{}, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: encoding state document")
	}

	var chunkHashes []string
	dirName := fmt.Sprintf("%d_%s", height, shortHashPrefix(appHash))
	snapDir := filepath.Join(e.dir, dirName)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return Metadata{}, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: creating %s", snapDir)
	}

	chunks := chunkBytes(raw, e.maxChunkSize)
	for i, chunk := range chunks {
		gz, err := gzipBytes(chunk)
		if err != nil {
			return Metadata{}, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: compressing chunk %d", i)
		}
		path := filepath.Join(snapDir, fmt.Sprintf("chunk_%04d.gz", i))
		if err := os.WriteFile(path, gz, 0o644); err != nil {
			return Metadata{}, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: writing %s", path)
		}
		chunkHashes = append(chunkHashes, crypto.SHA256Hex(gz))
	}

	meta := Metadata{
		Height:      height,
		Format:      SupportedFormat,
		Chunks:      len(chunks),
		AppHash:     appHash,
		BlockTime:   blockTimeNanos,
		ChunkHashes: chunkHashes,
		TotalSize:   int64(len(raw)),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Metadata{}, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: encoding metadata")
	}
	if err := os.WriteFile(filepath.Join(snapDir, "metadata.json"), metaBytes, 0o644); err != nil {
		return Metadata{}, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: writing metadata")
	}

	if e.history != nil {
		if err := e.history.Record(meta, time.Now()); err != nil {
			return Metadata{}, err
		}
	}

	e.enforceRetention()
	return meta, nil
}

// History returns the attached history index, or nil if none was set via
// WithHistory.
func (e *Engine) History() *History { return e.history }

// List returns every retained snapshot's metadata, most recent height first.
func (e *Engine) List() ([]Metadata, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: listing %s", e.dir)
	}
	var metas []Metadata
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		meta, err := e.readMetadata(ent.Name())
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Height > metas[j].Height })
	return metas, nil
}

// LoadChunk returns the raw gzip bytes of chunk index for the snapshot at
// height/appHash.
func (e *Engine) LoadChunk(height int64, appHash string, index int) ([]byte, error) {
	dirName := fmt.Sprintf("%d_%s", height, shortHashPrefix(appHash))
	path := filepath.Join(e.dir, dirName, fmt.Sprintf("chunk_%04d.gz", index))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: reading chunk %d", index)
	}
	return data, nil
}

func (e *Engine) readMetadata(dirName string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(e.dir, dirName, "metadata.json"))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (e *Engine) enforceRetention() {
	if e.maxSnapshots <= 0 {
		return
	}
	metas, err := e.List()
	if err != nil {
		return
	}
	for i := e.maxSnapshots; i < len(metas); i++ {
		dirName := fmt.Sprintf("%d_%s", metas[i].Height, shortHashPrefix(metas[i].AppHash))
		_ = os.RemoveAll(filepath.Join(e.dir, dirName))
	}
}

func shortHashPrefix(appHash string) string {
	if len(appHash) > 12 {
		return appHash[:12]
	}
	return appHash
}

func collect(s Store) document {
	doc := document{
		ContractState: make(map[string]map[string]any),
		Nonces:        make(map[string]int64),
		Metadata:      map[string]any{},
	}
	for _, kv := range s.Items("") {
		if name, ok := strings.CutPrefix(kv.Key, nonce.Key("")); ok {
			if n, ok := kv.Value.(int64); ok {
				doc.Nonces[name] = n
			}
			continue
		}
		contract := "_global"
		if idx := strings.IndexByte(kv.Key, '.'); idx >= 0 {
			contract = kv.Key[:idx]
		}
		if doc.ContractState[contract] == nil {
			doc.ContractState[contract] = make(map[string]any)
		}
		doc.ContractState[contract][kv.Key] = kv.Value
	}
	return doc
}

func docToAny(doc document) map[string]any {
	contractState := make(map[string]any, len(doc.ContractState))
	for k, v := range doc.ContractState {
		contractState[k] = v
	}
	nonces := make(map[string]any, len(doc.Nonces))
	for k, v := range doc.Nonces {
		nonces[k] = int64(v)
	}
	return map[string]any{
		"contract_state": contractState,
		"nonces":         nonces,
		"metadata":       doc.Metadata,
	}
}

func chunkBytes(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
