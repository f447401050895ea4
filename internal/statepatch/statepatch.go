// Package statepatch loads and applies height-keyed state remediation
// records (part of spec C11): a JSON document mapping block height to a
// list of {key, value, comment} records, applied during finalize_block at
// the matching height. A patch whose value is a JSON object is treated as
// an RFC 7396 JSON Merge Patch against whatever is already stored at that
// key, rather than a full replacement, mirroring how this core's teacher
// reduces driver checkpoints.
package statepatch

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/compile"
	"github.com/xian-network/abci-core/internal/lifecycle"
)

// rawRecord is one entry as it appears in the on-disk document.
type rawRecord struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Comment string          `json:"comment"`
}

// Document is the fully parsed, height-sorted patch set.
type Document struct {
	byHeight map[int64][]rawRecord
}

// Load reads and parses the state-patches document at path. A missing file
// is not an error — it simply yields an empty Document, matching the
// reference tool's behavior of treating "no patches file" as "nothing to
// apply".
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Document{byHeight: map[int64][]rawRecord{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statepatch: reading %s: %w", path, err)
	}

	var raw map[string][]rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("statepatch: parsing %s: %w", path, err)
	}

	byHeight := make(map[int64][]rawRecord, len(raw))
	for heightStr, records := range raw {
		height, err := strconv.ParseInt(heightStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("statepatch: height key %q is not an integer: %w", heightStr, err)
		}
		byHeight[height] = records
	}
	return &Document{byHeight: byHeight}, nil
}

// Heights returns every height that has at least one patch, ascending.
func (d *Document) Heights() []int64 {
	heights := make([]int64, 0, len(d.byHeight))
	for h := range d.byHeight {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// RegisterAll installs every patch in the document into coord, one per
// recorded height, so FinalizeBlock applies them when it reaches that
// height. reader resolves the current stored value at a key (needed only
// for object-valued patches, which merge rather than replace); it is
// typically the live store at load time, read before any block has been
// processed for a given height.
func (d *Document) RegisterAll(coord *lifecycle.Coordinator, reader Reader) error {
	for height, records := range d.byHeight {
		for _, rec := range records {
			value, err := resolveValue(reader, rec.Key, rec.Value)
			if err != nil {
				return fmt.Errorf("statepatch: height %d key %s: %w", height, rec.Key, err)
			}
			coord.RegisterStatePatch(height, lifecycle.StatePatch{
				Key:     rec.Key,
				Value:   value,
				Comment: rec.Comment,
			})
			if name, ok := strings.CutSuffix(rec.Key, ".__code__"); ok {
				if code, ok := value.(string); ok {
					coord.RegisterStatePatch(height, lifecycle.StatePatch{
						Key:     name + ".__compiled__",
						Value:   compile.Placeholder(code),
						Comment: "compiled bytecode for " + rec.Comment,
					})
				}
			}
		}
	}
	return nil
}

// Reader resolves the live value at a key, used to merge object patches.
type Reader interface {
	Get(key string) (any, bool)
}

// resolveValue decides whether raw is a full replacement or a merge patch,
// and produces the canonical-value-universe result to stage.
func resolveValue(reader Reader, key string, raw json.RawMessage) (any, error) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid patch value: %w", err)
	}

	if _, isObject := probe.(map[string]any); !isObject {
		return canon.Decode(raw)
	}

	existing, ok := reader.Get(key)
	if !ok {
		return canon.Decode(raw)
	}
	existingJSON, err := canon.Encode(existing)
	if err != nil {
		return nil, fmt.Errorf("re-encoding existing value for merge: %w", err)
	}
	merged, err := jsonpatch.MergePatch(existingJSON, raw)
	if err != nil {
		return nil, fmt.Errorf("applying merge patch: %w", err)
	}
	return canon.Decode(merged)
}
