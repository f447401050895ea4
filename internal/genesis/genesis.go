// Package genesis implements the genesis loader (spec C11): at init_chain,
// it reads a founder-signed document of (key, value) records, verifies the
// signature over the canonical encoding of the record list, and applies the
// records in file order, recompiling any "__code__" contract-code entries
// to populate their "__compiled__" sibling.
package genesis

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/compile"
	"github.com/xian-network/abci-core/internal/crypto"
	"github.com/xian-network/abci-core/internal/errs"
)

// Record is one (key, value) entry of the genesis document, in the order it
// must be applied.
type Record struct {
	Key   string
	Value any
}

// Origin carries the founder's attestation over the record list.
type Origin struct {
	Sender    string
	Signature string
}

// Document is a fully parsed and signature-verified genesis file.
type Document struct {
	Hash    string
	Number  string
	Records []Record
	Origin  Origin
}

// wireRecord/wireOrigin/wireDocument mirror the on-disk JSON shape described
// in the design notes: {abci_genesis: {hash, number, genesis: [...], origin: {...}}}.
type wireRecord struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type wireOrigin struct {
	Sender    string `json:"sender"`
	Signature string `json:"signature"`
}

type wireDocument struct {
	Hash    string       `json:"hash"`
	Number  string       `json:"number"`
	Genesis []wireRecord `json:"genesis"`
	Origin  wireOrigin   `json:"origin"`
}

type wireEnvelope struct {
	ABCIGenesis wireDocument `json:"abci_genesis"`
}

// Load reads path, verifies the founder's signature over the canonical
// encoding of the ordered record list, and returns the parsed Document. An
// unsigned or badly-signed genesis file is a fatal startup error (§ exit
// codes: "unsigned genesis").
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatting, err, "genesis: reading %s", path)
	}

	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.Wrap(errs.KindFormatting, err, "genesis: parsing %s", path)
	}
	w := env.ABCIGenesis

	records := make([]Record, 0, len(w.Genesis))
	canonRecords := make([]any, 0, len(w.Genesis))
	for _, r := range w.Genesis {
		value, err := canon.Decode(r.Value)
		if err != nil {
			return nil, errs.Wrap(errs.KindFormatting, err, "genesis: record %s has invalid value", r.Key)
		}
		records = append(records, Record{Key: r.Key, Value: value})
		canonRecords = append(canonRecords, map[string]any{"key": r.Key, "value": value})
	}

	signedBytes, err := canon.Encode(canonRecords)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatting, err, "genesis: re-encoding record list")
	}
	if w.Origin.Sender == "" || w.Origin.Signature == "" {
		return nil, errs.New(errs.KindSignatureInvalid, "genesis: missing founder signature")
	}
	if !crypto.VerifyEd25519(w.Origin.Sender, w.Origin.Signature, signedBytes) {
		return nil, errs.New(errs.KindSignatureInvalid, "genesis: founder signature does not verify")
	}

	return &Document{
		Hash:    w.Hash,
		Number:  w.Number,
		Records: records,
		Origin:  Origin{Sender: w.Origin.Sender, Signature: w.Origin.Signature},
	}, nil
}

// Store is the minimal write surface Apply needs.
type Store interface {
	Set(key string, value any)
}

// Apply writes every record of d into store in file order, and for any key
// ending in ".__code__" additionally derives and writes the matching
// ".__compiled__" sibling, mirroring submission.submit_contract's
// convention so genesis-seeded contracts look identical to ones installed
// by a live transaction.
func Apply(d *Document, store Store) {
	for _, rec := range d.Records {
		store.Set(rec.Key, rec.Value)
		if name, ok := strings.CutSuffix(rec.Key, ".__code__"); ok {
			if code, ok := rec.Value.(string); ok {
				store.Set(name+".__compiled__", compile.Placeholder(code))
			}
		}
	}
}
