// Package txn implements the transaction codec and validator (spec C3):
// hex-wrapped canonical JSON decoding, schema checks, signature
// verification, nonce checks, and stamp sufficiency.
package txn

import (
	"bytes"
	"encoding/json"

	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/crypto"
	"github.com/xian-network/abci-core/internal/errs"
)

// Payload is the signed body of a transaction. Kwargs values are drawn from
// the canonical value universe (nil, bool, string, int64, canon.Decimal,
// map[string]any, []any) — never float64.
type Payload struct {
	Sender         string
	ChainID        string
	Contract       string
	Function       string
	Kwargs         map[string]any
	Nonce          int64
	StampsSupplied int64
}

// Metadata carries the signature over the canonical encoding of Payload.
type Metadata struct {
	Signature string
}

// Transaction is the decoded, two-part transaction record.
type Transaction struct {
	Payload  Payload
	Metadata Metadata

	// hash and canonicalPayload are computed once by DecodeWire and cached,
	// since both the validator and fingerprint accumulator need them.
	hash             string
	canonicalPayload []byte
}

// Hash returns the digest of the canonical encoding of the whole transaction
// record (payload + metadata), used as the transaction's identity in the
// fingerprint accumulator and query surface.
func (t *Transaction) Hash() string { return t.hash }

// CanonicalPayload returns the exact bytes that were signed.
func (t *Transaction) CanonicalPayload() []byte { return t.canonicalPayload }

// requiredPayloadKeys is the fixed key set of a valid payload. An unknown or
// missing key is a formatting error.
var requiredPayloadKeys = []string{
	"sender", "chain_id", "contract", "function", "kwargs", "nonce", "stamps_supplied",
}

// DecodeWire decodes the hex(UTF-8(JSON({payload,metadata}))) wire form into
// a Transaction, performing canonical re-encoding of the payload and
// populating Hash()/CanonicalPayload(). It does not verify the signature or
// consult the store; see Validator.Validate for full validation.
func DecodeWire(hexWire string) (*Transaction, error) {
	raw, err := crypto.DecodeHexUTF8(hexWire)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatting, err, "decoding transaction hex")
	}

	var envelope struct {
		Payload  json.RawMessage `json:"payload"`
		Metadata json.RawMessage `json:"metadata"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&envelope); err != nil {
		return nil, errs.Wrap(errs.KindFormatting, err, "parsing transaction JSON")
	}
	if len(envelope.Payload) == 0 || len(envelope.Metadata) == 0 {
		return nil, errs.New(errs.KindFormatting, "transaction missing payload or metadata")
	}

	payloadMap, err := decodeObject(envelope.Payload, "payload")
	if err != nil {
		return nil, err
	}
	if err := checkPayloadKeys(payloadMap); err != nil {
		return nil, err
	}
	payload, err := payloadFromMap(payloadMap)
	if err != nil {
		return nil, err
	}

	metaMap, err := decodeObject(envelope.Metadata, "metadata")
	if err != nil {
		return nil, err
	}
	if len(metaMap) != 1 {
		return nil, errs.New(errs.KindFormatting, "wrong number of metadata entries")
	}
	sig, ok := metaMap["signature"].(string)
	if !ok || sig == "" {
		return nil, errs.New(errs.KindFormatting, "metadata missing signature")
	}

	canonicalPayload, err := canon.Encode(payloadMap)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatting, err, "canonicalizing payload")
	}

	whole, err := canon.Encode(map[string]any{
		"payload":  payloadMap,
		"metadata": map[string]any{"signature": sig},
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatting, err, "canonicalizing transaction")
	}

	return &Transaction{
		Payload:          payload,
		Metadata:         Metadata{Signature: sig},
		hash:             crypto.SHA3_256Hex(whole),
		canonicalPayload: canonicalPayload,
	}, nil
}

func decodeObject(raw json.RawMessage, field string) (map[string]any, error) {
	v, err := canon.Decode(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatting, err, "decoding %s", field)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errs.New(errs.KindFormatting, "%s is not a JSON object", field)
	}
	return m, nil
}

func checkPayloadKeys(m map[string]any) error {
	seen := make(map[string]bool, len(requiredPayloadKeys))
	for _, k := range requiredPayloadKeys {
		seen[k] = true
		if _, ok := m[k]; !ok {
			return errs.New(errs.KindFormatting, "payload missing required key %q", k)
		}
	}
	for k := range m {
		if !seen[k] {
			return errs.New(errs.KindFormatting, "payload has unexpected key %q", k)
		}
	}
	if s, ok := m["sender"].(string); !ok || s == "" {
		return errs.New(errs.KindFormatting, "payload key 'sender' is missing or empty")
	}
	if c, ok := m["contract"].(string); !ok || c == "" {
		return errs.New(errs.KindFormatting, "payload key 'contract' is missing or empty")
	}
	if f, ok := m["function"].(string); !ok || f == "" {
		return errs.New(errs.KindFormatting, "payload key 'function' is missing or empty")
	}
	if _, ok := m["kwargs"].(map[string]any); !ok {
		return errs.New(errs.KindFormatting, "payload key 'kwargs' must be an object")
	}
	if _, ok := m["stamps_supplied"]; !ok {
		return errs.New(errs.KindFormatting, "payload key 'stamps_supplied' is missing")
	}
	return nil
}

func payloadFromMap(m map[string]any) (Payload, error) {
	nonce, ok := m["nonce"].(int64)
	if !ok {
		return Payload{}, errs.New(errs.KindFormatting, "payload key 'nonce' must be an integer")
	}
	stamps, ok := m["stamps_supplied"].(int64)
	if !ok {
		return Payload{}, errs.New(errs.KindFormatting, "payload key 'stamps_supplied' must be an integer")
	}
	chainID, _ := m["chain_id"].(string)

	return Payload{
		Sender:         m["sender"].(string),
		ChainID:        chainID,
		Contract:       m["contract"].(string),
		Function:       m["function"].(string),
		Kwargs:         m["kwargs"].(map[string]any),
		Nonce:          nonce,
		StampsSupplied: stamps,
	}, nil
}

// EncodeWire builds the hex wire form of a signed transaction, the inverse
// of DecodeWire. It is used by the query surface's simulate_tx path and by
// tests constructing fixtures.
func EncodeWire(payload map[string]any, signature string) (string, error) {
	doc, err := canon.Encode(map[string]any{
		"payload":  payload,
		"metadata": map[string]any{"signature": signature},
	})
	if err != nil {
		return "", err
	}
	return crypto.EncodeHexUTF8(doc), nil
}
