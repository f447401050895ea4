// Package canon implements the canonical JSON encoding used for transaction
// signing, transaction hashing, and state-cell fingerprinting. Canonical
// encoding sorts object keys at every level and represents numbers in a
// stable form: integers carry no decimal point, fixed-point amounts are
// encoded as a tagged {"__fixed__": "<digits>"} object. Floating point is
// never produced or accepted, per the determinism risks called out in the
// design notes.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// Decimal is a fixed-point number represented as an exact rational. Contract
// arithmetic must route through Decimal rather than float64 so that every
// node derives the same digits.
type Decimal struct {
	r *big.Rat
}

// NewDecimalFromString parses a base-10 decimal string into a Decimal.
func NewDecimalFromString(s string) (Decimal, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Decimal{}, fmt.Errorf("canon: invalid decimal literal %q", s)
	}
	return Decimal{r: r}, nil
}

// NewDecimalFromInt builds a Decimal from an integer.
func NewDecimalFromInt(v int64) Decimal {
	return Decimal{r: new(big.Rat).SetInt64(v)}
}

// IsZero reports whether d is the zero value (uninitialized or literal 0).
func (d Decimal) IsZero() bool { return d.r == nil || d.r.Sign() == 0 }

func (d Decimal) ratOrZero() *big.Rat {
	if d.r == nil {
		return new(big.Rat)
	}
	return d.r
}

// Add returns d+other.
func (d Decimal) Add(other Decimal) Decimal {
	return Decimal{r: new(big.Rat).Add(d.ratOrZero(), other.ratOrZero())}
}

// Sub returns d-other.
func (d Decimal) Sub(other Decimal) Decimal {
	return Decimal{r: new(big.Rat).Sub(d.ratOrZero(), other.ratOrZero())}
}

// Mul returns d*other.
func (d Decimal) Mul(other Decimal) Decimal {
	return Decimal{r: new(big.Rat).Mul(d.ratOrZero(), other.ratOrZero())}
}

// Quo returns d/other, as an exact rational (no rounding).
func (d Decimal) Quo(other Decimal) Decimal {
	return Decimal{r: new(big.Rat).Quo(d.ratOrZero(), other.ratOrZero())}
}

// Cmp compares d to other: -1, 0, or 1.
func (d Decimal) Cmp(other Decimal) int {
	return d.ratOrZero().Cmp(other.ratOrZero())
}

// String renders the canonical decimal digits: the shortest exact decimal
// representation, trimmed of a trailing ".0" when the value is integral.
func (d Decimal) String() string {
	r := d.ratOrZero()
	if r.IsInt() {
		return r.Num().String()
	}
	// FloatString with a generous precision then trim trailing zeros; the
	// rational is exact so this never loses information for the terminating
	// decimals that stamp/currency math produces.
	s := r.FloatString(36)
	s = bytesTrimRight(s, "0")
	s = bytesTrimRight(s, ".")
	return s
}

func bytesTrimRight(s, cutset string) string {
	for len(s) > 0 && containsByte(cutset, s[len(s)-1]) {
		s = s[:len(s)-1]
	}
	return s
}

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

// MarshalJSON renders the tagged-object form used throughout the state model.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"__fixed__": d.String()})
}

// UnmarshalJSON accepts either the tagged-object form or a bare JSON number/string.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	var tagged map[string]string
	if err := json.Unmarshal(b, &tagged); err == nil {
		if v, ok := tagged["__fixed__"]; ok {
			parsed, err := NewDecimalFromString(v)
			if err != nil {
				return err
			}
			*d = parsed
			return nil
		}
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := NewDecimalFromString(s)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("canon: cannot decode Decimal from %s", b)
	}
	parsed, err := NewDecimalFromString(n.String())
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Encode produces the canonical JSON encoding of v: object keys sorted at
// every level, no HTML-escaping, no insignificant whitespace. v must be
// built from nil, bool, string, int64, Decimal, map[string]any, or []any —
// any other type (notably float64) is rejected to keep the encoding
// reproducible across nodes.
func Encode(v any) ([]byte, error) {
	if err := validate(v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; the canonical form omits it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func validate(v any) error {
	switch t := v.(type) {
	case nil, bool, string, int64, int, Decimal:
		return nil
	case map[string]any:
		for k, sub := range t {
			if err := validate(sub); err != nil {
				return fmt.Errorf("canon: key %q: %w", k, err)
			}
		}
		return nil
	case []any:
		for i, sub := range t {
			if err := validate(sub); err != nil {
				return fmt.Errorf("canon: index %d: %w", i, err)
			}
		}
		return nil
	case float64, float32:
		return fmt.Errorf("canon: floating point value %v is not a canonical type; use Decimal", v)
	default:
		return fmt.Errorf("canon: unsupported value type %T", v)
	}
}

// SortedKeys returns the sorted keys of m, used by callers that need to walk
// a map deterministically outside of JSON encoding (e.g. hashing writes).
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode parses arbitrary JSON into the canonical value universe: object
// members become map[string]any, arrays become []any, whole numbers become
// int64, fractional numbers and {"__fixed__": ...} objects become Decimal.
// This is the inverse of Encode and is used to decode transaction kwargs and
// state-patch values, where json.Unmarshal's default float64 handling would
// silently reintroduce non-determinism.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	return normalize(raw)
}

func normalize(raw any) (any, error) {
	switch t := raw.(type) {
	case nil, bool, string:
		return t, nil
	case json.Number:
		return numberToCanonical(t)
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			n, err := normalize(sub)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		if len(t) == 1 {
			if v, ok := t["__fixed__"]; ok {
				if s, ok := v.(string); ok {
					return NewDecimalFromString(s)
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, sub := range t {
			n, err := normalize(sub)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("canon: unexpected decoded type %T", raw)
	}
}

func numberToCanonical(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	d, err := NewDecimalFromString(n.String())
	if err != nil {
		return nil, fmt.Errorf("canon: invalid numeric literal %q: %w", n.String(), err)
	}
	return d, nil
}
