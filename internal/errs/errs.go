// Package errs defines the error taxonomy shared by the transaction
// validator, executor, and block lifecycle coordinator.
package errs

import "fmt"

// Kind classifies a core error into one of the taxonomy buckets used to
// decide mempool rejection, per-transaction failure, or process-fatal
// handling.
type Kind int

const (
	// KindUnknown is the zero value and should never be returned deliberately.
	KindUnknown Kind = iota
	// KindFormatting covers malformed wire bytes, schema mismatch, bad hex, bad JSON.
	KindFormatting
	// KindSignatureInvalid covers a signature that does not verify.
	KindSignatureInvalid
	// KindNonceInvalid covers a nonce that is not strictly greater than expected.
	KindNonceInvalid
	// KindInsufficientStamps covers a sender that cannot cover declared stamps.
	KindInsufficientStamps
	// KindExecution covers a runtime failure inside a contract call.
	KindExecution
	// KindStorageCorruption covers inconsistent store data or chunk hash mismatches.
	KindStorageCorruption
	// KindProtocolViolation covers an unrecognized request variant.
	KindProtocolViolation
	// KindConsensusDivergence covers an app hash mismatch against an expected value.
	KindConsensusDivergence
)

func (k Kind) String() string {
	switch k {
	case KindFormatting:
		return "formatting"
	case KindSignatureInvalid:
		return "signature-invalid"
	case KindNonceInvalid:
		return "nonce-invalid"
	case KindInsufficientStamps:
		return "insufficient-stamps"
	case KindExecution:
		return "execution-error"
	case KindStorageCorruption:
		return "storage-corruption"
	case KindProtocolViolation:
		return "protocol-violation"
	case KindConsensusDivergence:
		return "consensus-divergence"
	default:
		return "unknown"
	}
}

// CoreError is the concrete error type returned by validation and execution
// paths. It carries a Kind so callers can branch on taxonomy without string
// matching, plus a human-readable message for logs and query responses.
type CoreError struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// New builds a CoreError of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a CoreError of the given kind, wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *CoreError, else KindUnknown.
func KindOf(err error) Kind {
	var ce *CoreError
	if ok := assignCoreError(err, &ce); ok {
		return ce.Kind
	}
	return KindUnknown
}

// Fatal reports whether an error of this kind must abort block finalization
// without committing, per the process-fatal rule for storage corruption
// during live execution.
func Fatal(kind Kind) bool {
	return kind == KindStorageCorruption
}

func assignCoreError(err error, out **CoreError) bool {
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			*out = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
