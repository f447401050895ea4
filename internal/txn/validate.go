package txn

import (
	"fmt"
	"regexp"

	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/crypto"
	"github.com/xian-network/abci-core/internal/errs"
)

// Reader is the minimal read-only view of live state the validator needs. It
// is satisfied by *store.Store; defined here (rather than imported from
// store) to keep txn free of a dependency on the store's write-cache
// machinery, which validation never touches.
type Reader interface {
	Get(key string) (any, bool)
}

// NonceChecker is the minimal nonce-ledger surface the validator needs.
type NonceChecker interface {
	// Check reports whether nonce is acceptable for sender: strictly greater
	// than the committed nonce, and (when txBlockMax is supplied) strictly
	// greater than the highest nonce already used by sender earlier in the
	// same block.
	Check(sender string, nonce int64) error
}

// Config carries the validator's tunable parameters.
type Config struct {
	ChainID          string
	DefaultStampRate int64 // used when stamp_cost.S:value is unset
	EnableTxFee      bool
}

// Validator implements §4.3: decode, schema, canonicalize, verify signature,
// check nonce, check stamps, check contract-name format. It is pure with
// respect to the store — it only ever reads.
type Validator struct {
	cfg Config
}

// NewValidator builds a Validator bound to cfg.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs the full validation pipeline against tx, using state for
// balance/stamp-rate lookups and nonces for nonce admission. It never
// mutates either.
func (v *Validator) Validate(tx *Transaction, state Reader, nonces NonceChecker) error {
	if tx.Payload.ChainID != v.cfg.ChainID {
		return errs.New(errs.KindFormatting, "chain_id %q does not match node chain_id %q", tx.Payload.ChainID, v.cfg.ChainID)
	}

	if !verifySignature(tx) {
		return errs.New(errs.KindSignatureInvalid, "signature does not verify for sender %s", tx.Payload.Sender)
	}

	if err := nonces.Check(tx.Payload.Sender, tx.Payload.Nonce); err != nil {
		return err
	}

	if v.cfg.EnableTxFee {
		if err := v.checkStamps(tx, state); err != nil {
			return err
		}
	}

	if err := checkContractName(tx.Payload.Contract, tx.Payload.Function, tx.Payload.Kwargs); err != nil {
		return err
	}

	return nil
}

func verifySignature(tx *Transaction) bool {
	return crypto.VerifyEd25519(tx.Payload.Sender, tx.Metadata.Signature, tx.CanonicalPayload())
}

func (v *Validator) checkStamps(tx *Transaction, state Reader) error {
	balance := decimalBalance(state, tx.Payload.Sender)
	rate := v.stampRate(state)

	supplied := canon.NewDecimalFromInt(tx.Payload.StampsSupplied)
	capacity := balance.Mul(rate)
	if capacity.Cmp(supplied) < 0 {
		return errs.New(errs.KindInsufficientStamps, "sender %s has too few stamps for this transaction", tx.Payload.Sender)
	}

	if isCurrencyTransfer(tx.Payload.Contract, tx.Payload.Function) {
		amount := amountFromKwargs(tx.Payload.Kwargs)
		residual := balance.Sub(amount).Mul(rate)
		// Minimum residual: two transactions' worth of stamps, where one
		// "transaction's worth" is capacity/6 per the reference stamp model.
		minimum := canon.NewDecimalFromInt(2)
		if residual.Quo(canon.NewDecimalFromInt(6)).Cmp(minimum) < 0 {
			return errs.New(errs.KindInsufficientStamps, "sender %s has too few stamps for this transaction", tx.Payload.Sender)
		}
	}
	return nil
}

func (v *Validator) stampRate(state Reader) canon.Decimal {
	if raw, ok := state.Get("stamp_cost.S:value"); ok {
		if d, ok := raw.(canon.Decimal); ok {
			return d
		}
		if i, ok := raw.(int64); ok {
			return canon.NewDecimalFromInt(i)
		}
	}
	return canon.NewDecimalFromInt(v.cfg.DefaultStampRate)
}

func decimalBalance(state Reader, sender string) canon.Decimal {
	raw, ok := state.Get(fmt.Sprintf("currency.balances:%s", sender))
	if !ok {
		return canon.NewDecimalFromInt(0)
	}
	switch t := raw.(type) {
	case canon.Decimal:
		return t
	case int64:
		return canon.NewDecimalFromInt(t)
	default:
		return canon.NewDecimalFromInt(0)
	}
}

func amountFromKwargs(kwargs map[string]any) canon.Decimal {
	raw, ok := kwargs["amount"]
	if !ok {
		return canon.NewDecimalFromInt(0)
	}
	switch t := raw.(type) {
	case canon.Decimal:
		return t
	case int64:
		return canon.NewDecimalFromInt(t)
	default:
		return canon.NewDecimalFromInt(0)
	}
}

func isCurrencyTransfer(contract, function string) bool {
	return contract == "currency" && (function == "transfer" || function == "transfer_from")
}

// contractNameRE matches the allowed character set for a submitted contract
// name: lowercase letters, digits, and underscores, not starting with a digit.
var contractNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func checkContractName(contract, function string, kwargs map[string]any) error {
	if contract != "submission" || function != "submit_contract" {
		return nil
	}
	name, _ := kwargs["name"].(string)
	if len(name) > 255 || !contractNameRE.MatchString(name) {
		return errs.New(errs.KindFormatting, "contract name %q is invalid", name)
	}
	return nil
}
