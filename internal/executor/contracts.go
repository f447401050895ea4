package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/compile"
)

// Func is a registered contract function's implementation.
type Func func(ctx CallContext) (any, error)

// Registry maps contract.function to a Func. It is built once at node
// startup from the fixed system-contract set plus any contracts installed
// by submission transactions (see submission.submit_contract).
type Registry struct {
	fns map[string]Func
}

// NewRegistry builds a Registry with the standard system contracts
// installed: currency (balances, transfer, transfer_from, approve), and
// submission (submit_contract). stamp_cost is pure state (S:value) with no
// callable functions and so is seeded by genesis rather than registered
// here.
func NewRegistry() *Registry {
	r := &Registry{fns: make(map[string]Func)}
	r.Register("currency", "transfer", currencyTransfer)
	r.Register("currency", "transfer_from", currencyTransferFrom)
	r.Register("currency", "approve", currencyApprove)
	r.Register("currency", "balance_of", currencyBalanceOf)
	r.Register("submission", "submit_contract", submissionSubmitContract)
	return r
}

// Register installs fn under contract.function, overwriting any previous
// registration — used both for the system contracts above and by
// submission.submit_contract to register newly submitted user contracts.
func (r *Registry) Register(contract, function string, fn Func) {
	r.fns[contract+"."+function] = fn
}

// Lookup returns the registered function for contract.function.
func (r *Registry) Lookup(contract, function string) (Func, bool) {
	fn, ok := r.fns[contract+"."+function]
	return fn, ok
}

// MethodsFor returns the names of every function registered under the
// given contract, sorted, for the query surface's /contract_methods path.
func (r *Registry) MethodsFor(contract string) []string {
	prefix := contract + "."
	var methods []string
	for key := range r.fns {
		if name, ok := strings.CutPrefix(key, prefix); ok {
			methods = append(methods, name)
		}
	}
	sort.Strings(methods)
	return methods
}

func balanceKey(holder string) string { return "currency.balances:" + holder }

func getBalance(ctx CallContext, holder string) canon.Decimal {
	v, ok := ctx.Store.Get(balanceKey(holder))
	if !ok {
		return canon.NewDecimalFromInt(0)
	}
	switch t := v.(type) {
	case canon.Decimal:
		return t
	case int64:
		return canon.NewDecimalFromInt(t)
	default:
		return canon.NewDecimalFromInt(0)
	}
}

func setBalance(ctx CallContext, holder string, amount canon.Decimal) {
	ctx.Store.Set(balanceKey(holder), amount)
}

func decimalArg(kwargs map[string]any, key string) (canon.Decimal, error) {
	v, ok := kwargs[key]
	if !ok {
		return canon.Decimal{}, fmt.Errorf("missing required argument %q", key)
	}
	switch t := v.(type) {
	case canon.Decimal:
		return t, nil
	case int64:
		return canon.NewDecimalFromInt(t), nil
	default:
		return canon.Decimal{}, fmt.Errorf("argument %q must be numeric", key)
	}
}

func stringArg(kwargs map[string]any, key string) (string, error) {
	v, ok := kwargs[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

// currencyTransfer implements currency.transfer(amount, to).
func currencyTransfer(ctx CallContext) (any, error) {
	amount, err := decimalArg(ctx.Kwargs, "amount")
	if err != nil {
		return nil, err
	}
	to, err := stringArg(ctx.Kwargs, "to")
	if err != nil {
		return nil, err
	}
	if amount.Cmp(canon.NewDecimalFromInt(0)) < 0 {
		return nil, fmt.Errorf("cannot transfer a negative amount")
	}

	from := getBalance(ctx, ctx.Sender)
	if from.Cmp(amount) < 0 {
		return nil, fmt.Errorf("sender balance insufficient for transfer")
	}

	setBalance(ctx, ctx.Sender, from.Sub(amount))
	setBalance(ctx, to, getBalance(ctx, to).Add(amount))
	return true, nil
}

func allowanceKey(owner, spender string) string {
	return "currency.balances:" + owner + ":" + spender
}

// currencyApprove implements currency.approve(amount, to).
func currencyApprove(ctx CallContext) (any, error) {
	amount, err := decimalArg(ctx.Kwargs, "amount")
	if err != nil {
		return nil, err
	}
	spender, err := stringArg(ctx.Kwargs, "to")
	if err != nil {
		return nil, err
	}
	ctx.Store.Set(allowanceKey(ctx.Sender, spender), amount)
	return true, nil
}

// currencyTransferFrom implements currency.transfer_from(amount, to, main_account).
func currencyTransferFrom(ctx CallContext) (any, error) {
	amount, err := decimalArg(ctx.Kwargs, "amount")
	if err != nil {
		return nil, err
	}
	to, err := stringArg(ctx.Kwargs, "to")
	if err != nil {
		return nil, err
	}
	owner, err := stringArg(ctx.Kwargs, "main_account")
	if err != nil {
		return nil, err
	}

	allowed, ok := ctx.Store.Get(allowanceKey(owner, ctx.Sender))
	if !ok {
		return nil, fmt.Errorf("no allowance granted to spender")
	}
	allowance, ok := allowed.(canon.Decimal)
	if !ok {
		return nil, fmt.Errorf("corrupt allowance entry")
	}
	if allowance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("amount exceeds allowance")
	}

	from := getBalance(ctx, owner)
	if from.Cmp(amount) < 0 {
		return nil, fmt.Errorf("owner balance insufficient for transfer")
	}

	ctx.Store.Set(allowanceKey(owner, ctx.Sender), allowance.Sub(amount))
	setBalance(ctx, owner, from.Sub(amount))
	setBalance(ctx, to, getBalance(ctx, to).Add(amount))
	return true, nil
}

// currencyBalanceOf implements the read-only currency.balance_of(account).
func currencyBalanceOf(ctx CallContext) (any, error) {
	account, err := stringArg(ctx.Kwargs, "account")
	if err != nil {
		return nil, err
	}
	return getBalance(ctx, account), nil
}

// submissionSubmitContract implements submission.submit_contract(name, code).
// It stores the source under "<name>.__code__" and a deterministic
// placeholder compiled form under "<name>.__compiled__" — full compilation
// of the contracting language is out of scope (§1 non-goals); this core
// treats "compiled" bytecode as an opaque, deterministically-derived blob
// whose presence signals a contract is installed, matching the part of the
// reference behavior this core implements (state layout and hashing), not
// the compiler itself.
func submissionSubmitContract(ctx CallContext) (any, error) {
	name, err := stringArg(ctx.Kwargs, "name")
	if err != nil {
		return nil, err
	}
	code, err := stringArg(ctx.Kwargs, "code")
	if err != nil {
		return nil, err
	}
	ctx.Store.Set(name+".__code__", code)
	ctx.Store.Set(name+".__compiled__", compile.Placeholder(code))
	return true, nil
}
