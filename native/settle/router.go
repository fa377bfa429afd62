package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"blockclear/core/events"
	"blockclear/crypto"
	"blockclear/native/ledger"
	"blockclear/observability/metrics"
)

var (
	errNilLedger    = errors.New("settlement router: ledger not configured")
	errNilCustodian = errors.New("settlement router: custodian not configured")
	errNilVault     = errors.New("settlement router: vault not configured")
	errNilAllocator = errors.New("settlement router: allocator not configured")
	errNoRecipient  = errors.New("settlement router: neither recipient nor sponsor supplied")
)

// Mode identifies which branch of the settlement decision table fired.
type Mode uint8

const (
	// ModeForwardToFiller pays the full balance to the claimant already
	// recorded for the source claim hash: a direct fill won the race and
	// the bridged assets belong to its filler.
	ModeForwardToFiller Mode = iota + 1
	// ModeDirectTransfer pays the named recipient when no custody lock is
	// requested.
	ModeDirectTransfer
	// ModeDepositOnly escrows the balance without registering an auction.
	ModeDepositOnly
	// ModeAllocatedRegister registers a fresh auction under an
	// allocator-assigned nonce obtained through the prepare/execute hooks.
	ModeAllocatedRegister
	// ModeRegister registers a fresh auction under the supplied nonce.
	ModeRegister
)

func (m Mode) String() string {
	switch m {
	case ModeForwardToFiller:
		return "forward_to_filler"
	case ModeDirectTransfer:
		return "direct_transfer"
	case ModeDepositOnly:
		return "deposit_only"
	case ModeAllocatedRegister:
		return "allocated_register"
	case ModeRegister:
		return "register"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Custodian exposes the lock-custody deposit entry points consumed on the
// settlement chain.
type Custodian interface {
	Deposit(ctx context.Context, token crypto.Address, lockID [32]byte, recipient crypto.Address, amount *big.Int) error
	DepositAndRegister(ctx context.Context, token crypto.Address, lockID [32]byte, recipient crypto.Address, amount *big.Int, witness [32]byte, nonce *big.Int) ([32]byte, error)
}

// Allocator is the two-phase hook pair bracketing an on-chain allocated
// registration: Prepare obtains the nonce, Execute finalizes it.
type Allocator interface {
	Prepare(ctx context.Context, token crypto.Address, amount *big.Int, witness [32]byte) (*big.Int, error)
	Execute(ctx context.Context, token crypto.Address, amount *big.Int, witness [32]byte, nonce *big.Int) error
}

// Vault inspects and moves the router's own holdings of bridged tokens.
type Vault interface {
	BalanceOf(token crypto.Address) (*big.Int, error)
	Transfer(token crypto.Address, to crypto.Address, amount *big.Int) error
}

// TargetParams describes the desired destination-chain outcome supplied by
// the bridging path.
type TargetParams struct {
	Token       crypto.Address
	LockID      [32]byte
	Recipient   crypto.Address
	Sponsor     crypto.Address
	MandateHash [32]byte
	Nonce       *big.Int
}

// Outcome reports which branch fired and what it did with the balance.
type Outcome struct {
	Mode                Mode
	Recipient           crypto.Address
	Amount              *big.Int
	RegisteredClaimHash [32]byte
}

// Router resolves the race between a direct cross-chain fill and a
// fill-then-bridge path targeting the same logical auction. Whichever path's
// disposition committed first is paid; the loser's bridged value is
// redirected rather than stranded.
type Router struct {
	ledger    *ledger.Ledger
	custodian Custodian
	allocator Allocator
	vault     Vault
	emitter   events.Emitter
	metrics   *metrics.AuctionMetrics
}

// NewRouter constructs a settlement router over the shared disposition
// ledger.
func NewRouter(led *ledger.Ledger, custodian Custodian, allocator Allocator, vault Vault) *Router {
	return &Router{
		ledger:    led,
		custodian: custodian,
		allocator: allocator,
		vault:     vault,
		emitter:   events.NoopEmitter{},
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (r *Router) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetMetrics wires the prometheus collectors.
func (r *Router) SetMetrics(m *metrics.AuctionMetrics) { r.metrics = m }

// SettleOrRegister walks the priority-ordered decision table over the entire
// currently-available balance of the target token. Each branch is a pure
// function of ledger state and the supplied parameters; there is no
// fallthrough between branches.
func (r *Router) SettleOrRegister(ctx context.Context, sourceClaimHash [32]byte, params TargetParams) (*Outcome, error) {
	if r == nil || r.ledger == nil {
		return nil, errNilLedger
	}
	if r.vault == nil {
		return nil, errNilVault
	}
	balance, err := r.vault.BalanceOf(params.Token)
	if err != nil {
		return nil, err
	}

	outcome, err := r.route(ctx, sourceClaimHash, params, balance)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.ObserveSettlement(outcome.Mode.String())
	}
	r.emitter.Emit(Settled{
		SourceClaimHash: sourceClaimHash,
		Mode:            outcome.Mode,
		Recipient:       outcome.Recipient,
		Amount:          outcome.Amount,
	})
	return outcome, nil
}

func (r *Router) route(ctx context.Context, sourceClaimHash [32]byte, params TargetParams, balance *big.Int) (*Outcome, error) {
	// 1. A recorded claimant means a direct fill already won; the bridged
	// assets belong to its filler.
	claimant, err := r.ledger.Filled(sourceClaimHash)
	if err != nil {
		return nil, err
	}
	if claimant != ([20]byte{}) {
		winner := crypto.MustAddress(claimant[:])
		if err := r.vault.Transfer(params.Token, winner, balance); err != nil {
			return nil, err
		}
		return &Outcome{Mode: ModeForwardToFiller, Recipient: winner, Amount: balance}, nil
	}

	// 2. No custody lock requested: hand the balance straight over.
	if params.LockID == ([32]byte{}) {
		recipient := params.Recipient
		if recipient.IsZero() {
			recipient = params.Sponsor
		}
		if recipient.IsZero() {
			return nil, errNoRecipient
		}
		if err := r.vault.Transfer(params.Token, recipient, balance); err != nil {
			return nil, err
		}
		return &Outcome{Mode: ModeDirectTransfer, Recipient: recipient, Amount: balance}, nil
	}

	if r.custodian == nil {
		return nil, errNilCustodian
	}
	recipient := params.Recipient
	if recipient.IsZero() {
		recipient = params.Sponsor
	}

	// 3. No target mandate: escrow without committing to a new auction.
	if params.MandateHash == ([32]byte{}) {
		if err := r.custodian.Deposit(ctx, params.Token, params.LockID, recipient, balance); err != nil {
			return nil, err
		}
		return &Outcome{Mode: ModeDepositOnly, Recipient: recipient, Amount: balance}, nil
	}

	// 4. Zero nonce: let the allocator assign one, bracketing the
	// registration with its prepare/execute hooks.
	if params.Nonce == nil || params.Nonce.Sign() == 0 {
		if r.allocator == nil {
			return nil, errNilAllocator
		}
		nonce, err := r.allocator.Prepare(ctx, params.Token, balance, params.MandateHash)
		if err != nil {
			return nil, err
		}
		registered, err := r.custodian.DepositAndRegister(ctx, params.Token, params.LockID, recipient, balance, params.MandateHash, nonce)
		if err != nil {
			return nil, err
		}
		if err := r.allocator.Execute(ctx, params.Token, balance, params.MandateHash, nonce); err != nil {
			return nil, err
		}
		return &Outcome{Mode: ModeAllocatedRegister, Recipient: recipient, Amount: balance, RegisteredClaimHash: registered}, nil
	}

	// 5. Register a fresh auction under the supplied nonce.
	registered, err := r.custodian.DepositAndRegister(ctx, params.Token, params.LockID, recipient, balance, params.MandateHash, params.Nonce)
	if err != nil {
		return nil, err
	}
	return &Outcome{Mode: ModeRegister, Recipient: recipient, Amount: balance, RegisteredClaimHash: registered}, nil
}
