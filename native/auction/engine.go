package auction

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"blockclear/core/events"
	"blockclear/crypto"
	"blockclear/native/curve"
	"blockclear/native/ledger"
	"blockclear/observability/metrics"
)

var (
	errEngineNilLedger    = errors.New("auction engine: ledger not configured")
	errEngineNilCustodian = errors.New("auction engine: custodian not configured")
	errEngineNilVault     = errors.New("auction engine: vault not configured")
	errEngineNoNotifier   = errors.New("auction engine: notifier not configured")
	errNilBorrower        = errors.New("auction engine: nil flash borrower")

	// ErrReentrantCall rejects a call into a state-mutating entry point
	// while another is in flight. The claim-and-fill path hands an
	// untrusted caller custody of claimed assets before repayment is
	// verified; without this guard that caller could re-enter and win a
	// second disposition.
	ErrReentrantCall = errors.New("auction engine: reentrant call")

	// ErrWrongChain rejects a mandate bound to a different chain.
	ErrWrongChain = errors.New("auction engine: mandate bound to another chain")

	// ErrMandateExpired and ErrFillExpired gate the absolute expirations.
	ErrMandateExpired = errors.New("auction engine: mandate expired")
	ErrFillExpired    = errors.New("auction engine: fill expired")

	// ErrNotSponsor rejects a cancellation from anyone but the sponsor.
	ErrNotSponsor = errors.New("auction engine: caller is not the sponsor")

	// ErrClaimHashMismatch signals that the custodian resolved a
	// different canonical claim hash than the one derived from the
	// supplied arguments.
	ErrClaimHashMismatch = errors.New("auction engine: claim hash mismatch")

	// ErrRepaymentShort aborts a claim-and-fill whose borrower failed to
	// deliver the owed fill amounts during its custody window.
	ErrRepaymentShort = errors.New("auction engine: flash repayment short")

	// ErrBadFlashAck aborts a claim-and-fill whose borrower returned the
	// wrong acknowledgment value.
	ErrBadFlashAck = errors.New("auction engine: flash acknowledgment mismatch")

	// ErrNotFilled rejects a deferred notification for a claim hash with
	// no recorded fill.
	ErrNotFilled = errors.New("auction engine: no disposition recorded")
)

// FlashAck is the fixed value a flash borrower must return from OnClaim for
// the claim-and-fill to proceed.
var FlashAck = func() [32]byte {
	var ack [32]byte
	copy(ack[:], ethcrypto.Keccak256([]byte("blockclear/flash-claim-ack/v1")))
	return ack
}()

// Custodian is the external lock-custody system's claim entry point: it
// atomically releases escrowed commitments to the claimant and reports the
// canonical claim hash.
type Custodian interface {
	Claim(ctx context.Context, req ClaimRequest) ([32]byte, error)
}

// ClaimRequest carries everything the custodian needs to release escrow.
type ClaimRequest struct {
	Commitments        []Commitment
	WitnessHash        [32]byte
	Sponsor            crypto.Address
	SponsorSignature   []byte
	AllocatorSignature []byte
	Claimant           crypto.Address
	Amounts            []*big.Int
}

// Vault moves and inspects fill tokens on this chain.
type Vault interface {
	TransferFrom(token crypto.Address, from, to crypto.Address, amount *big.Int) error
	BalanceOf(token crypto.Address, holder crypto.Address) (*big.Int, error)
}

// Notification is the payload forwarded to dispatch targets after a fill or
// cancellation commits.
type Notification struct {
	ChainID                uint64
	MandateHash            [32]byte
	ClaimHash              [32]byte
	Claimant               crypto.Address
	ReductionScalingFactor *big.Int
	ClaimAmounts           []*big.Int
	Context                []byte
}

// Notifier delivers a notification synchronously; a nil error means the
// target returned the expected acknowledgment.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Staging brackets the durable writes of one unit of work. The engine opens
// the bracket before the first state-mutating step of a fill, reverts it on
// every abort path and commits it only once the whole unit has succeeded, so
// a failure after the custodian claim leaves zero state change.
type Staging interface {
	Begin()
	Commit() error
	Revert()
}

// FlashGrant describes the provisional custody extended to a borrower during
// claim-and-fill: the claimed amounts it now holds and the fill amounts it
// owes before the unit completes.
type FlashGrant struct {
	ClaimHash    [32]byte
	Claimant     crypto.Address
	ClaimAmounts []*big.Int
	Components   []FillComponent
	FillAmounts  []*big.Int
	Context      []byte
}

// FlashBorrower receives provisional custody and must deliver the owed fill
// amounts before returning FlashAck.
type FlashBorrower interface {
	OnClaim(ctx context.Context, grant FlashGrant) ([32]byte, error)
}

// FillRequest is one attempt to win an auction.
type FillRequest struct {
	Mandate            *Mandate
	Commitments        []Commitment
	Adjustment         *Adjustment
	Claimant           crypto.Address
	Filler             crypto.Address
	Block              BlockContext
	SponsorSignature   []byte
	AllocatorSignature []byte
	Context            []byte
}

// FillResult reports a committed fill.
type FillResult struct {
	ClaimHash    [32]byte
	MandateHash  [32]byte
	FillAmounts  []*big.Int
	ClaimAmounts []*big.Int
	Multiplier   *big.Int
	ExactOut     bool
}

// CancelRequest is a sponsor's terminal close of an auction.
type CancelRequest struct {
	Mandate     *Mandate
	Commitments []Commitment
	Caller      crypto.Address
	Context     []byte
}

// DeferredNotifyRequest retries a notification for an already-committed
// disposition without re-executing the fill.
type DeferredNotifyRequest struct {
	Mandate     *Mandate
	Commitments []Commitment
	Context     []byte
}

// Engine orchestrates fills, cancellations and notifications over the
// disposition ledger. Every public operation is one atomic unit of work;
// a transient single-flight guard rejects re-entrant calls into the
// state-mutating entry points.
type Engine struct {
	chainID   uint64
	ledger    *ledger.Ledger
	custodian Custodian
	vault     Vault
	notifier  Notifier
	staging   Staging
	verifier  SignatureVerifier
	emitter   events.Emitter
	metrics   *metrics.AuctionMetrics
	nowFn     func() int64
	busy      atomic.Bool
}

// NewEngine constructs an engine bound to one chain.
func NewEngine(chainID uint64, led *ledger.Ledger, custodian Custodian, vault Vault) *Engine {
	return &Engine{
		chainID:   chainID,
		ledger:    led,
		custodian: custodian,
		vault:     vault,
		verifier:  ECDSAVerifier{},
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetNotifier configures the dispatch gateway used by the notify variants.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetStaging configures the write-staging bracket shared with the custodian,
// vault and ledger stores. Without one, aborted fills cannot undo the
// custodian claim or the vault transfers that preceded the failure.
func (e *Engine) SetStaging(s Staging) { e.staging = s }

// SetVerifier overrides the adjuster signature scheme. Passing nil restores
// plain ECDSA recovery.
func (e *Engine) SetVerifier(v SignatureVerifier) {
	if v == nil {
		e.verifier = ECDSAVerifier{}
		return
	}
	e.verifier = v
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetMetrics wires the prometheus collectors.
func (e *Engine) SetMetrics(m *metrics.AuctionMetrics) { e.metrics = m }

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Typed) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// enter acquires the single-flight guard; the returned release must run on
// every exit path.
func (e *Engine) enter() (func(), error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { e.busy.Store(false) }, nil
}

func (e *Engine) observedTime(block BlockContext) int64 {
	if block.Timestamp != 0 {
		return int64(block.Timestamp)
	}
	return e.nowFn()
}

// Fill executes a standard fill: the filler pays the fill amounts up front
// and the claimed commitments are released to the claimant.
func (e *Engine) Fill(ctx context.Context, req FillRequest) (*FillResult, error) {
	release, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return e.fill(ctx, req, false, nil)
}

// FillAndNotify is Fill followed by a required synchronous notification; a
// missing or wrong acknowledgment aborts the entire unit.
func (e *Engine) FillAndNotify(ctx context.Context, req FillRequest) (*FillResult, error) {
	release, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return e.fill(ctx, req, true, nil)
}

// ClaimAndFill grants the borrower provisional custody of the claimed
// commitments, then verifies repayment of the owed fill amounts before the
// disposition commits.
func (e *Engine) ClaimAndFill(ctx context.Context, req FillRequest, borrower FlashBorrower) (*FillResult, error) {
	if borrower == nil {
		return nil, errNilBorrower
	}
	release, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return e.fill(ctx, req, false, borrower)
}

func (e *Engine) rejected(reason string, err error) error {
	if e.metrics != nil {
		e.metrics.ObserveFillRejected(reason)
	}
	return err
}

func (e *Engine) fill(ctx context.Context, req FillRequest, notify bool, borrower FlashBorrower) (*FillResult, error) {
	if err := e.checkWiring(notify); err != nil {
		return nil, err
	}
	if req.Mandate == nil {
		return nil, errNilMandate
	}
	if req.Adjustment == nil {
		return nil, errNilAdjustment
	}
	if req.Mandate.ChainID != e.chainID {
		return nil, e.rejected("wrong_chain", fmt.Errorf("%w: mandate chain %d, engine chain %d", ErrWrongChain, req.Mandate.ChainID, e.chainID))
	}

	now := e.observedTime(req.Block)
	if req.Mandate.Expires != 0 && now > int64(req.Mandate.Expires) {
		return nil, e.rejected("expired", fmt.Errorf("%w: at %d", ErrMandateExpired, req.Mandate.Expires))
	}
	fill, err := req.Mandate.Fill(req.Adjustment.FillIndex)
	if err != nil {
		return nil, e.rejected("bad_fill_index", err)
	}
	if fill.Expires != 0 && now > int64(fill.Expires) {
		return nil, e.rejected("expired", fmt.Errorf("%w: at %d", ErrFillExpired, fill.Expires))
	}

	mandateHash, err := req.Mandate.Hash()
	if err != nil {
		return nil, err
	}
	claimHash, err := ClaimHash(req.Mandate, req.Commitments)
	if err != nil {
		return nil, err
	}

	claimant, err := e.ledger.Filled(claimHash)
	if err != nil {
		return nil, err
	}
	if claimant != ([20]byte{}) {
		return nil, e.rejected("already_filled", ledger.ErrAlreadyFilled)
	}

	if err := req.Adjustment.CheckValidityConditions(req.Filler, req.Block.Number); err != nil {
		return nil, e.rejected("validity", err)
	}

	combined, err := curve.ApplySupplemental(fill.PriceCurve, req.Adjustment.SupplementalCurve)
	if err != nil {
		return nil, e.rejected("curve", err)
	}
	maxClaimAmounts := make([]*big.Int, len(req.Commitments))
	for i, c := range req.Commitments {
		maxClaimAmounts[i] = c.MaxAmount
	}
	derived, err := DeriveAmounts(maxClaimAmounts, combined, req.Adjustment.TargetBlock,
		req.Block, fill.Components, fill.BaselinePriorityFee, fill.ScalingFactor)
	if err != nil {
		return nil, e.rejected("derive", err)
	}

	// Authenticity check runs after amounts are derived but strictly
	// before any token movement.
	if err := req.Adjustment.VerifySignature(req.Mandate.Adjuster, claimHash, e.verifier); err != nil {
		return nil, e.rejected("signature", err)
	}

	// Every durable write from here on is staged; an abort on any path
	// below reverts the custodian claim and the vault transfers together.
	if e.staging != nil {
		e.staging.Begin()
	}
	abort := func(reason string, err error) error {
		if e.staging != nil {
			e.staging.Revert()
		}
		return e.rejected(reason, err)
	}

	canonical, err := e.custodian.Claim(ctx, ClaimRequest{
		Commitments:        req.Commitments,
		WitnessHash:        mandateHash,
		Sponsor:            req.Mandate.Sponsor,
		SponsorSignature:   req.SponsorSignature,
		AllocatorSignature: req.AllocatorSignature,
		Claimant:           req.Claimant,
		Amounts:            derived.ClaimAmounts,
	})
	if err != nil {
		return nil, abort("custodian", err)
	}
	if canonical != claimHash {
		return nil, abort("custodian", fmt.Errorf("%w: custodian returned %x, derived %x", ErrClaimHashMismatch, canonical, claimHash))
	}

	if borrower != nil {
		if err := e.collectFlashRepayment(ctx, borrower, req, fill, derived, claimHash); err != nil {
			return nil, abort("repayment", err)
		}
	} else {
		for i, comp := range fill.Components {
			if err := e.vault.TransferFrom(comp.Token, req.Filler, comp.Recipient, derived.FillAmounts[i]); err != nil {
				return nil, abort("transfer", fmt.Errorf("auction engine: component %d: %w", i, err))
			}
		}
	}

	if notify {
		notification := Notification{
			ChainID:                e.chainID,
			MandateHash:            mandateHash,
			ClaimHash:              claimHash,
			Claimant:               req.Claimant,
			ReductionScalingFactor: effectiveFactor(derived),
			ClaimAmounts:           derived.ClaimAmounts,
			Context:                req.Context,
		}
		if err := e.notifier.Notify(ctx, notification); err != nil {
			return nil, abort("dispatch", err)
		}
		e.emit(Dispatched{ClaimHash: claimHash})
	}

	if err := e.ledger.RecordFill(claimHash, req.Claimant.Fixed(), derived.ReductionFactor()); err != nil {
		return nil, abort("ledger", err)
	}
	if e.staging != nil {
		if err := e.staging.Commit(); err != nil {
			return nil, e.rejected("commit", err)
		}
	}

	e.emit(Filled{
		ClaimHash:  claimHash,
		Claimant:   req.Claimant,
		Filler:     req.Filler,
		Multiplier: derived.Multiplier,
		ExactOut:   derived.ExactOut,
	})
	if e.metrics != nil {
		if derived.ExactOut {
			e.metrics.ObserveFill("exact_out")
		} else {
			e.metrics.ObserveFill("exact_in")
		}
	}

	return &FillResult{
		ClaimHash:    claimHash,
		MandateHash:  mandateHash,
		FillAmounts:  derived.FillAmounts,
		ClaimAmounts: derived.ClaimAmounts,
		Multiplier:   derived.Multiplier,
		ExactOut:     derived.ExactOut,
	}, nil
}

// collectFlashRepayment runs the two-phase custody handoff: snapshot the
// recipients, invoke the borrower while it holds the claimed assets, then
// verify every owed component arrived before the unit may finish.
func (e *Engine) collectFlashRepayment(ctx context.Context, borrower FlashBorrower, req FillRequest, fill *Fill, derived *DerivedAmounts, claimHash [32]byte) error {
	before := make([]*big.Int, len(fill.Components))
	for i, comp := range fill.Components {
		balance, err := e.vault.BalanceOf(comp.Token, comp.Recipient)
		if err != nil {
			return err
		}
		before[i] = balance
	}

	ack, err := borrower.OnClaim(ctx, FlashGrant{
		ClaimHash:    claimHash,
		Claimant:     req.Claimant,
		ClaimAmounts: derived.ClaimAmounts,
		Components:   fill.Components,
		FillAmounts:  derived.FillAmounts,
		Context:      req.Context,
	})
	if err != nil {
		return err
	}
	if ack != FlashAck {
		return ErrBadFlashAck
	}

	for i, comp := range fill.Components {
		after, err := e.vault.BalanceOf(comp.Token, comp.Recipient)
		if err != nil {
			return err
		}
		delta := new(big.Int).Sub(after, before[i])
		if delta.Cmp(derived.FillAmounts[i]) < 0 {
			return fmt.Errorf("%w: component %d delivered %s of %s", ErrRepaymentShort, i, delta, derived.FillAmounts[i])
		}
	}
	return nil
}

// Cancel records the sponsor's terminal disposition for the auction. Only
// cancellation remains possible once the fill windows have lapsed.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) ([32]byte, error) {
	release, err := e.enter()
	if err != nil {
		return [32]byte{}, err
	}
	defer release()
	return e.cancel(ctx, req, false)
}

// CancelAndNotify is Cancel followed by a required notification.
func (e *Engine) CancelAndNotify(ctx context.Context, req CancelRequest) ([32]byte, error) {
	release, err := e.enter()
	if err != nil {
		return [32]byte{}, err
	}
	defer release()
	return e.cancel(ctx, req, true)
}

func (e *Engine) cancel(ctx context.Context, req CancelRequest, notify bool) ([32]byte, error) {
	if err := e.checkWiring(notify); err != nil {
		return [32]byte{}, err
	}
	if req.Mandate == nil {
		return [32]byte{}, errNilMandate
	}
	if req.Mandate.ChainID != e.chainID {
		return [32]byte{}, fmt.Errorf("%w: mandate chain %d, engine chain %d", ErrWrongChain, req.Mandate.ChainID, e.chainID)
	}
	if req.Caller != req.Mandate.Sponsor {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrNotSponsor, req.Caller)
	}
	claimHash, err := ClaimHash(req.Mandate, req.Commitments)
	if err != nil {
		return [32]byte{}, err
	}
	mandateHash, err := req.Mandate.Hash()
	if err != nil {
		return [32]byte{}, err
	}

	if notify {
		notification := Notification{
			ChainID:                e.chainID,
			MandateHash:            mandateHash,
			ClaimHash:              claimHash,
			Claimant:               req.Mandate.Sponsor,
			ReductionScalingFactor: new(big.Int),
			ClaimAmounts:           zeroAmounts(len(req.Commitments)),
			Context:                req.Context,
		}
		if err := e.notifier.Notify(ctx, notification); err != nil {
			return [32]byte{}, err
		}
		e.emit(Dispatched{ClaimHash: claimHash})
	}

	if err := e.ledger.RecordCancel(claimHash, req.Mandate.Sponsor.Fixed()); err != nil {
		return [32]byte{}, err
	}

	e.emit(Cancelled{ClaimHash: claimHash, Sponsor: req.Mandate.Sponsor})
	if e.metrics != nil {
		e.metrics.ObserveCancellation()
	}
	return claimHash, nil
}

// BuildDeferredNotification resolves the committed disposition for the
// request into the notification payload without delivering it. Callers that
// queue a failed delivery for later redelivery persist exactly this payload.
func (e *Engine) BuildDeferredNotification(req DeferredNotifyRequest) (Notification, error) {
	if req.Mandate == nil {
		return Notification{}, errNilMandate
	}
	claimHash, err := ClaimHash(req.Mandate, req.Commitments)
	if err != nil {
		return Notification{}, err
	}
	mandateHash, err := req.Mandate.Hash()
	if err != nil {
		return Notification{}, err
	}
	disp, err := e.ledger.Disposition(claimHash)
	if err != nil {
		return Notification{}, err
	}
	if !disp.Filled {
		return Notification{}, fmt.Errorf("%w: %x", ErrNotFilled, claimHash)
	}

	claimAmounts := make([]*big.Int, len(req.Commitments))
	for i, c := range req.Commitments {
		switch {
		case disp.Cancelled:
			claimAmounts[i] = new(big.Int)
		case disp.ScalingFactor.Cmp(curve.ScaleOne()) < 0:
			claimAmounts[i] = mulDivDown(orZero(c.MaxAmount), disp.ScalingFactor)
		default:
			claimAmounts[i] = new(big.Int).Set(orZero(c.MaxAmount))
		}
	}

	claimant, _ := crypto.NewAddress(disp.Claimant[:])
	return Notification{
		ChainID:                e.chainID,
		MandateHash:            mandateHash,
		ClaimHash:              claimHash,
		Claimant:               claimant,
		ReductionScalingFactor: disp.ScalingFactor,
		ClaimAmounts:           claimAmounts,
		Context:                req.Context,
	}, nil
}

// DeferredNotify re-delivers the notification for an already-committed
// disposition. It exists so a failed FillAndNotify dispatch can be retried
// without re-executing the fill.
func (e *Engine) DeferredNotify(ctx context.Context, req DeferredNotifyRequest) error {
	if e.notifier == nil {
		return errEngineNoNotifier
	}
	notification, err := e.BuildDeferredNotification(req)
	if err != nil {
		return err
	}
	if err := e.notifier.Notify(ctx, notification); err != nil {
		return err
	}
	e.emit(Dispatched{ClaimHash: notification.ClaimHash})
	return nil
}

// Quote derives amounts and checks the validity window without touching
// state or verifying the adjuster signature. It is a pure read.
func (e *Engine) Quote(req FillRequest) (*DerivedAmounts, error) {
	if req.Mandate == nil {
		return nil, errNilMandate
	}
	if req.Adjustment == nil {
		return nil, errNilAdjustment
	}
	fill, err := req.Mandate.Fill(req.Adjustment.FillIndex)
	if err != nil {
		return nil, err
	}
	if err := req.Adjustment.CheckValidityConditions(req.Filler, req.Block.Number); err != nil {
		return nil, err
	}
	combined, err := curve.ApplySupplemental(fill.PriceCurve, req.Adjustment.SupplementalCurve)
	if err != nil {
		return nil, err
	}
	maxClaimAmounts := make([]*big.Int, len(req.Commitments))
	for i, c := range req.Commitments {
		maxClaimAmounts[i] = c.MaxAmount
	}
	return DeriveAmounts(maxClaimAmounts, combined, req.Adjustment.TargetBlock,
		req.Block, fill.Components, fill.BaselinePriorityFee, fill.ScalingFactor)
}

func (e *Engine) checkWiring(notify bool) error {
	if e.ledger == nil {
		return errEngineNilLedger
	}
	if e.custodian == nil {
		return errEngineNilCustodian
	}
	if e.vault == nil {
		return errEngineNilVault
	}
	if notify && e.notifier == nil {
		return errEngineNoNotifier
	}
	return nil
}

func effectiveFactor(derived *DerivedAmounts) *big.Int {
	if factor := derived.ReductionFactor(); factor != nil {
		return factor
	}
	return curve.ScaleOne()
}

func zeroAmounts(n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = new(big.Int)
	}
	return out
}
