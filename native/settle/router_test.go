package settle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"blockclear/core/events"
	"blockclear/crypto"
	"blockclear/native/ledger"
	"blockclear/storage"
)

func testAddress(fill byte) crypto.Address {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.MustAddress(raw)
}

type depositCall struct {
	token     crypto.Address
	lockID    [32]byte
	recipient crypto.Address
	amount    *big.Int
	witness   [32]byte
	nonce     *big.Int
}

type mockCustodian struct {
	deposits   []depositCall
	registered [32]byte
}

func (m *mockCustodian) Deposit(ctx context.Context, token crypto.Address, lockID [32]byte, recipient crypto.Address, amount *big.Int) error {
	m.deposits = append(m.deposits, depositCall{token: token, lockID: lockID, recipient: recipient, amount: amount})
	return nil
}

func (m *mockCustodian) DepositAndRegister(ctx context.Context, token crypto.Address, lockID [32]byte, recipient crypto.Address, amount *big.Int, witness [32]byte, nonce *big.Int) ([32]byte, error) {
	m.deposits = append(m.deposits, depositCall{token: token, lockID: lockID, recipient: recipient, amount: amount, witness: witness, nonce: nonce})
	return m.registered, nil
}

type mockAllocator struct {
	nonce    *big.Int
	prepared int
	executed int
}

func (m *mockAllocator) Prepare(ctx context.Context, token crypto.Address, amount *big.Int, witness [32]byte) (*big.Int, error) {
	m.prepared++
	return m.nonce, nil
}

func (m *mockAllocator) Execute(ctx context.Context, token crypto.Address, amount *big.Int, witness [32]byte, nonce *big.Int) error {
	if nonce.Cmp(m.nonce) != 0 {
		return errors.New("mock allocator: nonce drift")
	}
	m.executed++
	return nil
}

type transfer struct {
	token  crypto.Address
	to     crypto.Address
	amount *big.Int
}

type mockPool struct {
	balance   *big.Int
	transfers []transfer
}

func (m *mockPool) BalanceOf(token crypto.Address) (*big.Int, error) {
	return new(big.Int).Set(m.balance), nil
}

func (m *mockPool) Transfer(token crypto.Address, to crypto.Address, amount *big.Int) error {
	m.transfers = append(m.transfers, transfer{token: token, to: to, amount: amount})
	m.balance = new(big.Int).Sub(m.balance, amount)
	return nil
}

type routerHarness struct {
	router    *Router
	ledger    *ledger.Ledger
	custodian *mockCustodian
	allocator *mockAllocator
	pool      *mockPool
	recorder  *events.Recorder
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	h := &routerHarness{
		ledger:    ledger.New(storage.NewMemDB()),
		custodian: &mockCustodian{registered: [32]byte{0xEE}},
		allocator: &mockAllocator{nonce: big.NewInt(9)},
		pool:      &mockPool{balance: big.NewInt(4000)},
		recorder:  &events.Recorder{},
	}
	h.router = NewRouter(h.ledger, h.custodian, h.allocator, h.pool)
	h.router.SetEmitter(h.recorder)
	return h
}

func TestForwardToFillerWhenDirectFillWon(t *testing.T) {
	h := newRouterHarness(t)
	source := [32]byte{0x01}
	winner := testAddress(0xAA)
	if err := h.ledger.RecordFill(source, winner.Fixed(), nil); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	outcome, err := h.router.SettleOrRegister(context.Background(), source, TargetParams{
		Token:     testAddress(0x01),
		LockID:    [32]byte{0x02},
		Recipient: testAddress(0xBB),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Mode != ModeForwardToFiller {
		t.Fatalf("mode: got %s", outcome.Mode)
	}
	if outcome.Recipient != winner {
		t.Fatal("balance not redirected to the recorded claimant")
	}
	if len(h.pool.transfers) != 1 || h.pool.transfers[0].amount.Cmp(big.NewInt(4000)) != 0 {
		t.Fatalf("transfers: %+v", h.pool.transfers)
	}
	if len(h.custodian.deposits) != 0 {
		t.Fatal("custodian touched in forwarding mode")
	}

	// A later bridge arrival for the same hash forwards the new balance to
	// the same claimant; no registration ever happens.
	h.pool.balance = big.NewInt(700)
	outcome, err = h.router.SettleOrRegister(context.Background(), source, TargetParams{
		Token:     testAddress(0x01),
		LockID:    [32]byte{0x02},
		Recipient: testAddress(0xBB),
	})
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if outcome.Mode != ModeForwardToFiller || outcome.Recipient != winner {
		t.Fatalf("second settle: mode %s recipient %s", outcome.Mode, outcome.Recipient)
	}
	if len(h.pool.transfers) != 2 || h.pool.transfers[1].amount.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("transfers after second settle: %+v", h.pool.transfers)
	}
	if len(h.custodian.deposits) != 0 {
		t.Fatal("custodian touched on repeat settlement")
	}
}

func TestDirectTransferWithoutLock(t *testing.T) {
	h := newRouterHarness(t)
	recipient := testAddress(0xBB)

	outcome, err := h.router.SettleOrRegister(context.Background(), [32]byte{0x01}, TargetParams{
		Token:     testAddress(0x01),
		Recipient: recipient,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Mode != ModeDirectTransfer || outcome.Recipient != recipient {
		t.Fatalf("outcome: %+v", outcome)
	}
	if len(h.pool.transfers) != 1 || h.pool.transfers[0].to != recipient {
		t.Fatalf("transfers: %+v", h.pool.transfers)
	}
}

func TestDirectTransferFallsBackToSponsor(t *testing.T) {
	h := newRouterHarness(t)
	sponsor := testAddress(0xCC)

	outcome, err := h.router.SettleOrRegister(context.Background(), [32]byte{0x01}, TargetParams{
		Token:   testAddress(0x01),
		Sponsor: sponsor,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Recipient != sponsor {
		t.Fatal("sponsor fallback not applied")
	}
}

func TestDirectTransferWithoutAnyRecipient(t *testing.T) {
	h := newRouterHarness(t)
	if _, err := h.router.SettleOrRegister(context.Background(), [32]byte{0x01}, TargetParams{
		Token: testAddress(0x01),
	}); !errors.Is(err, errNoRecipient) {
		t.Fatalf("got %v, want errNoRecipient", err)
	}
}

func TestDepositOnlyWithoutMandate(t *testing.T) {
	h := newRouterHarness(t)
	lockID := [32]byte{0x02}

	outcome, err := h.router.SettleOrRegister(context.Background(), [32]byte{0x01}, TargetParams{
		Token:     testAddress(0x01),
		LockID:    lockID,
		Recipient: testAddress(0xBB),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Mode != ModeDepositOnly {
		t.Fatalf("mode: got %s", outcome.Mode)
	}
	if len(h.custodian.deposits) != 1 {
		t.Fatalf("deposits: %+v", h.custodian.deposits)
	}
	deposit := h.custodian.deposits[0]
	if deposit.lockID != lockID || deposit.amount.Cmp(big.NewInt(4000)) != 0 || deposit.nonce != nil {
		t.Fatalf("deposit call: %+v", deposit)
	}
}

func TestAllocatedRegisterOnZeroNonce(t *testing.T) {
	h := newRouterHarness(t)
	mandateHash := [32]byte{0x03}

	outcome, err := h.router.SettleOrRegister(context.Background(), [32]byte{0x01}, TargetParams{
		Token:       testAddress(0x01),
		LockID:      [32]byte{0x02},
		Recipient:   testAddress(0xBB),
		MandateHash: mandateHash,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Mode != ModeAllocatedRegister {
		t.Fatalf("mode: got %s", outcome.Mode)
	}
	if outcome.RegisteredClaimHash != h.custodian.registered {
		t.Fatal("registered claim hash not propagated")
	}
	if h.allocator.prepared != 1 || h.allocator.executed != 1 {
		t.Fatalf("allocator hooks: prepared=%d executed=%d", h.allocator.prepared, h.allocator.executed)
	}
	deposit := h.custodian.deposits[0]
	if deposit.nonce.Cmp(big.NewInt(9)) != 0 || deposit.witness != mandateHash {
		t.Fatalf("deposit call: %+v", deposit)
	}
}

func TestRegisterWithSuppliedNonce(t *testing.T) {
	h := newRouterHarness(t)

	outcome, err := h.router.SettleOrRegister(context.Background(), [32]byte{0x01}, TargetParams{
		Token:       testAddress(0x01),
		LockID:      [32]byte{0x02},
		Recipient:   testAddress(0xBB),
		MandateHash: [32]byte{0x03},
		Nonce:       big.NewInt(77),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Mode != ModeRegister {
		t.Fatalf("mode: got %s", outcome.Mode)
	}
	if h.allocator.prepared != 0 {
		t.Fatal("allocator invoked despite explicit nonce")
	}
	if h.custodian.deposits[0].nonce.Cmp(big.NewInt(77)) != 0 {
		t.Fatalf("deposit call: %+v", h.custodian.deposits[0])
	}
}

func TestSettleEmitsEvent(t *testing.T) {
	h := newRouterHarness(t)
	if _, err := h.router.SettleOrRegister(context.Background(), [32]byte{0x01}, TargetParams{
		Token:     testAddress(0x01),
		Recipient: testAddress(0xBB),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.recorder.Events) != 1 || h.recorder.Events[0].Type != TypeSettled {
		t.Fatalf("events: %+v", h.recorder.Events)
	}
}
