package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"blockclear/crypto"
	"blockclear/native/auction"
	"blockclear/storage"
)

var (
	ErrLockExists          = errors.New("custody custodian: lock already exists")
	ErrUnknownLock         = errors.New("custody custodian: unknown lock")
	ErrLockTokenMismatch   = errors.New("custody custodian: lock token mismatch")
	ErrLockSponsorMismatch = errors.New("custody custodian: lock sponsor mismatch")
	ErrInsufficientLock    = errors.New("custody custodian: lock balance below claim amount")
	ErrBadSponsorSignature = errors.New("custody custodian: sponsor signature does not recover sponsor")
	ErrAmountCount         = errors.New("custody custodian: amount count does not match commitments")
)

type lockRecord struct {
	Token     [20]byte
	Owner     [20]byte
	Remaining *big.Int
	Nonce     *big.Int
	Expires   uint64
}

func lockKey(lockID [32]byte) []byte {
	return []byte(fmt.Sprintf("custody/lock/%x", lockID))
}

// Custodian escrows sponsor value under named locks and releases it against
// claim digests. It serves both the fill path (Claim) and the settlement
// deposit modes.
type Custodian struct {
	mu      sync.Mutex
	db      storage.Database
	vault   *Vault
	chainID uint64
	// source, when set, funds settlement deposits from a vault account
	// instead of treating them as externally arrived value.
	source crypto.Address
}

func NewCustodian(db storage.Database, vault *Vault, chainID uint64) *Custodian {
	return &Custodian{db: db, vault: vault, chainID: chainID}
}

// SetSource names the vault account debited by Deposit and
// DepositAndRegister. A zero source credits locks without a matching debit.
func (c *Custodian) SetSource(source crypto.Address) { c.source = source }

func (c *Custodian) loadLock(lockID [32]byte) (*lockRecord, error) {
	raw, err := c.db.Get(lockKey(lockID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %x", ErrUnknownLock, lockID)
		}
		return nil, err
	}
	var record lockRecord
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return nil, fmt.Errorf("custody custodian: corrupt lock %x: %w", lockID, err)
	}
	return &record, nil
}

func (c *Custodian) storeLock(lockID [32]byte, record *lockRecord) error {
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	return c.db.Put(lockKey(lockID), encoded)
}

// Lock escrows amount of the owner's token balance under lockID. The nonce
// and expiry become part of every claim digest derived over the lock.
func (c *Custodian) Lock(lockID [32]byte, token, owner crypto.Address, amount, nonce *big.Int, expires uint64) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.loadLock(lockID); err == nil {
		return fmt.Errorf("%w: %x", ErrLockExists, lockID)
	} else if !errors.Is(err, ErrUnknownLock) {
		return err
	}
	if err := c.vault.TransferFrom(token, owner, crypto.Address{}, amount); err != nil {
		return err
	}
	return c.storeLock(lockID, &lockRecord{
		Token:     token.Fixed(),
		Owner:     owner.Fixed(),
		Remaining: new(big.Int).Set(amount),
		Nonce:     orZero(nonce),
		Expires:   expires,
	})
}

// LockBalance reports the remaining escrowed amount under lockID.
func (c *Custodian) LockBalance(lockID [32]byte) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, err := c.loadLock(lockID)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(record.Remaining), nil
}

// Claim releases the claimed amounts out of each commitment's lock to the
// claimant and returns the claim digest it derived from its own records. The
// caller compares that digest against its canonical hash; any divergence in
// nonce, expiry or commitment set surfaces as a mismatch there.
func (c *Custodian) Claim(ctx context.Context, req auction.ClaimRequest) ([32]byte, error) {
	if len(req.Amounts) != len(req.Commitments) {
		return [32]byte{}, ErrAmountCount
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	locks := make([]*lockRecord, len(req.Commitments))
	var nonce *big.Int
	var expires uint64
	for i, commitment := range req.Commitments {
		record, err := c.loadLock(commitment.LockID)
		if err != nil {
			return [32]byte{}, err
		}
		if record.Token != commitment.Token.Fixed() {
			return [32]byte{}, fmt.Errorf("%w: lock %x", ErrLockTokenMismatch, commitment.LockID)
		}
		if record.Owner != req.Sponsor.Fixed() {
			return [32]byte{}, fmt.Errorf("%w: lock %x", ErrLockSponsorMismatch, commitment.LockID)
		}
		if record.Remaining.Cmp(orZero(req.Amounts[i])) < 0 {
			return [32]byte{}, fmt.Errorf("%w: lock %x holds %s, need %s", ErrInsufficientLock, commitment.LockID, record.Remaining, req.Amounts[i])
		}
		if i == 0 {
			nonce = record.Nonce
			expires = record.Expires
		}
		locks[i] = record
	}

	digest, err := auction.ClaimDigest(c.chainID, req.Sponsor, nonce, expires, req.Commitments, req.WitnessHash)
	if err != nil {
		return [32]byte{}, err
	}
	if len(req.SponsorSignature) > 0 {
		signer, err := crypto.RecoverSigner(digest[:], req.SponsorSignature)
		if err != nil {
			return [32]byte{}, fmt.Errorf("%w: %v", ErrBadSponsorSignature, err)
		}
		if signer != req.Sponsor {
			return [32]byte{}, fmt.Errorf("%w: recovered %s", ErrBadSponsorSignature, signer)
		}
	}

	for i, commitment := range req.Commitments {
		amount := orZero(req.Amounts[i])
		locks[i].Remaining = new(big.Int).Sub(locks[i].Remaining, amount)
		if err := c.storeLock(commitment.LockID, locks[i]); err != nil {
			return [32]byte{}, err
		}
		if err := c.vault.TransferFrom(commitment.Token, crypto.Address{}, req.Claimant, amount); err != nil {
			return [32]byte{}, err
		}
	}
	return digest, nil
}

// Deposit escrows amount under lockID for the recipient without registering
// an auction over it.
func (c *Custodian) Deposit(ctx context.Context, token crypto.Address, lockID [32]byte, recipient crypto.Address, amount *big.Int) error {
	_, err := c.deposit(token, lockID, recipient, amount, nil)
	return err
}

// DepositAndRegister escrows amount under lockID and derives the claim hash
// of the auction registered over the fresh lock.
func (c *Custodian) DepositAndRegister(ctx context.Context, token crypto.Address, lockID [32]byte, recipient crypto.Address, amount *big.Int, witness [32]byte, nonce *big.Int) ([32]byte, error) {
	record, err := c.deposit(token, lockID, recipient, amount, nonce)
	if err != nil {
		return [32]byte{}, err
	}
	commitment := auction.Commitment{LockID: lockID, Token: token, MaxAmount: new(big.Int).Set(record.Remaining)}
	return auction.ClaimDigest(c.chainID, recipient, nonce, record.Expires, []auction.Commitment{commitment}, witness)
}

func (c *Custodian) deposit(token crypto.Address, lockID [32]byte, recipient crypto.Address, amount, nonce *big.Int) (*lockRecord, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Keep the escrow account solvent: deposits either move funds out of
	// the configured source or represent externally arrived value.
	if c.source.IsZero() {
		if err := c.vault.Credit(token, crypto.Address{}, amount); err != nil {
			return nil, err
		}
	} else {
		if err := c.vault.TransferFrom(token, c.source, crypto.Address{}, amount); err != nil {
			return nil, err
		}
	}

	record, err := c.loadLock(lockID)
	switch {
	case err == nil:
		if record.Token != token.Fixed() {
			return nil, fmt.Errorf("%w: lock %x", ErrLockTokenMismatch, lockID)
		}
		record.Remaining = new(big.Int).Add(record.Remaining, amount)
		if nonce != nil {
			record.Nonce = orZero(nonce)
		}
	case errors.Is(err, ErrUnknownLock):
		record = &lockRecord{
			Token:     token.Fixed(),
			Owner:     recipient.Fixed(),
			Remaining: new(big.Int).Set(amount),
			Nonce:     orZero(nonce),
		}
	default:
		return nil, err
	}
	if err := c.storeLock(lockID, record); err != nil {
		return nil, err
	}
	return record, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
