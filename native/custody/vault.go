package custody

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"blockclear/crypto"
	"blockclear/storage"
)

var (
	ErrInsufficientBalance = errors.New("custody vault: insufficient balance")
	ErrInvalidAmount       = errors.New("custody vault: amount must be positive")
)

// Vault keeps per-token, per-holder balances in the key-value store. It backs
// both the fill-side token movements and the settlement pool.
type Vault struct {
	mu sync.Mutex
	db storage.Database
}

func NewVault(db storage.Database) *Vault {
	return &Vault{db: db}
}

func balanceKey(token, holder crypto.Address) []byte {
	return []byte(fmt.Sprintf("custody/balance/%x/%x", token.Bytes(), holder.Bytes()))
}

func (v *Vault) loadBalance(token, holder crypto.Address) (*big.Int, error) {
	raw, err := v.db.Get(balanceKey(token, holder))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return new(big.Int), nil
		}
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (v *Vault) storeBalance(token, holder crypto.Address, balance *big.Int) error {
	return v.db.Put(balanceKey(token, holder), balance.Bytes())
}

// BalanceOf returns the holder's balance of token, zero when never funded.
func (v *Vault) BalanceOf(token, holder crypto.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadBalance(token, holder)
}

// Credit adds amount to the holder's balance. New value entering the system
// (bridge arrivals, test funding) comes through here.
func (v *Vault) Credit(token, holder crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	balance, err := v.loadBalance(token, holder)
	if err != nil {
		return err
	}
	return v.storeBalance(token, holder, balance.Add(balance, amount))
}

// TransferFrom moves amount of token from one holder to another.
func (v *Vault) TransferFrom(token crypto.Address, from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.move(token, from, to, amount)
}

// move requires v.mu held.
func (v *Vault) move(token crypto.Address, from, to crypto.Address, amount *big.Int) error {
	source, err := v.loadBalance(token, from)
	if err != nil {
		return err
	}
	if source.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, need %s", ErrInsufficientBalance, from, source, token, amount)
	}
	dest, err := v.loadBalance(token, to)
	if err != nil {
		return err
	}
	if err := v.storeBalance(token, from, source.Sub(source, amount)); err != nil {
		return err
	}
	return v.storeBalance(token, to, dest.Add(dest, amount))
}

// Pool narrows a Vault to one owning account, the view the settlement router
// takes of its own holdings.
type Pool struct {
	vault *Vault
	owner crypto.Address
}

func NewPool(vault *Vault, owner crypto.Address) *Pool {
	return &Pool{vault: vault, owner: owner}
}

func (p *Pool) Owner() crypto.Address { return p.owner }

func (p *Pool) BalanceOf(token crypto.Address) (*big.Int, error) {
	return p.vault.BalanceOf(token, p.owner)
}

func (p *Pool) Transfer(token crypto.Address, to crypto.Address, amount *big.Int) error {
	return p.vault.TransferFrom(token, p.owner, to, amount)
}
