package custody

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"blockclear/crypto"
	"blockclear/storage"
)

var (
	ErrUnknownReservation  = errors.New("custody allocator: unknown reservation")
	ErrReservationMismatch = errors.New("custody allocator: execute does not match prepared reservation")
)

var seqKey = []byte("custody/allocator/seq")

func reservationKey(nonce *big.Int) []byte {
	return []byte(fmt.Sprintf("custody/allocator/reservation/%x", nonce))
}

type reservationRecord struct {
	Token   [20]byte
	Amount  *big.Int
	Witness [32]byte
}

// SequenceAllocator hands out monotonically increasing nonces and holds a
// reservation between the prepare and execute halves of an allocated
// registration.
type SequenceAllocator struct {
	mu sync.Mutex
	db storage.Database
}

func NewSequenceAllocator(db storage.Database) *SequenceAllocator {
	return &SequenceAllocator{db: db}
}

func (a *SequenceAllocator) nextNonce() (*big.Int, error) {
	var seq uint64
	raw, err := a.db.Get(seqKey)
	switch {
	case err == nil:
		seq = binary.BigEndian.Uint64(raw)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := a.db.Put(seqKey, buf); err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(seq), nil
}

// Prepare assigns the next nonce and records what Execute must later match.
func (a *SequenceAllocator) Prepare(ctx context.Context, token crypto.Address, amount *big.Int, witness [32]byte) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	nonce, err := a.nextNonce()
	if err != nil {
		return nil, err
	}
	encoded, err := rlp.EncodeToBytes(&reservationRecord{
		Token:   token.Fixed(),
		Amount:  orZero(amount),
		Witness: witness,
	})
	if err != nil {
		return nil, err
	}
	if err := a.db.Put(reservationKey(nonce), encoded); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Execute consumes the reservation made by Prepare for the same nonce.
func (a *SequenceAllocator) Execute(ctx context.Context, token crypto.Address, amount *big.Int, witness [32]byte, nonce *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, err := a.db.Get(reservationKey(nonce))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: nonce %s", ErrUnknownReservation, nonce)
		}
		return err
	}
	var record reservationRecord
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return fmt.Errorf("custody allocator: corrupt reservation for nonce %s: %w", nonce, err)
	}
	if record.Token != token.Fixed() || record.Witness != witness || record.Amount.Cmp(orZero(amount)) != 0 {
		return fmt.Errorf("%w: nonce %s", ErrReservationMismatch, nonce)
	}
	return a.db.Delete(reservationKey(nonce))
}
