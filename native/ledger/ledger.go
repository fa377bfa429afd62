package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"blockclear/native/curve"
	"blockclear/storage"
)

var (
	// ErrAlreadyFilled signals that a disposition exists for the claim
	// hash; the caller lost the race and must abort.
	ErrAlreadyFilled = errors.New("disposition ledger: already filled")

	errNilDatabase     = errors.New("disposition ledger: database not configured")
	errZeroClaimant    = errors.New("disposition ledger: claimant required")
	errFactorAboveUnit = errors.New("disposition ledger: stored scaling factor must be below neutral")
)

var (
	claimantPrefix = []byte("disposition/claimant/")
	scalingPrefix  = []byte("disposition/scaling/")
)

// Disposition is the recorded outcome for one claim hash. ScalingFactor is
// the neutral 1e18 when no reduction was stored and zero when the auction was
// cancelled.
type Disposition struct {
	Claimant      [20]byte
	Filled        bool
	Cancelled     bool
	ScalingFactor *big.Int
}

type scalingRecord struct {
	Cancelled bool
	Factor    *big.Int
}

// Ledger is the sole durable state surface of the settlement engine: two
// write-once maps keyed by claim hash. Whichever caller commits first wins;
// entries are never updated or deleted.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

// New creates a ledger backed by the provided database.
func New(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func claimantKey(hash [32]byte) []byte {
	return append(append([]byte{}, claimantPrefix...), hash[:]...)
}

func scalingKey(hash [32]byte) []byte {
	return append(append([]byte{}, scalingPrefix...), hash[:]...)
}

// RecordFill commits claimant as the winner of the claim hash. A reduction
// factor strictly below neutral is persisted alongside; the neutral factor is
// left unset. Fails with ErrAlreadyFilled when any disposition exists.
func (l *Ledger) RecordFill(hash [32]byte, claimant [20]byte, factor *big.Int) error {
	if l == nil || l.db == nil {
		return errNilDatabase
	}
	if claimant == ([20]byte{}) {
		return errZeroClaimant
	}
	scale := curve.ScaleOne()
	if factor != nil && factor.Cmp(scale) > 0 {
		return fmt.Errorf("%w: %s", errFactorAboveUnit, factor)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.db.Has(claimantKey(hash))
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyFilled
	}
	if err := l.db.Put(claimantKey(hash), claimant[:]); err != nil {
		return err
	}
	if factor != nil && factor.Cmp(scale) < 0 {
		encoded, err := rlp.EncodeToBytes(&scalingRecord{Factor: factor})
		if err != nil {
			return err
		}
		if err := l.db.Put(scalingKey(hash), encoded); err != nil {
			return err
		}
	}
	return nil
}

// RecordCancel commits the sponsor as claimant together with the cancellation
// sentinel, permanently closing the auction. Sponsor authorization is the
// caller's responsibility; the ledger only arbitrates the write-once rule.
func (l *Ledger) RecordCancel(hash [32]byte, sponsor [20]byte) error {
	if l == nil || l.db == nil {
		return errNilDatabase
	}
	if sponsor == ([20]byte{}) {
		return errZeroClaimant
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.db.Has(claimantKey(hash))
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyFilled
	}
	if err := l.db.Put(claimantKey(hash), sponsor[:]); err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(&scalingRecord{Cancelled: true})
	if err != nil {
		return err
	}
	return l.db.Put(scalingKey(hash), encoded)
}

// Filled returns the recorded claimant, or the zero address when no
// disposition exists.
func (l *Ledger) Filled(hash [32]byte) ([20]byte, error) {
	var claimant [20]byte
	if l == nil || l.db == nil {
		return claimant, errNilDatabase
	}
	raw, err := l.db.Get(claimantKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return claimant, nil
	}
	if err != nil {
		return claimant, err
	}
	if len(raw) != len(claimant) {
		return claimant, fmt.Errorf("disposition ledger: corrupt claimant record of %d bytes", len(raw))
	}
	copy(claimant[:], raw)
	return claimant, nil
}

// ScalingFactor returns the recorded reduction factor: neutral when unset,
// zero when the cancellation sentinel is present.
func (l *Ledger) ScalingFactor(hash [32]byte) (*big.Int, error) {
	if l == nil || l.db == nil {
		return nil, errNilDatabase
	}
	raw, err := l.db.Get(scalingKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return curve.ScaleOne(), nil
	}
	if err != nil {
		return nil, err
	}
	var record scalingRecord
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return nil, fmt.Errorf("disposition ledger: corrupt scaling record: %w", err)
	}
	if record.Cancelled {
		return new(big.Int), nil
	}
	return record.Factor, nil
}

// Disposition resolves both write-once fields for a claim hash.
func (l *Ledger) Disposition(hash [32]byte) (Disposition, error) {
	claimant, err := l.Filled(hash)
	if err != nil {
		return Disposition{}, err
	}
	disp := Disposition{
		Claimant:      claimant,
		Filled:        claimant != ([20]byte{}),
		ScalingFactor: curve.ScaleOne(),
	}
	raw, err := l.db.Get(scalingKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return disp, nil
	}
	if err != nil {
		return Disposition{}, err
	}
	var record scalingRecord
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return Disposition{}, fmt.Errorf("disposition ledger: corrupt scaling record: %w", err)
	}
	if record.Cancelled {
		disp.Cancelled = true
		disp.ScalingFactor = new(big.Int)
	} else {
		disp.ScalingFactor = record.Factor
	}
	return disp, nil
}

// Dispositions is the batch form of Disposition, resolving many claim hashes
// in one call.
func (l *Ledger) Dispositions(hashes [][32]byte) ([]Disposition, error) {
	out := make([]Disposition, 0, len(hashes))
	for _, hash := range hashes {
		disp, err := l.Disposition(hash)
		if err != nil {
			return nil, err
		}
		out = append(out, disp)
	}
	return out, nil
}
