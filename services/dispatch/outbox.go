package dispatch

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"blockclear/crypto"
	"blockclear/native/auction"
)

var (
	outboxBucket = []byte("dispatch_outbox")

	errOutboxClosed = errors.New("dispatch outbox: database not open")
)

// Delivery is one queued notification awaiting a successful acknowledgment.
type Delivery struct {
	ID           string
	Notification auction.Notification
	Attempts     uint32
}

type deliveryRecord struct {
	ChainID      uint64
	MandateHash  [32]byte
	ClaimHash    [32]byte
	Claimant     [20]byte
	Factor       *big.Int
	ClaimAmounts []*big.Int
	Context      []byte
	Attempts     uint32
}

// Outbox durably queues notifications whose synchronous delivery is deferred,
// so the retry worker can drain them across restarts.
type Outbox struct {
	db *bolt.DB
}

// OpenOutbox opens (or creates) the outbox database at path.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatch outbox: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboxBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Outbox{db: db}, nil
}

// Close releases the underlying database.
func (o *Outbox) Close() error {
	if o == nil || o.db == nil {
		return nil
	}
	return o.db.Close()
}

// Enqueue persists a notification for later delivery and returns its
// delivery ID.
func (o *Outbox) Enqueue(n auction.Notification) (string, error) {
	if o == nil || o.db == nil {
		return "", errOutboxClosed
	}
	id := uuid.NewString()
	record := deliveryRecord{
		ChainID:      n.ChainID,
		MandateHash:  n.MandateHash,
		ClaimHash:    n.ClaimHash,
		Claimant:     n.Claimant.Fixed(),
		Factor:       orZero(n.ReductionScalingFactor),
		ClaimAmounts: amountsOrZero(n.ClaimAmounts),
		Context:      n.Context,
	}
	encoded, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return "", err
	}
	err = o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Put([]byte(id), encoded)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Pending lists every queued delivery.
func (o *Outbox) Pending() ([]Delivery, error) {
	if o == nil || o.db == nil {
		return nil, errOutboxClosed
	}
	var out []Delivery
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(k, v []byte) error {
			var record deliveryRecord
			if err := rlp.DecodeBytes(v, &record); err != nil {
				return fmt.Errorf("dispatch outbox: corrupt record %s: %w", k, err)
			}
			out = append(out, Delivery{
				ID:           string(k),
				Notification: record.notification(),
				Attempts:     record.Attempts,
			})
			return nil
		})
	})
	return out, err
}

// MarkAttempt bumps the attempt counter after a failed delivery.
func (o *Outbox) MarkAttempt(id string) error {
	if o == nil || o.db == nil {
		return errOutboxClosed
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(outboxBucket)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var record deliveryRecord
		if err := rlp.DecodeBytes(raw, &record); err != nil {
			return err
		}
		record.Attempts++
		encoded, err := rlp.EncodeToBytes(&record)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), encoded)
	})
}

// Acknowledge removes a delivered notification from the queue.
func (o *Outbox) Acknowledge(id string) error {
	if o == nil || o.db == nil {
		return errOutboxClosed
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete([]byte(id))
	})
}

func (r deliveryRecord) notification() auction.Notification {
	claimant, _ := crypto.NewAddress(r.Claimant[:])
	return auction.Notification{
		ChainID:                r.ChainID,
		MandateHash:            r.MandateHash,
		ClaimHash:              r.ClaimHash,
		Claimant:               claimant,
		ReductionScalingFactor: r.Factor,
		ClaimAmounts:           r.ClaimAmounts,
		Context:                r.Context,
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func amountsOrZero(amounts []*big.Int) []*big.Int {
	out := make([]*big.Int, len(amounts))
	for i, amount := range amounts {
		out[i] = orZero(amount)
	}
	return out
}
