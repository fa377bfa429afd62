package auction

import (
	"encoding/hex"
	"math/big"

	"blockclear/core/events"
	"blockclear/crypto"
)

const (
	// TypeFilled is emitted when a fill wins a disposition.
	TypeFilled = "auction.filled"
	// TypeCancelled is emitted when a sponsor terminally cancels.
	TypeCancelled = "auction.cancelled"
	// TypeDispatched is emitted after an acknowledged notification.
	TypeDispatched = "auction.dispatched"
)

type Filled struct {
	ClaimHash  [32]byte
	Claimant   crypto.Address
	Filler     crypto.Address
	Multiplier *big.Int
	ExactOut   bool
}

func (Filled) EventType() string { return TypeFilled }

func (e Filled) Event() *events.Event {
	mode := "exact_in"
	if e.ExactOut {
		mode = "exact_out"
	}
	attrs := map[string]string{
		"claimHash": hexHash(e.ClaimHash),
		"claimant":  e.Claimant.String(),
		"filler":    e.Filler.String(),
		"mode":      mode,
	}
	if e.Multiplier != nil {
		attrs["multiplier"] = e.Multiplier.String()
	}
	return &events.Event{Type: TypeFilled, Attributes: attrs}
}

type Cancelled struct {
	ClaimHash [32]byte
	Sponsor   crypto.Address
}

func (Cancelled) EventType() string { return TypeCancelled }

func (e Cancelled) Event() *events.Event {
	return &events.Event{Type: TypeCancelled, Attributes: map[string]string{
		"claimHash": hexHash(e.ClaimHash),
		"sponsor":   e.Sponsor.String(),
	}}
}

type Dispatched struct {
	ClaimHash [32]byte
	Target    string
}

func (Dispatched) EventType() string { return TypeDispatched }

func (e Dispatched) Event() *events.Event {
	return &events.Event{Type: TypeDispatched, Attributes: map[string]string{
		"claimHash": hexHash(e.ClaimHash),
		"target":    e.Target,
	}}
}

func hexHash(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}
