package settle

import (
	"encoding/hex"
	"math/big"

	"blockclear/core/events"
	"blockclear/crypto"
)

// TypeSettled is emitted once a settle-or-register branch completes.
const TypeSettled = "auction.settled"

type Settled struct {
	SourceClaimHash [32]byte
	Mode            Mode
	Recipient       crypto.Address
	Amount          *big.Int
}

func (Settled) EventType() string { return TypeSettled }

func (e Settled) Event() *events.Event {
	attrs := map[string]string{
		"sourceClaimHash": "0x" + hex.EncodeToString(e.SourceClaimHash[:]),
		"mode":            e.Mode.String(),
		"recipient":       e.Recipient.String(),
	}
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	return &events.Event{Type: TypeSettled, Attributes: attrs}
}
