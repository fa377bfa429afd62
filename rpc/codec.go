package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"blockclear/crypto"
	"blockclear/native/auction"
	"blockclear/native/curve"
)

type curveElementJSON struct {
	Duration      uint16 `json:"duration"`
	ScalingFactor string `json:"scalingFactor"`
}

type componentJSON struct {
	Token         string `json:"token"`
	MinimumAmount string `json:"minimumAmount"`
	Recipient     string `json:"recipient"`
	ApplyScaling  bool   `json:"applyScaling"`
}

type fillJSON struct {
	Expires             uint64             `json:"expires"`
	Components          []componentJSON    `json:"components"`
	PriceCurve          []curveElementJSON `json:"priceCurve,omitempty"`
	BaselinePriorityFee string             `json:"baselinePriorityFee"`
	ScalingFactor       string             `json:"scalingFactor"`
	Salt                string             `json:"salt,omitempty"`
}

type mandateJSON struct {
	ChainID  uint64     `json:"chainId"`
	Sponsor  string     `json:"sponsor"`
	Nonce    string     `json:"nonce"`
	Expires  uint64     `json:"expires"`
	Adjuster string     `json:"adjuster"`
	Fills    []fillJSON `json:"fills"`
}

type commitmentJSON struct {
	LockID    string `json:"lockId"`
	Token     string `json:"token"`
	MaxAmount string `json:"maxAmount"`
}

type adjustmentJSON struct {
	FillIndex          uint64             `json:"fillIndex"`
	TargetBlock        uint64             `json:"targetBlock"`
	SupplementalCurve  []curveElementJSON `json:"supplementalCurve,omitempty"`
	ValidityConditions string             `json:"validityConditions,omitempty"`
	Signature          string             `json:"signature,omitempty"`
}

type blockJSON struct {
	Number    uint64 `json:"number"`
	Timestamp uint64 `json:"timestamp,omitempty"`
	BaseFee   string `json:"baseFee"`
	GasPrice  string `json:"gasPrice"`
}

func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s amount: %q", field, raw)
	}
	return value, nil
}

func parseAddress(field, raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, nil
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid %s: %w", field, err)
	}
	return addr, nil
}

func parseHash(field, raw string) ([32]byte, error) {
	var hash [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return hash, nil
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return hash, fmt.Errorf("invalid %s: %w", field, err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("invalid %s: need 32 bytes, got %d", field, len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

func parseHexBytes(field, raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return decoded, nil
}

func parseCurve(field string, elements []curveElementJSON) (curve.Curve, error) {
	if len(elements) == 0 {
		return nil, nil
	}
	out := make(curve.Curve, len(elements))
	for i, el := range elements {
		factor, err := parseAmount(fmt.Sprintf("%s[%d]", field, i), el.ScalingFactor)
		if err != nil {
			return nil, err
		}
		parsed, err := curve.NewElement(el.Duration, factor)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		out[i] = parsed
	}
	return out, nil
}

func decodeMandate(m mandateJSON) (*auction.Mandate, error) {
	sponsor, err := parseAddress("sponsor", m.Sponsor)
	if err != nil {
		return nil, err
	}
	adjuster, err := parseAddress("adjuster", m.Adjuster)
	if err != nil {
		return nil, err
	}
	nonce, err := parseAmount("nonce", m.Nonce)
	if err != nil {
		return nil, err
	}
	mandate := &auction.Mandate{
		ChainID:  m.ChainID,
		Sponsor:  sponsor,
		Nonce:    nonce,
		Expires:  m.Expires,
		Adjuster: adjuster,
		Fills:    make([]auction.Fill, len(m.Fills)),
	}
	for i, f := range m.Fills {
		components := make([]auction.FillComponent, len(f.Components))
		for j, c := range f.Components {
			token, err := parseAddress("component token", c.Token)
			if err != nil {
				return nil, err
			}
			recipient, err := parseAddress("component recipient", c.Recipient)
			if err != nil {
				return nil, err
			}
			minimum, err := parseAmount("component minimum", c.MinimumAmount)
			if err != nil {
				return nil, err
			}
			components[j] = auction.FillComponent{
				Token:         token,
				MinimumAmount: minimum,
				Recipient:     recipient,
				ApplyScaling:  c.ApplyScaling,
			}
		}
		priceCurve, err := parseCurve("priceCurve", f.PriceCurve)
		if err != nil {
			return nil, err
		}
		baseline, err := parseAmount("baselinePriorityFee", f.BaselinePriorityFee)
		if err != nil {
			return nil, err
		}
		scaling, err := parseAmount("scalingFactor", f.ScalingFactor)
		if err != nil {
			return nil, err
		}
		if scaling.Sign() == 0 {
			scaling = curve.ScaleOne()
		}
		salt, err := parseHash("salt", f.Salt)
		if err != nil {
			return nil, err
		}
		mandate.Fills[i] = auction.Fill{
			Expires:             f.Expires,
			Components:          components,
			PriceCurve:          priceCurve,
			BaselinePriorityFee: baseline,
			ScalingFactor:       scaling,
			Salt:                salt,
		}
	}
	return mandate, nil
}

func decodeCommitments(list []commitmentJSON) ([]auction.Commitment, error) {
	out := make([]auction.Commitment, len(list))
	for i, c := range list {
		lockID, err := parseHash("lockId", c.LockID)
		if err != nil {
			return nil, err
		}
		token, err := parseAddress("commitment token", c.Token)
		if err != nil {
			return nil, err
		}
		max, err := parseAmount("maxAmount", c.MaxAmount)
		if err != nil {
			return nil, err
		}
		out[i] = auction.Commitment{LockID: lockID, Token: token, MaxAmount: max}
	}
	return out, nil
}

func decodeAdjustment(a adjustmentJSON) (*auction.Adjustment, error) {
	supplemental, err := parseCurve("supplementalCurve", a.SupplementalCurve)
	if err != nil {
		return nil, err
	}
	signature, err := parseHexBytes("signature", a.Signature)
	if err != nil {
		return nil, err
	}
	adjustment := &auction.Adjustment{
		FillIndex:         a.FillIndex,
		TargetBlock:       a.TargetBlock,
		SupplementalCurve: supplemental,
		Signature:         signature,
	}
	if trimmed := strings.TrimSpace(a.ValidityConditions); trimmed != "" {
		word, err := uint256.FromHex(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid validityConditions: %w", err)
		}
		adjustment.ValidityConditions = word
	}
	return adjustment, nil
}

func decodeBlock(b blockJSON) (auction.BlockContext, error) {
	baseFee, err := parseAmount("baseFee", b.BaseFee)
	if err != nil {
		return auction.BlockContext{}, err
	}
	gasPrice, err := parseAmount("gasPrice", b.GasPrice)
	if err != nil {
		return auction.BlockContext{}, err
	}
	return auction.BlockContext{
		Number:    b.Number,
		Timestamp: b.Timestamp,
		BaseFee:   baseFee,
		GasPrice:  gasPrice,
	}, nil
}

func formatAmounts(amounts []*big.Int) []string {
	out := make([]string, len(amounts))
	for i, amount := range amounts {
		if amount == nil {
			out[i] = "0"
			continue
		}
		out[i] = amount.String()
	}
	return out
}

func hexHash(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}
