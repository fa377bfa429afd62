package dispatch

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"blockclear/native/auction"
	"blockclear/observability/metrics"
)

// Ack is the fixed acknowledgment a dispatch target must echo back. Any
// other response aborts the operation that triggered the notification.
var Ack = "0x" + hex.EncodeToString(ethcrypto.Keccak256([]byte("blockclear/dispatch-ack/v1")))

var (
	// ErrBadAcknowledgment signals a missing or wrong acknowledgment.
	ErrBadAcknowledgment = errors.New("dispatch: acknowledgment mismatch")

	errEmptyTarget = errors.New("dispatch: target URL required")
)

const defaultTimeout = 10 * time.Second

// Envelope is the JSON body posted to a dispatch target.
type Envelope struct {
	DeliveryID             string   `json:"deliveryId"`
	ChainID                uint64   `json:"chainId"`
	MandateHash            string   `json:"mandateHash"`
	ClaimHash              string   `json:"claimHash"`
	Claimant               string   `json:"claimant"`
	ReductionScalingFactor string   `json:"reductionScalingFactor"`
	ClaimAmounts           []string `json:"claimAmounts"`
	Context                string   `json:"context,omitempty"`
}

type ackResponse struct {
	Ack string `json:"ack"`
}

// HTTPDispatcher delivers notifications to a single HTTP target and verifies
// the acknowledgment contract. It implements auction.Notifier.
type HTTPDispatcher struct {
	target  string
	client  *http.Client
	metrics *metrics.AuctionMetrics
}

// NewHTTPDispatcher constructs a dispatcher for the target URL.
func NewHTTPDispatcher(target string, timeout time.Duration) (*HTTPDispatcher, error) {
	if target == "" {
		return nil, errEmptyTarget
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPDispatcher{
		target: target,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// SetMetrics wires the prometheus collectors.
func (d *HTTPDispatcher) SetMetrics(m *metrics.AuctionMetrics) { d.metrics = m }

// Target returns the configured URL.
func (d *HTTPDispatcher) Target() string { return d.target }

// Notify posts the notification and succeeds only when the target echoes the
// expected acknowledgment.
func (d *HTTPDispatcher) Notify(ctx context.Context, n auction.Notification) error {
	envelope := EncodeEnvelope(uuid.NewString(), n)
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("dispatch: encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.observe("error")
		return fmt.Errorf("dispatch: deliver to %s: %w", d.target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.observe("error")
		return fmt.Errorf("dispatch: target %s returned status %d", d.target, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		d.observe("error")
		return fmt.Errorf("dispatch: read response: %w", err)
	}
	var ack ackResponse
	if err := json.Unmarshal(raw, &ack); err != nil {
		d.observe("bad_ack")
		return fmt.Errorf("%w: unparseable response", ErrBadAcknowledgment)
	}
	if ack.Ack != Ack {
		d.observe("bad_ack")
		return fmt.Errorf("%w: got %q", ErrBadAcknowledgment, ack.Ack)
	}
	d.observe("ok")
	return nil
}

func (d *HTTPDispatcher) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.ObserveDispatch(outcome)
	}
}

// EncodeEnvelope renders a notification into its wire form.
func EncodeEnvelope(deliveryID string, n auction.Notification) Envelope {
	amounts := make([]string, len(n.ClaimAmounts))
	for i, amount := range n.ClaimAmounts {
		if amount == nil {
			amounts[i] = "0"
			continue
		}
		amounts[i] = amount.String()
	}
	factor := "0"
	if n.ReductionScalingFactor != nil {
		factor = n.ReductionScalingFactor.String()
	}
	envelope := Envelope{
		DeliveryID:             deliveryID,
		ChainID:                n.ChainID,
		MandateHash:            "0x" + hex.EncodeToString(n.MandateHash[:]),
		ClaimHash:              "0x" + hex.EncodeToString(n.ClaimHash[:]),
		Claimant:               n.Claimant.String(),
		ReductionScalingFactor: factor,
		ClaimAmounts:           amounts,
	}
	if len(n.Context) > 0 {
		envelope.Context = "0x" + hex.EncodeToString(n.Context)
	}
	return envelope
}
