package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"blockclear/native/auction"
	"blockclear/native/curve"
	"blockclear/native/ledger"
	"blockclear/native/settle"
)

type fillParams struct {
	Mandate            mandateJSON      `json:"mandate"`
	Commitments        []commitmentJSON `json:"commitments"`
	Adjustment         adjustmentJSON   `json:"adjustment"`
	Claimant           string           `json:"claimant"`
	Filler             string           `json:"filler"`
	Block              blockJSON        `json:"block"`
	SponsorSignature   string           `json:"sponsorSignature,omitempty"`
	AllocatorSignature string           `json:"allocatorSignature,omitempty"`
	Context            string           `json:"context,omitempty"`
	Notify             bool             `json:"notify,omitempty"`
	BorrowerURL        string           `json:"borrowerUrl,omitempty"`
}

type fillResultJSON struct {
	ClaimHash    string   `json:"claimHash"`
	MandateHash  string   `json:"mandateHash"`
	FillAmounts  []string `json:"fillAmounts"`
	ClaimAmounts []string `json:"claimAmounts"`
	Multiplier   string   `json:"multiplier"`
	Mode         string   `json:"mode"`
}

func (s *Server) decodeFillRequest(w http.ResponseWriter, r *http.Request) (*fillParams, *auction.FillRequest, bool) {
	var params fillParams
	if !decodeBody(w, r, &params) {
		return nil, nil, false
	}
	mandate, err := decodeMandate(params.Mandate)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return nil, nil, false
	}
	commitments, err := decodeCommitments(params.Commitments)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return nil, nil, false
	}
	adjustment, err := decodeAdjustment(params.Adjustment)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return nil, nil, false
	}
	claimant, err := parseAddress("claimant", params.Claimant)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return nil, nil, false
	}
	filler, err := parseAddress("filler", params.Filler)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return nil, nil, false
	}
	block, err := decodeBlock(params.Block)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return nil, nil, false
	}
	sponsorSig, err := parseHexBytes("sponsorSignature", params.SponsorSignature)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return nil, nil, false
	}
	allocatorSig, err := parseHexBytes("allocatorSignature", params.AllocatorSignature)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return nil, nil, false
	}
	contextBytes, err := parseHexBytes("context", params.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return nil, nil, false
	}
	return &params, &auction.FillRequest{
		Mandate:            mandate,
		Commitments:        commitments,
		Adjustment:         adjustment,
		Claimant:           claimant,
		Filler:             filler,
		Block:              block,
		SponsorSignature:   sponsorSig,
		AllocatorSignature: allocatorSig,
		Context:            contextBytes,
	}, true
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	params, req, ok := s.decodeFillRequest(w, r)
	if !ok {
		return
	}
	var (
		result *auction.FillResult
		err    error
	)
	if params.Notify {
		result, err = s.engine.FillAndNotify(r.Context(), *req)
	} else {
		result, err = s.engine.Fill(r.Context(), *req)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderFillResult(result))
}

func (s *Server) handleClaimFill(w http.ResponseWriter, r *http.Request) {
	params, req, ok := s.decodeFillRequest(w, r)
	if !ok {
		return
	}
	if params.BorrowerURL == "" {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "borrowerUrl required")
		return
	}
	borrower := &httpBorrower{url: params.BorrowerURL, client: &http.Client{Timeout: 30 * time.Second}}
	result, err := s.engine.ClaimAndFill(r.Context(), *req, borrower)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderFillResult(result))
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	_, req, ok := s.decodeFillRequest(w, r)
	if !ok {
		return
	}
	derived, err := s.engine.Quote(*req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	mode := "exact_in"
	if derived.ExactOut {
		mode = "exact_out"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fillAmounts":  formatAmounts(derived.FillAmounts),
		"claimAmounts": formatAmounts(derived.ClaimAmounts),
		"multiplier":   derived.Multiplier.String(),
		"mode":         mode,
	})
}

type cancelParams struct {
	Mandate     mandateJSON      `json:"mandate"`
	Commitments []commitmentJSON `json:"commitments"`
	Caller      string           `json:"caller"`
	Context     string           `json:"context,omitempty"`
	Notify      bool             `json:"notify,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var params cancelParams
	if !decodeBody(w, r, &params) {
		return
	}
	mandate, err := decodeMandate(params.Mandate)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	commitments, err := decodeCommitments(params.Commitments)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	contextBytes, err := parseHexBytes("context", params.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	req := auction.CancelRequest{
		Mandate:     mandate,
		Commitments: commitments,
		Caller:      caller,
		Context:     contextBytes,
	}
	var claimHash [32]byte
	if params.Notify {
		claimHash, err = s.engine.CancelAndNotify(r.Context(), req)
	} else {
		claimHash, err = s.engine.Cancel(r.Context(), req)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"claimHash": hexHash(claimHash)})
}

type notifyParams struct {
	Mandate     mandateJSON      `json:"mandate"`
	Commitments []commitmentJSON `json:"commitments"`
	Context     string           `json:"context,omitempty"`
}

func (s *Server) handleDeferredNotify(w http.ResponseWriter, r *http.Request) {
	var params notifyParams
	if !decodeBody(w, r, &params) {
		return
	}
	mandate, err := decodeMandate(params.Mandate)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	commitments, err := decodeCommitments(params.Commitments)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	contextBytes, err := parseHexBytes("context", params.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	req := auction.DeferredNotifyRequest{
		Mandate:     mandate,
		Commitments: commitments,
		Context:     contextBytes,
	}
	if err := s.engine.DeferredNotify(r.Context(), req); err != nil {
		// Park the payload in the outbox when the disposition exists but
		// the target could not be reached; the worker redelivers it.
		if s.queue != nil {
			if notification, buildErr := s.engine.BuildDeferredNotification(req); buildErr == nil {
				id, queueErr := s.queue.Enqueue(notification)
				if queueErr == nil {
					s.log.Warn("deferred notification queued for retry",
						"delivery_id", id, "error", err)
					writeJSON(w, http.StatusAccepted, map[string]string{
						"status":     "queued",
						"deliveryId": id,
					})
					return
				}
				s.log.Error("enqueue deferred notification", "error", queueErr)
			}
		}
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type settleParams struct {
	SourceClaimHash string `json:"sourceClaimHash"`
	Token           string `json:"token"`
	LockID          string `json:"lockId,omitempty"`
	Recipient       string `json:"recipient,omitempty"`
	Sponsor         string `json:"sponsor,omitempty"`
	MandateHash     string `json:"mandateHash,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var params settleParams
	if !decodeBody(w, r, &params) {
		return
	}
	sourceClaimHash, err := parseHash("sourceClaimHash", params.SourceClaimHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	token, err := parseAddress("token", params.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	lockID, err := parseHash("lockId", params.LockID)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	recipient, err := parseAddress("recipient", params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	sponsor, err := parseAddress("sponsor", params.Sponsor)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	mandateHash, err := parseHash("mandateHash", params.MandateHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	nonce, err := parseAmount("nonce", params.Nonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	outcome, err := s.router.SettleOrRegister(r.Context(), sourceClaimHash, settle.TargetParams{
		Token:       token,
		LockID:      lockID,
		Recipient:   recipient,
		Sponsor:     sponsor,
		MandateHash: mandateHash,
		Nonce:       nonce,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":                outcome.Mode.String(),
		"recipient":           outcome.Recipient.String(),
		"amount":              outcome.Amount.String(),
		"registeredClaimHash": hexHash(outcome.RegisteredClaimHash),
	})
}

type dispositionJSON struct {
	ClaimHash     string `json:"claimHash"`
	Claimant      string `json:"claimant,omitempty"`
	Filled        bool   `json:"filled"`
	Cancelled     bool   `json:"cancelled"`
	ScalingFactor string `json:"scalingFactor"`
}

func renderDisposition(hash [32]byte, disp ledger.Disposition) dispositionJSON {
	out := dispositionJSON{
		ClaimHash:     hexHash(hash),
		Filled:        disp.Filled,
		Cancelled:     disp.Cancelled,
		ScalingFactor: disp.ScalingFactor.String(),
	}
	if disp.Filled {
		out.Claimant = fmt.Sprintf("0x%x", disp.Claimant)
	}
	return out
}

func (s *Server) handleDisposition(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash("hash", chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
		return
	}
	disp, err := s.ledger.Disposition(hash)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderDisposition(hash, disp))
}

type dispositionBatchParams struct {
	Hashes []string `json:"hashes"`
}

func (s *Server) handleDispositionBatch(w http.ResponseWriter, r *http.Request) {
	var params dispositionBatchParams
	if !decodeBody(w, r, &params) {
		return
	}
	hashes := make([][32]byte, len(params.Hashes))
	for i, raw := range params.Hashes {
		hash, err := parseHash("hashes", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
			return
		}
		hashes[i] = hash
	}
	dispositions, err := s.ledger.Dispositions(hashes)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]dispositionJSON, len(dispositions))
	for i, disp := range dispositions {
		out[i] = renderDisposition(hashes[i], disp)
	}
	writeJSON(w, http.StatusOK, out)
}

func renderFillResult(result *auction.FillResult) fillResultJSON {
	mode := "exact_in"
	if result.ExactOut {
		mode = "exact_out"
	}
	return fillResultJSON{
		ClaimHash:    hexHash(result.ClaimHash),
		MandateHash:  hexHash(result.MandateHash),
		FillAmounts:  formatAmounts(result.FillAmounts),
		ClaimAmounts: formatAmounts(result.ClaimAmounts),
		Multiplier:   result.Multiplier.String(),
		Mode:         mode,
	}
}

// writeEngineError maps engine sentinels onto HTTP statuses and the JSON
// error envelope.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAlreadyFilled):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, auction.ErrNotSponsor),
		errors.Is(err, auction.ErrNotExclusiveFiller),
		errors.Is(err, auction.ErrBadAdjustmentSignature):
		writeError(w, http.StatusForbidden, codeForbidden, err.Error())
	case errors.Is(err, auction.ErrReentrantCall):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, auction.ErrWrongChain),
		errors.Is(err, auction.ErrMandateExpired),
		errors.Is(err, auction.ErrFillExpired),
		errors.Is(err, auction.ErrOutsideValidWindow),
		errors.Is(err, auction.ErrTargetBlockInFuture),
		errors.Is(err, auction.ErrCurveWithoutAnchor),
		errors.Is(err, auction.ErrGasBelowBaseFee),
		errors.Is(err, auction.ErrNegativeMultiplier),
		errors.Is(err, auction.ErrNotFilled),
		errors.Is(err, curve.ErrCurveExhausted),
		errors.Is(err, curve.ErrDirectionMismatch),
		errors.Is(err, curve.ErrFactorOverflow):
		writeError(w, http.StatusBadRequest, codeInvalidParams, err.Error())
	default:
		s.log.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, codeServerError, err.Error())
	}
}

// httpBorrower adapts an HTTP endpoint into the flash-borrower contract: the
// grant is posted as JSON and the response must carry the fixed
// acknowledgment.
type httpBorrower struct {
	url    string
	client *http.Client
}

type borrowerGrantJSON struct {
	ClaimHash    string   `json:"claimHash"`
	Claimant     string   `json:"claimant"`
	ClaimAmounts []string `json:"claimAmounts"`
	FillAmounts  []string `json:"fillAmounts"`
	Context      string   `json:"context,omitempty"`
}

type borrowerAckJSON struct {
	Ack string `json:"ack"`
}

func (b *httpBorrower) OnClaim(ctx context.Context, grant auction.FlashGrant) ([32]byte, error) {
	payload := borrowerGrantJSON{
		ClaimHash:    hexHash(grant.ClaimHash),
		Claimant:     grant.Claimant.String(),
		ClaimAmounts: formatAmounts(grant.ClaimAmounts),
		FillAmounts:  formatAmounts(grant.FillAmounts),
	}
	if len(grant.Context) > 0 {
		payload.Context = fmt.Sprintf("0x%x", grant.Context)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return [32]byte{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return [32]byte{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return [32]byte{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return [32]byte{}, err
	}
	var ack borrowerAckJSON
	if err := json.Unmarshal(raw, &ack); err != nil {
		return [32]byte{}, fmt.Errorf("borrower response unparseable: %w", err)
	}
	decoded, err := parseHash("ack", ack.Ack)
	if err != nil {
		return [32]byte{}, err
	}
	return decoded, nil
}
