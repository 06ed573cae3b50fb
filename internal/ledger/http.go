package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/shopspring/decimal"
)

// HTTPGateway is a client for the custodian's REST API. Escrows are keyed
// on the custodian side by keccak256 of the task id, the same key the
// settlement contract uses.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type operationRequest struct {
	EscrowKey string `json:"escrow_key"`
	TaskID    string `json:"task_id"`
	Amount    string `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

type operationResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

// EscrowKey is the custodian-side identifier of a task's escrow.
func EscrowKey(taskID uuid.UUID) string {
	return crypto.Keccak256Hash([]byte(taskID.String())).Hex()
}

func (g *HTTPGateway) Fund(ctx context.Context, taskID uuid.UUID, amount decimal.Decimal) (Confirmation, error) {
	return g.post(ctx, domain.LedgerOpFund, taskID, operationRequest{
		EscrowKey: EscrowKey(taskID),
		TaskID:    taskID.String(),
		Amount:    amount.String(),
	}, "")
}

func (g *HTTPGateway) ReleasePayout(ctx context.Context, taskID uuid.UUID, recipient string, amount decimal.Decimal) (Confirmation, error) {
	if !common.IsHexAddress(recipient) {
		return Confirmation{}, &PermanentError{Err: fmt.Errorf("recipient %q is not a valid address", recipient)}
	}
	addr := common.HexToAddress(recipient).Hex()
	return g.post(ctx, domain.LedgerOpRelease, taskID, operationRequest{
		EscrowKey: EscrowKey(taskID),
		TaskID:    taskID.String(),
		Amount:    amount.String(),
		Recipient: addr,
	}, addr)
}

func (g *HTTPGateway) IssueRefund(ctx context.Context, taskID uuid.UUID) (Confirmation, error) {
	return g.post(ctx, domain.LedgerOpRefund, taskID, operationRequest{
		EscrowKey: EscrowKey(taskID),
		TaskID:    taskID.String(),
	}, "")
}

func (g *HTTPGateway) post(ctx context.Context, op domain.LedgerOp, taskID uuid.UUID, payload operationRequest, recipient string) (Confirmation, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Confirmation{}, &PermanentError{Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/escrows/"+string(op), bytes.NewReader(body))
	if err != nil {
		return Confirmation{}, &PermanentError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", g.apiKey)
	req.Header.Set("Idempotency-Key", domain.IdempotencyKey(taskID, op, recipient))

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Confirmation{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Confirmation{}, fmt.Errorf("read response: %w", err)
	}

	var result operationResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return Confirmation{}, fmt.Errorf("unmarshal response: %w", err)
		}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Confirmation{}, fmt.Errorf("custodian %s: status %d: %s", op, resp.StatusCode, result.Error)
	case resp.StatusCode >= 400:
		return Confirmation{}, &PermanentError{Err: fmt.Errorf("custodian %s: status %d: %s", op, resp.StatusCode, result.Error)}
	}

	if result.Status != "confirmed" {
		return Confirmation{}, errors.New("custodian did not confirm " + string(op) + ": status " + result.Status)
	}
	return Confirmation{Reference: result.Reference, ConfirmedAt: g.now().UTC()}, nil
}
