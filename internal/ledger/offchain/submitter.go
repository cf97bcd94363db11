package offchain

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_submitter.go -package=mocks . Submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/execution-hub/booking-ledger/internal/ledger/ledgererr"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

// Submission is the handle returned for a submitted tx.
type Submission struct {
	TxID     string `json:"tx_id"`
	Status   string `json:"status"`
	Height   uint64 `json:"height,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

// Submitter hands a signed tx to the ordered pipeline.
type Submitter interface {
	Submit(ctx context.Context, tx protocol.Tx) (Submission, error)
}

// Applier is implemented by the consensus node.
type Applier interface {
	ApplyTx(ctx context.Context, tx protocol.Tx) (state.Receipt, error)
}

// LocalSubmitter submits through the node this process runs.
type LocalSubmitter struct {
	applier Applier
}

func NewLocalSubmitter(applier Applier) *LocalSubmitter {
	return &LocalSubmitter{applier: applier}
}

func (s *LocalSubmitter) Submit(ctx context.Context, tx protocol.Tx) (Submission, error) {
	receipt, err := s.applier.ApplyTx(ctx, tx)
	if err != nil {
		return Submission{TxID: tx.TxID, Status: "REJECTED"}, err
	}
	return Submission{TxID: tx.TxID, Status: "APPLIED", Height: receipt.Height, Replayed: receipt.Replayed}, nil
}

// HTTPSubmitter posts signed txs to a node's /v1/ledger/tx endpoint.
type HTTPSubmitter struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSubmitter(endpoint string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSubmitter{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// RemoteError is a non-2xx answer from the node.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("submit failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Is matches ledger error codes carried by the response.
func (e *RemoteError) Is(target error) bool {
	if t, ok := target.(*ledgererr.Error); ok {
		return string(t.Code) == e.Code
	}
	return false
}

func (s *HTTPSubmitter) Submit(ctx context.Context, tx protocol.Tx) (Submission, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return Submission{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/ledger/tx", bytes.NewReader(body))
	if err != nil {
		return Submission{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Submission{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return Submission{TxID: tx.TxID, Status: "REJECTED"}, &RemoteError{
			StatusCode: resp.StatusCode,
			Code:       payload.Error,
			Message:    payload.Message,
		}
	}
	var out Submission
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Submission{}, fmt.Errorf("decode submission: %w", err)
	}
	return out, nil
}
