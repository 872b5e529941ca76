package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Commitment is a confirmation level.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	}
	return 0
}

// Valid reports whether c is a known commitment level.
func (c Commitment) Valid() bool {
	return c.rank() > 0
}

// Reaches reports whether c is at least as final as target.
func (c Commitment) Reaches(target Commitment) bool {
	return c.rank() >= target.rank() && c.rank() > 0
}

var (
	ErrNotFound          = errors.New("ledger: transaction not found")
	ErrTransactionFailed = errors.New("ledger: transaction failed")
)

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus Commitment      `json:"confirmationStatus"`
}

// Failed reports whether the transaction executed with an error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// GetSignatureStatuses returns the status of each signature, nil where the
// node has no record of it.
func (c *Client) GetSignatureStatuses(ctx context.Context, sigs ...string) ([]*SignatureStatus, error) {
	var resp struct {
		Value []*SignatureStatus `json:"value"`
	}
	params := []any{sigs, map[string]any{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Value) != len(sigs) {
		return nil, fmt.Errorf("getSignatureStatuses: %d results for %d signatures", len(resp.Value), len(sigs))
	}
	return resp.Value, nil
}

// TransactionResult is a confirmed transaction as returned by getTransaction.
type TransactionResult struct {
	Slot      uint64
	BlockTime *time.Time
	Fee       uint64
	Err       json.RawMessage
	Raw       []byte
}

// Decode parses the raw transaction bytes.
func (r *TransactionResult) Decode() (*Transaction, error) {
	return Decode(r.Raw)
}

// GetTransaction fetches a transaction by signature. It returns ErrNotFound
// when the node does not know it at the requested commitment.
func (c *Client) GetTransaction(ctx context.Context, sig string, commitment Commitment) (*TransactionResult, error) {
	var resp *struct {
		Slot        uint64    `json:"slot"`
		BlockTime   *int64    `json:"blockTime"`
		Transaction [2]string `json:"transaction"`
		Meta        *struct {
			Err json.RawMessage `json:"err"`
			Fee uint64          `json:"fee"`
		} `json:"meta"`
	}
	params := []any{sig, map[string]any{
		"encoding":                       "base64",
		"commitment":                     commitment,
		"maxSupportedTransactionVersion": 0,
	}}
	if err := c.call(ctx, "getTransaction", params, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sig)
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Transaction[0])
	if err != nil {
		return nil, fmt.Errorf("getTransaction: decode transaction: %w", err)
	}

	out := &TransactionResult{Slot: resp.Slot, Raw: raw}
	if resp.BlockTime != nil {
		t := time.Unix(*resp.BlockTime, 0).UTC()
		out.BlockTime = &t
	}
	if resp.Meta != nil {
		out.Fee = resp.Meta.Fee
		out.Err = resp.Meta.Err
	}
	return out, nil
}

// ConfirmTransaction polls the signature status every pollInterval until it
// reaches commitment. A transaction that executed with an error returns its
// status together with ErrTransactionFailed.
func (c *Client) ConfirmTransaction(ctx context.Context, sig string, commitment Commitment, pollInterval time.Duration) (*SignatureStatus, error) {
	if !commitment.Valid() {
		return nil, fmt.Errorf("unknown commitment %q", commitment)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		statuses, err := c.GetSignatureStatuses(ctx, sig)
		if err != nil {
			return nil, err
		}

		if st := statuses[0]; st != nil {
			if st.Failed() {
				return st, fmt.Errorf("%w: %s: %s", ErrTransactionFailed, sig, st.Err)
			}
			if st.ConfirmationStatus.Reaches(commitment) {
				return st, nil
			}
			c.logger.Debug("awaiting confirmation",
				"signature", sig,
				"status", st.ConfirmationStatus,
				"want", commitment,
			)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
