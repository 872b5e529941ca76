package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/accelerator/internal/accelerator"
)

// rpcServer answers JSON-RPC calls with handler's result or error.
func rpcServer(t *testing.T, handler func(method string, params []json.RawMessage) (any, *RPCError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestNewClient(t *testing.T) {
	c := NewClient("http://node")
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
	assert.Equal(t, 3, c.maxRetries)
	assert.Equal(t, time.Second, c.retryBackoff)
	assert.NotNil(t, c.logger)

	c = NewClient("http://node", WithTimeout(5*time.Second), WithRetries(1, time.Millisecond))
	assert.Equal(t, 5*time.Second, c.httpClient.Timeout)
	assert.Equal(t, 1, c.maxRetries)
	assert.Equal(t, time.Millisecond, c.retryBackoff)
}

func TestDefaultRPCURL(t *testing.T) {
	assert.Equal(t, "https://api.devnet.solana.com", DefaultRPCURL(accelerator.ClusterDevnet))
	assert.Equal(t, "http://127.0.0.1:8899", DefaultRPCURL(accelerator.ClusterLocalnet))
	assert.Empty(t, DefaultRPCURL("moonnet"))
}

func TestGetSignatureStatuses(t *testing.T) {
	server := rpcServer(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		assert.Equal(t, "getSignatureStatuses", method)
		if assert.Len(t, params, 2) {
			assert.JSONEq(t, `["sig1","sig2"]`, string(params[0]))
		}
		return map[string]any{
			"context": map[string]any{"slot": 100},
			"value": []any{
				map[string]any{"slot": 99, "confirmations": 5, "err": nil, "confirmationStatus": "confirmed"},
				nil,
			},
		}, nil
	})
	defer server.Close()

	c := NewClient(server.URL)
	statuses, err := c.GetSignatureStatuses(context.Background(), "sig1", "sig2")
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	require.NotNil(t, statuses[0])
	assert.Equal(t, uint64(99), statuses[0].Slot)
	assert.Equal(t, CommitmentConfirmed, statuses[0].ConfirmationStatus)
	assert.False(t, statuses[0].Failed())
	assert.Nil(t, statuses[1])
}

func TestGetTransaction(t *testing.T) {
	raw := buildTx(t, testKey(t), false)
	blockTime := int64(1700000000)

	server := rpcServer(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		var sig string
		json.Unmarshal(params[0], &sig)
		if sig == "missing" {
			return nil, nil
		}
		return map[string]any{
			"slot":        42,
			"blockTime":   blockTime,
			"transaction": []string{base64.StdEncoding.EncodeToString(raw), "base64"},
			"meta":        map[string]any{"err": nil, "fee": 5000},
		}, nil
	})
	defer server.Close()

	c := NewClient(server.URL)

	res, err := c.GetTransaction(context.Background(), "sig1", CommitmentConfirmed)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.Slot)
	assert.Equal(t, uint64(5000), res.Fee)
	require.NotNil(t, res.BlockTime)
	assert.Equal(t, blockTime, res.BlockTime.Unix())

	tx, err := res.Decode()
	require.NoError(t, err)
	assert.NoError(t, tx.Verify())

	_, err = c.GetTransaction(context.Background(), "missing", CommitmentConfirmed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"value":[null]}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, WithRetries(3, time.Millisecond))
	statuses, err := c.GetSignatureStatuses(context.Background(), "sig")
	require.NoError(t, err)
	assert.Nil(t, statuses[0])
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(server.URL, WithRetries(3, time.Millisecond))
	_, err := c.GetSignatureStatuses(context.Background(), "sig")

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.False(t, httpErr.IsRetryable())
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RPCError(t *testing.T) {
	server := rpcServer(t, func(string, []json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: -32602, Message: "Invalid param"}
	})
	defer server.Close()

	c := NewClient(server.URL, WithRetries(3, time.Millisecond))
	_, err := c.GetSignatureStatuses(context.Background(), "sig")

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Contains(t, err.Error(), "getSignatureStatuses")
}

func TestClient_MaxRetriesExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewClient(server.URL, WithRetries(2, time.Millisecond))
	_, err := c.GetSignatureStatuses(context.Background(), "sig")
	assert.ErrorContains(t, err, "max retries exceeded")
}

func TestConfirmTransaction(t *testing.T) {
	var polls atomic.Int32
	server := rpcServer(t, func(string, []json.RawMessage) (any, *RPCError) {
		var status any
		switch polls.Add(1) {
		case 1:
			status = nil
		case 2:
			status = map[string]any{"slot": 10, "err": nil, "confirmationStatus": "processed"}
		default:
			status = map[string]any{"slot": 10, "err": nil, "confirmationStatus": "finalized"}
		}
		return map[string]any{"value": []any{status}}, nil
	})
	defer server.Close()

	c := NewClient(server.URL)
	st, err := c.ConfirmTransaction(context.Background(), "sig", CommitmentConfirmed, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, CommitmentFinalized, st.ConfirmationStatus)
	assert.Equal(t, int32(3), polls.Load())
}

func TestConfirmTransaction_Failed(t *testing.T) {
	server := rpcServer(t, func(string, []json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": []any{
			map[string]any{"slot": 10, "err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "confirmed"},
		}}, nil
	})
	defer server.Close()

	c := NewClient(server.URL)
	st, err := c.ConfirmTransaction(context.Background(), "sig", CommitmentConfirmed, time.Millisecond)
	assert.ErrorIs(t, err, ErrTransactionFailed)
	require.NotNil(t, st)
	assert.True(t, st.Failed())
}

func TestConfirmTransaction_ContextDone(t *testing.T) {
	server := rpcServer(t, func(string, []json.RawMessage) (any, *RPCError) {
		return map[string]any{"value": []any{nil}}, nil
	})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	c := NewClient(server.URL)
	_, err := c.ConfirmTransaction(ctx, "sig", CommitmentFinalized, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommitment_Reaches(t *testing.T) {
	assert.True(t, CommitmentFinalized.Reaches(CommitmentConfirmed))
	assert.True(t, CommitmentConfirmed.Reaches(CommitmentConfirmed))
	assert.False(t, CommitmentProcessed.Reaches(CommitmentConfirmed))
	assert.False(t, Commitment("").Reaches(CommitmentProcessed))
	assert.False(t, Commitment("bogus").Valid())
}
