package base

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

type countingLimiter struct {
	calls atomic.Int32
}

func (l *countingLimiter) Enqueue(ctx context.Context, call func(ctx context.Context) error) error {
	l.calls.Add(1)
	return call(ctx)
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// newRPCServer answers eth_call with handler's result. A handler returning
// status != 200 is written as a plain HTTP error.
func newRPCServer(t *testing.T, handler func(req rpcRequest) (status int, result any, rpcErr map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		status, result, rpcErr := handler(req)
		if status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCallContractGoesThroughLimiter(t *testing.T) {
	srv := newRPCServer(t, func(req rpcRequest) (int, any, map[string]any) {
		require.Equal(t, "eth_call", req.Method)
		return http.StatusOK, hexutil.Encode([]byte{0x01, 0x02}), nil
	})

	limiter := &countingLimiter{}
	client, err := NewClient(srv.URL, limiter)
	require.NoError(t, err)
	defer client.Close()

	out, err := client.CallContract(context.Background(), common.HexToAddress("0x01"), []byte{0xaa})
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, out)
	require.EqualValues(t, 1, limiter.calls.Load())
}

func TestCallContractRetriesRateLimitedRequests(t *testing.T) {
	var hits atomic.Int32
	srv := newRPCServer(t, func(req rpcRequest) (int, any, map[string]any) {
		if hits.Add(1) < 3 {
			return http.StatusTooManyRequests, nil, nil
		}
		return http.StatusOK, "0x", nil
	})

	limiter := &countingLimiter{}
	client, err := NewClient(srv.URL, limiter, WithRetry(3, time.Millisecond))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.CallContract(context.Background(), common.HexToAddress("0x01"), nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, hits.Load())
	require.EqualValues(t, 3, limiter.calls.Load(), "each attempt takes its own throttle slot")
}

func TestCallContractDoesNotRetryReverts(t *testing.T) {
	var hits atomic.Int32
	srv := newRPCServer(t, func(req rpcRequest) (int, any, map[string]any) {
		hits.Add(1)
		return http.StatusOK, nil, map[string]any{"code": 3, "message": "execution reverted: lottery closed"}
	})

	client, err := NewClient(srv.URL, &countingLimiter{}, WithRetry(3, time.Millisecond))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.CallContract(context.Background(), common.HexToAddress("0x01"), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "execution reverted")
	require.EqualValues(t, 1, hits.Load())
}

func TestBatchCallContractIsolatesFailures(t *testing.T) {
	encoded, err := Multicall3ABI.Methods["aggregate3"].Outputs.Pack([]result3{
		{Success: true, ReturnData: []byte{0x2a}},
		{Success: false, ReturnData: nil},
	})
	require.NoError(t, err)

	srv := newRPCServer(t, func(req rpcRequest) (int, any, map[string]any) {
		var msg struct {
			To string `json:"to"`
		}
		require.NoError(t, json.Unmarshal(req.Params[0], &msg))
		require.Equal(t, Multicall3Address, common.HexToAddress(msg.To))
		return http.StatusOK, hexutil.Encode(encoded), nil
	})

	limiter := &countingLimiter{}
	client, err := NewClient(srv.URL, limiter)
	require.NoError(t, err)
	defer client.Close()

	target := common.HexToAddress("0xC9105a5DDDF4605C98712568cF2AA0367f6AaBA2")
	results, err := client.BatchCallContract(context.Background(), []ContractCall{
		{Target: target, CallData: []byte{0x01}},
		{Target: target, CallData: []byte{0x02}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].Success)
	require.Equal(t, []byte{0x2a}, results[0].Data)
	require.False(t, results[1].Success)
	require.EqualValues(t, 1, limiter.calls.Load())
}

func TestBatchCallContractEmpty(t *testing.T) {
	client := &Client{limiter: &countingLimiter{}}
	results, err := client.BatchCallContract(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"429 Too Many Requests", true},
		{"read tcp: connection reset by peer", true},
		{"context deadline exceeded (Client.Timeout exceeded)", true},
		{"execution reverted", false},
		{"insufficient funds for gas", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, isTransientError(tt.err), tt.err)
	}
}

func TestNewClientRequiresLimiter(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:1", nil)
	require.Error(t, err)
}
