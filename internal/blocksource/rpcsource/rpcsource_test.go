package rpcsource_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/internal/blocksource/rpcsource"
)

type jsonrpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// chainIDStubServer answers eth_chainId with a fixed hex chain id,
// enough to exercise Dial's chain-id verification without a real node.
func chainIDStubServer(t *testing.T, hexChainID string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "eth_chainId":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  hexChainID,
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": -32601, "message": "method not found"},
			})
		}
	}))
}

func TestDialRejectsChainIDMismatch(t *testing.T) {
	srv := chainIDStubServer(t, "0x89") // 137, Polygon mainnet
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := rpcsource.Dial(ctx, rpcsource.Config{
		HTTPURL: srv.URL,
		ChainID: 1, // configured for Ethereum mainnet, endpoint reports Polygon
	}, zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "chain id mismatch")
}

func TestDialAcceptsMatchingChainID(t *testing.T) {
	srv := chainIDStubServer(t, "0x89")
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	source, err := rpcsource.Dial(ctx, rpcsource.Config{
		HTTPURL: srv.URL,
		ChainID: 137,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer source.Close()
}

// TestDialLiveEndpoint exercises a real upstream when one is configured;
// it is the one test in this package that cannot run hermetically,
// skipping unless a fork/RPC endpoint is explicitly supplied.
func TestDialLiveEndpoint(t *testing.T) {
	url := os.Getenv("KYOMEI_TEST_RPC_URL")
	if url == "" {
		t.Skip("KYOMEI_TEST_RPC_URL not set, skipping live endpoint test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source, err := rpcsource.Dial(ctx, rpcsource.Config{
		HTTPURL: url,
		ChainID: mustEnvInt64(t, "KYOMEI_TEST_CHAIN_ID"),
	}, zerolog.Nop())
	require.NoError(t, err)
	defer source.Close()

	tip, err := source.LatestBlock(ctx)
	require.NoError(t, err)
	require.Greater(t, tip, uint64(0))
}

func mustEnvInt64(t *testing.T, key string) int64 {
	t.Helper()
	v := os.Getenv(key)
	require.NotEmpty(t, v, "%s must be set alongside KYOMEI_TEST_RPC_URL", key)
	n, err := strconv.ParseInt(v, 10, 64)
	require.NoError(t, err)
	return n
}
