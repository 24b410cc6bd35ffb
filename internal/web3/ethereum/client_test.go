package ethereum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "tiny-agent/internal/errors"
)

const testAddress = "0x00000000000000000000000000000000000000aa"

func newRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		results := map[string]any{
			"eth_chainId":     "0x539",
			"eth_blockNumber": "0x10",
			"eth_getBalance":  "0xde0b6b3a7640000",
			"eth_getCode":     "0x60016002",
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if result, ok := results[req.Method]; ok {
			resp["result"] = result
		} else {
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClientReadsChainState(t *testing.T) {
	server := newRPCServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, Config{Name: "local", RPCURL: server.URL, Notes: "dev node"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" || snapshot.BlockNumber != "0x10" || snapshot.Chain != "local" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	balance, err := client.Balance(ctx, testAddress)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != "0xde0b6b3a7640000" {
		t.Fatalf("unexpected balance %s", balance)
	}

	size, err := client.CodeSize(ctx, testAddress)
	if err != nil {
		t.Fatalf("code size: %v", err)
	}
	if size != 4 {
		t.Fatalf("unexpected code size %d", size)
	}
}

func TestClientRejectsBadInput(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty rpc url")
	}

	server := newRPCServer(t)
	client, err := NewClient(context.Background(), Config{RPCURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Balance(context.Background(), "not-an-address"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid address error, got %v", err)
	}
	client.Close()
	client.Close()
	if _, err := client.FetchChainSnapshot(context.Background()); err == nil {
		t.Fatal("expected error after close")
	}
}
