package clients

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcFault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeRPC is a minimal Solana JSON-RPC endpoint keyed by method name.
type fakeRPC struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(params []json.RawMessage) any
	srv      *httptest.Server
}

func newFakeRPC(t *testing.T) *fakeRPC {
	t.Helper()
	f := &fakeRPC{
		calls:    make(map[string]int),
		handlers: make(map[string]func([]json.RawMessage) any),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRPC) URL() string { return f.srv.URL }

func (f *fakeRPC) handle(method string, h func(params []json.RawMessage) any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRPC) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls[req.Method]++
	h, ok := f.handlers[req.Method]
	f.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case !ok:
		resp["error"] = rpcFault{Code: -32601, Message: "method not found"}
	default:
		result := h(req.Params)
		if fault, isFault := result.(rpcFault); isFault {
			resp["error"] = fault
		} else {
			resp["result"] = result
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func withContext(value any) map[string]any {
	return map[string]any{"context": map[string]any{"slot": 1}, "value": value}
}

func existingAccount() map[string]any {
	return map[string]any{
		"data":       []string{"", "base64"},
		"executable": false,
		"lamports":   2039280,
		"owner":      solana.TokenProgramID.String(),
		"rentEpoch":  0,
	}
}

func testHash() solana.Hash {
	return solana.Hash(solana.NewWallet().PublicKey())
}

func testSignature(t *testing.T) solana.Signature {
	t.Helper()
	sig, err := solana.NewWallet().PrivateKey.Sign([]byte("paykit"))
	if err != nil {
		t.Fatal(err)
	}
	return sig
}
