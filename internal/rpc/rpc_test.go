package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/satsend/internal/backend"
	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/fee"
	"github.com/Klingon-tech/satsend/internal/payments"
	"github.com/Klingon-tech/satsend/internal/storage"
	"github.com/Klingon-tech/satsend/internal/wallet"
)

const (
	testToken  = "0123456789abcdef"
	testOrigin = "http://localhost:3000"
)

const testMnemonic wallet.SeedPhrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type stubIndexer struct {
	mu         sync.Mutex
	utxos      []backend.UTXO
	broadcasts []string
}

func (f *stubIndexer) GetAddressUTXOs(ctx context.Context, address string) ([]backend.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.UTXO(nil), f.utxos...), nil
}

func (f *stubIndexer) GetFeeEstimates(ctx context.Context) (*fee.Tiers, error) {
	return &fee.Tiers{Minimum: 1, Economy: 2, Hour: 5, HalfHour: 10, Fastest: 20}, nil
}

func (f *stubIndexer) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, rawTxHex)
	return "", nil
}

type testServer struct {
	url       string
	srv       *Server
	svc       *payments.Service
	indexer   *stubIndexer
	recipient string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, mutate func(*payments.Config)) *testServer {
	t.Helper()

	kc, err := wallet.NewKeychain(testMnemonic, "", chain.Testnet)
	require.NoError(t, err)
	kp, err := kc.KeyPair(0, 0, 0)
	require.NoError(t, err)
	other, err := kc.KeyPair(1, 0, 0)
	require.NoError(t, err)
	recipient, err := other.Address(chain.AddressP2WPKH)
	require.NoError(t, err)

	indexer := &stubIndexer{utxos: []backend.UTXO{{
		TxID:      strings.Repeat("ab", 32),
		Vout:      0,
		Value:     100_000,
		Confirmed: true,
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewWSHub()
	go hub.Run(ctx)

	cfg := payments.Config{
		Network:      chain.Testnet,
		KeyPair:      kp,
		Collaborator: indexer,
		Notifier:     hub,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := payments.New(cfg)
	require.NoError(t, err)

	srv := NewServer(svc, hub, Options{AuthToken: testToken, AllowedOrigins: []string{testOrigin}})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{url: ts.URL, srv: srv, svc: svc, indexer: indexer, recipient: recipient}
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	ID      interface{}     `json:"id"`
}

// send issues an authenticated request. headers override the defaults.
func (ts *testServer) send(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.url+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) post(t *testing.T, body string) *rawResponse {
	t.Helper()
	resp := ts.send(t, http.MethodPost, "/", body, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out rawResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func (ts *testServer) call(t *testing.T, method string, params interface{}) *rawResponse {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return ts.post(t, string(body))
}

func errorData(t *testing.T, e *Error) ErrorData {
	t.Helper()
	raw, err := json.Marshal(e.Data)
	require.NoError(t, err)
	var data ErrorData
	require.NoError(t, json.Unmarshal(raw, &data))
	return data
}

func TestProtocolErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"jsonrpc":`, ParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"wallet_address","id":1}`, InvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"chain_info","id":1}`, MethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","method":"tx_prepare","id":1}`, InvalidParams},
		{"bad params", `{"jsonrpc":"2.0","method":"tx_prepare","params":[1],"id":1}`, InvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.post(t, tt.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestBatchAndNotifications(t *testing.T) {
	ts := newTestServer(t)

	body := `[
		{"jsonrpc":"2.0","method":"wallet_address","id":1},
		{"jsonrpc":"2.0","method":"wallet_feeTiers"},
		{"jsonrpc":"2.0","method":"nope","id":"x"}
	]`
	resp := ts.send(t, http.MethodPost, "/", body, nil)
	defer resp.Body.Close()

	var batch []rawResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	require.Len(t, batch, 2)
	assert.Nil(t, batch[0].Error)
	assert.EqualValues(t, 1, batch[0].ID)
	require.NotNil(t, batch[1].Error)
	assert.Equal(t, MethodNotFound, batch[1].Error.Code)
	assert.Equal(t, "x", batch[1].ID)

	// A lone notification gets no body.
	resp2 := ts.send(t, http.MethodPost, "/", `{"jsonrpc":"2.0","method":"wallet_address"}`, nil)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)

	empty := ts.post(t, `[]`)
	require.NotNil(t, empty.Error)
	assert.Equal(t, InvalidRequest, empty.Error.Code)
}

func TestWalletAddress(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "wallet_address", nil)
	require.Nil(t, resp.Error)

	var result WalletAddressResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, ts.svc.Address(), result.Address)
	assert.Equal(t, "testnet", result.Network)
	assert.Equal(t, "p2wpkh", result.Type)
	assert.True(t, strings.HasPrefix(result.Address, "tb1q"))
}

func TestWalletFeeTiers(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "wallet_feeTiers", nil)
	require.Nil(t, resp.Error)

	var tiers fee.Tiers
	require.NoError(t, json.Unmarshal(resp.Result, &tiers))
	assert.Equal(t, fee.SatPerVByte(10), tiers.HalfHour)
	assert.Equal(t, fee.SatPerVByte(2), tiers.Economy)
}

func TestPrepareConfirm(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "tx_prepare", TxPrepareParams{To: ts.recipient, Amount: "0.0005"})
	require.Nil(t, resp.Error)

	var prepared struct {
		ID        string  `json:"id"`
		Fee       int64   `json:"fee"`
		Change    int64   `json:"change"`
		FeeRate   float64 `json:"fee_rate"`
		PSBT      string  `json:"psbt"`
		AmountBTC string  `json:"amount_btc"`
		FeeBTC    string  `json:"fee_btc"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &prepared))
	assert.NotEmpty(t, prepared.ID)
	assert.Equal(t, int64(1410), prepared.Fee)
	assert.Equal(t, int64(48_590), prepared.Change)
	assert.Equal(t, 10.0, prepared.FeeRate)
	assert.NotEmpty(t, prepared.PSBT)
	assert.Equal(t, "0.0005", prepared.AmountBTC)
	assert.Equal(t, "0.0000141", prepared.FeeBTC)

	pending := ts.call(t, "tx_pending", nil)
	require.Nil(t, pending.Error)

	resp = ts.call(t, "tx_confirm", TxIDParams{ID: prepared.ID})
	require.Nil(t, resp.Error)

	var result payments.SendResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.Success)
	assert.Len(t, result.TxID, 64)
	assert.Len(t, ts.indexer.broadcasts, 1)

	// The handle is consumed.
	resp = ts.call(t, "tx_confirm", TxIDParams{ID: prepared.ID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, PendingNotFound, resp.Error.Code)
	assert.Equal(t, "PENDING_NOT_FOUND", errorData(t, resp.Error).Code)

	resp = ts.call(t, "tx_pending", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, PendingNotFound, resp.Error.Code)
}

func TestPrepareFeeOptions(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "tx_prepare", TxPrepareParams{To: ts.recipient, Amount: "50000sat", FeeTier: "economy"})
	require.Nil(t, resp.Error)
	var prepared struct {
		Fee int64 `json:"fee"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &prepared))
	assert.Equal(t, int64(282), prepared.Fee)

	resp = ts.call(t, "tx_prepare", TxPrepareParams{To: ts.recipient, Amount: "50000sat", FeeTier: "instant"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestPrepareErrors(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "tx_prepare", TxPrepareParams{To: ts.recipient, Amount: "0.01"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InsufficientFunds, resp.Error.Code)
	data := errorData(t, resp.Error)
	assert.Equal(t, "INSUFFICIENT_FUNDS", data.Code)
	assert.Equal(t, int64(100_000), data.Available)
	assert.Greater(t, data.Required, int64(1_000_000))

	resp = ts.call(t, "tx_prepare", TxPrepareParams{To: "not-an-address", Amount: "0.0001"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
	assert.Equal(t, "INVALID_ADDRESS", errorData(t, resp.Error).Code)

	resp = ts.call(t, "tx_prepare", TxPrepareParams{To: ts.recipient, Amount: "0.000000001"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "tx_prepare", TxPrepareParams{To: ts.recipient, Amount: "0.0001"})
	require.Nil(t, resp.Error)
	var prepared struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &prepared))

	var result map[string]bool
	resp = ts.call(t, "tx_cancel", TxIDParams{ID: prepared.ID})
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result["cancelled"])

	resp = ts.call(t, "tx_cancel", TxIDParams{ID: prepared.ID})
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.False(t, result["cancelled"])
	assert.Empty(t, ts.indexer.broadcasts)
}

func TestMessageSignVerify(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "message_sign", MessageSignParams{Message: "hello"})
	require.Nil(t, resp.Error)
	var signed map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &signed))
	assert.Equal(t, ts.svc.Address(), signed["address"])

	verify := func(message, address string) bool {
		resp := ts.call(t, "message_verify", MessageVerifyParams{
			Message: message, Address: address, Signature: signed["signature"],
		})
		require.Nil(t, resp.Error)
		var result map[string]bool
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		return result["valid"]
	}
	assert.True(t, verify("hello", ts.svc.Address()))
	assert.False(t, verify("hello!", ts.svc.Address()))
	assert.False(t, verify("hello", ts.recipient))

	resp = ts.call(t, "message_verify", MessageVerifyParams{Message: "hello", Address: ts.recipient, Signature: "AAAA"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestHistoryWithoutJournal(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "tx_history", nil)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `[]`, string(resp.Result))
}

func TestHistoryAndGet(t *testing.T) {
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := newTestServerWith(t, func(c *payments.Config) { c.Journal = store })

	resp := ts.call(t, "tx_prepare", TxPrepareParams{To: ts.recipient, Amount: "0.0005"})
	require.Nil(t, resp.Error)
	var prepared struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &prepared))

	resp = ts.call(t, "tx_confirm", TxIDParams{ID: prepared.ID})
	require.Nil(t, resp.Error)
	var sent payments.SendResult
	require.NoError(t, json.Unmarshal(resp.Result, &sent))
	require.True(t, sent.Success)

	spentInput := strings.Repeat("ab", 32) + ":0"

	resp = ts.call(t, "tx_history", nil)
	require.Nil(t, resp.Error)
	var history []TxHistoryEntry
	require.NoError(t, json.Unmarshal(resp.Result, &history))
	require.Len(t, history, 1)
	assert.Equal(t, sent.TxID, history[0].TxID)
	assert.Equal(t, []string{spentInput}, history[0].Inputs)
	assert.Equal(t, int64(1410), history[0].Fee)

	resp = ts.call(t, "tx_get", TxGetParams{TxID: sent.TxID})
	require.Nil(t, resp.Error)
	var entry TxHistoryEntry
	require.NoError(t, json.Unmarshal(resp.Result, &entry))
	assert.Equal(t, history[0], entry)

	resp = ts.call(t, "tx_get", TxGetParams{TxID: strings.Repeat("cd", 32)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, TxNotFound, resp.Error.Code)
	assert.Equal(t, "TX_NOT_FOUND", errorData(t, resp.Error).Code)

	resp = ts.call(t, "tx_get", TxGetParams{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.call(t, "tx_prepare", TxPrepareParams{To: ts.recipient, Amount: "0.0001"})
	require.Nil(t, resp.Error)

	res := ts.send(t, http.MethodGet, "/metrics", "", nil)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "satsend_prepares_total")
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	t.Run("allowed origin preflight", func(t *testing.T) {
		res := ts.send(t, http.MethodOptions, "/", "", map[string]string{"Origin": testOrigin, "Authorization": ""})
		defer res.Body.Close()
		assert.Equal(t, http.StatusNoContent, res.StatusCode)
		assert.Equal(t, testOrigin, res.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin preflight", func(t *testing.T) {
		res := ts.send(t, http.MethodOptions, "/", "", map[string]string{"Origin": "https://evil.example", "Authorization": ""})
		defer res.Body.Close()
		assert.Equal(t, http.StatusForbidden, res.StatusCode)
		assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin cannot spend", func(t *testing.T) {
		for _, method := range []string{"tx_prepare", "tx_confirm"} {
			body := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":{"to":%q,"amount":"0.0001"},"id":1}`, method, ts.recipient)
			res := ts.send(t, http.MethodPost, "/", body, map[string]string{"Origin": "https://evil.example"})
			res.Body.Close()
			assert.Equal(t, http.StatusForbidden, res.StatusCode, method)
		}
		assert.Nil(t, ts.svc.Pending())
		assert.Empty(t, ts.indexer.broadcasts)
	})
}

func TestAuthToken(t *testing.T) {
	ts := newTestServer(t)
	body := `{"jsonrpc":"2.0","method":"wallet_address","id":1}`

	tests := []struct {
		name   string
		auth   string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "Basic " + testToken, http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ts.send(t, http.MethodPost, "/", body, map[string]string{"Authorization": tt.auth})
			res.Body.Close()
			assert.Equal(t, tt.status, res.StatusCode)
		})
	}

	res := ts.send(t, http.MethodGet, "/metrics", "", map[string]string{"Authorization": ""})
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestWebSocketGuard(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws"

	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, res, err = websocket.DefaultDialer.Dial(wsURL+"?token="+testToken, header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	header.Set("Origin", testOrigin)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+testToken, header)
	require.NoError(t, err)
	conn.Close()
}

func TestWriteCookie(t *testing.T) {
	dir := t.TempDir()

	first, err := WriteCookie(dir)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	data, err := os.ReadFile(filepath.Join(dir, CookieFile))
	require.NoError(t, err)
	assert.Equal(t, first, string(data))

	info, err := os.Stat(filepath.Join(dir, CookieFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := WriteCookie(dir)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestWebSocketEvents(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, hello, err := conn.ReadMessage()
	require.NoError(t, err)
	var greeting struct {
		Type EventType         `json:"type"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(hello, &greeting))
	assert.Equal(t, EventConnected, greeting.Type)
	assert.Equal(t, ts.svc.Address(), greeting.Data["address"])

	require.Eventually(t, func() bool {
		return ts.srv.WSHub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Only cancellations from here on.
	sub, err := json.Marshal(WSSubscription{Action: "subscribe", Events: []string{string(EventTxCancelled)}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))
	// The subscription is applied asynchronously by readPump.
	time.Sleep(50 * time.Millisecond)

	resp := ts.call(t, "tx_prepare", TxPrepareParams{To: ts.recipient, Amount: "0.0001"})
	require.Nil(t, resp.Error)
	var prepared struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &prepared))

	resp = ts.call(t, "tx_cancel", TxIDParams{ID: prepared.ID})
	require.Nil(t, resp.Error)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Type EventType      `json:"type"`
		Data payments.Event `json:"data"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(message)).Decode(&event))
	assert.Equal(t, EventTxCancelled, event.Type)
	assert.Equal(t, prepared.ID, event.Data.PendingID)
}

func TestToRPCError(t *testing.T) {
	plain := toRPCError(fmt.Errorf("boom"))
	assert.Equal(t, InternalError, plain.Code)
	assert.Nil(t, plain.Data)
}
