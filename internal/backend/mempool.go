package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"go.uber.org/ratelimit"

	"github.com/Klingon-tech/satsend/internal/fee"
)

// Option configures an HTTP backend.
type Option func(*MempoolBackend)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *MempoolBackend) {
		m.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *MempoolBackend) {
		m.httpClient = c
	}
}

// WithRateLimit paces requests to rps per second.
func WithRateLimit(rps int) Option {
	return func(m *MempoolBackend) {
		m.limiter = ratelimit.New(rps)
	}
}

// WithRetryPolicy sets the retry policy for idempotent GET requests.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *MempoolBackend) {
		m.retry = p
	}
}

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	limiter    ratelimit.Limiter
	retry      RetryPolicy
	mu         sync.RWMutex
	connected  bool
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string, opts ...Option) *MempoolBackend {
	// Remove trailing slash
	baseURL = strings.TrimSuffix(baseURL, "/")

	m := &MempoolBackend{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: ratelimit.NewUnlimited(),
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect tests the connection to the API.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close closes the connection.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if connected.
func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetAddressUTXOs returns unspent outputs for an address, confirmed and
// unconfirmed. Callers decide which are spendable.
func (m *MempoolBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value int64 `json:"value"`
	}

	if err := m.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	// Fetch current block height for confirmation calculation
	currentHeight, err := m.GetBlockHeight(ctx)
	if err != nil {
		// If we can't get block height, fall back to simple confirmed/unconfirmed
		currentHeight = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Value:         btcutil.Amount(u.Value),
			Confirmed:     u.Status.Confirmed,
			Confirmations: confirmations(u.Status.Confirmed, u.Status.BlockHeight, currentHeight),
			BlockHeight:   u.Status.BlockHeight,
		}
	}

	return utxos, nil
}

// confirmations is current_height - block_height + 1, or at least 1 for a
// confirmed output when the tip height is unknown.
func confirmations(confirmed bool, blockHeight, currentHeight int64) int64 {
	if !confirmed || blockHeight <= 0 {
		return 0
	}
	if currentHeight >= blockHeight {
		return currentHeight - blockHeight + 1
	}
	return 1
}

// GetTransactionStatus returns the confirmation status and fee of a transaction.
func (m *MempoolBackend) GetTransactionStatus(ctx context.Context, txID string) (*TxStatus, error) {
	var result struct {
		TxID   string `json:"txid"`
		Fee    int64  `json:"fee"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
			BlockTime   int64 `json:"block_time"`
		} `json:"status"`
	}

	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		if err == ErrAddressNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	status := &TxStatus{
		TxID:        result.TxID,
		Confirmed:   result.Status.Confirmed,
		BlockHeight: result.Status.BlockHeight,
		BlockTime:   result.Status.BlockTime,
		Fee:         result.Fee,
	}

	// mempool.space API returns block_height but not confirmations directly
	if status.Confirmed {
		currentHeight, err := m.GetBlockHeight(ctx)
		if err != nil {
			currentHeight = 0
		}
		status.Confirmations = confirmations(true, status.BlockHeight, currentHeight)
	}

	return status, nil
}

// BroadcastTransaction broadcasts a raw transaction. It is never retried: a
// resubmission after an ambiguous failure could race a successful first send.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	m.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}

	// Response is the txid
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current block height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := m.get(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeEstimates returns the recommended fee tiers.
func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*fee.Tiers, error) {
	var tiers fee.Tiers
	if err := m.get(ctx, "/v1/fees/recommended", &tiers); err != nil {
		return nil, err
	}
	if err := tiers.Validate(); err != nil {
		return nil, fmt.Errorf("indexer returned unusable fee tiers: %w", err)
	}
	return &tiers, nil
}

// get performs a GET request under the retry policy and decodes the JSON
// response into result.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	return m.retry.Do(ctx, func() error {
		return m.getOnce(ctx, path, result)
	})
}

func (m *MempoolBackend) getOnce(ctx context.Context, path string, result interface{}) error {
	m.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Add cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return markRetryable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrAddressNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return markRetryable(ErrRateLimited)
	case resp.StatusCode >= http.StatusInternalServerError:
		return markRetryable(fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// Ensure MempoolBackend implements Backend
var _ Backend = (*MempoolBackend)(nil)
