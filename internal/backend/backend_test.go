package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/fee"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, Cap: 4 * time.Millisecond}
}

func newIndexer(t *testing.T, handler http.HandlerFunc) *MempoolBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewMempoolBackend(srv.URL+"/", WithRetryPolicy(fastRetry()))
}

func TestNewMempoolBackend(t *testing.T) {
	backend := NewMempoolBackend("https://mempool.space/api/")

	assert.Equal(t, TypeMempool, backend.Type())
	assert.False(t, backend.IsConnected(), "should not be connected initially")
	assert.Equal(t, "https://mempool.space/api", backend.baseURL, "trailing slash should be removed")

	assert.Equal(t, TypeEsplora, NewEsploraBackend("https://blockstream.info/api").Type())
}

func TestConnectAndClose(t *testing.T) {
	b := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/blocks/tip/height", r.URL.Path)
		_, _ = io.WriteString(w, "840000")
	})

	require.NoError(t, b.Connect(context.Background()))
	assert.True(t, b.IsConnected())
	require.NoError(t, b.Close())
	assert.False(t, b.IsConnected())
}

func TestGetAddressUTXOs(t *testing.T) {
	b := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/address/tb1qexample/utxo":
			_, _ = io.WriteString(w, `[
				{"txid":"aa","vout":0,"value":50000,"status":{"confirmed":true,"block_height":100}},
				{"txid":"bb","vout":1,"value":1200,"status":{"confirmed":false}}
			]`)
		case "/blocks/tip/height":
			_, _ = io.WriteString(w, "105")
		default:
			http.NotFound(w, r)
		}
	})

	utxos, err := b.GetAddressUTXOs(context.Background(), "tb1qexample")
	require.NoError(t, err)
	require.Len(t, utxos, 2)

	assert.Equal(t, UTXO{TxID: "aa", Vout: 0, Value: btcutil.Amount(50000), Confirmed: true, Confirmations: 6, BlockHeight: 100}, utxos[0])
	assert.False(t, utxos[1].Confirmed)
	assert.Zero(t, utxos[1].Confirmations)
}

func TestGetFeeEstimatesMempool(t *testing.T) {
	b := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/fees/recommended", r.URL.Path)
		_, _ = io.WriteString(w, `{"fastestFee":25,"halfHourFee":20,"hourFee":12,"economyFee":4,"minimumFee":1}`)
	})

	tiers, err := b.GetFeeEstimates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fee.Tiers{Minimum: 1, Economy: 4, Hour: 12, HalfHour: 20, Fastest: 25}, *tiers)
}

func TestGetFeeEstimatesRejectsZeroTier(t *testing.T) {
	b := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"halfHourFee":20,"hourFee":12,"economyFee":4,"minimumFee":0}`)
	})

	_, err := b.GetFeeEstimates(context.Background())
	require.Error(t, err)
}

func TestGetFeeEstimatesEsplora(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fee-estimates", r.URL.Path)
		_, _ = io.WriteString(w, `{"1":30.5,"3":18.2,"6":10,"144":2.1}`)
	}))
	defer srv.Close()

	tiers, err := NewEsploraBackend(srv.URL).GetFeeEstimates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fee.SatPerVByte(30.5), tiers.Fastest)
	assert.Equal(t, fee.SatPerVByte(18.2), tiers.HalfHour)
	assert.Equal(t, fee.SatPerVByte(10), tiers.Hour)
	assert.Equal(t, fee.SatPerVByte(2.1), tiers.Economy)
	assert.Equal(t, fee.SatPerVByte(1), tiers.Minimum)
}

func TestBroadcastTransaction(t *testing.T) {
	b := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		if string(body) == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, "sendrawtransaction RPC error: TX decode failed")
			return
		}
		_, _ = io.WriteString(w, "abcd\n")
	})

	txid, err := b.BroadcastTransaction(context.Background(), "0200")
	require.NoError(t, err)
	assert.Equal(t, "abcd", txid)

	_, err = b.BroadcastTransaction(context.Background(), "bad")
	require.ErrorIs(t, err, ErrBroadcastFailed)
	assert.Contains(t, err.Error(), "TX decode failed")
}

func TestBroadcastIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	b := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := b.BroadcastTransaction(context.Background(), "0200")
	require.ErrorIs(t, err, ErrBroadcastFailed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	b := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "7")
	})

	height, err := b.GetBlockHeight(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, height)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGetGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	b := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := b.GetBlockHeight(context.Background())
	require.ErrorIs(t, err, ErrRateLimited)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGetDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	b := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	})

	_, err := b.GetTransactionStatus(context.Background(), "ff")
	require.ErrorIs(t, err, ErrTxNotFound)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetTransactionStatus(t *testing.T) {
	b := newIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/ff":
			_, _ = io.WriteString(w, `{"txid":"ff","fee":1410,"status":{"confirmed":true,"block_height":10,"block_time":1700000000}}`)
		case "/blocks/tip/height":
			_, _ = io.WriteString(w, "12")
		}
	})

	status, err := b.GetTransactionStatus(context.Background(), "ff")
	require.NoError(t, err)
	assert.True(t, status.Confirmed)
	assert.EqualValues(t, 3, status.Confirmations)
	assert.EqualValues(t, 1410, status.Fee)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Multiplier: 2, Cap: 300 * time.Millisecond}

	for attempt, ceiling := range []time.Duration{100, 200, 300, 300} {
		ceiling *= time.Millisecond
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, ceiling/2, "attempt %d", attempt)
		assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
	}
}

func TestRetryPolicyStopsOnContext(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		cancel()
		return markRetryable(errors.New("boom"))
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestGuardedTripsBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inner := NewMempoolBackend(srv.URL, WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	g := NewGuarded(inner, BreakerConfig{MinRequests: 2, FailureRatio: 0.5, OpenTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := g.GetBlockHeight(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	before := calls.Load()
	_, err := g.GetFeeEstimates(context.Background())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, before, calls.Load(), "open breaker must not reach the indexer")
}

func TestNewFromConfig(t *testing.T) {
	cfg := DefaultConfig()

	b, err := New(cfg, chain.Testnet)
	require.NoError(t, err)
	assert.Equal(t, TypeMempool, b.Type())

	cfg.Type = TypeEsplora
	b, err = New(cfg, chain.Mainnet)
	require.NoError(t, err)
	assert.Equal(t, TypeEsplora, b.Type())

	cfg.Type = "electrum"
	_, err = New(cfg, chain.Mainnet)
	require.ErrorIs(t, err, ErrUnsupportedBackend)

	cfg = DefaultConfig()
	cfg.TestnetURL = ""
	_, err = New(cfg, chain.Testnet)
	require.Error(t, err)
}
