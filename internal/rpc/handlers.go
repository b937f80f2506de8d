package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/satsend/internal/fee"
	"github.com/Klingon-tech/satsend/internal/payments"
	"github.com/Klingon-tech/satsend/internal/storage"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
	"github.com/Klingon-tech/satsend/pkg/helpers"
)

// Version of the daemon
const Version = "0.1.0-dev"

// DefaultHistoryLimit caps tx_history when no limit is given.
const DefaultHistoryLimit = 50

func parseParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return walleterr.Newf(walleterr.ErrInvalidInput, "params are required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return walleterr.Wrap(walleterr.ErrInvalidInput, fmt.Errorf("invalid params: %w", err))
	}
	return nil
}

// ========================================
// Wallet handlers
// ========================================

// WalletAddressResult is the response for wallet_address.
type WalletAddressResult struct {
	Address string `json:"address"`
	Network string `json:"network"`
	Type    string `json:"type"`
}

func (s *Server) walletAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &WalletAddressResult{
		Address: s.payments.Address(),
		Network: string(s.payments.Network()),
		Type:    string(s.payments.AddressType()),
	}, nil
}

func (s *Server) walletFeeTiers(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.payments.FeeTiers(ctx)
}

// ========================================
// Transaction handlers
// ========================================

// TxPrepareParams is the parameters for tx_prepare.
type TxPrepareParams struct {
	To string `json:"to"`
	// Amount is a BTC decimal ("0.0005") or a satoshi count ("50000sat").
	Amount string `json:"amount"`
	// FeeRate overrides the tier when set (sat/vB).
	FeeRate float64 `json:"fee_rate,omitempty"`
	FeeTier string  `json:"fee_tier,omitempty"`
}

// TxPrepareResult is the response for tx_prepare.
type TxPrepareResult struct {
	*payments.PendingTransaction
	AmountBTC string `json:"amount_btc"`
	FeeBTC    string `json:"fee_btc"`
}

func (s *Server) txPrepare(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TxPrepareParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	amount, err := helpers.ParseSatoshis(p.Amount)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.ErrInvalidInput, err)
	}

	var opts []payments.PrepareOption
	if p.FeeTier != "" {
		tier, err := fee.ParseTier(p.FeeTier)
		if err != nil {
			return nil, err
		}
		opts = append(opts, payments.WithFeeTier(tier))
	}
	if p.FeeRate != 0 {
		opts = append(opts, payments.WithFeeRate(fee.SatPerVByte(p.FeeRate)))
	}

	pending, err := s.payments.Prepare(ctx, p.To, amount, opts...)
	if err != nil {
		return nil, err
	}

	return &TxPrepareResult{
		PendingTransaction: pending,
		AmountBTC:          helpers.FormatBTC(pending.Amount),
		FeeBTC:             helpers.FormatBTC(pending.Fee),
	}, nil
}

// TxIDParams names a pending transaction.
type TxIDParams struct {
	ID string `json:"id"`
}

// tx_confirm reports a failed send in the result rather than as an RPC
// error once a pending transaction was consumed.
func (s *Server) txConfirm(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TxIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	result, err := s.payments.ConfirmAndSend(ctx, &payments.PendingTransaction{ID: p.ID})
	if result != nil {
		return result, nil
	}
	return nil, err
}

func (s *Server) txCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TxIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"cancelled": s.payments.Cancel(&payments.PendingTransaction{ID: p.ID}),
	}, nil
}

func (s *Server) txPending(ctx context.Context, params json.RawMessage) (interface{}, error) {
	pending := s.payments.Pending()
	if pending == nil {
		return nil, walleterr.ErrPendingNotFound
	}
	return pending, nil
}

// TxHistoryParams is the parameters for tx_history.
type TxHistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// TxHistoryEntry is one sent transaction.
type TxHistoryEntry struct {
	TxID        string   `json:"txid"`
	Recipient   string   `json:"recipient"`
	Amount      int64    `json:"amount"`
	Fee         int64    `json:"fee"`
	FeeRate     float64  `json:"fee_rate"`
	Change      int64    `json:"change"`
	Inputs      []string `json:"inputs"`
	Confirmed   bool     `json:"confirmed"`
	BlockHeight int64    `json:"block_height,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

func (s *Server) txHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p := TxHistoryParams{Limit: DefaultHistoryLimit}
	if len(params) > 0 {
		if err := parseParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Limit <= 0 {
		p.Limit = DefaultHistoryLimit
	}

	txs, err := s.payments.History(ctx, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	entries := make([]TxHistoryEntry, 0, len(txs))
	for _, tx := range txs {
		entries = append(entries, historyEntry(tx))
	}
	return entries, nil
}

// TxGetParams names a journaled transaction.
type TxGetParams struct {
	TxID string `json:"txid"`
}

func (s *Server) txGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TxGetParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.TxID == "" {
		return nil, walleterr.Newf(walleterr.ErrInvalidInput, "txid is required")
	}

	tx, err := s.payments.Transaction(ctx, p.TxID)
	if err != nil {
		return nil, err
	}
	return historyEntry(tx), nil
}

func historyEntry(tx *storage.SentTransaction) TxHistoryEntry {
	inputs := make([]string, len(tx.Inputs))
	for i, op := range tx.Inputs {
		inputs[i] = op.String()
	}
	return TxHistoryEntry{
		TxID:        tx.TxID,
		Recipient:   tx.Recipient,
		Amount:      int64(tx.Amount),
		Fee:         int64(tx.Fee),
		FeeRate:     tx.FeeRate,
		Change:      int64(tx.Change),
		Inputs:      inputs,
		Confirmed:   tx.Confirmed,
		BlockHeight: tx.BlockHeight,
		CreatedAt:   tx.CreatedAt,
	}
}

// ========================================
// Message handlers
// ========================================

// MessageSignParams is the parameters for message_sign.
type MessageSignParams struct {
	Message string `json:"message"`
}

func (s *Server) messageSign(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p MessageSignParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	sig, err := s.payments.SignMessage(p.Message)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"address":   s.payments.Address(),
		"signature": sig,
	}, nil
}

// MessageVerifyParams is the parameters for message_verify.
type MessageVerifyParams struct {
	Message   string `json:"message"`
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

func (s *Server) messageVerify(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p MessageVerifyParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	valid, err := s.payments.VerifyMessage(p.Message, p.Address, p.Signature)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"valid": valid}, nil
}
