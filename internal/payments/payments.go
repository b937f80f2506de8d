// Package payments is the two-phase send flow: Prepare selects inputs and
// builds an unsigned transaction, ConfirmAndSend signs, finalizes and
// broadcasts it.
package payments

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Klingon-tech/satsend/internal/backend"
	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/coinselect"
	"github.com/Klingon-tech/satsend/internal/fee"
	"github.com/Klingon-tech/satsend/internal/metrics"
	"github.com/Klingon-tech/satsend/internal/storage"
	"github.com/Klingon-tech/satsend/internal/txbuilder"
	"github.com/Klingon-tech/satsend/internal/wallet"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
	"github.com/Klingon-tech/satsend/pkg/logging"
)

// Collaborator is the indexer the service reads UTXOs and fee tiers from and
// broadcasts through. backend.Backend satisfies it.
type Collaborator interface {
	GetAddressUTXOs(ctx context.Context, address string) ([]backend.UTXO, error)
	GetFeeEstimates(ctx context.Context) (*fee.Tiers, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
}

// StatusChecker is implemented by collaborators that can report whether a
// transaction confirmed.
type StatusChecker interface {
	GetTransactionStatus(ctx context.Context, txID string) (*backend.TxStatus, error)
}

// Journal records broadcasts so their inputs are not selected again before
// the indexer sees the spend. *storage.Storage satisfies it.
type Journal interface {
	RecordBroadcast(tx *storage.SentTransaction) error
	SpentOutpoints(network chain.Network) (map[wire.OutPoint]struct{}, error)
	ListSent(network chain.Network, limit int) ([]*storage.SentTransaction, error)
	GetSent(txid string) (*storage.SentTransaction, error)
	MarkConfirmed(txid string, height int64) error
}

// Config configures a Service.
type Config struct {
	Network chain.Network
	KeyPair *wallet.KeyPair
	// Variant is the payer address type. Defaults to the network's default.
	Variant      chain.AddressType
	Collaborator Collaborator

	// Optional.
	Journal  Journal
	Notifier Notifier
	Logger   *logging.Logger

	// DefaultTier is used when Prepare gets neither a rate nor a tier.
	DefaultTier fee.Tier
	// RecheckInputs refetches UTXOs before signing and refuses to send if
	// any selected input disappeared.
	RecheckInputs bool
}

// PendingTransaction is the unsigned result of Prepare. It is only valid
// until the next Prepare, ConfirmAndSend or Cancel on the same Service.
type PendingTransaction struct {
	ID          string             `json:"id"`
	Network     chain.Network      `json:"network"`
	From        string             `json:"from"`
	Recipient   string             `json:"recipient"`
	Amount      btcutil.Amount     `json:"amount"`
	Fee         btcutil.Amount     `json:"fee"`
	FeeRate     fee.SatPerVByte    `json:"fee_rate"`
	Change      btcutil.Amount     `json:"change"`
	HasChange   bool               `json:"has_change"`
	VirtualSize fee.VirtualBytes   `json:"vsize"`
	Inputs      int                `json:"inputs"`
	PSBT        string             `json:"psbt"`
	CreatedAt   time.Time          `json:"created_at"`
	tx          *txbuilder.Transaction
}

// SendResult is the outcome of ConfirmAndSend.
type SendResult struct {
	Success bool           `json:"success"`
	TxID    string         `json:"txid,omitempty"`
	Fee     btcutil.Amount `json:"fee,omitempty"`
	Raw     string         `json:"raw,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Service is the payment facade for one wallet session. It allows a single
// prepare or send at a time and holds at most one pending transaction.
type Service struct {
	cfg      Config
	sem      *semaphore.Weighted
	log      *logging.Logger
	address  string
	pkScript []byte
	kind     fee.InputKind

	mu      sync.Mutex
	pending *PendingTransaction
}

// New creates a Service. The payer address is derived once from the key.
func New(cfg Config) (*Service, error) {
	params, ok := chain.Get(cfg.Network)
	if !ok {
		return nil, walleterr.Newf(walleterr.ErrInvalidInput, "unsupported network %q", cfg.Network)
	}
	if cfg.KeyPair == nil {
		return nil, walleterr.Newf(walleterr.ErrInvalidInput, "key pair is required")
	}
	if cfg.Collaborator == nil {
		return nil, walleterr.Newf(walleterr.ErrInvalidInput, "collaborator is required")
	}
	if cfg.Variant == "" {
		cfg.Variant = params.DefaultAddressType
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = fee.TierHalfHour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefault()
	}

	kind, err := fee.KindForAddressType(cfg.Variant)
	if err != nil {
		return nil, err
	}
	address, err := wallet.DeriveAddress(cfg.KeyPair, cfg.Network, cfg.Variant)
	if err != nil {
		return nil, err
	}
	pkScript, err := wallet.PayToAddress(address, cfg.Network)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(1),
		log:      cfg.Logger.Component("payments"),
		address:  address,
		pkScript: pkScript,
		kind:     kind,
	}, nil
}

// Address returns the payer address. Change is paid back to it.
func (s *Service) Address() string {
	return s.address
}

// AddressType returns the payer address type.
func (s *Service) AddressType() chain.AddressType {
	return s.cfg.Variant
}

// Network returns the service's network.
func (s *Service) Network() chain.Network {
	return s.cfg.Network
}

// Pending returns the current pending transaction, or nil.
func (s *Service) Pending() *PendingTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// FeeTiers fetches the current fee tiers.
func (s *Service) FeeTiers(ctx context.Context) (*fee.Tiers, error) {
	started := time.Now()
	tiers, err := s.cfg.Collaborator.GetFeeEstimates(ctx)
	metrics.ObserveCollaborator("fee_estimates", string(s.cfg.Network), err, started)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.ErrCollaboratorUnavailable, err)
	}
	return tiers, nil
}

// PrepareOption adjusts a single Prepare call.
type PrepareOption func(*prepareOptions)

type prepareOptions struct {
	rate fee.SatPerVByte
	tier fee.Tier
}

// WithFeeRate uses an explicit rate instead of fetching fee tiers.
func WithFeeRate(rate fee.SatPerVByte) PrepareOption {
	return func(o *prepareOptions) {
		o.rate = rate
	}
}

// WithFeeTier picks the rate of a fetched fee tier.
func WithFeeTier(tier fee.Tier) PrepareOption {
	return func(o *prepareOptions) {
		o.tier = tier
	}
}

// Prepare validates the payment, selects inputs from the confirmed UTXO
// snapshot and builds the unsigned transaction. It neither signs nor
// broadcasts. Any previous pending transaction is discarded.
func (s *Service) Prepare(ctx context.Context, to string, amount btcutil.Amount, opts ...PrepareOption) (*PendingTransaction, error) {
	if !s.sem.TryAcquire(1) {
		return nil, walleterr.ErrBusy
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	p, err := s.prepare(ctx, to, amount, opts)
	if err != nil {
		metrics.ObservePrepare(string(s.cfg.Network), 0, 0, err)
		s.log.Debug("Prepare failed", "to", to, "amount", int64(amount), "error", err)
		return nil, err
	}
	metrics.ObservePrepare(string(s.cfg.Network), p.Inputs, float64(p.FeeRate), nil)

	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()

	s.log.Info("Transaction prepared",
		"id", p.ID, "to", p.Recipient, "amount", int64(p.Amount),
		"fee", int64(p.Fee), "rate", float64(p.FeeRate), "inputs", p.Inputs, "change", int64(p.Change))
	s.notify(Event{Type: EventPrepared, PendingID: p.ID, Fee: p.Fee})
	return p, nil
}

func (s *Service) prepare(ctx context.Context, to string, amount btcutil.Amount, opts []PrepareOption) (*PendingTransaction, error) {
	var o prepareOptions
	for _, opt := range opts {
		opt(&o)
	}

	if amount <= 0 || amount > btcutil.MaxSatoshi {
		return nil, walleterr.Newf(walleterr.ErrInvalidInput, "amount %d out of range", int64(amount))
	}
	pkScript, err := wallet.PayToAddress(to, s.cfg.Network)
	if err != nil {
		return nil, err
	}
	payment := wire.NewTxOut(int64(amount), pkScript)
	if err := fee.CheckOutput(payment); err != nil {
		return nil, err
	}

	rate, err := s.resolveRate(ctx, o)
	if err != nil {
		return nil, err
	}

	candidates, err := s.spendable(ctx)
	if err != nil {
		return nil, err
	}

	sel, err := coinselect.Select(coinselect.Request{
		Candidates:     candidates,
		Outputs:        []*wire.TxOut{payment},
		FeeRate:        rate,
		ChangePkScript: s.pkScript,
	})
	if err != nil {
		return nil, err
	}

	tx, err := txbuilder.BuildUnsigned(s.cfg.Network, []txbuilder.Output{{Address: to, Value: amount}}, sel)
	if err != nil {
		return nil, err
	}
	if s.cfg.Variant == chain.AddressP2SH_P2WPKH {
		redeemScript, err := wallet.NestedRedeemScript(s.cfg.KeyPair.PublicKey(), s.cfg.Network)
		if err != nil {
			return nil, err
		}
		for i := range sel.Inputs {
			if err := tx.SetRedeemScript(i, redeemScript); err != nil {
				return nil, err
			}
		}
	}

	packet, err := tx.PSBTBase64()
	if err != nil {
		return nil, err
	}

	return &PendingTransaction{
		ID:          uuid.NewString(),
		Network:     s.cfg.Network,
		From:        s.address,
		Recipient:   to,
		Amount:      amount,
		Fee:         sel.Fee,
		FeeRate:     rate,
		Change:      sel.Change,
		HasChange:   sel.HasChange,
		VirtualSize: sel.VirtualSize,
		Inputs:      len(sel.Inputs),
		PSBT:        packet,
		CreatedAt:   time.Now(),
		tx:          tx,
	}, nil
}

// resolveRate returns the explicit rate, or the rate of the requested (or
// default) tier from freshly fetched tiers.
func (s *Service) resolveRate(ctx context.Context, o prepareOptions) (fee.SatPerVByte, error) {
	if o.rate != 0 {
		if err := fee.ValidateRate(o.rate); err != nil {
			return 0, err
		}
		return o.rate, nil
	}

	tier := o.tier
	if tier == "" {
		tier = s.cfg.DefaultTier
	}

	tiers, err := s.FeeTiers(ctx)
	if err != nil {
		return 0, err
	}
	rate, err := tiers.Rate(tier)
	if err != nil {
		return 0, err
	}
	if err := fee.ValidateRate(rate); err != nil {
		return 0, walleterr.Wrap(walleterr.ErrCollaboratorUnavailable, err)
	}
	return rate, nil
}

// spendable fetches the payer's UTXOs and keeps the confirmed ones no
// journaled broadcast already consumed.
func (s *Service) spendable(ctx context.Context) ([]coinselect.UTXO, error) {
	utxos, err := s.fetchUTXOs(ctx)
	if err != nil {
		return nil, err
	}

	var spent map[wire.OutPoint]struct{}
	if s.cfg.Journal != nil {
		spent, err = s.cfg.Journal.SpentOutpoints(s.cfg.Network)
		if err != nil {
			return nil, err
		}
	}

	candidates := make([]coinselect.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if !u.Confirmed {
			continue
		}
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, walleterr.WithDetail(walleterr.Wrap(walleterr.ErrCollaboratorUnavailable, err), "txid", u.TxID)
		}
		op := wire.OutPoint{Hash: *hash, Index: u.Vout}
		if _, ok := spent[op]; ok {
			continue
		}
		candidates = append(candidates, coinselect.UTXO{
			OutPoint: op,
			Value:    u.Value,
			PkScript: s.pkScript,
			Kind:     s.kind,
		})
	}
	return candidates, nil
}

func (s *Service) fetchUTXOs(ctx context.Context) ([]backend.UTXO, error) {
	started := time.Now()
	utxos, err := s.cfg.Collaborator.GetAddressUTXOs(ctx, s.address)
	metrics.ObserveCollaborator("address_utxos", string(s.cfg.Network), err, started)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.ErrCollaboratorUnavailable, err)
	}
	return utxos, nil
}

// ConfirmAndSend signs, finalizes and broadcasts the pending transaction p.
// The pending transaction is consumed whatever the outcome. On failure the
// result carries Success false and the error is returned as well.
func (s *Service) ConfirmAndSend(ctx context.Context, p *PendingTransaction) (*SendResult, error) {
	if !s.sem.TryAcquire(1) {
		return nil, walleterr.ErrBusy
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	if p == nil || s.pending == nil || s.pending.ID != p.ID {
		s.mu.Unlock()
		return nil, walleterr.ErrPendingNotFound
	}
	current := s.pending
	s.pending = nil
	s.mu.Unlock()

	tx := current.tx
	if err := tx.CheckBalance(); err != nil {
		return s.failSend(current, walleterr.Wrap(walleterr.ErrInvalidState, err))
	}

	if s.cfg.RecheckInputs {
		if err := s.recheckInputs(ctx, tx); err != nil {
			return s.failSend(current, err)
		}
	}

	if err := tx.SignAllInputs(s.cfg.KeyPair); err != nil {
		return s.failSend(current, err)
	}

	raw, err := tx.Finalize()
	if err != nil {
		return s.failSend(current, err)
	}
	rawHex := hex.EncodeToString(raw)
	txid := tx.TxID().String()

	started := time.Now()
	broadcastID, err := s.cfg.Collaborator.BroadcastTransaction(ctx, rawHex)
	metrics.ObserveCollaborator("broadcast", string(s.cfg.Network), err, started)
	if err != nil {
		return s.failSend(current, walleterr.Wrap(walleterr.ErrCollaboratorUnavailable, err))
	}
	if broadcastID != "" && broadcastID != txid {
		s.log.Warn("Indexer reported a different txid", "local", txid, "indexer", broadcastID)
	}

	s.journal(current, tx, txid, rawHex)
	metrics.ObserveSend(string(s.cfg.Network), int64(current.Fee), nil)
	s.log.Info("Transaction sent", "txid", txid, "fee", int64(current.Fee))
	s.notify(Event{Type: EventSent, PendingID: current.ID, TxID: txid, Fee: current.Fee})

	return &SendResult{Success: true, TxID: txid, Fee: current.Fee, Raw: rawHex}, nil
}

func (s *Service) failSend(p *PendingTransaction, err error) (*SendResult, error) {
	metrics.ObserveSend(string(s.cfg.Network), int64(p.Fee), err)
	s.log.Error("Send failed", "id", p.ID, "error", err)
	s.notify(Event{Type: EventFailed, PendingID: p.ID, Error: err.Error()})
	return &SendResult{Success: false, Error: err.Error()}, err
}

// recheckInputs fails with ErrInvalidState when a selected input is no
// longer reported unspent and confirmed.
func (s *Service) recheckInputs(ctx context.Context, tx *txbuilder.Transaction) error {
	utxos, err := s.fetchUTXOs(ctx)
	if err != nil {
		return err
	}

	live := make(map[wire.OutPoint]bool, len(utxos))
	for _, u := range utxos {
		if !u.Confirmed {
			continue
		}
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		live[wire.OutPoint{Hash: *hash, Index: u.Vout}] = true
	}
	for _, in := range tx.Selection().Inputs {
		if !live[in.OutPoint] {
			return walleterr.WithDetail(
				walleterr.Newf(walleterr.ErrInvalidState, "input is no longer unspent"),
				"outpoint", in.OutPoint.String())
		}
	}
	return nil
}

// journal records a successful broadcast. A journal failure is logged; the
// transaction is already on the network.
func (s *Service) journal(p *PendingTransaction, tx *txbuilder.Transaction, txid, rawHex string) {
	if s.cfg.Journal == nil {
		return
	}

	inputs := tx.Selection().Inputs
	outpoints := make([]wire.OutPoint, len(inputs))
	for i, in := range inputs {
		outpoints[i] = in.OutPoint
	}

	err := s.cfg.Journal.RecordBroadcast(&storage.SentTransaction{
		TxID:        txid,
		Network:     s.cfg.Network,
		FromAddress: p.From,
		Recipient:   p.Recipient,
		Amount:      p.Amount,
		Fee:         p.Fee,
		FeeRate:     float64(p.FeeRate),
		Change:      p.Change,
		RawHex:      rawHex,
		Inputs:      outpoints,
	})
	if err != nil {
		s.log.Warn("Failed to journal broadcast", "txid", txid, "error", err)
	}
}

// Cancel discards p if it is the current pending transaction and reports
// whether it was.
func (s *Service) Cancel(p *PendingTransaction) bool {
	if p == nil {
		return false
	}

	s.mu.Lock()
	if s.pending == nil || s.pending.ID != p.ID {
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	s.mu.Unlock()

	s.log.Info("Transaction cancelled", "id", p.ID)
	s.notify(Event{Type: EventCancelled, PendingID: p.ID})
	return true
}

// SignMessage signs message with the session key and returns the base64
// compact signature.
func (s *Service) SignMessage(message string) (string, error) {
	return wallet.SignMessageBase64(message, s.cfg.KeyPair)
}

// VerifyMessage checks a base64 compact signature against address.
func (s *Service) VerifyMessage(message, address, signature string) (bool, error) {
	return wallet.VerifyMessageBase64(message, address, signature)
}

// History returns journaled transactions, newest first. Unconfirmed entries
// are refreshed when the collaborator can report status.
func (s *Service) History(ctx context.Context, limit int) ([]*storage.SentTransaction, error) {
	if s.cfg.Journal == nil {
		return nil, nil
	}

	txs, err := s.cfg.Journal.ListSent(s.cfg.Network, limit)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		s.refreshStatus(ctx, tx)
	}
	return txs, nil
}

// Transaction returns one journaled transaction on the service's network,
// refreshed like History entries.
func (s *Service) Transaction(ctx context.Context, txid string) (*storage.SentTransaction, error) {
	if s.cfg.Journal == nil {
		return nil, walleterr.Newf(walleterr.ErrTxNotFound, "no journal configured")
	}

	tx, err := s.cfg.Journal.GetSent(txid)
	if err != nil {
		return nil, err
	}
	if tx == nil || tx.Network != s.cfg.Network {
		return nil, walleterr.WithDetail(walleterr.ErrTxNotFound, "txid", txid)
	}

	s.refreshStatus(ctx, tx)
	return tx, nil
}

// refreshStatus marks an unconfirmed entry confirmed when the collaborator
// reports it mined. Failures leave the entry as is.
func (s *Service) refreshStatus(ctx context.Context, tx *storage.SentTransaction) {
	checker, ok := s.cfg.Collaborator.(StatusChecker)
	if !ok || tx.Confirmed {
		return
	}

	status, err := checker.GetTransactionStatus(ctx, tx.TxID)
	if err != nil {
		s.log.Debug("Status check failed", "txid", tx.TxID, "error", err)
		return
	}
	if !status.Confirmed {
		return
	}
	if err := s.cfg.Journal.MarkConfirmed(tx.TxID, status.BlockHeight); err != nil {
		s.log.Warn("Failed to mark confirmed", "txid", tx.TxID, "error", err)
		return
	}
	tx.Confirmed = true
	tx.BlockHeight = status.BlockHeight
}
