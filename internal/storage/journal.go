package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/satsend/internal/chain"
)

// SentTransaction is a journal entry for a broadcast transaction.
type SentTransaction struct {
	TxID        string         `json:"txid"`
	Network     chain.Network  `json:"network"`
	FromAddress string         `json:"from_address"`
	Recipient   string         `json:"recipient"`
	Amount      btcutil.Amount `json:"amount"`
	Fee         btcutil.Amount `json:"fee"`
	FeeRate     float64        `json:"fee_rate"`
	Change      btcutil.Amount `json:"change"`
	RawHex      string         `json:"raw_hex"`

	// Inputs are the outpoints the transaction spends.
	Inputs []wire.OutPoint `json:"inputs,omitempty"`

	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// RecordBroadcast stores a broadcast transaction together with the outpoints
// it spends, atomically.
func (s *Storage) RecordBroadcast(tx *SentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.CreatedAt == 0 {
		tx.CreatedAt = time.Now().Unix()
	}

	dbtx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	_, err = dbtx.Exec(`
		INSERT INTO sent_transactions (
			txid, network, from_address, recipient, amount, fee, fee_rate, change,
			raw_hex, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txid) DO NOTHING
	`,
		tx.TxID, string(tx.Network), tx.FromAddress, tx.Recipient,
		int64(tx.Amount), int64(tx.Fee), tx.FeeRate, int64(tx.Change),
		tx.RawHex, tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sent transaction: %w", err)
	}

	for _, op := range tx.Inputs {
		_, err := dbtx.Exec(`
			INSERT INTO spent_outpoints (txid, vout, network, spending_txid, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(txid, vout) DO UPDATE SET
				spending_txid = excluded.spending_txid,
				created_at = excluded.created_at,
				released = 0
		`, op.Hash.String(), op.Index, string(tx.Network), tx.TxID, tx.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record spent outpoint %s: %w", op, err)
		}
	}

	return dbtx.Commit()
}

// SpentOutpoints returns every journaled spent outpoint on network.
func (s *Storage) SpentOutpoints(network chain.Network) (map[wire.OutPoint]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT txid, vout FROM spent_outpoints WHERE network = ? AND released = 0", string(network))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	spent := make(map[wire.OutPoint]struct{})
	for rows.Next() {
		var txid string
		var vout uint32
		if err := rows.Scan(&txid, &vout); err != nil {
			return nil, err
		}
		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return nil, fmt.Errorf("corrupt outpoint %s:%d: %w", txid, vout, err)
		}
		spent[wire.OutPoint{Hash: *hash, Index: vout}] = struct{}{}
	}

	return spent, rows.Err()
}

// ReleaseSpent stops filtering outpoints recorded before cutoff. By then the
// indexer no longer reports them as unspent. They stay attached to their
// transaction's history.
func (s *Storage) ReleaseSpent(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE spent_outpoints SET released = 1 WHERE released = 0 AND created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetSent retrieves a journaled transaction by txid, or nil if unknown.
func (s *Storage) GetSent(txid string) (*SentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectSent+" WHERE txid = ?", txid)
	tx, err := scanSent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	inputs, err := s.inputsOf(txid)
	if err != nil {
		return nil, err
	}
	tx.Inputs = inputs
	return tx, nil
}

// ListSent returns journaled transactions on network, newest first. A
// non-positive limit returns everything.
func (s *Storage) ListSent(network chain.Network, limit int) ([]*SentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectSent + " WHERE network = ? ORDER BY created_at DESC, txid"
	args := []interface{}{string(network)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	txs, err := s.querySent(query, args...)
	if err != nil {
		return nil, err
	}

	// The pool holds one connection, so inputs are read only after the
	// listing's rows are closed.
	for _, tx := range txs {
		if tx.Inputs, err = s.inputsOf(tx.TxID); err != nil {
			return nil, err
		}
	}
	return txs, nil
}

func (s *Storage) querySent(query string, args ...interface{}) ([]*SentTransaction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*SentTransaction
	for rows.Next() {
		tx, err := scanSent(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// MarkConfirmed records that a journaled transaction confirmed at height.
func (s *Storage) MarkConfirmed(txid string, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE sent_transactions SET confirmed = 1, block_height = ?, updated_at = ?
		WHERE txid = ?
	`, height, time.Now().Unix(), txid)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sent transaction %s not found", txid)
	}
	return nil
}

const selectSent = `
	SELECT txid, network, from_address, recipient, amount, fee, fee_rate, change,
		   raw_hex, confirmed, block_height, created_at, updated_at
	FROM sent_transactions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSent(row scanner) (*SentTransaction, error) {
	var tx SentTransaction
	var network string
	var amount, fee, change int64
	var confirmed int
	var blockHeight, updatedAt sql.NullInt64

	err := row.Scan(
		&tx.TxID, &network, &tx.FromAddress, &tx.Recipient, &amount, &fee, &tx.FeeRate, &change,
		&tx.RawHex, &confirmed, &blockHeight, &tx.CreatedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Network = chain.Network(network)
	tx.Amount = btcutil.Amount(amount)
	tx.Fee = btcutil.Amount(fee)
	tx.Change = btcutil.Amount(change)
	tx.Confirmed = confirmed != 0
	if blockHeight.Valid {
		tx.BlockHeight = blockHeight.Int64
	}
	if updatedAt.Valid {
		tx.UpdatedAt = updatedAt.Int64
	}
	return &tx, nil
}

func (s *Storage) inputsOf(txid string) ([]wire.OutPoint, error) {
	rows, err := s.db.Query("SELECT txid, vout FROM spent_outpoints WHERE spending_txid = ? ORDER BY txid, vout", txid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inputs []wire.OutPoint
	for rows.Next() {
		var hashStr string
		var vout uint32
		if err := rows.Scan(&hashStr, &vout); err != nil {
			return nil, err
		}
		hash, err := chainhash.NewHashFromStr(hashStr)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, wire.OutPoint{Hash: *hash, Index: vout})
	}
	return inputs, rows.Err()
}
