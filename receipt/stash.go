package receipt

import (
	"fmt"

	"github.com/meow-io/go-receipts/ids"
)

// Stalled receipts are kept until a key opens them. Nothing expires them.

// putStalled reports false when the same payload is already stashed for the nonce.
func (db *database) putStalled(s *StalledReceipt) (bool, error) {
	res, err := db.Tx.NamedExec("INSERT INTO _stalled_receipts (id, owned_identity, nonce, payload, server_timestamp, stashed_at_ms) VALUES (:id, :owned_identity, :nonce, :payload, :server_timestamp, :stashed_at_ms) ON CONFLICT(nonce, payload) DO NOTHING", s)
	if err != nil {
		return false, fmt.Errorf("receipt: error inserting stalled receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("receipt: error inserting stalled receipt: %w", err)
	}
	return n == 1, nil
}

func (db *database) stalledFor(ownedIdentity, nonce []byte) ([]*StalledReceipt, error) {
	var rows []*StalledReceipt
	if err := db.Tx.Select(&rows, "SELECT * FROM _stalled_receipts WHERE owned_identity = $1 AND nonce = $2 ORDER BY stashed_at_ms, id", ownedIdentity, nonce); err != nil {
		return nil, fmt.Errorf("receipt: error getting stalled receipts: %w", err)
	}
	return rows, nil
}

func (db *database) deleteStalled(id ids.ID) error {
	if _, err := db.Tx.Exec("DELETE FROM _stalled_receipts WHERE id = $1", id[:]); err != nil {
		return fmt.Errorf("receipt: error deleting stalled receipt: %w", err)
	}
	return nil
}

func (db *database) stalled() ([]*StalledReceipt, error) {
	var rows []*StalledReceipt
	if err := db.Tx.Select(&rows, "SELECT * FROM _stalled_receipts ORDER BY stashed_at_ms, id"); err != nil {
		return nil, fmt.Errorf("receipt: error getting stalled receipts: %w", err)
	}
	return rows, nil
}

func (db *database) stalledStats() (*StalledStats, error) {
	s := &StalledStats{}
	if err := db.Tx.Get(s, "SELECT count(*) AS count, COALESCE(MIN(stashed_at_ms), 0) AS oldest_stashed_at_ms FROM _stalled_receipts"); err != nil {
		return nil, fmt.Errorf("receipt: error getting stalled receipt stats: %w", err)
	}
	return s, nil
}

func (db *database) stalledOlderThan(ms uint64) (int, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _stalled_receipts WHERE stashed_at_ms < $1", ms); err != nil {
		return 0, fmt.Errorf("receipt: error counting stalled receipts: %w", err)
	}
	return count, nil
}

// pendingDrain is a nonce with stalled receipts and at least one delivery record that could open
// them.
type pendingDrain struct {
	OwnedIdentity []byte `db:"owned_identity"`
	Nonce         []byte `db:"nonce"`
}

func (db *database) pendingDrains() ([]*pendingDrain, error) {
	var rows []*pendingDrain
	if err := db.Tx.Select(&rows, `
		SELECT DISTINCT s.owned_identity, s.nonce FROM _stalled_receipts s
		WHERE EXISTS (
			SELECT 1 FROM _delivery_records d
			WHERE d.owned_identity = s.owned_identity AND d.return_receipt_nonce = s.nonce
		)`); err != nil {
		return nil, fmt.Errorf("receipt: error getting pending drains: %w", err)
	}
	return rows, nil
}

// Malformed receipts are never retried.

func (db *database) putMalformed(r *MalformedReceipt) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _malformed_receipts (id, owned_identity, nonce, payload, server_timestamp, reason, quarantined_at_ms) VALUES (:id, :owned_identity, :nonce, :payload, :server_timestamp, :reason, :quarantined_at_ms) ON CONFLICT(nonce, payload) DO NOTHING", r); err != nil {
		return fmt.Errorf("receipt: error inserting malformed receipt: %w", err)
	}
	return nil
}

func (db *database) malformed() ([]*MalformedReceipt, error) {
	var rows []*MalformedReceipt
	if err := db.Tx.Select(&rows, "SELECT * FROM _malformed_receipts ORDER BY quarantined_at_ms, id"); err != nil {
		return nil, fmt.Errorf("receipt: error getting malformed receipts: %w", err)
	}
	return rows, nil
}
