package receipt

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/meow-io/go-receipts/ids"
	"github.com/meow-io/go-receipts/internal/db"
	"github.com/meow-io/go-receipts/migration"
)

type attachmentStatus struct {
	MessageID       ids.ID `db:"message_id"`
	AttachmentIndex int    `db:"attachment_index"`
	Status          Status `db:"status"`
}

// StalledStats summarizes the stalled receipt store.
type StalledStats struct {
	Count             int    `db:"count"`
	OldestStashedAtMs uint64 `db:"oldest_stashed_at_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_receipts", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _tracked_messages (
						id BLOB PRIMARY KEY,
						attachment_count INTEGER NOT NULL
					);

					CREATE TABLE _delivery_records (
						message_id BLOB NOT NULL,
						owned_identity BLOB NOT NULL,
						recipient_identity BLOB NOT NULL,
						return_receipt_nonce BLOB NOT NULL,
						return_receipt_key BLOB NOT NULL,
						sent_at INTEGER,
						delivered_at INTEGER,
						read_at INTEGER,
						engine_message_ref BLOB,
						attachment_delivered BLOB NOT NULL DEFAULT X'',
						attachment_read BLOB NOT NULL DEFAULT X'',
						FOREIGN KEY (message_id) REFERENCES _tracked_messages(id) ON DELETE CASCADE,
						PRIMARY KEY (message_id, recipient_identity)
					);
					CREATE INDEX delivery_records_nonce_idx on _delivery_records (owned_identity, return_receipt_nonce);

					CREATE TABLE _stalled_receipts (
						id BLOB PRIMARY KEY,
						owned_identity BLOB NOT NULL,
						nonce BLOB NOT NULL,
						payload BLOB NOT NULL,
						server_timestamp INTEGER NOT NULL,
						stashed_at_ms INTEGER NOT NULL,
						UNIQUE (nonce, payload)
					);
					CREATE INDEX stalled_receipts_nonce_idx on _stalled_receipts (owned_identity, nonce);
					CREATE INDEX stalled_receipts_stashed_at_idx on _stalled_receipts (stashed_at_ms);

					CREATE TABLE _message_statuses (
						message_id BLOB PRIMARY KEY,
						status INTEGER NOT NULL,
						FOREIGN KEY (message_id) REFERENCES _tracked_messages(id) ON DELETE CASCADE
					);

					CREATE TABLE _attachment_statuses (
						message_id BLOB NOT NULL,
						attachment_index INTEGER NOT NULL,
						status INTEGER NOT NULL,
						FOREIGN KEY (message_id) REFERENCES _tracked_messages(id) ON DELETE CASCADE,
						PRIMARY KEY (message_id, attachment_index)
					);
				`)
				return err
			},
		},
		{
			Name: "Create malformed receipts",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _malformed_receipts (
						id BLOB PRIMARY KEY,
						owned_identity BLOB NOT NULL,
						nonce BLOB NOT NULL,
						payload BLOB NOT NULL,
						server_timestamp INTEGER NOT NULL,
						reason TEXT NOT NULL,
						quarantined_at_ms INTEGER NOT NULL,
						UNIQUE (nonce, payload)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) insertTrackedMessage(m *TrackedMessage) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _tracked_messages (id, attachment_count) VALUES (:id, :attachment_count)", m); err != nil {
		return fmt.Errorf("receipt: error inserting tracked message: %w", err)
	}
	return nil
}

func (db *database) trackedMessage(id ids.ID) (*TrackedMessage, error) {
	m := &TrackedMessage{}
	if err := db.Tx.Get(m, "SELECT * FROM _tracked_messages WHERE id = $1", id[:]); err != nil {
		return nil, fmt.Errorf("receipt: error getting tracked message: %w", err)
	}
	return m, nil
}

func (db *database) insertRecord(r *RecipientDeliveryRecord) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _delivery_records (message_id, owned_identity, recipient_identity, return_receipt_nonce, return_receipt_key, sent_at, delivered_at, read_at, engine_message_ref, attachment_delivered, attachment_read) VALUES (:message_id, :owned_identity, :recipient_identity, :return_receipt_nonce, :return_receipt_key, :sent_at, :delivered_at, :read_at, :engine_message_ref, :attachment_delivered, :attachment_read)", r); err != nil {
		return fmt.Errorf("receipt: error inserting delivery record: %w", err)
	}
	return nil
}

func (db *database) records(messageID ids.ID) ([]*RecipientDeliveryRecord, error) {
	var records []*RecipientDeliveryRecord
	if err := db.Tx.Select(&records, "SELECT * FROM _delivery_records WHERE message_id = $1 ORDER BY recipient_identity", messageID[:]); err != nil {
		return nil, fmt.Errorf("receipt: error getting delivery records: %w", err)
	}
	return records, nil
}

// recordFor returns sql.ErrNoRows (wrapped) when no record matches.
func (db *database) recordFor(ownedIdentity, nonce, key, recipientIdentity []byte) (*RecipientDeliveryRecord, error) {
	r := &RecipientDeliveryRecord{}
	if err := db.Tx.Get(r, "SELECT * FROM _delivery_records WHERE owned_identity = $1 AND return_receipt_nonce = $2 AND return_receipt_key = $3 AND recipient_identity = $4", ownedIdentity, nonce, key, recipientIdentity); err != nil {
		return nil, fmt.Errorf("receipt: error getting delivery record: %w", err)
	}
	return r, nil
}

// updateRecord writes only the columns named in c.
func (db *database) updateRecord(r *RecipientDeliveryRecord, c changes) error {
	if !c.any() {
		return nil
	}
	var sets []string
	for _, col := range []struct {
		flag changes
		name string
	}{
		{changedSentAt, "sent_at"},
		{changedDeliveredAt, "delivered_at"},
		{changedReadAt, "read_at"},
		{changedEngineMessageRef, "engine_message_ref"},
		{changedAttachmentDelivered, "attachment_delivered"},
		{changedAttachmentRead, "attachment_read"},
	} {
		if c.has(col.flag) {
			sets = append(sets, fmt.Sprintf("%s = :%s", col.name, col.name))
		}
	}
	q := fmt.Sprintf("UPDATE _delivery_records SET %s WHERE message_id = :message_id AND recipient_identity = :recipient_identity", strings.Join(sets, ", "))
	if _, err := db.Tx.NamedExec(q, r); err != nil {
		return fmt.Errorf("receipt: error updating delivery record: %w", err)
	}
	return nil
}

func (db *database) candidateKeys(ownedIdentity, nonce []byte) ([][]byte, error) {
	var keys [][]byte
	if err := db.Tx.Select(&keys, "SELECT DISTINCT return_receipt_key FROM _delivery_records WHERE owned_identity = $1 AND return_receipt_nonce = $2 ORDER BY return_receipt_key", ownedIdentity, nonce); err != nil {
		return nil, fmt.Errorf("receipt: error getting candidate keys: %w", err)
	}
	return keys, nil
}

func (db *database) messageStatus(messageID ids.ID) (Status, bool, error) {
	var s Status
	if err := db.Tx.Get(&s, "SELECT status FROM _message_statuses WHERE message_id = $1", messageID[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StatusProcessing, false, nil
		}
		return StatusProcessing, false, fmt.Errorf("receipt: error getting message status: %w", err)
	}
	return s, true, nil
}

func (db *database) upsertMessageStatus(messageID ids.ID, s Status) error {
	if _, err := db.Tx.Exec("INSERT INTO _message_statuses (message_id, status) VALUES ($1, $2) ON CONFLICT(message_id) DO UPDATE SET status = $2", messageID[:], s); err != nil {
		return fmt.Errorf("receipt: error upserting message status: %w", err)
	}
	return nil
}

func (db *database) attachmentStatuses(messageID ids.ID) (map[int]Status, error) {
	var rows []*attachmentStatus
	if err := db.Tx.Select(&rows, "SELECT * FROM _attachment_statuses WHERE message_id = $1", messageID[:]); err != nil {
		return nil, fmt.Errorf("receipt: error getting attachment statuses: %w", err)
	}
	statuses := make(map[int]Status, len(rows))
	for _, r := range rows {
		statuses[r.AttachmentIndex] = r.Status
	}
	return statuses, nil
}

func (db *database) upsertAttachmentStatus(s *attachmentStatus) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _attachment_statuses (message_id, attachment_index, status) VALUES (:message_id, :attachment_index, :status) ON CONFLICT(message_id, attachment_index) DO UPDATE SET status = :status", s); err != nil {
		return fmt.Errorf("receipt: error upserting attachment status: %w", err)
	}
	return nil
}
