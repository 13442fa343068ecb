package store

import (
	"database/sql"
	"strings"
	"time"
)

// Pending operation kinds. Each names the provider-side mutation to replay.
const (
	OpMarkRead        = "mark_read"
	OpMarkUnread      = "mark_unread"
	OpTrash           = "trash"
	OpRestore         = "restore"
	OpPermanentDelete = "permanent_delete"
)

// Pending op statuses.
const (
	PendingStatusPending = "pending"
	PendingStatusFailed  = "failed"
)

// maxPendingAttempts is how many drain attempts an op gets before it is
// parked as failed.
const maxPendingAttempts = 3

// inverseOps maps each op to the op it cancels out.
var inverseOps = map[string]string{
	OpMarkRead:   OpMarkUnread,
	OpMarkUnread: OpMarkRead,
	OpTrash:      OpRestore,
	OpRestore:    OpTrash,
}

// PendingOp is a queued provider-side mutation awaiting replay.
type PendingOp struct {
	ID            int64
	AccountID     string
	MessageID     int64
	ProviderID    string
	Op            string
	Status        string
	Attempts      int
	LastAttemptAt sql.NullTime
	LastError     sql.NullString
	CreatedAt     time.Time
}

// EnqueuePending queues an operation for replay against the provider.
//
// If a pending inverse op exists for the same message, both cancel out and
// nothing is queued. If the same op is already pending it is left in place
// rather than duplicated. A permanent delete supersedes every other pending
// op for the message.
func (s *Store) EnqueuePending(accountID string, messageID int64, providerID, op string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if op == OpPermanentDelete {
			if _, err := tx.Exec(`
				DELETE FROM pending_operations
				WHERE account_id = ? AND message_id = ? AND status = ?
			`, accountID, messageID, PendingStatusPending); err != nil {
				return storeErr("supersede pending ops", err)
			}
		} else if inverse, ok := inverseOps[op]; ok {
			res, err := tx.Exec(`
				DELETE FROM pending_operations
				WHERE account_id = ? AND message_id = ? AND op = ? AND status = ?
			`, accountID, messageID, inverse, PendingStatusPending)
			if err != nil {
				return storeErr("annihilate inverse op", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				return nil
			}
		}

		var existing int64
		err := tx.QueryRow(`
			SELECT id FROM pending_operations
			WHERE account_id = ? AND message_id = ? AND op = ? AND status = ?
		`, accountID, messageID, op, PendingStatusPending).Scan(&existing)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return storeErr("check pending op", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO pending_operations (account_id, message_id, provider_id, op, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, accountID, messageID, providerID, op, PendingStatusPending, time.Now().UTC()); err != nil {
			return storeErr("enqueue pending op", err)
		}
		return nil
	})
}

// ListPending returns up to limit pending ops for an account in enqueue
// order. Failed ops are not returned.
func (s *Store) ListPending(accountID string, limit int) ([]*PendingOp, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, account_id, message_id, provider_id, op, status, attempts,
		       last_attempt_at, last_error, created_at
		FROM pending_operations
		WHERE account_id = ? AND status = ?
		ORDER BY created_at, id
		LIMIT ?
	`, accountID, PendingStatusPending, limit)
	if err != nil {
		return nil, storeErr("list pending ops", err)
	}
	defer rows.Close()

	var ops []*PendingOp
	for rows.Next() {
		var op PendingOp
		if err := rows.Scan(&op.ID, &op.AccountID, &op.MessageID, &op.ProviderID, &op.Op,
			&op.Status, &op.Attempts, &op.LastAttemptAt, &op.LastError, &op.CreatedAt); err != nil {
			return nil, storeErr("scan pending op", err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// ListFailedPending returns parked ops for an account, newest first. An
// empty accountID covers every account.
func (s *Store) ListFailedPending(accountID string) ([]*PendingOp, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, message_id, provider_id, op, status, attempts,
		       last_attempt_at, last_error, created_at
		FROM pending_operations
		WHERE (? = '' OR account_id = ?) AND status = ?
		ORDER BY created_at DESC, id DESC
	`, accountID, accountID, PendingStatusFailed)
	if err != nil {
		return nil, storeErr("list failed ops", err)
	}
	defer rows.Close()

	var ops []*PendingOp
	for rows.Next() {
		var op PendingOp
		if err := rows.Scan(&op.ID, &op.AccountID, &op.MessageID, &op.ProviderID, &op.Op,
			&op.Status, &op.Attempts, &op.LastAttemptAt, &op.LastError, &op.CreatedAt); err != nil {
			return nil, storeErr("scan failed op", err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// CompletePending removes a successfully replayed op from the queue.
func (s *Store) CompletePending(id int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM pending_operations WHERE id = ?", id); err != nil {
			return storeErr("complete pending op", err)
		}
		return nil
	})
}

// FailPendingAttempt records a failed replay attempt. After the attempt
// budget is exhausted the op is parked as failed and no longer drained.
// Returns true when the op was parked.
func (s *Store) FailPendingAttempt(id int64, errMsg string) (bool, error) {
	var parked bool
	err := s.withTx(func(tx *sql.Tx) error {
		var attempts int
		if err := tx.QueryRow(`
			SELECT attempts FROM pending_operations WHERE id = ?
		`, id).Scan(&attempts); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return storeErr("read pending op", err)
		}
		attempts++
		status := PendingStatusPending
		if attempts >= maxPendingAttempts {
			status = PendingStatusFailed
			parked = true
		}
		if _, err := tx.Exec(`
			UPDATE pending_operations
			SET attempts = ?, status = ?, last_attempt_at = ?, last_error = ?
			WHERE id = ?
		`, attempts, status, time.Now().UTC(), errMsg, id); err != nil {
			return storeErr("fail pending op", err)
		}
		return nil
	})
	return parked, err
}

// HasPendingOp reports whether a pending op of the given kind exists for a
// message. The sync engine uses this to keep local intent authoritative
// over the provider's observation until the queue drains.
func (s *Store) HasPendingOp(messageID int64, ops ...string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM pending_operations
		WHERE message_id = ? AND status = ?
	`
	args := []any{messageID, PendingStatusPending}
	if len(ops) > 0 {
		placeholders := make([]string, len(ops))
		for i, op := range ops {
			placeholders[i] = "?"
			args = append(args, op)
		}
		query += " AND op IN (" + strings.Join(placeholders, ", ") + ")"
	}
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return false, storeErr("check pending op", err)
	}
	return n > 0, nil
}
