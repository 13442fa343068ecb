package store

import (
	"database/sql"
	"time"
)

// Classification is the AI verdict attached to a message.
type Classification struct {
	MessageID      int64
	Tags           []string
	Priority       string
	ActionRequired bool
	CanArchive     bool
	Confidence     float64
	Model          string
	LabelSynced    bool
	ClassifiedAt   time.Time
}

// UpsertClassification stores or replaces the verdict for a message and
// marks its labels as needing a provider push.
func (s *Store) UpsertClassification(c *Classification) error {
	return s.withTx(func(tx *sql.Tx) error {
		action := 0
		if c.ActionRequired {
			action = 1
		}
		archive := 0
		if c.CanArchive {
			archive = 1
		}
		_, err := tx.Exec(`
			INSERT INTO classifications (message_id, tags, priority, action_required,
				can_archive, confidence, model, label_synced, classified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				tags = excluded.tags,
				priority = excluded.priority,
				action_required = excluded.action_required,
				can_archive = excluded.can_archive,
				confidence = excluded.confidence,
				model = excluded.model,
				label_synced = 0,
				classified_at = excluded.classified_at
		`, c.MessageID, encodeStrings(c.Tags), c.Priority, action, archive,
			c.Confidence, c.Model, time.Now().UTC())
		if err != nil {
			return storeErr("upsert classification", err)
		}
		return nil
	})
}

// GetClassification returns the verdict for a message, or nil if none.
func (s *Store) GetClassification(messageID int64) (*Classification, error) {
	row := s.db.QueryRow(`
		SELECT message_id, tags, priority, action_required, can_archive,
		       confidence, model, label_synced, classified_at
		FROM classifications WHERE message_id = ?
	`, messageID)
	return scanClassification(row)
}

func scanClassification(row rowScanner) (*Classification, error) {
	var c Classification
	var tags string
	var action, archive, synced int
	err := row.Scan(&c.MessageID, &tags, &c.Priority, &action, &archive,
		&c.Confidence, &c.Model, &synced, &c.ClassifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("scan classification", err)
	}
	c.Tags = decodeStrings(tags)
	c.ActionRequired = action != 0
	c.CanArchive = archive != 0
	c.LabelSynced = synced != 0
	return &c, nil
}

// ListUnclassified returns up to limit message ids for an account that
// have no verdict yet, oldest first so backlog drains in arrival order.
func (s *Store) ListUnclassified(accountID string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT m.id FROM messages m
		LEFT JOIN classifications c ON c.message_id = m.id
		WHERE m.account_id = ? AND c.message_id IS NULL AND m.folder != ?
		ORDER BY m.received_at, m.id
		LIMIT ?
	`, accountID, FolderTrash, limit)
	if err != nil {
		return nil, storeErr("list unclassified", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan message id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UnsyncedLabel pairs a message with the tags awaiting a provider push.
type UnsyncedLabel struct {
	MessageID  int64
	ProviderID string
	Tags       []string
}

// ListUnsyncedLabels returns messages whose classification tags have not
// been pushed to the provider yet.
func (s *Store) ListUnsyncedLabels(accountID string, limit int) ([]*UnsyncedLabel, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT m.id, m.provider_id, c.tags
		FROM classifications c
		JOIN messages m ON m.id = c.message_id
		WHERE m.account_id = ? AND c.label_synced = 0
		ORDER BY c.classified_at, m.id
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, storeErr("list unsynced labels", err)
	}
	defer rows.Close()

	var out []*UnsyncedLabel
	for rows.Next() {
		var l UnsyncedLabel
		var tags string
		if err := rows.Scan(&l.MessageID, &l.ProviderID, &tags); err != nil {
			return nil, storeErr("scan unsynced label", err)
		}
		l.Tags = decodeStrings(tags)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// MarkLabelSynced records that a message's tags are reflected at the
// provider.
func (s *Store) MarkLabelSynced(messageID int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE classifications SET label_synced = 1 WHERE message_id = ?", messageID); err != nil {
			return storeErr("mark label synced", err)
		}
		return nil
	})
}

// SetClassificationTags replaces the tags on an existing verdict, marking
// the labels for re-push. Used when the user edits tags by hand.
func (s *Store) SetClassificationTags(messageID int64, tags []string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE classifications SET tags = ?, label_synced = 0 WHERE message_id = ?
		`, encodeStrings(tags), messageID)
		if err != nil {
			return storeErr("set classification tags", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.Exec(`
				INSERT INTO classifications (message_id, tags, label_synced, classified_at)
				VALUES (?, ?, 0, ?)
			`, messageID, encodeStrings(tags), time.Now().UTC()); err != nil {
				return storeErr("insert classification tags", err)
			}
		}
		return nil
	})
}

// ClearClassifications removes all verdicts for an account so the next
// cycle reclassifies from scratch.
func (s *Store) ClearClassifications(accountID string) (int64, error) {
	var n int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM classifications WHERE message_id IN (
				SELECT id FROM messages WHERE account_id = ?
			)
		`, accountID)
		if err != nil {
			return storeErr("clear classifications", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
