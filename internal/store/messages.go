package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Folder names recognized by the store.
const (
	FolderInbox   = "inbox"
	FolderSent    = "sent"
	FolderDrafts  = "drafts"
	FolderTrash   = "trash"
	FolderArchive = "archive"
)

// Message is the local mirror of a provider message.
type Message struct {
	ID             int64
	AccountID      string
	ProviderID     string
	ThreadID       string
	Subject        string
	Sender         string
	Recipients     []string
	ReceivedAt     time.Time
	Snippet        string
	BodyText       sql.NullString
	BodyHTML       sql.NullString
	Folder         string
	OriginalFolder sql.NullString
	IsUnread       bool
	HasAttachments bool
	ProviderLabels []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertOptions controls which provider-observed fields overwrite local
// state on update. The sync engine clears these when a local pending op is
// in flight for the field (local intent wins until the next drain).
type UpsertOptions struct {
	AdoptUnread bool
	AdoptFolder bool
}

// encodeStrings marshals a string slice as a JSON array ("[]" when empty).
func encodeStrings(vals []string) string {
	if len(vals) == 0 {
		return "[]"
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// decodeStrings unmarshals a JSON array column, tolerating NULL/empty.
func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return nil
	}
	return vals
}

// UpsertMessage inserts or updates a message by (account_id, provider_id)
// and keeps the full-text projection in sync within the same transaction.
// Returns the local message id. Applying the same payload twice is
// indistinguishable from applying it once.
func (s *Store) UpsertMessage(m *Message, opts UpsertOptions) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		id, err = s.upsertMessageTx(tx, m, opts)
		return err
	})
	return id, err
}

func (s *Store) upsertMessageTx(tx *sql.Tx, m *Message, opts UpsertOptions) (int64, error) {
	now := time.Now().UTC()

	var existingID int64
	err := tx.QueryRow(`
		SELECT id FROM messages WHERE account_id = ? AND provider_id = ?
	`, m.AccountID, m.ProviderID).Scan(&existingID)

	switch {
	case err == sql.ErrNoRows:
		unread := 0
		if m.IsUnread {
			unread = 1
		}
		hasAtt := 0
		if m.HasAttachments {
			hasAtt = 1
		}
		res, err := tx.Exec(`
			INSERT INTO messages (account_id, provider_id, thread_id, subject, sender,
				recipients, received_at, snippet, body_text, body_html, folder,
				is_unread, has_attachments, provider_labels, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.AccountID, m.ProviderID, m.ThreadID, m.Subject, m.Sender,
			encodeStrings(m.Recipients), m.ReceivedAt.UTC(), m.Snippet, m.BodyText, m.BodyHTML,
			m.Folder, unread, hasAtt, encodeStrings(m.ProviderLabels), now, now)
		if err != nil {
			return 0, storeErr("insert message", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, storeErr("insert message id", err)
		}
		if err := s.upsertFTSTx(tx, id, m.Subject, m.Sender, m.Snippet); err != nil {
			return 0, err
		}
		return id, nil

	case err != nil:
		return 0, storeErr("lookup message", err)
	}

	// Update path: metadata always adopts the provider's observation;
	// is_unread and folder only when the caller says the provider wins.
	sets := []string{
		"thread_id = ?", "subject = ?", "sender = ?", "recipients = ?",
		"received_at = ?", "snippet = ?", "has_attachments = ?",
		"provider_labels = ?", "updated_at = ?",
	}
	hasAtt := 0
	if m.HasAttachments {
		hasAtt = 1
	}
	args := []any{
		m.ThreadID, m.Subject, m.Sender, encodeStrings(m.Recipients),
		m.ReceivedAt.UTC(), m.Snippet, hasAtt,
		encodeStrings(m.ProviderLabels), now,
	}
	if opts.AdoptUnread {
		sets = append(sets, "is_unread = ?")
		unread := 0
		if m.IsUnread {
			unread = 1
		}
		args = append(args, unread)
	}
	if opts.AdoptFolder {
		sets = append(sets, "folder = ?")
		args = append(args, m.Folder)
	}
	args = append(args, existingID)

	if _, err := tx.Exec("UPDATE messages SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return 0, storeErr("update message", err)
	}
	if err := s.upsertFTSTx(tx, existingID, m.Subject, m.Sender, m.Snippet); err != nil {
		return 0, err
	}
	return existingID, nil
}

// upsertFTSTx replaces the full-text row for a message.
func (s *Store) upsertFTSTx(tx *sql.Tx, id int64, subject, sender, snippet string) error {
	if !s.fts5Available {
		return nil
	}
	if _, err := tx.Exec("DELETE FROM messages_fts WHERE rowid = ?", id); err != nil {
		return storeErr("delete fts row", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO messages_fts (rowid, subject, sender, snippet) VALUES (?, ?, ?, ?)
	`, id, subject, sender, snippet); err != nil {
		return storeErr("insert fts row", err)
	}
	return nil
}

const messageColumns = `id, account_id, provider_id, thread_id, subject, sender,
	recipients, received_at, snippet, body_text, body_html, folder, original_folder,
	is_unread, has_attachments, provider_labels, created_at, updated_at`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var recipients, labels string
	var unread, hasAtt int
	var receivedAt sql.NullTime
	err := row.Scan(&m.ID, &m.AccountID, &m.ProviderID, &m.ThreadID, &m.Subject, &m.Sender,
		&recipients, &receivedAt, &m.Snippet, &m.BodyText, &m.BodyHTML, &m.Folder, &m.OriginalFolder,
		&unread, &hasAtt, &labels, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("scan message", err)
	}
	m.Recipients = decodeStrings(recipients)
	m.ProviderLabels = decodeStrings(labels)
	m.IsUnread = unread != 0
	m.HasAttachments = hasAtt != 0
	if receivedAt.Valid {
		m.ReceivedAt = receivedAt.Time
	}
	return &m, nil
}

// GetMessage returns a message by local id, or nil if absent.
func (s *Store) GetMessage(id int64) (*Message, error) {
	row := s.db.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	return scanMessage(row)
}

// GetMessageByProviderID returns a message by its provider-native id.
func (s *Store) GetMessageByProviderID(accountID, providerID string) (*Message, error) {
	row := s.db.QueryRow("SELECT "+messageColumns+" FROM messages WHERE account_id = ? AND provider_id = ?",
		accountID, providerID)
	return scanMessage(row)
}

// SetMessageBody stores the lazily fetched body parts.
func (s *Store) SetMessageBody(id int64, text, html string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE messages SET body_text = ?, body_html = ?, updated_at = ? WHERE id = ?
		`, text, html, time.Now().UTC(), id)
		if err != nil {
			return storeErr("set message body", err)
		}
		return nil
	})
}

// SetUnread sets the local read flag.
func (s *Store) SetUnread(id int64, unread bool) (*Message, error) {
	err := s.withTx(func(tx *sql.Tx) error {
		u := 0
		if unread {
			u = 1
		}
		_, err := tx.Exec("UPDATE messages SET is_unread = ?, updated_at = ? WHERE id = ?",
			u, time.Now().UTC(), id)
		if err != nil {
			return storeErr("set unread", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(id)
}

// TrashMessage moves a message to trash, remembering the original folder
// for restore.
func (s *Store) TrashMessage(id int64) (*Message, error) {
	err := s.withTx(func(tx *sql.Tx) error {
		var folder string
		if err := tx.QueryRow("SELECT folder FROM messages WHERE id = ?", id).Scan(&folder); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("message %d not found", id)
			}
			return storeErr("read folder", err)
		}
		if folder == FolderTrash {
			return nil
		}
		_, err := tx.Exec(`
			UPDATE messages SET folder = ?, original_folder = ?, updated_at = ? WHERE id = ?
		`, FolderTrash, folder, time.Now().UTC(), id)
		if err != nil {
			return storeErr("trash message", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(id)
}

// RestoreMessage moves a trashed message back to its original folder.
func (s *Store) RestoreMessage(id int64) (*Message, error) {
	err := s.withTx(func(tx *sql.Tx) error {
		var folder string
		var original sql.NullString
		if err := tx.QueryRow("SELECT folder, original_folder FROM messages WHERE id = ?", id).
			Scan(&folder, &original); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("message %d not found", id)
			}
			return storeErr("read folder", err)
		}
		if folder != FolderTrash {
			return nil
		}
		target := FolderInbox
		if original.Valid && original.String != "" {
			target = original.String
		}
		_, err := tx.Exec(`
			UPDATE messages SET folder = ?, original_folder = NULL, updated_at = ? WHERE id = ?
		`, target, time.Now().UTC(), id)
		if err != nil {
			return storeErr("restore message", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(id)
}

// AdoptFolder sets the folder as observed at the provider, without
// touching original_folder bookkeeping.
func (s *Store) AdoptFolder(id int64, folder string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE messages SET folder = ?, updated_at = ? WHERE id = ?",
			folder, time.Now().UTC(), id)
		if err != nil {
			return storeErr("adopt folder", err)
		}
		return nil
	})
}

// DeleteMessage permanently removes a message. The classification row
// cascades; feedback rows keep their content with message_id set to null.
func (s *Store) DeleteMessage(id int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(`
			UPDATE feedback SET orphaned_at = ? WHERE message_id = ? AND orphaned_at IS NULL
		`, now, id); err != nil {
			return storeErr("orphan feedback", err)
		}
		if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
			return storeErr("delete message", err)
		}
		if s.fts5Available {
			if _, err := tx.Exec("DELETE FROM messages_fts WHERE rowid = ?", id); err != nil {
				return storeErr("delete fts row", err)
			}
		}
		return nil
	})
}

// Filter selects messages for listing and aggregation. Tags match with
// any-of semantics and treat account ids as selectable tags.
type Filter struct {
	Accounts   []string
	Folder     string
	Tags       []string
	UnreadOnly bool
	ThreadID   string
	Search     string
	Limit      int
	Offset     int
}

// buildWhere builds the WHERE clause for the non-tag parts of a filter.
func (s *Store) buildWhere(f Filter) (string, []any) {
	var conds []string
	var args []any

	if len(f.Accounts) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Accounts)), ",")
		conds = append(conds, "m.account_id IN ("+ph+")")
		for _, a := range f.Accounts {
			args = append(args, a)
		}
	}
	if f.Folder != "" {
		conds = append(conds, "m.folder = ?")
		args = append(args, f.Folder)
	}
	if f.UnreadOnly {
		conds = append(conds, "m.is_unread = 1")
	}
	if f.ThreadID != "" {
		conds = append(conds, "m.thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.Search != "" {
		if s.fts5Available {
			conds = append(conds, "m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
			args = append(args, ftsQuery(f.Search))
		} else {
			like := "%" + f.Search + "%"
			conds = append(conds, "(m.subject LIKE ? OR m.sender LIKE ? OR m.snippet LIKE ?)")
			args = append(args, like, like, like)
		}
	}
	if len(f.Tags) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Tags)), ",")
		cond := `(m.account_id IN (` + ph + `) OR EXISTS (
			SELECT 1 FROM classifications c, json_each(c.tags) jt
			WHERE c.message_id = m.id AND jt.value IN (` + ph + `)))`
		conds = append(conds, cond)
		for i := 0; i < 2; i++ {
			for _, t := range f.Tags {
				args = append(args, t)
			}
		}
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ftsQuery quotes each term so user input cannot inject FTS5 syntax.
func ftsQuery(input string) string {
	fields := strings.Fields(input)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

// ListMessages returns messages matching the filter ordered by
// received-at descending (provider_id breaks ties), plus the total count
// before pagination.
func (s *Store) ListMessages(f Filter) ([]*Message, int64, error) {
	where, args := s.buildWhere(f)

	var total int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages m"+where, args...).Scan(&total); err != nil {
		return nil, 0, storeErr("count messages", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + qualifyColumns(messageColumns) + " FROM messages m" + where +
		" ORDER BY m.received_at DESC, m.provider_id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.Query(query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, storeErr("list messages", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, m)
	}
	return msgs, total, rows.Err()
}

// qualifyColumns prefixes each column in a comma list with the messages
// table alias.
func qualifyColumns(cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = "m." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ListTagsWithCounts returns tag → message count over messages matching
// the non-tag parts of the filter. AI tags and account ids are presented
// uniformly.
func (s *Store) ListTagsWithCounts(f Filter) (map[string]int64, error) {
	f.Tags = nil
	where, args := s.buildWhere(f)

	counts := make(map[string]int64)

	rows, err := s.db.Query(`
		SELECT jt.value, COUNT(*)
		FROM messages m
		JOIN classifications c ON c.message_id = m.id, json_each(c.tags) jt
	`+strings.Replace(where, " WHERE ", " WHERE ", 1)+`
		GROUP BY jt.value
	`, args...)
	if err != nil {
		return nil, storeErr("count tags", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		var n int64
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, storeErr("scan tag count", err)
		}
		counts[tag] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate tag counts", err)
	}

	accRows, err := s.db.Query(
		"SELECT m.account_id, COUNT(*) FROM messages m"+where+" GROUP BY m.account_id", args...)
	if err != nil {
		return nil, storeErr("count account tags", err)
	}
	defer accRows.Close()
	for accRows.Next() {
		var acc string
		var n int64
		if err := accRows.Scan(&acc, &n); err != nil {
			return nil, storeErr("scan account count", err)
		}
		counts[acc] = n
	}
	return counts, accRows.Err()
}

// FolderCounts holds total and unread counts for a folder.
type FolderCounts struct {
	Total  int64 `json:"total"`
	Unread int64 `json:"unread"`
}

// ListFolderCounts returns folder → {total, unread} aggregates, optionally
// restricted to a set of accounts.
func (s *Store) ListFolderCounts(accounts []string) (map[string]FolderCounts, error) {
	where, args := s.buildWhere(Filter{Accounts: accounts})
	rows, err := s.db.Query(`
		SELECT m.folder, COUNT(*), COALESCE(SUM(m.is_unread), 0)
		FROM messages m`+where+` GROUP BY m.folder
	`, args...)
	if err != nil {
		return nil, storeErr("count folders", err)
	}
	defer rows.Close()

	counts := make(map[string]FolderCounts)
	for rows.Next() {
		var folder string
		var fc FolderCounts
		if err := rows.Scan(&folder, &fc.Total, &fc.Unread); err != nil {
			return nil, storeErr("scan folder count", err)
		}
		counts[folder] = fc
	}
	return counts, rows.Err()
}
