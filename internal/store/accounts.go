package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Account is the persisted per-account row. Settings carry the JSON blob
// of provider-specific configuration; Cursor is the opaque incremental
// fetch position.
type Account struct {
	ID           string
	Email        string
	Provider     string
	Settings     sql.NullString
	Cursor       sql.NullString
	LastSyncedAt sql.NullTime
	Healthy      bool
	LastError    sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpsertAccount inserts or updates an account row from configuration.
// Cursor and health state are preserved across reloads.
func (s *Store) UpsertAccount(id, email, provider, settings string) error {
	return s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC()
		_, err := tx.Exec(`
			INSERT INTO accounts (id, email, provider, settings, healthy, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				email = excluded.email,
				provider = excluded.provider,
				settings = excluded.settings,
				updated_at = excluded.updated_at
		`, id, email, provider, settings, now, now)
		if err != nil {
			return storeErr("upsert account", err)
		}
		return nil
	})
}

// GetAccount returns an account by id, or nil if absent.
func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.db.QueryRow(`
		SELECT id, email, provider, settings, cursor, last_synced_at, healthy, last_error, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by id.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`
		SELECT id, email, provider, settings, cursor, last_synced_at, healthy, last_error, created_at, updated_at
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, storeErr("list accounts", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var acc Account
	var healthy int
	err := row.Scan(&acc.ID, &acc.Email, &acc.Provider, &acc.Settings, &acc.Cursor,
		&acc.LastSyncedAt, &healthy, &acc.LastError, &acc.CreatedAt, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("scan account", err)
	}
	acc.Healthy = healthy != 0
	return &acc, nil
}

// UpdateAccountCursor persists the new cursor and last-synced time after a
// successful cycle.
func (s *Store) UpdateAccountCursor(id, cursor string) error {
	return s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.Exec(`
			UPDATE accounts SET cursor = ?, last_synced_at = ?, updated_at = ? WHERE id = ?
		`, cursor, now, now, id)
		if err != nil {
			return storeErr("update account cursor", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("account %s not found", id)
		}
		return nil
	})
}

// SetAccountHealth records account health and, when unhealthy, the error
// that caused it.
func (s *Store) SetAccountHealth(id string, healthy bool, lastError string) error {
	return s.withTx(func(tx *sql.Tx) error {
		h := 0
		if healthy {
			h = 1
		}
		var errVal sql.NullString
		if lastError != "" {
			errVal = sql.NullString{String: lastError, Valid: true}
		}
		_, err := tx.Exec(`
			UPDATE accounts SET healthy = ?, last_error = ?, updated_at = ? WHERE id = ?
		`, h, errVal, time.Now().UTC(), id)
		if err != nil {
			return storeErr("set account health", err)
		}
		return nil
	})
}
