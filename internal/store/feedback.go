package store

import (
	"database/sql"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Feedback retention limits.
const (
	maxFeedbackPerAccount = 100
	feedbackMaxAge        = 90 * 24 * time.Hour
	orphanMaxAge          = 30 * 24 * time.Hour
)

// Feedback is a recorded user correction used as a few-shot example.
type Feedback struct {
	ID             int64
	AccountID      string
	MessageID      sql.NullInt64
	SenderDomain   string
	SubjectPattern string
	OriginalTags   []string
	CorrectedTags  []string
	Snippet        string
	UsedCount      int
	CreatedAt      time.Time
}

var digitRuns = regexp.MustCompile(`\d+`)

// SubjectPattern generalizes a subject line for matching: lowercased, with
// digit runs collapsed to '#' so "Invoice 1234" and "Invoice 5678" share a
// pattern.
func SubjectPattern(subject string) string {
	return strings.TrimSpace(digitRuns.ReplaceAllString(strings.ToLower(subject), "#"))
}

// sameTagSet compares two tag lists as sets.
func sameTagSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// RecordCorrection stores a user tag correction as a future few-shot
// example. A correction that leaves the tag set unchanged is dropped. Each
// account keeps at most 100 corrections; the oldest are trimmed.
func (s *Store) RecordCorrection(accountID string, messageID int64, senderDomain, subject, snippet string, original, corrected []string) error {
	if sameTagSet(original, corrected) {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO feedback (account_id, message_id, sender_domain, subject_pattern,
				original_tags, corrected_tags, snippet, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, accountID, messageID, senderDomain, SubjectPattern(subject),
			encodeStrings(original), encodeStrings(corrected), snippet, time.Now().UTC()); err != nil {
			return storeErr("record correction", err)
		}
		if _, err := tx.Exec(`
			DELETE FROM feedback WHERE account_id = ? AND id NOT IN (
				SELECT id FROM feedback WHERE account_id = ?
				ORDER BY created_at DESC, id DESC LIMIT ?
			)
		`, accountID, accountID, maxFeedbackPerAccount); err != nil {
			return storeErr("trim feedback", err)
		}
		return nil
	})
}

// maxDomainExamples caps how many same-domain corrections lead the
// selection; the rest of the budget goes to recent corrections from other
// senders.
const maxDomainExamples = 3

// SelectExamples picks up to limit corrections to seed the classifier
// prompt: same sender-domain matches first (newest first, at most three),
// then recent corrections from other senders. Selected rows get their
// used_count bumped.
func (s *Store) SelectExamples(accountID, senderDomain string, limit int) ([]*Feedback, error) {
	if limit <= 0 {
		limit = 5
	}
	domainLimit := maxDomainExamples
	if domainLimit > limit {
		domainLimit = limit
	}
	var out []*Feedback
	err := s.withTx(func(tx *sql.Tx) error {
		seen := make(map[int64]bool)

		domainRows, err := tx.Query(`
			SELECT id, account_id, message_id, sender_domain, subject_pattern,
			       original_tags, corrected_tags, snippet, used_count, created_at
			FROM feedback
			WHERE account_id = ? AND sender_domain = ? AND sender_domain != ''
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`, accountID, senderDomain, domainLimit)
		if err != nil {
			return storeErr("select domain examples", err)
		}
		fbs, err := collectFeedback(domainRows)
		if err != nil {
			return err
		}
		for _, fb := range fbs {
			seen[fb.ID] = true
			out = append(out, fb)
		}

		if len(out) < limit {
			// The remainder comes from other domains so one busy sender
			// cannot crowd out the whole example window.
			recentRows, err := tx.Query(`
				SELECT id, account_id, message_id, sender_domain, subject_pattern,
				       original_tags, corrected_tags, snippet, used_count, created_at
				FROM feedback
				WHERE account_id = ? AND (? = '' OR sender_domain != ?)
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			`, accountID, senderDomain, senderDomain, limit)
			if err != nil {
				return storeErr("select recent examples", err)
			}
			recent, err := collectFeedback(recentRows)
			if err != nil {
				return err
			}
			for _, fb := range recent {
				if len(out) >= limit {
					break
				}
				if seen[fb.ID] {
					continue
				}
				seen[fb.ID] = true
				out = append(out, fb)
			}
		}

		for _, fb := range out {
			if _, err := tx.Exec(
				"UPDATE feedback SET used_count = used_count + 1 WHERE id = ?", fb.ID); err != nil {
				return storeErr("bump used count", err)
			}
			fb.UsedCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func collectFeedback(rows *sql.Rows) ([]*Feedback, error) {
	defer rows.Close()
	var out []*Feedback
	for rows.Next() {
		var fb Feedback
		var original, corrected string
		if err := rows.Scan(&fb.ID, &fb.AccountID, &fb.MessageID, &fb.SenderDomain,
			&fb.SubjectPattern, &original, &corrected, &fb.Snippet, &fb.UsedCount, &fb.CreatedAt); err != nil {
			return nil, storeErr("scan feedback", err)
		}
		fb.OriginalTags = decodeStrings(original)
		fb.CorrectedTags = decodeStrings(corrected)
		out = append(out, &fb)
	}
	return out, rows.Err()
}

// PurgeFeedback drops corrections past the retention window and orphaned
// corrections whose message was deleted more than 30 days ago. Returns the
// number of rows removed.
func (s *Store) PurgeFeedback() (int64, error) {
	var n int64
	err := s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.Exec(`
			DELETE FROM feedback
			WHERE created_at < ?
			   OR (orphaned_at IS NOT NULL AND orphaned_at < ?)
		`, now.Add(-feedbackMaxAge), now.Add(-orphanMaxAge))
		if err != nil {
			return storeErr("purge feedback", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// CountFeedback returns the number of stored corrections for an account.
func (s *Store) CountFeedback(accountID string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM feedback WHERE account_id = ?", accountID).Scan(&n); err != nil {
		return 0, storeErr("count feedback", err)
	}
	return n, nil
}
