package imap

import (
	"context"
	"log/slog"
	"testing"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/mailtriage/mailtriage/internal/provider"
)

func TestCursorRoundTrip(t *testing.T) {
	state := &cursorState{Folders: map[string]folderCursor{
		"INBOX": {UIDValidity: 7, UIDNext: 1204},
		"Sent":  {UIDValidity: 3, UIDNext: 88},
	}}
	encoded := state.encode()
	if encoded == "" {
		t.Fatal("encode returned empty cursor")
	}
	if state.LastSync.IsZero() {
		t.Error("encode did not stamp LastSync")
	}

	parsed, err := parseCursor(encoded)
	if err != nil {
		t.Fatalf("parseCursor: %v", err)
	}
	if got := parsed.Folders["INBOX"]; got.UIDValidity != 7 || got.UIDNext != 1204 {
		t.Errorf("INBOX cursor = %+v", got)
	}
	if got := parsed.Folders["Sent"]; got.UIDNext != 88 {
		t.Errorf("Sent cursor = %+v", got)
	}
}

func TestParseCursorEmpty(t *testing.T) {
	state, err := parseCursor("")
	if err != nil {
		t.Fatalf("parseCursor: %v", err)
	}
	if state.Folders == nil {
		t.Fatal("empty cursor should still have a folder map")
	}
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	if _, err := parseCursor("not json"); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

func TestCompositeIDRoundTrip(t *testing.T) {
	id := compositeID("Archive/2024", imap.UID(4012))
	mailbox, uid, err := parseCompositeID(id)
	if err != nil {
		t.Fatalf("parseCompositeID: %v", err)
	}
	if mailbox != "Archive/2024" || uid != 4012 {
		t.Errorf("parsed %q, %d", mailbox, uid)
	}
}

func TestParseCompositeIDRejectsInvalid(t *testing.T) {
	if _, _, err := parseCompositeID("no separator"); err == nil {
		t.Error("expected error for id without separator")
	}
	if _, _, err := parseCompositeID("INBOX|notanumber"); err == nil {
		t.Error("expected error for non-numeric UID")
	}
}

func TestPermanentFlagsAllowKeywords(t *testing.T) {
	cases := []struct {
		name  string
		flags []imap.Flag
		want  bool
	}{
		{"wildcard present", []imap.Flag{imap.FlagSeen, imap.FlagWildcard}, true},
		{"system flags only", []imap.Flag{imap.FlagSeen, imap.FlagDeleted}, false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := permanentFlagsAllowKeywords(tc.flags); got != tc.want {
				t.Errorf("permanentFlagsAllowKeywords(%v) = %v, want %v", tc.flags, got, tc.want)
			}
		})
	}
}

func TestSupportsKeywordsDefaultsFalse(t *testing.T) {
	a := NewAdapter(&Config{Host: "mail.example", TLS: true})
	if a.SupportsKeywords() {
		t.Error("keyword support reported before the inbox was ever selected")
	}
}

func TestSupportsKeywordsTracksInbox(t *testing.T) {
	a := NewAdapter(&Config{Host: "mail.example", TLS: true})
	a.keywords["INBOX"] = true
	a.keywords["Trash"] = false
	if !a.SupportsKeywords() {
		t.Error("inbox keyword support masked by another mailbox")
	}
}

func TestConnectFailureRetriesWithBackoff(t *testing.T) {
	var sleeps []time.Duration
	a := NewAdapter(
		// Nothing listens on port 1; every dial fails fast.
		&Config{Host: "127.0.0.1", Port: 1, TLS: true, Username: "u", Password: "p"},
		WithLogger(slog.New(slog.DiscardHandler)),
		WithRetryPolicy(provider.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Sleep: func(_ context.Context, d time.Duration) error {
				sleeps = append(sleeps, d)
				return nil
			},
		}),
	)

	err := a.Authenticate(context.Background())
	if err == nil {
		t.Fatal("Authenticate succeeded against a closed port")
	}
	if !provider.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if diff := cmp.Diff(want, sleeps); diff != "" {
		t.Errorf("backoff schedule mismatch (-want +got):\n%s", diff)
	}
}
