// Package provider defines the capability set shared by all mailbox
// providers, the error taxonomy they surface, and the retry policy
// composed around their network calls.
package provider

import (
	"context"
	"time"
)

// Folder is a logical folder name, mapped from provider-native names.
type Folder string

const (
	FolderInbox   Folder = "inbox"
	FolderSent    Folder = "sent"
	FolderDrafts  Folder = "drafts"
	FolderTrash   Folder = "trash"
	FolderArchive Folder = "archive"
)

// Canonical flag names used by SetFlags. Adapters translate these to
// provider-native labels or IMAP flags.
const (
	FlagSeen   = "seen"
	FlagUnread = "unread"
)

// Message is a normalized message observed at the provider.
type Message struct {
	ProviderID     string
	ThreadID       string
	Subject        string
	Sender         string
	Recipients     []string
	ReceivedAt     time.Time
	Snippet        string
	Folder         Folder
	Unread         bool
	HasAttachments bool
	Labels         []string // provider-native labels/keywords observed at fetch
}

// Body holds the lazily fetched message body parts, decoded to UTF-8.
type Body struct {
	Text string
	HTML string
}

// Delta is the result of an incremental fetch.
type Delta struct {
	Messages []*Message
	Cursor   string // new cursor; opaque to callers
	Complete bool   // false when max was hit and more changes remain
}

// Outgoing is an RFC-5322 message to be delivered.
type Outgoing struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Text    string
	HTML    string
}

// Provider is the capability set every mailbox provider exposes.
// Implementations must be safe for use by a single sync goroutine; they
// are not required to support concurrent calls.
type Provider interface {
	// Authenticate verifies credentials, refreshing OAuth tokens when
	// possible. Returns ErrAuthRequired when credentials are invalid or
	// revoked.
	Authenticate(ctx context.Context) error

	// ListFolders returns the logical folders the provider supports.
	ListFolders(ctx context.Context) ([]Folder, error)

	// FetchDelta yields at most max new or changed messages since cursor,
	// plus a new cursor. An empty cursor requests a timestamp-bounded
	// initial fetch. An empty folder covers every synced folder; adapters
	// with per-folder positions track them inside the cursor.
	FetchDelta(ctx context.Context, cursor string, folder Folder, max int) (*Delta, error)

	// FetchBody fetches the full body for a message.
	FetchBody(ctx context.Context, providerID string) (*Body, error)

	// SetFlags adds and removes flags, labels, or keywords.
	SetFlags(ctx context.Context, providerID string, add, remove []string) error

	// Move relocates a message between logical folders.
	Move(ctx context.Context, providerID string, from, to Folder) error

	// PermanentDelete unrecoverably removes a message.
	PermanentDelete(ctx context.Context, providerID string) error

	// Send delivers an outgoing message and returns the new provider id.
	Send(ctx context.Context, out *Outgoing) (string, error)

	// SupportsKeywords reports whether arbitrary keyword flags stick.
	SupportsKeywords() bool

	// SupportsIdle reports whether the provider supports push notification.
	SupportsIdle() bool

	// Close releases connections held by the provider.
	Close() error
}
