// Package imap implements the IMAP provider adapter using go-imap, with
// SMTP submission for outgoing mail.
package imap

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailtriage/mailtriage/internal/provider"
)

// Config holds IMAP and SMTP connection settings for one account.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string

	SMTPHost string
	SMTPPort int
	SMTPTLS  bool

	// KeywordPrefix is prepended to tag names stored as IMAP keywords.
	KeywordPrefix string
}

// Addr returns the IMAP dial address.
func (c *Config) Addr() string {
	port := c.Port
	if port == 0 {
		if c.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Option is a functional option for Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithRetryPolicy overrides the retry policy. Tests use this to avoid
// real backoff sleeps.
func WithRetryPolicy(p provider.RetryPolicy) Option {
	return func(a *Adapter) { a.retry = p }
}

// Adapter implements the provider interface for IMAP servers. Message
// ids are composite "mailbox|uid" strings; the cursor is a JSON document
// of per-mailbox UID positions.
type Adapter struct {
	config *Config
	logger *slog.Logger
	retry  provider.RetryPolicy

	mu              sync.Mutex
	conn            *imapclient.Client
	selectedMailbox string
	keywords        map[string]bool // mailbox -> PERMANENTFLAGS advertised \*
	idleOK          bool
	special         map[provider.Folder]string // logical folder -> mailbox
}

// NewAdapter creates an IMAP adapter.
func NewAdapter(cfg *Config, opts ...Option) *Adapter {
	a := &Adapter{
		config:   cfg,
		logger:   slog.Default(),
		retry:    provider.DefaultRetryPolicy(),
		keywords: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// connect establishes and authenticates the connection. Caller must hold mu.
func (a *Adapter) connect(ctx context.Context) error {
	if a.conn != nil {
		return nil
	}

	addr := a.config.Addr()
	a.logger.Debug("connecting to IMAP server", "addr", addr, "tls", a.config.TLS)

	var (
		conn *imapclient.Client
		err  error
	)
	if a.config.TLS {
		conn, err = imapclient.DialTLS(addr, &imapclient.Options{})
	} else {
		conn, err = imapclient.DialStartTLS(addr, &imapclient.Options{})
	}
	if err != nil {
		return &provider.TransientError{Err: fmt.Errorf("dial IMAP %s: %w", addr, err)}
	}

	if err := conn.Login(a.config.Username, a.config.Password).Wait(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("IMAP login: %w: %w", provider.ErrAuthRequired, err)
	}

	a.conn = conn
	a.selectedMailbox = ""
	a.idleOK = conn.Caps().Has(imap.CapIdle)
	return nil
}

// withConn runs fn with the active connection, connecting if necessary.
// It holds the mutex for the duration of fn.
func (a *Adapter) withConn(ctx context.Context, fn func(*imapclient.Client) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connect(ctx); err != nil {
		return err
	}
	err := fn(a.conn)
	if err != nil && isConnError(err) {
		// Drop the connection so the next call redials.
		_ = a.conn.Close()
		a.conn = nil
		a.selectedMailbox = ""
		return &provider.TransientError{Err: err}
	}
	return err
}

// withRetry runs fn through withConn under the retry policy. fn must be
// safe to run more than once: dropped connections and other transient
// failures are redialed and retried with backoff.
func (a *Adapter) withRetry(ctx context.Context, fn func(*imapclient.Client) error) error {
	return provider.Retry(ctx, a.retry, func() error {
		return a.withConn(ctx, fn)
	})
}

func isConnError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF") || strings.Contains(msg, "i/o timeout")
}

// selectMailbox selects a mailbox if not already selected and records
// whether the server accepts new keywords there. Caller must hold mu.
func (a *Adapter) selectMailbox(mailbox string) error {
	if a.selectedMailbox == mailbox {
		return nil
	}
	data, err := a.conn.Select(mailbox, nil).Wait()
	if err != nil {
		return fmt.Errorf("SELECT %q: %w", mailbox, err)
	}
	a.selectedMailbox = mailbox
	a.keywords[mailbox] = permanentFlagsAllowKeywords(data.PermanentFlags)
	return nil
}

// permanentFlagsAllowKeywords reports whether a SELECT response permits
// storing new keywords (PERMANENTFLAGS includes \*).
func permanentFlagsAllowKeywords(flags []imap.Flag) bool {
	for _, f := range flags {
		if f == imap.FlagWildcard {
			return true
		}
	}
	return false
}

// resolveMailboxes maps logical folders to mailbox names using
// special-use attributes, falling back to conventional names. Caller
// must hold mu.
func (a *Adapter) resolveMailboxes() (map[provider.Folder]string, error) {
	if a.special != nil {
		return a.special, nil
	}

	items, err := a.conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("LIST: %w", err)
	}

	special := map[provider.Folder]string{
		provider.FolderInbox: "INBOX",
	}
	byAttr := map[imap.MailboxAttr]provider.Folder{
		imap.MailboxAttrSent:    provider.FolderSent,
		imap.MailboxAttrDrafts:  provider.FolderDrafts,
		imap.MailboxAttrTrash:   provider.FolderTrash,
		imap.MailboxAttrArchive: provider.FolderArchive,
	}
	var names []string
	for _, item := range items {
		if hasAttr(item.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		names = append(names, item.Mailbox)
		for attr, folder := range byAttr {
			if hasAttr(item.Attrs, attr) {
				if _, ok := special[folder]; !ok {
					special[folder] = item.Mailbox
				}
			}
		}
	}

	fallbacks := map[provider.Folder][]string{
		provider.FolderSent:    {"Sent", "Sent Messages", "Sent Items", "[Gmail]/Sent Mail"},
		provider.FolderDrafts:  {"Drafts", "[Gmail]/Drafts"},
		provider.FolderTrash:   {"Trash", "Deleted Items", "Deleted Messages", "[Gmail]/Trash"},
		provider.FolderArchive: {"Archive", "All Mail", "[Gmail]/All Mail"},
	}
	for folder, candidates := range fallbacks {
		if _, ok := special[folder]; ok {
			continue
		}
		for _, candidate := range candidates {
			for _, mb := range names {
				if strings.EqualFold(mb, candidate) {
					special[folder] = mb
					break
				}
			}
			if _, ok := special[folder]; ok {
				break
			}
		}
	}

	a.special = special
	return special, nil
}

func hasAttr(attrs []imap.MailboxAttr, attr imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// compositeID builds a message identifier as "mailbox|uid".
func compositeID(mailbox string, uid imap.UID) string {
	return mailbox + "|" + strconv.FormatUint(uint64(uid), 10)
}

// parseCompositeID splits a composite message id into mailbox and UID.
func parseCompositeID(id string) (mailbox string, uid imap.UID, err error) {
	idx := strings.LastIndexByte(id, '|')
	if idx < 0 {
		return "", 0, fmt.Errorf("invalid IMAP message id %q (expected mailbox|uid)", id)
	}
	n, parseErr := strconv.ParseUint(id[idx+1:], 10, 32)
	if parseErr != nil {
		return "", 0, fmt.Errorf("invalid UID in message id %q: %w", id, parseErr)
	}
	return id[:idx], imap.UID(n), nil
}

// Close logs out and disconnects.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	conn := a.conn
	a.conn = nil
	a.selectedMailbox = ""
	return conn.Logout().Wait()
}
