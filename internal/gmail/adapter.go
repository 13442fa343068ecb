package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailtriage/mailtriage/internal/mime"
	"github.com/mailtriage/mailtriage/internal/provider"
)

// System label ids Gmail assigns to every mailbox.
const (
	labelInbox  = "INBOX"
	labelSent   = "SENT"
	labelDraft  = "DRAFT"
	labelTrash  = "TRASH"
	labelUnread = "UNREAD"
	labelSpam   = "SPAM"
)

// initialFetchWindow bounds the first fetch when no cursor exists, and
// the fallback fetch after the history log expires.
const initialFetchWindow = "newer_than:30d"

// Adapter implements the provider interface for Gmail. The cursor is the
// mailbox historyId as a decimal string.
type Adapter struct {
	client      *Client
	email       string
	labelPrefix string
	labelColor  func(tag string) string
	logger      *slog.Logger

	labelIDs map[string]string // label name -> id, filled lazily
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the adapter logger.
func WithAdapterLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = logger }
}

// NewAdapter creates a Gmail adapter. labelColor may be nil; labelPrefix
// is prepended to tag names when creating labels (e.g. "AI/").
func NewAdapter(client *Client, email, labelPrefix string, labelColor func(string) string, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		client:      client,
		email:       email,
		labelPrefix: labelPrefix,
		labelColor:  labelColor,
		logger:      slog.Default(),
		labelIDs:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Authenticate(ctx context.Context) error {
	profile, err := a.client.getProfile(ctx)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if a.email != "" && !strings.EqualFold(profile.EmailAddress, a.email) {
		return fmt.Errorf("authenticate: token is for %s, expected %s: %w",
			profile.EmailAddress, a.email, provider.ErrAuthRequired)
	}
	return nil
}

func (a *Adapter) ListFolders(ctx context.Context) ([]provider.Folder, error) {
	return []provider.Folder{
		provider.FolderInbox, provider.FolderSent, provider.FolderDrafts,
		provider.FolderTrash, provider.FolderArchive,
	}, nil
}

func (a *Adapter) FetchDelta(ctx context.Context, cursor string, folder provider.Folder, max int) (*provider.Delta, error) {
	if max <= 0 {
		max = 100
	}
	if cursor == "" {
		return a.initialFetch(ctx, folder, max)
	}
	return a.historyFetch(ctx, cursor, max)
}

// initialFetch lists recent messages by query since no history position
// exists yet. The returned cursor is the profile's current historyId, so
// later cycles switch to incremental history.
func (a *Adapter) initialFetch(ctx context.Context, folder provider.Folder, max int) (*provider.Delta, error) {
	profile, err := a.client.getProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial fetch: %w", err)
	}

	query := initialFetchWindow + " -in:chats -in:spam"
	if q := folderQuery(folder); q != "" {
		query += " " + q
	}

	var ids []string
	pageToken := ""
	morePages := false
	for len(ids) < max {
		page, err := a.client.listMessageIDs(ctx, query, pageToken, max-len(ids))
		if err != nil {
			return nil, fmt.Errorf("initial fetch: %w", err)
		}
		for _, ref := range page.Messages {
			ids = append(ids, ref.ID)
		}
		morePages = page.NextPageToken != ""
		if !morePages {
			break
		}
		pageToken = page.NextPageToken
	}
	complete := !morePages

	msgs, err := a.fetchMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &provider.Delta{Messages: msgs, Cursor: profile.HistoryID, Complete: complete}, nil
}

// historyFetch walks the history log from the cursor. A 404 on the start
// position means the log has aged out; that surfaces as ErrHistoryExpired
// so the caller can fall back to a bounded initial fetch.
func (a *Adapter) historyFetch(ctx context.Context, cursor string, max int) (*provider.Delta, error) {
	changed := make(map[string]bool)
	var order []string
	newCursor := cursor
	complete := true

	pageToken := ""
pages:
	for {
		page, err := a.client.listHistory(ctx, cursor, pageToken)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				return nil, fmt.Errorf("history from %s: %w", cursor, provider.ErrHistoryExpired)
			}
			return nil, fmt.Errorf("list history: %w", err)
		}
		for _, entry := range page.History {
			// Whole records only: the cursor advances to the last record
			// actually consumed, so a truncated fetch resumes without
			// skipping the remainder. A single oversized record may push
			// past max rather than be split.
			if len(order) >= max {
				complete = false
				break pages
			}
			for _, chg := range entry.MessagesAdded {
				addChanged(changed, &order, chg.Message.ID)
			}
			for _, chg := range entry.LabelsAdded {
				addChanged(changed, &order, chg.Message.ID)
			}
			for _, chg := range entry.LabelsRemoved {
				addChanged(changed, &order, chg.Message.ID)
			}
			// Remote permanent deletions leave the local copy in place;
			// the metadata fetch below skips ids that no longer resolve.
			if entry.ID != "" {
				newCursor = entry.ID
			}
		}
		if page.NextPageToken == "" {
			// Fully drained: adopt the mailbox's current position.
			if page.HistoryID != "" {
				newCursor = page.HistoryID
			}
			break
		}
		pageToken = page.NextPageToken
	}

	msgs, err := a.fetchMessages(ctx, order)
	if err != nil {
		return nil, err
	}
	return &provider.Delta{Messages: msgs, Cursor: newCursor, Complete: complete}, nil
}

func addChanged(seen map[string]bool, order *[]string, id string) {
	if id == "" || seen[id] {
		return
	}
	seen[id] = true
	*order = append(*order, id)
}

// fetchMessageConcurrency bounds parallel metadata fetches. The shared
// quota limiter still paces the aggregate request rate.
const fetchMessageConcurrency = 8

// fetchMessages resolves ids to normalized messages, preserving order.
// Ids that vanished between listing and fetching are skipped.
func (a *Adapter) fetchMessages(ctx context.Context, ids []string) ([]*provider.Message, error) {
	results := make([]*provider.Message, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchMessageConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			meta, err := a.client.getMessageMeta(gctx, id)
			if err != nil {
				if errors.Is(err, provider.ErrNotFound) {
					a.logger.Debug("message vanished during fetch", "id", id)
					return nil
				}
				return fmt.Errorf("fetch message %s: %w", id, err)
			}
			results[i] = a.toMessage(meta)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	msgs := make([]*provider.Message, 0, len(ids))
	for _, m := range results {
		if m != nil {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// toMessage maps Gmail metadata onto the normalized message shape.
func (a *Adapter) toMessage(meta *messageMetaResponse) *provider.Message {
	headers := make(map[string]string, len(meta.Payload.Headers))
	for _, h := range meta.Payload.Headers {
		headers[strings.ToLower(h.Name)] = h.Value
	}

	var receivedAt time.Time
	if ms, err := strconv.ParseInt(meta.InternalDate, 10, 64); err == nil && ms > 0 {
		receivedAt = time.UnixMilli(ms).UTC()
	}

	var recipients []string
	for _, key := range []string{"to", "cc"} {
		if v := headers[key]; v != "" {
			for _, addr := range strings.Split(v, ",") {
				if addr = strings.TrimSpace(addr); addr != "" {
					recipients = append(recipients, addr)
				}
			}
		}
	}

	unread := false
	for _, l := range meta.LabelIDs {
		if l == labelUnread {
			unread = true
		}
	}

	return &provider.Message{
		ProviderID:     meta.ID,
		ThreadID:       meta.ThreadID,
		Subject:        mime.EnsureUTF8(headers["subject"]),
		Sender:         mime.EnsureUTF8(headers["from"]),
		Recipients:     recipients,
		ReceivedAt:     receivedAt,
		Snippet:        meta.Snippet,
		Folder:         folderFromLabels(meta.LabelIDs),
		Unread:         unread,
		HasAttachments: strings.HasPrefix(meta.Payload.MimeType, "multipart/mixed"),
		Labels:         meta.LabelIDs,
	}
}

// folderFromLabels maps Gmail system labels onto the logical folder.
// Trash and spam win over everything; a message with no placement label
// is archived.
func folderFromLabels(labelIDs []string) provider.Folder {
	has := func(want string) bool {
		for _, l := range labelIDs {
			if l == want {
				return true
			}
		}
		return false
	}
	switch {
	case has(labelTrash), has(labelSpam):
		return provider.FolderTrash
	case has(labelDraft):
		return provider.FolderDrafts
	case has(labelInbox):
		return provider.FolderInbox
	case has(labelSent):
		return provider.FolderSent
	default:
		return provider.FolderArchive
	}
}

// folderQuery maps a logical folder to a Gmail search clause.
func folderQuery(folder provider.Folder) string {
	switch folder {
	case provider.FolderInbox:
		return "in:inbox"
	case provider.FolderSent:
		return "in:sent"
	case provider.FolderDrafts:
		return "in:draft"
	case provider.FolderTrash:
		return "in:trash"
	case provider.FolderArchive:
		return "-in:inbox -in:sent -in:draft -in:trash"
	default:
		return ""
	}
}

func (a *Adapter) FetchBody(ctx context.Context, providerID string) (*provider.Body, error) {
	raw, err := a.client.getMessageRaw(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("fetch body %s: %w", providerID, err)
	}
	parsed, err := mime.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse body %s: %w", providerID, err)
	}
	return &provider.Body{Text: parsed.BodyText, HTML: parsed.BodyHTML}, nil
}

// SetFlags translates canonical flags and tag names onto label
// modifications. Tag flags resolve to prefixed user labels, created on
// first use.
func (a *Adapter) SetFlags(ctx context.Context, providerID string, add, remove []string) error {
	addIDs, err := a.flagLabelIDs(ctx, add)
	if err != nil {
		return err
	}
	removeIDs, err := a.flagLabelIDs(ctx, remove)
	if err != nil {
		return err
	}
	// "seen" means clearing UNREAD, not adding a label.
	addIDs, removeIDs = swapSeen(addIDs, removeIDs)
	if err := a.client.modifyLabels(ctx, providerID, addIDs, removeIDs); err != nil {
		return fmt.Errorf("set flags %s: %w", providerID, err)
	}
	return nil
}

// flagLabelIDs maps flag names to Gmail label ids, creating prefixed tag
// labels as needed. FlagSeen maps to a sentinel handled by swapSeen.
func (a *Adapter) flagLabelIDs(ctx context.Context, flags []string) ([]string, error) {
	var ids []string
	for _, f := range flags {
		switch f {
		case provider.FlagUnread:
			ids = append(ids, labelUnread)
		case provider.FlagSeen:
			ids = append(ids, seenSentinel)
		default:
			id, err := a.ensureLabel(ctx, a.labelPrefix+f)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

const seenSentinel = "\x00seen"

// swapSeen rewrites the seen sentinel: adding "seen" removes UNREAD, and
// removing "seen" adds it back.
func swapSeen(add, remove []string) (outAdd, outRemove []string) {
	for _, id := range add {
		if id == seenSentinel {
			outRemove = append(outRemove, labelUnread)
			continue
		}
		outAdd = append(outAdd, id)
	}
	for _, id := range remove {
		if id == seenSentinel {
			outAdd = append(outAdd, labelUnread)
			continue
		}
		outRemove = append(outRemove, id)
	}
	return outAdd, outRemove
}

// ensureLabel resolves a label name to its id, creating the label when it
// does not exist yet.
func (a *Adapter) ensureLabel(ctx context.Context, name string) (string, error) {
	if id, ok := a.labelIDs[name]; ok {
		return id, nil
	}

	labels, err := a.client.listLabels(ctx)
	if err != nil {
		return "", fmt.Errorf("list labels: %w", err)
	}
	for _, l := range labels {
		a.labelIDs[l.Name] = l.ID
	}
	if id, ok := a.labelIDs[name]; ok {
		return id, nil
	}

	color := ""
	if a.labelColor != nil {
		color = a.labelColor(strings.TrimPrefix(name, a.labelPrefix))
	}
	label, err := a.client.createLabel(ctx, name, color)
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	a.logger.Info("created label", "name", name, "id", label.ID)
	a.labelIDs[name] = label.ID
	return label.ID, nil
}

func (a *Adapter) Move(ctx context.Context, providerID string, from, to provider.Folder) error {
	var err error
	switch {
	case to == provider.FolderTrash:
		err = a.client.trashMessage(ctx, providerID)
	case from == provider.FolderTrash:
		if err = a.client.untrashMessage(ctx, providerID); err == nil && to == provider.FolderInbox {
			err = a.client.modifyLabels(ctx, providerID, []string{labelInbox}, nil)
		}
	case to == provider.FolderArchive:
		err = a.client.modifyLabels(ctx, providerID, nil, []string{labelInbox})
	case to == provider.FolderInbox:
		err = a.client.modifyLabels(ctx, providerID, []string{labelInbox}, nil)
	default:
		return fmt.Errorf("move to %s: %w", to, provider.ErrCapabilityUnsupported)
	}
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", providerID, to, err)
	}
	return nil
}

func (a *Adapter) PermanentDelete(ctx context.Context, providerID string) error {
	if err := a.client.deleteMessage(ctx, providerID); err != nil {
		return fmt.Errorf("delete %s: %w", providerID, err)
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, out *provider.Outgoing) (string, error) {
	raw, err := mime.BuildMessage(&mime.Outgoing{
		From: out.From, To: out.To, Cc: out.Cc, Bcc: out.Bcc,
		Subject: out.Subject, Text: out.Text, HTML: out.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("build message: %w", err)
	}
	id, err := a.client.sendRaw(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	return id, nil
}

func (a *Adapter) SupportsKeywords() bool { return true }
func (a *Adapter) SupportsIdle() bool     { return false }

func (a *Adapter) Close() error { return nil }

var _ provider.Provider = (*Adapter)(nil)
