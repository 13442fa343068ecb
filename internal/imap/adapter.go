package imap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailtriage/mailtriage/internal/mime"
	"github.com/mailtriage/mailtriage/internal/provider"
)

// initialWindow bounds the first fetch of a mailbox with no recorded UID
// position.
const initialWindow = 30 * 24 * time.Hour

// folderCursor is the per-mailbox UID position.
type folderCursor struct {
	UIDValidity uint32 `json:"uidValidity"`
	UIDNext     uint32 `json:"uidNext"`
}

// cursorState is the adapter cursor, serialized as JSON.
type cursorState struct {
	Folders  map[string]folderCursor `json:"folders"`
	LastSync time.Time               `json:"lastSync"`
}

func parseCursor(cursor string) (*cursorState, error) {
	state := &cursorState{Folders: make(map[string]folderCursor)}
	if cursor == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(cursor), state); err != nil {
		return nil, fmt.Errorf("parse cursor: %w", err)
	}
	if state.Folders == nil {
		state.Folders = make(map[string]folderCursor)
	}
	return state, nil
}

func (s *cursorState) encode() string {
	s.LastSync = time.Now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

// syncOrder fixes the folder iteration order so the budget favors the
// inbox.
var syncOrder = []provider.Folder{
	provider.FolderInbox, provider.FolderSent, provider.FolderDrafts,
	provider.FolderArchive, provider.FolderTrash,
}

func (a *Adapter) Authenticate(ctx context.Context) error {
	return a.withRetry(ctx, func(conn *imapclient.Client) error {
		if _, err := a.resolveMailboxes(); err != nil {
			return err
		}
		return a.selectMailbox("INBOX")
	})
}

func (a *Adapter) ListFolders(ctx context.Context) ([]provider.Folder, error) {
	var folders []provider.Folder
	err := a.withRetry(ctx, func(conn *imapclient.Client) error {
		special, err := a.resolveMailboxes()
		if err != nil {
			return err
		}
		folders = folders[:0]
		for _, f := range syncOrder {
			if _, ok := special[f]; ok {
				folders = append(folders, f)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

func (a *Adapter) FetchDelta(ctx context.Context, cursor string, folder provider.Folder, max int) (*provider.Delta, error) {
	if max <= 0 {
		max = 100
	}
	// State and delta are rebuilt per attempt so a retried fetch never
	// sees a half-advanced cursor or duplicated messages.
	var (
		state *cursorState
		delta *provider.Delta
	)
	err := a.withRetry(ctx, func(conn *imapclient.Client) error {
		var err error
		state, err = parseCursor(cursor)
		if err != nil {
			return err
		}
		delta = &provider.Delta{Complete: true}
		special, err := a.resolveMailboxes()
		if err != nil {
			return err
		}

		for _, logical := range syncOrder {
			if folder != "" && logical != folder {
				continue
			}
			mailbox, ok := special[logical]
			if !ok {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			budget := max - len(delta.Messages)
			if budget <= 0 {
				delta.Complete = false
				break
			}
			complete, err := a.fetchMailbox(conn, state, mailbox, logical, budget, delta)
			if err != nil {
				// A dead connection fails the attempt so the retry
				// redials; anything else skips just this mailbox.
				if isConnError(err) {
					return err
				}
				a.logger.Warn("skipping mailbox", "mailbox", mailbox, "error", err)
				continue
			}
			if !complete {
				delta.Complete = false
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	delta.Cursor = state.encode()
	return delta, nil
}

// fetchMailbox pulls messages above the recorded UID position from one
// mailbox, appending to delta and advancing the cursor state. Caller must
// hold mu.
func (a *Adapter) fetchMailbox(conn *imapclient.Client, state *cursorState, mailbox string, logical provider.Folder, budget int, delta *provider.Delta) (complete bool, err error) {
	// SELECT unconditionally: the cached selection may carry a stale
	// UIDNEXT.
	selData, err := a.conn.Select(mailbox, nil).Wait()
	if err != nil {
		return false, fmt.Errorf("SELECT %q: %w", mailbox, err)
	}
	a.selectedMailbox = mailbox
	a.keywords[mailbox] = permanentFlagsAllowKeywords(selData.PermanentFlags)

	prev := state.Folders[mailbox]
	if prev.UIDValidity != 0 && prev.UIDValidity != selData.UIDValidity {
		a.logger.Warn("UIDVALIDITY changed, resetting mailbox position", "mailbox", mailbox)
		prev = folderCursor{}
	}

	criteria := &imap.SearchCriteria{}
	if prev.UIDNext == 0 {
		criteria.Since = time.Now().Add(-initialWindow)
	} else {
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(prev.UIDNext)}}}
	}
	searchData, err := conn.UIDSearch(criteria, &imap.SearchOptions{ReturnAll: true}).Wait()
	if err != nil {
		return false, fmt.Errorf("UID SEARCH: %w", err)
	}

	var uids []imap.UID
	if uidSet, ok := searchData.All.(imap.UIDSet); ok {
		uids, _ = uidSet.Nums()
	}

	complete = true
	highWater := imap.UID(0)
	if len(uids) > budget {
		uids = uids[:budget]
		complete = false
	}

	if len(uids) > 0 {
		var uidSet imap.UIDSet
		for _, uid := range uids {
			uidSet.AddNum(uid)
		}
		fetchOpts := &imap.FetchOptions{
			UID:          true,
			Flags:        true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{{}},
		}
		msgs, err := conn.Fetch(uidSet, fetchOpts).Collect()
		if err != nil {
			return false, fmt.Errorf("UID FETCH: %w", err)
		}
		for _, buf := range msgs {
			var raw []byte
			if len(buf.BodySection) > 0 {
				raw = buf.BodySection[0].Bytes
			}
			msg := a.toMessage(mailbox, logical, buf.UID, buf.Flags, buf.InternalDate, raw)
			delta.Messages = append(delta.Messages, msg)
			if buf.UID > highWater {
				highWater = buf.UID
			}
		}
	}

	next := prev
	next.UIDValidity = selData.UIDValidity
	if complete {
		next.UIDNext = uint32(selData.UIDNext)
	} else if highWater > 0 {
		next.UIDNext = uint32(highWater) + 1
	}
	if next.UIDNext == 0 {
		next.UIDNext = uint32(selData.UIDNext)
	}
	state.Folders[mailbox] = next
	return complete, nil
}

// toMessage parses the raw payload and maps it onto the normalized shape.
func (a *Adapter) toMessage(mailbox string, logical provider.Folder, uid imap.UID, flags []imap.Flag, internalDate time.Time, raw []byte) *provider.Message {
	msg := &provider.Message{
		ProviderID: compositeID(mailbox, uid),
		Folder:     logical,
		Unread:     true,
		ReceivedAt: internalDate.UTC(),
	}
	for _, f := range flags {
		if f == imap.FlagSeen {
			msg.Unread = false
		}
		if !strings.HasPrefix(string(f), `\`) {
			msg.Labels = append(msg.Labels, string(f))
		}
	}

	parsed, err := mime.Parse(raw)
	if err != nil {
		a.logger.Warn("unparseable message", "id", msg.ProviderID, "error", err)
		return msg
	}
	msg.Subject = parsed.Subject
	from := parsed.GetFirstFrom()
	msg.Sender = from.Email
	if from.Name != "" {
		msg.Sender = fmt.Sprintf("%s <%s>", from.Name, from.Email)
	}
	for _, addr := range parsed.To {
		msg.Recipients = append(msg.Recipients, addr.Email)
	}
	for _, addr := range parsed.Cc {
		msg.Recipients = append(msg.Recipients, addr.Email)
	}
	msg.Snippet = parsed.Snippet()
	msg.HasAttachments = parsed.AttachmentCount > 0
	if msg.ReceivedAt.IsZero() && !parsed.Date.IsZero() {
		msg.ReceivedAt = parsed.Date.UTC()
	}
	// Threading falls back to the references chain root.
	if parsed.InReplyTo != "" {
		msg.ThreadID = parsed.InReplyTo
	} else if parsed.MessageID != "" {
		msg.ThreadID = parsed.MessageID
	}
	return msg
}

func (a *Adapter) FetchBody(ctx context.Context, providerID string) (*provider.Body, error) {
	mailbox, uid, err := parseCompositeID(providerID)
	if err != nil {
		return nil, err
	}

	var body *provider.Body
	err = a.withRetry(ctx, func(conn *imapclient.Client) error {
		if err := a.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		msgs, err := conn.Fetch(uidSet, &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{{Peek: true}},
		}).Collect()
		if err != nil {
			return fmt.Errorf("UID FETCH: %w", err)
		}
		if len(msgs) == 0 || len(msgs[0].BodySection) == 0 {
			return fmt.Errorf("fetch body %s: %w", providerID, provider.ErrNotFound)
		}
		parsed, err := mime.Parse(msgs[0].BodySection[0].Bytes)
		if err != nil {
			return fmt.Errorf("parse body %s: %w", providerID, err)
		}
		body = &provider.Body{Text: parsed.BodyText, HTML: parsed.BodyHTML}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// SetFlags maps canonical flags to IMAP system flags and tag names to
// prefixed keywords. Keyword changes on servers that reject new keywords
// return ErrCapabilityUnsupported.
func (a *Adapter) SetFlags(ctx context.Context, providerID string, add, remove []string) error {
	mailbox, uid, err := parseCompositeID(providerID)
	if err != nil {
		return err
	}
	return a.withRetry(ctx, func(conn *imapclient.Client) error {
		if err := a.selectMailbox(mailbox); err != nil {
			return err
		}
		addFlags, needKeywords := a.toFlags(add)
		removeFlags, needKeywords2 := a.toFlags(remove)
		if (needKeywords || needKeywords2) && !a.keywords[mailbox] {
			return fmt.Errorf("keywords on %q: %w", mailbox, provider.ErrCapabilityUnsupported)
		}

		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		for _, op := range []struct {
			op    imap.StoreFlagsOp
			flags []imap.Flag
		}{
			{imap.StoreFlagsAdd, addFlags},
			{imap.StoreFlagsDel, removeFlags},
		} {
			if len(op.flags) == 0 {
				continue
			}
			if err := conn.Store(uidSet, &imap.StoreFlags{
				Op:     op.op,
				Silent: true,
				Flags:  op.flags,
			}, nil).Close(); err != nil {
				return fmt.Errorf("UID STORE: %w", err)
			}
		}
		return nil
	})
}

// toFlags translates flag names; the second result reports whether any
// custom keyword is involved.
func (a *Adapter) toFlags(names []string) ([]imap.Flag, bool) {
	var flags []imap.Flag
	keywords := false
	for _, n := range names {
		switch n {
		case provider.FlagSeen:
			flags = append(flags, imap.FlagSeen)
		case provider.FlagUnread:
			// Clearing \Seen is expressed by the caller as remove("seen").
		default:
			flags = append(flags, imap.Flag(a.config.KeywordPrefix+n))
			keywords = true
		}
	}
	return flags, keywords
}

func (a *Adapter) Move(ctx context.Context, providerID string, from, to provider.Folder) error {
	mailbox, uid, err := parseCompositeID(providerID)
	if err != nil {
		return err
	}
	return a.withRetry(ctx, func(conn *imapclient.Client) error {
		special, err := a.resolveMailboxes()
		if err != nil {
			return err
		}
		target, ok := special[to]
		if !ok {
			return fmt.Errorf("no mailbox for folder %s: %w", to, provider.ErrCapabilityUnsupported)
		}
		if err := a.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		if _, err := conn.Move(uidSet, target).Wait(); err != nil {
			return fmt.Errorf("MOVE to %q: %w", target, err)
		}
		return nil
	})
}

// PermanentDelete removes a message with UID STORE \Deleted followed by
// UID EXPUNGE.
func (a *Adapter) PermanentDelete(ctx context.Context, providerID string) error {
	mailbox, uid, err := parseCompositeID(providerID)
	if err != nil {
		return err
	}
	return a.withRetry(ctx, func(conn *imapclient.Client) error {
		if err := a.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		if err := conn.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil).Close(); err != nil {
			return fmt.Errorf("UID STORE \\Deleted: %w", err)
		}
		if err := conn.UIDExpunge(uidSet).Close(); err != nil {
			return fmt.Errorf("UID EXPUNGE: %w", err)
		}
		return nil
	})
}

// SupportsKeywords reflects the inbox's PERMANENTFLAGS response, which
// gates the label push. Servers can differ per mailbox; SetFlags still
// checks the target mailbox itself. Before the inbox has been selected
// it reports false.
func (a *Adapter) SupportsKeywords() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.keywords["INBOX"]
}

func (a *Adapter) SupportsIdle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idleOK
}

var _ provider.Provider = (*Adapter)(nil)
