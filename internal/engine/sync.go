package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailtriage/mailtriage/internal/classify"
	"github.com/mailtriage/mailtriage/internal/events"
	"github.com/mailtriage/mailtriage/internal/mime"
	"github.com/mailtriage/mailtriage/internal/provider"
	"github.com/mailtriage/mailtriage/internal/store"
)

// Cycle timeouts.
const (
	cycleTimeout    = 10 * time.Minute
	providerTimeout = 60 * time.Second
)

// maxConsecutiveLLMFailures pauses classification for the rest of a cycle
// once the model fails this many times in a row.
const maxConsecutiveLLMFailures = 3

// Stats summarizes one sync cycle.
type Stats struct {
	Fetched          int
	Classified       int
	ActionsProcessed int
	Errors           int
}

// syncAccount runs one full cycle for an account: drain, fetch, upsert,
// classify, push labels, advance cursor.
func (e *Engine) syncAccount(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	start := time.Now()
	stats := &Stats{}
	e.bus.Publish(events.Event{Type: events.TypeSyncStarted, AccountID: accountID})

	err := e.runCycle(ctx, accountID, stats)
	if err != nil {
		stats.Errors++
		e.bus.Publish(events.Event{
			Type:      events.TypeSyncFailed,
			AccountID: accountID,
			Data:      map[string]any{"error": err.Error()},
		})
	}

	e.bus.Publish(events.Event{
		Type:      events.TypeSyncCompleted,
		AccountID: accountID,
		Data: map[string]any{
			"fetched":           stats.Fetched,
			"classified":        stats.Classified,
			"actions_processed": stats.ActionsProcessed,
			"errors":            stats.Errors,
			"duration_ms":       time.Since(start).Milliseconds(),
		},
	})
	e.logger.Info("sync cycle finished", "account", accountID,
		"fetched", stats.Fetched, "classified", stats.Classified,
		"actions", stats.ActionsProcessed, "errors", stats.Errors,
		"duration", time.Since(start))
	return err
}

func (e *Engine) runCycle(ctx context.Context, accountID string, stats *Stats) error {
	acct, err := e.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %q not registered", accountID)
	}

	p, err := e.getProvider(ctx, accountID)
	if err != nil {
		e.markUnhealthy(accountID, err)
		return err
	}

	authCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	err = p.Authenticate(authCtx)
	cancel()
	if err != nil {
		if errors.Is(err, provider.ErrAuthRequired) {
			e.markUnhealthy(accountID, err)
			e.dropProvider(accountID)
			return err
		}
		return fmt.Errorf("authenticate: %w", err)
	}

	stats.ActionsProcessed = e.drainPending(ctx, accountID, p)

	cursor := ""
	if acct.Cursor.Valid {
		cursor = acct.Cursor.String
	}
	delta, err := e.fetchDelta(ctx, p, cursor)
	if err != nil {
		return fmt.Errorf("fetch delta: %w", err)
	}

	for _, msg := range delta.Messages {
		if err := e.upsertFetched(accountID, msg); err != nil {
			return fmt.Errorf("upsert %s: %w", msg.ProviderID, err)
		}
		stats.Fetched++
	}

	if e.classifier != nil && e.cfg.AI.Enabled {
		classified, err := e.classifyBacklog(ctx, accountID)
		stats.Classified = classified
		if err != nil {
			e.logger.Warn("classification paused for cycle", "account", accountID, "error", err)
			stats.Errors++
		}
	}

	if p.SupportsKeywords() {
		e.pushLabels(ctx, accountID, p, stats)
	}

	if err := e.store.UpdateAccountCursor(accountID, delta.Cursor); err != nil {
		return err
	}
	if err := e.store.SetAccountHealth(accountID, true, ""); err != nil {
		return err
	}

	if !delta.Complete {
		// More changes remain; schedule exactly one follow-up cycle.
		_ = e.Trigger(accountID)
	}
	return nil
}

func (e *Engine) markUnhealthy(accountID string, cause error) {
	if err := e.store.SetAccountHealth(accountID, false, cause.Error()); err != nil {
		e.logger.Error("recording account health", "account", accountID, "error", err)
	}
}

// fetchDelta runs the incremental fetch, falling back to a bounded
// initial fetch when the provider's history log has expired.
func (e *Engine) fetchDelta(ctx context.Context, p provider.Provider, cursor string) (*provider.Delta, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, providerTimeout)
	defer cancel()

	delta, err := p.FetchDelta(fetchCtx, cursor, "", e.cfg.Sync.MaxMessagesPerSync)
	if err == nil {
		return delta, nil
	}
	if !errors.Is(err, provider.ErrHistoryExpired) {
		return nil, err
	}

	e.logger.Warn("history expired, running bounded refetch")
	refetchCtx, cancel2 := context.WithTimeout(ctx, providerTimeout)
	defer cancel2()
	return p.FetchDelta(refetchCtx, "", "", e.cfg.Sync.MaxMessagesPerSync)
}

// drainPending replays queued local operations against the provider in
// FIFO order. Per-op failures never abort the drain.
func (e *Engine) drainPending(ctx context.Context, accountID string, p provider.Provider) int {
	ops, err := e.store.ListPending(accountID, 50)
	if err != nil {
		e.logger.Error("listing pending ops", "account", accountID, "error", err)
		return 0
	}

	processed := 0
	for _, op := range ops {
		if ctx.Err() != nil {
			return processed
		}
		opCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		err := e.applyPending(opCtx, p, op)
		cancel()

		// A message already gone at the provider counts as converged.
		if err != nil && errors.Is(err, provider.ErrNotFound) {
			err = nil
		}
		if err == nil {
			if cerr := e.store.CompletePending(op.ID); cerr != nil {
				e.logger.Error("completing pending op", "op", op.ID, "error", cerr)
				continue
			}
			processed++
			continue
		}

		e.logger.Warn("pending op failed", "op", op.ID, "kind", op.Op, "error", err)
		parked, ferr := e.store.FailPendingAttempt(op.ID, err.Error())
		if ferr != nil {
			e.logger.Error("recording pending failure", "op", op.ID, "error", ferr)
			continue
		}
		if parked {
			e.bus.Publish(events.Event{
				Type:      events.TypePendingFailed,
				AccountID: accountID,
				Data:      map[string]any{"operation_id": op.ID, "op": op.Op, "error": err.Error()},
			})
		}
	}
	return processed
}

// applyPending maps one queued op onto the provider call that realizes it.
func (e *Engine) applyPending(ctx context.Context, p provider.Provider, op *store.PendingOp) error {
	switch op.Op {
	case store.OpMarkRead:
		return p.SetFlags(ctx, op.ProviderID, []string{provider.FlagSeen}, []string{provider.FlagUnread})
	case store.OpMarkUnread:
		return p.SetFlags(ctx, op.ProviderID, []string{provider.FlagUnread}, []string{provider.FlagSeen})
	case store.OpTrash:
		from := provider.FolderInbox
		if msg, err := e.store.GetMessage(op.MessageID); err == nil && msg != nil && msg.OriginalFolder.Valid {
			from = provider.Folder(msg.OriginalFolder.String)
		}
		return p.Move(ctx, op.ProviderID, from, provider.FolderTrash)
	case store.OpRestore:
		to := provider.FolderInbox
		if msg, err := e.store.GetMessage(op.MessageID); err == nil && msg != nil {
			to = provider.Folder(msg.Folder)
		}
		return p.Move(ctx, op.ProviderID, provider.FolderTrash, to)
	case store.OpPermanentDelete:
		return p.PermanentDelete(ctx, op.ProviderID)
	default:
		return fmt.Errorf("unknown pending op %q", op.Op)
	}
}

// upsertFetched mirrors one provider-observed message into the store.
// Fields with an op still pending in the queue keep the local value; the
// provider converges at the next drain.
func (e *Engine) upsertFetched(accountID string, msg *provider.Message) error {
	opts := store.UpsertOptions{AdoptUnread: true, AdoptFolder: true}

	existing, err := e.store.GetMessageByProviderID(accountID, msg.ProviderID)
	if err != nil {
		return err
	}
	if existing != nil {
		flagPending, err := e.store.HasPendingOp(existing.ID, store.OpMarkRead, store.OpMarkUnread)
		if err != nil {
			return err
		}
		folderPending, err := e.store.HasPendingOp(existing.ID, store.OpTrash, store.OpRestore, store.OpPermanentDelete)
		if err != nil {
			return err
		}
		opts.AdoptUnread = !flagPending
		opts.AdoptFolder = !folderPending
	}

	_, err = e.store.UpsertMessage(&store.Message{
		AccountID:      accountID,
		ProviderID:     msg.ProviderID,
		ThreadID:       msg.ThreadID,
		Subject:        msg.Subject,
		Sender:         msg.Sender,
		Recipients:     msg.Recipients,
		ReceivedAt:     msg.ReceivedAt,
		Snippet:        msg.Snippet,
		Folder:         string(msg.Folder),
		IsUnread:       msg.Unread,
		HasAttachments: msg.HasAttachments,
		ProviderLabels: msg.Labels,
	}, opts)
	return err
}

// classifyBacklog runs the classifier over unclassified messages. Three
// consecutive model failures stop classification for the cycle; fetch and
// cursor advancement proceed regardless.
func (e *Engine) classifyBacklog(ctx context.Context, accountID string) (int, error) {
	ids, err := e.store.ListUnclassified(accountID, e.cfg.Sync.MaxMessagesPerSync)
	if err != nil {
		return 0, err
	}

	classified := 0
	consecutiveFailures := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return classified, ctx.Err()
		}
		msg, err := e.store.GetMessage(id)
		if err != nil || msg == nil {
			continue
		}

		examples, err := e.selectExamples(accountID, msg.Sender)
		if err != nil {
			e.logger.Warn("selecting feedback examples", "message", id, "error", err)
		}

		body := ""
		if msg.BodyText.Valid {
			body = msg.BodyText.String
		}
		verdict, err := e.classifier.Classify(ctx, classify.Input{
			Subject:    msg.Subject,
			Sender:     msg.Sender,
			Recipients: msg.Recipients,
			ReceivedAt: msg.ReceivedAt,
			Snippet:    msg.Snippet,
			Body:       body,
		}, examples)
		if err != nil {
			consecutiveFailures++
			e.logger.Warn("classification failed", "message", id, "error", err)
			if consecutiveFailures >= maxConsecutiveLLMFailures {
				return classified, fmt.Errorf("%d consecutive classifier failures: %w", consecutiveFailures, err)
			}
			continue
		}
		consecutiveFailures = 0

		if err := e.store.UpsertClassification(&store.Classification{
			MessageID:      id,
			Tags:           verdict.Tags,
			Priority:       verdict.Priority,
			ActionRequired: verdict.ActionRequired,
			CanArchive:     verdict.CanArchive,
			Confidence:     verdict.Confidence,
			Model:          e.classifier.Model(),
		}); err != nil {
			return classified, err
		}
		classified++
		e.bus.Publish(events.Event{
			Type:      events.TypeMessageClassified,
			AccountID: accountID,
			Data:      map[string]any{"message_id": id, "tags": verdict.Tags},
		})
	}
	return classified, nil
}

// selectExamples converts stored corrections into few-shot examples.
func (e *Engine) selectExamples(accountID, sender string) ([]classify.Example, error) {
	rows, err := e.store.SelectExamples(accountID, mime.ExtractDomain(sender), 5)
	if err != nil {
		return nil, err
	}
	examples := make([]classify.Example, 0, len(rows))
	for _, fb := range rows {
		examples = append(examples, classify.Example{
			From:     fb.SenderDomain,
			Subject:  fb.SubjectPattern,
			AITags:   fb.OriginalTags,
			UserTags: fb.CorrectedTags,
		})
	}
	return examples, nil
}

// pushLabels reconciles provider labels with stored tag sets. Only AI
// labels are added; pre-existing provider labels are never removed.
func (e *Engine) pushLabels(ctx context.Context, accountID string, p provider.Provider, stats *Stats) {
	pending, err := e.store.ListUnsyncedLabels(accountID, e.cfg.Sync.MaxMessagesPerSync)
	if err != nil {
		e.logger.Error("listing unsynced labels", "account", accountID, "error", err)
		return
	}

	for _, l := range pending {
		if ctx.Err() != nil {
			return
		}
		if len(l.Tags) == 0 {
			if err := e.store.MarkLabelSynced(l.MessageID); err != nil {
				e.logger.Error("marking labels synced", "message", l.MessageID, "error", err)
			}
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		err := p.SetFlags(opCtx, l.ProviderID, l.Tags, nil)
		cancel()
		if err != nil {
			if errors.Is(err, provider.ErrCapabilityUnsupported) || errors.Is(err, provider.ErrNotFound) {
				// Nothing to push here; stop re-trying this message.
				_ = e.store.MarkLabelSynced(l.MessageID)
				continue
			}
			e.logger.Warn("pushing labels", "message", l.MessageID, "error", err)
			stats.Errors++
			continue
		}
		if err := e.store.MarkLabelSynced(l.MessageID); err != nil {
			e.logger.Error("marking labels synced", "message", l.MessageID, "error", err)
		}
	}
}
