// Package engine orchestrates per-account sync: draining pending
// operations, fetching provider deltas, classifying new mail, and
// reconciling provider labels.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mailtriage/mailtriage/internal/classify"
	"github.com/mailtriage/mailtriage/internal/config"
	"github.com/mailtriage/mailtriage/internal/events"
	"github.com/mailtriage/mailtriage/internal/mime"
	"github.com/mailtriage/mailtriage/internal/provider"
	"github.com/mailtriage/mailtriage/internal/store"
)

// Engine coordinates the sync workers and exposes the mutation surface
// used by the API layer and CLI.
type Engine struct {
	store      *store.Store
	cfg        *config.Config
	bus        *events.Bus
	classifier *classify.Classifier
	factory    ProviderFactory
	logger     *slog.Logger

	mu        sync.Mutex
	providers map[string]provider.Provider
	triggers  map[string]chan struct{}
	wg        sync.WaitGroup
	started   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClassifier sets the classifier. When nil, sync skips classification.
func WithClassifier(c *classify.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithProviderFactory overrides how provider adapters are built.
func WithProviderFactory(f ProviderFactory) Option {
	return func(e *Engine) { e.factory = f }
}

// New creates an Engine over the store and configuration.
func New(st *store.Store, cfg *config.Config, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		cfg:       cfg,
		bus:       bus,
		factory:   DefaultProviderFactory,
		logger:    slog.Default(),
		providers: make(map[string]provider.Provider),
		triggers:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start registers configured accounts in the store and launches one sync
// worker per account. Workers run until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	ids := make([]string, 0, len(e.cfg.Accounts))
	for id := range e.cfg.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		acc := e.cfg.Accounts[id]
		settings, err := json.Marshal(acc)
		if err != nil {
			return fmt.Errorf("marshal account %q settings: %w", id, err)
		}
		if err := e.store.UpsertAccount(id, acc.Email, acc.Provider, string(settings)); err != nil {
			return fmt.Errorf("register account %q: %w", id, err)
		}

		// Buffered size 1: a trigger during a running cycle is coalesced
		// into exactly one follow-up cycle.
		trigger := make(chan struct{}, 1)
		e.triggers[id] = trigger

		e.wg.Add(1)
		go e.runWorker(ctx, id, trigger)
	}

	e.wg.Add(1)
	go e.runMaintenance(ctx)
	return nil
}

// maintenanceInterval paces the feedback retention sweep.
const maintenanceInterval = 24 * time.Hour

// runMaintenance purges expired and long-orphaned feedback rows, once at
// startup and then daily.
func (e *Engine) runMaintenance(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		n, err := e.store.PurgeFeedback()
		if err != nil {
			e.logger.Error("purging feedback", "error", err)
		} else if n > 0 {
			e.logger.Info("purged stale feedback", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close releases every provider connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.providers {
		if err := p.Close(); err != nil {
			e.logger.Warn("closing provider", "account", id, "error", err)
		}
		delete(e.providers, id)
	}
	return nil
}

// runWorker serializes sync cycles for one account.
func (e *Engine) runWorker(ctx context.Context, accountID string, trigger <-chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
		}
		if err := e.syncAccount(ctx, accountID); err != nil {
			e.logger.Error("sync cycle failed", "account", accountID, "error", err)
		}
	}
}

// Trigger requests a sync for one account. Triggers during a running
// cycle coalesce into a single follow-up cycle.
func (e *Engine) Trigger(accountID string) error {
	e.mu.Lock()
	trigger, ok := e.triggers[accountID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("account %q not configured", accountID)
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
	return nil
}

// TriggerAll requests a sync for every account.
func (e *Engine) TriggerAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, trigger := range e.triggers {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
}

// getProvider returns the cached adapter for an account, building it on
// first use.
func (e *Engine) getProvider(ctx context.Context, accountID string) (provider.Provider, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.providers[accountID]; ok {
		return p, nil
	}
	p, err := e.factory(ctx, e.cfg, accountID, e.logger.With("account", accountID))
	if err != nil {
		return nil, err
	}
	e.providers[accountID] = p
	return p, nil
}

// dropProvider evicts a cached adapter so the next cycle rebuilds it,
// re-reading the credential file.
func (e *Engine) dropProvider(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.providers[accountID]; ok {
		_ = p.Close()
		delete(e.providers, accountID)
	}
}

// MarkRead updates the local read flag and queues the provider-side
// change. Returns the updated message.
func (e *Engine) MarkRead(messageID int64, unread bool) (*store.Message, error) {
	msg, err := e.store.SetUnread(messageID, unread)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %d not found", messageID)
	}
	op := store.OpMarkRead
	if unread {
		op = store.OpMarkUnread
	}
	if err := e.store.EnqueuePending(msg.AccountID, msg.ID, msg.ProviderID, op); err != nil {
		return nil, err
	}
	return msg, nil
}

// Trash moves a message to trash locally and queues the provider move.
func (e *Engine) Trash(messageID int64) (*store.Message, error) {
	msg, err := e.store.TrashMessage(messageID)
	if err != nil {
		return nil, err
	}
	if err := e.store.EnqueuePending(msg.AccountID, msg.ID, msg.ProviderID, store.OpTrash); err != nil {
		return nil, err
	}
	return msg, nil
}

// Restore moves a trashed message back to its original folder and queues
// the provider move.
func (e *Engine) Restore(messageID int64) (*store.Message, error) {
	msg, err := e.store.RestoreMessage(messageID)
	if err != nil {
		return nil, err
	}
	if err := e.store.EnqueuePending(msg.AccountID, msg.ID, msg.ProviderID, store.OpRestore); err != nil {
		return nil, err
	}
	return msg, nil
}

// PermanentDelete removes a message locally and queues the provider
// deletion. The queued op carries the provider id so it survives the
// local row's removal.
func (e *Engine) PermanentDelete(messageID int64) error {
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %d not found", messageID)
	}
	if err := e.store.EnqueuePending(msg.AccountID, msg.ID, msg.ProviderID, store.OpPermanentDelete); err != nil {
		return err
	}
	return e.store.DeleteMessage(messageID)
}

// UpdateTags replaces a message's tags. A change records feedback for
// future classification and marks the label set for provider re-push.
func (e *Engine) UpdateTags(messageID int64, tags []string) (*store.Classification, error) {
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %d not found", messageID)
	}

	var original []string
	if existing, err := e.store.GetClassification(messageID); err != nil {
		return nil, err
	} else if existing != nil {
		original = existing.Tags
	}

	domain := mime.ExtractDomain(msg.Sender)
	if err := e.store.RecordCorrection(msg.AccountID, messageID, domain, msg.Subject, msg.Snippet, original, tags); err != nil {
		return nil, err
	}
	if err := e.store.SetClassificationTags(messageID, tags); err != nil {
		return nil, err
	}
	return e.store.GetClassification(messageID)
}

// Send delivers a message through the account's provider and mirrors it
// into the sent folder when the provider reports the new id.
func (e *Engine) Send(ctx context.Context, accountID string, out *provider.Outgoing) (*store.Message, error) {
	p, err := e.getProvider(ctx, accountID)
	if err != nil {
		return nil, err
	}
	acc, ok := e.cfg.Accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %q not configured", accountID)
	}
	if out.From == "" {
		out.From = acc.Email
	}

	id, err := p.Send(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("send via %q: %w", accountID, err)
	}
	if id == "" {
		return nil, nil
	}

	localID, err := e.store.UpsertMessage(&store.Message{
		AccountID:  accountID,
		ProviderID: id,
		Subject:    out.Subject,
		Sender:     out.From,
		Recipients: out.To,
		Snippet:    mime.MakeSnippet(out.Text),
		Folder:     store.FolderSent,
		IsUnread:   false,
	}, store.UpsertOptions{AdoptUnread: true, AdoptFolder: true})
	if err != nil {
		return nil, err
	}
	return e.store.GetMessage(localID)
}

// FetchBody returns the message with its body populated, fetching from
// the provider on first access.
func (e *Engine) FetchBody(ctx context.Context, messageID int64) (*store.Message, error) {
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %d not found", messageID)
	}
	if msg.BodyText.Valid || msg.BodyHTML.Valid {
		return msg, nil
	}

	p, err := e.getProvider(ctx, msg.AccountID)
	if err != nil {
		return nil, err
	}
	body, err := p.FetchBody(ctx, msg.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("fetch body: %w", err)
	}
	if err := e.store.SetMessageBody(messageID, body.Text, body.HTML); err != nil {
		return nil, err
	}
	return e.store.GetMessage(messageID)
}

// Reclassify drops every verdict for an account and triggers a cycle so
// the classifier runs again from scratch.
func (e *Engine) Reclassify(accountID string) (int64, error) {
	n, err := e.store.ClearClassifications(accountID)
	if err != nil {
		return 0, err
	}
	if err := e.Trigger(accountID); err != nil {
		return n, err
	}
	return n, nil
}
