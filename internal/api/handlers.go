package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mailtriage/mailtriage/internal/provider"
	"github.com/mailtriage/mailtriage/internal/store"
)

// Engine is the mutation surface the API needs.
type Engine interface {
	MarkRead(messageID int64, unread bool) (*store.Message, error)
	Trash(messageID int64) (*store.Message, error)
	Restore(messageID int64) (*store.Message, error)
	PermanentDelete(messageID int64) error
	UpdateTags(messageID int64, tags []string) (*store.Classification, error)
	FetchBody(ctx context.Context, messageID int64) (*store.Message, error)
	Send(ctx context.Context, accountID string, out *provider.Outgoing) (*store.Message, error)
	Trigger(accountID string) error
	TriggerAll()
	Reclassify(accountID string) (int64, error)
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// MessageSummary is a message in list and mutation responses.
type MessageSummary struct {
	ID             int64    `json:"id"`
	AccountID      string   `json:"account_id"`
	ThreadID       string   `json:"thread_id,omitempty"`
	Subject        string   `json:"subject"`
	From           string   `json:"from"`
	To             []string `json:"to,omitempty"`
	ReceivedAt     string   `json:"received_at,omitempty"`
	Snippet        string   `json:"snippet"`
	Folder         string   `json:"folder"`
	Unread         bool     `json:"unread"`
	HasAttachments bool     `json:"has_attachments"`
	Tags           []string `json:"tags,omitempty"`
	Priority       string   `json:"priority,omitempty"`
}

// MessageDetail adds the lazily fetched body to a summary.
type MessageDetail struct {
	MessageSummary
	BodyText string `json:"body_text,omitempty"`
	BodyHTML string `json:"body_html,omitempty"`
}

func (s *Server) toSummary(m *store.Message) MessageSummary {
	sum := MessageSummary{
		ID:             m.ID,
		AccountID:      m.AccountID,
		ThreadID:       m.ThreadID,
		Subject:        m.Subject,
		From:           m.Sender,
		To:             m.Recipients,
		Snippet:        m.Snippet,
		Folder:         m.Folder,
		Unread:         m.IsUnread,
		HasAttachments: m.HasAttachments,
	}
	if !m.ReceivedAt.IsZero() {
		sum.ReceivedAt = m.ReceivedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	if c, err := s.store.GetClassification(m.ID); err == nil && c != nil {
		sum.Tags = c.Tags
		sum.Priority = c.Priority
	}
	return sum
}

func parseID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", raw)
	}
	return id, nil
}

// ListResponse is the paginated message list envelope.
type ListResponse struct {
	Messages []MessageSummary `json:"messages"`
	Total    int64            `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		Accounts:   splitMulti(q["account"]),
		Folder:     q.Get("folder"),
		Tags:       splitMulti(q["tag"]),
		UnreadOnly: q.Get("unread") == "true" || q.Get("unread") == "1",
		ThreadID:   q.Get("thread"),
		Search:     q.Get("q"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}

	msgs, total, err := s.store.ListMessages(filter)
	if err != nil {
		s.logger.Error("listing messages", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list messages")
		return
	}

	resp := ListResponse{
		Messages: make([]MessageSummary, 0, len(msgs)),
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, s.toSummary(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// splitMulti flattens repeated and comma-separated query values.
func splitMulti(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	msg, err := s.engine.FetchBody(r.Context(), id)
	if err != nil {
		s.logger.Error("fetching message", "id", id, "error", err)
		writeError(w, http.StatusNotFound, "not_found", "message not found")
		return
	}

	detail := MessageDetail{MessageSummary: s.toSummary(msg)}
	if msg.BodyText.Valid {
		detail.BodyText = msg.BodyText.String
	}
	if msg.BodyHTML.Valid {
		detail.BodyHTML = msg.BodyHTML.String
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var req struct {
		Unread bool `json:"unread"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	msg, err := s.engine.MarkRead(id, req.Unread)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.toSummary(msg))
}

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	msg, err := s.engine.Trash(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.toSummary(msg))
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	msg, err := s.engine.Restore(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.toSummary(msg))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.engine.PermanentDelete(id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	c, err := s.engine.UpdateTags(id, req.Tags)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": id,
		"tags":       c.Tags,
	})
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{
		Accounts: splitMulti(r.URL.Query()["account"]),
		Folder:   r.URL.Query().Get("folder"),
	}
	counts, err := s.store.ListTagsWithCounts(filter)
	if err != nil {
		s.logger.Error("listing tags", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list tags")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": counts})
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.ListFolderCounts(splitMulti(r.URL.Query()["account"]))
	if err != nil {
		s.logger.Error("listing folders", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list folders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": counts})
}

// AccountInfo is an account in list responses.
type AccountInfo struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Provider     string `json:"provider"`
	Healthy      bool   `json:"healthy"`
	LastError    string `json:"last_error,omitempty"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		s.logger.Error("listing accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list accounts")
		return
	}

	infos := make([]AccountInfo, 0, len(accounts))
	for _, acc := range accounts {
		info := AccountInfo{
			ID:       acc.ID,
			Email:    acc.Email,
			Provider: acc.Provider,
			Healthy:  acc.Healthy,
		}
		if acc.LastError.Valid {
			info.LastError = acc.LastError.String
		}
		if acc.LastSyncedAt.Valid {
			info.LastSyncedAt = acc.LastSyncedAt.Time.UTC().Format("2006-01-02T15:04:05Z")
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": infos})
}

func (s *Server) handleTriggerSyncAll(w http.ResponseWriter, r *http.Request) {
	s.engine.TriggerAll()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if err := s.engine.Trigger(account); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered", "account": account})
}

func (s *Server) handleReclassify(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	n, err := s.engine.Reclassify(account)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reclassifying", "cleared": n})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string   `json:"account"`
		To      []string `json:"to"`
		Cc      []string `json:"cc"`
		Bcc     []string `json:"bcc"`
		Subject string   `json:"subject"`
		Text    string   `json:"text"`
		HTML    string   `json:"html"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Account == "" || len(req.To) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "account and to are required")
		return
	}

	msg, err := s.engine.Send(r.Context(), req.Account, &provider.Outgoing{
		To: req.To, Cc: req.Cc, Bcc: req.Bcc,
		Subject: req.Subject, Text: req.Text, HTML: req.HTML,
	})
	if err != nil {
		s.logger.Error("sending message", "account", req.Account, "error", err)
		writeError(w, http.StatusBadGateway, "send_failed", err.Error())
		return
	}

	resp := map[string]any{"status": "sent"}
	if msg != nil {
		resp["message"] = s.toSummary(msg)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		s.logger.Error("getting stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not get statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":            stats.MessageCount,
		"classified":          stats.ClassifiedCount,
		"pending_operations":  stats.PendingOpsCount,
		"feedback":            stats.FeedbackCount,
		"accounts":            stats.AccountCount,
		"database_size_bytes": stats.DatabaseSizeBytes,
	})
}

// handleEvents streams bus events as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	ch, cancel := s.bus.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
