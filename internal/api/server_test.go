package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailtriage/mailtriage/internal/api"
	"github.com/mailtriage/mailtriage/internal/config"
	"github.com/mailtriage/mailtriage/internal/events"
	"github.com/mailtriage/mailtriage/internal/provider"
	"github.com/mailtriage/mailtriage/internal/store"
	"github.com/mailtriage/mailtriage/internal/testutil"
)

// fakeEngine satisfies api.Engine against the real store, without sync
// workers.
type fakeEngine struct {
	store     *store.Store
	triggered []string
}

func (f *fakeEngine) MarkRead(id int64, unread bool) (*store.Message, error) {
	msg, err := f.store.SetUnread(id, unread)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %d not found", id)
	}
	return msg, nil
}

func (f *fakeEngine) Trash(id int64) (*store.Message, error)   { return f.store.TrashMessage(id) }
func (f *fakeEngine) Restore(id int64) (*store.Message, error) { return f.store.RestoreMessage(id) }

func (f *fakeEngine) PermanentDelete(id int64) error {
	msg, err := f.store.GetMessage(id)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %d not found", id)
	}
	return f.store.DeleteMessage(id)
}

func (f *fakeEngine) UpdateTags(id int64, tags []string) (*store.Classification, error) {
	if err := f.store.SetClassificationTags(id, tags); err != nil {
		return nil, err
	}
	return f.store.GetClassification(id)
}

func (f *fakeEngine) FetchBody(ctx context.Context, id int64) (*store.Message, error) {
	msg, err := f.store.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %d not found", id)
	}
	return msg, nil
}

func (f *fakeEngine) Send(ctx context.Context, accountID string, out *provider.Outgoing) (*store.Message, error) {
	id, err := f.store.UpsertMessage(&store.Message{
		AccountID:  accountID,
		ProviderID: "sent-1",
		Subject:    out.Subject,
		Sender:     out.From,
		Recipients: out.To,
		Folder:     store.FolderSent,
	}, store.UpsertOptions{})
	if err != nil {
		return nil, err
	}
	return f.store.GetMessage(id)
}

func (f *fakeEngine) Trigger(accountID string) error {
	if accountID != "acc1" {
		return fmt.Errorf("account %q not configured", accountID)
	}
	f.triggered = append(f.triggered, accountID)
	return nil
}

func (f *fakeEngine) TriggerAll() { f.triggered = append(f.triggered, "*") }

func (f *fakeEngine) Reclassify(accountID string) (int64, error) {
	return f.store.ClearClassifications(accountID)
}

func setupServer(t *testing.T, apiKey string) (*api.Server, *store.Store, *fakeEngine) {
	t.Helper()
	st := testutil.NewTestStore(t)
	testutil.SeedAccount(t, st, "acc1", "gmail")

	cfg := &config.Config{Server: config.ServerConfig{APIPort: 0, APIKey: apiKey}}
	eng := &fakeEngine{store: st}
	srv := api.NewServer(cfg, st, eng, events.NewBus(), slog.New(slog.DiscardHandler))
	return srv, st, eng
}

func seedMessage(t *testing.T, st *store.Store, providerID string) int64 {
	t.Helper()
	id, err := st.UpsertMessage(&store.Message{
		AccountID:  "acc1",
		ProviderID: providerID,
		Subject:    "Subject " + providerID,
		Sender:     "sender@example.com",
		ReceivedAt: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
		Snippet:    "snippet",
		Folder:     store.FolderInbox,
		IsUnread:   true,
	}, store.UpsertOptions{AdoptUnread: true, AdoptFolder: true})
	testutil.MustNoErr(t, err, "seed message")
	return id
}

func doJSON(t *testing.T, srv *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t, "")
	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := setupServer(t, "sekrit")

	t.Run("missing key", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/api/v1/messages", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil)
		req.Header.Set("X-API-Key", "nope")
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
	t.Run("x-api-key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil)
		req.Header.Set("X-API-Key", "sekrit")
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil)
		req.Header.Set("Authorization", "Bearer sekrit")
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
	t.Run("health bypasses auth", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/health", nil)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d", w.Code)
		}
	})
}

func TestListMessages(t *testing.T) {
	srv, st, _ := setupServer(t, "")
	seedMessage(t, st, "m1")
	id2 := seedMessage(t, st, "m2")

	testutil.MustNoErr(t, st.UpsertClassification(&store.Classification{
		MessageID: id2, Tags: []string{"work"}, Priority: "high",
	}), "classify")

	w := doJSON(t, srv, http.MethodGet, "/api/v1/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Messages []struct {
			ID       int64    `json:"id"`
			Subject  string   `json:"subject"`
			Tags     []string `json:"tags"`
			Priority string   `json:"priority"`
			Unread   bool     `json:"unread"`
		} `json:"messages"`
		Total int64 `json:"total"`
	}
	decode(t, w, &resp)
	if resp.Total != 2 || len(resp.Messages) != 2 {
		t.Fatalf("total = %d, messages = %d", resp.Total, len(resp.Messages))
	}
	// m2 carries the verdict.
	for _, m := range resp.Messages {
		if m.ID == id2 && (len(m.Tags) != 1 || m.Priority != "high") {
			t.Errorf("classified message = %+v", m)
		}
	}

	t.Run("tag filter", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/api/v1/messages?tag=work", nil)
		decode(t, w, &resp)
		if resp.Total != 1 {
			t.Errorf("total = %d, want 1", resp.Total)
		}
	})
	t.Run("unread filter", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/api/v1/messages?unread=true", nil)
		decode(t, w, &resp)
		if resp.Total != 2 {
			t.Errorf("total = %d", resp.Total)
		}
	})
}

func TestMessageLifecycleEndpoints(t *testing.T) {
	srv, st, _ := setupServer(t, "")
	id := seedMessage(t, st, "m1")
	base := fmt.Sprintf("/api/v1/messages/%d", id)

	w := doJSON(t, srv, http.MethodPost, base+"/read", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read status = %d: %s", w.Code, w.Body.String())
	}
	var summary struct {
		Unread bool   `json:"unread"`
		Folder string `json:"folder"`
	}
	decode(t, w, &summary)
	if summary.Unread {
		t.Error("message still unread after read endpoint")
	}

	w = doJSON(t, srv, http.MethodPost, base+"/trash", nil)
	decode(t, w, &summary)
	if summary.Folder != store.FolderTrash {
		t.Errorf("folder = %q after trash", summary.Folder)
	}

	w = doJSON(t, srv, http.MethodPost, base+"/restore", nil)
	decode(t, w, &summary)
	if summary.Folder != store.FolderInbox {
		t.Errorf("folder = %q after restore", summary.Folder)
	}

	w = doJSON(t, srv, http.MethodDelete, base, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, base, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestUpdateTagsEndpoint(t *testing.T) {
	srv, st, _ := setupServer(t, "")
	id := seedMessage(t, st, "m1")

	w := doJSON(t, srv, http.MethodPut, fmt.Sprintf("/api/v1/messages/%d/tags", id),
		map[string]any{"tags": []string{"finance"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Tags []string `json:"tags"`
	}
	decode(t, w, &resp)
	if len(resp.Tags) != 1 || resp.Tags[0] != "finance" {
		t.Errorf("tags = %v", resp.Tags)
	}
}

func TestInvalidMessageID(t *testing.T) {
	srv, _, _ := setupServer(t, "")
	w := doJSON(t, srv, http.MethodPost, "/api/v1/messages/abc/read", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSyncEndpoints(t *testing.T) {
	srv, _, eng := setupServer(t, "")

	w := doJSON(t, srv, http.MethodPost, "/api/v1/sync", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("sync all status = %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodPost, "/api/v1/sync/acc1", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("sync one status = %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodPost, "/api/v1/sync/unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown account status = %d", w.Code)
	}
	if len(eng.triggered) != 2 || eng.triggered[0] != "*" || eng.triggered[1] != "acc1" {
		t.Errorf("triggered = %v", eng.triggered)
	}
}

func TestAccountsAndStats(t *testing.T) {
	srv, st, _ := setupServer(t, "")
	seedMessage(t, st, "m1")

	w := doJSON(t, srv, http.MethodGet, "/api/v1/accounts", nil)
	var accResp struct {
		Accounts []struct {
			ID      string `json:"id"`
			Healthy bool   `json:"healthy"`
		} `json:"accounts"`
	}
	decode(t, w, &accResp)
	if len(accResp.Accounts) != 1 || accResp.Accounts[0].ID != "acc1" || !accResp.Accounts[0].Healthy {
		t.Errorf("accounts = %+v", accResp.Accounts)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/v1/stats", nil)
	var stats map[string]any
	decode(t, w, &stats)
	if stats["messages"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}
}

func TestSendEndpointValidation(t *testing.T) {
	srv, _, _ := setupServer(t, "")

	w := doJSON(t, srv, http.MethodPost, "/api/v1/send", map[string]any{"subject": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing account/to", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/send", map[string]any{
		"account": "acc1",
		"to":      []string{"you@example.com"},
		"subject": "Hello",
		"text":    "hi",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status  string `json:"status"`
		Message struct {
			Folder string `json:"folder"`
		} `json:"message"`
	}
	decode(t, w, &resp)
	if resp.Status != "sent" || resp.Message.Folder != store.FolderSent {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFoldersAndTags(t *testing.T) {
	srv, st, _ := setupServer(t, "")
	id := seedMessage(t, st, "m1")
	testutil.MustNoErr(t, st.UpsertClassification(&store.Classification{
		MessageID: id, Tags: []string{"work"}, Priority: "normal",
	}), "classify")

	w := doJSON(t, srv, http.MethodGet, "/api/v1/folders", nil)
	var folders struct {
		Folders map[string]struct {
			Total  int64 `json:"total"`
			Unread int64 `json:"unread"`
		} `json:"folders"`
	}
	decode(t, w, &folders)
	if folders.Folders[store.FolderInbox].Total != 1 {
		t.Errorf("folders = %+v", folders.Folders)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/v1/tags", nil)
	var tags struct {
		Tags map[string]int64 `json:"tags"`
	}
	decode(t, w, &tags)
	if tags.Tags["work"] != 1 || tags.Tags["acc1"] != 1 {
		t.Errorf("tags = %v", tags.Tags)
	}
}
