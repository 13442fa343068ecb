package store_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/mailtriage/mailtriage/internal/store"
	"github.com/mailtriage/mailtriage/internal/testutil"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	st := testutil.NewTestStore(t)
	testutil.SeedAccount(t, st, "acc1", "gmail")
	testutil.SeedAccount(t, st, "acc2", "imap")
	return st
}

func newMessage(account, providerID string) *store.Message {
	return &store.Message{
		AccountID:  account,
		ProviderID: providerID,
		ThreadID:   "thread-" + providerID,
		Subject:    "Subject " + providerID,
		Sender:     "sender@example.com",
		Recipients: []string{"me@example.com"},
		ReceivedAt: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		Snippet:    "snippet " + providerID,
		Folder:     store.FolderInbox,
		IsUnread:   true,
	}
}

func createMessage(t *testing.T, st *store.Store, account, providerID string) int64 {
	t.Helper()
	id, err := st.UpsertMessage(newMessage(account, providerID), store.UpsertOptions{
		AdoptUnread: true, AdoptFolder: true,
	})
	testutil.MustNoErr(t, err, "UpsertMessage")
	return id
}

func TestUpsertMessageIdempotent(t *testing.T) {
	st := setupStore(t)

	m := newMessage("acc1", "m1")
	id1, err := st.UpsertMessage(m, store.UpsertOptions{AdoptUnread: true, AdoptFolder: true})
	testutil.MustNoErr(t, err, "first upsert")
	id2, err := st.UpsertMessage(m, store.UpsertOptions{AdoptUnread: true, AdoptFolder: true})
	testutil.MustNoErr(t, err, "second upsert")

	if id1 != id2 {
		t.Errorf("upsert returned different ids: %d, %d", id1, id2)
	}
	_, total, err := st.ListMessages(store.Filter{Accounts: []string{"acc1"}})
	testutil.MustNoErr(t, err, "ListMessages")
	if total != 1 {
		t.Errorf("message count = %d, want 1", total)
	}
}

func TestUpsertMessageAdoptOptions(t *testing.T) {
	st := setupStore(t)
	id := createMessage(t, st, "acc1", "m1")

	// Local state diverges from the provider.
	_, err := st.SetUnread(id, false)
	testutil.MustNoErr(t, err, "SetUnread")

	// Re-observing the provider's unread=true without adoption keeps the
	// local flag.
	update := newMessage("acc1", "m1")
	update.IsUnread = true
	update.Folder = store.FolderArchive
	_, err = st.UpsertMessage(update, store.UpsertOptions{})
	testutil.MustNoErr(t, err, "upsert without adoption")

	got, err := st.GetMessage(id)
	testutil.MustNoErr(t, err, "GetMessage")
	if got.IsUnread {
		t.Error("local read flag overwritten despite AdoptUnread=false")
	}
	if got.Folder != store.FolderInbox {
		t.Errorf("folder = %q, want inbox", got.Folder)
	}

	// With adoption the provider's observation wins.
	_, err = st.UpsertMessage(update, store.UpsertOptions{AdoptUnread: true, AdoptFolder: true})
	testutil.MustNoErr(t, err, "upsert with adoption")
	got, err = st.GetMessage(id)
	testutil.MustNoErr(t, err, "GetMessage after adoption")
	if !got.IsUnread {
		t.Error("unread not adopted")
	}
	if got.Folder != store.FolderArchive {
		t.Errorf("folder = %q, want archive", got.Folder)
	}
}

func TestTrashRestoreRoundTrip(t *testing.T) {
	st := setupStore(t)

	m := newMessage("acc1", "m1")
	m.Folder = store.FolderArchive
	id, err := st.UpsertMessage(m, store.UpsertOptions{AdoptFolder: true})
	testutil.MustNoErr(t, err, "UpsertMessage")

	trashed, err := st.TrashMessage(id)
	testutil.MustNoErr(t, err, "TrashMessage")
	if trashed.Folder != store.FolderTrash {
		t.Errorf("folder = %q, want trash", trashed.Folder)
	}
	if !trashed.OriginalFolder.Valid || trashed.OriginalFolder.String != store.FolderArchive {
		t.Errorf("original_folder = %v, want archive", trashed.OriginalFolder)
	}

	// Trashing again is a no-op and must not clobber original_folder.
	again, err := st.TrashMessage(id)
	testutil.MustNoErr(t, err, "second TrashMessage")
	if again.OriginalFolder.String != store.FolderArchive {
		t.Errorf("original_folder after double trash = %v", again.OriginalFolder)
	}

	restored, err := st.RestoreMessage(id)
	testutil.MustNoErr(t, err, "RestoreMessage")
	if restored.Folder != store.FolderArchive {
		t.Errorf("restored folder = %q, want archive", restored.Folder)
	}
	if restored.OriginalFolder.Valid {
		t.Error("original_folder not cleared after restore")
	}

	// Restoring a non-trashed message is a no-op.
	same, err := st.RestoreMessage(id)
	testutil.MustNoErr(t, err, "restore non-trashed")
	if same.Folder != store.FolderArchive {
		t.Errorf("folder changed by redundant restore: %q", same.Folder)
	}
}

func TestRestoreWithoutOriginalFolderDefaultsToInbox(t *testing.T) {
	st := setupStore(t)

	m := newMessage("acc1", "m1")
	m.Folder = store.FolderTrash
	id, err := st.UpsertMessage(m, store.UpsertOptions{AdoptFolder: true})
	testutil.MustNoErr(t, err, "UpsertMessage")

	restored, err := st.RestoreMessage(id)
	testutil.MustNoErr(t, err, "RestoreMessage")
	if restored.Folder != store.FolderInbox {
		t.Errorf("restored folder = %q, want inbox", restored.Folder)
	}
}

func TestDeleteMessageOrphansFeedback(t *testing.T) {
	st := setupStore(t)
	id := createMessage(t, st, "acc1", "m1")

	err := st.RecordCorrection("acc1", id, "example.com", "Subject", "snippet",
		[]string{"work"}, []string{"personal"})
	testutil.MustNoErr(t, err, "RecordCorrection")

	testutil.MustNoErr(t, st.DeleteMessage(id), "DeleteMessage")

	got, err := st.GetMessage(id)
	testutil.MustNoErr(t, err, "GetMessage")
	if got != nil {
		t.Error("message still present after delete")
	}
	n, err := st.CountFeedback("acc1")
	testutil.MustNoErr(t, err, "CountFeedback")
	if n != 1 {
		t.Errorf("feedback count = %d, want 1 (orphaned, not deleted)", n)
	}
}

func TestListMessagesFilters(t *testing.T) {
	st := setupStore(t)

	for i := 0; i < 3; i++ {
		m := newMessage("acc1", fmt.Sprintf("a%d", i))
		m.ReceivedAt = time.Date(2026, 1, 10+i, 0, 0, 0, 0, time.UTC)
		m.IsUnread = i == 0
		_, err := st.UpsertMessage(m, store.UpsertOptions{AdoptUnread: true, AdoptFolder: true})
		testutil.MustNoErr(t, err, "seed acc1")
	}
	m := newMessage("acc2", "b0")
	m.Folder = store.FolderArchive
	_, err := st.UpsertMessage(m, store.UpsertOptions{AdoptFolder: true})
	testutil.MustNoErr(t, err, "seed acc2")

	t.Run("by account", func(t *testing.T) {
		msgs, total, err := st.ListMessages(store.Filter{Accounts: []string{"acc1"}})
		testutil.MustNoErr(t, err, "ListMessages")
		if total != 3 || len(msgs) != 3 {
			t.Errorf("got %d/%d messages, want 3/3", len(msgs), total)
		}
		// Newest first.
		if msgs[0].ProviderID != "a2" {
			t.Errorf("first message = %s, want a2", msgs[0].ProviderID)
		}
	})

	t.Run("by folder", func(t *testing.T) {
		_, total, err := st.ListMessages(store.Filter{Folder: store.FolderArchive})
		testutil.MustNoErr(t, err, "ListMessages")
		if total != 1 {
			t.Errorf("archive count = %d, want 1", total)
		}
	})

	t.Run("unread only", func(t *testing.T) {
		msgs, _, err := st.ListMessages(store.Filter{Accounts: []string{"acc1"}, UnreadOnly: true})
		testutil.MustNoErr(t, err, "ListMessages")
		if len(msgs) != 1 || msgs[0].ProviderID != "a0" {
			t.Errorf("unread filter returned %d messages", len(msgs))
		}
	})

	t.Run("pagination", func(t *testing.T) {
		msgs, total, err := st.ListMessages(store.Filter{Accounts: []string{"acc1"}, Limit: 2, Offset: 2})
		testutil.MustNoErr(t, err, "ListMessages")
		if total != 3 {
			t.Errorf("total = %d, want 3 regardless of page", total)
		}
		if len(msgs) != 1 {
			t.Errorf("page size = %d, want 1", len(msgs))
		}
	})
}

func TestListMessagesSearch(t *testing.T) {
	st := setupStore(t)

	m := newMessage("acc1", "m1")
	m.Subject = "Quarterly budget review"
	_, err := st.UpsertMessage(m, store.UpsertOptions{})
	testutil.MustNoErr(t, err, "seed searchable")
	_, err = st.UpsertMessage(newMessage("acc1", "m2"), store.UpsertOptions{})
	testutil.MustNoErr(t, err, "seed other")

	msgs, total, err := st.ListMessages(store.Filter{Search: "budget"})
	testutil.MustNoErr(t, err, "search")
	if total != 1 || len(msgs) != 1 || msgs[0].ProviderID != "m1" {
		t.Errorf("search returned %d messages, want the budget one", total)
	}

	// Quoted terms must not be interpreted as FTS5 operators.
	_, _, err = st.ListMessages(store.Filter{Search: `bud"get OR NEAR(`})
	testutil.MustNoErr(t, err, "search with operator characters")
}

func TestListMessagesTagFilter(t *testing.T) {
	st := setupStore(t)

	id1 := createMessage(t, st, "acc1", "m1")
	createMessage(t, st, "acc1", "m2")
	createMessage(t, st, "acc2", "m3")

	err := st.UpsertClassification(&store.Classification{
		MessageID: id1, Tags: []string{"finance", "invoice"}, Priority: "normal",
	})
	testutil.MustNoErr(t, err, "UpsertClassification")

	t.Run("ai tag", func(t *testing.T) {
		msgs, _, err := st.ListMessages(store.Filter{Tags: []string{"finance"}})
		testutil.MustNoErr(t, err, "ListMessages")
		if len(msgs) != 1 || msgs[0].ID != id1 {
			t.Errorf("tag filter returned %d messages", len(msgs))
		}
	})

	t.Run("account pseudo-tag", func(t *testing.T) {
		_, total, err := st.ListMessages(store.Filter{Tags: []string{"acc2"}})
		testutil.MustNoErr(t, err, "ListMessages")
		if total != 1 {
			t.Errorf("account tag matched %d messages, want 1", total)
		}
	})

	t.Run("any-of", func(t *testing.T) {
		_, total, err := st.ListMessages(store.Filter{Tags: []string{"invoice", "acc2"}})
		testutil.MustNoErr(t, err, "ListMessages")
		if total != 2 {
			t.Errorf("any-of matched %d messages, want 2", total)
		}
	})
}

func TestListTagsWithCounts(t *testing.T) {
	st := setupStore(t)

	id1 := createMessage(t, st, "acc1", "m1")
	id2 := createMessage(t, st, "acc1", "m2")
	createMessage(t, st, "acc2", "m3")

	testutil.MustNoErr(t, st.UpsertClassification(&store.Classification{
		MessageID: id1, Tags: []string{"work", "urgent"}, Priority: "high",
	}), "classify m1")
	testutil.MustNoErr(t, st.UpsertClassification(&store.Classification{
		MessageID: id2, Tags: []string{"work"}, Priority: "normal",
	}), "classify m2")

	counts, err := st.ListTagsWithCounts(store.Filter{})
	testutil.MustNoErr(t, err, "ListTagsWithCounts")

	want := map[string]int64{"work": 2, "urgent": 1, "acc1": 2, "acc2": 1}
	for tag, n := range want {
		if counts[tag] != n {
			t.Errorf("counts[%q] = %d, want %d", tag, counts[tag], n)
		}
	}
}

func TestListFolderCounts(t *testing.T) {
	st := setupStore(t)

	createMessage(t, st, "acc1", "m1")
	m := newMessage("acc1", "m2")
	m.IsUnread = false
	_, err := st.UpsertMessage(m, store.UpsertOptions{AdoptUnread: true})
	testutil.MustNoErr(t, err, "seed read message")

	counts, err := st.ListFolderCounts(nil)
	testutil.MustNoErr(t, err, "ListFolderCounts")
	fc := counts[store.FolderInbox]
	if fc.Total != 2 || fc.Unread != 1 {
		t.Errorf("inbox counts = %+v, want total 2 unread 1", fc)
	}
}

func TestSetMessageBody(t *testing.T) {
	st := setupStore(t)
	id := createMessage(t, st, "acc1", "m1")

	testutil.MustNoErr(t, st.SetMessageBody(id, "plain", "<p>html</p>"), "SetMessageBody")

	got, err := st.GetMessage(id)
	testutil.MustNoErr(t, err, "GetMessage")
	if got.BodyText.String != "plain" || got.BodyHTML.String != "<p>html</p>" {
		t.Errorf("body = %q/%q", got.BodyText.String, got.BodyHTML.String)
	}
}

func TestGetMessageByProviderID(t *testing.T) {
	st := setupStore(t)
	id := createMessage(t, st, "acc1", "m1")

	got, err := st.GetMessageByProviderID("acc1", "m1")
	testutil.MustNoErr(t, err, "GetMessageByProviderID")
	if got == nil || got.ID != id {
		t.Fatalf("lookup by provider id failed: %+v", got)
	}
	missing, err := st.GetMessageByProviderID("acc2", "m1")
	testutil.MustNoErr(t, err, "lookup wrong account")
	if missing != nil {
		t.Error("provider id matched across accounts")
	}
}
