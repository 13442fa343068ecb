package store_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/mailtriage/mailtriage/internal/store"
	"github.com/mailtriage/mailtriage/internal/testutil"
)

func TestUpsertClassificationResetsSyncFlag(t *testing.T) {
	st := setupStore(t)
	id := createMessage(t, st, "acc1", "m1")

	testutil.MustNoErr(t, st.UpsertClassification(&store.Classification{
		MessageID: id, Tags: []string{"work"}, Priority: "normal", Confidence: 0.9, Model: "llama3",
	}), "first classify")
	testutil.MustNoErr(t, st.MarkLabelSynced(id), "MarkLabelSynced")

	// Re-classifying marks the labels dirty again.
	testutil.MustNoErr(t, st.UpsertClassification(&store.Classification{
		MessageID: id, Tags: []string{"work", "urgent"}, Priority: "high", Confidence: 0.8, Model: "llama3",
	}), "second classify")

	got, err := st.GetClassification(id)
	testutil.MustNoErr(t, err, "GetClassification")
	if got.LabelSynced {
		t.Error("label_synced not reset by re-classification")
	}
	if got.Priority != "high" || len(got.Tags) != 2 {
		t.Errorf("verdict = %+v", got)
	}
}

func TestListUnclassified(t *testing.T) {
	st := setupStore(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		m := newMessage("acc1", fmt.Sprintf("m%d", i))
		m.ReceivedAt = time.Date(2026, 1, 10+i, 0, 0, 0, 0, time.UTC)
		id, err := st.UpsertMessage(m, store.UpsertOptions{})
		testutil.MustNoErr(t, err, "seed")
		ids = append(ids, id)
	}
	trashed := newMessage("acc1", "mt")
	trashed.Folder = store.FolderTrash
	_, err := st.UpsertMessage(trashed, store.UpsertOptions{AdoptFolder: true})
	testutil.MustNoErr(t, err, "seed trashed")

	testutil.MustNoErr(t, st.UpsertClassification(&store.Classification{
		MessageID: ids[1], Tags: []string{"work"}, Priority: "normal",
	}), "classify middle")

	got, err := st.ListUnclassified("acc1", 0)
	testutil.MustNoErr(t, err, "ListUnclassified")
	// Oldest first, classified and trashed messages excluded.
	want := []int64{ids[0], ids[2]}
	if len(got) != len(want) {
		t.Fatalf("got %d ids, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSetClassificationTagsInsertsWhenMissing(t *testing.T) {
	st := setupStore(t)
	id := createMessage(t, st, "acc1", "m1")

	// No verdict yet: a manual tag edit still sticks.
	testutil.MustNoErr(t, st.SetClassificationTags(id, []string{"personal"}), "SetClassificationTags")

	got, err := st.GetClassification(id)
	testutil.MustNoErr(t, err, "GetClassification")
	if got == nil || len(got.Tags) != 1 || got.Tags[0] != "personal" {
		t.Fatalf("verdict = %+v", got)
	}
	if got.LabelSynced {
		t.Error("manual edit not queued for label push")
	}
}

func TestListUnsyncedLabels(t *testing.T) {
	st := setupStore(t)
	id1 := createMessage(t, st, "acc1", "m1")
	id2 := createMessage(t, st, "acc1", "m2")
	id3 := createMessage(t, st, "acc2", "m3")

	for _, id := range []int64{id1, id2, id3} {
		testutil.MustNoErr(t, st.UpsertClassification(&store.Classification{
			MessageID: id, Tags: []string{"work"}, Priority: "normal",
		}), "classify")
	}
	testutil.MustNoErr(t, st.MarkLabelSynced(id1), "sync first")

	unsynced, err := st.ListUnsyncedLabels("acc1", 0)
	testutil.MustNoErr(t, err, "ListUnsyncedLabels")
	if len(unsynced) != 1 || unsynced[0].MessageID != id2 {
		t.Fatalf("unsynced = %+v", unsynced)
	}
	if unsynced[0].ProviderID != "m2" {
		t.Errorf("provider id = %q", unsynced[0].ProviderID)
	}
}

func TestClearClassifications(t *testing.T) {
	st := setupStore(t)
	id1 := createMessage(t, st, "acc1", "m1")
	id2 := createMessage(t, st, "acc2", "m2")

	for _, id := range []int64{id1, id2} {
		testutil.MustNoErr(t, st.UpsertClassification(&store.Classification{
			MessageID: id, Tags: []string{"work"}, Priority: "normal",
		}), "classify")
	}

	n, err := st.ClearClassifications("acc1")
	testutil.MustNoErr(t, err, "ClearClassifications")
	if n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}
	kept, err := st.GetClassification(id2)
	testutil.MustNoErr(t, err, "GetClassification acc2")
	if kept == nil {
		t.Error("other account's verdict cleared")
	}
}

func TestDeleteMessageCascadesClassification(t *testing.T) {
	st := setupStore(t)
	id := createMessage(t, st, "acc1", "m1")

	testutil.MustNoErr(t, st.UpsertClassification(&store.Classification{
		MessageID: id, Tags: []string{"work"}, Priority: "normal",
	}), "classify")
	testutil.MustNoErr(t, st.DeleteMessage(id), "DeleteMessage")

	got, err := st.GetClassification(id)
	testutil.MustNoErr(t, err, "GetClassification")
	if got != nil {
		t.Error("classification survived message deletion")
	}
}
