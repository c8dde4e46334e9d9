package store

import (
	"errors"
	"path/filepath"
	"testing"

	"tiflis-relay-lite/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func textMsg(text string) model.Message {
	return model.Message{
		Role:     model.RoleAssistant,
		Blocks:   []model.ContentBlock{{Type: model.BlockText, Text: text}},
		Complete: true,
	}
}

func TestAppendAssignsStrictSequences(t *testing.T) {
	s := openTestStore(t)

	for i := int64(1); i <= 5; i++ {
		msg, err := s.Append("sess-1", textMsg("m"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if msg.Seq != i {
			t.Fatalf("expected seq %d, got %d", i, msg.Seq)
		}
	}

	// Other sessions count independently.
	msg, err := s.Append("sess-2", textMsg("m"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("expected fresh session to start at 1, got %d", msg.Seq)
	}
}

func TestSequencesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Append("sess-1", textMsg("m")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	msg, err := reopened.Append("sess-1", textMsg("m"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if msg.Seq != 4 {
		t.Fatalf("expected seq 4 after reopen, got %d", msg.Seq)
	}
}

func TestGetPagePagination(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 10; i++ {
		if _, err := s.Append("sess-1", textMsg("m")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	page, hasMore, oldest, err := s.GetPage("sess-1", 0, 4)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if len(page) != 4 || !hasMore {
		t.Fatalf("expected 4 rows with more, got %d hasMore=%v", len(page), hasMore)
	}
	if page[0].Seq != 7 || page[3].Seq != 10 {
		t.Fatalf("expected ascending 7..10, got %d..%d", page[0].Seq, page[3].Seq)
	}
	if oldest != 7 {
		t.Fatalf("expected oldest 7, got %d", oldest)
	}

	page, hasMore, oldest, err = s.GetPage("sess-1", oldest, 100)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if len(page) != 6 || hasMore {
		t.Fatalf("expected final 6 rows, got %d hasMore=%v", len(page), hasMore)
	}
	if oldest != 1 {
		t.Fatalf("expected oldest 1, got %d", oldest)
	}
}

func TestGetSince(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 4; i++ {
		msg := textMsg("m")
		msg.CreatedAt = int64(1000 + i*100)
		if _, err := s.Append("sess-1", msg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	msgs, hasMore, err := s.GetSince("sess-1", 1200, 10)
	if err != nil {
		t.Fatalf("GetSince: %v", err)
	}
	if len(msgs) != 2 || hasMore {
		t.Fatalf("expected 2 rows, got %d hasMore=%v", len(msgs), hasMore)
	}
	if msgs[0].Seq != 3 || msgs[1].Seq != 4 {
		t.Fatalf("unexpected sequences %d,%d", msgs[0].Seq, msgs[1].Seq)
	}

	msgs, hasMore, err = s.GetSince("sess-1", 0, 3)
	if err != nil {
		t.Fatalf("GetSince: %v", err)
	}
	if len(msgs) != 3 || !hasMore {
		t.Fatalf("expected truncated page with more, got %d hasMore=%v", len(msgs), hasMore)
	}
}

func TestStreamingLifecycle(t *testing.T) {
	s := openTestStore(t)

	open, err := s.OpenStreaming("sess-1", model.RoleAssistant, []model.ContentBlock{{Type: model.BlockText, Text: "he"}})
	if err != nil {
		t.Fatalf("OpenStreaming: %v", err)
	}
	if open.Complete {
		t.Fatalf("streaming message must start incomplete")
	}

	if err := s.UpdateStreaming("sess-1", open.ID, []model.ContentBlock{{Type: model.BlockText, Text: "hello"}}); err != nil {
		t.Fatalf("UpdateStreaming: %v", err)
	}

	final, err := s.FinalizeStreaming("sess-1", open.ID, []model.ContentBlock{{Type: model.BlockText, Text: "hello world"}})
	if err != nil {
		t.Fatalf("FinalizeStreaming: %v", err)
	}
	if !final.Complete || final.Seq != open.Seq || final.ID != open.ID {
		t.Fatalf("finalize must keep id and seq: %+v", final)
	}

	// A finalized message can no longer be streamed into.
	if err := s.UpdateStreaming("sess-1", open.ID, nil); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestSupervisorChannelKey(t *testing.T) {
	s := openTestStore(t)
	msg, err := s.Append("", textMsg("supervisor"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", msg.Seq)
	}
	page, _, _, err := s.GetPage("", 0, 10)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected supervisor row, got %d", len(page))
	}
}

func TestSubscriptionsIdempotent(t *testing.T) {
	s := openTestStore(t)

	added, err := s.AddSubscription("dev-1", "sess-1")
	if err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	if !added {
		t.Fatalf("expected first add to create a row")
	}

	added, err = s.AddSubscription("dev-1", "sess-1")
	if err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	if added {
		t.Fatalf("re-subscribe must not create a second row")
	}

	subs, err := s.ListSubscriptions("dev-1")
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0] != "sess-1" {
		t.Fatalf("unexpected subscriptions: %v", subs)
	}
}

func TestRemoveSessionSubscriptions(t *testing.T) {
	s := openTestStore(t)
	_, _ = s.AddSubscription("dev-1", "sess-1")
	_, _ = s.AddSubscription("dev-2", "sess-1")
	_, _ = s.AddSubscription("dev-1", "sess-2")

	if err := s.RemoveSessionSubscriptions("sess-1"); err != nil {
		t.Fatalf("RemoveSessionSubscriptions: %v", err)
	}
	subs, err := s.ListSubscriptions("dev-1")
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0] != "sess-2" {
		t.Fatalf("unexpected subscriptions after purge: %v", subs)
	}
}

func TestDeleteSessionPurgesLogAndSubs(t *testing.T) {
	s := openTestStore(t)
	_, _ = s.Append("sess-1", textMsg("m"))
	_, _ = s.AddSubscription("dev-1", "sess-1")

	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	page, _, _, err := s.GetPage("sess-1", 0, 10)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty log, got %d rows", len(page))
	}
	subs, _ := s.ListSubscriptions("dev-1")
	if len(subs) != 0 {
		t.Fatalf("expected purged subscriptions, got %v", subs)
	}
}

func TestGetAfterContinuesBySequence(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		_, _ = s.Append("sess-1", textMsg("m"))
	}

	msgs, hasMore, err := s.GetAfter("sess-1", 2, 2)
	if err != nil {
		t.Fatalf("GetAfter: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != 3 || msgs[1].Seq != 4 {
		t.Fatalf("unexpected page: %+v", msgs)
	}
	if !hasMore {
		t.Fatal("expected more rows past seq 4")
	}

	msgs, hasMore, err = s.GetAfter("sess-1", 4, 2)
	if err != nil {
		t.Fatalf("GetAfter: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Seq != 5 || hasMore {
		t.Fatalf("unexpected tail page: %+v hasMore=%v", msgs, hasMore)
	}
}
