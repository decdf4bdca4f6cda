package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wagate/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "wagate.db"), logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMessagesOrderedPerCounterparty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msgs := []domain.Message{
		{ID: "m1", Direction: domain.DirectionIncoming, Counterparty: "alice", Body: "first", Kind: domain.MessageText, CreatedAt: base},
		{ID: "m2", Direction: domain.DirectionOutgoing, Counterparty: "alice", Body: "second", Kind: domain.MessageText, CreatedAt: base.Add(time.Minute)},
		{ID: "m3", Direction: domain.DirectionIncoming, Counterparty: "bob", Body: "other thread", Kind: domain.MessageText, CreatedAt: base.Add(30 * time.Second)},
		{ID: "m4", Direction: domain.DirectionIncoming, Counterparty: "alice", Body: "third", Kind: domain.MessageText, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, m := range msgs {
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage %s: %v", m.ID, err)
		}
	}

	got, err := s.QueryMessages(ctx, domain.MessageFilter{Counterparty: "alice"})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages for alice, want 3", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Body != want {
			t.Fatalf("message %d body = %q, want %q", i, got[i].Body, want)
		}
	}
}

func TestMessagesFilterByDirectionAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, dir := range []domain.Direction{domain.DirectionIncoming, domain.DirectionOutgoing, domain.DirectionIncoming} {
		err := s.SaveMessage(ctx, domain.Message{
			ID: string(rune('a' + i)), Direction: dir, Counterparty: "alice",
			Body: "msg", Kind: domain.MessageText, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	incoming, err := s.QueryMessages(ctx, domain.MessageFilter{Direction: domain.DirectionIncoming})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(incoming) != 2 {
		t.Fatalf("incoming = %d, want 2", len(incoming))
	}

	limited, err := s.QueryMessages(ctx, domain.MessageFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("QueryMessages limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited = %d, want 1", len(limited))
	}
}

func TestSaveMessageDuplicateID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := domain.Message{
		ID: "wamid.dup", Direction: domain.DirectionIncoming, Counterparty: "alice",
		Body: "hello", Kind: domain.MessageText,
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("first SaveMessage: %v", err)
	}

	err := s.SaveMessage(ctx, msg)
	if !errors.Is(err, domain.ErrDuplicateMessage) {
		t.Fatalf("second SaveMessage err = %v, want ErrDuplicateMessage", err)
	}
	if !domain.IsKind(err, domain.KindPersistence) {
		t.Fatalf("second SaveMessage err kind = %q, want persistence", domain.KindOf(err))
	}

	got, err := s.QueryMessages(ctx, domain.MessageFilter{})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("stored %d messages, want 1", len(got))
	}
}

func TestMessageMediaURLRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.SaveMessage(ctx, domain.Message{
		ID: "m1", Direction: domain.DirectionOutgoing, Counterparty: "alice",
		Body: "look", MediaURL: "https://cdn.example.com/a.jpg", Kind: domain.MessageMedia,
	})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	got, err := s.QueryMessages(ctx, domain.MessageFilter{})
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if got[0].MediaURL != "https://cdn.example.com/a.jpg" || got[0].Kind != domain.MessageMedia {
		t.Fatalf("media message = %+v", got[0])
	}
}

func TestDocumentLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	doc := domain.Document{
		ID: "d1", Name: "faq.txt", MimeType: "text/plain", Size: 42,
		Path: "/tmp/upload-1", Status: domain.DocumentUploaded,
	}
	if err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	if err := s.UpdateDocumentStatus(ctx, "d1", domain.DocumentProcessing, "", time.Time{}); err != nil {
		t.Fatalf("UpdateDocumentStatus processing: %v", err)
	}
	if err := s.UpdateDocumentStatus(ctx, "d1", domain.DocumentCompleted, "", time.Now()); err != nil {
		t.Fatalf("UpdateDocumentStatus completed: %v", err)
	}

	got, err := s.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != domain.DocumentCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ProcessedAt.IsZero() {
		t.Fatal("processed_at not recorded")
	}
}

func TestGetDocumentMissingReturnsNil(t *testing.T) {
	s := testStore(t)

	got, err := s.GetDocument(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil for missing document", got)
	}
}

func TestUpdateMissingDocumentFails(t *testing.T) {
	s := testStore(t)

	err := s.UpdateDocumentStatus(context.Background(), "ghost", domain.DocumentError, "boom", time.Now())
	if !domain.IsKind(err, domain.KindPersistence) {
		t.Fatalf("err = %v, want persistence kind", err)
	}
}

func TestProcessedFragmentsExcludesUnfinishedDocuments(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mustCreate := func(id string, status domain.DocumentStatus) {
		t.Helper()
		if err := s.CreateDocument(ctx, domain.Document{
			ID: id, Name: id + ".txt", MimeType: "text/plain", Status: status,
		}); err != nil {
			t.Fatalf("CreateDocument %s: %v", id, err)
		}
	}
	mustCreate("done", domain.DocumentCompleted)
	mustCreate("pending", domain.DocumentProcessing)
	mustCreate("broken", domain.DocumentError)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, src := range []string{"done", "pending", "broken"} {
		err := s.AddFragment(ctx, domain.Fragment{
			ID: "f-" + src, SourceDocumentID: src, Content: "content of " + src,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AddFragment %s: %v", src, err)
		}
	}

	frags, err := s.ProcessedFragments(ctx)
	if err != nil {
		t.Fatalf("ProcessedFragments: %v", err)
	}
	if len(frags) != 1 || frags[0].SourceDocumentID != "done" {
		t.Fatalf("fragments = %+v, want only the completed document's", frags)
	}
}

func TestProcessedFragmentsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, domain.Document{ID: "d1", Name: "a.txt", MimeType: "text/plain", Status: domain.DocumentCompleted}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.AddFragment(ctx, domain.Fragment{
			ID: string(rune('a' + i)), SourceDocumentID: "d1", Content: "frag",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AddFragment: %v", err)
		}
	}

	frags, err := s.ProcessedFragments(ctx)
	if err != nil {
		t.Fatalf("ProcessedFragments: %v", err)
	}
	if frags[0].ID != "c" || frags[2].ID != "a" {
		t.Fatalf("order = %s %s %s, want newest first", frags[0].ID, frags[1].ID, frags[2].ID)
	}
}

func TestDeleteDocumentCascade(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, domain.Document{ID: "d1", Name: "a.txt", MimeType: "text/plain", Status: domain.DocumentCompleted}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	for _, id := range []string{"f1", "f2"} {
		if err := s.AddFragment(ctx, domain.Fragment{ID: id, SourceDocumentID: "d1", Content: "x"}); err != nil {
			t.Fatalf("AddFragment %s: %v", id, err)
		}
	}

	if err := s.DeleteDocumentCascade(ctx, "d1"); err != nil {
		t.Fatalf("DeleteDocumentCascade: %v", err)
	}

	if doc, _ := s.GetDocument(ctx, "d1"); doc != nil {
		t.Fatal("document survived cascade delete")
	}
	frags, err := s.ListFragments(ctx, "d1")
	if err != nil {
		t.Fatalf("ListFragments: %v", err)
	}
	if len(frags) != 0 {
		t.Fatalf("%d fragments survived cascade delete", len(frags))
	}
}

func TestDeleteMissingDocumentFails(t *testing.T) {
	s := testStore(t)

	err := s.DeleteDocumentCascade(context.Background(), "ghost")
	if !domain.IsKind(err, domain.KindPersistence) {
		t.Fatalf("err = %v, want persistence kind", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	in := domain.ReplySettings{
		AutoReply:       true,
		Model:           "gpt-4",
		Prompt:          "answer briefly",
		FallbackMessage: "try later",
	}
	if err := s.SetSettings(ctx, domain.SettingsCategoryAI, in); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}

	var out domain.ReplySettings
	if err := s.GetSettings(ctx, domain.SettingsCategoryAI, &out); err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestSettingsUpsertOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SetSettings(ctx, "ai", domain.ReplySettings{Model: "gpt-3.5-turbo"}); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}
	if err := s.SetSettings(ctx, "ai", domain.ReplySettings{Model: "deepseek-chat"}); err != nil {
		t.Fatalf("SetSettings second: %v", err)
	}

	var out domain.ReplySettings
	if err := s.GetSettings(ctx, "ai", &out); err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if out.Model != "deepseek-chat" {
		t.Fatalf("model = %q, want the second write", out.Model)
	}

	cats, err := s.ListSettingsCategories(ctx)
	if err != nil {
		t.Fatalf("ListSettingsCategories: %v", err)
	}
	if len(cats) != 1 || cats[0] != "ai" {
		t.Fatalf("categories = %v", cats)
	}
}

func TestSettingsMissingCategoryLeavesDefaults(t *testing.T) {
	s := testStore(t)

	out := domain.DefaultReplySettings()
	if err := s.GetSettings(context.Background(), "ai", &out); err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if out != domain.DefaultReplySettings() {
		t.Fatalf("defaults modified: %+v", out)
	}
}

func TestReplyLogAppendAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entries := []domain.ReplyLogEntry{
		{ID: "r1", Counterparty: "alice", Message: "q1", Response: "a1", Model: "gpt-4", CreatedAt: base},
		{ID: "r2", Counterparty: "alice", Message: "q2", Response: "fallback", Model: "gpt-4", Fallback: true, CreatedAt: base.Add(time.Minute)},
		{ID: "r3", Counterparty: "bob", Message: "q3", Response: "a3", Model: "deepseek-chat", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := s.LogReply(ctx, e); err != nil {
			t.Fatalf("LogReply %s: %v", e.ID, err)
		}
	}

	alice, err := s.ListReplies(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListReplies: %v", err)
	}
	if len(alice) != 2 {
		t.Fatalf("alice entries = %d, want 2", len(alice))
	}
	if alice[0].ID != "r2" {
		t.Fatalf("first entry = %s, want newest first", alice[0].ID)
	}
	if !alice[0].Fallback {
		t.Fatal("fallback flag lost")
	}

	all, err := s.ListReplies(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListReplies all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("limited entries = %d, want 2", len(all))
	}
}
