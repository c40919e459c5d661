package convo

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_CreateAndAppend(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	convID, err := store.Create(ctx, "research-thread", map[string]interface{}{"purpose": "testing"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if convID == "" {
		t.Fatal("expected non-empty conversation id")
	}

	if _, err := store.Append(ctx, convID, "user", "analyze this document", "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Append(ctx, convID, "assistant", "I'll delegate to a larger-context model", "claude-opus", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, err := store.Get(ctx, convID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Fatalf("unexpected message order: %+v", messages)
	}
	if messages[1].Model != "claude-opus" {
		t.Fatalf("expected model to round-trip, got %q", messages[1].Model)
	}
}

func TestSQLiteStore_Get_RespectsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	convID, err := store.Create(ctx, "limited", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, convID, "user", "message", "", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	messages, err := store.Get(ctx, convID, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages with limit, got %d", len(messages))
	}
}

func TestSQLiteStore_ForLLM_ProjectsRoleAndContent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	convID, err := store.Create(ctx, "projection", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Append(ctx, convID, "system", "be terse", "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Append(ctx, convID, "user", "hi", "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	llmMessages, err := store.ForLLM(ctx, convID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(llmMessages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(llmMessages))
	}
	if llmMessages[0] != (LLMMessage{Role: "system", Content: "be terse"}) {
		t.Fatalf("unexpected projection: %+v", llmMessages[0])
	}
}

func TestSQLiteStore_Search_FiltersByNamePatternAndModel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	research, err := store.Create(ctx, "research project alpha", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Append(ctx, research, "assistant", "findings", "claude-opus", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := store.Create(ctx, "unrelated chat", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := store.Search(ctx, SearchParams{NamePattern: "%research%"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].ID != research {
		t.Fatalf("unexpected search results: %+v", results)
	}

	byModel, err := store.Search(ctx, SearchParams{Model: "claude-opus"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byModel) != 1 || byModel[0].ID != research {
		t.Fatalf("unexpected model-filtered results: %+v", byModel)
	}
}

func TestSQLiteStore_Append_UnknownConversationFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, "does-not-exist", "user", "hi", "", nil); err == nil {
		t.Fatal("expected foreign key violation for unknown conversation")
	}
}
