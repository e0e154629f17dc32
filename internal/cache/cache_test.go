package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/zhouzirui/deskline/internal/model/conversation"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		BusinessID: "biz-1",
		UserID:     "agent-1",
		Conversations: []conversation.Conversation{
			{ID: "c1", CustomerID: "u1", Preview: "hi", Status: conversation.StatusLive},
			{ID: "c2", CustomerID: "u2", Status: conversation.StatusAIOnly},
		},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(StoreTypeMemory)
	if err != nil {
		t.Fatalf("NewStore err: %v", err)
	}
	defer store.Close()

	if snap, err := store.Load(ctx, "biz-1", "agent-1"); err != nil || snap != nil {
		t.Fatalf("expected empty store, got %+v, %v", snap, err)
	}

	in := sampleSnapshot()
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("Save err: %v", err)
	}
	if in.SavedAt.IsZero() {
		t.Fatal("SavedAt not stamped")
	}

	// mutating the caller's slice must not reach the stored copy
	in.Conversations[0].Preview = "changed"

	out, err := store.Load(ctx, "biz-1", "agent-1")
	if err != nil || out == nil {
		t.Fatalf("Load = %+v, %v", out, err)
	}
	if len(out.Conversations) != 2 || out.Conversations[0].Preview != "hi" {
		t.Fatalf("unexpected snapshot: %+v", out)
	}

	if other, _ := store.Load(ctx, "biz-2", "agent-1"); other != nil {
		t.Fatal("snapshots must be keyed by business")
	}

	if err := store.Delete(ctx, "biz-1", "agent-1"); err != nil {
		t.Fatalf("Delete err: %v", err)
	}
	if out, _ := store.Load(ctx, "biz-1", "agent-1"); out != nil {
		t.Fatal("snapshot survived Delete")
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store, err := NewStore(StoreTypeMemory, WithTTL(time.Hour), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewStore err: %v", err)
	}

	if err := store.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("Save err: %v", err)
	}
	now = now.Add(59 * time.Minute)
	if out, _ := store.Load(ctx, "biz-1", "agent-1"); out == nil {
		t.Fatal("snapshot expired early")
	}
	now = now.Add(2 * time.Minute)
	if out, _ := store.Load(ctx, "biz-1", "agent-1"); out != nil {
		t.Fatal("snapshot should have expired")
	}
}

func TestSaveRequiresKey(t *testing.T) {
	store, _ := NewStore(StoreTypeMemory)
	if err := store.Save(context.Background(), &Snapshot{UserID: "agent-1"}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := NewStore("sqlite"); !errors.Is(err, ErrInvalidStoreType) {
		t.Fatalf("expected ErrInvalidStoreType, got %v", err)
	}
	if _, err := NewStore(StoreTypeRedis); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewRedisClient("not a url"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

// TestRedisStore runs against a live server when TEST_REDIS_URL is set.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	client, err := NewRedisClient(url)
	if err != nil {
		t.Fatalf("NewRedisClient err: %v", err)
	}
	store, err := NewStore(StoreTypeRedis, WithRedisClient(client), WithTTL(time.Minute))
	if err != nil {
		t.Fatalf("NewStore err: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("Save err: %v", err)
	}
	out, err := store.Load(ctx, "biz-1", "agent-1")
	if err != nil || out == nil || len(out.Conversations) != 2 {
		t.Fatalf("Load = %+v, %v", out, err)
	}
	if err := store.Delete(ctx, "biz-1", "agent-1"); err != nil {
		t.Fatalf("Delete err: %v", err)
	}
	if out, _ := store.Load(ctx, "biz-1", "agent-1"); out != nil {
		t.Fatal("snapshot survived Delete")
	}
}
