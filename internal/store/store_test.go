package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongodb", "whatever")
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("error = %v, want ErrUnknownDriver", err)
	}
}

func TestSQLStore_InsertAndCount(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.Insert(ctx, Message{
			UserID:  "u1",
			Role:    "assistant",
			Content: "hello",
			Model:   "gpt-4o-mini",
		})
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := s.Insert(ctx, Message{UserID: "u2", Role: "assistant", Content: "x", Model: "m"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	n, err := s.CountByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("CountByUser: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestSQLStore_DuplicateIDRejected(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	m := Message{
		ID:        uuid.New(),
		UserID:    "u1",
		Role:      "assistant",
		Content:   "hi",
		Model:     "m",
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.Insert(ctx, m); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.Insert(ctx, m); err == nil {
		t.Fatal("expected primary-key violation on duplicate id")
	}
}

func TestSQLStore_InsertBatch(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	if err := s.InsertBatch(ctx, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	batch := make([]Message, 3)
	for i := range batch {
		batch[i] = Message{UserID: "u1", Role: "assistant", Content: "hi", Model: "m"}
	}
	if err := s.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if n, err := s.CountByUser(ctx, "u1"); err != nil || n != 3 {
		t.Fatalf("count = %d, %v; want 3", n, err)
	}
}

func TestSQLStore_InsertBatchIsAtomic(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	dup := uuid.New()
	batch := []Message{
		{ID: uuid.New(), UserID: "u2", Role: "assistant", Content: "a", Model: "m"},
		{ID: dup, UserID: "u2", Role: "assistant", Content: "b", Model: "m"},
		{ID: dup, UserID: "u2", Role: "assistant", Content: "c", Model: "m"},
	}
	if err := s.InsertBatch(ctx, batch); err == nil {
		t.Fatal("expected error for duplicate id inside the batch")
	}
	if n, err := s.CountByUser(ctx, "u2"); err != nil || n != 0 {
		t.Errorf("count = %d, %v; a failed batch must store nothing", n, err)
	}
}

func TestSQLStore_MigrateIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if s.Driver() != DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
}

func TestSQLStore_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	s, err := Open(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Insert(ctx, Message{UserID: "u1", Role: "assistant", Content: "persisted", Model: "m"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_ = s.Close()

	reopened, err := Open(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	n, err := reopened.CountByUser(ctx, "u1")
	if err != nil || n != 1 {
		t.Errorf("count after reopen = %d, %v", n, err)
	}
}

func TestSQLStore_PingAfterClose(t *testing.T) {
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	_ = s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail on a closed store")
	}
}

func TestSQLStore_ImplementsStore(t *testing.T) {
	var _ Store = (*SQLStore)(nil)
}
