package cursor

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	want := Position{Offset: 8192, FileID: 42}
	if err := store.Put(ctx, "src-1", want); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := store.Get(ctx, "src-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestRedisStoreMissingCursor(t *testing.T) {
	store := newTestRedisStore(t)

	_, err := store.Get(context.Background(), "never-seen")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreInvalidURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Put(context.Background(), "src-1", Position{Offset: 1}); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("forwarder:cursor:src-1") {
		t.Error("cursor not stored under the expected key")
	}
}
