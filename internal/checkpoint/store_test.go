package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_SaveLoadDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, "s1", 3, []byte(`{"a":1}`), time.Hour); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	step, blob, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if step != 3 {
		t.Fatalf("step = %d, want 3", step)
	}
	if string(blob) != `{"a":1}` {
		t.Fatalf("blob = %s, want original", blob)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_OverwriteReplaces(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Save(ctx, "s1", 1, []byte("first"), time.Hour)
	_ = store.Save(ctx, "s1", 2, []byte("second"), time.Hour)

	step, blob, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if step != 2 || string(blob) != "second" {
		t.Fatalf("got step=%d blob=%s, want the replacement snapshot", step, blob)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Save(ctx, "s1", 1, []byte("x"), -time.Second)
	if _, _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() of expired checkpoint error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_BlobIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	src := []byte("original")
	_ = store.Save(ctx, "s1", 1, src, time.Hour)
	src[0] = 'X'

	_, blob, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(blob) != "original" {
		t.Fatalf("blob = %s; store must copy on Save", blob)
	}
	blob[0] = 'Y'
	_, again, _ := store.Load(ctx, "s1")
	if string(again) != "original" {
		t.Fatalf("blob = %s; store must copy on Load", again)
	}
}
