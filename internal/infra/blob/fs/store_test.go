package fs

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/hmhoseini/uvsib/internal/infra/blob/core"
)

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	info, err := store.Put(ctx, "band_alignment/O2Ti/a.out", strings.NewReader("raw output"), core.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"candidate": "a"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag == "" || info.Size != int64(len("raw output")) {
		t.Fatalf("unexpected info %+v", info)
	}

	got, rc, err := store.Get(ctx, "band_alignment/O2Ti/a.out")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "raw output" {
		t.Fatalf("payload mismatch: %q", data)
	}
	// Sidecar metadata survives the round trip.
	if got.ContentType != "application/octet-stream" || got.Metadata["candidate"] != "a" {
		t.Fatalf("metadata lost: %+v", got)
	}
	if got.ETag != info.ETag {
		t.Fatalf("etag mismatch")
	}
}

func TestFSStorePutIsCreateOnly(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Put(ctx, "k.out", strings.NewReader("one"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "k.out", strings.NewReader("two"), core.PutOptions{}); err == nil {
		t.Fatal("expected create-only conflict")
	}
}

func TestFSStoreRejectsTraversalKeys(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"", "  ", "../escape", "a/../../escape", "/abs"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Fatalf("expected rejection for key %q", key)
		}
	}
}

func TestFSStoreListSkipsSidecars(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"a/1.out", "a/2.out", "b/1.out"} {
		if _, err := store.Put(ctx, key, strings.NewReader(key), core.PutOptions{Metadata: map[string]string{"k": key}}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	infos, err := store.List(ctx, "a/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 keys, got %+v", infos)
	}
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".meta") {
			t.Fatalf("sidecar leaked into listing: %q", info.Key)
		}
		if info.Metadata["k"] != info.Key {
			t.Fatalf("metadata mismatch for %q", info.Key)
		}
	}

	removed, err := store.Delete(ctx, "a/1.out")
	if err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	if _, err := store.Head(ctx, "a/1.out"); err == nil {
		t.Fatal("expected head miss after delete")
	}
}
