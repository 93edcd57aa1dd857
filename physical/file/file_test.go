package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stephnangue/walletd/physical"
)

func testFileBackend(t *testing.T) (physical.Storage, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := NewFileBackend(map[string]string{"path": dir}, nil)
	if err != nil {
		t.Fatalf("failed to create file backend: %v", err)
	}
	return b, dir
}

func TestFileBackend_RequiresPath(t *testing.T) {
	if _, err := NewFileBackend(nil, nil); err == nil {
		t.Fatal("expected an error without a path")
	}
}

func TestFileBackend_CRUD(t *testing.T) {
	b, _ := testFileBackend(t)
	ctx := context.Background()

	entry, err := b.Get(ctx, "wallets/alpha")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil for missing key, got %v", entry)
	}

	if err := b.Put(ctx, &physical.Entry{Key: "wallets/alpha", Value: []byte("v1")}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	entry, err = b.Get(ctx, "wallets/alpha")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entry == nil || string(entry.Value) != "v1" {
		t.Fatalf("unexpected entry: %v", entry)
	}

	// Overwrite in place
	if err := b.Put(ctx, &physical.Entry{Key: "wallets/alpha", Value: []byte("v2")}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	entry, _ = b.Get(ctx, "wallets/alpha")
	if string(entry.Value) != "v2" {
		t.Fatalf("expected v2, got %s", entry.Value)
	}

	if err := b.Delete(ctx, "wallets/alpha"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	entry, _ = b.Get(ctx, "wallets/alpha")
	if entry != nil {
		t.Fatal("entry survived delete")
	}

	if err := b.Delete(ctx, "wallets/alpha"); err != nil {
		t.Fatalf("delete of missing key failed: %v", err)
	}
	if err := b.Delete(ctx, ""); err != nil {
		t.Fatalf("delete of empty path failed: %v", err)
	}
}

func TestFileBackend_EmptyValue(t *testing.T) {
	b, _ := testFileBackend(t)
	ctx := context.Background()

	// An empty value is a real entry, distinct from a missing key
	if err := b.Put(ctx, &physical.Entry{Key: "empty", Value: []byte{}}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	entry, err := b.Get(ctx, "empty")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entry == nil || len(entry.Value) != 0 {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestFileBackend_ZeroLengthFile(t *testing.T) {
	b, dir := testFileBackend(t)
	ctx := context.Background()

	// A zero length file is a leftover from a crashed write, not an entry
	if err := os.WriteFile(filepath.Join(dir, "_broken"), nil, 0o600); err != nil {
		t.Fatalf("failed to plant file: %v", err)
	}

	entry, err := b.Get(ctx, "broken")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected leftover file to read as missing, got %v", entry)
	}
}

func TestFileBackend_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b1, err := NewFileBackend(map[string]string{"path": dir}, nil)
	if err != nil {
		t.Fatalf("failed to create file backend: %v", err)
	}
	if err := b1.Put(ctx, &physical.Entry{Key: "durable", Value: []byte("still here")}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	b2, err := NewFileBackend(map[string]string{"path": dir}, nil)
	if err != nil {
		t.Fatalf("failed to create file backend: %v", err)
	}
	entry, err := b2.Get(ctx, "durable")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entry == nil || string(entry.Value) != "still here" {
		t.Fatalf("entry did not survive reopening: %v", entry)
	}
}

func TestFileBackend_DeleteCleansEmptyDirs(t *testing.T) {
	b, dir := testFileBackend(t)
	ctx := context.Background()

	if err := b.Put(ctx, &physical.Entry{Key: "a/b/c/deep", Value: []byte("x")}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a", "b", "c")); err != nil {
		t.Fatalf("nested directory missing: %v", err)
	}

	if err := b.Delete(ctx, "a/b/c/deep"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// The emptied directory chain is removed with the entry
	if _, err := os.Stat(filepath.Join(dir, "a")); !os.IsNotExist(err) {
		t.Fatalf("expected empty directories to be cleaned up, stat err: %v", err)
	}
}

func TestFileBackend_List(t *testing.T) {
	b, _ := testFileBackend(t)
	ctx := context.Background()

	for _, key := range []string{
		"wallets/alpha",
		"wallets/beta",
		"wallets/team/shared",
		"other",
	} {
		if err := b.Put(ctx, &physical.Entry{Key: key, Value: []byte("x")}); err != nil {
			t.Fatalf("put %s failed: %v", key, err)
		}
	}

	keys, err := b.List(ctx, "wallets/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	sort.Strings(keys)
	want := []string{"alpha", "beta", "team/"}
	if len(keys) != len(want) {
		t.Fatalf("unexpected keys: %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}

	keys, err = b.List(ctx, "")
	if err != nil {
		t.Fatalf("root list failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "other" || keys[1] != "wallets/" {
		t.Fatalf("unexpected root keys: %v", keys)
	}

	keys, err = b.List(ctx, "nosuch/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestFileBackend_ListPage(t *testing.T) {
	b, _ := testFileBackend(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("page/key-%d", i)
		if err := b.Put(ctx, &physical.Entry{Key: key, Value: []byte("x")}); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	keys, err := b.ListPage(ctx, "page/", "", 3)
	if err != nil {
		t.Fatalf("list page failed: %v", err)
	}
	if len(keys) != 3 || keys[0] != "key-0" || keys[2] != "key-2" {
		t.Fatalf("unexpected first page: %v", keys)
	}

	keys, err = b.ListPage(ctx, "page/", "key-2", 3)
	if err != nil {
		t.Fatalf("list page failed: %v", err)
	}
	if len(keys) != 3 || keys[0] != "key-3" || keys[2] != "key-5" {
		t.Fatalf("unexpected second page: %v", keys)
	}

	keys, err = b.ListPage(ctx, "page/", "key-5", 3)
	if err != nil {
		t.Fatalf("list page failed: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected exhausted page, got %v", keys)
	}
}

func TestFileBackend_RejectsParentReferences(t *testing.T) {
	b, _ := testFileBackend(t)
	ctx := context.Background()

	if err := b.Put(ctx, &physical.Entry{Key: "../escape", Value: []byte("x")}); err != physical.ErrPathContainsParentReferences {
		t.Fatalf("expected parent reference error, got %v", err)
	}
	if _, err := b.Get(ctx, "../escape"); err != physical.ErrPathContainsParentReferences {
		t.Fatalf("expected parent reference error, got %v", err)
	}
	if err := b.Delete(ctx, "../escape"); err != physical.ErrPathContainsParentReferences {
		t.Fatalf("expected parent reference error, got %v", err)
	}
	if _, err := b.List(ctx, "../"); err != physical.ErrPathContainsParentReferences {
		t.Fatalf("expected parent reference error, got %v", err)
	}
}

func TestFileBackend_CancelledContext(t *testing.T) {
	b, _ := testFileBackend(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Put(ctx, &physical.Entry{Key: "k", Value: []byte("v")}); err == nil {
		t.Fatal("expected put with cancelled context to fail")
	}
	if _, err := b.Get(ctx, "k"); err == nil {
		t.Fatal("expected get with cancelled context to fail")
	}
	if err := b.Delete(ctx, "k"); err == nil {
		t.Fatal("expected delete with cancelled context to fail")
	}
	if _, err := b.List(ctx, ""); err == nil {
		t.Fatal("expected list with cancelled context to fail")
	}
}

func TestFileBackend_ConcurrentWrites(t *testing.T) {
	b, _ := testFileBackend(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				key := fmt.Sprintf("concurrent/g%d-n%d", g, n)
				if err := b.Put(ctx, &physical.Entry{Key: key, Value: []byte("v")}); err != nil {
					t.Errorf("put failed: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	keys, err := b.List(ctx, "concurrent/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(keys) != 4*20 {
		t.Fatalf("expected 80 keys, got %d", len(keys))
	}
}
