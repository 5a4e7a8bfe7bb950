package artifacts

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func testStore(t *testing.T) *DirStore {
	t.Helper()
	return NewDirStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanup(t *testing.T) {
	s := testStore(t)
	dir := filepath.Join(s.Root, "profile_1")
	keep := filepath.Join(dir, "Default", "Cookies")
	touch(t, keep)
	touch(t, filepath.Join(dir, "Default", "Cache", "data_0"))
	touch(t, filepath.Join(dir, "Default", "Code Cache", "js", "index"))
	touch(t, filepath.Join(dir, "GPUCache", "data_1"))
	touch(t, filepath.Join(dir, "Default", "download.tmp"))

	if err := s.Cleanup("profile_1"); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !exists(keep) {
		t.Error("Cleanup() removed durable state")
	}
	for _, gone := range []string{
		filepath.Join(dir, "Default", "Cache"),
		filepath.Join(dir, "Default", "Code Cache"),
		filepath.Join(dir, "GPUCache"),
		filepath.Join(dir, "Default", "download.tmp"),
	} {
		if exists(gone) {
			t.Errorf("%s still exists after Cleanup()", gone)
		}
	}
}

func TestCleanupMissing(t *testing.T) {
	if err := testStore(t).Cleanup("nope"); err == nil {
		t.Error("Cleanup() of a missing artifact should fail")
	}
}

func TestDeleteAndList(t *testing.T) {
	s := testStore(t)
	for _, name := range []string{"profile_1", "profile_2", "profile_10", "other_1"} {
		touch(t, filepath.Join(s.Root, name, "state"))
	}
	if err := s.Delete("profile_2"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err := s.List("profile_")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"profile_1", "profile_10"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestInvalidIdentity(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"", "..", "a/b", "../escape"} {
		if err := s.Delete(id); err == nil {
			t.Errorf("Delete(%q) should fail", id)
		}
	}
}

func TestListMissingRoot(t *testing.T) {
	s := NewDirStore(filepath.Join(t.TempDir(), "absent"), nil)
	got, err := s.List("profile_")
	if err != nil || len(got) != 0 {
		t.Errorf("List() = %v, %v; want empty", got, err)
	}
}

func TestSnapshot(t *testing.T) {
	s := testStore(t)
	touch(t, filepath.Join(s.Root, "profile_1", "Default", "Cookies"))
	touch(t, filepath.Join(s.Root, "profile_1", "Local State"))

	got, err := s.Snapshot(context.Background(), "profile_1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for _, want := range []string{"Default/ 1\n", "Local State 1\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("Snapshot() = %q, missing %q", got, want)
		}
	}
	if _, err := s.Snapshot(context.Background(), "profile_2"); err == nil {
		t.Error("Snapshot() of a missing artifact should fail")
	}
}
