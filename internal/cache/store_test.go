package cache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestWriteAndReadInstance(t *testing.T) {
	s := newTestStore(t)
	data := []byte("part10 bytes")

	path, size, err := s.WriteInstance("1.2.3", "1.2.3.1", "1.2.3.1.1", data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if size != int64(len(data)) {
		t.Errorf("size = %d", size)
	}
	want := filepath.Join(s.Root(), "1.2.3", "1.2.3.1", "1.2.3.1.1.dcm")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	got, err := s.ReadInstance("1.2.3", "1.2.3.1", "1.2.3.1.1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read bytes differ")
	}
	if !s.HasInstance("1.2.3", "1.2.3.1", "1.2.3.1.1") {
		t.Error("HasInstance = false")
	}

	byPath, err := s.ReadInstanceFile(path)
	if err != nil {
		t.Fatalf("read by path: %v", err)
	}
	if !bytes.Equal(byPath, data) {
		t.Error("read-by-path bytes differ")
	}
}

func TestReadMissingInstance(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ReadInstance("1.2.3", "1.2.3.1", "1.2.3.1.1"); !errors.Is(err, ErrNotCached) {
		t.Errorf("err = %v, want ErrNotCached", err)
	}
	if s.HasInstance("1.2.3", "1.2.3.1", "1.2.3.1.1") {
		t.Error("HasInstance = true for missing file")
	}
}

func TestRewriteReplacesInstance(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.WriteInstance("1.2.3", "1.2.3.1", "1.2.3.1.1", []byte("first")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := s.WriteInstance("1.2.3", "1.2.3.1", "1.2.3.1.1", []byte("second")); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got, err := s.ReadInstance("1.2.3", "1.2.3.1", "1.2.3.1.1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("content = %q", got)
	}
}

func TestConcurrentWritesOfSameInstance(t *testing.T) {
	s := newTestStore(t)
	data := bytes.Repeat([]byte{0xAB}, 4096)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.WriteInstance("1.2.3", "1.2.3.1", "1.2.3.1.1", data); err != nil {
				t.Errorf("write: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.ReadInstance("1.2.3", "1.2.3.1", "1.2.3.1.1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("file corrupted by concurrent writes")
	}

	// No temp files may survive the writers.
	entries, err := os.ReadDir(filepath.Join(s.Root(), "1.2.3", "1.2.3.1"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries", len(entries))
	}
}

func TestInstancePathRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	bad := []string{"", ".", "..", "../escape", "a/b", `a\b`}
	for _, uid := range bad {
		if _, err := s.InstancePath(uid, "1.2.3.1", "1.2.3.1.1"); err == nil {
			t.Errorf("study uid %q accepted", uid)
		}
		if _, err := s.InstancePath("1.2.3", uid, "1.2.3.1.1"); err == nil {
			t.Errorf("series uid %q accepted", uid)
		}
		if _, _, err := s.WriteInstance("1.2.3", "1.2.3.1", uid, nil); err == nil {
			t.Errorf("sop uid %q accepted", uid)
		}
	}
}

func TestSizeBytes(t *testing.T) {
	s := newTestStore(t)
	if size, err := s.SizeBytes(); err != nil || size != 0 {
		t.Errorf("empty size = %d, err = %v", size, err)
	}

	s.WriteInstance("1.2.3", "1.2.3.1", "1.2.3.1.1", make([]byte, 100))
	s.WriteInstance("1.2.3", "1.2.3.1", "1.2.3.1.2", make([]byte, 250))
	s.WriteInstance("4.5.6", "4.5.6.1", "4.5.6.1.1", make([]byte, 50))

	size, err := s.SizeBytes()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 400 {
		t.Errorf("size = %d, want 400", size)
	}
}

func TestDeleteStudy(t *testing.T) {
	s := newTestStore(t)
	s.WriteInstance("1.2.3", "1.2.3.1", "1.2.3.1.1", []byte("a"))
	s.WriteInstance("1.2.3", "1.2.3.2", "1.2.3.2.1", []byte("b"))
	s.WriteInstance("4.5.6", "4.5.6.1", "4.5.6.1.1", []byte("c"))

	existed, err := s.DeleteStudy("1.2.3")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !existed {
		t.Error("existed = false")
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "1.2.3")); !errors.Is(err, os.ErrNotExist) {
		t.Error("study directory still present")
	}
	if !s.HasInstance("4.5.6", "4.5.6.1", "4.5.6.1.1") {
		t.Error("unrelated study was deleted")
	}

	existed, err = s.DeleteStudy("1.2.3")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if existed {
		t.Error("existed = true for absent study")
	}
}

func TestLockStudySerializes(t *testing.T) {
	s := newTestStore(t)
	unlock := s.LockStudy("1.2.3")

	acquired := make(chan struct{})
	go func() {
		u := s.LockStudy("1.2.3")
		close(acquired)
		u()
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	default:
	}

	unlock()
	<-acquired
}
