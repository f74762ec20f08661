package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/vango-dev/uxcore/pkg/upload"
)

func TestUploadTable(t *testing.T) {
	tbl := NewUploadTable()
	f := &upload.File{Token: "t1", Filename: "a.txt"}

	if err := tbl.Put("t1", f); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := tbl.Put("t1", &upload.File{Token: "t1"}); !errors.Is(err, ErrUploadTokenExists) {
		t.Fatalf("duplicate Put() error = %v", err)
	}
	if got, ok := tbl.Get("t1"); !ok || got != f {
		t.Fatal("Get() must return the first registered file")
	}
	if _, ok := tbl.Get("missing"); ok {
		t.Fatal("Get(missing) = true")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
	if !tbl.Remove("t1") || tbl.Remove("t1") {
		t.Fatal("Remove() should succeed exactly once")
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tbl.Len())
	}
}

func TestUploadTableConcurrentPutSameToken(t *testing.T) {
	tbl := NewUploadTable()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tbl.Put("shared", &upload.File{Token: "shared"}) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d writers won, want 1", wins.Load())
	}
}
