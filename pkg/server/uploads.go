package server

import (
	"sync"
	"sync/atomic"

	"github.com/vango-dev/uxcore/pkg/upload"
)

// UploadTable maps upload tokens to uploaded files. It is shared by every
// session: a token stays valid across session refresh and may be looked up
// by a session created after the upload.
type UploadTable struct {
	files sync.Map // string -> *upload.File
	count atomic.Int64
}

// NewUploadTable creates an empty table.
func NewUploadTable() *UploadTable {
	return &UploadTable{}
}

// Put registers file under token. A token can be registered only once.
func (t *UploadTable) Put(token string, file *upload.File) error {
	if _, loaded := t.files.LoadOrStore(token, file); loaded {
		return ErrUploadTokenExists
	}
	t.count.Add(1)
	return nil
}

// Get returns the file registered under token.
func (t *UploadTable) Get(token string) (*upload.File, bool) {
	v, ok := t.files.Load(token)
	if !ok {
		return nil, false
	}
	return v.(*upload.File), true
}

// Remove unregisters token. It reports whether the token was present.
func (t *UploadTable) Remove(token string) bool {
	if _, ok := t.files.LoadAndDelete(token); ok {
		t.count.Add(-1)
		return true
	}
	return false
}

// Len returns the number of registered tokens.
func (t *UploadTable) Len() int {
	return int(t.count.Load())
}
