package session

import (
	"bytes"
	"io"
	"net/url"
	"os"

	"github.com/vango-dev/uxcore/pkg/protocol"
)

// ResourcePrefix is the URL prefix session resources are served under.
const ResourcePrefix = "/session-resources/"

// Resource is content a session makes available over plain HTTP, e.g. a
// generated report the client downloads.
type Resource interface {
	ContentType() string
	Open() (io.ReadSeekCloser, error)
}

// BytesResource serves an in-memory byte slice.
type BytesResource struct {
	Type string
	Data []byte
}

func (r *BytesResource) ContentType() string { return r.Type }

func (r *BytesResource) Open() (io.ReadSeekCloser, error) {
	return nopCloser{bytes.NewReader(r.Data)}, nil
}

// FileResource serves a file from disk.
type FileResource struct {
	Type string
	Path string
}

func (r *FileResource) ContentType() string { return r.Type }

func (r *FileResource) Open() (io.ReadSeekCloser, error) {
	return os.Open(r.Path)
}

type nopCloser struct {
	io.ReadSeeker
}

func (nopCloser) Close() error { return nil }

// ResourcePath returns the URL path of the named resource of session id.
func ResourcePath(id protocol.SessionID, name string) string {
	return ResourcePrefix +
		url.PathEscape(id.HTTPSessionID) + "/" +
		url.PathEscape(id.UISessionID) + "/" +
		url.PathEscape(name)
}
