package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/uxcore/pkg/protocol"
)

// archiveTimeout bounds one background upload.
const archiveTimeout = 30 * time.Second

// ErrRecorderClosed is returned by Record after Close.
var ErrRecorderClosed = errors.New("recorder: closed")

// Entry is one line of a session recording.
type Entry struct {
	Time    int64             `json:"t"`
	Seq     uint64            `json:"seq"`
	Command *protocol.Command `json:"command"`
}

// Archiver receives the recording file once the recorder is closed.
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

// Recorder appends every dispatched command of one session to a sink as JSON lines.
//
// A write failure disables the recorder: the failing call returns the error and
// later calls are no-ops, so a broken disk never holds up live traffic.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	sink   io.Closer
	enc    *json.Encoder
	failed bool
	closed bool
	count  uint64

	path       string
	archiver   Archiver
	archived   chan struct{}
	archiveErr error
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithArchiver uploads the recording file in the background after Close.
func WithArchiver(a Archiver) Option {
	return func(r *Recorder) {
		r.archiver = a
	}
}

// WithLogger sets the recorder logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// New creates a recorder writing to sink. The recorder owns sink and closes it.
func New(sink io.WriteCloser, opts ...Option) *Recorder {
	r := &Recorder{
		w:        bufio.NewWriter(sink),
		sink:     sink,
		archived: make(chan struct{}),
		now:      time.Now,
		logger:   slog.Default(),
	}
	r.enc = json.NewEncoder(r.w)
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "recorder")
	return r
}

// Path returns the file path for file-backed recorders.
func (r *Recorder) Path() string {
	return r.path
}

// Record appends cmd to the log and flushes it.
func (r *Recorder) Record(cmd *protocol.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}
	if r.failed {
		return nil
	}

	entry := Entry{Time: r.now().UnixMilli(), Seq: cmd.Seq, Command: cmd}
	if err := r.enc.Encode(&entry); err != nil {
		return r.failLocked(err)
	}
	if err := r.w.Flush(); err != nil {
		return r.failLocked(err)
	}
	r.count++
	return nil
}

func (r *Recorder) failLocked(err error) error {
	r.failed = true
	r.logger.Error("recording disabled after write failure",
		"path", r.path,
		"error", err)
	return fmt.Errorf("recorder: write: %w", err)
}

// Failed reports whether a write failure disabled the recorder.
func (r *Recorder) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Count returns the number of recorded commands.
func (r *Recorder) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close flushes and closes the sink. With an archiver attached the file is
// then uploaded on a separate goroutine; Archived reports when that is done.
// Close is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	var errs []error
	if !r.failed {
		if err := r.w.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	count := r.count
	r.mu.Unlock()

	r.logger.Debug("recording closed", "path", r.path, "commands", count)
	if r.archiver != nil && r.path != "" && len(errs) == 0 {
		go r.archive()
	} else {
		close(r.archived)
	}
	return errors.Join(errs...)
}

func (r *Recorder) archive() {
	defer close(r.archived)

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	err := r.archiver.Archive(ctx, r.path)
	if err != nil {
		r.logger.Warn("archiving recording failed", "path", r.path, "error", err)
	} else {
		r.logger.Debug("recording archived", "path", r.path)
	}

	r.mu.Lock()
	r.archiveErr = err
	r.mu.Unlock()
}

// Archived is closed once Close has returned and the background upload, if
// any, has finished.
func (r *Recorder) Archived() <-chan struct{} {
	return r.archived
}

// ArchiveErr returns the upload error after Archived is closed.
func (r *Recorder) ArchiveErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.archiveErr
}
