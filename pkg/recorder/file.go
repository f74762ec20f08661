package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileTimeLayout formats the session start time in recording file names.
const fileTimeLayout = "2006.01.02-15.04.05"

// maxNameAttempts bounds the collision suffixes tried for one timestamp.
const maxNameAttempts = 1000

// FileName returns the base name of the recording file for a session started at start.
func FileName(start time.Time) string {
	return "Session-" + start.Format(fileTimeLayout) + ".log"
}

// OpenFile creates a new recording file in dir named after the session start time.
// When the name is taken (two sessions started within the same second) a numeric
// suffix is appended. Existing recordings are never overwritten.
func OpenFile(dir string, start time.Time, opts ...Option) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create directory: %w", err)
	}

	base := "Session-" + start.Format(fileTimeLayout)
	for i := 0; i < maxNameAttempts; i++ {
		name := base + ".log"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.log", base, i)
		}
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("recorder: open %s: %w", path, err)
		}

		r := New(f, opts...)
		r.path = path
		return r, nil
	}
	return nil, fmt.Errorf("recorder: no free file name for %s in %s", base, dir)
}
