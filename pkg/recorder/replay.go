package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// maxLineSize bounds one recorded command line.
const maxLineSize = 16 << 20

// Replay reads a recording and calls fn for each entry in file order.
// Returning an error from fn stops the replay and returns that error.
func Replay(r io.Reader, fn func(Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("recorder: line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("recorder: read: %w", err)
	}
	return nil
}

// ReplayFile opens path and replays it.
func ReplayFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("recorder: open %s: %w", path, err)
	}
	defer f.Close()
	return Replay(f, fn)
}
