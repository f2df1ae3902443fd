// Package inbox implements the run inbox: an append-only JSONL file per run that supervisors
// write corrections to and workers tail through per-consumer cursor files.
package inbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

// Inbox is a directory of run inbox files.
type Inbox struct {
	dir string
}

// New returns an inbox rooted at dir. The directory is created on first write.
func New(dir string) *Inbox {
	return &Inbox{dir: dir}
}

// Dir returns the inbox directory.
func (b *Inbox) Dir() string {
	return b.dir
}

// Path returns the inbox file for runID.
func (b *Inbox) Path(runID string) string {
	return filepath.Join(b.dir, safeName(runID)+".jsonl")
}

// CursorPath returns the cursor file for one consumer of runID.
func (b *Inbox) CursorPath(runID, consumerID string) string {
	return filepath.Join(b.dir, safeName(runID)+".cursors", safeName(consumerID)+".offset")
}

// Append writes entry as one line. Missing Type, Target, Timestamp and ID are filled in.
func (b *Inbox) Append(runID string, entry domain.InboxEntry) (domain.InboxEntry, error) {
	if runID == "" {
		return entry, errors.New("inbox: run id is required")
	}
	if entry.Type == "" {
		entry.Type = domain.EntryCorrection
	}
	if entry.Target == "" {
		entry.Target = domain.TargetAll
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("encode inbox entry: %w", err)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return entry, fmt.Errorf("inbox mkdir: %w", err)
	}
	f, err := os.OpenFile(b.Path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return entry, fmt.Errorf("open inbox: %w", err)
	}
	defer f.Close()
	// One write per line keeps concurrent appenders from interleaving.
	if _, err := f.Write(append(data, '\n')); err != nil {
		return entry, fmt.Errorf("append inbox: %w", err)
	}
	return entry, nil
}

// Entries reads every well-formed entry of runID. A missing file yields no entries.
func (b *Inbox) Entries(runID string) ([]domain.InboxEntry, error) {
	f, err := os.Open(b.Path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open inbox: %w", err)
	}
	defer f.Close()

	var out []domain.InboxEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e domain.InboxEntry
		if json.Unmarshal(line, &e) == nil {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

// readCursor returns the stored offset and whether a cursor exists.
func readCursor(path string) (int64, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("parse cursor %s: %q", path, strings.TrimSpace(string(data)))
	}
	return n, true, nil
}

// writeCursor replaces the cursor file atomically (temp file + rename).
func writeCursor(path string, offset int64) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cursor mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("cursor temp: %w", err)
	}
	if _, err := tmp.WriteString(strconv.FormatInt(offset, 10)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cursor write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cursor close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cursor rename: %w", err)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// safeName keeps ids from escaping the inbox directory.
func safeName(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
