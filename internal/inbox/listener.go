package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

const defaultPollInterval = time.Second

// ListenerConfig configures one consumer of a run inbox.
type ListenerConfig struct {
	RunID      string
	ConsumerID string
	OnEntry    func(domain.InboxEntry)
	// SkipExisting starts a consumer without a cursor at the current end of the file.
	SkipExisting bool
	PollInterval time.Duration
	Logger       *log.Logger
}

// Listener tails a run inbox for one consumer, delivering complete lines in order.
// The cursor only ever advances past complete lines.
type Listener struct {
	path       string
	cursorPath string
	onEntry    func(domain.InboxEntry)
	poll       time.Duration
	logger     *log.Logger

	drainMu sync.Mutex
	offset  int64

	watcher     *fsnotify.Watcher
	useFsnotify bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
	started     bool
	startMu     sync.Mutex
}

// NewListener loads or initializes the consumer's cursor.
func (b *Inbox) NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.RunID == "" || cfg.ConsumerID == "" {
		return nil, errors.New("inbox: run id and consumer id are required")
	}
	if cfg.OnEntry == nil {
		return nil, errors.New("inbox: OnEntry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	l := &Listener{
		path:       b.Path(cfg.RunID),
		cursorPath: b.CursorPath(cfg.RunID, cfg.ConsumerID),
		onEntry:    cfg.OnEntry,
		poll:       poll,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	offset, ok, err := readCursor(l.cursorPath)
	if err != nil {
		logger.Printf("Inbox: %v, starting from 0", err)
	}
	if !ok && cfg.SkipExisting {
		offset, err = fileSize(l.path)
		if err != nil {
			return nil, fmt.Errorf("stat inbox: %w", err)
		}
		if err := writeCursor(l.cursorPath, offset); err != nil {
			return nil, err
		}
	}
	l.offset = offset
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("inbox mkdir: %w", err)
	}
	return l, nil
}

// Listen creates a listener and runs it in the background until ctx ends or Stop is called.
func (b *Inbox) Listen(ctx context.Context, cfg ListenerConfig) (*Listener, error) {
	l, err := b.NewListener(cfg)
	if err != nil {
		return nil, err
	}
	l.markStarted()
	go l.run(ctx)
	return l, nil
}

// Start runs the watcher and fallback poll. Returns when ctx is cancelled or Stop is called.
// If fsnotify fails to initialize, falls back to poll-only mode.
func (l *Listener) Start(ctx context.Context) {
	l.markStarted()
	l.run(ctx)
}

func (l *Listener) markStarted() {
	l.startMu.Lock()
	l.started = true
	l.startMu.Unlock()
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.doneCh)

	watchDir := filepath.Dir(l.path)
	name := filepath.Base(l.path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Printf("Inbox: fsnotify init failed (%v), using poll-only", err)
	} else if err := watcher.Add(watchDir); err != nil {
		l.logger.Printf("Inbox: fsnotify add %s failed (%v), using poll-only", watchDir, err)
		_ = watcher.Close()
	} else {
		l.watcher = watcher
		l.useFsnotify = true
	}

	// The watch goroutine must be gone before doneCh closes so that no
	// delivery happens after Stop returns.
	var wg sync.WaitGroup
	if l.useFsnotify {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.watchLoop(ctx, name)
		}()
	}

	l.drainAndLog()
	l.pollLoop(ctx)

	wg.Wait()
	if l.useFsnotify {
		_ = l.watcher.Close()
	}
}

// Stop signals the listener to stop and waits for it. Safe to call more than once.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.startMu.Lock()
	started := l.started
	l.startMu.Unlock()
	if started {
		<-l.doneCh
	}
}

// Offset returns the current cursor offset.
func (l *Listener) Offset() int64 {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()
	return l.offset
}

// DrainOnce reads new complete lines, delivers them and persists the cursor.
func (l *Listener) DrainOnce() error {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat inbox: %w", err)
	}
	if fi.Size() < l.offset {
		l.logger.Printf("Inbox: %s shrank below cursor (%d < %d), rewinding", l.path, fi.Size(), l.offset)
		l.offset = 0
	}
	if fi.Size() == l.offset {
		return nil
	}
	if _, err := f.Seek(l.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek inbox: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, fi.Size()-l.offset))
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}

	// A trailing partial line stays in the file until its newline arrives.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}
	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e domain.InboxEntry
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Printf("Inbox: skipping malformed line in %s: %v", l.path, err)
			continue
		}
		l.onEntry(e)
	}
	l.offset += int64(end + 1)
	return writeCursor(l.cursorPath, l.offset)
}

func (l *Listener) drainAndLog() {
	if err := l.DrainOnce(); err != nil {
		l.logger.Printf("Inbox: drain %s: %v", l.path, err)
	}
}

func (l *Listener) watchLoop(ctx context.Context, name string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			l.drainAndLog()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Printf("Inbox: watcher error: %v", err)
		}
	}
}

func (l *Listener) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.drainAndLog()
		}
	}
}
