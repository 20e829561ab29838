// Package watch uploads images dropped into an inbox directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultSettle = 500 * time.Millisecond

// Processor handles one settled file. Files are processed one at a time.
type Processor interface {
	Process(ctx context.Context, path string) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, path string) error

func (f ProcessorFunc) Process(ctx context.Context, path string) error { return f(ctx, path) }

// Options configures a Watcher.
type Options struct {
	Dir        string
	Extensions []string
	// Settle is how long a file must stay unchanged before it is processed.
	Settle time.Duration
	// ProcessExisting queues files already present when Run starts.
	ProcessExisting bool
	Logger          *logrus.Logger
}

// Watcher queues new image files from Dir and hands them to a Processor.
type Watcher struct {
	opts      Options
	processor Processor
	exts      map[string]bool

	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]time.Time
	queue   chan string
}

// New validates opts and returns a Watcher.
func New(opts Options, processor Processor) (*Watcher, error) {
	if processor == nil {
		return nil, errors.New("watch: processor is required")
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat inbox: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("inbox %s is not a directory", opts.Dir)
	}
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	exts := make(map[string]bool, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}

	return &Watcher{
		opts:      opts,
		processor: processor,
		exts:      exts,
		pending:   make(map[string]*time.Timer),
		seen:      make(map[string]time.Time),
		queue:     make(chan string, 64),
	}, nil
}

// Run watches until ctx is canceled. Processing errors are logged and do not
// stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.opts.Dir, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.worker(ctx)
	}()

	if w.opts.ProcessExisting {
		w.scanExisting()
	}

	w.opts.Logger.WithField("dir", w.opts.Dir).Info("Watching inbox")

	defer func() {
		w.mu.Lock()
		for path, timer := range w.pending {
			timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.WithError(err).Warn("Inbox watcher error")
		}
	}
}

func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		w.opts.Logger.WithError(err).Warn("Failed to list inbox")
		return
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			w.schedule(filepath.Join(w.opts.Dir, entry.Name()))
		}
	}
}

// Matches reports whether path is a candidate image.
func (w *Watcher) Matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if len(w.exts) == 0 {
		return true
	}
	return w.exts[strings.ToLower(filepath.Ext(base))]
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(path string) {
	if !w.Matches(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.opts.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.Settle, func() { w.settled(path) })
}

func (w *Watcher) settled(path string) {
	info, err := os.Stat(path)

	w.mu.Lock()
	delete(w.pending, path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		w.mu.Unlock()
		return
	}
	if last, ok := w.seen[path]; ok && !info.ModTime().After(last) {
		w.mu.Unlock()
		return
	}
	w.seen[path] = info.ModTime()
	w.mu.Unlock()

	select {
	case w.queue <- path:
	default:
		w.opts.Logger.WithField("path", path).Warn("Inbox queue full, dropping file")
		w.mu.Lock()
		delete(w.seen, path)
		w.mu.Unlock()
	}
}

func (w *Watcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.queue:
			start := time.Now()
			logger := w.opts.Logger.WithField("path", filepath.Base(path))
			if err := w.processor.Process(ctx, path); err != nil {
				logger.WithError(err).Error("Failed to process inbox file")
				continue
			}
			logger.WithField("duration_ms", time.Since(start).Milliseconds()).Info("Processed inbox file")
		}
	}
}
