// Package watch turns filesystem activity in session workspaces into
// file edit intents for the conflict engine. Each session registers the
// directory it works in; when two sessions touch the same relative
// path, the engine sees a file_edit conflict before either side pushes
// its change anywhere.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/positivef/udo-coordination/internal/conflict"
	"github.com/positivef/udo-coordination/internal/logging"
)

// debounceWindow coalesces the burst of events an editor save emits.
const debounceWindow = 50 * time.Millisecond

// IntentSink receives file edit intents. Implemented by the conflict
// engine.
type IntentSink interface {
	ReportIntent(ctx context.Context, intent conflict.Intent) (*conflict.Record, error)
}

type workspace struct {
	sessionID string
	projectID string
	root      string
}

// Watcher maps filesystem events back to the session whose workspace
// they happened in and reports them as intents.
type Watcher struct {
	fsw    *fsnotify.Watcher
	sink   IntentSink
	logger *logging.Logger

	mu         sync.RWMutex
	workspaces map[string]workspace // session id -> workspace

	// Paths to skip, matched against any path element.
	ignore []string

	startOnce sync.Once
	started   bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithLogger(logger *logging.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// WithIgnore replaces the default ignore list.
func WithIgnore(names ...string) Option {
	return func(w *Watcher) { w.ignore = names }
}

func New(sink IntentSink, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:        fsw,
		sink:       sink,
		logger:     logging.NopLogger(),
		workspaces: make(map[string]workspace),
		ignore:     []string{".git", "node_modules", ".DS_Store"},
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// AddWorkspace starts watching a session's working directory,
// subdirectories included.
func (w *Watcher) AddWorkspace(sessionID, projectID, root string) error {
	root = filepath.Clean(root)

	w.mu.Lock()
	w.workspaces[sessionID] = workspace{sessionID: sessionID, projectID: projectID, root: root}
	w.mu.Unlock()

	if err := w.fsw.Add(root); err != nil {
		return err
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if w.ignored(filepath.Base(path)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			_ = w.fsw.Add(path)
		}
		return nil
	})
}

// RemoveWorkspace stops watching a session's directory.
func (w *Watcher) RemoveWorkspace(sessionID string) {
	w.mu.Lock()
	ws, ok := w.workspaces[sessionID]
	if ok {
		delete(w.workspaces, sessionID)
	}
	w.mu.Unlock()

	if ok {
		_ = w.fsw.Remove(ws.root)
	}
}

// Start launches the event loop. Further calls are no-ops.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started = true
		go w.loop(ctx)
	})
}

// Stop shuts the watcher down and waits for the loop to exit. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
	})
	if w.started {
		<-w.done
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending[ev.Name] = struct{}{}
			debounce.Reset(debounceWindow)

		case <-debounce.C:
			for path := range pending {
				w.handle(ctx, path)
			}
			pending = make(map[string]struct{})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if w.pathIgnored(path) {
		return
	}

	w.mu.RLock()
	var owner workspace
	var relPath string
	for _, ws := range w.workspaces {
		if strings.HasPrefix(path, ws.root+string(filepath.Separator)) || path == ws.root {
			owner = ws
			relPath, _ = filepath.Rel(ws.root, path)
			break
		}
	}
	w.mu.RUnlock()

	if owner.sessionID == "" || relPath == "" || relPath == "." {
		return
	}

	// Resource ids are workspace-relative so the same file in two
	// session checkouts collides.
	intent := conflict.Intent{
		SessionID:  owner.sessionID,
		ProjectID:  owner.projectID,
		Type:       conflict.TypeFileEdit,
		ResourceID: "file:" + filepath.ToSlash(relPath),
		Operation:  "write",
		At:         time.Now(),
	}
	if rec, err := w.sink.ReportIntent(ctx, intent); err != nil {
		w.logger.Warn("intent report failed",
			"session_id", owner.sessionID, "path", relPath, "error", err)
	} else if rec != nil {
		w.logger.Info("file edit conflict detected",
			"conflict_id", rec.ID, "path", relPath)
	}
}

func (w *Watcher) ignored(name string) bool {
	for _, ig := range w.ignore {
		if name == ig {
			return true
		}
	}
	return false
}

func (w *Watcher) pathIgnored(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if w.ignored(part) {
			return true
		}
	}
	return false
}
