// Package watcher queues a stitch job whenever a manifest lands in a watched
// directory.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"

	"tessera/internal/manifest"
	"tessera/internal/pipeline"
)

// DefaultSettle is how long a manifest must stay unchanged before it is queued.
const DefaultSettle = 500 * time.Millisecond

// Submitter accepts jobs.
type Submitter interface {
	Submit(job pipeline.Job) (string, error)
}

// Watcher monitors one directory for manifests.
type Watcher struct {
	// OutputDir, when set, receives <manifest>.report.json for every run.
	OutputDir string
	// Settle debounces editors that write a file in several steps.
	Settle time.Duration

	dir      string
	submit   Submitter
	log      *slog.Logger
	fs       *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for dir. Call Start to begin watching.
func New(dir string, submit Submitter, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		Settle: DefaultSettle,
		dir:    dir,
		submit: submit,
		log:    log,
		fs:     fsw,
		done:   make(chan struct{}),
	}, nil
}

// Start begins monitoring. Events are processed until ctx is done or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fs.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("watching directory", "dir", w.dir)

	w.wg.Add(1)
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	tick := settle / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	pending := make(map[string]time.Time)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isWatchedManifest(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < settle {
					continue
				}
				delete(pending, path)
				w.enqueue(path)
			}

		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) enqueue(path string) {
	job := pipeline.Job{Type: pipeline.JobStitch, Manifest: path}
	if w.OutputDir != "" {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		job.Output = filepath.Join(w.OutputDir, base+".report.json")
	}
	id, err := w.submit.Submit(job)
	if err != nil {
		w.log.Warn("failed to queue manifest", "manifest", path, "error", err)
		return
	}
	w.log.Info("queued manifest", "manifest", path, "id", id)
}

// isWatchedManifest skips reports so a watcher writing into its own
// directory does not feed itself.
func isWatchedManifest(path string) bool {
	if !manifest.IsManifest(path) {
		return false
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return !strings.Contains(base, ".report.")
}
