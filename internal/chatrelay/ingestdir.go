package chatrelay

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DirWatcher feeds payload files dropped into a directory through the relay.
// Files are ingested on the initial scan and again on every create/write
// event; reprocessing a file is harmless because ingest is idempotent.
type DirWatcher struct {
	dir   string
	relay *Relay
}

func NewDirWatcher(dir string, relay *Relay) (*DirWatcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" || relay == nil {
		return nil, ErrInvalidInput
	}
	return &DirWatcher{dir: dir, relay: relay}, nil
}

// Run scans the directory, then ingests payload files as they appear until
// ctx is cancelled.
func (w *DirWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isPayloadFile(event.Name) {
				continue
			}
			w.ingestFile(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("ingest watcher: %v", err)
		}
	}
}

func (w *DirWatcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("ingest watcher: scan %s: %v", w.dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := filepath.Join(w.dir, entry.Name())
		if !isPayloadFile(name) {
			continue
		}
		w.ingestFile(ctx, name)
	}
}

func (w *DirWatcher) ingestFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("ingest watcher: read %s: %v", path, err)
		return
	}
	result := w.relay.IngestBatch(ctx, []Payload{{Source: filepath.Base(path), Data: data}})
	log.Printf("ingest watcher: %s: %d messages, %d statuses, %d skipped",
		filepath.Base(path), result.MessagesUpserted, result.StatusesPatched, result.Skipped)
}

func isPayloadFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
