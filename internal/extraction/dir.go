package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DirCache serves extracted page text from a directory tree laid out as
// <root>/<docID>/page-<n>.txt. The extractor writes files out-of-band; an
// fsnotify watcher keeps the page map current as new pages and documents
// appear, so a document can be searched while it is still being extracted.
type DirCache struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu    sync.RWMutex
	pages map[string]map[int]struct{}

	done chan struct{}
}

// NewDirCache scans root and starts the watcher.
func NewDirCache(root string) (*DirCache, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	d := &DirCache{
		root:    root,
		watcher: watcher,
		logger:  slog.Default().With("component", "extraction-dir"),
		pages:   make(map[string]map[int]struct{}),
		done:    make(chan struct{}),
	}
	if err := d.scan(); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}
	d.mu.RLock()
	for docID := range d.pages {
		if err := watcher.Add(filepath.Join(root, docID)); err != nil {
			d.logger.Warn("watch failed for document dir", "doc_id", docID, "error", err)
		}
	}
	d.mu.RUnlock()
	go d.watchLoop()
	return d, nil
}

func (d *DirCache) PageText(_ context.Context, docID string, pageNumber int) (string, bool, error) {
	d.mu.RLock()
	_, known := d.pages[docID][pageNumber]
	d.mu.RUnlock()
	if !known {
		return "", false, nil
	}
	data, err := os.ReadFile(d.pagePath(docID, pageNumber))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading page %d of %s: %w", pageNumber, docID, err)
	}
	return string(data), true, nil
}

func (d *DirCache) PageCount(_ context.Context, docID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pages[docID]), nil
}

// Close stops the watcher.
func (d *DirCache) Close() error {
	close(d.done)
	return d.watcher.Close()
}

func (d *DirCache) scan() error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("reading extraction root %s: %w", d.root, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		docID := entry.Name()
		pageFiles, err := os.ReadDir(filepath.Join(d.root, docID))
		if err != nil {
			d.logger.Warn("skipping unreadable document dir", "doc_id", docID, "error", err)
			continue
		}
		for _, pf := range pageFiles {
			if n, ok := parsePageName(pf.Name()); ok {
				d.recordPage(docID, n)
			}
		}
	}
	return nil
}

func (d *DirCache) watchLoop() {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			d.handleEvent(event.Name)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

func (d *DirCache) handleEvent(path string) {
	rel, err := filepath.Rel(d.root, path)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 1:
		// New document directory: start watching it and pick up any pages
		// written before the watch was in place.
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return
		}
		if err := d.watcher.Add(path); err != nil {
			d.logger.Warn("watch failed for new document dir", "path", path, "error", err)
			return
		}
		pageFiles, err := os.ReadDir(path)
		if err != nil {
			return
		}
		for _, pf := range pageFiles {
			if n, ok := parsePageName(pf.Name()); ok {
				d.recordPage(parts[0], n)
			}
		}
	case 2:
		if n, ok := parsePageName(parts[1]); ok {
			d.recordPage(parts[0], n)
		}
	}
}

func (d *DirCache) recordPage(docID string, pageNumber int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.pages[docID]
	if !ok {
		doc = make(map[int]struct{})
		d.pages[docID] = doc
	}
	doc[pageNumber] = struct{}{}
}

func (d *DirCache) pagePath(docID string, pageNumber int) string {
	return filepath.Join(d.root, docID, fmt.Sprintf("page-%d.txt", pageNumber))
}

func parsePageName(name string) (int, bool) {
	if !strings.HasPrefix(name, "page-") || !strings.HasSuffix(name, ".txt") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "page-"), ".txt"))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
