package confsource

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/octoporty/octoporty/internal/logger"
	"github.com/octoporty/octoporty/internal/shared/goroutine"
	"github.com/octoporty/octoporty/sdk/tunnelmsg"
)

// fileDocument is the on-disk JSON shape a FileSource reads and
// watches; it exists purely as the default backing store so the Agent
// runs standalone — a real deployment points ConfigStoreDSN at its own
// Source implementation instead.
type fileDocument struct {
	Mappings        []tunnelmsg.Mapping `json:"mappings"`
	LandingPageHTML string              `json:"landing_page_html"`
}

// FileSource is a Source backed by a single JSON file, watched with
// fsnotify so external edits fire OnChange without polling.
type FileSource struct {
	path string
	log  logger.Interface

	mu        sync.RWMutex
	mappings  []tunnelmsg.Mapping
	landing   string

	subMu sync.Mutex
	subs  map[int]func()
	nextSubID int

	watcher *fsnotify.Watcher
}

// NewFileSource loads path (creating an empty document if absent) and
// starts watching it for changes.
func NewFileSource(path string, log logger.Interface) (*FileSource, error) {
	fs := &FileSource{
		path: path,
		log:  log.Named("confsource"),
		subs: make(map[int]func()),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
			return nil, fmt.Errorf("create config file: %w", err)
		}
	}

	if err := fs.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	fs.watcher = watcher

	goroutine.SafeGo(fs.log, "confsource-watch", fs.watchLoop)

	return fs, nil
}

func (fs *FileSource) watchLoop() {
	for {
		select {
		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := fs.reload(); err != nil {
				fs.log.Warnw("reload config file failed", "error", err)
				continue
			}
			fs.notifySubscribers()
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.log.Warnw("config file watcher error", "error", err)
		}
	}
}

func (fs *FileSource) reload() error {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		fs.mu.Lock()
		fs.mappings = nil
		fs.landing = ""
		fs.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	fs.mu.Lock()
	fs.mappings = doc.Mappings
	fs.landing = doc.LandingPageHTML
	fs.mu.Unlock()
	return nil
}

// ListEnabledMappings implements Source.
func (fs *FileSource) ListEnabledMappings() ([]tunnelmsg.Mapping, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var enabled []tunnelmsg.Mapping
	for _, m := range fs.mappings {
		if m.Enabled {
			enabled = append(enabled, m)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })
	return enabled, nil
}

// GetLandingPage implements Source.
func (fs *FileSource) GetLandingPage() (string, string, error) {
	fs.mu.RLock()
	html := fs.landing
	fs.mu.RUnlock()

	sum := md5.Sum([]byte(html))
	return html, hex.EncodeToString(sum[:]), nil
}

// OnChange implements Source.
func (fs *FileSource) OnChange(fn func()) (unsubscribe func()) {
	fs.subMu.Lock()
	id := fs.nextSubID
	fs.nextSubID++
	fs.subs[id] = fn
	fs.subMu.Unlock()

	return func() {
		fs.subMu.Lock()
		delete(fs.subs, id)
		fs.subMu.Unlock()
	}
}

func (fs *FileSource) notifySubscribers() {
	fs.subMu.Lock()
	callbacks := make([]func(), 0, len(fs.subs))
	for _, fn := range fs.subs {
		callbacks = append(callbacks, fn)
	}
	fs.subMu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Close stops the file watcher.
func (fs *FileSource) Close() error {
	if fs.watcher != nil {
		return fs.watcher.Close()
	}
	return nil
}
