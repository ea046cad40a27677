package settings

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	fileMode = 0600
	dirMode  = 0700
)

// FileStore persists settings as a YAML document. Writes made through the
// store notify unblocked handlers synchronously; Watch additionally picks up
// writes made by other processes.
type FileStore struct {
	path string
	log  *zap.Logger

	mu          sync.RWMutex
	doc         document
	fingerprint [sha256.Size]byte // of the content last written or loaded

	reg registry

	watchMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFileStore loads path, which may not exist yet. log may be nil.
func NewFileStore(path string, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("settings: failed to resolve path: %w", err)
	}

	f := &FileStore{path: abs, log: log.Named("settings")}
	data, err := os.ReadFile(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("settings: failed to read %s: %w", abs, err)
	}
	if err := yaml.Unmarshal(data, &f.doc); err != nil {
		return nil, fmt.Errorf("settings: failed to parse %s: %w", abs, err)
	}
	f.fingerprint = sha256.Sum256(data)
	return f, nil
}

// Path returns the absolute path of the settings file.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) GetStrv(key string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, _ := f.doc.strv(key)
	return v
}

func (f *FileStore) SetStrv(key string, value []string) error {
	return f.update(key, func(d document) (document, bool, error) {
		return d.withStrv(key, value)
	})
}

func (f *FileStore) GetBool(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, _ := f.doc.boolean(key)
	return v
}

func (f *FileStore) SetBool(key string, value bool) error {
	return f.update(key, func(d document) (document, bool, error) {
		return d.withBool(key, value)
	})
}

func (f *FileStore) Connect(key string, h Handler) HandlerID { return f.reg.connect(key, h) }
func (f *FileStore) Disconnect(id HandlerID)                { f.reg.disconnect(id) }
func (f *FileStore) Block(id HandlerID)                     { f.reg.block(id) }
func (f *FileStore) Unblock(id HandlerID)                   { f.reg.unblock(id) }

// update applies fn and persists the result. The in-memory document only
// changes once the file has been replaced.
func (f *FileStore) update(key string, fn func(document) (document, bool, error)) error {
	f.mu.Lock()
	doc, changed, err := fn(f.doc)
	if err != nil || !changed {
		f.mu.Unlock()
		return err
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("settings: failed to encode: %w", err)
	}
	if err := f.write(data); err != nil {
		f.mu.Unlock()
		return err
	}
	f.doc = doc
	f.fingerprint = sha256.Sum256(data)
	f.mu.Unlock()

	f.reg.emit(key)
	return nil
}

func (f *FileStore) write(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), dirMode); err != nil {
		return fmt.Errorf("settings: failed to create directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("settings: failed to write: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("settings: failed to replace %s: %w", f.path, err)
	}
	return nil
}

// Watch starts watching the settings file for writes by other processes and
// returns once the watch is registered. It stops when ctx is done or Close is
// called. Echoes of the store's own writes are ignored.
func (f *FileStore) Watch(ctx context.Context) error {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	if f.cancel != nil {
		return errors.New("settings: already watching")
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("settings: failed to create directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: failed to create watcher: %w", err)
	}
	// Watch the directory: atomic replacement swaps the file's inode.
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("settings: failed to watch %s: %w", dir, err)
	}

	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.watch(ctx, w)
	return nil
}

func (f *FileStore) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer f.wg.Done()
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				f.log.Error("failed to reload settings", zap.String("path", f.path), zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.log.Warn("settings watcher error", zap.Error(err))
		}
	}
}

// reload re-reads the file and notifies handlers of every key that changed.
func (f *FileStore) reload() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		// Truncated by a writer that has not finished yet.
		return nil
	}
	sum := sha256.Sum256(data)

	f.mu.Lock()
	if sum == f.fingerprint {
		f.mu.Unlock()
		f.log.Debug("ignoring settings echo")
		return nil
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("settings: failed to parse: %w", err)
	}
	keys := changedKeys(f.doc, doc)
	f.doc = doc
	f.fingerprint = sum
	f.mu.Unlock()

	if len(keys) > 0 {
		f.log.Debug("settings changed externally", zap.Strings("keys", keys))
	}
	f.reg.emit(keys...)
	return nil
}

// Close stops the watcher, if any, and waits for it to exit.
func (f *FileStore) Close() error {
	f.watchMu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.watchMu.Unlock()
	f.wg.Wait()
	return nil
}
