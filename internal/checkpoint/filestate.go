package checkpoint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// maxFileRuns bounds the run history kept in the state file.
const maxFileRuns = 50

// FileStore implements Store using a single YAML file.
// Designed for cron hosts and headless environments where SQLite is impractical.
type FileStore struct {
	path   string
	mu     sync.Mutex
	sealer *Sealer
}

// fileDocument is the YAML structure for the state file.
type fileDocument struct {
	Actions map[string]*ActionState `yaml:"actions"`
	Runs    []Run                   `yaml:"runs,omitempty"`
}

// NewFileState creates a file-based store. The file is created on first save.
func NewFileState(path string, sealer *Sealer) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}
	fs := &FileStore{path: path, sealer: sealer}

	// Fail early on a corrupt or undecryptable file.
	if _, err := fs.read(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Path returns the state file path.
func (fs *FileStore) Path() string {
	return fs.path
}

// read loads the document, returning an empty one when the file is missing.
// Other processes may have written since the last call, so nothing is cached.
func (fs *FileStore) read() (*fileDocument, error) {
	doc := &fileDocument{}
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		doc.Actions = make(map[string]*ActionState)
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	plain, err := fs.sealer.Open(fs.path, data)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(plain, doc); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	if doc.Actions == nil {
		doc.Actions = make(map[string]*ActionState)
	}
	return doc, nil
}

// write replaces the state file atomically: temp file, fsync, rename.
func (fs *FileStore) write(doc *fileDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if data, err = fs.sealer.Seal(fs.path, data); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.path), "."+filepath.Base(fs.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting state file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (fs *FileStore) update(fn func(doc *fileDocument) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return fs.write(doc)
}

// Load returns the persisted state for key, or nil.
func (fs *FileStore) Load(_ context.Context, key string) (*ActionState, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.read()
	if err != nil {
		return nil, err
	}
	return doc.Actions[key].Clone(), nil
}

// Save replaces the document for key.
func (fs *FileStore) Save(_ context.Context, key string, state *ActionState) error {
	return fs.update(func(doc *fileDocument) error {
		doc.Actions[key] = state.Clone()
		return nil
	})
}

// Clear persists a terminal document for key.
func (fs *FileStore) Clear(_ context.Context, key string, status Status) error {
	return fs.update(func(doc *fileDocument) error {
		doc.Actions[key] = cleared(doc.Actions[key], status)
		return nil
	})
}

// Delete removes the document for key.
func (fs *FileStore) Delete(_ context.Context, key string) error {
	return fs.update(func(doc *fileDocument) error {
		delete(doc.Actions, key)
		return nil
	})
}

// StartRun appends run to the history, dropping the oldest entries.
func (fs *FileStore) StartRun(_ context.Context, run *Run) error {
	return fs.update(func(doc *fileDocument) error {
		r := *run
		r.Outcome = "running"
		doc.Runs = append(doc.Runs, r)
		if len(doc.Runs) > maxFileRuns {
			doc.Runs = doc.Runs[len(doc.Runs)-maxFileRuns:]
		}
		return nil
	})
}

// FinishRun updates the stored copy of run.
func (fs *FileStore) FinishRun(_ context.Context, run *Run) error {
	return fs.update(func(doc *fileDocument) error {
		for i := range doc.Runs {
			if doc.Runs[i].ID != run.ID {
				continue
			}
			r := *run
			if r.CompletedAt == nil {
				now := time.Now().UTC()
				r.CompletedAt = &now
			}
			doc.Runs[i] = r
			return nil
		}
		return fmt.Errorf("run %s not found", run.ID)
	})
}

// Runs returns the latest runs, newest first.
func (fs *FileStore) Runs(_ context.Context, key string, limit int) ([]Run, error) {
	fs.mu.Lock()
	doc, err := fs.read()
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var runs []Run
	for _, r := range doc.Runs {
		if key == "" || r.TaskKey == key {
			runs = append(runs, r)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Lock takes an exclusive lock file next to the state file. A lock older
// than ttl is considered abandoned by a crashed invocation and replaced.
func (fs *FileStore) Lock(_ context.Context, key string, ttl time.Duration) (func() error, error) {
	lockPath := fs.path + ".lock"
	token := make([]byte, 8)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	owner := key + " pid=" + strconv.Itoa(os.Getpid()) + " token=" + hex.EncodeToString(token)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			_, werr := f.WriteString(owner + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(lockPath)
				return nil, fmt.Errorf("writing lock file: %w", errors.Join(werr, cerr))
			}
			return func() error {
				data, err := os.ReadFile(lockPath)
				if err != nil {
					return err
				}
				if string(data) != owner+"\n" {
					return nil // taken over after expiry
				}
				return os.Remove(lockPath)
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		info, statErr := os.Stat(lockPath)
		if statErr != nil || ttl <= 0 || time.Since(info.ModTime()) < ttl {
			break
		}
		os.Remove(lockPath)
	}
	return nil, ErrLocked
}

// Close is a no-op for file state.
func (fs *FileStore) Close() error {
	return nil
}
