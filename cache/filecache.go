package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileStorage keeps each generation in its own subdirectory, one JSON file
// per entry.
type FileStorage struct {
	dir string
	mu  sync.Mutex
	// last creation stamp handed out, keeps stamps strictly increasing
	last int64
}

// createdFile holds a generation's creation stamp in unix nanoseconds.
// Entry writes touch the directory, so its mtime cannot order generations.
const createdFile = ".created"

// NewFileStorage creates a file-based storage rooted at dir.
// If dir is empty, uses ~/.evagent_cache
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(usr.HomeDir, ".evagent_cache")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &FileStorage{dir: dir}, nil
}

// Dir returns the root directory
func (fs *FileStorage) Dir() string { return fs.dir }

// Open implements Storage
func (fs *FileStorage) Open(_ context.Context, name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(fs.dir, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := fs.stampCreated(dir); err != nil {
		return nil, fmt.Errorf("stamp %s: %w", name, err)
	}
	return &fileStore{name: name, dir: dir}, nil
}

// stampCreated records the creation time of dir unless it already has one.
// Callers hold fs.mu.
func (fs *FileStorage) stampCreated(dir string) error {
	f, err := os.OpenFile(filepath.Join(dir, createdFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	stamp := time.Now().UnixNano()
	if stamp <= fs.last {
		stamp = fs.last + 1
	}
	fs.last = stamp
	_, err = f.WriteString(strconv.FormatInt(stamp, 10))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// createdAt reads the creation stamp of dir. Directories without one fall
// back to their modification time.
func createdAt(dir string, info os.FileInfo) int64 {
	data, err := os.ReadFile(filepath.Join(dir, createdFile))
	if err == nil {
		if stamp, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return stamp
		}
	}
	return info.ModTime().UnixNano()
}

// Lookup implements Storage
func (fs *FileStorage) Lookup(_ context.Context, name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, ErrNotFound
	}
	dir := filepath.Join(fs.dir, name)
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotFound
	}
	return &fileStore{name: name, dir: dir}, nil
}

// Delete implements Storage
func (fs *FileStorage) Delete(_ context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(fs.dir, name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

// Names implements Storage. Generations are ordered by creation stamp,
// oldest first.
func (fs *FileStorage) Names(_ context.Context) ([]string, error) {
	items, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}

	type gen struct {
		name    string
		created int64
	}
	var gens []gen
	for _, it := range items {
		if !it.IsDir() || ValidateName(it.Name()) != nil {
			continue
		}
		info, err := it.Info()
		if err != nil {
			// removed concurrently
			continue
		}
		gens = append(gens, gen{name: it.Name(), created: createdAt(filepath.Join(fs.dir, it.Name()), info)})
	}
	sort.SliceStable(gens, func(i, j int) bool {
		if gens[i].created == gens[j].created {
			return gens[i].name < gens[j].name
		}
		return gens[i].created < gens[j].created
	})

	names := make([]string, len(gens))
	for i, g := range gens {
		names[i] = g.name
	}
	return names, nil
}

type fileStore struct {
	name string
	dir  string
}

func (s *fileStore) Name() string { return s.name }

// path generates the full filesystem path for a cache key
func (s *fileStore) path(key string) string {
	return filepath.Join(s.dir, fileNameForKey(key))
}

func (s *fileStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return &entry, true, nil
}

func (s *fileStore) Put(_ context.Context, key string, entry *Entry) error {
	path := s.path(key)
	stored := *entry
	stored.Key = key

	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return err
	}

	// Write to temporary file first, then rename (atomic operation)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *fileStore) Keys(_ context.Context) ([]string, error) {
	items, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, it := range items {
		if it.IsDir() || !strings.HasSuffix(it.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, it.Name()))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	sort.Strings(keys)
	return keys, nil
}
