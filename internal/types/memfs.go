package types

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemFilesystem is an in-memory Filesystem used by tests. It mirrors the
// semantics the applicator and state store rely on (exclusive create,
// implicit parent directories, sorted ReadDir) without touching disk.
type MemFilesystem struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]bool

	// FailWrites, when set to a path, makes the next WriteFile to that
	// exact path fail. Used to exercise partial-apply handling.
	failWrites map[string]bool
	// failAlways paths fail every write until disarmed. Used to
	// exercise retry exhaustion.
	failAlways map[string]bool
}

// NewMemFilesystem returns an empty in-memory filesystem.
func NewMemFilesystem() *MemFilesystem {
	return &MemFilesystem{
		files:      make(map[string][]byte),
		dirs:       map[string]bool{"/": true, ".": true},
		failWrites: make(map[string]bool),
		failAlways: make(map[string]bool),
	}
}

func normalize(p string) string {
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// FailWritesTo arms a one-shot write failure for the given path.
func (fs *MemFilesystem) FailWritesTo(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failWrites[normalize(p)] = true
}

// KeepFailingWritesTo makes every write to the given path fail until
// AllowWritesTo is called.
func (fs *MemFilesystem) KeepFailingWritesTo(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failAlways[normalize(p)] = true
}

// AllowWritesTo disarms a persistent write failure.
func (fs *MemFilesystem) AllowWritesTo(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.failAlways, normalize(p))
}

func (fs *MemFilesystem) ReadFile(p string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	data, ok := fs.files[normalize(p)]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: p, Err: os.ErrNotExist}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (fs *MemFilesystem) WriteFile(p string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	np := normalize(p)
	if fs.failAlways[np] {
		return fmt.Errorf("write %s: injected failure", p)
	}
	if fs.failWrites[np] {
		delete(fs.failWrites, np)
		return fmt.Errorf("write %s: injected failure", p)
	}
	fs.addParentsLocked(np)
	cp := make([]byte, len(data))
	copy(cp, data)
	fs.files[np] = cp
	return nil
}

func (fs *MemFilesystem) AppendFile(p string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	np := normalize(p)
	if fs.failAlways[np] {
		return fmt.Errorf("append %s: injected failure", p)
	}
	if fs.failWrites[np] {
		delete(fs.failWrites, np)
		return fmt.Errorf("append %s: injected failure", p)
	}
	fs.addParentsLocked(np)
	fs.files[np] = append(fs.files[np], data...)
	return nil
}

func (fs *MemFilesystem) CreateExclusive(p string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	np := normalize(p)
	if _, ok := fs.files[np]; ok {
		return &os.PathError{Op: "open", Path: p, Err: os.ErrExist}
	}
	fs.addParentsLocked(np)
	cp := make([]byte, len(data))
	copy(cp, data)
	fs.files[np] = cp
	return nil
}

func (fs *MemFilesystem) MkdirAll(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	np := normalize(p)
	fs.addParentsLocked(np + "/x")
	fs.dirs[np] = true
	return nil
}

func (fs *MemFilesystem) Remove(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	np := normalize(p)
	if _, ok := fs.files[np]; !ok && !fs.dirs[np] {
		return &os.PathError{Op: "remove", Path: p, Err: os.ErrNotExist}
	}
	delete(fs.files, np)
	delete(fs.dirs, np)
	return nil
}

func (fs *MemFilesystem) RemoveAll(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	np := normalize(p)
	prefix := np + "/"
	for f := range fs.files {
		if f == np || strings.HasPrefix(f, prefix) {
			delete(fs.files, f)
		}
	}
	for d := range fs.dirs {
		if d == np || strings.HasPrefix(d, prefix) {
			delete(fs.dirs, d)
		}
	}
	return nil
}

func (fs *MemFilesystem) Rename(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	op, np := normalize(oldPath), normalize(newPath)
	data, ok := fs.files[op]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldPath, Err: os.ErrNotExist}
	}
	fs.addParentsLocked(np)
	fs.files[np] = data
	delete(fs.files, op)
	return nil
}

func (fs *MemFilesystem) Exists(p string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	np := normalize(p)
	if _, ok := fs.files[np]; ok {
		return true
	}
	return fs.dirs[np]
}

func (fs *MemFilesystem) ReadDir(p string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	np := normalize(p)
	if !fs.dirs[np] {
		return nil, &os.PathError{Op: "open", Path: p, Err: os.ErrNotExist}
	}
	seen := make(map[string]bool)
	prefix := np + "/"
	if np == "/" {
		prefix = "/"
	}
	for f := range fs.files {
		if rest, ok := strings.CutPrefix(f, prefix); ok && rest != "" {
			seen[strings.SplitN(rest, "/", 2)[0]] = true
		}
	}
	for d := range fs.dirs {
		if rest, ok := strings.CutPrefix(d, prefix); ok && rest != "" {
			seen[strings.SplitN(rest, "/", 2)[0]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (fs *MemFilesystem) IsDir(p string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.dirs[normalize(p)]
}

// addParentsLocked registers every ancestor of a file path as a directory.
func (fs *MemFilesystem) addParentsLocked(file string) {
	dir := path.Dir(file)
	for dir != "/" && dir != "." && !fs.dirs[dir] {
		fs.dirs[dir] = true
		dir = path.Dir(dir)
	}
}
