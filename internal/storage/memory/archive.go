package memory

import (
	"context"
	"sync"
)

// archivedObject holds one stored payload together with its content type.
type archivedObject struct {
	ContentType string
	Data        []byte
}

// Archive implements notes.ArchiveStore with an in-process map keyed by path.
type Archive struct {
	mu      sync.RWMutex
	objects map[string]archivedObject
}

// NewArchive constructs an empty Archive.
func NewArchive() *Archive {
	return &Archive{
		objects: make(map[string]archivedObject),
	}
}

// Put stores a payload under path and returns a memory:// URI for it.
func (a *Archive) Put(_ context.Context, path, contentType string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[path] = archivedObject{
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
	}
	return "memory://" + path, nil
}

// Get returns the payload stored under path, if any.
func (a *Archive) Get(path string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.Data...), true
}

// Len reports the number of archived payloads.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}
