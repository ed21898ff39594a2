package objstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-process Store used by tests, the same role the
// franz-go ecosystem gives its kfake fake cluster: a faithful-enough double
// for the real dependency that lets higher-level logic (here, the table
// writer's commit protocol) be tested without a live bucket.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, ObjectInfo{Path: p, Size: int64(len(b)), LastModified: time.Now()})
		}
	}
	SortObjectsByPath(out)
	return out, nil
}

func (m *MemStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *MemStore) Put(_ context.Context, path string, body io.Reader, _ int64) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *MemStore) PutIfAbsent(_ context.Context, path string, body []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.objects[path]; ok {
		if bytes.Equal(existing, body) {
			return false, nil
		}
		return false, ErrAlreadyExists
	}
	m.objects[path] = append([]byte(nil), body...)
	return true, nil
}
