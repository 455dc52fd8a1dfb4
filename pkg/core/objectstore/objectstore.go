// Package objectstore uploads finished audio segments and returns the URL the
// message row points at.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned by Memory.Get for unknown keys.
var ErrNotFound = errors.New("objectstore: object not found")

// Store uploads a single object and returns its retrievable URL.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Memory keeps objects in process. URLs use the memory:// scheme.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
	// PutErr, when set, fails every Put. Tests use it to simulate outages.
	PutErr error
}

type Object struct {
	Data        []byte
	ContentType string
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("objectstore: key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return "", m.PutErr
	}
	m.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return "memory://" + key, nil
}

func (m *Memory) Get(key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj, nil
}

// Keys returns the stored keys in no particular order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

var _ Store = (*Memory)(nil)
