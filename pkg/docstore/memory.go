package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	data        []byte
	contentType string
	rev         int64
	updatedAt   time.Time
}

// MemoryStore keeps documents in-process. Used by tests and single-node
// development; revisions are a per-path counter.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]memoryEntry
	now  func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]memoryEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// ReadJSON decodes the document at path into out.
func (m *MemoryStore) ReadJSON(_ context.Context, path string, out any) (string, bool, error) {
	m.mu.RLock()
	entry, ok := m.docs[path]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if err := json.Unmarshal(entry.data, out); err != nil {
		return "", false, fmt.Errorf("%w: decode %s: %v", ErrBackendFailure, path, err)
	}
	return strconv.FormatInt(entry.rev, 10), true, nil
}

// SaveJSON upserts the document at path, conditional on expectRev.
func (m *MemoryStore) SaveJSON(_ context.Context, path string, value any, expectRev string) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s: %v", ErrBackendFailure, path, err)
	}
	return m.save(path, data, contentTypeJSON, expectRev)
}

// ReadText returns the raw text document at path.
func (m *MemoryStore) ReadText(_ context.Context, path string) (string, string, bool, error) {
	m.mu.RLock()
	entry, ok := m.docs[path]
	m.mu.RUnlock()
	if !ok {
		return "", "", false, nil
	}
	return string(entry.data), strconv.FormatInt(entry.rev, 10), true, nil
}

// SaveText upserts the text document at path, conditional on expectRev.
func (m *MemoryStore) SaveText(_ context.Context, path string, text string, expectRev string) (string, error) {
	return m.save(path, []byte(text), contentTypeText, expectRev)
}

func (m *MemoryStore) save(path string, data []byte, contentType, expectRev string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, exists := m.docs[path]
	switch {
	case expectRev == AnyRev:
	case !exists:
		if expectRev != "" {
			return "", fmt.Errorf("save %s: %w", path, ErrRevisionMismatch)
		}
	default:
		if expectRev != strconv.FormatInt(entry.rev, 10) {
			return "", fmt.Errorf("save %s: %w", path, ErrRevisionMismatch)
		}
	}
	next := memoryEntry{
		data:        data,
		contentType: contentType,
		rev:         entry.rev + 1,
		updatedAt:   m.now(),
	}
	m.docs[path] = next
	return strconv.FormatInt(next.rev, 10), nil
}

// ListFiles enumerates documents whose path starts with prefix.
func (m *MemoryStore) ListFiles(_ context.Context, prefix string) ([]FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]FileInfo, 0, len(m.docs))
	for path, entry := range m.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		res = append(res, FileInfo{
			Path:        path,
			Locator:     path,
			Size:        int64(len(entry.data)),
			UpdatedAt:   entry.updatedAt,
			ContentType: entry.contentType,
		})
	}
	return res, nil
}

// DeleteFile removes the document identified by locator.
func (m *MemoryStore) DeleteFile(_ context.Context, locator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[locator]; !ok {
		return fmt.Errorf("delete %s: %w", locator, ErrNotFound)
	}
	delete(m.docs, locator)
	return nil
}
