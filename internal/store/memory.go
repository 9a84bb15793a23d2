package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ilnaes/gopad-rebase/internal/ot"
)

// MemoryStore keeps encoded history in process memory.
type MemoryStore struct {
	docs map[string][][]byte

	mu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][][]byte)}
}

func (m *MemoryStore) Append(_ context.Context, docID string, index int, change *ot.Change) error {
	body, err := ot.EncodeBinary(change)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.docs[docID]); index != n {
		return fmt.Errorf("%w: append at %d, have %d", ErrIndexConflict, index, n)
	}
	m.docs[docID] = append(m.docs[docID], body)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, docID string) ([]*ot.Change, error) {
	m.mu.Lock()
	bodies := append([][]byte(nil), m.docs[docID]...)
	m.mu.Unlock()

	return decodeAll(bodies)
}

func (m *MemoryStore) Close(context.Context) error {
	return nil
}
