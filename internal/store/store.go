// Package store persists canonical document history.
package store

import (
	"context"
	"errors"

	"github.com/ilnaes/gopad-rebase/internal/ot"
)

// ErrIndexConflict is returned by Append when index is not the next entry of
// the document's history, usually because another writer got there first.
var ErrIndexConflict = errors.New("history index conflict")

// HistoryStore is an append-only log of committed changes per document.
type HistoryStore interface {
	// Append writes change as entry index of docID's history. index must
	// equal the number of entries already stored.
	Append(ctx context.Context, docID string, index int, change *ot.Change) error
	// Load returns every entry of docID's history in order. An unknown
	// document has an empty history.
	Load(ctx context.Context, docID string) ([]*ot.Change, error)
	Close(ctx context.Context) error
}

func decodeAll(bodies [][]byte) ([]*ot.Change, error) {
	out := make([]*ot.Change, 0, len(bodies))
	for _, body := range bodies {
		c, err := ot.DecodeBinary(body)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
