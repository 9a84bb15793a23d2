package ot

import (
	"fmt"
	"strings"
)

// Change is an authored bundle of transactions plus metadata: the unit of
// submission and rebase. Start is the length of canonical history the change
// was computed against.
//
// Stores, when present, runs parallel to Transactions.
type Change struct {
	ID           string               `json:"id,omitempty" cbor:"id,omitempty"`
	Author       string               `json:"author,omitempty" cbor:"author,omitempty"`
	Start        int                  `json:"start" cbor:"start"`
	Transactions []*Transaction       `json:"transactions" cbor:"transactions"`
	Stores       []Store              `json:"stores,omitempty" cbor:"stores,omitempty"`
	Selections   map[string]Selection `json:"selections,omitempty" cbor:"selections,omitempty"`
}

// NewChange returns an empty change authored by author at start.
func NewChange(start int, author string) *Change {
	return &Change{Start: start, Author: author, Transactions: []*Transaction{}}
}

// Len is the number of transactions.
func (c *Change) Len() int {
	return len(c.Transactions)
}

// End is the history length after the change.
func (c *Change) End() int {
	return c.Start + len(c.Transactions)
}

// IsEmpty reports whether the change has no transactions.
func (c *Change) IsEmpty() bool {
	return len(c.Transactions) == 0
}

// StoreAt returns the store fragment of transaction i, or an empty one.
func (c *Change) StoreAt(i int) Store {
	if i < len(c.Stores) {
		return c.Stores[i]
	}
	return Store{}
}

func (c *Change) storesRange(from, to int) []Store {
	if len(c.Stores) == 0 {
		return nil
	}
	out := make([]Store, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, c.StoreAt(i).Clone())
	}
	return out
}

// Clone returns a copy sharing the immutable transactions.
func (c *Change) Clone() *Change {
	out := &Change{
		ID:           c.ID,
		Author:       c.Author,
		Start:        c.Start,
		Transactions: append([]*Transaction{}, c.Transactions...),
		Stores:       c.storesRange(0, len(c.Transactions)),
		Selections:   cloneSelections(c.Selections),
	}
	return out
}

// Truncate keeps the first n transactions. Selections are dropped.
func (c *Change) Truncate(n int) *Change {
	if n > len(c.Transactions) {
		n = len(c.Transactions)
	}
	return &Change{
		ID:           c.ID,
		Author:       c.Author,
		Start:        c.Start,
		Transactions: append([]*Transaction{}, c.Transactions[:n]...),
		Stores:       c.storesRange(0, n),
	}
}

// MostRecent returns the transactions from history position start onwards.
// A start past the end yields an empty change at start.
func (c *Change) MostRecent(start int) *Change {
	from := start - c.Start
	if from < 0 {
		from = 0
		start = c.Start
	}
	if from > len(c.Transactions) {
		from = len(c.Transactions)
	}
	return &Change{
		ID:           c.ID,
		Author:       c.Author,
		Start:        start,
		Transactions: append([]*Transaction{}, c.Transactions[from:]...),
		Stores:       c.storesRange(from, len(c.Transactions)),
		Selections:   cloneSelections(c.Selections),
	}
}

// Concat appends other, which must start where c ends. Selections of other
// win.
func (c *Change) Concat(other *Change) (*Change, error) {
	if other.Start != c.End() {
		return nil, fmt.Errorf("%w: concat at %d onto change ending at %d", ErrStartMismatch, other.Start, c.End())
	}
	out := &Change{
		ID:           c.ID,
		Author:       c.Author,
		Start:        c.Start,
		Transactions: append(append([]*Transaction{}, c.Transactions...), other.Transactions...),
		Selections:   cloneSelections(c.Selections),
	}
	if out.Author == "" {
		out.Author = other.Author
	}
	if len(c.Stores) > 0 || len(other.Stores) > 0 {
		out.Stores = make([]Store, 0, c.Len()+other.Len())
		for i := range c.Transactions {
			out.Stores = append(out.Stores, c.StoreAt(i).Clone())
		}
		for i := range other.Transactions {
			out.Stores = append(out.Stores, other.StoreAt(i).Clone())
		}
	}
	for author, sel := range other.Selections {
		if out.Selections == nil {
			out.Selections = map[string]Selection{}
		}
		out.Selections[author] = sel
	}
	return out, nil
}

// Apply applies every transaction to doc in order.
func (c *Change) Apply(doc Document) (Document, error) {
	for i, tx := range c.Transactions {
		next, err := doc.Apply(tx)
		if err != nil {
			return nil, fmt.Errorf("transaction %d of change at %d: %w", i, c.Start, err)
		}
		doc = next
	}
	return doc, nil
}

// Reversed returns the inverse of c, positioned after it.
func (c *Change) Reversed() *Change {
	out := &Change{Author: c.Author, Start: c.End(), Transactions: make([]*Transaction, len(c.Transactions))}
	for i, tx := range c.Transactions {
		out.Transactions[len(c.Transactions)-1-i] = tx.Reversed()
	}
	return out
}

// Summary concatenates the summaries of every transaction.
func (c *Change) Summary() string {
	var b strings.Builder
	for _, tx := range c.Transactions {
		b.WriteString(tx.Summary())
	}
	return b.String()
}

// Concurrent reports whether two changes, committed at history positions
// aPosition and bPosition, were computed without seeing each other.
func Concurrent(a *Change, aPosition int, b *Change, bPosition int) bool {
	return a.Start < bPosition+b.Len() && b.Start < aPosition+a.Len()
}

func cloneSelections(in map[string]Selection) map[string]Selection {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]Selection, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
