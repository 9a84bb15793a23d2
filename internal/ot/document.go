package ot

import "fmt"

// Document is the linear document model transactions operate on.
// Implementations must be immutable: Apply returns a new document.
type Document interface {
	Length() int
	Slice(from, to int) []Item
	Apply(t *Transaction) (Document, error)
}

// LinearDocument is a Document backed by a slice of items.
type LinearDocument struct {
	items []Item
}

// NewLinearDocument copies items into a new document.
func NewLinearDocument(items []Item) *LinearDocument {
	return &LinearDocument{items: cloneItems(items)}
}

// Length returns the number of items.
func (d *LinearDocument) Length() int {
	return len(d.items)
}

// Items returns a copy of the document's items.
func (d *LinearDocument) Items() []Item {
	return append([]Item(nil), d.items...)
}

// Slice returns a copy of items [from, to).
func (d *LinearDocument) Slice(from, to int) []Item {
	if from < 0 || to > len(d.items) || from > to {
		return nil
	}
	return append([]Item(nil), d.items[from:to]...)
}

// Text concatenates the characters of the document, skipping elements.
func (d *LinearDocument) Text() string {
	return itemsText(d.items)
}

// Equal compares the items of two documents.
func (d *LinearDocument) Equal(other *LinearDocument) bool {
	return itemsEqual(d.items, other.items)
}

// Apply returns the document produced by t.
func (d *LinearDocument) Apply(t *Transaction) (Document, error) {
	if base := t.BaseLength(); base != len(d.items) {
		return nil, fmt.Errorf("%w: transaction spans %d, document length %d", ErrLengthMismatch, base, len(d.items))
	}
	out := make([]Item, 0, len(d.items)+t.LengthDiff())
	i := 0
	for _, op := range t.ops {
		switch o := op.(type) {
		case Retain:
			out = append(out, d.items[i:i+o.Length]...)
			i += o.Length
		case Replace:
			i += len(o.Remove)
			out = append(out, o.Insert...)
		}
	}
	return &LinearDocument{items: out}, nil
}

// NewBlankDocument returns an empty paragraph followed by an empty internal
// list, the document every new editing session starts from.
func NewBlankDocument() *LinearDocument {
	return NewLinearDocument([]Item{
		Open("paragraph"), Close("paragraph"),
		Open("internalList"), Close("internalList"),
	})
}
