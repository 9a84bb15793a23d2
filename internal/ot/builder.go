package ot

import "fmt"

// Builder assembles a transaction from document offsets.
//
//	tx, err := ot.NewBuilder("1").
//		PushRetain(1).
//		PushReplace(doc, 1, 0, ot.Chars("a")).
//		PushRetain(3).
//		Build(doc)
type Builder struct {
	author  string
	ops     []Operation
	spanned int
	err     error
}

// NewBuilder starts an empty transaction for author.
func NewBuilder(author string) *Builder {
	return &Builder{author: author}
}

// PushRetain skips n positions.
func (b *Builder) PushRetain(n int) *Builder {
	if b.err != nil {
		return b
	}
	if n < 0 {
		b.err = fmt.Errorf("%w: retain of %d", ErrMalformedTransaction, n)
		return b
	}
	b.ops = append(b.ops, Retain{Length: n})
	b.spanned += n
	return b
}

// PushReplace removes removeLength items of doc at offset and inserts
// insert. offset must equal the length spanned so far.
func (b *Builder) PushReplace(doc Document, offset, removeLength int, insert []Item) *Builder {
	if b.err != nil {
		return b
	}
	if offset != b.spanned {
		b.err = fmt.Errorf("%w: replace at %d after spanning %d", ErrMalformedTransaction, offset, b.spanned)
		return b
	}
	if removeLength < 0 || offset+removeLength > doc.Length() {
		b.err = fmt.Errorf("%w: remove [%d, %d) outside document of length %d",
			ErrMalformedTransaction, offset, offset+removeLength, doc.Length())
		return b
	}
	return b.PushReplacement(doc.Slice(offset, offset+removeLength), insert)
}

// PushReplacement appends a replace with explicit removed content.
func (b *Builder) PushReplacement(remove, insert []Item) *Builder {
	if b.err != nil {
		return b
	}
	b.ops = append(b.ops, Replace{Remove: remove, Insert: insert})
	b.spanned += len(remove)
	return b
}

// Build checks the spanned length against doc and returns the transaction.
func (b *Builder) Build(doc Document) (*Transaction, error) {
	return b.BuildLength(doc.Length())
}

// BuildLength is Build against a known document length.
func (b *Builder) BuildLength(baseLength int) (*Transaction, error) {
	if b.err != nil {
		return nil, b.err
	}
	return NewTransaction(baseLength, b.author, b.ops...)
}

// NewInsertion inserts items at offset.
func NewInsertion(doc Document, author string, offset int, items []Item) (*Transaction, error) {
	return NewBuilder(author).
		PushRetain(offset).
		PushReplace(doc, offset, 0, items).
		PushRetain(doc.Length() - offset).
		Build(doc)
}

// NewRemoval removes length items at offset.
func NewRemoval(doc Document, author string, offset, length int) (*Transaction, error) {
	return NewBuilder(author).
		PushRetain(offset).
		PushReplace(doc, offset, length, nil).
		PushRetain(doc.Length() - offset - length).
		Build(doc)
}
