package ot

import (
	"fmt"
	"strings"
)

// Transaction is an immutable, ordered list of operations spanning a whole
// base document.
type Transaction struct {
	ops    []Operation
	author string
}

// NewTransaction builds a transaction from explicit operations. The
// operations must span exactly baseLength positions.
func NewTransaction(baseLength int, author string, ops ...Operation) (*Transaction, error) {
	t, err := newTransaction(author, ops)
	if err != nil {
		return nil, err
	}
	if got := t.BaseLength(); got != baseLength {
		return nil, fmt.Errorf("%w: operations span %d, document length %d", ErrMalformedTransaction, got, baseLength)
	}
	return t, nil
}

func newTransaction(author string, ops []Operation) (*Transaction, error) {
	normalized, err := normalize(ops)
	if err != nil {
		return nil, fmt.Errorf("%w: negative or nil operation", err)
	}
	return &Transaction{ops: normalized, author: author}, nil
}

// Operations returns a copy of the operation list.
func (t *Transaction) Operations() []Operation {
	return append([]Operation(nil), t.ops...)
}

// Author returns the id of the author who made the edit.
func (t *Transaction) Author() string {
	return t.author
}

// WithAuthor returns a copy of t attributed to author.
func (t *Transaction) WithAuthor(author string) *Transaction {
	if t.author == author {
		return t
	}
	return &Transaction{ops: t.ops, author: author}
}

// BaseLength is the length of the document the transaction applies to.
func (t *Transaction) BaseLength() int {
	n := 0
	for _, op := range t.ops {
		switch o := op.(type) {
		case Retain:
			n += o.Length
		case Replace:
			n += len(o.Remove)
		}
	}
	return n
}

// TargetLength is the length of the document the transaction produces.
func (t *Transaction) TargetLength() int {
	return t.BaseLength() + t.LengthDiff()
}

// LengthDiff is the net number of items inserted.
func (t *Transaction) LengthDiff() int {
	diff := 0
	for _, op := range t.ops {
		if o, ok := op.(Replace); ok {
			diff += len(o.Insert) - len(o.Remove)
		}
	}
	return diff
}

// IsNoop reports whether the transaction only retains.
func (t *Transaction) IsNoop() bool {
	_, ok := t.ActiveRange()
	return !ok
}

// ModifiedRanges returns the base-document range of every replace.
// Insertions yield empty ranges.
func (t *Transaction) ModifiedRanges() []Range {
	var ranges []Range
	offset := 0
	for _, op := range t.ops {
		switch o := op.(type) {
		case Retain:
			offset += o.Length
		case Replace:
			ranges = append(ranges, Range{Start: offset, End: offset + len(o.Remove)})
			offset += len(o.Remove)
		}
	}
	return ranges
}

// ActiveRange spans from the start of the first replace to the end of the
// last one, in base-document offsets. ok is false for a no-op.
func (t *Transaction) ActiveRange() (r Range, ok bool) {
	ranges := t.ModifiedRanges()
	if len(ranges) == 0 {
		return Range{}, false
	}
	return Range{Start: ranges[0].Start, End: ranges[len(ranges)-1].End}, true
}

// TranslateOffset maps an offset in the base document to the target
// document. An insertion exactly at offset pushes it forward unless
// excludeInsertion is set. Offsets inside removed content collapse to the
// replacement.
func (t *Transaction) TranslateOffset(offset int, excludeInsertion bool) int {
	cur, adj := 0, 0
	for _, op := range t.ops {
		switch o := op.(type) {
		case Retain:
			if offset < cur+o.Length {
				return offset + adj
			}
			cur += o.Length
		case Replace:
			remove, insert := len(o.Remove), len(o.Insert)
			if offset < cur+remove || (offset == cur && excludeInsertion) {
				if excludeInsertion {
					return cur + adj
				}
				return cur + adj + insert
			}
			cur += remove
			adj += insert - remove
		}
	}
	return offset + adj
}

// Reversed returns the transaction that undoes t.
func (t *Transaction) Reversed() *Transaction {
	ops := make([]Operation, len(t.ops))
	for i, op := range t.ops {
		switch o := op.(type) {
		case Retain:
			ops[i] = o
		case Replace:
			ops[i] = Replace{Remove: o.Insert, Insert: o.Remove}
		}
	}
	return &Transaction{ops: ops, author: t.author}
}

// Apply applies t to doc.
func (t *Transaction) Apply(doc Document) (Document, error) {
	return doc.Apply(t)
}

// Summary renders inserted text and "-(removed)" spans.
func (t *Transaction) Summary() string {
	var b strings.Builder
	for _, op := range t.ops {
		if o, ok := op.(Replace); ok {
			if len(o.Remove) > 0 {
				b.WriteString("-(")
				b.WriteString(itemsText(o.Remove))
				b.WriteString(")")
			}
			b.WriteString(itemsText(o.Insert))
		}
	}
	return b.String()
}

// Equal compares operations and author.
func (t *Transaction) Equal(other *Transaction) bool {
	if t.author != other.author || len(t.ops) != len(other.ops) {
		return false
	}
	for i := range t.ops {
		switch a := t.ops[i].(type) {
		case Retain:
			b, ok := other.ops[i].(Retain)
			if !ok || a != b {
				return false
			}
		case Replace:
			b, ok := other.ops[i].(Replace)
			if !ok || !itemsEqual(a.Remove, b.Remove) || !itemsEqual(a.Insert, b.Insert) {
				return false
			}
		}
	}
	return true
}

func (t *Transaction) String() string {
	parts := make([]string, len(t.ops))
	for i, op := range t.ops {
		switch o := op.(type) {
		case Retain:
			parts[i] = fmt.Sprintf("retain(%d)", o.Length)
		case Replace:
			parts[i] = fmt.Sprintf("replace(%q, %q)", itemsText(o.Remove), itemsText(o.Insert))
		}
	}
	return t.author + ":[" + strings.Join(parts, " ") + "]"
}

// adjustRetain grows or shrinks the leading (or trailing) retain by n,
// inserting one when absent.
func (t *Transaction) adjustRetain(atEnd bool, n int) *Transaction {
	if n == 0 {
		return t
	}
	ops := append([]Operation(nil), t.ops...)
	idx := 0
	if atEnd {
		idx = len(ops) - 1
	}
	if len(ops) > 0 {
		if r, ok := ops[idx].(Retain); ok {
			if r.Length+n < 0 {
				panic(fmt.Sprintf("ot: retain of %d adjusted by %d in %v", r.Length, n, t))
			}
			ops[idx] = Retain{Length: r.Length + n}
			normalized, _ := normalize(ops)
			return &Transaction{ops: normalized, author: t.author}
		}
	}
	if n < 0 {
		panic(fmt.Sprintf("ot: no retain to shrink by %d in %v", n, t))
	}
	if atEnd {
		ops = append(ops, Retain{Length: n})
	} else {
		ops = append([]Operation{Retain{Length: n}}, ops...)
	}
	return &Transaction{ops: ops, author: t.author}
}
