package ot

import "fmt"

// RebaseTransactions transforms two transactions made against the same
// document. a2 is a applied after b, b2 is b applied after a. When the
// active ranges are disjoint (touching counts as disjoint) the earlier one
// keeps its position; coincident insertions put a first. Overlapping ranges
// conflict and ok is false.
func RebaseTransactions(a, b *Transaction) (a2, b2 *Transaction, ok bool) {
	rangeA, activeA := a.ActiveRange()
	rangeB, activeB := b.ActiveRange()
	diffA, diffB := a.LengthDiff(), b.LengthDiff()

	if !activeA || !activeB {
		return a.adjustRetain(false, diffB), b.adjustRetain(false, diffA), true
	}
	switch {
	case rangeA.End <= rangeB.Start:
		return a.adjustRetain(true, diffB), b.adjustRetain(false, diffA), true
	case rangeB.End <= rangeA.Start:
		return a.adjustRetain(false, diffB), b.adjustRetain(true, diffA), true
	}
	return nil, nil, false
}

// RebaseResult is the outcome of RebaseUncommitted.
type RebaseResult struct {
	// Rebased is the accepted prefix of the uncommitted change, moved to
	// apply after history.
	Rebased *Change
	// TransposedHistory is history moved to apply after Rebased's original
	// (unrebased) transactions.
	TransposedHistory *Change
	// Rejected is the conflicting suffix of the uncommitted change in its
	// original coordinates, or nil.
	Rejected *Change
}

// RebaseUncommitted rebases uncommitted over history. Both must share a
// start. Uncommitted transactions are processed in order; the first one
// that conflicts with any history transaction is rejected along with every
// transaction after it, since those were computed on top of it.
func RebaseUncommitted(history, uncommitted *Change) (RebaseResult, error) {
	if history.Start != uncommitted.Start {
		return RebaseResult{}, fmt.Errorf("%w: history at %d, uncommitted at %d", ErrStartMismatch, history.Start, uncommitted.Start)
	}

	transactionsA := append([]*Transaction{}, history.Transactions...)
	transactionsB := make([]*Transaction, 0, uncommitted.Len())
	selectionsB := uncommitted.Selections
	var rejected *Change

outer:
	for i, b := range uncommitted.Transactions {
		rebasedA := make([]*Transaction, len(transactionsA))
		for j, a := range transactionsA {
			var a2, b2 *Transaction
			var ok bool
			// Coincident insertions: the lower author goes first,
			// otherwise history does.
			if b.Author() < a.Author() {
				b2, a2, ok = RebaseTransactions(b, a)
			} else {
				a2, b2, ok = RebaseTransactions(a, b)
			}
			if !ok {
				rejected = uncommitted.MostRecent(uncommitted.Start + i)
				selectionsB = nil
				break outer
			}
			rebasedA[j] = a2
			b = b2
		}
		transactionsA = rebasedA
		transactionsB = append(transactionsB, b)
	}

	rebased := &Change{
		ID:           uncommitted.ID,
		Author:       uncommitted.Author,
		Start:        uncommitted.Start + len(transactionsA),
		Transactions: transactionsB,
		Stores:       uncommitted.storesRange(0, len(transactionsB)),
	}
	transposed := &Change{
		ID:           history.ID,
		Author:       history.Author,
		Start:        history.Start + len(transactionsB),
		Transactions: transactionsA,
		Stores:       history.storesRange(0, len(transactionsA)),
	}
	for author, sel := range selectionsB {
		if rebased.Selections == nil {
			rebased.Selections = map[string]Selection{}
		}
		rebased.Selections[author] = sel.TranslateByChange(transposed, author)
	}
	for author, sel := range history.Selections {
		if transposed.Selections == nil {
			transposed.Selections = map[string]Selection{}
		}
		transposed.Selections[author] = sel.TranslateByChange(rebased, author)
	}
	return RebaseResult{Rebased: rebased, TransposedHistory: transposed, Rejected: rejected}, nil
}

// Rebase moves c, computed against history position c.Start, to apply
// after the committed entries in history, which must start at c.Start and
// be contiguous. The result is c unchanged when history is empty, a prefix
// of c when a transaction conflicts, and empty when history already
// contains c.
func Rebase(c *Change, history []*Change) (*Change, error) {
	end := c.Start
	duplicate := false
	for _, h := range history {
		end += h.Len()
		if c.ID != "" && h.ID == c.ID {
			duplicate = true
		}
	}
	if duplicate {
		empty := c.Truncate(0)
		empty.Start = end
		return empty, nil
	}
	if end == c.Start {
		out := c.Clone()
		return out, nil
	}

	base := NewChange(c.Start, "")
	for _, h := range history {
		next, err := base.Concat(h)
		if err != nil {
			return nil, err
		}
		base = next
	}
	result, err := RebaseUncommitted(base, c)
	if err != nil {
		return nil, err
	}
	return result.Rebased, nil
}
