package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// paragraph returns [p, chars..., /p].
func paragraph(text string) *LinearDocument {
	items := []Item{Open("paragraph")}
	items = append(items, Chars(text)...)
	items = append(items, Close("paragraph"))
	return NewLinearDocument(items)
}

func mustInsert(t *testing.T, doc Document, author string, offset int, text string) *Transaction {
	t.Helper()
	tx, err := NewInsertion(doc, author, offset, Chars(text))
	require.NoError(t, err)
	return tx
}

func mustRemove(t *testing.T, doc Document, author string, offset, length int) *Transaction {
	t.Helper()
	tx, err := NewRemoval(doc, author, offset, length)
	require.NoError(t, err)
	return tx
}

func mustApply(t *testing.T, doc Document, txs ...*Transaction) *LinearDocument {
	t.Helper()
	for _, tx := range txs {
		next, err := doc.Apply(tx)
		require.NoError(t, err, "applying %v", tx)
		doc = next
	}
	return doc.(*LinearDocument)
}

func TestNewTransactionLength(t *testing.T) {
	_, err := NewTransaction(5, "1", Retain{Length: 2}, Replace{Remove: Chars("ab")})
	require.ErrorIs(t, err, ErrMalformedTransaction)

	_, err = NewTransaction(2, "1", Retain{Length: -1}, Retain{Length: 3})
	require.ErrorIs(t, err, ErrMalformedTransaction)

	tx, err := NewTransaction(4, "1", Retain{Length: 2}, Retain{Length: 0}, Replace{Remove: Chars("ab")}, Replace{})
	require.NoError(t, err)
	assert.Equal(t, []Operation{Retain{Length: 2}, Replace{Remove: Chars("ab")}}, tx.Operations())
	assert.Equal(t, 4, tx.BaseLength())
	assert.Equal(t, 2, tx.TargetLength())
}

func TestBuilder(t *testing.T) {
	doc := paragraph("")
	tx, err := NewBuilder("1").
		PushRetain(1).
		PushReplace(doc, 1, 0, Chars("a")).
		PushRetain(1).
		Build(doc)
	require.NoError(t, err)
	assert.Equal(t, "a", mustApply(t, doc, tx).Text())

	// Spans 3, document has 2.
	_, err = NewBuilder("1").PushRetain(1).PushReplace(doc, 1, 0, Chars("a")).PushRetain(2).Build(doc)
	require.ErrorIs(t, err, ErrMalformedTransaction)

	// Replace offset does not match what was retained.
	_, err = NewBuilder("1").PushRetain(1).PushReplace(doc, 2, 0, Chars("a")).Build(doc)
	require.ErrorIs(t, err, ErrMalformedTransaction)

	_, err = NewInsertion(doc, "1", 3, Chars("a"))
	require.ErrorIs(t, err, ErrMalformedTransaction)
	_, err = NewRemoval(doc, "1", 1, 5)
	require.ErrorIs(t, err, ErrMalformedTransaction)
}

func TestApply(t *testing.T) {
	doc := paragraph("")
	doc = mustApply(t, doc,
		mustInsert(t, doc, "1", 1, "abc"),
	)
	assert.Equal(t, "abc", doc.Text())
	assert.Equal(t, 5, doc.Length())

	removal := mustRemove(t, doc, "1", 2, 1)
	doc = mustApply(t, doc, removal)
	assert.Equal(t, "ac", doc.Text())

	_, err := doc.Apply(removal)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestReversed(t *testing.T) {
	doc := paragraph("abcdef")
	tx, err := NewBuilder("1").
		PushRetain(2).
		PushReplace(doc, 2, 2, Chars("XYZ")).
		PushRetain(4).
		Build(doc)
	require.NoError(t, err)

	after := mustApply(t, doc, tx)
	assert.Equal(t, "aXYZdef", after.Text())
	back := mustApply(t, after, tx.Reversed())
	assert.True(t, back.Equal(doc))
}

func TestModifiedRanges(t *testing.T) {
	doc := paragraph("abcdef")
	tx, err := NewBuilder("1").
		PushRetain(1).
		PushReplace(doc, 1, 2, nil).
		PushRetain(3).
		PushReplace(doc, 6, 0, Chars("q")).
		PushRetain(2).
		Build(doc)
	require.NoError(t, err)

	assert.Equal(t, []Range{{Start: 1, End: 3}, {Start: 6, End: 6}}, tx.ModifiedRanges())
	active, ok := tx.ActiveRange()
	require.True(t, ok)
	assert.Equal(t, Range{Start: 1, End: 6}, active)

	noop, err := NewTransaction(8, "1", Retain{Length: 8})
	require.NoError(t, err)
	assert.True(t, noop.IsNoop())
}

func TestTranslateOffset(t *testing.T) {
	doc := paragraph("abcd")
	insertion := mustInsert(t, doc, "1", 2, "xy")
	assert.Equal(t, 1, insertion.TranslateOffset(1, false))
	assert.Equal(t, 4, insertion.TranslateOffset(2, false))
	assert.Equal(t, 2, insertion.TranslateOffset(2, true))
	assert.Equal(t, 5, insertion.TranslateOffset(3, false))
	assert.Equal(t, 8, insertion.TranslateOffset(6, false))

	removal := mustRemove(t, doc, "1", 2, 2)
	assert.Equal(t, 2, removal.TranslateOffset(2, false))
	assert.Equal(t, 2, removal.TranslateOffset(3, false))
	assert.Equal(t, 2, removal.TranslateOffset(4, false))
	assert.Equal(t, 3, removal.TranslateOffset(5, false))
}

func TestSelectionTranslate(t *testing.T) {
	doc := paragraph("abcd")
	tx := mustInsert(t, doc, "1", 3, "zz")

	own := LinearSelection(3, 3).Translate(tx, "1")
	assert.Equal(t, LinearSelection(5, 5), own)

	foreign := LinearSelection(3, 3).Translate(tx, "2")
	assert.Equal(t, LinearSelection(3, 3), foreign)

	null := Selection{Type: SelectionNull}
	assert.Equal(t, null, null.Translate(tx, "2"))
}

func TestChangeSlicing(t *testing.T) {
	doc := paragraph("")
	a := mustInsert(t, doc, "1", 1, "a")
	b := mustInsert(t, mustApply(t, doc, a), "1", 2, "b")
	c := &Change{
		Author:       "1",
		Start:        3,
		Transactions: []*Transaction{a, b},
		Stores:       []Store{{Hashes: []string{"h1"}}, {}},
		Selections:   map[string]Selection{"1": LinearSelection(3, 3)},
	}

	assert.Equal(t, 5, c.End())
	first := c.Truncate(1)
	assert.Equal(t, 1, first.Len())
	assert.Equal(t, []string{"h1"}, first.Stores[0].Hashes)
	assert.Nil(t, first.Selections)

	rest := c.MostRecent(4)
	assert.Equal(t, 4, rest.Start)
	assert.Equal(t, "b", rest.Summary())

	past := c.MostRecent(9)
	assert.True(t, past.IsEmpty())
	assert.Equal(t, 9, past.Start)

	joined, err := first.Concat(rest)
	require.NoError(t, err)
	assert.Equal(t, "ab", joined.Summary())
	assert.Len(t, joined.Stores, 2)

	_, err = rest.Concat(first)
	require.ErrorIs(t, err, ErrStartMismatch)

	applied, err := c.Apply(doc)
	require.NoError(t, err)
	assert.Equal(t, "ab", applied.(*LinearDocument).Text())

	reverted, err := c.Reversed().Apply(applied)
	require.NoError(t, err)
	assert.True(t, reverted.(*LinearDocument).Equal(doc))
}

func TestConcurrent(t *testing.T) {
	doc := paragraph("")
	one := &Change{Start: 0, Transactions: []*Transaction{mustInsert(t, doc, "1", 1, "a")}}
	two := &Change{Start: 0, Transactions: []*Transaction{mustInsert(t, doc, "2", 1, "b")}}
	assert.True(t, Concurrent(one, 0, two, 1))

	seen := &Change{Start: 1, Transactions: two.Transactions}
	assert.False(t, Concurrent(one, 0, seen, 1))
}

func TestHistorySummary(t *testing.T) {
	doc := paragraph("cA")
	confirmed := &Change{Transactions: []*Transaction{mustInsert(t, doc, "1", 1, "ab")}}
	sent := &Change{Transactions: []*Transaction{mustRemove(t, doc, "1", 1, 2)}}
	unsent := &Change{Transactions: []*Transaction{mustInsert(t, doc, "1", 1, "z")}}

	assert.Equal(t, "ab/-(cA)?/z!", HistorySummary(confirmed, sent, unsent))
	assert.Equal(t, "-(cA)?", HistorySummary(nil, sent, NewChange(0, "1")))
	assert.Equal(t, "", HistorySummary(nil, nil, nil))
}
