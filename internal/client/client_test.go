package client

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/ilnaes/gopad-rebase/internal/common"
	"github.com/ilnaes/gopad-rebase/internal/ot"
	"github.com/ilnaes/gopad-rebase/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// edit builds a transaction against doc.
type edit func(doc ot.Document, author string) (*ot.Transaction, error)

func insert(offset int, text string) edit {
	return func(doc ot.Document, author string) (*ot.Transaction, error) {
		return ot.NewInsertion(doc, author, offset, ot.Chars(text))
	}
}

func remove(offset, length int) edit {
	return func(doc ot.Document, author string) (*ot.Transaction, error) {
		return ot.NewRemoval(doc, author, offset, length)
	}
}

// harness runs clients against one in-process session.
type harness struct {
	t       *testing.T
	session *server.Session
	clients map[string]*Client
}

func newHarness(t *testing.T, initial *ot.LinearDocument, authors ...string) *harness {
	h := &harness{
		t:       t,
		session: server.NewSession("doc", initial),
		clients: make(map[string]*Client),
	}
	for _, author := range authors {
		h.clients[author] = NewClient(author, initial, NewLocalUpstream(h.session))
	}
	return h
}

// apply builds edits one after another against the client's document and
// applies them as one change.
func (h *harness) apply(author string, edits ...edit) {
	h.t.Helper()
	c := h.clients[author]
	doc := c.Doc()
	txs := make([]*ot.Transaction, 0, len(edits))
	for _, e := range edits {
		tx, err := e(doc, author)
		require.NoError(h.t, err)
		doc, err = doc.Apply(tx)
		require.NoError(h.t, err)
		txs = append(txs, tx)
	}
	require.NoError(h.t, c.Apply(txs...))
}

func (h *harness) submit(author string) {
	h.t.Helper()
	require.NoError(h.t, h.clients[author].Submit())
}

func (h *harness) deliver(author string) {
	h.t.Helper()
	ok, err := h.clients[author].DeliverOne(context.Background())
	require.NoError(h.t, err)
	require.True(h.t, ok, "nothing to deliver")
}

func (h *harness) receive(author string) {
	h.t.Helper()
	ok, err := h.clients[author].ReceiveOne(context.Background())
	require.NoError(h.t, err)
	require.True(h.t, ok, "nothing to receive")
}

func (h *harness) hist(who, want string) {
	h.t.Helper()
	if who == "server" {
		assert.Equal(h.t, want, h.session.Summary(), "server")
		return
	}
	assert.Equal(h.t, want, h.clients[who].HistorySummary(), "client %s", who)
}

// settle submits, delivers and receives everything outstanding.
func (h *harness) settle() {
	h.t.Helper()
	ctx := context.Background()
	for progress := true; progress; {
		progress = false
		for _, c := range h.clients {
			require.NoError(h.t, c.Submit())
			for {
				ok, err := c.DeliverOne(ctx)
				require.NoError(h.t, err)
				if !ok {
					break
				}
				progress = true
			}
			for {
				ok, err := c.ReceiveOne(ctx)
				require.NoError(h.t, err)
				if !ok {
					break
				}
				progress = true
			}
		}
	}
}

// assertConverged checks every client holds the session's document.
func (h *harness) assertConverged() *ot.LinearDocument {
	h.t.Helper()
	want := h.session.Document().(*ot.LinearDocument)
	for author, c := range h.clients {
		require.NoError(h.t, c.Err())
		got := c.Doc().(*ot.LinearDocument)
		assert.True(h.t, want.Equal(got), "client %s has %q, server %q", author, got.Text(), want.Text())
		assert.Equal(h.t, h.session.Summary(), c.HistorySummary(), "client %s", author)
		assert.Equal(h.t, h.session.Length(), c.CommitLength())
	}
	return want
}

func textDocument(text string) *ot.LinearDocument {
	items := []ot.Item{ot.Open("paragraph")}
	items = append(items, ot.Chars(text)...)
	items = append(items, ot.Close("paragraph"), ot.Open("internalList"), ot.Close("internalList"))
	return ot.NewLinearDocument(items)
}

func TestConcurrentInsertions(t *testing.T) {
	h := newHarness(t, ot.NewBlankDocument(), "1", "2")

	h.apply("1", insert(1, "a"), insert(2, "b"), insert(3, "c"))
	h.hist("1", "abc!")
	h.submit("1")
	h.hist("1", "abc?")
	h.deliver("1")
	h.hist("server", "abc")

	h.apply("2", insert(1, "A"), insert(2, "B"))
	h.hist("2", "AB!")
	h.submit("2")
	h.deliver("2")
	// AB lands after abc
	h.hist("server", "abcAB")

	h.apply("1", insert(4, "def"))
	h.hist("1", "abc?/def!")
	h.receive("1")
	h.hist("1", "abc/def!")
	h.submit("1")
	h.hist("1", "abc/def?")
	h.deliver("1")
	// def arrived after AB though it sits before AB in the document
	h.hist("server", "abcABdef")

	h.apply("2", insert(3, "CD"))
	h.hist("2", "AB?/CD!")
	h.receive("2")
	h.hist("2", "abc/AB?/CD!")
	h.receive("2")
	h.hist("2", "abcAB/CD!")
	h.submit("2")
	h.hist("2", "abcAB/CD?")
	h.deliver("2")
	h.hist("server", "abcABdefCD")

	h.receive("1")
	h.hist("1", "abcAB/def?")
	h.receive("1")
	h.hist("1", "abcABdef")

	h.apply("1", insert(9, "ghi"))
	h.hist("1", "abcABdef/ghi!")
	h.submit("1")
	h.hist("1", "abcABdef/ghi?")
	h.deliver("1")
	h.hist("server", "abcABdefCDghi")
	h.receive("1")
	h.hist("1", "abcABdefCD/ghi?")
	h.receive("1")
	h.hist("1", "abcABdefCDghi")

	h.receive("2")
	h.hist("2", "abcABdef/CD?")
	h.receive("2")
	h.hist("2", "abcABdefCD")
	h.receive("2")
	h.hist("2", "abcABdefCDghi")

	assert.Equal(t, "abcdefABghiCD", h.assertConverged().Text())
}

func TestConflictingDeletions(t *testing.T) {
	h := newHarness(t, textDocument("abcABdefCDghi"), "1", "2")

	// One deletion delivered, another left in the pipeline.
	h.apply("1", remove(5, 2))
	h.hist("1", "-(Bd)!")
	h.submit("1")
	h.hist("1", "-(Bd)?")
	h.apply("1", remove(3, 2))
	h.hist("1", "-(Bd)?/-(cA)!")
	h.submit("1")
	h.hist("1", "-(Bd)-(cA)?")
	h.deliver("1")
	h.hist("server", "-(Bd)")
	h.receive("1")
	h.hist("1", "-(Bd)/-(cA)?")

	// X falls inside the undelivered -(cA), Y inside the delivered -(Bd).
	h.apply("2", insert(1, "W"), insert(5, "X"), insert(8, "Y"), insert(12, "Z"))
	h.hist("2", "WXYZ!")
	h.submit("2")
	h.hist("2", "WXYZ?")
	h.receive("2")
	h.hist("2", "-(Bd)/WX?")
	assert.Equal(t, "WX", h.clients["2"].Sent().Summary())
	assert.Equal(t, 3, h.clients["2"].SentLength())

	// V is built on X, which the server is about to reject.
	h.apply("2", insert(1, "V"))
	h.hist("2", "-(Bd)/WX?/V!")
	h.submit("2")
	h.hist("2", "-(Bd)/WXV?")

	h.deliver("1")
	h.hist("server", "-(Bd)-(cA)")
	// W accepted, X and its followers rejected, V rejected outright.
	h.deliver("2")
	h.deliver("2")
	h.hist("server", "-(Bd)-(cA)W")
	assert.Equal(t, 4, h.session.Entries())
	h.receive("2")
	h.hist("2", "-(Bd)-(cA)/W?")

	h.apply("2", insert(1, "P"))
	h.hist("2", "-(Bd)-(cA)/W?/P!")
	h.submit("2")
	h.hist("2", "-(Bd)-(cA)/WP?")
	h.deliver("2")
	h.hist("server", "-(Bd)-(cA)WP")

	h.receive("2")
	h.hist("2", "-(Bd)-(cA)W/P?")
	// the empty entry left by rejecting V
	h.receive("2")
	h.hist("2", "-(Bd)-(cA)W/P?")
	h.receive("2")
	h.hist("2", "-(Bd)-(cA)WP")

	h.settle()
	assert.Equal(t, "PWabefCDghi", h.assertConverged().Text())
}

func TestDoubleRebaseWithAnnotation(t *testing.T) {
	initial := ot.NewBlankDocument()
	h := newHarness(t, initial, "1", "2")

	tx, err := ot.NewInsertion(initial, "1", 1, []ot.Item{
		ot.AnnotatedChar("X", "h123"), ot.AnnotatedChar("Y", "h123"), ot.AnnotatedChar("Z", "h123"),
	})
	require.NoError(t, err)
	bold := map[string]any{"type": "annotation", "value": map[string]any{"type": "textStyle/bold"}}
	require.NoError(t, h.clients["1"].ApplyChange(&ot.Change{
		Transactions: []*ot.Transaction{tx},
		Stores:       []ot.Store{{Hashes: []string{"h123"}, Values: map[string]any{"h123": bold}}},
		Selections:   map[string]ot.Selection{"1": ot.LinearSelection(4, 4)},
	}))
	stored := func() {
		t.Helper()
		unsent := h.clients["1"].Unsent()
		require.Len(t, unsent.Stores, 1)
		assert.Equal(t, []string{"h123"}, unsent.Stores[0].Hashes)
		assert.Equal(t, ot.LinearSelection(4, 4), unsent.Selections["1"])
	}
	stored()

	h.apply("2", insert(1, "a"))
	h.submit("2")
	h.apply("2", insert(2, "b"))
	h.submit("2")

	h.deliver("2")
	h.hist("server", "a")
	h.receive("1")
	h.hist("1", "a/XYZ!")
	stored()

	h.deliver("2")
	h.hist("server", "ab")
	h.receive("1")
	h.hist("1", "ab/XYZ!")
	stored()

	h.submit("1")
	h.deliver("1")
	h.hist("server", "abXYZ")

	h.settle()
	assert.Equal(t, "XYZab", h.assertConverged().Text())
}

func TestDisjointEditsPreserved(t *testing.T) {
	h := newHarness(t, textDocument("abcdef"), "1", "2")

	h.apply("1", insert(2, "X"))
	h.apply("2", remove(5, 2))
	h.submit("1")
	h.submit("2")
	h.deliver("2")
	h.deliver("1")

	h.hist("server", "-(ef)X")
	h.settle()
	assert.Equal(t, "aXbcd", h.assertConverged().Text())
}

func TestReceiveOrdering(t *testing.T) {
	session := server.NewSession("doc", ot.NewBlankDocument())
	c := NewClient("1", ot.NewBlankDocument(), NewLocalUpstream(session))

	for _, text := range []string{"a", "b"} {
		doc := session.Document()
		tx, err := ot.NewInsertion(doc, "2", 1, ot.Chars(text))
		require.NoError(t, err)
		_, ok, err := session.Submit(context.Background(), common.Submission{
			Author: "2",
			Change: &ot.Change{Start: session.Length(), Transactions: []*ot.Transaction{tx}},
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
	commits := session.Since(0)
	require.Len(t, commits, 2)

	err := c.Receive(commits[1])
	require.ErrorIs(t, err, ot.ErrOutOfOrderHistory)
	assert.NoError(t, c.Err(), "a gap can be filled")

	require.NoError(t, c.Receive(commits[0]))
	require.NoError(t, c.Receive(commits[0]), "duplicates are ignored")
	require.NoError(t, c.Receive(commits[1]))
	assert.Equal(t, "ba", c.Doc().(*ot.LinearDocument).Text())
	assert.Equal(t, 2, c.Received())

	// an entry claiming the wrong base aborts the client
	bad := common.Commit{Index: 2, Change: ot.NewChange(7, "2")}
	require.ErrorIs(t, c.Receive(bad), ot.ErrOutOfOrderHistory)
	require.Error(t, c.Err())
	assert.ErrorIs(t, c.Apply(), ot.ErrOutOfOrderHistory)
}

func TestApplyContent(t *testing.T) {
	h := newHarness(t, textDocument("sad"), "1", "2")
	c1, c2 := h.clients["1"], h.clients["2"]

	require.NoError(t, c1.ApplyContent(textDocument("esad").Items()))
	require.NoError(t, c2.ApplyContent(textDocument("ade").Items()))
	require.NoError(t, c2.ApplyContent(textDocument("ade").Items()), "no change is a no-op")
	assert.Equal(t, 1, c2.Unsent().Len())

	h.settle()
	assert.Equal(t, "eade", h.assertConverged().Text())
}

func TestSelectionOnlyChange(t *testing.T) {
	h := newHarness(t, textDocument("ab"), "1", "2")
	c1, c2 := h.clients["1"], h.clients["2"]

	require.NoError(t, c1.ApplyChange(&ot.Change{
		Selections: map[string]ot.Selection{"1": ot.LinearSelection(3, 3)},
	}))
	h.submit("1")
	assert.Equal(t, 1, c1.Pending())
	assert.Empty(t, c1.Unsent().Selections)
	h.deliver("1")

	require.Equal(t, 1, h.session.Entries())
	assert.Equal(t, 0, h.session.Length())
	commits := h.session.Since(0)
	require.Len(t, commits, 1)
	assert.Equal(t, ot.LinearSelection(3, 3), commits[0].Change.Selections["1"])

	h.receive("2")
	assert.Equal(t, ot.LinearSelection(3, 3), c2.Selections()["1"])

	// later entries carry the selection along
	h.apply("2", insert(1, "X"))
	h.submit("2")
	h.deliver("2")
	h.receive("2")
	assert.Equal(t, ot.LinearSelection(4, 4), c2.Selections()["1"])

	h.settle()
	assert.Equal(t, "Xab", h.assertConverged().Text())
	assert.Equal(t, ot.LinearSelection(4, 4), c1.Selections()["1"])
	require.NoError(t, c1.Submit())
	assert.Equal(t, 0, c1.Pending(), "nothing left to submit")
}

func randomEdit(rng *rand.Rand, doc ot.Document) edit {
	n := doc.Length() - 4 // text between the paragraph tags
	if n == 0 || rng.Intn(5) < 3 {
		offset := 1 + rng.Intn(n+1)
		return insert(offset, string(rune('a'+rng.Intn(26))))
	}
	offset := 1 + rng.Intn(n)
	length := 1 + rng.Intn(min(3, n-offset+1))
	return remove(offset, length)
}

func TestRandomConvergence(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			authors := []string{"1", "2", "3"}
			h := newHarness(t, textDocument("the quick brown fox"), authors...)
			ctx := context.Background()

			for step := 0; step < 200; step++ {
				author := authors[rng.Intn(len(authors))]
				c := h.clients[author]
				switch rng.Intn(5) {
				case 0, 1:
					h.apply(author, randomEdit(rng, c.Doc()))
				case 2:
					require.NoError(t, c.Submit())
				case 3:
					_, err := c.DeliverOne(ctx)
					require.NoError(t, err)
				case 4:
					_, err := c.ReceiveOne(ctx)
					require.NoError(t, err)
				}
			}

			h.settle()
			h.assertConverged()
		})
	}
}
