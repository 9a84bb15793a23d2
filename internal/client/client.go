// Package client keeps an author's optimistic copy of a document in step with
// the canonical history kept by the server.
//
// Local edits apply immediately and queue as unsent. Submit moves them to
// sent and queues them for delivery. Each canonical entry received either
// confirms the client's own sent transactions or, when made by someone else,
// becomes part of the confirmed history while the client's pending work is
// rebased over it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/ilnaes/gopad-rebase/internal/common"
	"github.com/ilnaes/gopad-rebase/internal/ot"
	"github.com/sanity-io/litter"
)

// ErrNotLinear is returned by ApplyContent for documents that are not item
// sequences.
var ErrNotLinear = errors.New("document is not linear")

type Client struct {
	author   string
	upstream Upstream
	logger   *slog.Logger

	committed    ot.Document // initial document with confirmed history applied
	doc          ot.Document // committed with sent then unsent applied
	confirmed    *ot.Change
	commitLength int
	received     int // entries received

	sent      *ot.Change
	unsent    *ot.Change
	backtrack int // sent transactions dropped since the last submission

	outbox []common.Submission
	notify chan struct{} // signalled when the outbox grows

	err error // sticky; set when local state can no longer be trusted

	mu        sync.Mutex
	deliverMu sync.Mutex // keeps deliveries in outbox order
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient returns a client for author over the same initial document the
// server started from.
func NewClient(author string, initial ot.Document, upstream Upstream, opts ...Option) *Client {
	c := &Client{
		author:    author,
		upstream:  upstream,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		committed: initial,
		doc:       initial,
		confirmed: ot.NewChange(0, ""),
		sent:      ot.NewChange(0, author),
		unsent:    ot.NewChange(0, author),
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("author", author)
	return c
}

// Apply applies transactions made against the current document and queues
// them as unsent.
func (c *Client) Apply(txs ...*ot.Transaction) error {
	return c.ApplyChange(&ot.Change{Transactions: txs})
}

// ApplyChange is Apply for a change carrying stores and selections too. Its
// start and author are overwritten.
func (c *Client) ApplyChange(change *ot.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyChange(change)
}

func (c *Client) applyChange(change *ot.Change) error {
	if c.err != nil {
		return c.err
	}

	local := change.Clone()
	local.Author = c.author
	local.Start = c.unsent.End()
	for i, tx := range local.Transactions {
		local.Transactions[i] = tx.WithAuthor(c.author)
	}

	doc, err := local.Apply(c.doc)
	if err != nil {
		return err
	}
	unsent, err := c.unsent.Concat(local)
	if err != nil {
		return err
	}
	c.unsent = unsent
	c.doc = doc
	return nil
}

// ApplyContent applies whatever edit turns the current document into items.
func (c *Client) ApplyContent(items []ot.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.doc.(*ot.LinearDocument)
	if !ok {
		return ErrNotLinear
	}

	tx, err := ot.Diff(c.author, doc.Items(), items)
	if err != nil {
		return err
	}
	if tx.IsNoop() {
		return nil
	}
	return c.applyChange(&ot.Change{Transactions: []*ot.Transaction{tx}})
}

// Submit moves unsent work to sent and queues it for delivery. It does not
// block. A change carrying only selections is submitted too.
func (c *Client) Submit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.unsent.IsEmpty() && len(c.unsent.Selections) == 0 {
		return nil
	}

	change := c.unsent.Clone()
	change.ID = uuid.NewString()
	sent, err := c.sent.Concat(change)
	if err != nil {
		return err
	}
	sent.ID = ""
	sent.Selections = nil

	c.outbox = append(c.outbox, common.Submission{Author: c.author, Backtrack: c.backtrack, Change: change})
	c.sent = sent
	c.unsent = ot.NewChange(sent.End(), c.author)
	c.backtrack = 0

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// DeliverOne hands the oldest queued submission upstream. It reports false
// when there was nothing to deliver. A failed delivery stays queued.
func (c *Client) DeliverOne(ctx context.Context) (bool, error) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if len(c.outbox) == 0 {
		c.mu.Unlock()
		return false, nil
	}
	sub := c.outbox[0]
	c.mu.Unlock()

	if err := c.upstream.Submit(ctx, sub); err != nil {
		return false, fmt.Errorf("delivering change %s: %w", sub.Change.ID, err)
	}

	c.mu.Lock()
	c.outbox = c.outbox[1:]
	c.mu.Unlock()
	return true, nil
}

// Receive takes the next canonical entry. Entries already received are
// ignored; an entry past the next one is ot.ErrOutOfOrderHistory and leaves
// the client unchanged so the gap can be fetched.
func (c *Client) Receive(commit common.Commit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}

	switch {
	case commit.Index < c.received:
		return nil
	case commit.Index > c.received:
		return fmt.Errorf("%w: entry %d, expected %d", ot.ErrOutOfOrderHistory, commit.Index, c.received)
	case commit.Change == nil:
		return c.fail(fmt.Errorf("%w: entry %d has no change", ot.ErrOutOfOrderHistory, commit.Index))
	case commit.Change.Start != c.commitLength:
		return c.fail(fmt.Errorf("%w: entry %d starts at %d, history has %d",
			ot.ErrOutOfOrderHistory, commit.Index, commit.Change.Start, c.commitLength))
	}

	change := commit.Change
	committed, err := change.Apply(c.committed)
	if err != nil {
		return c.fail(fmt.Errorf("%w: entry %d: %v", ot.ErrRebaseInvariantBroken, commit.Index, err))
	}

	var sent, unsent *ot.Change
	expected := c.doc
	if change.Author == c.author {
		sent, unsent, err = c.confirm(change)
	} else {
		sent, unsent, expected, err = c.rebase(change)
	}
	if err != nil {
		return c.fail(err)
	}

	doc, err := sent.Apply(committed)
	if err == nil {
		doc, err = unsent.Apply(doc)
	}
	if err != nil {
		return c.fail(fmt.Errorf("%w: replaying pending work: %v", ot.ErrRebaseInvariantBroken, err))
	}
	if doc.Length() != expected.Length() {
		return c.fail(fmt.Errorf("%w: replayed length %d, incremental length %d",
			ot.ErrRebaseInvariantBroken, doc.Length(), expected.Length()))
	}

	confirmed, err := c.confirmed.Concat(change)
	if err != nil {
		return c.fail(err)
	}
	for author, sel := range confirmed.Selections {
		if _, ok := change.Selections[author]; !ok {
			confirmed.Selections[author] = sel.TranslateByChange(change, author)
		}
	}
	c.confirmed = confirmed
	c.committed = committed
	c.commitLength += change.Len()
	c.received++
	c.sent = sent
	c.unsent = unsent
	c.doc = doc

	c.logger.Debug("received entry", "index", commit.Index, "from", change.Author, "summary", c.summary())
	return nil
}

// confirm moves the first transactions of sent to confirmed history.
func (c *Client) confirm(change *ot.Change) (sent, unsent *ot.Change, err error) {
	n := change.Len()
	if n > c.sent.Len() {
		return nil, nil, fmt.Errorf("%w: own entry has %d transactions, %d sent",
			ot.ErrRebaseInvariantBroken, n, c.sent.Len())
	}
	sent = c.sent.MostRecent(c.sent.Start + n)
	sent.Start = c.commitLength + n
	unsent = c.unsent.Clone()
	unsent.Start = sent.End()
	return sent, unsent, nil
}

// rebase moves sent and unsent work over a remote entry. Sent transactions
// lost to conflicts count towards the next submission's backtrack. It also
// returns the document the incremental path arrives at, for checking
// against a replay.
func (c *Client) rebase(change *ot.Change) (sent, unsent *ot.Change, doc ot.Document, err error) {
	pending, err := c.sent.Concat(c.unsent)
	if err != nil {
		return nil, nil, nil, err
	}
	result, err := ot.RebaseUncommitted(change, pending)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ot.ErrRebaseInvariantBroken, err)
	}

	accepted := result.Rebased
	kept := min(c.sent.Len(), accepted.Len())
	sent = accepted.Truncate(kept)
	sent.ID = ""
	unsent = accepted.MostRecent(accepted.Start + kept)
	unsent.ID = ""
	c.backtrack += c.sent.Len() - kept

	doc = c.doc
	if result.Rejected != nil {
		if doc, err = result.Rejected.Reversed().Apply(doc); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: undoing rejected work: %v", ot.ErrRebaseInvariantBroken, err)
		}
		c.logger.Info("local work lost to a conflict",
			"from", change.Author,
			"rejected", result.Rejected.Len(),
			"backtrack", c.backtrack)
		if c.logger.Enabled(context.Background(), slog.LevelDebug) {
			c.logger.Debug("rejected", "change", litter.Sdump(result.Rejected))
		}
	}
	if doc, err = result.TransposedHistory.Apply(doc); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: applying transposed history: %v", ot.ErrRebaseInvariantBroken, err)
	}
	return sent, unsent, doc, nil
}

func (c *Client) fail(err error) error {
	c.err = err
	c.logger.Error("client aborted", "error", err)
	return err
}

// ReceiveOne fetches and receives the next canonical entry. It reports
// false when there is none yet.
func (c *Client) ReceiveOne(ctx context.Context) (bool, error) {
	c.mu.Lock()
	next, err := c.received, c.err
	c.mu.Unlock()
	if err != nil {
		return false, err
	}

	commits, err := c.upstream.Since(ctx, next)
	if err != nil {
		return false, err
	}
	if len(commits) == 0 {
		return false, nil
	}
	return true, c.Receive(commits[0])
}

// Doc is the local document: confirmed history, then sent, then unsent.
func (c *Client) Doc() ot.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// Author is the id the client stamps its transactions with.
func (c *Client) Author() string {
	return c.author
}

// CommitLength is the number of confirmed transactions.
func (c *Client) CommitLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLength
}

// SentLength is the number of confirmed and sent transactions.
func (c *Client) SentLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent.End()
}

// Received is the number of canonical entries received.
func (c *Client) Received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

// Sent returns sent work awaiting confirmation.
func (c *Client) Sent() *ot.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent.Clone()
}

// Unsent returns local work not yet submitted.
func (c *Client) Unsent() *ot.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsent.Clone()
}

// Pending is the number of submissions not yet delivered.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// HistorySummary renders confirmed/sent?/unsent!, e.g. "abc/def?/ghi!".
func (c *Client) HistorySummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary()
}

func (c *Client) summary() string {
	return ot.HistorySummary(c.confirmed, c.sent, c.unsent)
}

// Selections are the selections last reported by each author, mapped onto
// confirmed history.
func (c *Client) Selections() map[string]ot.Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ot.Selection, len(c.confirmed.Selections))
	for author, sel := range c.confirmed.Selections {
		out[author] = sel
	}
	return out
}

// Err is the error that aborted the client, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
