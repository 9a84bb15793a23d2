package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ilnaes/gopad-rebase/internal/common"
	"github.com/ilnaes/gopad-rebase/internal/ot"
	"github.com/ilnaes/gopad-rebase/internal/store"
	"github.com/sanity-io/litter"
)

var (
	// ErrBacktrack is returned when a submission claims to have dropped more
	// transactions than the server rejected for its author.
	ErrBacktrack = errors.New("backtrack exceeds rejections")

	// ErrStaleBase is returned when a change is based before the history its
	// author's previous submission was rebased onto.
	ErrStaleBase = errors.New("change based before author's last rebase")

	// ErrUnknownDocument is returned for a document id that cannot be opened.
	ErrUnknownDocument = errors.New("unknown document")
)

// authorState tracks what the server knows about one author's pipeline.
type authorState struct {
	// continueBase is canonical history transposed over the author's last
	// accepted transactions. Follow-on submissions computed on top of those
	// transactions are rebased over it.
	continueBase *ot.Change
	// rejections counts the author's transactions rejected by the server
	// that the author has not yet acknowledged by backtracking.
	rejections int
	// acknowledged is the history length after the author's last commit.
	acknowledged int
}

// Session is the canonical history of one document. It accepts submissions
// one at a time, rebasing each over history committed since its base.
type Session struct {
	docID  string
	store  store.HistoryStore
	logger *slog.Logger

	doc          ot.Document
	entries      []*ot.Change
	transactions []*ot.Transaction // every committed transaction, in order
	authors      map[string]*authorState
	applied      mapset.Set[string]

	mu sync.Mutex
}

type SessionOption func(*Session)

// WithStore persists every commit to hs before it becomes visible.
func WithStore(hs store.HistoryStore) SessionOption {
	return func(s *Session) {
		s.store = hs
	}
}

func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession starts an empty history over initial.
func NewSession(docID string, initial ot.Document, opts ...SessionOption) *Session {
	s := &Session{
		docID:   docID,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		doc:     initial,
		authors: make(map[string]*authorState),
		applied: mapset.NewThreadUnsafeSet[string](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("doc", docID)
	return s
}

// OpenSession is NewSession followed by replaying the history stored for
// docID, if a store is configured. Author pipelines are not persisted, so
// clients connected before a restart must resynchronize.
func OpenSession(ctx context.Context, docID string, initial ot.Document, opts ...SessionOption) (*Session, error) {
	s := NewSession(docID, initial, opts...)
	if s.store == nil {
		return s, nil
	}

	entries, err := s.store.Load(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", docID, err)
	}
	for i, c := range entries {
		if c.Start != len(s.transactions) {
			return nil, fmt.Errorf("%w: stored entry %d starts at %d, history has %d",
				ot.ErrOutOfOrderHistory, i, c.Start, len(s.transactions))
		}
		doc, err := c.Apply(s.doc)
		if err != nil {
			return nil, fmt.Errorf("replaying entry %d of %s: %w", i, docID, err)
		}
		s.append(c, doc)
		s.author(c.Author).acknowledged = len(s.transactions)
	}
	s.logger.Info("session restored", "entries", len(s.entries), "length", len(s.transactions))
	return s, nil
}

func (s *Session) author(author string) *authorState {
	st, ok := s.authors[author]
	if !ok {
		st = &authorState{}
		s.authors[author] = st
	}
	return st
}

func (s *Session) append(c *ot.Change, doc ot.Document) {
	s.entries = append(s.entries, c)
	s.transactions = append(s.transactions, c.Transactions...)
	s.doc = doc
	if c.ID != "" {
		s.applied.Add(c.ID)
	}
}

// historyFrom returns committed transactions from position start onwards.
func (s *Session) historyFrom(start int) *ot.Change {
	return &ot.Change{
		Start:        start,
		Transactions: append([]*ot.Transaction{}, s.transactions[start:]...),
	}
}

// Submit rebases sub.Change over the history committed since its base and
// appends the result. The returned commit is the new entry, possibly with
// fewer transactions than submitted, or none. ok is false when the change
// was already committed and nothing was appended.
func (s *Session) Submit(ctx context.Context, sub common.Submission) (commit common.Commit, ok bool, err error) {
	if sub.Change == nil {
		return common.Commit{}, false, fmt.Errorf("%w: submission without change", ot.ErrMalformedTransaction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	length := len(s.transactions)
	if sub.Change.Start < 0 {
		return common.Commit{}, false, fmt.Errorf("%w: change at %d", ot.ErrFutureBase, sub.Change.Start)
	}
	if sub.Change.ID != "" && s.applied.Contains(sub.Change.ID) {
		s.logger.Debug("ignoring resubmitted change", "id", sub.Change.ID, "author", sub.Author)
		return common.Commit{Index: len(s.entries), Change: ot.NewChange(length, sub.Author)}, false, nil
	}

	// The author on the submission is authoritative; tie-breaks and
	// selection mapping depend on it.
	change := sub.Change.Clone()
	change.Author = sub.Author
	for i, tx := range change.Transactions {
		change.Transactions[i] = tx.WithAuthor(sub.Author)
	}

	state := s.author(sub.Author)
	if state.rejections > sub.Backtrack {
		// Built on top of rejected work the author has not seen rejected yet.
		rejections := state.rejections - sub.Backtrack + change.Len()
		empty := change.Truncate(0)
		empty.Start = length
		commit, err = s.commit(ctx, empty, s.doc)
		if err != nil {
			return common.Commit{}, false, err
		}
		state.rejections = rejections
		state.acknowledged = length
		s.logger.Info("rejected change built on rejected work",
			"author", sub.Author, "start", change.Start, "transactions", change.Len(), "rejections", rejections)
		return commit, true, nil
	}
	// Only now: a change built on rejected work may start past history.
	if change.Start > length {
		return common.Commit{}, false, fmt.Errorf("%w: change at %d, history has %d",
			ot.ErrFutureBase, change.Start, length)
	}
	if sub.Backtrack > state.rejections {
		return common.Commit{}, false, fmt.Errorf("%w: backtrack %d, rejections %d",
			ErrBacktrack, sub.Backtrack, state.rejections)
	}

	base := ot.NewChange(change.Start, "")
	if cb := state.continueBase; cb != nil {
		if change.Start > cb.Start {
			// Entries between cb.Start and change.Start are already in the
			// author's view and equivalent to those in cb.
			base = cb.MostRecent(change.Start)
		} else {
			base = cb
		}
	}
	if change.Start < base.Start {
		return common.Commit{}, false, fmt.Errorf("%w: change at %d, continue base at %d",
			ErrStaleBase, change.Start, base.Start)
	}
	base, err = base.Concat(s.historyFrom(base.End()))
	if err != nil {
		return common.Commit{}, false, err
	}

	result, err := ot.RebaseUncommitted(base, change)
	if err != nil {
		return common.Commit{}, false, err
	}
	rebased := result.Rebased
	if rebased.Start != length {
		return common.Commit{}, false, fmt.Errorf("%w: rebased change at %d, history has %d",
			ot.ErrRebaseInvariantBroken, rebased.Start, length)
	}
	doc, err := rebased.Apply(s.doc)
	if err != nil {
		return common.Commit{}, false, fmt.Errorf("%w: %v", ot.ErrRebaseInvariantBroken, err)
	}

	commit, err = s.commit(ctx, rebased, doc)
	if err != nil {
		return common.Commit{}, false, err
	}
	rejections := 0
	if result.Rejected != nil {
		rejections = result.Rejected.Len()
	}
	state.continueBase = result.TransposedHistory
	state.rejections = rejections
	state.acknowledged = len(s.transactions)

	s.logger.Info("committed change",
		"author", sub.Author,
		"index", commit.Index,
		"start", sub.Change.Start,
		"accepted", rebased.Len(),
		"rejected", rejections)
	if s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.Debug("rebased change", "change", litter.Sdump(rebased))
	}
	return commit, true, nil
}

// commit persists c and appends it. Nothing changes if persisting fails.
func (s *Session) commit(ctx context.Context, c *ot.Change, doc ot.Document) (common.Commit, error) {
	index := len(s.entries)
	if s.store != nil {
		if err := s.store.Append(ctx, s.docID, index, c); err != nil {
			return common.Commit{}, fmt.Errorf("persisting entry %d of %s: %w", index, s.docID, err)
		}
	}
	s.append(c, doc)
	return common.Commit{DocID: s.docID, Index: index, Change: c}, nil
}

// Since returns the committed entries from entry index onwards.
func (s *Session) Since(index int) []common.Commit {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 {
		index = 0
	}
	if index >= len(s.entries) {
		return nil
	}
	out := make([]common.Commit, 0, len(s.entries)-index)
	for i := index; i < len(s.entries); i++ {
		out = append(out, common.Commit{DocID: s.docID, Index: i, Change: s.entries[i]})
	}
	return out
}

// Length is the number of committed transactions.
func (s *Session) Length() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

// Entries is the number of committed changes, empty ones included.
func (s *Session) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Document is the result of applying all of history.
func (s *Session) Document() ot.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Summary renders canonical history like a client's confirmed zone.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	for _, c := range s.entries {
		b.WriteString(c.Summary())
	}
	return b.String()
}

// Acknowledged returns the history length after author's last commit.
func (s *Session) Acknowledged(author string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.authors[author]; ok {
		return st.acknowledged
	}
	return 0
}

func (s *Session) ID() string {
	return s.docID
}
