package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/ilnaes/gopad-rebase/internal/common"
	"github.com/ilnaes/gopad-rebase/internal/ot"
	"github.com/ilnaes/gopad-rebase/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

var docIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// DocMeta is an open document: its session and the connections following it.
type DocMeta struct {
	Session *Session

	conns  mapset.Set[*Client]
	done   <-chan struct{}    // closed once the document is evicted
	cancel context.CancelFunc // stops fan-out and lease renewal
	mu     sync.Mutex         // orders submit with publish, so commits go out in index order
}

type Options struct {
	Secret   []byte
	TokenTTL time.Duration

	// Store persists history. Nil keeps history in memory only.
	Store store.HistoryStore
	// Broadcaster fans commits out. Nil uses an in-process broadcaster.
	Broadcaster Broadcaster
	// Lease, when set, makes this server the only one sequencing the
	// documents it opens. NodeID names this server to its peers.
	Lease    Lease
	NodeID   string
	LeaseTTL time.Duration
	Logger   *slog.Logger
	// NewDocument returns the initial document of a new session.
	NewDocument func(docID string) ot.Document
}

type Server struct {
	Docs map[string]*DocMeta

	ctx         context.Context // bounds fan-out goroutines
	secret      []byte
	tokenTTL    time.Duration
	store       store.HistoryStore
	broadcaster Broadcaster
	lease       Lease
	nodeID      string
	leaseTTL    time.Duration
	logger      *slog.Logger
	newDocument func(docID string) ot.Document

	docs sync.RWMutex // W protects Docs map
}

// NewServer returns a server whose background work stops with ctx.
func NewServer(ctx context.Context, opts Options) *Server {
	s := &Server{
		Docs:        make(map[string]*DocMeta),
		ctx:         ctx,
		secret:      opts.Secret,
		tokenTTL:    opts.TokenTTL,
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		lease:       opts.Lease,
		nodeID:      opts.NodeID,
		leaseTTL:    opts.LeaseTTL,
		logger:      opts.Logger,
		newDocument: opts.NewDocument,
	}
	if s.tokenTTL == 0 {
		s.tokenTTL = 24 * time.Hour
	}
	if s.broadcaster == nil {
		s.broadcaster = NewMemoryBroadcaster()
	}
	if s.nodeID == "" {
		s.nodeID = uuid.NewString()
	}
	if s.leaseTTL == 0 {
		s.leaseTTL = 30 * time.Second
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.newDocument == nil {
		s.newDocument = func(string) ot.Document { return ot.NewBlankDocument() }
	}
	return s
}

// document returns the open document docID, opening it on first use.
func (s *Server) document(ctx context.Context, docID string) (*DocMeta, error) {
	if !docIDPattern.MatchString(docID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDocument, docID)
	}

	s.docs.RLock()
	meta, ok := s.Docs[docID]
	s.docs.RUnlock()
	if ok {
		return meta, nil
	}

	s.docs.Lock()
	defer s.docs.Unlock()
	if meta, ok := s.Docs[docID]; ok {
		return meta, nil
	}

	if s.lease != nil {
		holder, err := s.lease.Acquire(ctx, docID, s.nodeID, s.leaseTTL)
		if err != nil {
			return nil, err
		}
		if holder != s.nodeID {
			return nil, &OwnerError{DocID: docID, Owner: holder}
		}
	}
	meta, err := s.open(ctx, docID)
	if err != nil && s.lease != nil {
		s.release(docID)
	}
	return meta, err
}

func (s *Server) open(ctx context.Context, docID string) (*DocMeta, error) {
	opts := []SessionOption{WithLogger(s.logger)}
	if s.store != nil {
		opts = append(opts, WithStore(s.store))
	}
	session, err := OpenSession(ctx, docID, s.newDocument(docID), opts...)
	if err != nil {
		return nil, err
	}
	docCtx, cancel := context.WithCancel(s.ctx)
	commits, err := s.broadcaster.Subscribe(docCtx, docID)
	if err != nil {
		cancel()
		return nil, err
	}

	meta := &DocMeta{Session: session, conns: mapset.NewSet[*Client](), done: docCtx.Done(), cancel: cancel}
	s.Docs[docID] = meta
	go s.fanout(docCtx, meta, commits)
	if s.lease != nil {
		go s.keepLease(docCtx, meta)
	}
	return meta, nil
}

// keepLease renews the lease on an open document, evicting it once the
// lease is lost.
func (s *Server) keepLease(ctx context.Context, meta *DocMeta) {
	docID := meta.Session.ID()
	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		holder, err := s.lease.Acquire(ctx, docID, s.nodeID, s.leaseTTL)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("renewing lease", "doc", docID, "error", err)
			continue
		}
		if holder != s.nodeID {
			s.logger.Warn("lease lost", "doc", docID, "owner", holder)
			s.evict(meta)
			return
		}
	}
}

// evict closes an open document and its connections. The next request
// reopens it from the store.
func (s *Server) evict(meta *DocMeta) {
	docID := meta.Session.ID()
	s.docs.Lock()
	if s.Docs[docID] == meta {
		delete(s.Docs, docID)
	}
	s.docs.Unlock()

	meta.cancel()
	for _, c := range meta.conns.ToSlice() {
		c.close()
	}
}

func (s *Server) release(docID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lease.Release(ctx, docID, s.nodeID); err != nil {
		s.logger.Warn("releasing lease", "doc", docID, "error", err)
	}
}

// fanout forwards every published commit of a document to its connections.
func (s *Server) fanout(ctx context.Context, meta *DocMeta, commits <-chan common.Commit) {
	for {
		select {
		case <-ctx.Done():
			return
		case commit := <-commits:
			res := common.Response{Type: common.Commits, Commits: []common.Commit{commit}}
			for _, c := range meta.conns.ToSlice() {
				c.write(res)
			}
		}
	}
}

// set up websocket
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	meta, err := s.document(r.Context(), mux.Vars(r)["docid"])
	if err != nil {
		s.httpError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// One user may hold several connections; each is its own author.
	author := authorFrom(r.Context()) + "/" + uuid.NewString()
	c := s.NewClient(meta, author, conn)
	defer conn.Close()

	// Welcome goes out first; commits pushed before the peer follows the
	// document are fetched from history.
	c.write(common.Response{Type: common.Welcome, Author: author, Length: meta.Session.Entries()})
	meta.conns.Add(c)
	defer meta.conns.Remove(c)
	select {
	case <-meta.done:
		// evicted while connecting
		return
	default:
	}
	c.interact(s.ctx)
}

// history serves committed entries from ?from= onwards.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	meta, err := s.document(r.Context(), mux.Vars(r)["docid"])
	if err != nil {
		s.httpError(w, err)
		return
	}

	from := 0
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = strconv.Atoi(v); err != nil || from < 0 {
			http.Error(w, "Malformed from", http.StatusBadRequest)
			return
		}
	}
	commits := meta.Session.Since(from)
	if commits == nil {
		commits = []common.Commit{}
	}
	writeJSON(w, commits)
}

type documentView struct {
	Entries int       `json:"entries"`
	Length  int       `json:"length"`
	Items   []ot.Item `json:"items,omitempty"`
	Text    string    `json:"text"`
}

// doc serves the current state of a document.
func (s *Server) doc(w http.ResponseWriter, r *http.Request) {
	meta, err := s.document(r.Context(), mux.Vars(r)["docid"])
	if err != nil {
		s.httpError(w, err)
		return
	}

	view := documentView{Entries: meta.Session.Entries(), Length: meta.Session.Length()}
	if doc, ok := meta.Session.Document().(*ot.LinearDocument); ok {
		view.Items = doc.Items()
		view.Text = doc.Text()
	}
	writeJSON(w, view)
}

func (s *Server) httpError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnknownDocument) {
		http.Error(w, "Unknown document", http.StatusNotFound)
		return
	}
	var owner *OwnerError
	if errors.As(err, &owner) {
		w.Header().Set("X-Gopad-Owner", owner.Owner)
		http.Error(w, "Document is served elsewhere", http.StatusConflict)
		return
	}
	s.logger.Error("opening document", "error", err)
	http.Error(w, "Internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Close stops accepting work on every open document and gives up its
// leases.
func (s *Server) Close() error {
	s.docs.Lock()
	docs := s.Docs
	s.Docs = make(map[string]*DocMeta)
	s.docs.Unlock()

	for docID, meta := range docs {
		meta.cancel()
		for _, c := range meta.conns.ToSlice() {
			c.close()
		}
		if s.lease != nil {
			s.release(docID)
		}
	}
	return s.broadcaster.Close()
}
