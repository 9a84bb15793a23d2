package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	co "github.com/ilnaes/gopad-rebase/internal/common"
	"github.com/ilnaes/gopad-rebase/internal/store"
)

const writeWait = 10 * time.Second

// Client is one websocket connection following a document.
type Client struct {
	s      *Server
	doc    *DocMeta
	author string
	conn   *websocket.Conn
	logger *slog.Logger
	alive  bool

	sync.Mutex // serializes writes and guards alive
}

func (s *Server) NewClient(doc *DocMeta, author string, conn *websocket.Conn) *Client {
	return &Client{
		s:      s,
		doc:    doc,
		author: author,
		conn:   conn,
		logger: s.logger.With("doc", doc.Session.ID(), "author", author),
		alive:  true,
	}
}

func (c *Client) write(res co.Response) {
	c.Lock()
	defer c.Unlock()
	if !c.alive {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(res); err != nil {
		c.logger.Debug("write failed", "error", err)
		c.alive = false
		c.conn.Close()
	}
}

func (c *Client) close() {
	c.Lock()
	defer c.Unlock()
	c.alive = false
	c.conn.Close()
}

func (c *Client) isAlive() bool {
	c.Lock()
	defer c.Unlock()
	return c.alive
}

// fail reports err to the peer and drops the connection. The peer has to
// reconnect and resynchronize from history.
func (c *Client) fail(err error) {
	c.logger.Warn("dropping connection", "error", err)
	c.write(co.Response{Type: co.Error, Error: err.Error()})
	c.close()
}

// handles history queries
func (c *Client) handleQuery(index int) {
	entries := c.doc.Session.Entries()
	if index < 0 || index > entries {
		c.fail(fmt.Errorf("query from %d, history has %d entries", index, entries))
		return
	}
	c.write(co.Response{
		Type:    co.Commits,
		Length:  entries,
		Commits: c.doc.Session.Since(index),
	})
}

// commits a submission and publishes the result to every follower
func (c *Client) handleSubmit(ctx context.Context, sub *co.Submission) {
	if sub == nil || sub.Change == nil {
		c.fail(fmt.Errorf("submit without change"))
		return
	}
	// the connection decides who the author is
	sub.Author = c.author

	c.doc.mu.Lock()
	commit, ok, err := c.doc.Session.Submit(ctx, *sub)
	if err == nil && ok {
		// The entry is committed either way; followers that miss it fill
		// the gap from history.
		if perr := c.s.broadcaster.Publish(ctx, commit); perr != nil {
			c.logger.Error("publishing commit", "index", commit.Index, "error", perr)
		}
	}
	c.doc.mu.Unlock()
	if err != nil {
		c.fail(err)
		if errors.Is(err, store.ErrIndexConflict) {
			// Another server wrote this document; our history is stale.
			c.s.evict(c.doc)
		}
		return
	}

	c.write(co.Response{
		Type:   co.Ack,
		Index:  commit.Index,
		Length: c.doc.Session.Entries(),
	})
}

func (c *Client) interact(ctx context.Context) {
	for c.isAlive() {
		var m co.Request
		if err := c.conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("connection closed", "error", err)
			}
			return
		}

		switch m.Type {
		case co.Query:
			c.handleQuery(m.Index)
		case co.Submit:
			c.handleSubmit(ctx, m.Submission)
		default:
			c.fail(fmt.Errorf("unknown request type %q", m.Type))
		}
	}
}
