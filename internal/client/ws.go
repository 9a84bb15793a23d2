package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ilnaes/gopad-rebase/internal/common"
	"github.com/ilnaes/gopad-rebase/internal/ot"
)

const (
	writeWait    = 10 * time.Second
	commitBuffer = 64
)

// ErrServer is returned for an Error response from the server. The server
// closes the connection after sending one.
var ErrServer = errors.New("server error")

// WSUpstream speaks to a gopad server: submissions and pushed commits over
// a websocket, history queries over HTTP.
type WSUpstream struct {
	base   string // http(s)://host[:port]
	docID  string
	token  string
	author string
	conn   *websocket.Conn
	http   *http.Client
	logger *slog.Logger

	commits chan common.Commit
	lagged  chan struct{} // signalled when pushed commits were dropped
	done    chan struct{}
	err     error // why done was closed

	wmu sync.Mutex
}

// Dial opens docID on the server at base with an author token and waits for
// the server to assign this connection an author id.
func Dial(ctx context.Context, base, docID, token string, logger *slog.Logger) (*WSUpstream, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/" + docID
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", docID, err)
	}
	var welcome common.Response
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, err
	}
	if welcome.Type != common.Welcome {
		conn.Close()
		return nil, fmt.Errorf("%w: expected welcome, got %s %s", ErrServer, welcome.Type, welcome.Error)
	}

	ws := &WSUpstream{
		base:    strings.TrimSuffix(base, "/"),
		docID:   docID,
		token:   token,
		author:  welcome.Author,
		conn:    conn,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With("doc", docID, "author", welcome.Author),
		commits: make(chan common.Commit, commitBuffer),
		lagged:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go ws.read()
	return ws, nil
}

// Author is the id the server assigned this connection.
func (ws *WSUpstream) Author() string {
	return ws.author
}

// Commits delivers commits pushed by the server.
func (ws *WSUpstream) Commits() <-chan common.Commit {
	return ws.commits
}

// Lagged is signalled when pushed commits were dropped because Commits was
// not drained in time. They have to be fetched with Since.
func (ws *WSUpstream) Lagged() <-chan struct{} {
	return ws.lagged
}

// Done is closed when the connection is lost; Err says why.
func (ws *WSUpstream) Done() <-chan struct{} {
	return ws.done
}

func (ws *WSUpstream) Err() error {
	<-ws.done
	return ws.err
}

func (ws *WSUpstream) read() {
	defer close(ws.done)
	for {
		var res common.Response
		if err := ws.conn.ReadJSON(&res); err != nil {
			ws.err = err
			return
		}
		switch res.Type {
		case common.Commits:
			for _, commit := range res.Commits {
				select {
				case ws.commits <- commit:
				default:
					ws.logger.Debug("dropping pushed commit", "index", commit.Index)
					select {
					case ws.lagged <- struct{}{}:
					default:
					}
				}
			}
		case common.Error:
			ws.err = fmt.Errorf("%w: %s", ErrServer, res.Error)
			return
		case common.Ack:
			ws.logger.Debug("acknowledged", "index", res.Index)
		}
	}
}

func (ws *WSUpstream) Submit(_ context.Context, sub common.Submission) error {
	ws.wmu.Lock()
	defer ws.wmu.Unlock()
	ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.conn.WriteJSON(common.Request{Type: common.Submit, Submission: &sub})
}

func (ws *WSUpstream) Since(ctx context.Context, index int) ([]common.Commit, error) {
	endpoint := ws.base + "/history/" + url.PathEscape(ws.docID) + "?from=" + strconv.Itoa(index)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+ws.token)

	res, err := ws.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: history returned %s", ErrServer, res.Status)
	}
	var commits []common.Commit
	if err := json.NewDecoder(res.Body).Decode(&commits); err != nil {
		return nil, err
	}
	return commits, nil
}

func (ws *WSUpstream) Close() error {
	return ws.conn.Close()
}

// catchUp receives everything the server has past what c has seen.
func catchUp(ctx context.Context, c *Client, ws *WSUpstream) error {
	commits, err := ws.Since(ctx, c.Received())
	if err != nil {
		return err
	}
	for _, commit := range commits {
		if err := c.Receive(commit); err != nil {
			return err
		}
	}
	return nil
}

// Pump keeps c in step with ws until ctx is done or the connection fails:
// it delivers c's submissions as they are queued and receives pushed
// commits, fetching any it missed over HTTP.
func Pump(ctx context.Context, c *Client, ws *WSUpstream) error {
	if err := catchUp(ctx, c, ws); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ws.Done():
			return ws.Err()
		case commit := <-ws.Commits():
			err := c.Receive(commit)
			if errors.Is(err, ot.ErrOutOfOrderHistory) && c.Err() == nil {
				err = catchUp(ctx, c, ws)
			}
			if err != nil {
				return err
			}
		case <-ws.Lagged():
			if err := catchUp(ctx, c, ws); err != nil {
				return err
			}
		case <-c.notify:
			for {
				ok, err := c.DeliverOne(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
			}
		}
	}
}
