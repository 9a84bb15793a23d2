package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ilnaes/gopad-rebase/internal/codec"
	"github.com/ilnaes/gopad-rebase/internal/common"
	"github.com/redis/go-redis/v9"
)

const subscriberBuffer = 64

// Broadcaster carries commits from the session that made them to everyone
// following the document.
type Broadcaster interface {
	Publish(ctx context.Context, commit common.Commit) error
	// Subscribe returns the commits published for docID until ctx is done.
	// The channel is not closed; readers should watch ctx as well.
	Subscribe(ctx context.Context, docID string) (<-chan common.Commit, error)
	Close() error
}

type subscriber struct {
	ch   chan common.Commit
	done <-chan struct{}
}

// MemoryBroadcaster fans commits out within the process.
type MemoryBroadcaster struct {
	subs map[string]map[*subscriber]struct{}

	mu sync.Mutex
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{subs: make(map[string]map[*subscriber]struct{})}
}

func (b *MemoryBroadcaster) Publish(ctx context.Context, commit common.Commit) error {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs[commit.DocID]))
	for sub := range b.subs[commit.DocID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- commit:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBroadcaster) Subscribe(ctx context.Context, docID string) (<-chan common.Commit, error) {
	sub := &subscriber{ch: make(chan common.Commit, subscriberBuffer), done: ctx.Done()}

	b.mu.Lock()
	if b.subs[docID] == nil {
		b.subs[docID] = make(map[*subscriber]struct{})
	}
	b.subs[docID][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[docID], sub)
		if len(b.subs[docID]) == 0 {
			delete(b.subs, docID)
		}
		b.mu.Unlock()
	}()
	return sub.ch, nil
}

func (b *MemoryBroadcaster) Close() error {
	return nil
}

// RedisBroadcaster publishes CBOR encoded commits on one Redis channel per
// document, so followers in other processes see the same stream.
type RedisBroadcaster struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisBroadcaster connects to the Redis server at addr.
func NewRedisBroadcaster(ctx context.Context, addr string, logger *slog.Logger) (*RedisBroadcaster, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &RedisBroadcaster{rdb: rdb, logger: logger}, nil
}

func channel(docID string) string {
	return "gopad:doc:" + docID
}

func (b *RedisBroadcaster) Publish(ctx context.Context, commit common.Commit) error {
	data, err := codec.Marshal(commit)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel(commit.DocID), data).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, docID string) (<-chan common.Commit, error) {
	pubsub := b.rdb.Subscribe(ctx, channel(docID))
	// Wait for the subscription to be confirmed so nothing published after
	// we return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", docID, err)
	}

	out := make(chan common.Commit, subscriberBuffer)
	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var commit common.Commit
				if err := codec.Unmarshal([]byte(msg.Payload), &commit); err != nil {
					b.logger.Warn("dropping undecodable commit", "doc", docID, "error", err)
					continue
				}
				select {
				case out <- commit:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroadcaster) Close() error {
	return b.rdb.Close()
}
