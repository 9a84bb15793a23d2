package client

import (
	"context"

	"github.com/ilnaes/gopad-rebase/internal/common"
)

// Upstream is where a client sends submissions and reads canonical history.
type Upstream interface {
	Submit(ctx context.Context, sub common.Submission) error
	// Since returns canonical entries from index onwards.
	Since(ctx context.Context, index int) ([]common.Commit, error)
}

// Sequencer is an in-process canonical history, such as a server session.
type Sequencer interface {
	Submit(ctx context.Context, sub common.Submission) (common.Commit, bool, error)
	Since(index int) []common.Commit
}

// LocalUpstream talks to a Sequencer directly.
type LocalUpstream struct {
	seq Sequencer
}

func NewLocalUpstream(seq Sequencer) *LocalUpstream {
	return &LocalUpstream{seq: seq}
}

func (u *LocalUpstream) Submit(ctx context.Context, sub common.Submission) error {
	_, _, err := u.seq.Submit(ctx, sub)
	return err
}

func (u *LocalUpstream) Since(_ context.Context, index int) ([]common.Commit, error) {
	return u.seq.Since(index), nil
}
