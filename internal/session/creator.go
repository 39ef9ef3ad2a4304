package session

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

const creationKey = "create"

// Creator collapses concurrent sandbox creation requests into one attempt.
// Callers that arrive while an attempt is outstanding share its result.
type Creator struct {
	group      singleflight.Group
	inProgress atomic.Bool
}

// Do runs fn unless an attempt is already outstanding, in which case it waits
// for that attempt. The attempt runs detached from any single caller's
// cancellation; a caller whose ctx ends stops waiting without aborting it.
// shared reports whether the result was delivered to more than one caller.
func (c *Creator) Do(ctx context.Context, fn func(ctx context.Context) (*State, error)) (state *State, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(creationKey, func() (any, error) {
		c.inProgress.Store(true)
		defer c.inProgress.Store(false)
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		s, _ := res.Val.(*State)
		return s, res.Shared, nil
	}
}

// InProgress reports whether a creation attempt is outstanding.
func (c *Creator) InProgress() bool {
	return c.inProgress.Load()
}
