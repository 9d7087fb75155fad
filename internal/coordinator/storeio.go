package coordinator

import (
	"context"
	"errors"

	"github.com/HyphaGroup/diagd/internal/retry"
	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/store"
)

// transient keeps ErrUnavailable retryable and makes every other store
// error final.
func transient(err error) error {
	if err == nil || errors.Is(err, store.ErrUnavailable) {
		return err
	}
	return retry.Permanent(err)
}

// storeDo runs a store write, retrying while storage is unreachable.
func (c *Coordinator) storeDo(ctx context.Context, op func() error) error {
	return retry.Do(ctx, c.opts.StoreRetries, c.opts.StoreRetryDelay, func() error {
		return transient(op())
	})
}

// readSession is ReadByID with the same retry rules as storeDo.
func (c *Coordinator) readSession(ctx context.Context, id string) (*session.Session, error) {
	return retry.Value(ctx, c.opts.StoreRetries, c.opts.StoreRetryDelay, func() (*session.Session, error) {
		s, err := c.store.ReadByID(ctx, id)
		return s, transient(err)
	})
}
