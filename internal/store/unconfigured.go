package store

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/diagd/internal/lock"
	"github.com/HyphaGroup/diagd/internal/session"
)

// Unconfigured is a Store that fails every call with ErrUnavailable. It stands
// in when the configured backend could not be opened so the API can still
// report why.
type Unconfigured struct {
	Reason string
}

func (u Unconfigured) err() error {
	return fmt.Errorf("%w: %s", ErrUnavailable, u.Reason)
}

func (u Unconfigured) Partition() string { return "" }

func (u Unconfigured) Locks() lock.Backend { return unconfiguredLocks{u} }

func (u Unconfigured) CreateIfAbsent(context.Context, *session.Session) error { return u.err() }

func (u Unconfigured) ReadActive(context.Context) (*session.Session, error) { return nil, u.err() }

func (u Unconfigured) ReadByID(context.Context, string) (*session.Session, error) {
	return nil, u.err()
}

func (u Unconfigured) List(context.Context, Filter) ([]*session.Session, error) {
	return nil, u.err()
}

func (u Unconfigured) Update(context.Context, *session.Session, string) error { return u.err() }

func (u Unconfigured) MoveToCompleted(context.Context, *session.Session) error { return u.err() }

func (u Unconfigured) Delete(context.Context, string) error { return u.err() }

func (u Unconfigured) Close() error { return nil }

type unconfiguredLocks struct{ u Unconfigured }

func (l unconfiguredLocks) Create(context.Context, string, lock.Info) error { return l.u.err() }

func (l unconfiguredLocks) Read(context.Context, string) (lock.Info, error) {
	return lock.Info{}, l.u.err()
}

func (l unconfiguredLocks) Remove(context.Context, string, string) error { return l.u.err() }
