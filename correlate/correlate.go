// Package correlate matches inbound responses to outstanding requests by id.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/floegence/wsfetch/protocol"
)

const (
	// DefaultTimeout bounds how long a registered request waits for its response.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxPending caps concurrently outstanding requests.
	DefaultMaxPending = 1024
)

var (
	ErrTimeout        = errors.New("request timed out")
	ErrCanceled       = errors.New("request canceled")
	ErrClosed         = errors.New("correlator closed")
	ErrDuplicateID    = errors.New("request id already pending")
	ErrTooManyPending = errors.New("too many pending requests")
	ErrEmptyID        = errors.New("empty request id")
)

// Options configures a Correlator.
type Options struct {
	// Timeout is applied uniformly to every registration. If <= 0, DefaultTimeout is used.
	Timeout time.Duration
	// MaxPending caps outstanding registrations. If <= 0, DefaultMaxPending is used.
	MaxPending int
}

type outcome struct {
	resp *protocol.URLResponse
	err  error
}

// Correlator owns the pending-request table of one connection.
//
// A registration ends exactly once: by Resolve, by its timeout, by Cancel or by Close.
// Whichever removes the entry from the table first delivers the outcome.
type Correlator struct {
	opts Options

	mu      sync.Mutex
	pending map[string]*Waiter
	closed  error
}

// New returns an empty correlator with normalized options.
func New(opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	return &Correlator{opts: opts, pending: make(map[string]*Waiter)}
}

// Waiter is the caller's handle on one registration.
type Waiter struct {
	id    string
	c     *Correlator
	ch    chan outcome // buffered(1): the single outcome
	timer *time.Timer
}

// Register arms a pending entry for id and starts its timeout.
func (c *Correlator) Register(id string) (*Waiter, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return nil, c.closed
	}
	if _, ok := c.pending[id]; ok {
		return nil, ErrDuplicateID
	}
	if len(c.pending) >= c.opts.MaxPending {
		return nil, ErrTooManyPending
	}
	w := &Waiter{id: id, c: c, ch: make(chan outcome, 1)}
	w.timer = time.AfterFunc(c.opts.Timeout, func() {
		c.finish(w, outcome{err: ErrTimeout})
	})
	c.pending[id] = w
	return w, nil
}

// Resolve delivers resp to the registration with the same id.
//
// It returns false when no such registration exists (never registered, already
// resolved, timed out or canceled); the response is then unmatched and dropped.
func (c *Correlator) Resolve(resp *protocol.URLResponse) bool {
	if resp == nil {
		return false
	}
	c.mu.Lock()
	w := c.pending[resp.ID]
	c.mu.Unlock()
	if w == nil {
		return false
	}
	return c.finish(w, outcome{resp: resp})
}

func (c *Correlator) finish(w *Waiter, o outcome) bool {
	c.mu.Lock()
	if c.pending[w.id] != w {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, w.id)
	c.mu.Unlock()

	w.timer.Stop()
	w.ch <- o
	return true
}

// Close fails every outstanding registration and refuses new ones.
//
// cause, when non-nil, is attached to ErrClosed for diagnostics.
func (c *Correlator) Close(cause error) {
	closedErr := ErrClosed
	if cause != nil {
		closedErr = fmt.Errorf("%w: %v", ErrClosed, cause)
	}
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	c.closed = closedErr
	waiters := make([]*Waiter, 0, len(c.pending))
	for id, w := range c.pending {
		delete(c.pending, id)
		waiters = append(waiters, w)
	}
	c.mu.Unlock()

	for _, w := range waiters {
		w.timer.Stop()
		w.ch <- outcome{err: closedErr}
	}
}

// Pending reports the number of outstanding registrations.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Timeout reports the effective per-request timeout.
func (c *Correlator) Timeout() time.Duration { return c.opts.Timeout }

// ID returns the request id this waiter is registered under.
func (w *Waiter) ID() string { return w.id }

// Wait blocks until the registration ends or ctx is done.
//
// When ctx ends first the registration is canceled and ctx.Err() is returned,
// unless an outcome was delivered concurrently, in which case that outcome wins.
func (w *Waiter) Wait(ctx context.Context) (*protocol.URLResponse, error) {
	select {
	case o := <-w.ch:
		return o.resp, o.err
	case <-ctx.Done():
		w.c.finish(w, outcome{err: ctx.Err()})
		o := <-w.ch
		return o.resp, o.err
	}
}

// Cancel ends the registration with ErrCanceled if it is still pending.
// A later response for the same id is unmatched.
func (w *Waiter) Cancel() {
	w.c.finish(w, outcome{err: ErrCanceled})
}
