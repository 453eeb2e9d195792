package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Resync is delivered by a feed in place of signals it could not buffer.
// Every subscription on the collection treats it as a match and reloads.
const Resync = "*"

// Feed is the change-stream side of a store. db.Store satisfies it.
type Feed interface {
	Listen(ctx context.Context, collection string) (<-chan string, error)
}

type Options struct {
	// RetryDelay is the first re-subscribe delay; it doubles per consecutive
	// failure up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Logger        zerolog.Logger
	// OnRestart runs each time the subscription re-subscribes after a failure.
	OnRestart func(collection string)
}

const (
	defaultRetryDelay    = 500 * time.Millisecond
	defaultMaxRetryDelay = 30 * time.Second
)

var errFeedClosed = errors.New("change feed closed")

// Subscription delivers full snapshots of a live query. The first snapshot is
// loaded on subscribe; afterwards every batch of matching change signals
// produces exactly one reload. Feed and load failures never reach the
// consumer: the subscription backs off and re-subscribes.
type Subscription[T any] struct {
	collection string
	feed       Feed
	match      func(key string) bool
	load       func(ctx context.Context) (T, error)
	opts       Options

	out    chan T
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts a subscription on collection. match filters change keys;
// nil matches every key.
func Subscribe[T any](ctx context.Context, feed Feed, collection string, match func(key string) bool, load func(ctx context.Context) (T, error), opts Options) *Subscription[T] {
	if match == nil {
		match = func(string) bool { return true }
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		collection: collection,
		feed:       feed,
		match:      match,
		load:       load,
		opts:       opts,
		out:        make(chan T, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// MatchKey returns a matcher for a single document key.
func MatchKey(key string) func(string) bool {
	return func(k string) bool { return k == key }
}

// C yields snapshots. A slow reader only sees the latest one. The channel is
// closed once the subscription ends.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Close unsubscribes. Nothing is delivered after Close returns.
func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed when the subscription has stopped.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

func (s *Subscription[T]) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		// Drop an undelivered snapshot so nothing is readable after Close.
		select {
		case <-s.out:
		default:
		}
		close(s.out)
	}()

	failures := 0
	for {
		healthy, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if healthy {
			failures = 0
		}
		failures++
		delay := backoff(s.opts.RetryDelay, s.opts.MaxRetryDelay, failures)
		s.opts.Logger.Warn().
			Err(err).
			Str("collection", s.collection).
			Dur("retry_in", delay).
			Msg("subscription interrupted")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if s.opts.OnRestart != nil {
			s.opts.OnRestart(s.collection)
		}
	}
}

// session listens first and loads second so no commit between the two is
// missed. healthy reports whether at least one snapshot was delivered.
func (s *Subscription[T]) session(ctx context.Context) (bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, err := s.feed.Listen(sctx, s.collection)
	if err != nil {
		return false, err
	}
	if err := s.reload(sctx); err != nil {
		return false, err
	}

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case key, ok := <-changes:
			if !ok {
				return true, errFeedClosed
			}
			dirty := s.matches(key)
			closed := false
		drain:
			for {
				select {
				case k, ok := <-changes:
					if !ok {
						closed = true
						break drain
					}
					dirty = dirty || s.matches(k)
				default:
					break drain
				}
			}
			if dirty {
				if err := s.reload(sctx); err != nil {
					return true, err
				}
			}
			if closed {
				return true, errFeedClosed
			}
		}
	}
}

func (s *Subscription[T]) matches(key string) bool {
	return key == Resync || s.match(key)
}

func (s *Subscription[T]) reload(ctx context.Context) error {
	v, err := s.load(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.deliver(v)
	return nil
}

// deliver replaces any undelivered snapshot with v. run is the only sender.
func (s *Subscription[T]) deliver(v T) {
	for {
		select {
		case s.out <- v:
			return
		default:
		}
		select {
		case <-s.out:
		default:
		}
	}
}

func backoff(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
