// Package session implements the per-pair rendezvous state machine: two
// clients share a Session by SessionId, alternately depositing an
// utterance for the other side to pick up and waiting for one in return.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ikermy/rendezvous-proxy/internal/envelope"
)

// State is one of the four states a Session moves through.
type State uint8

const (
	Empty State = iota
	AwaitingPeer
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case AwaitingPeer:
		return "awaiting_peer"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Side is the two-valued participant tag.
type Side uint8

const (
	sideNone Side = iota
	SideA
	SideB
)

// Session is one pairing of two clients sharing a SessionId.
type Session struct {
	ID string

	mu           sync.Mutex
	state        State
	sideAPresent bool
	sideBPresent bool
	lastActivity int64 // unix nanos, monotonic non-decreasing
	createdAt    time.Time

	queueAtoB chan string // A delivers here, B receives
	queueBtoA chan string // B delivers here, A receives

	recvWaitingA atomic.Bool
	recvWaitingB atomic.Bool

	closeOnce   sync.Once
	closeCh     chan struct{}
	closeReason envelope.ErrorKind
}

// New creates a fresh Session in the Empty state.
func New(id string) *Session {
	return &Session{
		ID:        id,
		state:     Empty,
		createdAt: time.Now(),
		queueAtoB: make(chan string, 1),
		queueBtoA: make(chan string, 1),
		closeCh:   make(chan struct{}),
	}
}

func (s *Session) touch() {
	now := time.Now().UnixNano()
	for {
		prev := atomic.LoadInt64(&s.lastActivity)
		if now <= prev {
			return
		}
		if atomic.CompareAndSwapInt64(&s.lastActivity, prev, now) {
			return
		}
	}
}

// IdleFor returns how long the session has had no activity.
func (s *Session) IdleFor() time.Duration {
	last := atomic.LoadInt64(&s.lastActivity)
	if last == 0 {
		last = s.createdAt.UnixNano()
	}
	return time.Since(time.Unix(0, last))
}

// IsIdleFor reports whether the session has had no activity for at least d.
func (s *Session) IsIdleFor(d time.Duration) bool {
	return s.IdleFor() >= d
}

// State returns the current state under the session mutex.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SidesPresent reports whether A and/or B have joined.
func (s *Session) SidesPresent() (a, b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sideAPresent, s.sideBPresent
}

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Exchange is the single mutating operation on a Session: it delivers
// utterance to the peer side and suspends until the peer's own utterance
// arrives or ctx expires. The caller sizes ctx's deadline (handshake vs
// turn budget). A deadline hit while still awaiting the peer's first
// arrival closes the session; a deadline hit on a later turn fails only
// this caller and leaves the session usable.
func (s *Session) Exchange(ctx context.Context, utterance string) (string, *envelope.Error) {
	s.mu.Lock()

	if s.state == Closed {
		s.mu.Unlock()
		return "", envelope.New(envelope.KindSessionGone, "session_closed", "session %s is closed", s.ID)
	}

	switch s.state {
	case Empty:
		s.sideAPresent = true
		s.state = AwaitingPeer
		s.recvWaitingA.Store(true)
		s.touch()
		s.mu.Unlock()
		// The handshake ping from A is consumed here and discarded.
		resp, waitErr := s.waitOn(ctx, s.queueBtoA, &s.recvWaitingA)
		if waitErr != nil && waitErr.Kind == envelope.KindTimeout && ctx.Err() == context.DeadlineExceeded {
			// Handshake budget exhausted with no peer: unlike a turn
			// timeout, this closes the session. If B arrived in the race
			// window the session is Active now and a timeout no longer
			// closes it.
			s.mu.Lock()
			stillAwaiting := s.state == AwaitingPeer
			s.mu.Unlock()
			if stillAwaiting {
				s.Close(envelope.KindTimeout)
			}
		}
		return resp, waitErr

	case AwaitingPeer:
		if !s.sideBPresent {
			s.sideBPresent = true
			s.state = Active
			s.touch()
			// Deliver B's utterance onto queue_b_to_a: this wakes A's
			// pending handshake wait, returning B's utterance as A's
			// response.
			select {
			case s.queueBtoA <- utterance:
			default:
				s.mu.Unlock()
				return "", envelope.New(envelope.KindSessionConflict, "queue_full", "queue_b_to_a already full")
			}
			s.recvWaitingB.Store(true)
			s.mu.Unlock()
			return s.waitOn(ctx, s.queueAtoB, &s.recvWaitingB)
		}
		// A third arrival while still awaiting the handshake is rejected,
		// never allowed to become a new participant.
		s.mu.Unlock()
		return "", envelope.New(envelope.KindSessionConflict, "third_participant", "session %s already has two pending participants", s.ID)

	case Active:
		side, convErr := s.resolveSideLocked()
		if convErr != nil {
			s.mu.Unlock()
			return "", convErr
		}
		s.touch()
		if side == SideA {
			select {
			case s.queueAtoB <- utterance:
			default:
				s.mu.Unlock()
				return "", envelope.New(envelope.KindSessionConflict, "queue_full", "queue_a_to_b already full")
			}
			s.recvWaitingA.Store(true)
			s.mu.Unlock()
			return s.waitOn(ctx, s.queueBtoA, &s.recvWaitingA)
		}
		select {
		case s.queueBtoA <- utterance:
		default:
			s.mu.Unlock()
			return "", envelope.New(envelope.KindSessionConflict, "queue_full", "queue_b_to_a already full")
		}
		s.recvWaitingB.Store(true)
		s.mu.Unlock()
		return s.waitOn(ctx, s.queueAtoB, &s.recvWaitingB)

	default:
		s.mu.Unlock()
		return "", envelope.New(envelope.KindInternal, "bad_state", "session %s in unexpected state", s.ID)
	}
}

// resolveSideLocked derives caller identity from queue occupancy and
// pending-receiver state, without a cookie. Must be called with s.mu held.
func (s *Session) resolveSideLocked() (Side, *envelope.Error) {
	aWaiting := s.recvWaitingA.Load()
	bWaiting := s.recvWaitingB.Load()

	switch {
	case aWaiting && !bWaiting:
		return SideB, nil
	case bWaiting && !aWaiting:
		return SideA, nil
	case aWaiting && bWaiting:
		// Both sides already have a suspended receiver; a third cannot be
		// assigned without breaking the at-most-one-in-flight invariant.
		return sideNone, envelope.New(envelope.KindSessionConflict, "both_waiting", "session %s has two concurrent suspended receivers", s.ID)
	}

	// Neither side currently has a pending receiver: assign the caller to
	// whichever delivery queue is empty, so its utterance can be deposited.
	aQueueEmpty := len(s.queueAtoB) == 0
	bQueueEmpty := len(s.queueBtoA) == 0

	switch {
	case aQueueEmpty && !bQueueEmpty:
		return SideA, nil
	case bQueueEmpty && !aQueueEmpty:
		return SideB, nil
	case aQueueEmpty && bQueueEmpty:
		// Genuinely ambiguous (no outstanding deliveries, no waiters): a
		// rare race on an otherwise idle Active session. Picking A is
		// arbitrary but total, as the design notes require.
		return SideA, nil
	default:
		// Both queues already hold an undelivered envelope: a third sender
		// has nowhere to deposit without overwriting one.
		return sideNone, envelope.New(envelope.KindSessionConflict, "both_full", "session %s has both queues full", s.ID)
	}
}

// waitOn suspends the caller on recvCh until a value arrives, ctx is
// cancelled, or the close signal fires. waitingFlag is already set by the
// caller in the same s.mu critical section as its own deposit, so a peer
// woken by that deposit (which must take s.mu to resolve its next side)
// always sees this side as parked. waitOn only clears it.
func (s *Session) waitOn(ctx context.Context, recvCh chan string, waitingFlag *atomic.Bool) (string, *envelope.Error) {
	defer waitingFlag.Store(false)

	select {
	case v := <-recvCh:
		s.touch()
		return v, nil
	case <-s.closeCh:
		s.touch()
		kind := s.closeReason
		if kind == 0 {
			kind = envelope.KindSessionGone
		}
		return "", envelope.New(kind, "session_closed", "session %s closed while waiting", s.ID)
	case <-ctx.Done():
		s.touch()
		// Discard any delivery that raced in right as we bailed: no live
		// consumer remains for it.
		select {
		case <-recvCh:
		default:
		}
		if ctx.Err() == context.DeadlineExceeded {
			return "", envelope.New(envelope.KindTimeout, "budget_exhausted", "session %s: exchange timed out", s.ID)
		}
		return "", envelope.New(envelope.KindTimeout, "cancelled", "session %s: exchange cancelled", s.ID)
	}
}

// Close transitions the session to Closed exactly once, waking every
// suspended caller with the given error kind: session_gone for
// administrative close and eviction, timeout for handshake expiry.
// A Closed session never transitions out.
func (s *Session) Close(kind envelope.ErrorKind) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.closeReason = kind
		s.mu.Unlock()
		close(s.closeCh)
	})
}

// IsClosed reports whether Close has already run.
func (s *Session) IsClosed() bool {
	return s.State() == Closed
}
