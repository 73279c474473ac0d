package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ikermy/rendezvous-proxy/internal/envelope"
)

// exchange is the test-side shorthand for the Turn Handler's
// context.WithTimeout(r.Context(), budget) wrapping around Session.Exchange.
func exchange(s *Session, utterance string, budget time.Duration) (string, *envelope.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	return s.Exchange(ctx, utterance)
}

func waitFor(t *testing.T, ch <-chan result, timeout time.Duration) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		t.Fatal("exchange never returned")
		return result{}
	}
}

type result struct {
	resp string
	err  *envelope.Error
}

func async(s *Session, utterance string, budget time.Duration) <-chan result {
	ch := make(chan result, 1)
	go func() {
		resp, err := exchange(s, utterance, budget)
		ch <- result{resp, err}
	}()
	return ch
}

// TestBasicHandshakeAndTwoTurns walks a fresh session through the full
// handshake and two turns: the handshake ping itself is discarded, A's
// hanging request is answered by B's first utterance, and B's own
// still-open request is only answered once A sends its next turn.
func TestBasicHandshakeAndTwoTurns(t *testing.T) {
	s := New("s1")

	aFirst := async(s, "ping", time.Second)
	require.Eventually(t, func() bool { return s.State() == AwaitingPeer }, time.Second, time.Millisecond)

	bFirst := async(s, "Hello?", 2*time.Second)

	r := waitFor(t, aFirst, time.Second)
	require.Nil(t, r.err)
	require.Equal(t, "Hello?", r.resp, "A's handshake response is B's first utterance")

	require.Eventually(t, func() bool { return s.State() == Active }, time.Second, time.Millisecond)

	aSecond := async(s, "Hi there", time.Second)

	r = waitFor(t, bFirst, time.Second)
	require.Nil(t, r.err)
	require.Equal(t, "Hi there", r.resp, "B's still-open request resolves once A sends its next turn")

	// aSecond delivered "Hi there" and is now parked awaiting B's reply;
	// B's next turn resolves it.
	_ = async(s, "Sure", time.Second)
	r = waitFor(t, aSecond, time.Second)
	require.Nil(t, r.err)
	require.Equal(t, "Sure", r.resp)
}

// TestHandshakeTimeoutClosesSession: a lone Side A waits out the handshake
// budget, observes timeout, and the session transitions AwaitingPeer ->
// Closed because the handshake budget was exhausted with no peer.
func TestHandshakeTimeoutClosesSession(t *testing.T) {
	s := New("s2")

	_, err := exchange(s, "ping", 20*time.Millisecond)
	require.NotNil(t, err)
	require.Equal(t, envelope.KindTimeout, err.Kind)

	require.Eventually(t, func() bool { return s.IsClosed() }, time.Second, time.Millisecond)

	_, err = exchange(s, "ping again", 20*time.Millisecond)
	require.NotNil(t, err)
	require.Equal(t, envelope.KindSessionGone, err.Kind, "a closed session never transitions out")
}

// TestTurnTimeoutDoesNotCloseSession: a turn-level timeout while Active must
// leave the session usable for the next exchange — only the waiting caller
// fails with timeout, the session itself stays Active.
func TestTurnTimeoutDoesNotCloseSession(t *testing.T) {
	s := New("s3")

	aFirst := async(s, "ping", time.Second)
	require.Eventually(t, func() bool { return s.State() == AwaitingPeer }, time.Second, time.Millisecond)

	bFirst := async(s, "hello", time.Second)
	r := waitFor(t, aFirst, time.Second)
	require.Nil(t, r.err)
	require.Equal(t, "hello", r.resp)
	require.Eventually(t, func() bool { return s.State() == Active }, time.Second, time.Millisecond)

	// A is now the side without a pending receiver and an empty send queue,
	// so this call is assigned Side A: it delivers "are you there?" onto
	// queue_a_to_b (waking bFirst immediately, before this call even starts
	// its own wait) and only then waits on queue_b_to_a for a reply, which
	// never comes within the budget.
	_, err := exchange(s, "are you there?", 20*time.Millisecond)
	require.NotNil(t, err)
	require.Equal(t, envelope.KindTimeout, err.Kind)
	require.False(t, s.IsClosed(), "a turn timeout must not close the session")

	r = waitFor(t, bFirst, time.Second)
	require.Nil(t, r.err)
	require.Equal(t, "are you there?", r.resp, "bFirst is woken by the line above's delivery, not by a later call")

	// The session keeps working. bSecond finds no pending receiver and both
	// queues empty, so the tiebreak assigns it Side A: it deposits "still
	// here" and parks. A's retry then sees a waiting Side A, is assigned
	// Side B, delivers to bSecond and picks up the already queued reply.
	bSecond := async(s, "still here", time.Second)
	time.Sleep(20 * time.Millisecond)
	aRetry := async(s, "are you there? (retry)", time.Second)

	r = waitFor(t, aRetry, time.Second)
	require.Nil(t, r.err)
	require.Equal(t, "still here", r.resp)

	r = waitFor(t, bSecond, time.Second)
	require.Nil(t, r.err)
	require.Equal(t, "are you there? (retry)", r.resp)
}

// TestSessionConflictThirdParticipant: with both sides already suspended
// (A parked on its handshake, B parked right after claiming), a further
// arrival cannot be assigned any side and is rejected with
// session_conflict. The both-waiting configuration is seeded directly
// because the live window between B's claim and A's wake-up is too narrow
// to hit reliably from the outside.
func TestSessionConflictThirdParticipant(t *testing.T) {
	s := New("s4")
	s.state = Active
	s.sideAPresent = true
	s.sideBPresent = true
	s.recvWaitingA.Store(true)
	s.recvWaitingB.Store(true)

	_, err := exchange(s, "third arrival", 200*time.Millisecond)
	require.NotNil(t, err)
	require.Equal(t, envelope.KindSessionConflict, err.Kind)
}

// TestCloseWakesAllWaiters covers an administrative/eviction close waking
// every suspended caller with session_gone.
func TestCloseWakesAllWaiters(t *testing.T) {
	s := New("s5")

	aFirst := async(s, "ping", 5*time.Second)
	require.Eventually(t, func() bool { return s.State() == AwaitingPeer }, time.Second, time.Millisecond)

	s.Close(envelope.KindSessionGone)

	r := waitFor(t, aFirst, time.Second)
	require.NotNil(t, r.err)
	require.Equal(t, envelope.KindSessionGone, r.err.Kind)
}

// TestCloseIsIdempotent exercises the sync.Once discipline directly.
func TestCloseIsIdempotent(t *testing.T) {
	s := New("s6")
	s.Close(envelope.KindTimeout)
	require.NotPanics(t, func() { s.Close(envelope.KindSessionGone) })
	require.True(t, s.IsClosed())
}

// TestSessionConflictWhenBothQueuesFull is a direct test of
// resolveSideLocked's "both full" branch: once both rendezvous queues
// already hold an undelivered envelope and neither side has a pending
// receiver, a third sender cannot be assigned a side at all and must be
// rejected, rather than silently overwriting a deposit (which would break
// exactly-once delivery).
func TestSessionConflictWhenBothQueuesFull(t *testing.T) {
	s := New("s7")
	s.state = Active
	s.sideAPresent = true
	s.sideBPresent = true
	s.queueAtoB <- "stale-a-to-b"
	s.queueBtoA <- "stale-b-to-a"

	_, err := exchange(s, "new", 50*time.Millisecond)
	require.NotNil(t, err)
	require.Equal(t, envelope.KindSessionConflict, err.Kind)
}

// TestConcurrentHandshakeArrivalsAssignExactlyOneAAndOneB is a property test
// for the double-handshake race: many concurrent first-time callers on a
// brand-new session serialize under the session mutex so exactly one takes
// the Empty branch (Side A) and exactly one claims Side B — the two present
// booleans can never be set twice. Side A is always answered, since B's
// claiming deposit is the first and only envelope on A's receive queue.
// Every other caller either loses the side resolution outright
// (session_conflict) or is folded into the normal turn flow and, with no
// peer left to answer it, times out; no caller ever sees any other outcome.
func TestConcurrentHandshakeArrivalsAssignExactlyOneAAndOneB(t *testing.T) {
	const n = 16
	s := New("s9")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var nilCount, timeoutCount, conflictCount int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := exchange(s, fmt.Sprintf("hello-%d", idx), 150*time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				nilCount++
			case err.Kind == envelope.KindTimeout:
				timeoutCount++
			case err.Kind == envelope.KindSessionConflict:
				conflictCount++
			default:
				t.Errorf("unexpected error kind %v", err.Kind)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, n, nilCount+timeoutCount+conflictCount, "every outcome is success, timeout, or session_conflict")
	require.GreaterOrEqual(t, nilCount, 1, "Side A is always answered by Side B's claiming deposit")

	a, b := s.SidesPresent()
	require.True(t, a, "exactly one caller took the Side A slot")
	require.True(t, b, "exactly one caller claimed the Side B slot")
}

func TestIdleForAndIsIdleFor(t *testing.T) {
	s := New("s8")
	require.False(t, s.IsIdleFor(time.Hour))
	require.True(t, s.IsIdleFor(0))
}
