package ipc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSleeper is a minimal ksync.Sleeper for tests that never actually
// need to block: Sleep returns immediately, so any test exercising a
// genuine block/wake path drives it from a second goroutine instead.
type fakeSleeper struct{}

func (fakeSleeper) Sleep() {}
func (fakeSleeper) Wake()  {}

func TestMsggetCreatesAndReturnsSameID(t *testing.T) {
	tbl := NewTable(nil, 16)
	id1, code := tbl.Msgget(42, IPCCreate)
	require.Zero(t, code)
	id2, code := tbl.Msgget(42, 0)
	require.Zero(t, code)
	require.Equal(t, id1, id2)
}

func TestMsggetExclFailsIfExists(t *testing.T) {
	tbl := NewTable(nil, 16)
	tbl.Msgget(7, IPCCreate)
	_, code := tbl.Msgget(7, IPCCreate|IPCExcl)
	require.Equal(t, EXIST, code)
}

func TestMsggetNoEntWithoutCreate(t *testing.T) {
	tbl := NewTable(nil, 16)
	_, code := tbl.Msgget(99, 0)
	require.Equal(t, NOENT, code)
}

func TestMsgsendInvalOnZeroType(t *testing.T) {
	tbl := NewTable(nil, 16)
	id, _ := tbl.Msgget(1, IPCCreate)
	code := tbl.Msgsend(id, 0, []byte("x"), 0, fakeSleeper{})
	require.Equal(t, INVAL, code)
}

func TestMsgsendThenMsgrcvRoundTrip(t *testing.T) {
	tbl := NewTable(nil, 16)
	id, _ := tbl.Msgget(1, IPCCreate)
	require.Zero(t, tbl.Msgsend(id, 5, []byte("hello"), 0, fakeSleeper{}))

	buf := make([]byte, 16)
	n, mtype := tbl.Msgrcv(id, buf, 0, 0, fakeSleeper{})
	require.Equal(t, 5, n)
	require.Equal(t, int64(5), mtype)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestMsgrcvTooBigDoesNotDetach(t *testing.T) {
	tbl := NewTable(nil, 16)
	id, _ := tbl.Msgget(1, IPCCreate)
	tbl.Msgsend(id, 1, []byte("0123456789"), 0, fakeSleeper{})

	small := make([]byte, 2)
	n, _ := tbl.Msgrcv(id, small, 0, 0, fakeSleeper{})
	require.Equal(t, TOOBIG, n)

	big := make([]byte, 32)
	n, _ = tbl.Msgrcv(id, big, 0, 0, fakeSleeper{})
	require.Equal(t, 10, n)
}

func TestMsgrcvSelectiveTypeMatching(t *testing.T) {
	tbl := NewTable(nil, 16)
	id, _ := tbl.Msgget(1, IPCCreate)
	tbl.Msgsend(id, 1, []byte("a"), 0, fakeSleeper{})
	tbl.Msgsend(id, 2, []byte("b"), 0, fakeSleeper{})

	buf := make([]byte, 4)
	n, mtype := tbl.Msgrcv(id, buf, 2, 0, fakeSleeper{})
	require.Equal(t, 1, n)
	require.Equal(t, int64(2), mtype)
	require.Equal(t, "b", string(buf[:n]))
}

func TestMsgrcvNegativeTypeMatchesAnyLessOrEqual(t *testing.T) {
	tbl := NewTable(nil, 16)
	id, _ := tbl.Msgget(1, IPCCreate)
	tbl.Msgsend(id, 5, []byte("a"), 0, fakeSleeper{})

	buf := make([]byte, 4)
	n, mtype := tbl.Msgrcv(id, buf, -10, 0, fakeSleeper{})
	require.Equal(t, 1, n)
	require.Equal(t, int64(5), mtype)
}

func TestMsgrcvNegativeTypePicksLowestTypeNotFirstMatch(t *testing.T) {
	tbl := NewTable(nil, 16)
	id, _ := tbl.Msgget(1, IPCCreate)
	// Queued in send order 7, 3, 5: all satisfy mtype<=10, but the lowest
	// type (3) is neither first nor last in the queue.
	tbl.Msgsend(id, 7, []byte("a"), 0, fakeSleeper{})
	tbl.Msgsend(id, 3, []byte("b"), 0, fakeSleeper{})
	tbl.Msgsend(id, 5, []byte("c"), 0, fakeSleeper{})

	buf := make([]byte, 4)
	n, mtype := tbl.Msgrcv(id, buf, -10, 0, fakeSleeper{})
	require.Equal(t, 1, n)
	require.Equal(t, int64(3), mtype)
	require.Equal(t, "b", string(buf[:n]))

	// With the lowest-type message now gone, the next lowest (5) wins.
	n, mtype = tbl.Msgrcv(id, buf, -10, 0, fakeSleeper{})
	require.Equal(t, 1, n)
	require.Equal(t, int64(5), mtype)
	require.Equal(t, "c", string(buf[:n]))
}

func TestMsgrcvNegativeTypeTiesPreferEarliestOccurrence(t *testing.T) {
	tbl := NewTable(nil, 16)
	id, _ := tbl.Msgget(1, IPCCreate)
	tbl.Msgsend(id, 3, []byte("first"), 0, fakeSleeper{})
	tbl.Msgsend(id, 3, []byte("second"), 0, fakeSleeper{})

	buf := make([]byte, 8)
	n, mtype := tbl.Msgrcv(id, buf, -10, 0, fakeSleeper{})
	require.Equal(t, int64(3), mtype)
	require.Equal(t, "first", string(buf[:n]))
}

func TestMsgsendNoWaitReturnsAgainWhenFull(t *testing.T) {
	tbl := NewTable(nil, 1)
	id, _ := tbl.Msgget(1, IPCCreate)
	require.Zero(t, tbl.Msgsend(id, 1, []byte("a"), 0, fakeSleeper{}))
	code := tbl.Msgsend(id, 1, []byte("b"), IPCNoWait, fakeSleeper{})
	require.Equal(t, AGAIN, code)
}

func TestMsgrcvNoWaitReturnsAgainWhenEmpty(t *testing.T) {
	tbl := NewTable(nil, 16)
	id, _ := tbl.Msgget(1, IPCCreate)
	n, _ := tbl.Msgrcv(id, make([]byte, 4), 0, IPCNoWait, fakeSleeper{})
	require.Equal(t, AGAIN, n)
}

// blockingSleeper is a real (channel-backed) Sleeper so tests can drive
// a genuine block/wake handshake across goroutines.
type blockingSleeper struct {
	wake chan struct{}
}

func newBlockingSleeper() *blockingSleeper { return &blockingSleeper{wake: make(chan struct{}, 1)} }
func (s *blockingSleeper) Sleep()          { <-s.wake }
func (s *blockingSleeper) Wake()           { s.wake <- struct{}{} }

func TestMsgrcvBlocksUntilSend(t *testing.T) {
	tbl := NewTable(nil, 16)
	id, _ := tbl.Msgget(1, IPCCreate)

	var wg sync.WaitGroup
	wg.Add(1)
	var n int
	var mtype int64
	buf := make([]byte, 8)
	go func() {
		defer wg.Done()
		n, mtype = tbl.Msgrcv(id, buf, 0, 0, newBlockingSleeper())
	}()

	require.Eventually(t, func() bool {
		q, _ := tbl.lookup(id)
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.receivers) == 1
	}, time.Second, time.Millisecond)

	tbl.Msgsend(id, 3, []byte("hi"), 0, fakeSleeper{})
	wg.Wait()

	require.Equal(t, 2, n)
	require.Equal(t, int64(3), mtype)
}

func TestMsgctlRMIDWakesBlockedReceiver(t *testing.T) {
	tbl := NewTable(nil, 16)
	id, _ := tbl.Msgget(1, IPCCreate)

	var wg sync.WaitGroup
	wg.Add(1)
	var n int
	go func() {
		defer wg.Done()
		n, _ = tbl.Msgrcv(id, make([]byte, 8), 0, 0, newBlockingSleeper())
	}()

	require.Eventually(t, func() bool {
		q, _ := tbl.lookup(id)
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.receivers) == 1
	}, time.Second, time.Millisecond)

	tbl.Msgctl(id, true)
	wg.Wait()
	require.Equal(t, IDRM, n)
}
