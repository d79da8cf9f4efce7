// Package ipc implements IPC-MQ (SPEC_FULL.md §4.6): System-V-style
// message queues with page-backed payloads, selective type matching,
// blocking send/receive, and pipeline-send to waiting receivers.
//
// Each message's backing pages are allocated through internal/mem/page, the
// same PageAlloc every other subsystem draws from (SPEC_FULL.md's domain
// stack wiring note), so a send that cannot obtain a page surfaces NOMEM
// through the identical allocator failure path as the rest of the kernel.
package ipc

import (
	"sync"

	"github.com/iansmith/rarmogo/internal/ksync"
	"github.com/iansmith/rarmogo/internal/mem/page"
)

// Error codes, spec.md §6.
const (
	NOMEM  = -1
	NOSEQ  = -2
	NOENT  = -3
	EXIST  = -4
	INVAL  = -5
	AGAIN  = -6
	IDRM   = -7
	TOOBIG = -8
	NOMSG  = -9
)

// Flag bits for msgget/msgsend/msgrcv, spec.md §4.6.
const (
	IPCCreate = 1 << iota
	IPCExcl
	IPCNoWait
)

const seqMult = 1 << 16

// Message is one stored or in-flight message: the page-chained payload
// is flattened into a single byte slice for the host representation
// (the teacher's multi-page chaining exists to cope with physical-memory
// fragmentation, which a hosted []byte does not suffer from; the wire
// contract — store and load never partial-copy — is preserved exactly).
type Message struct {
	mtype int64
	data  []byte

	pageAddr  page.Addr
	pageCount uint32
}

// Type returns the message's type tag.
func (m *Message) Type() int64 { return m.mtype }

// Size returns the payload length.
func (m *Message) Size() int { return len(m.data) }

// Copy writes the message's payload into dst, returning the number of
// bytes copied, or TOOBIG if dst is too small (spec.md §4.6).
func (m *Message) Copy(dst []byte) int {
	if len(dst) < len(m.data) {
		return TOOBIG
	}
	return copy(dst, m.data)
}

// receiver is a blocked msgrcv call waiting in q_receiver.
type receiver struct {
	mtype int64
	size  int // length of the receive buffer
	sem   *ksync.Semaphore
	msg   *Message // filled by the matching sender or pipeline-send
	code  int      // 0 on delivery, IDRM when the queue is removed
}

// sender is a blocked msgsend call waiting in q_sender.
type sender struct {
	msg     *Message
	sem     *ksync.Semaphore
	removed bool // set by msgctl(RMID): sender must return IDRM
}

// Queue is one MessageQueue, spec.md §3.
type Queue struct {
	mu sync.Mutex

	key    int64
	id     int64
	maxMsg int
	curMsg int

	messages  []*Message
	receivers []*receiver
	senders   []*sender

	removed bool
}

// test implements spec.md §4.6's matching rule.
func test(receiveType, msgType int64) bool {
	switch {
	case receiveType == 0:
		return true
	case receiveType > 0:
		return msgType == receiveType
	default:
		return msgType <= -receiveType
	}
}

// Table is the process-wide IPC-MQ singleton, spec.md §9 "the IPC table"
// among the listed process-wide singletons.
type Table struct {
	mu      sync.Mutex
	byKey   map[int64]*Queue
	byID    map[int64]*Queue
	nextSeq int64
	pages   *page.Allocator
	maxMsg  int
}

// NewTable creates an empty IPC-MQ table drawing message pages from
// pages, each queue admitting at most maxMsg outstanding messages.
func NewTable(pages *page.Allocator, maxMsg int) *Table {
	return &Table{
		byKey:  make(map[int64]*Queue),
		byID:   make(map[int64]*Queue),
		pages:  pages,
		maxMsg: maxMsg,
	}
}

// Msgget implements spec.md §4.6: returns an existing queue id for key,
// or creates one per flags (IPCCreate, IPCExcl).
func (t *Table) Msgget(key int64, flags int) (int64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if q, ok := t.byKey[key]; ok {
		if flags&IPCCreate != 0 && flags&IPCExcl != 0 {
			return 0, EXIST
		}
		return q.id, 0
	}
	if flags&IPCCreate == 0 {
		return 0, NOENT
	}

	t.nextSeq++
	id := t.nextSeq*seqMult + key%seqMult
	q := &Queue{key: key, id: id, maxMsg: t.maxMsg}
	t.byKey[key] = q
	t.byID[id] = q
	return id, 0
}

func (t *Table) lookup(id int64) (*Queue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.byID[id]
	return q, ok
}

// Msgsend implements spec.md §4.6's send path.
func (t *Table) Msgsend(id int64, mtype int64, payload []byte, flags int, self ksync.Sleeper) int {
	if mtype < 1 {
		return INVAL
	}
	q, ok := t.lookup(id)
	if !ok {
		return NOENT
	}

	msg, ok := t.newMessage(mtype, payload)
	if !ok {
		return NOMEM
	}

	for {
		q.mu.Lock()
		if q.removed {
			q.mu.Unlock()
			return IDRM
		}

		if r := q.firstMatchingReceiverLocked(mtype, msg.Size()); r != nil {
			r.msg = msg
			r.code = 0
			q.removeReceiverLocked(r)
			q.mu.Unlock()
			r.sem.Post()
			return 0
		}

		if q.curMsg < q.maxMsg {
			q.messages = append(q.messages, msg)
			q.curMsg++
			q.mu.Unlock()
			return 0
		}

		if flags&IPCNoWait != 0 {
			q.mu.Unlock()
			return AGAIN
		}

		sem := ksync.NewSemaphore(0)
		snd := &sender{msg: msg, sem: sem}
		q.senders = append(q.senders, snd)
		q.mu.Unlock()

		sem.GetOrWait(self)

		q.mu.Lock()
		removed := snd.removed
		q.mu.Unlock()
		if removed {
			return IDRM
		}
		// Retry from the top: queue may have space, or a receiver
		// may now be waiting with a matching type.
	}
}

// Msgrcv implements spec.md §4.6's receive path.
func (t *Table) Msgrcv(id int64, dst []byte, mtype int64, flags int, self ksync.Sleeper) (int, int64) {
	q, ok := t.lookup(id)
	if !ok {
		return NOENT, 0
	}

	for {
		q.mu.Lock()
		if idx := q.findMatchLocked(mtype); idx >= 0 {
			msg := q.messages[idx]
			if len(dst) < msg.Size() {
				q.mu.Unlock()
				return TOOBIG, 0
			}
			q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
			q.curMsg--
			q.wakeOneSenderLocked()
			q.mu.Unlock()
			n := copy(dst, msg.data)
			t.freeMessage(msg)
			return n, msg.mtype
		}

		if q.removed {
			q.mu.Unlock()
			return IDRM, 0
		}
		if flags&IPCNoWait != 0 {
			q.mu.Unlock()
			return AGAIN, 0
		}

		sem := ksync.NewSemaphore(0)
		rcv := &receiver{mtype: mtype, size: len(dst), sem: sem}
		q.receivers = append(q.receivers, rcv)
		q.mu.Unlock()

		sem.GetOrWait(self)

		if rcv.msg == nil {
			return rcv.code, 0
		}
		if len(dst) < rcv.msg.Size() {
			t.freeMessage(rcv.msg)
			return TOOBIG, 0
		}
		n := copy(dst, rcv.msg.data)
		t.freeMessage(rcv.msg)
		return n, rcv.msg.mtype
	}
}

// Msgctl implements spec.md §4.6's RMID: destroy the queue, waking every
// blocked sender and receiver with IDRM.
func (t *Table) Msgctl(id int64, rmid bool) int {
	t.mu.Lock()
	q, ok := t.byID[id]
	if ok && rmid {
		delete(t.byID, id)
		delete(t.byKey, q.key)
	}
	t.mu.Unlock()
	if !ok {
		return NOENT
	}
	if !rmid {
		return 0
	}

	q.mu.Lock()
	q.removed = true
	senders := q.senders
	receivers := q.receivers
	messages := q.messages
	q.senders, q.receivers, q.messages = nil, nil, nil
	q.mu.Unlock()

	for _, s := range senders {
		s.removed = true
		s.sem.Post()
	}
	for _, r := range receivers {
		r.msg = nil
		r.code = IDRM
		r.sem.Post()
	}
	for _, m := range messages {
		t.freeMessage(m)
	}
	return 0
}

// firstMatchingReceiverLocked returns the first receiver whose type
// matches msgType and whose buffer is large enough (pipeline-send,
// spec.md §4.6 step 2). Non-matching receivers ahead of a match are left
// queued: cancellation of a skipped-but-too-small receiver is handled by
// the caller when it eventually loses the race to queue removal.
func (q *Queue) firstMatchingReceiverLocked(msgType int64, size int) *receiver {
	for _, r := range q.receivers {
		if test(r.mtype, msgType) && r.size >= size {
			return r
		}
	}
	return nil
}

func (q *Queue) removeReceiverLocked(target *receiver) {
	for i, r := range q.receivers {
		if r == target {
			q.receivers = append(q.receivers[:i], q.receivers[i+1:]...)
			return
		}
	}
}

// findMatchLocked returns the index of the matching queued message,
// spec.md §4.6 receive path step 1. For mtype >= 0 this is simply the
// first message test() accepts. For mtype < 0, the match is the message
// with the lowest msgType <= |mtype| anywhere in the queue, not merely
// the first one test() accepts (original_source/src/common/ipc.rs:455-
// 463): a single pass tightens the acceptance threshold down to the best
// type found so far, so a later, lower-typed message can still beat an
// earlier, higher-typed one, while ties on the same type keep the
// earliest occurrence.
func (q *Queue) findMatchLocked(mtype int64) int {
	if mtype >= 0 {
		for i, m := range q.messages {
			if test(mtype, m.mtype) {
				return i
			}
		}
		return -1
	}

	limit := -mtype
	best := -1
	for i, m := range q.messages {
		if m.mtype <= limit && (best == -1 || m.mtype < q.messages[best].mtype) {
			best = i
			limit = m.mtype - 1
		}
	}
	return best
}

func (q *Queue) wakeOneSenderLocked() {
	if len(q.senders) == 0 {
		return
	}
	s := q.senders[0]
	q.senders = q.senders[1:]
	s.sem.Post()
}

// newMessage allocates the page run backing payload (spec.md §3's
// page-chained message), copying payload into a flattened []byte for
// the host representation: a hosted []byte cannot fragment the way
// physical memory can, so one copy replaces the per-segment chain, while
// the page run itself is still drawn from and returned to the same
// PageAlloc every other subsystem shares, so exhaustion behaves
// identically everywhere.
func (t *Table) newMessage(mtype int64, payload []byte) (*Message, bool) {
	if t.pages == nil {
		return &Message{mtype: mtype, data: append([]byte(nil), payload...)}, true
	}
	n := uint32(len(payload)/page.Size + 1)
	addr, err := t.pages.Alloc(n)
	if err != nil {
		return nil, false
	}
	return &Message{
		mtype:     mtype,
		data:      append([]byte(nil), payload...),
		pageAddr:  addr,
		pageCount: n,
	}, true
}

func (t *Table) freeMessage(m *Message) {
	if t.pages == nil || m.pageCount == 0 {
		return
	}
	t.pages.Free(m.pageAddr, m.pageCount)
}
