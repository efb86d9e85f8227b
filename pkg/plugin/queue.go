package plugin

import (
	"sync"

	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
)

// updateQueue is an unbounded single-consumer queue: Push never blocks the
// dispatcher on a slow plugin, the plugin drains at its own pace from Out().
type updateQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []*drbdtype.ChangeUpdate
	out    chan *drbdtype.ChangeUpdate
	closed bool
}

func newUpdateQueue() *updateQueue {
	q := &updateQueue{out: make(chan *drbdtype.ChangeUpdate)}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Push enqueues u. Safe to call after Close (it is silently dropped).
func (q *updateQueue) Push(u *drbdtype.ChangeUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.buf = append(q.buf, u)
	q.cond.Signal()
}

// Out returns the channel plugins read from.
func (q *updateQueue) Out() <-chan *drbdtype.ChangeUpdate {
	return q.out
}

// Close stops accepting new pushes and lets run drain the remaining buffer
// before closing Out().
func (q *updateQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Signal()
}

func (q *updateQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.buf) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		u := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()

		q.out <- u
	}
}
