// Package reactor is the event loop adaptor: it registers
// readability/writability watchers on a file descriptor and one-shot
// timers, dispatching both from a single loop goroutine. It is the
// Go-idiomatic equivalent of the original client's libevent event_base,
// built directly on golang.org/x/sys/unix epoll plus a min-heap timer
// list (the heap-of-deadlines shape is grounded in the pack's gaio
// watcher, which keeps exactly this kind of timedHeap alongside its
// poller).
//
// Watchers are always one-shot: after firing, a handler must call
// Rearm to continue watching. This mirrors the single IOWatcher slot a
// Request reuses for network-readable and network-writable; the
// deferred base-hop wake goes through Post instead.
package reactor

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// IOWatcher is a one-shot readiness registration on a single fd.
type IOWatcher struct {
	fd     int
	events uint32
	cb     func(events uint32)
	loop   *Loop
	closed bool
}

// Timer is a one-shot deadline registration.
type Timer struct {
	deadline time.Time
	cb       func()
	index    int // heap index, maintained by container/heap
	canceled bool
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// task is a function the owning goroutine should run on its next pass,
// used both for cross-goroutine submissions and the base-hop event.
type task struct {
	fn func()
}

// Loop is a single-threaded reactor: one goroutine owns the epoll fd and
// runs every callback inline, in registration order of readiness, with
// no interleaving between network and timer callbacks for the same
// request.
type Loop struct {
	epfd     int
	wakeR    int // eventfd used to interrupt a blocked epoll_wait
	mu       sync.Mutex
	watchers map[int]*IOWatcher
	timers   timerHeap
	tasks    []task
	die      chan struct{}
	dieOnce  sync.Once
	running  sync.WaitGroup
}

// New creates a Loop. The caller must call Run (typically in its own
// goroutine) to start dispatch.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	l := &Loop{
		epfd:     epfd,
		wakeR:    wakeFd,
		watchers: make(map[int]*IOWatcher),
		die:      make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, fmt.Errorf("reactor: registering wake fd: %w", err)
	}
	return l, nil
}

// Close stops the loop and releases its epoll/eventfd descriptors. Safe
// to call more than once.
func (l *Loop) Close() error {
	l.dieOnce.Do(func() { close(l.die) })
	l.wake()
	l.running.Wait()
	unix.Close(l.wakeR)
	return unix.Close(l.epfd)
}

func (l *Loop) wake() {
	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(l.wakeR, one[:])
}

// Post schedules fn to run on the loop goroutine on its next pass. Safe
// to call from any goroutine; this is the mechanism the cluster's
// pending-queue wake-up uses to hop the restart back onto the request's
// own loop thread (the "base-hop" event).
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task{fn: fn})
	l.mu.Unlock()
	l.wake()
}

// AddIO registers a one-shot watcher for the given epoll event mask
// (unix.EPOLLIN / unix.EPOLLOUT) on fd.
func (l *Loop) AddIO(fd int, events uint32, cb func(events uint32)) (*IOWatcher, error) {
	w := &IOWatcher{fd: fd, events: events, cb: cb, loop: l}
	l.mu.Lock()
	l.watchers[fd] = w
	l.mu.Unlock()
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	}); err != nil {
		l.mu.Lock()
		delete(l.watchers, fd)
		l.mu.Unlock()
		return nil, fmt.Errorf("reactor: epoll_ctl add fd=%d: %w", fd, err)
	}
	return w, nil
}

// Rearm re-registers the watcher for a (possibly new) event mask after
// it has fired. Idempotent deregistration is handled by Remove; Rearm on
// a removed watcher is a no-op, avoiding the double-deregistration bugs
// a reused bool flag invites.
func (w *IOWatcher) Rearm(events uint32) error {
	if w.closed {
		return nil
	}
	w.events = events
	return unix.EpollCtl(w.loop.epfd, unix.EPOLL_CTL_MOD, w.fd, &unix.EpollEvent{
		Events: events | unix.EPOLLONESHOT,
		Fd:     int32(w.fd),
	})
}

// Remove deregisters the watcher. Idempotent: calling it twice is safe.
func (w *IOWatcher) Remove() {
	if w.closed {
		return
	}
	w.closed = true
	w.loop.mu.Lock()
	delete(w.loop.watchers, w.fd)
	w.loop.mu.Unlock()
	_ = unix.EpollCtl(w.loop.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
}

// AddTimer arms a one-shot timer that fires cb after d. The returned
// Timer can be canceled with Cancel before it fires.
func (l *Loop) AddTimer(d time.Duration, cb func()) *Timer {
	t := &Timer{deadline: time.Now().Add(d), cb: cb, index: -1}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.wake()
	return t
}

// Cancel deregisters a timer before it fires. Idempotent.
func (t *Timer) Cancel(l *Loop) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.canceled || t.index < 0 {
		t.canceled = true
		return
	}
	t.canceled = true
	heap.Remove(&l.timers, t.index)
}

// Run dispatches events until Close is called. Intended to be the body
// of the single goroutine that owns this Loop: one event-loop thread
// drives every I/O and timer event.
func (l *Loop) Run() {
	l.running.Add(1)
	defer l.running.Done()

	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-l.die:
			return
		default:
		}

		timeout := l.nextTimeout()
		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeR {
				var buf [8]byte
				_, _ = unix.Read(l.wakeR, buf[:])
				continue
			}
			l.mu.Lock()
			w := l.watchers[fd]
			l.mu.Unlock()
			if w == nil || w.closed {
				continue
			}
			w.cb(events[i].Events)
		}

		l.runDueTimers()
		l.runTasks()
	}
}

func (l *Loop) nextTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return -1 // block indefinitely until woken
	}
	until := time.Until(l.timers[0].deadline)
	if until <= 0 {
		return 0
	}
	ms := until.Milliseconds()
	if ms > 1<<30 {
		ms = 1 << 30
	}
	return int(ms)
}

func (l *Loop) runDueTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].deadline.After(now) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*Timer)
		canceled := t.canceled
		l.mu.Unlock()
		if !canceled {
			t.cb()
		}
	}
}

func (l *Loop) runTasks() {
	l.mu.Lock()
	pending := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, tk := range pending {
		tk.fn()
	}
}
