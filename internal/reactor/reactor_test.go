package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTimerFires(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	go l.Run()
	defer l.Close()

	done := make(chan struct{})
	start := time.Now()
	l.AddTimer(20*time.Millisecond, func() { close(done) })

	select {
	case <-done:
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerCancel(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	go l.Run()
	defer l.Close()

	fired := make(chan struct{}, 1)
	timer := l.AddTimer(20*time.Millisecond, func() { fired <- struct{}{} })
	timer.Cancel(l)

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestIOWatcherReadable(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	go l.Run()
	defer l.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	readable := make(chan struct{}, 1)
	_, err = l.AddIO(fds[0], unix.EPOLLIN, func(events uint32) {
		readable <- struct{}{}
	})
	require.NoError(t, err)

	_, err = unix.Write(fds[1], []byte("hi"))
	require.NoError(t, err)

	select {
	case <-readable:
	case <-time.After(time.Second):
		t.Fatal("watcher did not fire on readability")
	}
}

func TestPost(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	go l.Run()
	defer l.Close()

	done := make(chan struct{})
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted task did not run")
	}
}
