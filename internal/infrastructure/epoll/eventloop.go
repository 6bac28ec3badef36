package epoll

import (
	"log/slog"
	"sync/atomic"
	"time"

	"ss-relay/internal/domain"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// LinuxEventLoop is a level-triggered epoll set. Readiness that a handler
// chooses not to consume is reported again on the next wait.
type LinuxEventLoop struct {
	epollFD int
	timeout time.Duration
	log     *slog.Logger
	stopped atomic.Bool
}

func New(timeout time.Duration, logger *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &LinuxEventLoop{epollFD: fd, timeout: timeout, log: logger}, nil
}

func toEpoll(events domain.EventType) uint32 {
	var ev uint32
	if events&domain.EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if events&domain.EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) domain.EventType {
	var events domain.EventType
	if ev&unix.EPOLLIN != 0 {
		events |= domain.EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		events |= domain.EventWrite
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= domain.EventHangup
	}
	return events
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run waits for readiness until Stop is called. Errors returned by the
// handler are connection scoped and never end the loop; a failing wait does.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, maxEvents)
	msec := int(l.timeout / time.Millisecond)
	if msec <= 0 {
		msec = -1
	}

	for !l.stopped.Load() {
		n, err := unix.EpollWait(l.epollFD, events, msec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if l.stopped.Load() {
				return nil
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if err := handler.HandleEvent(fd, fromEpoll(events[i].Events)); err != nil {
				l.log.Warn("Error handling event", "fd", fd, "error", err)
			}
		}

		handler.Sweep(time.Now())
	}
	return nil
}

// Stop may be called from any goroutine. A Run blocked in epoll_wait returns
// once the wait times out.
func (l *LinuxEventLoop) Stop() {
	l.stopped.Store(true)
}

func (l *LinuxEventLoop) Close() error {
	return unix.Close(l.epollFD)
}
