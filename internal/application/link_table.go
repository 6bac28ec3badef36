package application

import (
	"fmt"
	"log/slog"
	"time"

	"ss-relay/internal/domain"

	"github.com/oxtoacart/bpool"
	"golang.org/x/sys/unix"
)

// linkTable owns every Link and the readiness registration of its sockets.
// Both fds of a Link map to the same *Link. Only the event loop goroutine
// touches it.
type linkTable struct {
	log    *slog.Logger
	loop   domain.EventLoop
	pool   *bpool.BytePool
	byFD   map[int]*domain.Link
	count  int
	nextID uint64

	// fds closed since the current batch of readiness events was collected.
	// Events still queued for them belong to the old socket even when the
	// number has been handed out again.
	retired map[int]struct{}
}

func newLinkTable(loop domain.EventLoop, logger *slog.Logger, pool *bpool.BytePool) *linkTable {
	return &linkTable{
		log:     logger,
		loop:    loop,
		pool:    pool,
		byFD:    make(map[int]*domain.Link),
		retired: make(map[int]struct{}),
	}
}

// create registers a freshly accepted client socket for readable events.
// The remote leg stays unset until the destination header is known.
func (t *linkTable) create(fd int, peer string, session domain.CryptoSession, now time.Time) (*domain.Link, error) {
	if err := t.loop.Register(fd, domain.EventRead); err != nil {
		return nil, fmt.Errorf("register local fd %d: %w", fd, err)
	}

	t.nextID++
	ln := &domain.Link{
		ID:         t.nextID,
		Local:      domain.Leg{FD: fd, Out: domain.NewBuffer(t.pool), Interest: domain.EventRead},
		Remote:     domain.Leg{FD: -1, Out: domain.NewBuffer(t.pool)},
		Inbound:    domain.NewBuffer(t.pool),
		Session:    session,
		Peer:       peer,
		Created:    now,
		LastActive: now,
	}
	t.byFD[fd] = ln
	t.count++
	return ln, nil
}

// attachRemote adopts a connecting destination socket. On failure fd is
// closed and the link is left without a remote leg.
func (t *linkTable) attachRemote(ln *domain.Link, fd int, events domain.EventType) error {
	if err := t.loop.Register(fd, events); err != nil {
		unix.Close(fd)
		return fmt.Errorf("register remote fd %d: %w", fd, err)
	}
	ln.Remote.FD = fd
	ln.Remote.Interest = events
	t.byFD[fd] = ln
	return nil
}

func (t *linkTable) lookup(fd int) *domain.Link {
	return t.byFD[fd]
}

// stale reports whether fd was closed during the current batch.
func (t *linkTable) stale(fd int) bool {
	_, ok := t.retired[fd]
	return ok
}

// endBatch forgets the fds closed during the batch that just finished.
func (t *linkTable) endBatch() {
	clear(t.retired)
}

func (t *linkTable) setInterest(leg *domain.Leg, events domain.EventType) error {
	if leg.FD < 0 || leg.Interest == events {
		return nil
	}
	if err := t.loop.Modify(leg.FD, events); err != nil {
		return fmt.Errorf("modify fd %d: %w", leg.FD, err)
	}
	leg.Interest = events
	return nil
}

// destroy deregisters and closes both sockets and returns the buffers to the
// pool. Calling it again on the same link does nothing.
func (t *linkTable) destroy(ln *domain.Link) {
	if ln.Closed {
		return
	}
	ln.Closed = true

	for _, leg := range []*domain.Leg{&ln.Local, &ln.Remote} {
		if leg.FD < 0 {
			continue
		}
		if t.byFD[leg.FD] == ln {
			delete(t.byFD, leg.FD)
		}
		if err := t.loop.Unregister(leg.FD); err != nil {
			t.log.Debug("Unregister failed", "fd", leg.FD, "error", err)
		}
		unix.Close(leg.FD)
		t.retired[leg.FD] = struct{}{}
		leg.FD = -1
	}

	ln.Local.Out.Release()
	ln.Remote.Out.Release()
	ln.Inbound.Release()
	t.count--
}

// idle returns the links that have been inactive for longer than timeout.
func (t *linkTable) idle(now time.Time, timeout time.Duration) []*domain.Link {
	var out []*domain.Link
	for fd, ln := range t.byFD {
		if fd != ln.Local.FD {
			continue
		}
		if ln.IdleFor(now, timeout) {
			out = append(out, ln)
		}
	}
	return out
}

func (t *linkTable) all() []*domain.Link {
	out := make([]*domain.Link, 0, t.count)
	for fd, ln := range t.byFD {
		if fd == ln.Local.FD {
			out = append(out, ln)
		}
	}
	return out
}

func (t *linkTable) len() int { return t.count }
