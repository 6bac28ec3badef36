package network

import (
	"errors"

	"ss-relay/internal/domain"

	"golang.org/x/sys/unix"
)

// Result is the outcome of one non-blocking I/O attempt.
type Result int

const (
	Complete   Result = iota
	WouldBlock        // nothing (or not everything) could be transferred yet
	Fatal             // the link must be torn down
)

func (r Result) String() string {
	switch r {
	case Complete:
		return "complete"
	case WouldBlock:
		return "would-block"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

var ErrPeerClosed = errors.New("peer closed connection")

// ReadInto performs a single read(2) from fd into the tail of buf, reading at
// most limit bytes (limit <= 0 means the whole free space).
func ReadInto(fd int, buf *domain.Buffer, limit int) (int, Result, error) {
	tail := buf.Tail()
	if limit > 0 && limit < len(tail) {
		tail = tail[:limit]
	}
	if len(tail) == 0 {
		return 0, Fatal, domain.ErrBufferFull
	}

	n, res, err := Read(fd, tail)
	if res == Complete {
		buf.Commit(n)
	}
	return n, res, err
}

// Read performs a single read(2) into p.
func Read(fd int, p []byte) (int, Result, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, WouldBlock, nil
		case err != nil:
			return 0, Fatal, err
		case n == 0:
			return 0, Fatal, ErrPeerClosed
		}
		return n, Complete, nil
	}
}

// Flush performs a single write(2) of buf's pending bytes and drains what was
// accepted. WouldBlock means bytes remain queued.
func Flush(fd int, buf *domain.Buffer) (int, Result, error) {
	if buf.Len() == 0 {
		return 0, Complete, nil
	}
	for {
		n, err := unix.Write(fd, buf.Bytes())
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, WouldBlock, nil
		case err != nil:
			return 0, Fatal, err
		}
		buf.Drain(n)
		if buf.Len() > 0 {
			return n, WouldBlock, nil
		}
		return n, Complete, nil
	}
}
