package application

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"
	"time"

	"ss-relay/internal/domain"
	"ss-relay/pkg/logger"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pollLoop is an EventLoop that records registrations and lets a test drive
// one non-blocking poll(2) round at a time.
type pollLoop struct {
	interest     map[int]domain.EventType
	unregistered []int
}

func newPollLoop() *pollLoop {
	return &pollLoop{interest: make(map[int]domain.EventType)}
}

func (l *pollLoop) Register(fd int, events domain.EventType) error {
	if _, ok := l.interest[fd]; ok {
		return unix.EEXIST
	}
	l.interest[fd] = events
	return nil
}

func (l *pollLoop) Modify(fd int, events domain.EventType) error {
	if _, ok := l.interest[fd]; !ok {
		return unix.ENOENT
	}
	l.interest[fd] = events
	return nil
}

func (l *pollLoop) Unregister(fd int) error {
	if _, ok := l.interest[fd]; !ok {
		return unix.ENOENT
	}
	delete(l.interest, fd)
	l.unregistered = append(l.unregistered, fd)
	return nil
}

func (l *pollLoop) Run(domain.EventHandler) error { return nil }

func (l *pollLoop) Stop() {}

// step dispatches the readiness of every registered fd once, filtered by its
// interest like a level-triggered epoll set, then sweeps at now. It returns
// the number of dispatched events.
func (l *pollLoop) step(t *testing.T, h domain.EventHandler, now time.Time) int {
	t.Helper()

	fds := make([]unix.PollFd, 0, len(l.interest))
	for fd, ev := range l.interest {
		var events int16
		if ev&domain.EventRead != 0 {
			events |= unix.POLLIN
		}
		if ev&domain.EventWrite != 0 {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	for {
		_, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		break
	}

	n := 0
	for _, p := range fds {
		var ev domain.EventType
		if p.Revents&unix.POLLIN != 0 {
			ev |= domain.EventRead
		}
		if p.Revents&unix.POLLOUT != 0 {
			ev |= domain.EventWrite
		}
		if p.Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			ev |= domain.EventHangup
		}
		if ev == domain.EventNone {
			continue
		}
		h.HandleEvent(int(p.Fd), ev)
		n++
	}
	h.Sweep(now)
	return n
}

// xorCrypto is a transparent stand-in for the stream cipher: a fixed IV of
// ivLen zero bytes followed by every byte XORed with 0x5a. It counts Decrypt
// calls.
type xorCrypto struct {
	ivLen    int
	decrypts int
}

func (c *xorCrypto) Method() string { return "xor" }

func (c *xorCrypto) IVLen() int { return c.ivLen }

func (c *xorCrypto) NewSession() (domain.CryptoSession, error) {
	return &xorSession{c: c}, nil
}

type xorSession struct {
	c          *xorCrypto
	encStarted bool
	decStarted bool
}

func (s *xorSession) Encrypt(dst, src []byte) ([]byte, error) {
	if !s.encStarted {
		dst = append(dst, make([]byte, s.c.ivLen)...)
		s.encStarted = true
	}
	for _, b := range src {
		dst = append(dst, b^0x5a)
	}
	return dst, nil
}

func (s *xorSession) Decrypt(dst, src []byte) ([]byte, error) {
	s.c.decrypts++
	if !s.decStarted {
		if len(src) <= s.c.ivLen {
			return dst, errors.New("short iv")
		}
		src = src[s.c.ivLen:]
		s.decStarted = true
	}
	for _, b := range src {
		dst = append(dst, b^0x5a)
	}
	return dst, nil
}

// fakeResolver answers queries from a queue the test fills.
type fakeResolver struct {
	cache   map[string]netip.Addr
	queries []domain.Answer // ID, Host and IPv6 of every query sent
	answers []domain.Answer
	expired []domain.Answer // returned by the next Expire
	forgot  []uint16
	nextID  uint16
}

const fakeResolverFD = 1 << 20

func (r *fakeResolver) FD() int { return fakeResolverFD }

func (r *fakeResolver) Lookup(host string) (netip.Addr, bool) {
	addr, ok := r.cache[host]
	return addr, ok
}

func (r *fakeResolver) Query(host string, ipv6 bool) (uint16, error) {
	r.nextID++
	r.queries = append(r.queries, domain.Answer{ID: r.nextID, Host: host, IPv6: ipv6})
	return r.nextID, nil
}

func (r *fakeResolver) ReadAnswer() (domain.Answer, error) {
	if len(r.answers) == 0 {
		return domain.Answer{}, unix.EAGAIN
	}
	ans := r.answers[0]
	r.answers = r.answers[1:]
	return ans, nil
}

func (r *fakeResolver) Expire(time.Time) []domain.Answer {
	out := r.expired
	r.expired = nil
	return out
}

func (r *fakeResolver) Forget(id uint16) { r.forgot = append(r.forgot, id) }

func (r *fakeResolver) Close() error { return nil }

// encodeAddress builds the destination header a client sends first.
func encodeAddress(a domain.Address) []byte {
	b := []byte{a.Type}
	switch a.Type {
	case domain.AtypIPv4:
		ip := a.IP.As4()
		b = append(b, ip[:]...)
	case domain.AtypIPv6:
		ip := a.IP.As16()
		b = append(b, ip[:]...)
	default:
		b = append(b, byte(len(a.Host)))
		b = append(b, a.Host...)
	}
	return binary.BigEndian.AppendUint16(b, a.Port)
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

// rig is one Link whose local leg is a socketpair with the test playing the
// client, and whose dialer hands out socketpairs with the test playing the
// destination.
type rig struct {
	t      *testing.T
	s      *RelayService
	loop   *pollLoop
	crypto domain.Crypto
	ln     *domain.Link

	client int // test end of the local leg
	dest   int // test end of the remote leg, -1 before dial
	enc    domain.CryptoSession
	dec    domain.CryptoSession

	clock time.Time
	dials []netip.AddrPort
	soErr int
}

func newRig(t *testing.T, crypto domain.Crypto, opts Options) *rig {
	t.Helper()

	if opts.BufferSize == 0 {
		opts.BufferSize = 4096
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Minute
	}

	r := &rig{
		t:      t,
		loop:   newPollLoop(),
		crypto: crypto,
		dest:   -1,
		clock:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	r.s = newRelayService(r.loop, logger.Discard(), crypto, nil, opts)
	r.s.now = func() time.Time { return r.clock }
	r.s.dial = func(ap netip.AddrPort) (int, error) {
		r.dials = append(r.dials, ap)
		ours, theirs := socketPair(t)
		r.dest = theirs
		t.Cleanup(func() { unix.Close(theirs) })
		return ours, nil
	}
	r.s.sockErr = func(int) (int, error) { return r.soErr, nil }

	local, client := socketPair(t)
	r.client = client
	t.Cleanup(func() { unix.Close(client) })

	session, err := crypto.NewSession()
	require.NoError(t, err)
	r.ln, err = r.s.links.create(local, "test", session, r.clock)
	require.NoError(t, err)

	r.enc, err = crypto.NewSession()
	require.NoError(t, err)
	r.dec, err = crypto.NewSession()
	require.NoError(t, err)

	t.Cleanup(func() {
		for _, ln := range r.s.links.all() {
			r.s.destroy(ln, errors.New("test done"))
		}
	})
	return r
}

// seal encrypts p as the client would.
func (r *rig) seal(p []byte) []byte {
	out, err := r.enc.Encrypt(nil, p)
	require.NoError(r.t, err)
	return out
}

func (r *rig) open(p []byte) []byte {
	out, err := r.dec.Decrypt(nil, p)
	require.NoError(r.t, err)
	return out
}

func (r *rig) write(fd int, p []byte) {
	r.t.Helper()
	n, err := unix.Write(fd, p)
	require.NoError(r.t, err)
	require.Equal(r.t, len(p), n)
}

// drain reads everything currently queued on fd.
func (r *rig) drain(fd int) []byte {
	r.t.Helper()
	var out []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN || n == 0 {
			return out
		}
		require.NoError(r.t, err)
		out = append(out, buf[:n]...)
	}
}

func (r *rig) event(fd int, ev domain.EventType) {
	r.s.HandleEvent(fd, ev)
}

func (r *rig) step() int {
	return r.loop.step(r.t, r.s, r.clock)
}

// writeSome writes as much of p as fd accepts right now.
func writeSome(t *testing.T, fd int, p []byte) int {
	t.Helper()
	if len(p) == 0 {
		return 0
	}
	n, err := unix.Write(fd, p)
	if err == unix.EAGAIN {
		return 0
	}
	require.NoError(t, err)
	return n
}

// readSome reads at most max bytes from fd without blocking.
func readSome(t *testing.T, fd int, max int) []byte {
	t.Helper()
	buf := make([]byte, max)
	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN {
		return nil
	}
	require.NoError(t, err)
	return buf[:n]
}

// connect sends the header for 127.0.0.1:80 plus payload and completes the
// pending connect.
func (r *rig) connect(payload []byte) {
	r.t.Helper()
	hdr := encodeAddress(domain.Address{
		Type: domain.AtypIPv4,
		IP:   netip.MustParseAddr("127.0.0.1"),
		Port: 80,
	})
	r.write(r.client, r.seal(append(hdr, payload...)))
	r.event(r.ln.Local.FD, domain.EventRead)
	require.Equal(r.t, domain.RemoteConnecting, r.ln.RemotePhase)
	r.event(r.ln.Remote.FD, domain.EventWrite)
	require.Equal(r.t, domain.RemoteConnected, r.ln.RemotePhase)
}
