package application

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/network"

	"github.com/oxtoacart/bpool"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	maxAcceptsPerEvent   = 64
	maxDatagramsPerEvent = 64
	maxAnswersPerEvent   = 64
	maxPooledBuffers     = 1024
)

var (
	ErrUDPUnsupported = errors.New("udp relay not supported")
	ErrConnectFailed  = errors.New("pending connect failed")
	ErrNoResolver     = errors.New("no resolver for hostname target")
	ErrHangup         = errors.New("socket hangup")
)

type Options struct {
	Listen      netip.AddrPort
	Timeout     time.Duration // idle time after which the reaper closes a link
	BufferSize  int           // plaintext bytes moved per read
	MaxLinks    int           // 0 means unlimited
	AcceptRate  float64       // new links per second, 0 means unlimited
	AcceptBurst int
}

// RelayService accepts client connections, decrypts the client stream,
// connects to the destination named in its header and relays both
// directions. All of its state is driven from a single event loop.
type RelayService struct {
	log      *slog.Logger
	loop     domain.EventLoop
	crypto   domain.Crypto
	resolver domain.Resolver
	opts     Options

	links   *linkTable
	queries map[uint16]*domain.Link
	limiter *rate.Limiter
	scratch []byte

	listenerFD int
	udpFD      int

	now     func() time.Time
	dial    func(netip.AddrPort) (int, error)
	sockErr func(fd int) (int, error)
}

// NewRelayService binds the stream listener and the (inert) datagram
// listener on opts.Listen. resolver may be nil, in which case hostname
// targets are refused.
func NewRelayService(loop domain.EventLoop, logger *slog.Logger, crypto domain.Crypto, resolver domain.Resolver, opts Options) (*RelayService, error) {
	lfd, err := network.ListenTCP(opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}

	ufd, err := network.BindUDP(opts.Listen)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("failed to bind udp: %w", err)
	}

	s := newRelayService(loop, logger, crypto, resolver, opts)
	s.listenerFD = lfd
	s.udpFD = ufd
	return s, nil
}

func newRelayService(loop domain.EventLoop, logger *slog.Logger, crypto domain.Crypto, resolver domain.Resolver, opts Options) *RelayService {
	width := opts.BufferSize + crypto.IVLen()
	s := &RelayService{
		log:        logger,
		loop:       loop,
		crypto:     crypto,
		resolver:   resolver,
		opts:       opts,
		links:      newLinkTable(loop, logger, bpool.NewBytePool(maxPooledBuffers, width)),
		queries:    make(map[uint16]*domain.Link),
		scratch:    make([]byte, opts.BufferSize),
		listenerFD: -1,
		udpFD:      -1,
		now:        time.Now,
		dial:       network.Dial,
		sockErr:    network.SocketError,
	}
	if opts.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), max(opts.AcceptBurst, 1))
	}
	return s
}

func (s *RelayService) Start() error {
	s.log.Info("Registering server sockets in EventLoop", "listener_fd", s.listenerFD, "udp_fd", s.udpFD)

	if err := s.loop.Register(s.listenerFD, domain.EventRead); err != nil {
		return err
	}
	if err := s.loop.Register(s.udpFD, domain.EventRead); err != nil {
		return err
	}
	if s.resolver != nil {
		if err := s.loop.Register(s.resolver.FD(), domain.EventRead); err != nil {
			return err
		}
	}

	s.log.Info("Relay service is running loop...", "method", s.crypto.Method(), "listen", s.Addr())
	return s.loop.Run(s)
}

// Addr reports the bound stream listener address.
func (s *RelayService) Addr() netip.AddrPort {
	sa, err := unix.Getsockname(s.listenerFD)
	if err != nil {
		return netip.AddrPort{}
	}
	return network.AddrPort(sa)
}

// Close tears down every link and the listening sockets.
func (s *RelayService) Close() {
	for _, ln := range s.links.all() {
		s.destroy(ln, errors.New("shutdown"))
	}
	for _, fd := range []int{s.listenerFD, s.udpFD} {
		if fd >= 0 {
			s.loop.Unregister(fd)
			unix.Close(fd)
		}
	}
	s.listenerFD, s.udpFD = -1, -1
}

func (s *RelayService) HandleEvent(fd int, event domain.EventType) error {
	switch {
	case fd == s.listenerFD:
		return s.acceptClients()
	case fd == s.udpFD:
		return s.drainDatagrams()
	case s.resolver != nil && fd == s.resolver.FD():
		return s.handleAnswers()
	}

	if s.links.stale(fd) {
		s.log.Debug("Dropping event for fd closed in this batch", "fd", fd, "events", event)
		return nil
	}
	ln := s.links.lookup(fd)
	if ln == nil {
		s.log.Debug("No link for fd, ignoring event", "fd", fd)
		return nil
	}

	if err := s.dispatch(ln, fd, event); err != nil {
		s.destroy(ln, err)
		return nil
	}
	if err := s.syncInterest(ln); err != nil {
		s.destroy(ln, err)
	}
	return nil
}

// Sweep runs once the current batch of events has been handled.
func (s *RelayService) Sweep(now time.Time) {
	if s.resolver != nil {
		for _, ans := range s.resolver.Expire(now) {
			s.deliver(ans)
		}
	}
	s.reap(now)
	s.links.endBatch()
}

// reap destroys every link idle for longer than the configured timeout.
func (s *RelayService) reap(now time.Time) int {
	idle := s.links.idle(now, s.opts.Timeout)
	for _, ln := range idle {
		s.destroy(ln, fmt.Errorf("idle for %s", now.Sub(ln.LastActive).Truncate(time.Second)))
	}
	return len(idle)
}

func (s *RelayService) destroy(ln *domain.Link, reason error) {
	if ln.Closed {
		return
	}
	if ln.RemotePhase == domain.RemoteResolving {
		delete(s.queries, ln.QueryID)
		if s.resolver != nil {
			s.resolver.Forget(ln.QueryID)
		}
	}

	attrs := []any{
		"link", ln.ID,
		"local_fd", ln.Local.FD,
		"remote_fd", ln.Remote.FD,
		"peer", ln.Peer,
		"phase", ln.RemotePhase,
		"up", ln.Up,
		"down", ln.Down,
		"duration", s.now().Sub(ln.Created).Truncate(time.Millisecond),
		"reason", reason,
	}
	if ln.HeaderReceived() {
		attrs = append(attrs, "target", ln.Target)
	}

	s.links.destroy(ln)

	if errors.Is(reason, network.ErrPeerClosed) {
		s.log.Info("Closing link", attrs...)
	} else {
		s.log.Warn("Closing link", attrs...)
	}
}

func (s *RelayService) acceptClients() error {
	for i := 0; i < maxAcceptsPerEvent; i++ {
		nfd, peer, err := network.Accept(s.listenerFD)
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if errors.Is(err, unix.ECONNABORTED) {
			continue
		}
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}

		if reason := s.admit(); reason != "" {
			s.log.Warn("Refusing client", "ip", peer, "reason", reason)
			unix.Close(nfd)
			continue
		}

		session, err := s.crypto.NewSession()
		if err != nil {
			s.log.Error("Crypto session failed", "error", err)
			unix.Close(nfd)
			continue
		}

		ln, err := s.links.create(nfd, peer.String(), session, s.now())
		if err != nil {
			s.log.Warn("Failed to register client", "fd", nfd, "error", err)
			unix.Close(nfd)
			continue
		}
		s.log.Info("New client accepted", "link", ln.ID, "fd", nfd, "ip", peer)
	}
	return nil
}

func (s *RelayService) admit() string {
	if s.opts.MaxLinks > 0 && s.links.len() >= s.opts.MaxLinks {
		return "too many links"
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return "accept rate exceeded"
	}
	return ""
}

func (s *RelayService) drainDatagrams() error {
	for i := 0; i < maxDatagramsPerEvent; i++ {
		_, from, err := unix.Recvfrom(s.udpFD, s.scratch, 0)
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recvfrom: %w", err)
		}
		s.log.Warn("udp relay not supported (for now)", "from", network.AddrPort(from))
	}
	return nil
}

// beginConnect starts reaching the parsed target, resolving it first when
// it is a hostname without a cached answer.
func (s *RelayService) beginConnect(ln *domain.Link) error {
	t := ln.Target
	if !t.IsDomain() {
		return s.connect(ln, t.AddrPort())
	}
	if s.resolver == nil {
		return fmt.Errorf("%w: %s", ErrNoResolver, t.Host)
	}
	if addr, ok := s.resolver.Lookup(t.Host); ok {
		return s.connect(ln, netip.AddrPortFrom(addr, t.Port))
	}
	return s.query(ln, false)
}

func (s *RelayService) query(ln *domain.Link, ipv6 bool) error {
	id, err := s.resolver.Query(ln.Target.Host, ipv6)
	if err != nil {
		return err
	}
	s.queries[id] = ln
	ln.QueryID = id
	ln.RemotePhase = domain.RemoteResolving
	s.log.Debug("Resolving domain", "link", ln.ID, "domain", ln.Target.Host, "ipv6", ipv6)
	return nil
}

func (s *RelayService) connect(ln *domain.Link, ap netip.AddrPort) error {
	fd, err := s.dial(ap)
	if err != nil {
		return err
	}
	if err := s.links.attachRemote(ln, fd, domain.EventWrite); err != nil {
		return err
	}
	ln.RemotePhase = domain.RemoteConnecting
	s.log.Debug("Initiating TCP connection", "link", ln.ID, "target", ln.Target, "remote_ip", ap, "remote_fd", fd)
	return nil
}

func (s *RelayService) handleAnswers() error {
	for i := 0; i < maxAnswersPerEvent; i++ {
		ans, err := s.resolver.ReadAnswer()
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if err != nil {
			s.log.Debug("Ignoring DNS datagram", "error", err)
			continue
		}
		s.deliver(ans)
	}
	return nil
}

// deliver hands a DNS outcome to the link waiting for it, if any.
func (s *RelayService) deliver(ans domain.Answer) {
	ln := s.queries[ans.ID]
	delete(s.queries, ans.ID)
	if ln == nil || ln.Closed || ln.RemotePhase != domain.RemoteResolving || ln.QueryID != ans.ID {
		return
	}

	if err := s.resolved(ln, ans); err != nil {
		s.destroy(ln, err)
		return
	}
	if err := s.syncInterest(ln); err != nil {
		s.destroy(ln, err)
	}
}

func (s *RelayService) resolved(ln *domain.Link, ans domain.Answer) error {
	ln.Touch(s.now())
	if ans.Err != nil {
		if errors.Is(ans.Err, domain.ErrNoRecords) && !ans.IPv6 {
			return s.query(ln, true)
		}
		return fmt.Errorf("resolve %s: %w", ans.Host, ans.Err)
	}
	s.log.Info("DNS Resolved", "link", ln.ID, "domain", ans.Host, "ip", ans.Addr)
	return s.connect(ln, netip.AddrPortFrom(ans.Addr, ln.Target.Port))
}
