package resolver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/network"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sys/unix"
)

const (
	resolvConf        = "/etc/resolv.conf"
	fallbackServer    = "8.8.8.8:53"
	maxMessageSize    = dns.MaxMsgSize
	cacheCleanupEvery = 10 * time.Minute

	retryAfter  = 2 * time.Second
	maxAttempts = 3
)

var (
	ErrLookupFailed     = errors.New("lookup failed")
	ErrUnexpectedAnswer = errors.New("unexpected dns answer")
	ErrTimeout          = errors.New("dns query timed out")
)

type query struct {
	host     string
	ipv6     bool
	packed   []byte
	sent     time.Time
	attempts int
}

// Resolver sends DNS queries from a non-blocking UDP socket so lookups can be
// multiplexed in the relay's event loop. Answers are cached for their TTL,
// capped at maxTTL.
type Resolver struct {
	fd      int
	server  netip.AddrPort
	cache   *gocache.Cache
	maxTTL  time.Duration
	pending map[uint16]*query
	buf     []byte

	now func() time.Time
}

var _ domain.Resolver = (*Resolver)(nil)

// New opens the client socket. An empty nameserver means the first server of
// /etc/resolv.conf, or 8.8.8.8 if that cannot be read.
func New(nameserver string, maxTTL time.Duration) (*Resolver, error) {
	server, err := serverAddr(nameserver)
	if err != nil {
		return nil, err
	}

	local := netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	if server.Addr().Unmap().Is4() {
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	fd, err := network.BindUDP(local)
	if err != nil {
		return nil, fmt.Errorf("dns socket: %w", err)
	}

	return &Resolver{
		fd:      fd,
		server:  server,
		cache:   gocache.New(maxTTL, cacheCleanupEvery),
		maxTTL:  maxTTL,
		pending: make(map[uint16]*query),
		buf:     make([]byte, maxMessageSize),
		now:     time.Now,
	}, nil
}

func serverAddr(nameserver string) (netip.AddrPort, error) {
	if nameserver == "" {
		nameserver = fallbackServer
		if cfg, err := dns.ClientConfigFromFile(resolvConf); err == nil && len(cfg.Servers) > 0 {
			nameserver = net.JoinHostPort(cfg.Servers[0], cfg.Port)
		}
	}

	if ap, err := netip.ParseAddrPort(nameserver); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(strings.Trim(nameserver, "[]"))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad nameserver %q: %w", nameserver, err)
	}
	return netip.AddrPortFrom(addr, 53), nil
}

func (r *Resolver) FD() int { return r.fd }

func (r *Resolver) Server() netip.AddrPort { return r.server }

func (r *Resolver) Lookup(host string) (netip.Addr, bool) {
	v, ok := r.cache.Get(strings.ToLower(host))
	if !ok {
		return netip.Addr{}, false
	}
	return v.(netip.Addr), true
}

func (r *Resolver) Query(host string, ipv6 bool) (uint16, error) {
	qtype := dns.TypeA
	if ipv6 {
		qtype = dns.TypeAAAA
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true
	for {
		if _, busy := r.pending[m.Id]; !busy {
			break
		}
		m.Id = dns.Id()
	}

	packed, err := m.Pack()
	if err != nil {
		return 0, fmt.Errorf("pack query for %s: %w", host, err)
	}
	if err := r.send(packed); err != nil {
		return 0, fmt.Errorf("send query for %s: %w", host, err)
	}

	r.pending[m.Id] = &query{
		host:     strings.ToLower(host),
		ipv6:     ipv6,
		packed:   packed,
		sent:     r.now(),
		attempts: 1,
	}
	return m.Id, nil
}

func (r *Resolver) send(packed []byte) error {
	return unix.Sendto(r.fd, packed, 0, network.Sockaddr(r.server))
}

// Expire re-sends every query unanswered for retryAfter. A query that has
// been sent maxAttempts times is dropped and reported with ErrTimeout.
func (r *Resolver) Expire(now time.Time) []domain.Answer {
	var failed []domain.Answer
	for id, q := range r.pending {
		if now.Sub(q.sent) < retryAfter {
			continue
		}
		if q.attempts >= maxAttempts {
			delete(r.pending, id)
			failed = append(failed, domain.Answer{
				ID:   id,
				Host: q.host,
				IPv6: q.ipv6,
				Err:  fmt.Errorf("%w after %d attempts", ErrTimeout, q.attempts),
			})
			continue
		}
		if err := r.send(q.packed); err != nil {
			delete(r.pending, id)
			failed = append(failed, domain.Answer{ID: id, Host: q.host, IPv6: q.ipv6, Err: fmt.Errorf("resend query for %s: %w", q.host, err)})
			continue
		}
		q.sent = now
		q.attempts++
	}
	return failed
}

// ReadAnswer consumes one datagram. It returns unix.EAGAIN when nothing is
// queued and ErrUnexpectedAnswer for datagrams matching no pending query.
func (r *Resolver) ReadAnswer() (domain.Answer, error) {
	n, from, err := unix.Recvfrom(r.fd, r.buf, 0)
	if err != nil {
		return domain.Answer{}, err
	}
	if network.AddrPort(from) != netip.AddrPortFrom(r.server.Addr().Unmap(), r.server.Port()) {
		return domain.Answer{}, fmt.Errorf("%w: from %s", ErrUnexpectedAnswer, network.AddrPort(from))
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(r.buf[:n]); err != nil {
		return domain.Answer{}, fmt.Errorf("unpack answer: %w", err)
	}

	q, ok := r.pending[msg.Id]
	if !ok || len(msg.Question) == 0 || !strings.EqualFold(msg.Question[0].Name, dns.Fqdn(q.host)) {
		return domain.Answer{}, fmt.Errorf("%w: id %d", ErrUnexpectedAnswer, msg.Id)
	}
	delete(r.pending, msg.Id)

	ans := domain.Answer{ID: msg.Id, Host: q.host, IPv6: q.ipv6}
	addr, ttl, err := parseAnswer(msg, q.ipv6, r.maxTTL)
	if err != nil {
		ans.Err = err
		return ans, nil
	}
	ans.Addr = addr
	r.cache.Set(q.host, addr, ttl)
	return ans, nil
}

func parseAnswer(msg *dns.Msg, ipv6 bool, maxTTL time.Duration) (netip.Addr, time.Duration, error) {
	if msg.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, 0, fmt.Errorf("%w: %s", ErrLookupFailed, rcodeName(msg.Rcode))
	}

	for _, rr := range msg.Answer {
		var ip net.IP
		switch rr := rr.(type) {
		case *dns.A:
			if !ipv6 {
				ip = rr.A
			}
		case *dns.AAAA:
			if ipv6 {
				ip = rr.AAAA
			}
		}
		if ip == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		if ttl > maxTTL {
			ttl = maxTTL
		}
		if ttl <= 0 {
			ttl = time.Second
		}
		return addr.Unmap(), ttl, nil
	}
	return netip.Addr{}, 0, domain.ErrNoRecords
}

func rcodeName(rcode int) string {
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return strconv.Itoa(rcode)
}

func (r *Resolver) Forget(id uint16) {
	delete(r.pending, id)
}

func (r *Resolver) Close() error {
	return unix.Close(r.fd)
}
