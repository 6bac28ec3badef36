package application

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/cipher"
	"ss-relay/internal/infrastructure/epoll"
	"ss-relay/internal/infrastructure/network"
	"ss-relay/internal/infrastructure/resolver"
	"ss-relay/pkg/logger"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAcceptHonoursMaxLinks(t *testing.T) {
	loop := newPollLoop()
	s := newRelayService(loop, logger.Discard(), &xorCrypto{ivLen: 16}, nil, Options{BufferSize: 4096, Timeout: time.Minute, MaxLinks: 1})
	lfd, err := network.ListenTCP(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	s.listenerFD = lfd
	t.Cleanup(s.Close)

	first, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool {
		s.HandleEvent(lfd, domain.EventRead)
		return s.links.len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	ln := s.links.all()[0]
	assert.Equal(t, first.LocalAddr().String(), ln.Peer)
	assert.Equal(t, domain.EventRead, loop.interest[ln.Local.FD])

	second, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool {
		s.HandleEvent(lfd, domain.EventRead)
		second.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		_, err := second.Read(make([]byte, 1))
		return errors.Is(err, io.EOF) || errors.Is(err, unix.ECONNRESET)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.links.len())
}

func TestAdmitRateLimit(t *testing.T) {
	s := newRelayService(newPollLoop(), logger.Discard(), &xorCrypto{ivLen: 16}, nil, Options{BufferSize: 4096, AcceptRate: 0.001, AcceptBurst: 2})

	assert.Empty(t, s.admit())
	assert.Empty(t, s.admit())
	assert.Equal(t, "accept rate exceeded", s.admit())
}

func TestDatagramsAreDrained(t *testing.T) {
	s := newRelayService(newPollLoop(), logger.Discard(), &xorCrypto{ivLen: 16}, nil, Options{BufferSize: 4096})
	ufd, err := network.BindUDP(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	s.udpFD = ufd
	t.Cleanup(s.Close)

	sa, err := unix.Getsockname(ufd)
	require.NoError(t, err)
	conn, err := net.Dial("udp", network.AddrPort(sa).String())
	require.NoError(t, err)
	defer conn.Close()
	for i := 0; i < 3; i++ {
		_, err = conn.Write([]byte("datagram"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		s.HandleEvent(ufd, domain.EventRead)
		_, _, err := unix.Recvfrom(ufd, make([]byte, 64), unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return errors.Is(err, unix.EAGAIN)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, s.links.len())
}

func echoServer(t *testing.T) netip.AddrPort {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return netip.MustParseAddrPort(l.Addr().String())
}

func nameserver(t *testing.T, host string, addr netip.Addr) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, q *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(q)
		if q.Question[0].Name == dns.Fqdn(host) && q.Question[0].Qtype == dns.TypeA {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   addr.AsSlice(),
			})
		}
		w.WriteMsg(m)
	})}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

// startRelay runs a relay on the real epoll loop until the test ends.
func startRelay(t *testing.T, crypto domain.Crypto, res domain.Resolver) *RelayService {
	t.Helper()
	log := logger.Discard()

	loop, err := epoll.New(20*time.Millisecond, log)
	require.NoError(t, err)

	s, err := NewRelayService(loop, log, crypto, res, Options{
		Listen:     netip.MustParseAddrPort("127.0.0.1:0"),
		Timeout:    time.Minute,
		BufferSize: 2048,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	t.Cleanup(func() {
		loop.Stop()
		require.NoError(t, <-done)
		s.Close()
		loop.Close()
	})
	return s
}

// exchange sends header+payload through the relay and returns what comes
// back once want plaintext bytes have arrived.
func exchange(t *testing.T, crypto domain.Crypto, relay netip.AddrPort, header, payload []byte, want int) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", relay.String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	enc, err := crypto.NewSession()
	require.NoError(t, err)
	dec, err := crypto.NewSession()
	require.NoError(t, err)

	first, err := enc.Encrypt(nil, header)
	require.NoError(t, err)
	_, err = conn.Write(first)
	require.NoError(t, err)

	// payload goes out in pieces while replies stream back
	go func() {
		for off := 0; off < len(payload); off += 1000 {
			chunk, _ := enc.Encrypt(nil, payload[off:min(off+1000, len(payload))])
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
	}()

	raw := make([]byte, crypto.IVLen()+want)
	_, err = io.ReadFull(conn, raw)
	require.NoError(t, err)
	out, err := dec.Decrypt(nil, raw)
	require.NoError(t, err)
	return out
}

func TestEndToEndEcho(t *testing.T) {
	crypto, err := cipher.New("chacha20-ietf", "end to end")
	require.NoError(t, err)
	echo := echoServer(t)
	s := startRelay(t, crypto, nil)

	header := encodeAddress(domain.Address{Type: domain.AtypIPv4, IP: echo.Addr(), Port: echo.Port()})
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	got := exchange(t, crypto, s.Addr(), header, payload, len(payload))
	assert.Equal(t, payload, got)
}

func TestEndToEndHostname(t *testing.T) {
	crypto, err := cipher.New("aes-128-ctr", "end to end")
	require.NoError(t, err)
	echo := echoServer(t)

	res, err := resolver.New(nameserver(t, "echo.test", echo.Addr()), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { res.Close() })
	s := startRelay(t, crypto, res)

	header := encodeAddress(domain.Address{Type: domain.AtypDomain, Host: "echo.test", Port: echo.Port()})
	got := exchange(t, crypto, s.Addr(), header, []byte("hello via hostname"), len("hello via hostname"))
	assert.Equal(t, []byte("hello via hostname"), got)

	addr, ok := res.Lookup("echo.test")
	assert.True(t, ok)
	assert.Equal(t, echo.Addr(), addr)
}
