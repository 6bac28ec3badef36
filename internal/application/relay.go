package application

import (
	"errors"
	"fmt"

	"ss-relay/internal/domain"
	"ss-relay/internal/infrastructure/network"

	"golang.org/x/sys/unix"
)

// dispatch runs the handlers for one readiness report. A returned error
// means the link must be destroyed.
func (s *RelayService) dispatch(ln *domain.Link, fd int, event domain.EventType) error {
	if event&domain.EventWrite != 0 {
		if err := s.handleWritable(ln, fd); err != nil {
			return err
		}
	}
	if event&domain.EventRead != 0 {
		if err := s.handleReadable(ln, fd); err != nil {
			return err
		}
	}
	if event&domain.EventHangup != 0 {
		if fd == ln.Remote.FD && ln.RemotePhase == domain.RemoteConnecting {
			if err := s.finishConnect(ln); err != nil {
				return err
			}
		}
		return ErrHangup
	}
	return nil
}

func (s *RelayService) handleReadable(ln *domain.Link, fd int) error {
	if fd == ln.Local.FD {
		if ln.RemotePhase.Pending() {
			s.log.Debug("server pending", "link", ln.ID, "fd", fd, "phase", ln.RemotePhase)
			return nil
		}
		return s.relayLocalToRemote(ln)
	}

	if ln.RemotePhase != domain.RemoteConnected {
		s.log.Debug("local pending", "link", ln.ID, "fd", fd, "phase", ln.RemotePhase)
		return nil
	}
	return s.relayRemoteToLocal(ln)
}

func (s *RelayService) handleWritable(ln *domain.Link, fd int) error {
	if fd == ln.Local.FD {
		if ln.LocalDraining() {
			return s.flushLocal(ln)
		}
		return nil
	}

	if ln.RemotePhase == domain.RemoteConnecting {
		if err := s.finishConnect(ln); err != nil {
			return err
		}
	}
	if ln.RemoteDraining() {
		return s.flushRemote(ln)
	}
	return nil
}

// finishConnect resolves a pending non-blocking connect from SO_ERROR.
func (s *RelayService) finishConnect(ln *domain.Link) error {
	soerr, err := s.sockErr(ln.Remote.FD)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if soerr != 0 {
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, ln.Target, unix.Errno(soerr))
	}

	ln.RemotePhase = domain.RemoteConnected
	ln.Touch(s.now())
	s.log.Info("pending connect() finished", "link", ln.ID, "remote_fd", ln.Remote.FD, "target", ln.Target)
	return nil
}

// relayRemoteToLocal reads plaintext from the destination, encrypts it and
// sends it to the client.
func (s *RelayService) relayRemoteToLocal(ln *domain.Link) error {
	if ln.LocalDraining() {
		return nil
	}

	limit := min(len(s.scratch), ln.Local.Out.Free()-s.crypto.IVLen())
	n, res, err := network.Read(ln.Remote.FD, s.scratch[:limit])
	switch res {
	case network.Fatal:
		return fmt.Errorf("read remote: %w", err)
	case network.WouldBlock:
		return nil
	}
	ln.Touch(s.now())
	ln.Down += int64(n)

	if ln.UDP {
		return ErrUDPUnsupported
	}

	out, err := ln.Session.Encrypt(ln.Local.Out.Tail()[:0], s.scratch[:n])
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := ln.Local.Out.Commit(len(out)); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	return s.flushLocal(ln)
}

// relayLocalToRemote reads ciphertext from the client, decrypts it, strips
// the destination header from the first payload and sends the rest to the
// destination.
func (s *RelayService) relayLocalToRemote(ln *domain.Link) error {
	if ln.RemoteDraining() {
		return nil
	}

	// Decrypt needs the whole IV and at least one byte after it.
	minLen := 0
	if !ln.IVReceived() {
		minLen = s.crypto.IVLen()
	}
	limit := min(ln.Inbound.Free(), ln.Remote.Out.Free()-ln.Inbound.Len())
	if limit <= 0 {
		return fmt.Errorf("read local: %w", domain.ErrBufferFull)
	}

	res, err := s.attemptRead(ln.Local.FD, ln, ln.Inbound, limit, minLen)
	switch res {
	case network.Fatal:
		return fmt.Errorf("read local: %w", err)
	case network.WouldBlock:
		return nil
	}

	out, err := ln.Session.Decrypt(ln.Remote.Out.Tail()[:0], ln.Inbound.Bytes())
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	if err := ln.Remote.Out.Commit(len(out)); err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	ln.Inbound.Reset()
	if ln.InboundPhase == domain.InboundAwaitingIV {
		ln.InboundPhase = domain.InboundAwaitingHeader
	}

	if ln.UDP {
		return ErrUDPUnsupported
	}

	if !ln.HeaderReceived() {
		addr, n, err := domain.ParseAddress(ln.Remote.Out.Bytes())
		if errors.Is(err, domain.ErrShortAddress) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("bad header: %w", err)
		}
		ln.Remote.Out.Drain(n)
		ln.Target = addr
		ln.InboundPhase = domain.InboundStreaming
		s.log.Info("Relay target", "link", ln.ID, "target", addr, "payload", ln.Remote.Out.Len())

		// Anything after the header waits in Remote.Out until the
		// connect completes.
		return s.beginConnect(ln)
	}

	if ln.RemotePhase != domain.RemoteConnected {
		return nil
	}
	return s.flushRemote(ln)
}

// attemptRead reads once from fd into buf. The read only counts as Complete
// once buf holds more than minLen bytes; short of that it is WouldBlock and
// the bytes stay in buf for the next attempt.
func (s *RelayService) attemptRead(fd int, ln *domain.Link, buf *domain.Buffer, limit, minLen int) (network.Result, error) {
	_, res, err := network.ReadInto(fd, buf, limit)
	if res != network.Complete {
		return res, err
	}
	ln.Touch(s.now())
	if buf.Len() <= minLen {
		return network.WouldBlock, nil
	}
	return network.Complete, nil
}

func (s *RelayService) flushLocal(ln *domain.Link) error {
	n, res, err := network.Flush(ln.Local.FD, ln.Local.Out)
	if n > 0 {
		ln.Touch(s.now())
	}
	if res == network.Fatal {
		return fmt.Errorf("send local: %w", err)
	}
	return nil
}

func (s *RelayService) flushRemote(ln *domain.Link) error {
	n, res, err := network.Flush(ln.Remote.FD, ln.Remote.Out)
	if n > 0 {
		ln.Touch(s.now())
		ln.Up += int64(n)
	}
	if res == network.Fatal {
		return fmt.Errorf("send remote: %w", err)
	}
	return nil
}

// syncInterest derives each leg's readiness interest from the link state.
// Writable interest is held only while bytes are queued (or a connect is
// pending). A leg is not read while the opposite leg is still draining the
// previous batch, so a slow consumer stalls its producer instead of growing
// the queue.
func (s *RelayService) syncInterest(ln *domain.Link) error {
	local := domain.EventNone
	switch ln.RemotePhase {
	case domain.RemoteAwaitingHeader:
		local |= domain.EventRead
	case domain.RemoteConnected:
		if !ln.Remote.Draining() {
			local |= domain.EventRead
		}
	}
	if ln.LocalDraining() {
		local |= domain.EventWrite
	}
	if err := s.links.setInterest(&ln.Local, local); err != nil {
		return err
	}

	remote := domain.EventNone
	if ln.RemotePhase == domain.RemoteConnecting || ln.RemoteDraining() {
		remote |= domain.EventWrite
	}
	if ln.RemotePhase == domain.RemoteConnected && !ln.LocalDraining() {
		remote |= domain.EventRead
	}
	return s.links.setInterest(&ln.Remote, remote)
}
