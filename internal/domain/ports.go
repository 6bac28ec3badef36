package domain

import (
	"errors"
	"net/netip"
	"time"
)

type EventType uint32

const (
	EventNone   EventType = 0
	EventRead   EventType = 0x1
	EventWrite  EventType = 0x4 // EPOLLOUT
	EventHangup EventType = 0x10
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
	// Sweep runs after every processed batch and on every poll timeout.
	Sweep(now time.Time)
}

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// ErrNoRecords is reported in an Answer whose response held no address of
// the requested family.
var ErrNoRecords = errors.New("no address records")

// Answer is the outcome of one DNS query issued through a Resolver.
type Answer struct {
	ID   uint16
	Host string
	IPv6 bool
	Addr netip.Addr
	Err  error
}

type Resolver interface {
	FD() int
	Lookup(host string) (netip.Addr, bool)
	Query(host string, ipv6 bool) (uint16, error)
	ReadAnswer() (Answer, error)
	// Expire re-sends queries left unanswered for too long and returns a
	// failed Answer for each one that has run out of attempts.
	Expire(now time.Time) []Answer
	Forget(id uint16)
	Close() error
}

// Crypto is the stream cipher negotiated at startup. Each connection gets its
// own CryptoSession.
type Crypto interface {
	Method() string
	IVLen() int
	NewSession() (CryptoSession, error)
}

// CryptoSession appends to dst like cipher.AEAD.Seal. The first Encrypt call
// emits a fresh IV ahead of the ciphertext; the first Decrypt call consumes
// the IV from the head of src, so src must be longer than IVLen.
type CryptoSession interface {
	Encrypt(dst, src []byte) ([]byte, error)
	Decrypt(dst, src []byte) ([]byte, error)
}
