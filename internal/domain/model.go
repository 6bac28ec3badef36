package domain

import "time"

// RemotePhase tracks the outbound leg from accept to an established
// connection with the real destination.
type RemotePhase int

const (
	RemoteAwaitingHeader RemotePhase = iota // destination not known yet
	RemoteResolving                         // hostname lookup in flight
	RemoteConnecting                        // non-blocking connect() in progress
	RemoteConnected
)

func (p RemotePhase) String() string {
	switch p {
	case RemoteAwaitingHeader:
		return "awaiting-header"
	case RemoteResolving:
		return "resolving"
	case RemoteConnecting:
		return "connecting"
	case RemoteConnected:
		return "connected"
	}
	return "unknown"
}

// Pending reports whether the remote leg exists but cannot carry data yet.
func (p RemotePhase) Pending() bool {
	return p == RemoteResolving || p == RemoteConnecting
}

// InboundPhase tracks the decrypted stream arriving on the local leg.
type InboundPhase int

const (
	InboundAwaitingIV     InboundPhase = iota // fewer than IVLen+1 cipher bytes seen
	InboundAwaitingHeader                     // IV consumed, address header incomplete
	InboundStreaming                          // header parsed, payload is forwarded as is
)

func (p InboundPhase) String() string {
	switch p {
	case InboundAwaitingIV:
		return "awaiting-iv"
	case InboundAwaitingHeader:
		return "awaiting-header"
	case InboundStreaming:
		return "streaming"
	}
	return "unknown"
}

// Leg is one socket of a Link and the bytes queued for writing to it.
type Leg struct {
	FD       int
	Out      *Buffer
	Interest EventType
}

// Draining reports whether a previous write to this leg is still incomplete.
func (l *Leg) Draining() bool { return l.Out != nil && l.Out.Len() > 0 }

// Link pairs the client-facing (local) socket with the destination-facing
// (remote) socket of one relayed connection. It is only touched from the
// event loop goroutine.
type Link struct {
	ID     uint64
	Local  Leg // Out holds ciphertext for the client
	Remote Leg // Out holds plaintext for the destination

	// Inbound accumulates ciphertext read from the local leg until it can be
	// decrypted.
	Inbound *Buffer
	Session CryptoSession

	RemotePhase  RemotePhase
	InboundPhase InboundPhase

	Target  Address
	UDP     bool
	QueryID uint16

	Peer       string
	Created    time.Time
	LastActive time.Time
	Up, Down   int64 // plaintext bytes towards / from the destination

	Closed bool
}

func (l *Link) Touch(now time.Time) { l.LastActive = now }

// IdleFor reports whether the link has seen no traffic for longer than d.
func (l *Link) IdleFor(now time.Time, d time.Duration) bool {
	return now.Sub(l.LastActive) > d
}

// IVReceived reports whether the client's IV has been consumed.
func (l *Link) IVReceived() bool { return l.InboundPhase > InboundAwaitingIV }

// HeaderReceived reports whether the destination header has been parsed.
func (l *Link) HeaderReceived() bool { return l.InboundPhase == InboundStreaming }

// RemoteDraining reports whether plaintext is waiting for the destination
// socket to become writable.
func (l *Link) RemoteDraining() bool {
	return l.RemotePhase >= RemoteConnecting && l.Remote.Draining()
}

// LocalDraining reports whether ciphertext is waiting for the client socket
// to become writable.
func (l *Link) LocalDraining() bool { return l.Local.Draining() }
