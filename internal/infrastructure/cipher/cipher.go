package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"errors"
	"fmt"
	"slices"
	"strings"

	"ss-relay/internal/domain"

	"golang.org/x/crypto/chacha20"
)

var (
	ErrCipherNotSupported = errors.New("cipher not supported")
	ErrEmptyPassword      = errors.New("empty password")
)

type method struct {
	keyLen int
	ivLen  int
	stream func(key, iv []byte, decrypt bool) (stdcipher.Stream, error)
}

func aesCFB(key, iv []byte, decrypt bool) (stdcipher.Stream, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if decrypt {
		return stdcipher.NewCFBDecrypter(blk, iv), nil
	}
	return stdcipher.NewCFBEncrypter(blk, iv), nil
}

func aesCTR(key, iv []byte, _ bool) (stdcipher.Stream, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return stdcipher.NewCTR(blk, iv), nil
}

func chacha20IETF(key, iv []byte, _ bool) (stdcipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

func rc4MD5(key, iv []byte, _ bool) (stdcipher.Stream, error) {
	h := md5.New()
	h.Write(key)
	h.Write(iv)
	return rc4.NewCipher(h.Sum(nil))
}

var methods = map[string]method{
	"aes-128-cfb":   {keyLen: 16, ivLen: aes.BlockSize, stream: aesCFB},
	"aes-192-cfb":   {keyLen: 24, ivLen: aes.BlockSize, stream: aesCFB},
	"aes-256-cfb":   {keyLen: 32, ivLen: aes.BlockSize, stream: aesCFB},
	"aes-128-ctr":   {keyLen: 16, ivLen: aes.BlockSize, stream: aesCTR},
	"aes-192-ctr":   {keyLen: 24, ivLen: aes.BlockSize, stream: aesCTR},
	"aes-256-ctr":   {keyLen: 32, ivLen: aes.BlockSize, stream: aesCTR},
	"chacha20-ietf": {keyLen: chacha20.KeySize, ivLen: chacha20.NonceSize, stream: chacha20IETF},
	"rc4-md5":       {keyLen: 16, ivLen: 16, stream: rc4MD5},
}

// DefaultMethod is used when no method is configured.
const DefaultMethod = "aes-256-cfb"

func Methods() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Cipher is a configured method and key shared by all connections.
type Cipher struct {
	name   string
	key    []byte
	m      method
	replay *ReplayFilter
}

var _ domain.Crypto = (*Cipher)(nil)

// New derives the key from password and checks the method. Errors are
// crypto-initialisation failures.
func New(name, password string) (*Cipher, error) {
	name = strings.ToLower(name)
	m, ok := methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCipherNotSupported, name)
	}
	if password == "" {
		return nil, ErrEmptyPassword
	}

	c := &Cipher{
		name:   name,
		key:    kdf(password, m.keyLen),
		m:      m,
		replay: NewReplayFilter(replayCapacity, replayFalsePositiveRate),
	}

	// construct once so a bad key length fails at startup
	if _, err := m.stream(c.key, make([]byte, m.ivLen), false); err != nil {
		return nil, fmt.Errorf("init %s: %w", name, err)
	}
	return c, nil
}

func (c *Cipher) Method() string { return c.name }

func (c *Cipher) IVLen() int { return c.m.ivLen }

func (c *Cipher) NewSession() (domain.CryptoSession, error) {
	return &session{c: c}, nil
}

// key-derivation function from original Shadowsocks (EVP_BytesToKey with MD5)
func kdf(password string, keyLen int) []byte {
	var b, prev []byte
	h := md5.New()
	for len(b) < keyLen {
		h.Write(prev)
		h.Write([]byte(password))
		b = h.Sum(b)
		prev = b[len(b)-h.Size():]
		h.Reset()
	}
	return b[:keyLen]
}
