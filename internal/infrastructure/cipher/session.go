package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

var (
	ErrShortIV    = errors.New("ciphertext shorter than iv")
	ErrReplayedIV = errors.New("repeated iv detected")
)

type session struct {
	c   *Cipher
	enc stdcipher.Stream
	dec stdcipher.Stream
}

func (s *session) Encrypt(dst, src []byte) ([]byte, error) {
	if s.enc == nil {
		iv := make([]byte, s.c.m.ivLen)
		if _, err := rand.Read(iv); err != nil {
			return dst, fmt.Errorf("generate iv: %w", err)
		}
		stream, err := s.c.m.stream(s.c.key, iv, false)
		if err != nil {
			return dst, err
		}
		s.enc = stream
		dst = append(dst, iv...)
	}

	start := len(dst)
	dst = append(dst, src...)
	s.enc.XORKeyStream(dst[start:], dst[start:])
	return dst, nil
}

func (s *session) Decrypt(dst, src []byte) ([]byte, error) {
	if s.dec == nil {
		ivLen := s.c.m.ivLen
		if len(src) <= ivLen {
			return dst, ErrShortIV
		}
		iv := src[:ivLen]
		if s.c.replay.Check(iv) {
			return dst, ErrReplayedIV
		}
		stream, err := s.c.m.stream(s.c.key, iv, true)
		if err != nil {
			return dst, err
		}
		s.dec = stream
		src = src[ivLen:]
	}

	start := len(dst)
	dst = append(dst, src...)
	s.dec.XORKeyStream(dst[start:], dst[start:])
	return dst, nil
}
