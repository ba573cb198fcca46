// Package securemem stores sensitive values such as the token signing secret
// in memory protected by memguard, so they cannot be recovered from a core
// dump or swap.
package securemem

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

func init() {
	memguard.CatchInterrupt()
}

// String holds a sensitive string in an encrypted locked buffer.
type String struct {
	buf       *memguard.LockedBuffer
	destroyed bool
}

// NewString creates a secure string from plaintext.
func NewString(plaintext string) *String {
	return &String{
		buf: memguard.NewBufferFromBytes([]byte(plaintext)),
	}
}

// IsEmpty reports whether the string is empty or destroyed.
func (s *String) IsEmpty() bool {
	if s == nil || s.destroyed || s.buf == nil {
		return true
	}
	return len(s.buf.Bytes()) == 0
}

// Equal compares against plaintext in constant time.
func (s *String) Equal(other string) bool {
	if s == nil || s.destroyed || s.buf == nil {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// WithBytes calls fn with a transient copy of the plaintext bytes. The copy
// is wiped when fn returns; fn must not retain it.
func (s *String) WithBytes(fn func([]byte)) {
	if s == nil || s.destroyed || s.buf == nil {
		return
	}
	b := s.buf.Bytes()
	tmp := make([]byte, len(b))
	copy(tmp, b)
	defer memguard.WipeBytes(tmp)
	fn(tmp)
}

// Destroy wipes the value. The string must not be used afterwards.
func (s *String) Destroy() {
	if s == nil || s.destroyed {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.destroyed = true
}
