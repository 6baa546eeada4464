package session

import (
	"errors"
	"sync"
)

// DefaultScrollbackBytes is the retained output per session when the
// configuration does not say otherwise.
const DefaultScrollbackBytes = 1 << 20

// ErrScrollbackFrozen is returned by Append once the session has exited.
var ErrScrollbackFrozen = errors.New("scrollback is read-only")

// Scrollback is a bounded ring of a session's raw output. When full, the
// oldest bytes are evicted first.
type Scrollback struct {
	mu     sync.Mutex
	buf    []byte
	start  int
	n      int
	total  int64
	frozen bool
}

// NewScrollback returns an empty buffer holding at most capacity bytes.
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = DefaultScrollbackBytes
	}
	return &Scrollback{buf: make([]byte, capacity)}
}

// Append adds p to the end of the buffer.
func (s *Scrollback) Append(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrScrollbackFrozen
	}
	s.total += int64(len(p))

	c := len(s.buf)
	if len(p) >= c {
		copy(s.buf, p[len(p)-c:])
		s.start, s.n = 0, c
		return nil
	}
	end := (s.start + s.n) % c
	k := copy(s.buf[end:], p)
	copy(s.buf, p[k:])
	if s.n+len(p) > c {
		s.start = (s.start + s.n + len(p) - c) % c
		s.n = c
	} else {
		s.n += len(p)
	}
	return nil
}

// Snapshot returns a copy of the retained bytes, oldest first.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.n)
	end := s.start + s.n
	if end > len(s.buf) {
		end = len(s.buf)
	}
	k := copy(out, s.buf[s.start:end])
	copy(out[k:], s.buf[:s.n-k])
	return out
}

// Len returns the number of retained bytes.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Cap returns the capacity in bytes.
func (s *Scrollback) Cap() int {
	return len(s.buf)
}

// Total returns the number of bytes ever appended, evicted ones included.
func (s *Scrollback) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Freeze makes the buffer read-only.
func (s *Scrollback) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (s *Scrollback) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}
