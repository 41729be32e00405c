package services

import "sync"

// NonceSequencer hands out strictly increasing nonces, never reusing one.
type NonceSequencer struct {
	mu   sync.Mutex
	next uint64
}

// NewNonceSequencer seeds the sequencer, usually with the pending transaction count.
func NewNonceSequencer(start uint64) *NonceSequencer {
	return &NonceSequencer{next: start}
}

// ClaimNext returns the next nonce and advances the sequencer.
func (s *NonceSequencer) ClaimNext() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := s.next
	s.next++

	return nonce
}

// Peek returns the nonce the next claim would return.
func (s *NonceSequencer) Peek() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
