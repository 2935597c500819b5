package history

import "fmt"

// Store is a bounded FIFO of past audio frames.
//
// Frames are copied on append into a preallocated backing array, so the
// store performs no allocation after construction and is safe to use
// from a real-time processing callback. Index 0 is always the oldest
// stored frame.
type Store struct {
	backing  []float64
	frames   [][]float64 // ring slots, each a window into backing
	ordered  [][]float64 // scratch for Recent, reused between calls
	frameLen int
	head     int // ring index of the oldest frame
	length   int
}

// New returns a store holding up to capacity frames of frameLen samples.
func New(capacity, frameLen int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("history capacity must be > 0: %d", capacity)
	}

	if frameLen <= 0 {
		return nil, fmt.Errorf("history frame length must be > 0: %d", frameLen)
	}

	s := &Store{
		backing:  make([]float64, capacity*frameLen),
		frames:   make([][]float64, capacity),
		ordered:  make([][]float64, 0, capacity),
		frameLen: frameLen,
	}
	for i := range s.frames {
		s.frames[i] = s.backing[i*frameLen : (i+1)*frameLen]
	}

	return s, nil
}

// Cap returns the configured frame capacity.
func (s *Store) Cap() int { return len(s.frames) }

// FrameLen returns the per-frame sample count.
func (s *Store) FrameLen() int { return s.frameLen }

// Len returns the number of frames currently stored.
func (s *Store) Len() int { return s.length }

// Append stores frame as the newest entry, evicting the oldest when the
// store is full. Frames shorter than FrameLen are zero-padded; longer
// frames are truncated. Amortized O(1), allocation-free.
func (s *Store) Append(frame []float64) {
	var slot []float64
	if s.length < len(s.frames) {
		slot = s.frames[(s.head+s.length)%len(s.frames)]
		s.length++
	} else {
		slot = s.frames[s.head]
		s.head = (s.head + 1) % len(s.frames)
	}

	n := copy(slot, frame)
	for i := n; i < len(slot); i++ {
		slot[i] = 0
	}
}

// At returns the stored frame at temporal index i (0 = oldest), or nil
// when i is outside [0, Len()). The returned slice aliases store memory
// and must not be mutated.
func (s *Store) At(i int) []float64 {
	if i < 0 || i >= s.length {
		return nil
	}

	return s.frames[(s.head+i)%len(s.frames)]
}

// Recent returns the last k frames in temporal order, oldest first.
// It returns nil when fewer than k frames are available; this is the
// normal startup condition, not an error. The returned slice headers
// are reused by the next call.
func (s *Store) Recent(k int) [][]float64 {
	if k <= 0 || k > s.length {
		return nil
	}

	s.ordered = s.ordered[:0]
	for i := s.length - k; i < s.length; i++ {
		s.ordered = append(s.ordered, s.At(i))
	}

	return s.ordered
}

// Reset discards all stored frames. Capacity is retained.
func (s *Store) Reset() {
	s.head = 0
	s.length = 0
}
