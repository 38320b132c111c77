package journal

import (
	"errors"
	"sync"

	"exchange/internal/bus"
)

var (
	ErrTruncated  = errors.New("history truncated below requested sequence")
	ErrOutOfOrder = errors.New("history append out of order")
)

// Store keeps the sequenced history used by replay.
type Store interface {
	Append(e bus.Event) error
	// Scan calls fn for every event with from <= seq <= to, in order.
	Scan(from, to uint64, fn func(bus.Event) error) error
	Last() uint64
	Close() error
}

// MemoryStore retains the most recent events in a fixed ring.
type MemoryStore struct {
	mu      sync.RWMutex
	buf     []bus.Event
	head    int
	size    int
	evicted bool
}

// NewMemoryStore keeps up to capacity events.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryStore{buf: make([]bus.Event, capacity)}
}

func (s *MemoryStore) Append(e bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size > 0 && e.Header.Seq <= s.at(s.size-1).Header.Seq {
		return ErrOutOfOrder
	}
	if s.size < len(s.buf) {
		s.buf[(s.head+s.size)%len(s.buf)] = e
		s.size++
		return nil
	}
	s.buf[s.head] = e
	s.head = (s.head + 1) % len(s.buf)
	s.evicted = true
	return nil
}

func (s *MemoryStore) Scan(from, to uint64, fn func(bus.Event) error) error {
	s.mu.RLock()
	if s.size == 0 {
		s.mu.RUnlock()
		return nil
	}
	if s.evicted && from < s.at(0).Header.Seq {
		s.mu.RUnlock()
		return ErrTruncated
	}
	var out []bus.Event
	for i := 0; i < s.size; i++ {
		e := s.at(i)
		if e.Header.Seq < from {
			continue
		}
		if e.Header.Seq > to {
			break
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	for _, e := range out {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Last() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return 0
	}
	return s.at(s.size - 1).Header.Seq
}

// First returns the oldest retained sequence.
func (s *MemoryStore) First() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return 0
	}
	return s.at(0).Header.Seq
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) at(i int) bus.Event {
	return s.buf[(s.head+i)%len(s.buf)]
}
