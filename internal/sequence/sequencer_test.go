package sequence

import (
	"sync"
	"testing"
)

func TestSequencerBaseline(t *testing.T) {
	testCases := []struct {
		desc     string
		baseline uint64
		want     uint64
	}{
		{desc: "fresh start", baseline: 0, want: 1},
		{desc: "recovered checkpoint", baseline: 41, want: 42},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			s := New(tc.baseline)
			if got := s.Next(); got != tc.want {
				t.Fatalf("first sequence mismatch: got %d want %d", got, tc.want)
			}
			if got := s.Current(); got != tc.want {
				t.Fatalf("current mismatch: got %d want %d", got, tc.want)
			}
		})
	}
}

func TestSequencerAdvanceNeverMovesBack(t *testing.T) {
	s := New(10)
	if s.Advance(5) {
		t.Fatalf("expected advance below current to be refused")
	}
	if !s.Advance(20) {
		t.Fatalf("expected advance above current to succeed")
	}
	if got := s.Next(); got != 21 {
		t.Fatalf("next after advance mismatch: got %d want 21", got)
	}
}

func TestSequencerConcurrentUnique(t *testing.T) {
	const (
		workers = 8
		perG    = 1000
	)
	s := New(0)
	seen := make([][]uint64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]uint64, 0, perG)
			for i := 0; i < perG; i++ {
				out = append(out, s.Next())
			}
			seen[w] = out
		}(w)
	}
	wg.Wait()

	unique := make(map[uint64]struct{}, workers*perG)
	for _, out := range seen {
		for i, v := range out {
			if i > 0 && v <= out[i-1] {
				t.Fatalf("sequence not increasing within a goroutine: %d after %d", v, out[i-1])
			}
			if _, ok := unique[v]; ok {
				t.Fatalf("sequence reused: %d", v)
			}
			unique[v] = struct{}{}
		}
	}
	if got := s.Current(); got != workers*perG {
		t.Fatalf("current mismatch: got %d want %d", got, workers*perG)
	}
}
