package cipher

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	replayCapacity          = 1_000_000
	replayFalsePositiveRate = 1e-6
)

// ReplayFilter remembers recently seen client IVs. Two bloom filters are
// used in turn: once the current one holds capacity entries the other is
// cleared and becomes current, so history spans between one and two
// capacities. False positives reject a fresh IV; false negatives cannot
// happen within the window.
type ReplayFilter struct {
	mu       sync.Mutex
	filters  [2]*bloom.BloomFilter
	current  int
	count    uint
	capacity uint
}

func NewReplayFilter(capacity uint, fpRate float64) *ReplayFilter {
	return &ReplayFilter{
		filters: [2]*bloom.BloomFilter{
			bloom.NewWithEstimates(capacity, fpRate),
			bloom.NewWithEstimates(capacity, fpRate),
		},
		capacity: capacity,
	}
}

// Check records iv and reports whether it had been seen before.
func (f *ReplayFilter) Check(iv []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.filters[0].Test(iv) || f.filters[1].Test(iv) {
		return true
	}

	if f.count >= f.capacity {
		f.current = (f.current + 1) % 2
		f.filters[f.current].ClearAll()
		f.count = 0
	}
	f.filters[f.current].Add(iv)
	f.count++
	return false
}
