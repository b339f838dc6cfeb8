package certcache

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Admitter is the probabilistic admission filter ahead of the certificate
// store. A hostname must be recorded once before the cache will retain its
// certificate; a false positive only costs one redundant signing operation,
// never an incorrect certificate.
type Admitter interface {
	// Seen reports whether key has (probably) been recorded before.
	Seen(key string) bool
	// Record marks key as seen.
	Record(key string)
}

// BloomAdmitter implements Admitter over a bloom filter.
type BloomAdmitter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewBloomAdmitter sizes the filter for the expected number of distinct
// hostnames at the given false-positive rate.
func NewBloomAdmitter(expectedItems uint, falsePositiveRate float64) *BloomAdmitter {
	if expectedItems == 0 {
		expectedItems = 4096
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	return &BloomAdmitter{filter: bloom.NewWithEstimates(expectedItems, falsePositiveRate)}
}

// Seen reports probable prior membership of key.
func (b *BloomAdmitter) Seen(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filter.TestString(key)
}

// Record inserts key into the filter.
func (b *BloomAdmitter) Record(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter.AddString(key)
}
