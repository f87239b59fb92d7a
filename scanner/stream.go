package scanner

import (
	"sync"
	"sync/atomic"

	"github.com/aquasecurity/depscan/types"
)

// Stream delivers the results of one scan. Each package is emitted exactly
// once; the order across batches is unspecified.
type Stream struct {
	results   chan types.ScanResult
	collected chan struct{}
	done      chan struct{}

	total   atomic.Int64
	once    sync.Once
	collect sync.Once
	err     error
}

func newStream() *Stream {
	return &Stream{
		results:   make(chan types.ScanResult),
		collected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Results is closed when the scan ends, successfully or not.
func (s *Stream) Results() <-chan types.ScanResult {
	return s.results
}

// Collected is closed once the package count is known, or when the scan
// ends before that.
func (s *Stream) Collected() <-chan struct{} {
	return s.collected
}

// Total is the number of packages the scan will emit. It is zero until
// Collected is closed.
func (s *Stream) Total() int {
	return int(s.total.Load())
}

// Err blocks until the scan ends and returns why it did not complete, or nil.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

func (s *Stream) setTotal(n int) {
	s.total.Store(int64(n))
	s.collect.Do(func() { close(s.collected) })
}

func (s *Stream) close(err error) {
	s.once.Do(func() {
		s.err = err
		s.collect.Do(func() { close(s.collected) })
		close(s.results)
		close(s.done)
	})
}
