package kernel

import "sync"

// Stream models the asynchronous launch contract of the device surface:
// Launch enqueues one forward invocation and returns immediately with no
// error, and any failure — a rejected configuration or an execution
// fault — surfaces only from Synchronize. Errors are sticky: once a
// launch has failed, subsequent launches on the stream are dropped until
// Reset, matching how a faulted device context behaves.
//
// Launches on one stream execute strictly in submission order.
type Stream struct {
	mu      sync.Mutex
	pending sync.WaitGroup
	queue   chan func()
	err     error
	closed  bool
}

// NewStream starts a stream with a single dispatcher goroutine.
func NewStream() *Stream {
	s := &Stream{queue: make(chan func(), 64)}
	go func() {
		for fn := range s.queue {
			fn()
		}
	}()
	return s
}

// Launch enqueues a forward pass. The caller must not mutate q/k/v or
// read o/lse until Synchronize returns.
func (s *Stream) Launch(p Params, q, k, v Operand, o []float32, lse []float32) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()

	s.queue <- func() {
		defer s.pending.Done()
		s.mu.Lock()
		faulted := s.err != nil
		s.mu.Unlock()
		if faulted {
			return
		}
		if err := Forward(p, q, k, v, o, lse); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

// Synchronize blocks until all enqueued work has drained and returns the
// first error recorded since the last Reset, if any.
func (s *Stream) Synchronize() error {
	s.pending.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reset clears a sticky error so the stream can accept work again.
func (s *Stream) Reset() {
	s.pending.Wait()
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
}

// Close drains the stream and stops its dispatcher. The stream accepts
// no further launches.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.err
	}
	s.closed = true
	s.mu.Unlock()

	s.pending.Wait()
	close(s.queue)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
