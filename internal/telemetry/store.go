// Package telemetry holds the bounded utilization history of hosts and VMs.
package telemetry

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/domain"
)

var (
	// ErrDuplicateSample is returned for a sample whose timestamp is already stored.
	ErrDuplicateSample = errors.New("duplicate sample timestamp")

	// ErrStaleSample is returned for a sample older than the window floor.
	ErrStaleSample = errors.New("sample older than window floor")
)

// Store keeps the last N samples per host and per VM. Samples are kept in
// timestamp order; out-of-order samples newer than the window floor are
// inserted in place.
type Store struct {
	size   int
	logger *zap.Logger

	mu     sync.RWMutex
	series map[string]*ring
}

// NewStore creates a store retaining size samples per subject.
func NewStore(size int, logger *zap.Logger) *Store {
	if size <= 0 {
		size = 1
	}
	return &Store{
		size:   size,
		logger: logger.With(zap.String("component", "telemetry")),
		series: make(map[string]*ring),
	}
}

// Add ingests one sample.
func (s *Store) Add(sample domain.Sample) error {
	if sample.HostID == "" || sample.Timestamp.IsZero() {
		return domain.ErrInvalidArgument
	}
	r := s.ringFor(sample.SubjectID())
	return r.insert(sample)
}

// AddBatch ingests samples and returns how many were accepted.
func (s *Store) AddBatch(samples []domain.Sample) int {
	accepted := 0
	for _, sample := range samples {
		if err := s.Add(sample); err != nil {
			s.logger.Debug("Dropped sample",
				zap.String("host_id", sample.HostID),
				zap.String("vm_id", sample.VMID),
				zap.Time("timestamp", sample.Timestamp),
				zap.Error(err),
			)
			continue
		}
		accepted++
	}
	return accepted
}

// Samples returns a copy of a subject's samples, oldest first.
func (s *Store) Samples(subjectID string) []domain.Sample {
	s.mu.RLock()
	r, ok := s.series[subjectID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Usage returns the last n usage vectors of a subject, oldest first. n <= 0
// returns the whole window.
func (s *Store) Usage(subjectID string, n int) []domain.Resources {
	samples := s.Samples(subjectID)
	if n > 0 && len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	out := make([]domain.Resources, len(samples))
	for i, sample := range samples {
		out[i] = sample.Usage
	}
	return out
}

// Average returns the mean usage over the last n samples and whether any
// sample exists.
func (s *Store) Average(subjectID string, n int) (domain.Resources, bool) {
	usage := s.Usage(subjectID, n)
	if len(usage) == 0 {
		return domain.Resources{}, false
	}
	var total domain.Resources
	for _, u := range usage {
		total = total.Add(u)
	}
	return total.Scale(1 / float64(len(usage))), true
}

// Forget drops a subject's history.
func (s *Store) Forget(subjectID string) {
	s.mu.Lock()
	delete(s.series, subjectID)
	s.mu.Unlock()
}

// Subjects returns the number of tracked subjects.
func (s *Store) Subjects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}

func (s *Store) ringFor(id string) *ring {
	s.mu.RLock()
	r, ok := s.series[id]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.series[id]; !ok {
		r = newRing(s.size)
		s.series[id] = r
	}
	return r
}

// ring is a fixed-capacity circular buffer ordered by timestamp.
type ring struct {
	mu    sync.RWMutex
	buf   []domain.Sample
	head  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]domain.Sample, size)}
}

func (r *ring) at(i int) *domain.Sample {
	return &r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring) insert(sample domain.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.count == len(r.buf)
	if r.count > 0 {
		oldest := r.at(0).Timestamp
		if full && sample.Timestamp.Before(oldest) {
			return ErrStaleSample
		}
		for i := r.count - 1; i >= 0; i-- {
			ts := r.at(i).Timestamp
			if ts.Equal(sample.Timestamp) {
				return ErrDuplicateSample
			}
			if ts.Before(sample.Timestamp) {
				break
			}
		}
	}

	if full {
		// Drop the oldest sample to make room.
		r.head = (r.head + 1) % len(r.buf)
		r.count--
	}
	*r.at(r.count) = sample
	r.count++

	// Bubble the new sample back into timestamp order.
	for i := r.count - 1; i > 0; i-- {
		prev, cur := r.at(i-1), r.at(i)
		if !cur.Timestamp.Before(prev.Timestamp) {
			break
		}
		*prev, *cur = *cur, *prev
	}
	return nil
}

func (r *ring) snapshot() []domain.Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Sample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = *r.at(i)
	}
	return out
}
