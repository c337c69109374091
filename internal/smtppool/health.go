package smtppool

import (
	"sync"
	"time"

	"github.com/MGallo-Code/postern/internal/store"
)

// providerState is the in-memory breaker and quota state of one provider.
// Seeded from the persisted columns the first time the pool sees the provider;
// after that memory is authoritative and the store only receives copies.
type providerState struct {
	mu       sync.Mutex
	h        store.ProviderHealth
	inFlight int // reserved slots whose send has not finished yet
}

// limits are the parts of the provider config the state checks against.
type limits struct {
	maxPerMinute     *int
	maxPerDay        *int
	failureThreshold int
	circuitOpen      time.Duration
	loc              *time.Location
}

// dayOf returns the local calendar date of t as a UTC midnight, the shape a DATE column scans into.
func dayOf(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
}

// circuitOpenAt reports whether the breaker blocks sends at now. A lapsed breaker is
// cleared (failure count reset) so the provider gets a fresh run of attempts.
// Caller holds s.mu. Returns changed=true when the state was modified.
func (s *providerState) circuitOpenAt(now time.Time, l limits) (open, changed bool) {
	if s.h.CircuitOpenedAt == nil {
		return false, false
	}
	if now.Before(s.h.CircuitOpenedAt.Add(l.circuitOpen)) {
		return true, false
	}
	s.h.CircuitOpenedAt = nil
	s.h.FailureCount = 0
	return false, true
}

// rollWindows resets the minute and day counters when their window has passed.
// Caller holds s.mu.
func (s *providerState) rollWindows(now time.Time, l limits) {
	if s.h.MinuteWindowStart == nil || !now.Before(s.h.MinuteWindowStart.Add(time.Minute)) {
		start := now
		s.h.MinuteWindowStart = &start
		s.h.SentMinuteCount = 0
	}
	today := dayOf(now, l.loc)
	if s.h.SentDayDate == nil || s.h.SentDayDate.Before(today) {
		s.h.SentDayDate = &today
		s.h.SentDayCount = 0
	}
}

// hasCapacity reports whether one more send fits both quotas, counting reserved slots.
// Caller holds s.mu.
func (s *providerState) hasCapacity(l limits) bool {
	if l.maxPerMinute != nil && s.h.SentMinuteCount+s.inFlight >= *l.maxPerMinute {
		return false
	}
	if l.maxPerDay != nil && s.h.SentDayCount+s.inFlight >= *l.maxPerDay {
		return false
	}
	return true
}

// available reports whether a send may start now, without reserving.
func (s *providerState) available(now time.Time, l limits) (ok, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open, changed := s.circuitOpenAt(now, l)
	if open {
		return false, changed
	}
	s.rollWindows(now, l)
	return s.hasCapacity(l), changed
}

// reserve claims one send slot if the provider is available at now.
// Every successful reserve must be paired with exactly one finish.
func (s *providerState) reserve(now time.Time, l limits) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open, _ := s.circuitOpenAt(now, l); open {
		return false
	}
	s.rollWindows(now, l)
	if !s.hasCapacity(l) {
		return false
	}
	s.inFlight++
	return true
}

// finish releases a reserved slot and records the outcome.
// Returns a copy of the resulting health for persistence.
func (s *providerState) finish(success bool, now time.Time, l limits) store.ProviderHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	at := now
	if success {
		s.rollWindows(now, l)
		s.h.SentMinuteCount++
		s.h.SentDayCount++
		s.h.FailureCount = 0
		s.h.CircuitOpenedAt = nil
		s.h.LastSuccessAt = &at
	} else {
		s.h.FailureCount++
		s.h.LastFailureAt = &at
		if l.failureThreshold > 0 && s.h.FailureCount >= l.failureThreshold {
			s.h.CircuitOpenedAt = &at
		}
	}
	return s.h
}

// snapshot returns a copy of the current health.
func (s *providerState) snapshot() store.ProviderHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}
