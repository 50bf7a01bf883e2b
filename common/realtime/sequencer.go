// Package realtime assigns per-stream sequence numbers and publishes socket
// event envelopes to the fanout channels.
package realtime

import "sync"

// Sequencer hands out strictly monotonic sequence numbers per stream.
// Streams share one mutex; numbers start at 1 and never repeat within a
// process.
type Sequencer struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewSequencer creates an empty sequencer
func NewSequencer() *Sequencer {
	return &Sequencer{counters: make(map[string]uint64)}
}

// Next returns the next sequence number for the stream
func (s *Sequencer) Next(stream string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[stream]++
	return s.counters[stream]
}

// Current returns the last assigned number for the stream, 0 when none
func (s *Sequencer) Current(stream string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[stream]
}

// Reset drops every counter. Tests only.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]uint64)
}

var defaultSequencer = NewSequencer()

// NextSequence assigns from the process-wide sequencer
func NextSequence(stream string) uint64 {
	return defaultSequencer.Next(stream)
}

// ResetSequencesForTests clears the process-wide sequencer
func ResetSequencesForTests() {
	defaultSequencer.Reset()
}
