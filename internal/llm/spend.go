package llm

import "sync/atomic"

// SpendCounter tracks process-wide LLM token spend. It is one of the two
// legitimate process singletons (the other is the PubMed scheduler) and is
// passed explicitly to every component that makes LLM calls.
type SpendCounter struct {
	total atomic.Int64
}

// Record adds tokens to the running total.
func (s *SpendCounter) Record(tokens int) {
	if s == nil {
		return
	}
	s.total.Add(int64(tokens))
}

// Total returns the tokens spent so far.
func (s *SpendCounter) Total() int64 {
	if s == nil {
		return 0
	}
	return s.total.Load()
}
