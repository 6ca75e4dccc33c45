package stream

import "fmt"

// State tracks the progress of one transfer.
type State struct {
	Total       int64
	Transferred int64

	lastPercent int
	progress    func(transferred, total int64)
	percent     func(percent int)
}

func newState(total int64, opts options) *State {
	return &State{
		Total:       total,
		lastPercent: -1,
		progress:    opts.progress,
		percent:     opts.percent,
	}
}

// Percent returns the integer completion percentage. An empty transfer is complete.
func (s *State) Percent() int {
	if s.Total <= 0 {
		return 100
	}

	return int(s.Transferred * 100 / s.Total)
}

func (s *State) advance(n int) error {
	if s.Transferred+int64(n) > s.Total {
		return fmt.Errorf("%w: %d + %d > %d", ErrOverflow, s.Transferred, n, s.Total)
	}
	s.Transferred += int64(n)

	if s.progress != nil {
		s.progress(s.Transferred, s.Total)
	}

	if p := s.Percent(); s.percent != nil && p != s.lastPercent {
		s.lastPercent = p
		s.percent(p)
	}

	return nil
}
