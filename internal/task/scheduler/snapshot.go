package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		State:      s.State().String(),
		Timezone:   s.cfg.Location.String(),
		Running:    s.guard.Running(),
		PollErrors: s.pollErrors.Load(),
		Dispatched: s.dispatched.Load(),
		Engine:     s.eng.Snapshot(),
	}
	if v := s.startedAt.Load(); v != 0 {
		snap.StartedAt = time.Unix(0, v)
	}
	if v := s.lastPoll.Load(); v != 0 {
		snap.LastPoll = time.Unix(0, v)
	}
	return snap
}

// Healthy reports whether the loop is running and has polled recently.
func (s *Service) Healthy(now time.Time) bool {
	switch s.State() {
	case StateIdle, StatePolling, StateDispatching:
	default:
		return false
	}
	last := s.lastPoll.Load()
	if last == 0 {
		return false
	}
	return now.Sub(time.Unix(0, last)) <= 2*s.cfg.CheckInterval+s.cfg.Tick
}
