package scheduler

import (
	"time"

	logx "tickd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a dispatch failure at most once per throttle window per job.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	// Drop stale entries so deleted or renamed jobs don't accumulate.
	for k, at := range s.lastEnqWarn {
		if now.Sub(at) >= enqueueWarnThrottle {
			delete(s.lastEnqWarn, k)
		}
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("job.dispatch_failed", logx.String("job", name), logx.Err(err))
}
