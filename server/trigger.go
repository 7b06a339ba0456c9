package server

import (
	"context"
	"time"
)

// tick runs the once-per-second housekeeping spec §4.5 schedules alongside
// the event loop: the FastCGI control plane's spawn/reap/load-balancing
// sweep (internal/fastcgi.Controller.Tick) and any plugin that registered a
// HANDLE_TRIGGER hook. The traffic shaper's own Tick is driven directly from
// Run's main loop, since its return value (connections to resume) has to
// feed straight back into step rather than being fired-and-forgotten here.
func (s *Server) tick(ctx context.Context, now time.Time) {
	if s.Control != nil {
		s.Control.Tick(ctx, now)
	}
	if s.Hooks != nil {
		s.Hooks.HandleTrigger(now)
	}
}
