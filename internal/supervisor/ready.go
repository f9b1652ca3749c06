package supervisor

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultReadyTimeout = 30 * time.Second
	readyPollInterval   = 200 * time.Millisecond
)

// awaitReady polls the backend health URL until it answers 200, the
// process exits or the ready timeout passes.
func (s *Supervisor) awaitReady(runID string, exited <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReadyTimeout)
	defer cancel()

	client := &http.Client{Timeout: time.Second}
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if probeReady(ctx, client, s.opts.ReadyURL) {
			s.markReady(runID)
			return
		}

		select {
		case <-exited:
			return
		case <-ctx.Done():
			log.Warn().Str("run", runID).Str("url", s.opts.ReadyURL).Dur("timeout", s.opts.ReadyTimeout).
				Msg("backend did not become ready")
			return
		case <-ticker.C:
		}
	}
}

func probeReady(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Supervisor) markReady(runID string) {
	s.mu.Lock()
	if s.runID != runID || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.mu.Unlock()

	log.Info().Str("run", runID).Msg("backend is ready")
	s.publish(Event{
		RunID:     runID,
		Type:      EventReady,
		Timestamp: time.Now().UTC(),
	})
}

// WaitReady blocks until the current run is ready, the run ends or ctx is
// done.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		snap := s.Snapshot()
		if snap.Ready {
			return nil
		}
		if snap.State != StateRunning && snap.State != StateStarting {
			if snap.LastError != nil {
				return snap.LastError
			}
			return ErrNotRunning
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
