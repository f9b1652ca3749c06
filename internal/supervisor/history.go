package supervisor

import "sync"

// history retains the most recent events so late subscribers and crash
// reports can see what the backend printed.
type history struct {
	mu    sync.RWMutex
	buf   []Event
	start int // index of the oldest event
	n     int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]Event, capacity)}
}

func (h *history) add(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.buf) == 0 {
		return
	}
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = ev
		h.n++
		return
	}
	h.buf[h.start] = ev
	h.start = (h.start + 1) % len(h.buf)
}

// events returns retained events oldest first. A nil keep returns all of
// them.
func (h *history) events(keep func(Event) bool) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Event, 0, h.n)
	for i := 0; i < h.n; i++ {
		ev := h.buf[(h.start+i)%len(h.buf)]
		if keep == nil || keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Output returns up to tail of the most recent output lines of run runID,
// oldest first. An empty runID matches every run; tail <= 0 returns all
// retained lines.
func (s *Supervisor) Output(runID string, tail int) []Event {
	lines := s.history.events(func(ev Event) bool {
		if ev.Type != EventStdout && ev.Type != EventStderr {
			return false
		}
		return runID == "" || ev.RunID == runID
	})
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines
}
