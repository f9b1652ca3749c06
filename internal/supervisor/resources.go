package supervisor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// Resources is a point-in-time usage sample of the backend process tree.
type Resources struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	Children   []int32 `json:"children,omitempty"`
}

// Resources samples the running backend. It returns ErrNotRunning when no
// process is live.
func (s *Supervisor) Resources(ctx context.Context) (Resources, error) {
	s.mu.RLock()
	pid := s.pid
	running := s.state == StateRunning
	s.mu.RUnlock()

	if !running || pid == 0 {
		return Resources{}, ErrNotRunning
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Resources{}, fmt.Errorf("inspect backend %d: %w", pid, err)
	}

	res := Resources{PID: pid}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		res.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		res.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		res.Threads = n
	}
	if children, err := p.ChildrenWithContext(ctx); err == nil {
		for _, c := range children {
			res.Children = append(res.Children, c.Pid)
		}
	}
	return res, nil
}
