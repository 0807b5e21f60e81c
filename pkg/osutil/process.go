// Package osutil holds the operating system helpers used by the native
// backend: process group management and resource sampling.
package osutil

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// IsProcessAlive checks if a process with the given PID is still running
func IsProcessAlive(pid int) bool {
	found, _ := process.PidExists(int32(pid))
	return found
}

// TreeRSS returns the resident set size in bytes of pid and all of its
// descendants. Processes that exit while being sampled are skipped.
func TreeRSS(ctx context.Context, pid int) (uint64, error) {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, err
	}

	var total uint64
	queue := []*process.Process{root}
	seen := map[int32]bool{}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p.Pid] {
			continue
		}
		seen[p.Pid] = true

		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			total += mem.RSS
		}
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		queue = append(queue, children...)
	}
	return total, nil
}
