package hook

import (
	"github.com/shirou/gopsutil/process"
)

// killDescendants kills every live descendant of pid, including those that
// moved to another process group, and reports how many it signalled.
// Errors from the process table are ignored: the group kill that follows
// still covers the common case.
func killDescendants(pid int) int {
	procs, err := process.Processes()
	if err != nil {
		return 0
	}
	children := make(map[int32][]*process.Process)
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p)
	}

	var killed int
	queue := []int32{int32(pid)}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, c := range children[parent] {
			queue = append(queue, c.Pid)
			if c.Kill() == nil {
				killed++
			}
		}
	}
	return killed
}
