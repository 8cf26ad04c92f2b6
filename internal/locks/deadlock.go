package locks

import (
	"fmt"
	"strings"

	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
)

// owner is the (pid, tid) identity edges in the wait-for graph connect.
type owner struct {
	pid, tid uint32
}

func ownerOf(c types.Credentials) owner {
	return owner{pid: c.PID, tid: c.TID}
}

// AuditDeadlocks walks the wait-for graph across every file: a waiting
// owner points at each owner holding a lock that blocks it. A cycle in
// the graph is a deadlock and is reported as DEADLOCK naming the owners
// involved; with no cycle the audit returns nil.
//
// The audit is an explicit diagnostic pass. It never cancels or grants
// anything itself; breaking the cycle is the caller's decision,
// typically via Cancel or CleanupOwner on one participant.
func (r *Registry) AuditDeadlocks() error {
	graph := r.buildWaitGraph()
	if cycle := findCycle(graph); cycle != nil {
		parts := make([]string, len(cycle))
		for i, o := range cycle {
			parts[i] = fmt.Sprintf("pid=%d/tid=%d", o.pid, o.tid)
		}
		return errors.Newf(errors.ErrCodeDeadlock, "wait cycle: %s", strings.Join(parts, " -> ")).
			WithComponent("locks").WithOp("audit")
	}
	return nil
}

func (r *Registry) buildWaitGraph() map[owner]map[owner]bool {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	graph := make(map[owner]map[owner]bool)
	for _, m := range managers {
		m.mu.Lock()
		for _, w := range m.waiters {
			from := ownerOf(w.lock.owner)
			for _, held := range m.active {
				if !conflicts(held, w.lock) {
					continue
				}
				to := ownerOf(held.owner)
				if graph[from] == nil {
					graph[from] = make(map[owner]bool)
				}
				graph[from][to] = true
			}
		}
		m.mu.Unlock()
	}
	return graph
}

// findCycle runs a coloring DFS over the wait-for graph and returns the
// owners on the first cycle found, in wait order.
func findCycle(graph map[owner]map[owner]bool) []owner {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[owner]int)
	var stack []owner

	var visit func(o owner) []owner
	visit = func(o owner) []owner {
		color[o] = gray
		stack = append(stack, o)
		for next := range graph[o] {
			switch color[next] {
			case gray:
				// Cycle: slice the stack from next's position.
				for i, on := range stack {
					if on == next {
						cycle := make([]owner, len(stack)-i)
						copy(cycle, stack[i:])
						return cycle
					}
				}
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		color[o] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for o := range graph {
		if color[o] == white {
			if cycle := visit(o); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
