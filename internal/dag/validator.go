// Package dag validates workflow edge sets before anything is persisted.
package dag

import (
	"sort"

	"github.com/SunnyX6/datapillar-scheduler/internal/domain"
)

// Validate checks that the directed edge set over the given job ids is
// acyclic and references no unknown node. It must run, and succeed, before
// any definition row is written; validation-then-persist ordering is a
// correctness invariant of workflow creation.
//
// Edges carry jobID -> parentJobID semantics; traversal runs parent to child.
func Validate(workflowID int64, jobIDs []int64, edges []domain.Dependency) error {
	nodes := make(map[int64]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		nodes[id] = struct{}{}
	}

	children := make(map[int64][]int64, len(nodes))
	inDegree := make(map[int64]int, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}

	for _, edge := range edges {
		if _, ok := nodes[edge.JobID]; !ok {
			return &domain.MissingNodeError{WorkflowID: workflowID, JobID: edge.JobID}
		}
		if _, ok := nodes[edge.ParentJobID]; !ok {
			return &domain.MissingNodeError{WorkflowID: workflowID, JobID: edge.ParentJobID}
		}
		children[edge.ParentJobID] = append(children[edge.ParentJobID], edge.JobID)
		inDegree[edge.JobID]++
	}

	queue := make([]int64, 0, len(nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited == len(nodes) {
		return nil
	}

	return &domain.CycleError{WorkflowID: workflowID, Cycle: findCycle(nodes, inDegree, children)}
}

// findCycle names one cycle among the nodes Kahn's algorithm never reached.
func findCycle(nodes map[int64]struct{}, inDegree map[int64]int, children map[int64][]int64) []int64 {
	remaining := make([]int64, 0)
	for id := range nodes {
		if inDegree[id] > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
	if len(remaining) == 0 {
		return nil
	}

	inRemaining := make(map[int64]struct{}, len(remaining))
	for _, id := range remaining {
		inRemaining[id] = struct{}{}
	}

	// Walk parent edges within the remaining subgraph. Every remaining node
	// kept a positive in-degree, so it has a remaining parent and the walk
	// can never dead-end on a node merely downstream of the cycle; it must
	// revisit one.
	parents := make(map[int64][]int64, len(remaining))
	for parent, kids := range children {
		if _, ok := inRemaining[parent]; !ok {
			continue
		}
		for _, child := range kids {
			if _, ok := inRemaining[child]; ok {
				parents[child] = append(parents[child], parent)
			}
		}
	}
	for _, list := range parents {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	}

	seenAt := make(map[int64]int)
	path := make([]int64, 0, len(remaining))
	current := remaining[0]
	for {
		if at, ok := seenAt[current]; ok {
			backward := append([]int64(nil), path[at:]...)
			backward = append(backward, current)
			// The walk followed child-to-parent edges; reverse so the cycle
			// reads in dependency order.
			cycle := make([]int64, 0, len(backward))
			for i := len(backward) - 1; i >= 0; i-- {
				cycle = append(cycle, backward[i])
			}
			return cycle
		}
		seenAt[current] = len(path)
		path = append(path, current)
		current = parents[current][0]
	}
}
