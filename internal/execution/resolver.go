package execution

import (
	"container/heap"
	"sort"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
)

// Resolve orders tasks so that every task comes after all of its
// predecessors. Predecessors outside the given set count as satisfied. Among
// tasks that are ready at the same step the earlier-created one goes first,
// so the order is deterministic. A cycle yields *crew.CircularDependencyError
// and no order.
func Resolve(tasks []crew.Task) ([]crew.Task, error) {
	g := newGraph(tasks)

	ready := &readyQueue{tasks: tasks}
	for i, deg := range g.indegree {
		if deg == 0 {
			ready.items = append(ready.items, i)
		}
	}
	heap.Init(ready)

	order := make([]crew.Task, 0, len(tasks))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, tasks[i])
		for _, next := range g.successors[i] {
			g.indegree[next]--
			if g.indegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(order) != len(tasks) {
		return nil, g.cycleError(tasks)
	}
	return order, nil
}

// ResolveTiers groups the resolved order by depth: a task's tier is one past
// the deepest of its predecessors in the set. Tasks in one tier do not depend
// on each other and may run concurrently.
func ResolveTiers(tasks []crew.Task) ([][]crew.Task, error) {
	order, err := Resolve(tasks)
	if err != nil {
		return nil, err
	}

	depth := make(map[int64]int, len(order))
	var tiers [][]crew.Task
	for _, t := range order {
		d := 0
		for _, dep := range t.DependsOn {
			if pd, ok := depth[dep]; ok && pd+1 > d {
				d = pd + 1
			}
		}
		depth[t.ID] = d
		for len(tiers) <= d {
			tiers = append(tiers, nil)
		}
		tiers[d] = append(tiers[d], t)
	}
	return tiers, nil
}

type graph struct {
	indegree   []int
	successors [][]int
}

func newGraph(tasks []crew.Task) *graph {
	index := make(map[int64]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}

	g := &graph{
		indegree:   make([]int, len(tasks)),
		successors: make([][]int, len(tasks)),
	}
	for i, t := range tasks {
		seen := make(map[int64]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			g.indegree[i]++
			g.successors[j] = append(g.successors[j], i)
		}
	}
	return g
}

// cycleError reports every task that could not be ordered, which is the
// cycle itself plus anything downstream of it.
func (g *graph) cycleError(tasks []crew.Task) error {
	var stuck []int
	for i, deg := range g.indegree {
		if deg > 0 {
			stuck = append(stuck, i)
		}
	}
	sort.Slice(stuck, func(a, b int) bool {
		return tasks[stuck[a]].Before(&tasks[stuck[b]])
	})
	ids := make([]int64, len(stuck))
	for k, i := range stuck {
		ids[k] = tasks[i].ID
	}
	return &crew.CircularDependencyError{TaskIDs: ids}
}

// readyQueue is a min-heap of task indexes ordered by creation.
type readyQueue struct {
	tasks []crew.Task
	items []int
}

func (q *readyQueue) Len() int { return len(q.items) }
func (q *readyQueue) Less(a, b int) bool {
	return q.tasks[q.items[a]].Before(&q.tasks[q.items[b]])
}
func (q *readyQueue) Swap(a, b int) { q.items[a], q.items[b] = q.items[b], q.items[a] }
func (q *readyQueue) Push(x any)    { q.items = append(q.items, x.(int)) }
func (q *readyQueue) Pop() any {
	n := len(q.items)
	x := q.items[n-1]
	q.items = q.items[:n-1]
	return x
}
