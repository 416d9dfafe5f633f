package planner

import (
	"fmt"
	"sort"

	"github.com/sourceplane/marketsync/internal/model"
)

// JobGraph represents the DAG of job families with cycle detection and level ordering
type JobGraph struct {
	jobs map[model.Family]*model.JobSpec
}

// NewJobGraph creates a new job graph from a workflow
func NewJobGraph(workflow *model.Workflow) *JobGraph {
	jobs := make(map[model.Family]*model.JobSpec, len(workflow.Jobs))
	for i := range workflow.Jobs {
		jobs[workflow.Jobs[i].Family] = &workflow.Jobs[i]
	}
	return &JobGraph{jobs: jobs}
}

// DetectCycles performs cycle detection on the needs graph using DFS
func (g *JobGraph) DetectCycles() error {
	visited := make(map[model.Family]bool)
	recStack := make(map[model.Family]bool)

	for _, family := range g.sortedFamilies() {
		if !visited[family] {
			if g.hasCycleDFS(family, visited, recStack) {
				return fmt.Errorf("cycle detected in job dependencies involving %s", family)
			}
		}
	}

	return nil
}

// hasCycleDFS performs DFS cycle detection from a given node
func (g *JobGraph) hasCycleDFS(node model.Family, visited, recStack map[model.Family]bool) bool {
	visited[node] = true
	recStack[node] = true

	job, exists := g.jobs[node]
	if !exists {
		recStack[node] = false
		return false
	}

	for _, dep := range job.Needs {
		if !visited[dep] {
			if g.hasCycleDFS(dep, visited, recStack) {
				return true
			}
		} else if recStack[dep] {
			return true
		}
	}

	recStack[node] = false
	return false
}

// Levels groups the selected families into execution levels using Kahn's
// algorithm: every family appears after all of its selected needs, and
// families within one level are independent. Needs outside the selection
// are ignored since they will not run in this firing.
func (g *JobGraph) Levels(selected []model.Family) ([][]model.Family, error) {
	inSet := make(map[model.Family]bool, len(selected))
	for _, family := range selected {
		if _, exists := g.jobs[family]; !exists {
			return nil, fmt.Errorf("unknown job family: %s", family)
		}
		inSet[family] = true
	}

	dependents := make(map[model.Family][]model.Family)
	inDegree := make(map[model.Family]int)
	for family := range inSet {
		inDegree[family] = 0
	}
	for family := range inSet {
		for _, dep := range g.jobs[family].Needs {
			if !inSet[dep] {
				continue
			}
			dependents[dep] = append(dependents[dep], family)
			inDegree[family]++
		}
	}

	var current []model.Family
	for family, degree := range inDegree {
		if degree == 0 {
			current = append(current, family)
		}
	}

	var levels [][]model.Family
	processed := 0
	for len(current) > 0 {
		sortFamilies(current)
		levels = append(levels, current)
		processed += len(current)

		var next []model.Family
		for _, family := range current {
			for _, dependent := range dependents[family] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(inSet) {
		return nil, fmt.Errorf("failed to order jobs: possible cycle detected")
	}

	return levels, nil
}

// TopologicalSort returns every family in execution order
func (g *JobGraph) TopologicalSort() ([]model.Family, error) {
	levels, err := g.Levels(g.sortedFamilies())
	if err != nil {
		return nil, err
	}
	var sorted []model.Family
	for _, level := range levels {
		sorted = append(sorted, level...)
	}
	return sorted, nil
}

func (g *JobGraph) sortedFamilies() []model.Family {
	families := make([]model.Family, 0, len(g.jobs))
	for family := range g.jobs {
		families = append(families, family)
	}
	sortFamilies(families)
	return families
}

func sortFamilies(families []model.Family) {
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })
}
