package workflow

import (
	"fmt"
	"sort"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"
)

// Dependencies returns the steps that must be satisfied before step may start:
// its explicit DependsOn list, or every step with a lower order when none is declared.
func Dependencies(def *models.WorkflowDefinition, step *models.WorkflowStep) []int64 {
	if len(step.DependsOn) > 0 {
		return step.DependsOn
	}
	var deps []int64
	for _, s := range def.Steps {
		if s.StepOrder < step.StepOrder {
			deps = append(deps, s.ID)
		}
	}
	return deps
}

// ValidateDefinition rejects definitions the engine cannot run: duplicate or
// missing assignees, non-parallel steps sharing an order, unknown dependencies
// and dependency cycles.
func ValidateDefinition(def *models.WorkflowDefinition) error {
	if len(def.Steps) == 0 {
		return apperrors.NewInvalidRequestError(fmt.Sprintf("workflow %d has no steps", def.ID))
	}

	byID := make(map[int64]*models.WorkflowStep, len(def.Steps))
	byOrder := make(map[int][]*models.WorkflowStep)
	for i := range def.Steps {
		s := &def.Steps[i]
		if _, dup := byID[s.ID]; dup {
			return apperrors.NewInvalidRequestError(fmt.Sprintf("workflow %d repeats step %d", def.ID, s.ID))
		}
		if !s.Assignee.Valid() {
			return apperrors.NewInvalidAssigneeError(fmt.Sprintf("step %d has no assignee", s.ID))
		}
		byID[s.ID] = s
		byOrder[s.StepOrder] = append(byOrder[s.StepOrder], s)
	}

	for order, steps := range byOrder {
		if len(steps) < 2 {
			continue
		}
		for _, s := range steps {
			if !s.IsParallel {
				return apperrors.NewInvalidRequestError(fmt.Sprintf(
					"step %d shares order %d with other steps but is not parallel", s.ID, order))
			}
		}
	}

	indegree := make(map[int64]int, len(byID))
	dependents := make(map[int64][]int64)
	for id, s := range byID {
		for _, dep := range Dependencies(def, s) {
			if dep == id {
				return apperrors.NewInvalidRequestError(fmt.Sprintf("step %d depends on itself", id))
			}
			if _, ok := byID[dep]; !ok {
				return apperrors.NewInvalidRequestError(fmt.Sprintf("step %d depends on unknown step %d", id, dep))
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []int64
	for id := range byID {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(byID) {
		var stuck []int64
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Slice(stuck, func(i, j int) bool { return stuck[i] < stuck[j] })
		return apperrors.NewInvalidRequestError(fmt.Sprintf("workflow %d has a dependency cycle through steps %v", def.ID, stuck))
	}
	return nil
}
