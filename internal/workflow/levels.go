package workflow

import (
	"fmt"
	"sort"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

// Validate checks the chain invariants: levels start at 1 and strictly
// increase, every step names a role.
func Validate(wf *repository.WorkflowDefinition) error {
	if len(wf.ApprovalChain) == 0 {
		return errors.InvalidInput("approval_chain", "at least one level is required")
	}
	for i, step := range wf.ApprovalChain {
		if i == 0 && step.Level != 1 {
			return errors.InvalidInput("approval_chain", "levels must start at 1")
		}
		if i > 0 && step.Level <= wf.ApprovalChain[i-1].Level {
			return errors.InvalidInput("approval_chain",
				fmt.Sprintf("level %d does not increase after level %d", step.Level, wf.ApprovalChain[i-1].Level))
		}
		if step.Role == "" {
			return errors.InvalidInput("approval_chain", fmt.Sprintf("level %d has no role", step.Level))
		}
	}
	return nil
}

// InitialLevel returns the lowest level of the chain.
func InitialLevel(wf *repository.WorkflowDefinition) int {
	lowest := 0
	for _, step := range wf.ApprovalChain {
		if lowest == 0 || step.Level < lowest {
			lowest = step.Level
		}
	}
	return lowest
}

// FinalLevel returns the highest level of the chain.
func FinalLevel(wf *repository.WorkflowDefinition) int {
	highest := 0
	for _, step := range wf.ApprovalChain {
		if step.Level > highest {
			highest = step.Level
		}
	}
	return highest
}

// NextRequiredLevel returns the smallest level above current that must still
// approve: any level when RequireAllLevels is set, otherwise only required
// steps. It returns false when nothing qualifies and the request is complete.
func NextRequiredLevel(wf *repository.WorkflowDefinition, current int) (int, bool) {
	steps := sortedSteps(wf)
	for _, step := range steps {
		if step.Level <= current {
			continue
		}
		if wf.Config.RequireAllLevels || step.Required {
			return step.Level, true
		}
	}
	return 0, false
}

// RoleAt returns the role that approves at level.
func RoleAt(wf *repository.WorkflowDefinition, level int) (access.Role, bool) {
	for _, step := range wf.ApprovalChain {
		if step.Level == level {
			return step.Role, true
		}
	}
	return "", false
}

// StepAt returns the chain step at level.
func StepAt(wf *repository.WorkflowDefinition, level int) (repository.ChainStep, bool) {
	for _, step := range wf.ApprovalChain {
		if step.Level == level {
			return step, true
		}
	}
	return repository.ChainStep{}, false
}

// ResolveTargetLevel returns the level at which role acts on a request
// currently at current: the smallest level held by role that is not below
// current. Higher levels may act ahead of the chain.
//
// A role absent from the chain is UNAUTHORIZED. A role whose levels are all
// below current lost the race to an earlier transition and gets
// CONCURRENCY_CONFLICT.
func ResolveTargetLevel(wf *repository.WorkflowDefinition, role access.Role, current int) (int, error) {
	var held []int
	for _, step := range sortedSteps(wf) {
		if step.Role == role {
			held = append(held, step.Level)
		}
	}
	if len(held) == 0 {
		return 0, errors.Unauthorized(fmt.Sprintf("role %s has no level in workflow %s", role, wf.ID))
	}
	for _, level := range held {
		if level >= current {
			return level, nil
		}
	}
	return 0, errors.Conflict(fmt.Sprintf("request already advanced to level %d past role %s", current, role))
}

func sortedSteps(wf *repository.WorkflowDefinition) []repository.ChainStep {
	steps := append([]repository.ChainStep(nil), wf.ApprovalChain...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Level < steps[j].Level })
	return steps
}
