package executor

import (
	"fmt"

	"github.com/sleeplessd/sleepless/internal/queue"
)

const refineNote = `
## REFINE TASK
This workspace contains a copy of the project's own source code. Your
goal is to IMPROVE the existing codebase:
- Analyze and understand the current implementation
- Refactor, optimize, or enhance existing code
- Fix bugs or issues
- Improve code quality, tests, or documentation
- Add missing features to existing modules

The changes you make should enhance the existing codebase and can be
merged back to the main project.
`

const newNote = `
## NEW TASK
This is a fresh workspace. Your goal is to BUILD new functionality:
- Design and implement new features
- Create new modules or tools
- Build standalone projects or prototypes
- Experiment with new ideas
`

func taskTypeNote(taskType queue.TaskType) string {
	switch taskType {
	case queue.TypeRefine:
		return refineNote
	case queue.TypeNew:
		return newNote
	default:
		return ""
	}
}

func plannerPrompt(task *queue.Task, workspaceContext string) string {
	return fmt.Sprintf(`You are a planning expert. Analyze the task and workspace context, then create a structured plan.
%s
## Task
%s

## Workspace Context
%s

## Your Task
1. Analyze the task requirements and workspace
2. Identify what needs to be done
3. Create a detailed TODO list with specific, actionable items
4. Note any dependencies between tasks
5. Estimate effort level for each TODO item

Output should be:
- Executive summary (2-3 sentences)
- Analysis of the task
- Structured TODO list (numbered, with clear descriptions)
- Notes on approach and strategy
- Any assumptions or potential blockers
`, taskTypeNote(task.TaskType), task.Description, workspaceContext)
}

func workerPrompt(task *queue.Task, planText string) string {
	return fmt.Sprintf(`You are an expert developer. Execute the plan below to complete the task.

## Task
%s

## Plan to Execute
%s

## Instructions
1. Execute the TODO items from the plan
2. Use TodoWrite to track progress on each item
3. Make changes using available tools (Read, Write, Edit, Bash)
4. Test your changes as needed
5. Provide a summary of what you completed

Work through the plan systematically and update TodoWrite as you complete each item.
`, task.Description, planText)
}

func evaluatorPrompt(task *queue.Task, planText, workerOutput string, files, commands int) string {
	return fmt.Sprintf(`You are a quality assurance expert. Evaluate whether the task was completed successfully.

## Task
%s

## Original Plan
%s

## Worker Output
%s

## Changes Made
- Files Modified: %d
- Commands Executed: %d

## Your Task
1. Review the worker output against the original plan
2. Verify each TODO item was addressed
3. Check if the task objectives were met
4. Identify any incomplete items or issues
5. Provide a comprehensive evaluation summary

Output should include:
- Completion status (COMPLETE / INCOMPLETE / PARTIAL)
- Items successfully completed
- Any outstanding items
- Quality assessment
- Recommendations (if any)
`, task.Description, planText, workerOutput, files, commands)
}
