package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"estatecrm/pkg/domain"
)

// Task history actions.
const (
	HistoryCreated       = "created"
	HistoryStatusChanged = "status_changed"
	HistoryReassigned    = "reassigned"
	HistoryCommented     = "commented"
)

// TaskPatch lists the non-status task fields an update may change. Status
// goes through UpdateTaskStatus so every transition is recorded.
type TaskPatch struct {
	Title       *string
	Description *string
	Priority    *TaskPriority
	Category    *string
	DueDate     *time.Time
	AssignedTo  *string
	LeadID      *string
}

func (p TaskPatch) apply(t *Task) {
	setIf(&t.Title, p.Title)
	setIf(&t.Description, p.Description)
	setIf(&t.Priority, p.Priority)
	setIf(&t.Category, p.Category)
	if p.DueDate != nil {
		t.DueDate = cloneTime(p.DueDate)
	}
	setIf(&t.AssignedTo, p.AssignedTo)
	setIf(&t.LeadID, p.LeadID)
}

// AddTask creates a task assigned by the session member. A duplicate ID is a
// no-op returning the stored task.
func (s *Store) AddTask(ctx context.Context, t Task) (Task, error) {
	var result Task
	err := s.run(ctx, func(tx *transaction) error {
		if t.ID != "" {
			if existing, ok := tx.state.tasks[t.ID]; ok {
				result = cloneTask(existing)
				return nil
			}
		} else {
			t.ID = s.newID()
		}
		if t.Status == "" {
			t.Status = TaskPending
		}
		if t.AssignedBy == "" {
			t.AssignedBy = tx.actorID()
		}
		if err := s.validate(EntityTask, t); err != nil {
			return err
		}
		t.CreatedAt = tx.now
		t.UpdatedAt = tx.now
		t.DueDate = cloneTime(t.DueDate)
		if t.Status == TaskCompleted {
			now := tx.now
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
		t.History = []domain.TaskHistoryEntry{{Action: HistoryCreated, Actor: tx.actorID(), Timestamp: tx.now}}
		t.Comments = []domain.TaskComment{}
		tx.saveTask(nil, t)
		tx.audit(domain.AuditTaskCreated, t.ID, map[string]any{
			"title":      t.Title,
			"assignedTo": t.AssignedTo,
		})
		result = cloneTask(t)
		return nil
	})
	return result, err
}

func (tx *transaction) saveTask(before *Task, after Task) {
	tx.state.tasks[after.ID] = after
	change := Change{Entity: EntityTask, Action: domain.ActionCreate, After: cloneTask(after)}
	if before != nil {
		change.Action = domain.ActionUpdate
		change.Before = cloneTask(*before)
	}
	tx.recordChange(change)
	tx.put(EntityTask, after.ID, cloneTask(after))
}

func validTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskPending, TaskInProgress, TaskCompleted, TaskOverdue:
		return true
	}
	return false
}

// UpdateTaskStatus moves a task to status, appending exactly one history
// record and one audit entry. Writing the current status is a no-op.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, note string) (Task, error) {
	if !validTaskStatus(status) {
		return Task{}, invalid(EntityTask, "status", "oneof", "must be one of Pending, In Progress, Completed, Overdue")
	}
	var result Task
	err := s.run(ctx, func(tx *transaction) error {
		t, ok := tx.state.tasks[id]
		if !ok {
			return notFound(EntityTask, id)
		}
		result = tx.setTaskStatus(t, status, note)
		return nil
	})
	return result, err
}

func (tx *transaction) setTaskStatus(before Task, status TaskStatus, note string) Task {
	if before.Status == status {
		return cloneTask(before)
	}
	after := cloneTask(before)
	after.Status = status
	after.UpdatedAt = tx.now
	if status == TaskCompleted {
		now := tx.now
		after.CompletedAt = &now
	} else {
		after.CompletedAt = nil
	}
	entry := fmt.Sprintf("%s -> %s", before.Status, status)
	if note = strings.TrimSpace(note); note != "" {
		entry += ": " + note
	}
	after.History = append(after.History, domain.TaskHistoryEntry{
		Action:    HistoryStatusChanged,
		Actor:     tx.actorID(),
		Timestamp: tx.now,
		Note:      entry,
	})
	tx.saveTask(&before, after)
	tx.audit(domain.AuditTaskStatusChanged, after.ID, map[string]any{
		"from": string(before.Status),
		"to":   string(status),
	})
	return cloneTask(after)
}

// MarkOverdueTasks moves open tasks whose due date is before now to Overdue
// and returns how many moved.
func (s *Store) MarkOverdueTasks(ctx context.Context, now time.Time) (int, error) {
	moved := 0
	err := s.run(ctx, func(tx *transaction) error {
		for _, t := range sortedTasks(tx.state.tasks) {
			if !t.Status.Open() || t.DueDate == nil || !t.DueDate.Before(now) {
				continue
			}
			tx.setTaskStatus(t, TaskOverdue, "due date passed")
			moved++
		}
		return nil
	})
	return moved, err
}

// UpdateTask applies patch to a task. A change of assignee appends a
// reassigned history record.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	var result Task
	err := s.run(ctx, func(tx *transaction) error {
		before, ok := tx.state.tasks[id]
		if !ok {
			return notFound(EntityTask, id)
		}
		after := cloneTask(before)
		patch.apply(&after)
		if err := s.validate(EntityTask, after); err != nil {
			return err
		}
		if after.AssignedTo != before.AssignedTo {
			after.History = append(after.History, domain.TaskHistoryEntry{
				Action:    HistoryReassigned,
				Actor:     tx.actorID(),
				Timestamp: tx.now,
				Note:      fmt.Sprintf("%s -> %s", before.AssignedTo, after.AssignedTo),
			})
		}
		after.UpdatedAt = tx.now
		tx.saveTask(&before, after)
		result = cloneTask(after)
		return nil
	})
	return result, err
}

// AddTaskComment appends a comment by the session member.
func (s *Store) AddTaskComment(ctx context.Context, id, text string) (Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Task{}, invalid(EntityTask, "text", "required", "is required")
	}
	var result Task
	err := s.run(ctx, func(tx *transaction) error {
		before, ok := tx.state.tasks[id]
		if !ok {
			return notFound(EntityTask, id)
		}
		after := cloneTask(before)
		after.Comments = append(after.Comments, domain.TaskComment{Actor: tx.actorID(), Text: text, Timestamp: tx.now})
		after.History = append(after.History, domain.TaskHistoryEntry{Action: HistoryCommented, Actor: tx.actorID(), Timestamp: tx.now})
		after.UpdatedAt = tx.now
		tx.saveTask(&before, after)
		result = cloneTask(after)
		return nil
	})
	return result, err
}

// DeleteTask removes a task. Elevated members and the task's creator may delete it.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.run(ctx, func(tx *transaction) error {
		t, ok := tx.state.tasks[id]
		if !ok {
			return notFound(EntityTask, id)
		}
		if !tx.actor.Role.Elevated() && (tx.actor.ID == "" || tx.actor.ID != t.AssignedBy) {
			return &domain.AuthorizationError{Action: "delete a task assigned by someone else", Role: tx.actor.Role}
		}
		delete(tx.state.tasks, id)
		tx.recordChange(Change{Entity: EntityTask, Action: domain.ActionDelete, Before: cloneTask(t)})
		tx.remove(EntityTask, id)
		tx.audit(domain.AuditTaskDeleted, id, map[string]any{"title": t.Title})
		return nil
	})
}

// ReplaceTasks swaps the whole task collection. No effects run.
func (s *Store) ReplaceTasks(ctx context.Context, tasks []Task) error {
	return s.run(ctx, func(tx *transaction) error {
		next := make(map[string]Task, len(tasks))
		for _, t := range tasks {
			next[t.ID] = cloneTask(t)
		}
		tx.state.tasks = next
		tx.touch(EntityTask)
		return nil
	})
}

// Task returns one task.
func (s *Store) Task(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.state.tasks[id]
	return cloneTask(t), ok
}

// Tasks returns every task, newest first.
func (s *Store) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedTasks(s.state.tasks)
}

func sortedTasks(m map[string]Task) []Task {
	out := make([]Task, 0, len(m))
	for _, t := range m {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
