package core_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"estatecrm/internal/core"
	"estatecrm/pkg/domain"
)

func TestTaskHistoryIsAppendOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetSession(agent)

	task, err := h.store.AddTask(ctx, domain.Task{ID: "T1", Title: "Send floor plans", AssignedTo: agent.ID})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if task.Status != domain.TaskPending || task.AssignedBy != agent.ID {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	if len(task.History) != 1 || task.History[0].Action != core.HistoryCreated {
		t.Fatalf("expected created history, got %+v", task.History)
	}

	steps := []struct {
		status  domain.TaskStatus
		history int
	}{
		{domain.TaskInProgress, 2},
		{domain.TaskInProgress, 2}, // same status is a no-op
		{domain.TaskCompleted, 3},
		{domain.TaskPending, 4},
	}
	prev := task.History
	for _, step := range steps {
		h.clock.Advance(time.Minute)
		got, err := h.store.UpdateTaskStatus(ctx, "T1", step.status, "")
		if err != nil {
			t.Fatalf("status %s: %v", step.status, err)
		}
		if len(got.History) != step.history {
			t.Fatalf("status %s: history len %d, want %d", step.status, len(got.History), step.history)
		}
		if !reflect.DeepEqual(got.History[:len(prev)], prev) {
			t.Fatalf("status %s rewrote earlier history", step.status)
		}
		if step.status == domain.TaskCompleted && got.CompletedAt == nil {
			t.Fatalf("completedAt not stamped")
		}
		if step.status != domain.TaskCompleted && got.CompletedAt != nil {
			t.Fatalf("completedAt not cleared on %s", step.status)
		}
		prev = got.History
	}
	if n := len(auditActions(h.store.AuditLog(), domain.AuditTaskStatusChanged)); n != 3 {
		t.Fatalf("expected 3 status audits, got %d", n)
	}

	commented, err := h.store.AddTaskComment(ctx, "T1", "  client wants 3BR  ")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if len(commented.Comments) != 1 || commented.Comments[0].Text != "client wants 3BR" || commented.Comments[0].Actor != agent.ID {
		t.Fatalf("unexpected comments: %+v", commented.Comments)
	}
	if last := commented.History[len(commented.History)-1]; last.Action != core.HistoryCommented {
		t.Fatalf("expected commented history, got %+v", last)
	}
	if _, err := h.store.AddTaskComment(ctx, "T1", "   "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank comment should fail validation, got %v", err)
	}
	if _, err := h.store.UpdateTaskStatus(ctx, "T1", "Done", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown status should fail validation, got %v", err)
	}
}

func TestTaskReassignmentAndDeletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetSession(agent)
	if _, err := h.store.AddTask(ctx, domain.Task{ID: "T1", Title: "Viewing", AssignedTo: agent.ID, Priority: domain.PriorityHigh}); err != nil {
		t.Fatal(err)
	}
	got, err := h.store.UpdateTask(ctx, "T1", core.TaskPatch{AssignedTo: ptr(other.ID), Category: ptr("viewing")})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	last := got.History[len(got.History)-1]
	if last.Action != core.HistoryReassigned || last.Note != agent.ID+" -> "+other.ID {
		t.Fatalf("expected reassigned history, got %+v", last)
	}
	if _, err := h.store.UpdateTask(ctx, "T1", core.TaskPatch{Priority: ptr(domain.TaskPriority("Whenever"))}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad priority should fail validation, got %v", err)
	}

	h.store.SetSession(other)
	if err := h.store.DeleteTask(ctx, "T1"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("assignee who did not create the task may not delete it, got %v", err)
	}
	h.store.SetSession(agent)
	if err := h.store.DeleteTask(ctx, "T1"); err != nil {
		t.Fatalf("creator delete: %v", err)
	}
	if _, ok := h.store.Task("T1"); ok {
		t.Fatalf("task still present")
	}
	if n := len(auditActions(h.store.AuditLog(), domain.AuditTaskDeleted)); n != 1 {
		t.Fatalf("expected task.deleted audit, got %d", n)
	}
}

func TestMarkOverdueTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	for _, task := range []domain.Task{
		{ID: "late", Title: "late", DueDate: &past},
		{ID: "later", Title: "later", DueDate: &future},
		{ID: "done", Title: "done", DueDate: &past, Status: domain.TaskCompleted},
		{ID: "undated", Title: "undated"},
	} {
		if _, err := h.store.AddTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	n, err := h.store.MarkOverdueTasks(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("mark overdue: n=%d err=%v", n, err)
	}
	late, _ := h.store.Task("late")
	if late.Status != domain.TaskOverdue || len(late.History) != 2 {
		t.Fatalf("late task = %+v", late)
	}
	if n, _ := h.store.MarkOverdueTasks(ctx, now); n != 0 {
		t.Fatalf("second sweep moved %d tasks", n)
	}
}
