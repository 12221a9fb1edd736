package core

import (
	"encoding/json"
	"fmt"
	"time"

	"estatecrm/internal/localstate"
)

type memoryState struct {
	leads         map[string]Lead
	properties    map[string]Property
	tasks         map[string]Task
	activities    map[string]Activity
	team          map[string]TeamMember
	notifications map[string]Notification
	audit         map[string]AuditLogEntry
	templates     map[string]MessageTemplate
	revenue       Revenue
}

// Snapshot captures a point-in-time clone of the store state. It is the unit
// of local persistence and of export/import.
type Snapshot struct {
	Leads         map[string]Lead            `json:"leads"`
	Properties    map[string]Property        `json:"properties"`
	Tasks         map[string]Task            `json:"tasks"`
	Activities    map[string]Activity        `json:"activities"`
	Team          map[string]TeamMember      `json:"team"`
	Notifications map[string]Notification    `json:"notifications"`
	AuditLog      map[string]AuditLogEntry   `json:"auditLogs"`
	Templates     map[string]MessageTemplate `json:"templates"`
	Revenue       Revenue                    `json:"revenue"`
}

// Counts returns the number of records per collection.
func (s Snapshot) Counts() map[string]int {
	return map[string]int{
		string(EntityLead):         len(s.Leads),
		string(EntityProperty):     len(s.Properties),
		string(EntityTask):         len(s.Tasks),
		string(EntityActivity):     len(s.Activities),
		string(EntityTeamMember):   len(s.Team),
		string(EntityNotification): len(s.Notifications),
		string(EntityAuditLog):     len(s.AuditLog),
		string(EntityTemplate):     len(s.Templates),
	}
}

const revenueBucket = "revenue"

func newMemoryState() memoryState {
	return memoryState{
		leads:         make(map[string]Lead),
		properties:    make(map[string]Property),
		tasks:         make(map[string]Task),
		activities:    make(map[string]Activity),
		team:          make(map[string]TeamMember),
		notifications: make(map[string]Notification),
		audit:         make(map[string]AuditLogEntry),
		templates:     make(map[string]MessageTemplate),
	}
}

func (s memoryState) clone() memoryState {
	return memoryStateFromSnapshot(snapshotFromMemoryState(s))
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Leads:         make(map[string]Lead, len(state.leads)),
		Properties:    make(map[string]Property, len(state.properties)),
		Tasks:         make(map[string]Task, len(state.tasks)),
		Activities:    make(map[string]Activity, len(state.activities)),
		Team:          make(map[string]TeamMember, len(state.team)),
		Notifications: make(map[string]Notification, len(state.notifications)),
		AuditLog:      make(map[string]AuditLogEntry, len(state.audit)),
		Templates:     make(map[string]MessageTemplate, len(state.templates)),
		Revenue:       state.revenue,
	}
	for k, v := range state.leads {
		s.Leads[k] = cloneLead(v)
	}
	for k, v := range state.properties {
		s.Properties[k] = cloneProperty(v)
	}
	for k, v := range state.tasks {
		s.Tasks[k] = cloneTask(v)
	}
	for k, v := range state.activities {
		s.Activities[k] = v
	}
	for k, v := range state.team {
		s.Team[k] = cloneMember(v)
	}
	for k, v := range state.notifications {
		s.Notifications[k] = v
	}
	for k, v := range state.audit {
		s.AuditLog[k] = cloneAudit(v)
	}
	for k, v := range state.templates {
		s.Templates[k] = v
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Leads {
		state.leads[k] = cloneLead(v)
	}
	for k, v := range s.Properties {
		state.properties[k] = cloneProperty(v)
	}
	for k, v := range s.Tasks {
		state.tasks[k] = cloneTask(v)
	}
	for k, v := range s.Activities {
		state.activities[k] = v
	}
	for k, v := range s.Team {
		state.team[k] = cloneMember(v)
	}
	for k, v := range s.Notifications {
		state.notifications[k] = v
	}
	for k, v := range s.AuditLog {
		state.audit[k] = cloneAudit(v)
	}
	for k, v := range s.Templates {
		state.templates[k] = v
	}
	state.revenue = s.Revenue
	return state
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneLead(l Lead) Lead {
	cp := l
	cp.LastContact = cloneTime(l.LastContact)
	cp.DeletedAt = cloneTime(l.DeletedAt)
	return cp
}

func cloneProperty(p Property) Property {
	cp := p
	cp.SoldAt = cloneTime(p.SoldAt)
	return cp
}

func cloneTask(t Task) Task {
	cp := t
	cp.DueDate = cloneTime(t.DueDate)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	if t.History != nil {
		cp.History = append(t.History[:0:0], t.History...)
	}
	if t.Comments != nil {
		cp.Comments = append(t.Comments[:0:0], t.Comments...)
	}
	return cp
}

func cloneMember(m TeamMember) TeamMember {
	cp := m
	cp.LastLogin = cloneTime(m.LastLogin)
	return cp
}

func cloneAudit(a AuditLogEntry) AuditLogEntry {
	cp := a
	if a.Details != nil {
		cp.Details = make(map[string]any, len(a.Details))
		for k, v := range a.Details {
			cp.Details[k] = v
		}
	}
	return cp
}

// encodeState splits a snapshot into one persistence bucket per collection.
func encodeState(s Snapshot) (localstate.State, error) {
	buckets := map[string]any{
		string(EntityLead):         s.Leads,
		string(EntityProperty):     s.Properties,
		string(EntityTask):         s.Tasks,
		string(EntityActivity):     s.Activities,
		string(EntityTeamMember):   s.Team,
		string(EntityNotification): s.Notifications,
		string(EntityAuditLog):     s.AuditLog,
		string(EntityTemplate):     s.Templates,
		revenueBucket:              s.Revenue,
	}
	state := make(localstate.State, len(buckets))
	for name, v := range buckets {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		state[name] = raw
	}
	return state, nil
}

// decodeState reverses encodeState. Unknown buckets are ignored and missing
// ones decode as empty collections.
func decodeState(state localstate.State) (Snapshot, error) {
	var s Snapshot
	targets := map[string]any{
		string(EntityLead):         &s.Leads,
		string(EntityProperty):     &s.Properties,
		string(EntityTask):         &s.Tasks,
		string(EntityActivity):     &s.Activities,
		string(EntityTeamMember):   &s.Team,
		string(EntityNotification): &s.Notifications,
		string(EntityAuditLog):     &s.AuditLog,
		string(EntityTemplate):     &s.Templates,
		revenueBucket:              &s.Revenue,
	}
	for name, target := range targets {
		raw, ok := state[name]
		if !ok || len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return Snapshot{}, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return s, nil
}
