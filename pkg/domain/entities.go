// Package domain defines the CRM records, change descriptors, typed errors and
// derived-effect primitives shared by the estatecrm store and its adapters.
package domain

import "time"

// EntityType identifies a collection held by the store.
type EntityType string

// Collections tracked by the store. The values double as remote collection
// names and local persistence buckets.
const (
	EntityLead         EntityType = "leads"
	EntityProperty     EntityType = "properties"
	EntityTask         EntityType = "tasks"
	EntityActivity     EntityType = "activities"
	EntityTeamMember   EntityType = "team"
	EntityNotification EntityType = "notifications"
	EntityAuditLog     EntityType = "auditLogs"
	EntityTemplate     EntityType = "templates"
	// EntityPasswordReset is remote-only; the store never keeps reset requests in memory.
	EntityPasswordReset EntityType = "passwordResets"
)

// LeadStatus is the pipeline position of a lead.
type LeadStatus string

// Lead pipeline statuses.
const (
	LeadNew         LeadStatus = "New"
	LeadContacted   LeadStatus = "Contacted"
	LeadQualified   LeadStatus = "Qualified"
	LeadViewing     LeadStatus = "Viewing"
	LeadNegotiation LeadStatus = "Negotiation"
	LeadClosed      LeadStatus = "Closed"
	LeadLost        LeadStatus = "Lost"
	LeadTrash       LeadStatus = "Trash"
)

// PropertyStatus is the sales state of a listing.
type PropertyStatus string

// Property statuses.
const (
	PropertyAvailable PropertyStatus = "Available"
	PropertySold      PropertyStatus = "Sold"
	PropertyReserved  PropertyStatus = "Reserved"
)

// TaskStatus is the workflow state of a task.
type TaskStatus string

// Task statuses.
const (
	TaskPending    TaskStatus = "Pending"
	TaskInProgress TaskStatus = "In Progress"
	TaskCompleted  TaskStatus = "Completed"
	TaskOverdue    TaskStatus = "Overdue"
)

// TaskPriority ranks task urgency.
type TaskPriority string

// Task priorities.
const (
	PriorityLow    TaskPriority = "Low"
	PriorityMedium TaskPriority = "Medium"
	PriorityHigh   TaskPriority = "High"
	PriorityUrgent TaskPriority = "Urgent"
)

// Role grants visibility and administrative rights to a team member.
type Role string

// Team roles. RoleCEO and RoleAdmin form the elevated set.
const (
	RoleCEO     Role = "ceo"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleAgent   Role = "agent"
)

// Elevated reports whether the role sees every document and may run admin operations.
func (r Role) Elevated() bool {
	return r == RoleCEO || r == RoleAdmin
}

// MemberStatus is the account state of a team member.
type MemberStatus string

// Team member statuses.
const (
	MemberActive    MemberStatus = "Active"
	MemberSuspended MemberStatus = "Suspended"
	MemberPending   MemberStatus = "Pending"
	MemberInactive  MemberStatus = "Inactive"
)

// Channel is the delivery target of a message template.
type Channel string

// Template channels.
const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
)

// Lead is a prospective buyer moving through the sales pipeline.
type Lead struct {
	ID             string     `json:"id"`
	Name           string     `json:"name" validate:"required"`
	Email          string     `json:"email,omitempty" validate:"omitempty,email"`
	Phone          string     `json:"phone,omitempty"`
	Budget         float64    `json:"budget" validate:"gte=0"`
	MaxBudget      float64    `json:"maxBudget" validate:"gte=0"`
	TargetLocation string     `json:"targetLocation,omitempty"`
	Source         string     `json:"source,omitempty"`
	Status         LeadStatus `json:"status" validate:"omitempty,oneof=New Contacted Qualified Viewing Negotiation Closed Lost Trash"`
	AssignedTo     string     `json:"assignedTo,omitempty"`
	Commission     float64    `json:"commission"`
	CommissionPaid bool       `json:"commissionPaid"`
	SmartNurture   bool       `json:"smartNurture,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastContact    *time.Time `json:"lastContact,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// Property is a listing in the inventory.
type Property struct {
	ID             string         `json:"id"`
	Name           string         `json:"name" validate:"required"`
	Developer      string         `json:"developer,omitempty"`
	Type           string         `json:"type,omitempty"`
	Location       string         `json:"location,omitempty"`
	Price          float64        `json:"price" validate:"gt=0"`
	Status         PropertyStatus `json:"status" validate:"omitempty,oneof=Available Sold Reserved"`
	CommissionRate float64        `json:"commissionRate" validate:"gte=0,lte=100"`
	AgentID        string         `json:"agentId,omitempty"`
	Bedrooms       int            `json:"bedrooms" validate:"gte=0"`
	Bathrooms      int            `json:"bathrooms" validate:"gte=0"`
	Sqft           int            `json:"sqft" validate:"gte=0"`
	Commission     float64        `json:"commission"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	SoldAt         *time.Time     `json:"soldAt,omitempty"`
}

// TaskHistoryEntry is one append-only record of a task lifecycle event.
type TaskHistoryEntry struct {
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// TaskComment is one append-only comment on a task.
type TaskComment struct {
	Actor     string    `json:"actor"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a unit of follow-up work assigned to a team member.
type Task struct {
	ID          string             `json:"id"`
	Title       string             `json:"title" validate:"required"`
	Description string             `json:"description,omitempty"`
	Status      TaskStatus         `json:"status" validate:"omitempty,oneof=Pending 'In Progress' Completed Overdue"`
	Priority    TaskPriority       `json:"priority,omitempty" validate:"omitempty,oneof=Low Medium High Urgent"`
	Category    string             `json:"category,omitempty"`
	DueDate     *time.Time         `json:"dueDate,omitempty"`
	AssignedTo  string             `json:"assignedTo,omitempty"`
	AssignedBy  string             `json:"assignedBy,omitempty"`
	LeadID      string             `json:"leadId,omitempty"`
	History     []TaskHistoryEntry `json:"history"`
	Comments    []TaskComment      `json:"comments"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

// Activity is an immutable interaction record attached to a lead.
type Activity struct {
	ID          string    `json:"id"`
	Type        string    `json:"type" validate:"required"`
	Description string    `json:"description,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	LeadID      string    `json:"leadId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TeamMember is an account on the sales team. TotalSales and CommissionEarned
// are only changed by commission effects.
type TeamMember struct {
	ID               string       `json:"id"`
	Name             string       `json:"name" validate:"required"`
	Email            string       `json:"email" validate:"required,email"`
	Phone            string       `json:"phone,omitempty"`
	Role             Role         `json:"role" validate:"required,oneof=ceo admin manager agent"`
	Status           MemberStatus `json:"status" validate:"omitempty,oneof=Active Suspended Pending Inactive"`
	TotalSales       float64      `json:"totalSales"`
	CommissionEarned float64      `json:"commissionEarned"`
	JoinedAt         time.Time    `json:"joinedAt"`
	LastLogin        *time.Time   `json:"lastLogin,omitempty"`
}

// Notification is a message addressed to a single user.
type Notification struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	Read          bool       `json:"read"`
	UserID        string     `json:"userId"`
	Date          time.Time  `json:"date"`
	RefCollection EntityType `json:"refCollection,omitempty"`
	RefID         string     `json:"refId,omitempty"`
}

// AuditLogEntry is an immutable record of a business or security relevant action.
type AuditLogEntry struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	PerformedBy string         `json:"performedBy"`
	TargetID    string         `json:"targetId,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// MessageTemplate is a reusable outbound message body.
type MessageTemplate struct {
	ID        string    `json:"id"`
	Title     string    `json:"title" validate:"required"`
	Content   string    `json:"content" validate:"required"`
	Channel   Channel   `json:"channel" validate:"required,oneof=whatsapp email sms"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Revenue aggregates closed business across leads and properties.
type Revenue struct {
	ClosedDeals     int     `json:"closedDeals"`
	PropertiesSold  int     `json:"propertiesSold"`
	TotalSales      float64 `json:"totalSales"`
	TotalCommission float64 `json:"totalCommission"`
}

// Audit actions written by the store and its effects.
const (
	AuditLeadUpdated       = "lead.updated"
	AuditLeadDeleted       = "lead.deleted"
	AuditLeadRestored      = "lead.restored"
	AuditLeadPurged        = "lead.purged"
	AuditPropertyUpdated   = "property.updated"
	AuditPropertySold      = "property.sold"
	AuditInventoryMatch    = "inventory.match"
	AuditTaskCreated       = "task.created"
	AuditTaskStatusChanged = "task.status_changed"
	AuditTaskDeleted       = "task.deleted"
	AuditMemberAdded       = "team.member_added"
	AuditMemberUpdated     = "team.member_updated"
	AuditMemberSuspended   = "team.member_suspended"
	AuditMemberActivated   = "team.member_activated"
	AuditMemberRemoved     = "team.member_removed"
	AuditPasswordReset     = "team.password_reset"
	AuditCommissionPaid    = "lead.commission_paid"
	AuditSnapshotImported  = "store.snapshot_imported"
	AuditTemplateDeleted   = "template.deleted"
	AuditPropertyDeleted   = "property.deleted"
)

// Action indicates the kind of modification captured in a Change.
type Action string

// Change actions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change describes a mutation applied to a record during a store transaction.
// Before and After hold the typed record (for example Lead) or nil.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}
