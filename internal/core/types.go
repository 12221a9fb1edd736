package core

import "estatecrm/pkg/domain"

type (
	EntityType      = domain.EntityType
	Lead            = domain.Lead
	LeadStatus      = domain.LeadStatus
	Property        = domain.Property
	PropertyStatus  = domain.PropertyStatus
	Task            = domain.Task
	TaskStatus      = domain.TaskStatus
	TaskPriority    = domain.TaskPriority
	Activity        = domain.Activity
	TeamMember      = domain.TeamMember
	Role            = domain.Role
	MemberStatus    = domain.MemberStatus
	Notification    = domain.Notification
	AuditLogEntry   = domain.AuditLogEntry
	MessageTemplate = domain.MessageTemplate
	Channel         = domain.Channel
	Revenue         = domain.Revenue
	Change          = domain.Change
	Outcome         = domain.Outcome
	Effect          = domain.Effect
	EffectEngine    = domain.EffectEngine
)

const (
	EntityLead          = domain.EntityLead
	EntityProperty      = domain.EntityProperty
	EntityTask          = domain.EntityTask
	EntityActivity      = domain.EntityActivity
	EntityTeamMember    = domain.EntityTeamMember
	EntityNotification  = domain.EntityNotification
	EntityAuditLog      = domain.EntityAuditLog
	EntityTemplate      = domain.EntityTemplate
	EntityPasswordReset = domain.EntityPasswordReset
)

const (
	LeadNew         = domain.LeadNew
	LeadContacted   = domain.LeadContacted
	LeadQualified   = domain.LeadQualified
	LeadViewing     = domain.LeadViewing
	LeadNegotiation = domain.LeadNegotiation
	LeadClosed      = domain.LeadClosed
	LeadLost        = domain.LeadLost
	LeadTrash       = domain.LeadTrash

	PropertyAvailable = domain.PropertyAvailable
	PropertySold      = domain.PropertySold
	PropertyReserved  = domain.PropertyReserved

	TaskPending    = domain.TaskPending
	TaskInProgress = domain.TaskInProgress
	TaskCompleted  = domain.TaskCompleted
	TaskOverdue    = domain.TaskOverdue
)

// allEntities lists the collections kept in memory, in snapshot order.
var allEntities = []EntityType{
	EntityLead, EntityProperty, EntityTask, EntityActivity,
	EntityTeamMember, EntityNotification, EntityAuditLog, EntityTemplate,
}

func notFound(entity EntityType, id string) error {
	return &domain.NotFoundError{Entity: entity, ID: id}
}
