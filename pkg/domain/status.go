package domain

// IsElevated reports whether the member may see every document and run admin operations.
func IsElevated(member TeamMember) bool {
	return member.Role.Elevated()
}

// IsTerminal reports whether a lead has left the active pipeline.
func (s LeadStatus) IsTerminal() bool {
	return s == LeadClosed || s == LeadLost || s == LeadTrash
}

// Open reports whether a task still needs work.
func (s TaskStatus) Open() bool {
	return s == TaskPending || s == TaskInProgress
}
