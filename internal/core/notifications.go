package core

import (
	"context"
	"sort"
	"strings"
	"time"

	"estatecrm/internal/remote"
	"estatecrm/pkg/domain"
)

const timeLayout = time.RFC3339Nano

// Ref points a notification at the document that caused it.
type Ref struct {
	Collection EntityType
	ID         string
}

// Notify sends text to userID. Notifications for the session member land in
// the local feed and remotely; anyone else's are written remotely only.
func (s *Store) Notify(ctx context.Context, userID, text string, ref Ref) error {
	if strings.TrimSpace(userID) == "" {
		return invalid(EntityNotification, "userId", "required", "is required")
	}
	if strings.TrimSpace(text) == "" {
		return invalid(EntityNotification, "text", "required", "is required")
	}
	return s.run(ctx, func(tx *transaction) error {
		tx.deliver(domain.NotificationIntent{
			UserID:        userID,
			Text:          text,
			RefCollection: ref.Collection,
			RefID:         ref.ID,
		}, "direct")
		return nil
	})
}

// MarkNotificationRead flags one local notification as read.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	return s.run(ctx, func(tx *transaction) error {
		n, ok := tx.state.notifications[id]
		if !ok {
			return notFound(EntityNotification, id)
		}
		if n.Read {
			return nil
		}
		n.Read = true
		tx.state.notifications[id] = n
		tx.touch(EntityNotification)
		tx.merge(EntityNotification, id, remote.Fields{"read": true})
		return nil
	})
}

// MarkAllNotificationsRead flags every unread local notification as read and
// returns how many changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	marked := 0
	err := s.run(ctx, func(tx *transaction) error {
		for _, n := range sortedNotifications(tx.state.notifications) {
			if n.Read {
				continue
			}
			n.Read = true
			tx.state.notifications[n.ID] = n
			tx.merge(EntityNotification, n.ID, remote.Fields{"read": true})
			marked++
		}
		if marked > 0 {
			tx.touch(EntityNotification)
		}
		return nil
	})
	return marked, err
}

// ClearNotifications deletes the local feed and its remote documents.
func (s *Store) ClearNotifications(ctx context.Context) (int, error) {
	cleared := 0
	err := s.run(ctx, func(tx *transaction) error {
		for id := range tx.state.notifications {
			tx.remove(EntityNotification, id)
			cleared++
		}
		if cleared > 0 {
			tx.state.notifications = make(map[string]Notification)
			tx.touch(EntityNotification)
		}
		return nil
	})
	return cleared, err
}

// Notifications returns the local feed, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedNotifications(s.state.notifications)
}

// UnreadCount returns the number of unread local notifications.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, note := range s.state.notifications {
		if !note.Read {
			n++
		}
	}
	return n
}

func sortedNotifications(m map[string]Notification) []Notification {
	out := make([]Notification, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AuditLog returns the local audit entries in the order they were written.
func (s *Store) AuditLog() []AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditLogEntry, 0, len(s.state.audit))
	for _, a := range s.state.audit {
		out = append(out, cloneAudit(a))
	}
	sortAudit(out)
	return out
}

// FetchAuditLog reads remote audit entries stamped at or after since.
func (s *Store) FetchAuditLog(ctx context.Context, since time.Time) ([]AuditLogEntry, error) {
	entries, err := queryAll[AuditLogEntry](ctx, s.remote, EntityAuditLog, remote.Since("timestamp", since))
	if err != nil {
		return nil, err
	}
	sortAudit(entries)
	return entries, nil
}

// sortAudit orders by ULID, which sorts by time then by creation order.
func sortAudit(entries []AuditLogEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
