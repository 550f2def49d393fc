// Package model holds the record types shared across the engine:
// memories, reminders, principals, and households (spec.md §3).
package model

import "time"

// Memory is the universal, atomic observation record.
type Memory struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Content         string         `json:"content"`
	AIUnderstanding map[string]any `json:"ai_understanding"`
	Embedding       []float32      `json:"embedding,omitempty"`

	// Physicalized columns, generated from AIUnderstanding for indexed query.
	Type       string   `json:"type,omitempty"`
	ThreadID   string   `json:"thread_id,omitempty"`
	Category   string   `json:"category,omitempty"`
	Person     string   `json:"person,omitempty"`
	ExternalID string   `json:"external_id,omitempty"`
	Amount     *float64 `json:"amount,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deleted reports whether this memory has been soft-deleted via
// ai_understanding.deleted = true.
func (m *Memory) Deleted() bool {
	if m == nil || m.AIUnderstanding == nil {
		return false
	}
	v, ok := m.AIUnderstanding["deleted"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Reminder is a scheduled, at-most-once-dispatched notification.
type Reminder struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	MemoryID *string   `json:"memory_id,omitempty"`
	RemindAt time.Time `json:"remind_at"`
	Payload  string    `json:"payload"`
	Channel  string    `json:"channel"`
	SentAt   *time.Time `json:"sent_at,omitempty"`
}

// Due reports whether the reminder should fire now, per spec.md §3.
func (r *Reminder) Due(now time.Time) bool {
	return r.SentAt == nil && !r.RemindAt.After(now)
}

// Principal is a stable per-human identifier (users table).
type Principal struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelBinding maps (channel, channel_user_id) to a principal id.
type ChannelBinding struct {
	UserID        string         `json:"user_id"`
	Channel       string         `json:"channel"`
	ChannelUserID string         `json:"channel_user_id"`
	ChannelData   map[string]any `json:"channel_data,omitempty"`
	IsPrimary     bool           `json:"is_primary"`
	CreatedAt     time.Time      `json:"created_at"`
}

// FamilyDefaultPrincipal is the synthetic principal holding cross-household records.
const FamilyDefaultPrincipal = "family_default"

// Household groups members.
type Household struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Members []FamilyMember   `json:"members"`
	Config  map[string]any   `json:"config,omitempty"` // seasonal hints, important info, contacts
}

// FamilyMember is one member of a household.
type FamilyMember struct {
	MemberKey  string         `json:"member_key"`
	DisplayName string        `json:"display_name"`
	Role       string         `json:"role"`
	LifeStatus string         `json:"life_status,omitempty"`
	Profile    map[string]any `json:"profile,omitempty"`
	UserIDs    []string       `json:"user_ids"`
	Accounts   []ChannelBinding `json:"accounts,omitempty"`
}

// MemberEntry is the household view's per-member projection, keyed by member_key.
type MemberEntry struct {
	UserIDs []string       `json:"user_ids"`
	Profile map[string]any `json:"profile,omitempty"`
}

// HouseholdView is the read-optimized projection the Scope Resolver and
// Context Manager consume (spec.md §3, "members_index").
type HouseholdView struct {
	HouseholdID  string                 `json:"household_id"`
	MembersIndex map[string]MemberEntry `json:"members_index"`
	Config       map[string]any         `json:"config,omitempty"`
	// FamilyPrincipals is the configured family principal set used for
	// scope=family queries: family_default plus every member's user ids.
	FamilyPrincipals []string `json:"family_principals"`
}
