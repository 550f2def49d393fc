// Package store is the Persistent Store component of spec.md §2/§3: a
// JSONB + vector-enabled relational store holding memories, reminders,
// users, user_channels, households, and family_members.
//
// Grounded on intelligencedev-manifold's pgx+pgvector memory store
// (internal/agents/memory.go) for the production dialect, and on the
// teacher's pkg/memory/session_service_sql.go dialect-switch pattern
// for the sqlite dev/test fallback (see sqlite.go).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/familyledger/core/internal/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Filter is the tool service's filter grammar (spec.md §4.4).
type Filter struct {
	Type       string
	ThreadID   string
	Category   string
	Person     string
	DateFrom   *time.Time
	DateTo     *time.Time
	AmountMin  *float64
	AmountMax  *float64
	JSONBEquals map[string]any
	Deleted    *bool // nil means "default to false"
	Limit      int
	SharedThread bool // caps limit at 30 regardless of requested limit
}

// EffectiveLimit applies spec.md §4.4's default/hard-cap/shared-thread rules.
func (f Filter) EffectiveLimit() int {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	if f.SharedThread && limit > 30 {
		limit = 30
	}
	return limit
}

// DeletedFilter reports the effective deleted= predicate: default false
// unless explicitly overridden.
func (f Filter) DeletedFilter() bool {
	if f.Deleted != nil {
		return *f.Deleted
	}
	return false
}

// SearchSpec is one `search` tool invocation (spec.md §4.4).
type SearchSpec struct {
	UserIDs        []string
	Query          string
	QueryEmbedding []float32
	Filter         Filter
}

// AggregateOp is one of the five supported aggregate operations.
type AggregateOp string

const (
	AggSum   AggregateOp = "sum"
	AggAvg   AggregateOp = "avg"
	AggMin   AggregateOp = "min"
	AggMax   AggregateOp = "max"
	AggCount AggregateOp = "count"
)

// GroupBy buckets an aggregate by time period or an arbitrary AI field.
type GroupBy string

const (
	GroupByDay   GroupBy = "day"
	GroupByWeek  GroupBy = "week"
	GroupByMonth GroupBy = "month"
)

// AggregateSpec is one `aggregate` tool invocation.
type AggregateSpec struct {
	UserIDs          []string
	Operation        AggregateOp
	Field            string // physicalized numeric column or "ai.<jsonb path>"
	Filter            Filter
	GroupBy          GroupBy
	GroupByAIField   string
}

// AggregateResult is either a scalar or a set of (bucket, value) pairs.
type AggregateResult struct {
	Scalar  *float64
	Groups  []AggregateGroup
}

// AggregateGroup is one bucket of a grouped aggregate.
type AggregateGroup struct {
	Bucket string
	Value  *float64
}

// MemoryStore is the memories sub-surface of the Persistent Store.
type MemoryStore interface {
	CreateMemory(ctx context.Context, m *model.Memory) error
	GetMemory(ctx context.Context, id string) (*model.Memory, error)
	SearchMemories(ctx context.Context, spec SearchSpec) ([]*model.Memory, error)
	UpdateMemoryFields(ctx context.Context, id string, fields map[string]any) (*model.Memory, error)
	SoftDeleteMemory(ctx context.Context, id string) error
	Aggregate(ctx context.Context, spec AggregateSpec) (AggregateResult, error)
	// FindByExternalID supports the soft-upsert discipline (spec.md §4.3.3).
	FindByExternalID(ctx context.Context, userID, externalID, typ string) (*model.Memory, error)
}

// ReminderStore is the reminders sub-surface of the Persistent Store.
type ReminderStore interface {
	CreateReminder(ctx context.Context, r *model.Reminder) error
	GetPendingReminders(ctx context.Context, userID string, before time.Time) ([]*model.Reminder, error)
	MarkReminderSent(ctx context.Context, id string, at time.Time) error
}

// PrincipalStore resolves stable principal identities and channel bindings.
type PrincipalStore interface {
	// EnsurePrincipal returns the stable UUIDv5 id for a principal key,
	// creating the users row on first use (spec.md §3: "same key always
	// maps to the same id across processes").
	EnsurePrincipal(ctx context.Context, key string) (string, error)
	// ResolveChannelBinding looks up the principal bound to
	// (channel, channelUserID), or ErrNotFound.
	ResolveChannelBinding(ctx context.Context, channel, channelUserID string) (string, error)
	// BindChannel creates or confirms a (channel, channel_user_id) -> user_id binding.
	BindChannel(ctx context.Context, userID, channel, channelUserID string, isPrimary bool) error
}

// HouseholdStore resolves the household view used by Scope Resolver
// and Context Manager.
type HouseholdStore interface {
	// HouseholdViewForPrincipal returns the household view containing
	// principalID, or ErrNotFound if the principal belongs to no household.
	HouseholdViewForPrincipal(ctx context.Context, principalID string) (*model.HouseholdView, error)
}

// Transactor lets a caller run a sequence of store operations
// atomically: every store call made with the ctx WithTx hands to fn
// participates in the same DB transaction. Required by spec.md §5's
// "Transactions" invariant for store/update_memory_fields/soft_delete/
// mark_reminder_sent, the soft-upsert pair, and batch_* sub-operations.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is the full Persistent Store surface.
type Store interface {
	MemoryStore
	ReminderStore
	PrincipalStore
	HouseholdStore
	Transactor
	Close() error
}
