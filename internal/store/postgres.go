package store

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/familyledger/core/internal/model"
)

// principalNamespace anchors the UUIDv5 derivation so the same
// principal key always maps to the same id across processes
// (spec.md §3).
var principalNamespace = uuid.MustParse("8f14e45f-ceea-467e-bb96-000000000001")

// PostgresStore implements Store over Postgres with the pgvector
// extension, grounded on intelligencedev-manifold's
// internal/agents/memory.go pgx+pgvector query shapes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// pgxQuerier is the Exec/Query/QueryRow subset *pgxpool.Pool and pgx.Tx
// both satisfy, letting every store method run unmodified against
// either — whichever querier(ctx) resolves to.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTxKey struct{}

// querier resolves the ambient transaction WithTx placed on ctx, falling
// back to the pool outside of one.
func (s *PostgresStore) querier(ctx context.Context) pgxQuerier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// WithTx runs fn with ctx carrying a single Postgres transaction, so
// every store call fn makes through ctx participates in it. Commits on a
// nil return, rolls back otherwise (spec.md §5's "Transactions"
// invariant: store/update_memory_fields/soft_delete/mark_reminder_sent,
// the soft-upsert pair, and batch_* sub-operations all run this way).
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// NewPostgresStore opens a pool against dsn and bootstraps the schema
// (dev-friendly CREATE IF NOT EXISTS; production deployments still
// manage migrations externally per spec.md's stated scope).
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.querier(ctx).Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_channels (
    user_id UUID NOT NULL,
    channel TEXT NOT NULL,
    channel_user_id TEXT NOT NULL,
    channel_data JSONB NOT NULL DEFAULT '{}'::jsonb,
    is_primary BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (channel, channel_user_id)
);

CREATE TABLE IF NOT EXISTS households (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    config JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS family_members (
    household_id UUID NOT NULL REFERENCES households(id) ON DELETE CASCADE,
    member_key TEXT NOT NULL,
    display_name TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    life_status TEXT NOT NULL DEFAULT '',
    profile JSONB NOT NULL DEFAULT '{}'::jsonb,
    user_ids TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (household_id, member_key)
);

CREATE TABLE IF NOT EXISTS memories (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    ai_understanding JSONB NOT NULL DEFAULT '{}'::jsonb,
    embedding vector(1536),
    amount NUMERIC,
    occurred_at TIMESTAMPTZ,
    type TEXT GENERATED ALWAYS AS (ai_understanding->>'type') STORED,
    thread_id TEXT GENERATED ALWAYS AS (ai_understanding->>'thread_id') STORED,
    category TEXT GENERATED ALWAYS AS (ai_understanding->>'category') STORED,
    person TEXT GENERATED ALWAYS AS (ai_understanding->>'person') STORED,
    external_id TEXT GENERATED ALWAYS AS (ai_understanding->>'external_id') STORED,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS memories_content_trgm ON memories USING gin (content gin_trgm_ops);
CREATE INDEX IF NOT EXISTS memories_embedding_ivfflat ON memories USING ivfflat (embedding vector_cosine_ops);
CREATE INDEX IF NOT EXISTS memories_jsonb_path_ops ON memories USING gin (ai_understanding jsonb_path_ops);
CREATE INDEX IF NOT EXISTS memories_type ON memories ((ai_understanding->>'type'));
CREATE INDEX IF NOT EXISTS memories_thread_id ON memories ((ai_understanding->>'thread_id'));
CREATE INDEX IF NOT EXISTS memories_category ON memories ((ai_understanding->>'category'));
CREATE INDEX IF NOT EXISTS memories_financial ON memories (user_id, (ai_understanding->>'type'), occurred_at DESC, amount);
CREATE UNIQUE INDEX IF NOT EXISTS memories_external_id_unique ON memories (user_id, (ai_understanding->>'external_id'))
    WHERE ai_understanding->>'external_id' IS NOT NULL;

CREATE TABLE IF NOT EXISTS reminders (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    memory_id UUID,
    remind_at TIMESTAMPTZ NOT NULL,
    payload TEXT NOT NULL,
    channel TEXT NOT NULL DEFAULT '',
    sent_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS reminders_due ON reminders (remind_at) WHERE sent_at IS NULL;

CREATE TABLE IF NOT EXISTS experiment_assignments (
    user_id TEXT NOT NULL,
    experiment_id TEXT NOT NULL,
    variant TEXT NOT NULL,
    assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, experiment_id)
);
`

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping is the health-check surface cmd/assistantd's GET /health wires
// into its "db" component check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- MemoryStore ---

func (s *PostgresStore) CreateMemory(ctx context.Context, m *model.Memory) error {
	if m.Content == "" {
		return fmt.Errorf("store: content must not be empty")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	understanding, err := json.Marshal(coalesceMap(m.AIUnderstanding))
	if err != nil {
		return fmt.Errorf("marshaling ai_understanding: %w", err)
	}

	var vec *pgvector.Vector
	if len(m.Embedding) > 0 {
		v := pgvector.NewVector(m.Embedding)
		vec = &v
	}

	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	_, err = s.querier(ctx).Exec(ctx, `
		INSERT INTO memories (id, user_id, content, ai_understanding, embedding, amount, occurred_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.UserID, m.Content, understanding, vec, m.Amount, m.OccurredAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting memory: %w", err)
	}
	populatePhysicalized(m)
	return nil
}

func (s *PostgresStore) GetMemory(ctx context.Context, id string) (*model.Memory, error) {
	row := s.querier(ctx).QueryRow(ctx, `
		SELECT id, user_id, content, ai_understanding, embedding, amount, occurred_at, created_at, updated_at
		FROM memories WHERE id = $1
	`, id)
	m, err := scanMemory(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching memory %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, userID, externalID, typ string) (*model.Memory, error) {
	row := s.querier(ctx).QueryRow(ctx, `
		SELECT id, user_id, content, ai_understanding, embedding, amount, occurred_at, created_at, updated_at
		FROM memories
		WHERE user_id = $1 AND ai_understanding->>'external_id' = $2 AND ai_understanding->>'type' = $3
		  AND COALESCE((ai_understanding->>'deleted')::boolean, false) = false
		LIMIT 1
	`, userID, externalID, typ)
	m, err := scanMemory(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finding memory by external_id: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) UpdateMemoryFields(ctx context.Context, id string, fields map[string]any) (*model.Memory, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling patch: %w", err)
	}
	row := s.querier(ctx).QueryRow(ctx, `
		UPDATE memories
		SET ai_understanding = ai_understanding || $2::jsonb,
		    amount = COALESCE((($2::jsonb)->>'amount')::numeric, amount),
		    occurred_at = COALESCE((($2::jsonb)->>'occurred_at')::timestamptz, occurred_at),
		    updated_at = now()
		WHERE id = $1
		RETURNING id, user_id, content, ai_understanding, embedding, amount, occurred_at, created_at, updated_at
	`, id, patch)
	m, err := scanMemory(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating memory %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) SoftDeleteMemory(ctx context.Context, id string) error {
	_, err := s.UpdateMemoryFields(ctx, id, map[string]any{"deleted": true})
	return err
}

func (s *PostgresStore) SearchMemories(ctx context.Context, spec SearchSpec) ([]*model.Memory, error) {
	where, args := buildWhere(spec.UserIDs, spec.Filter)
	limit := spec.Filter.EffectiveLimit()

	var query string
	switch {
	case len(spec.QueryEmbedding) > 0:
		args = append(args, pgvector.NewVector(spec.QueryEmbedding))
		query = fmt.Sprintf(`
			SELECT id, user_id, content, ai_understanding, embedding, amount, occurred_at, created_at, updated_at
			FROM memories WHERE %s
			ORDER BY embedding <-> $%d
			LIMIT %d
		`, where, len(args), limit)
	case spec.Query != "":
		args = append(args, spec.Query)
		query = fmt.Sprintf(`
			SELECT id, user_id, content, ai_understanding, embedding, amount, occurred_at, created_at, updated_at
			FROM memories WHERE %s
			ORDER BY similarity(content, $%d) DESC
			LIMIT %d
		`, where, len(args), limit)
	default:
		query = fmt.Sprintf(`
			SELECT id, user_id, content, ai_understanding, embedding, amount, occurred_at, created_at, updated_at
			FROM memories WHERE %s
			ORDER BY occurred_at DESC NULLS LAST, created_at DESC
			LIMIT %d
		`, where, limit)
	}

	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching memories: %w", err)
	}
	defer rows.Close()

	var out []*model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning memory row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Aggregate(ctx context.Context, spec AggregateSpec) (AggregateResult, error) {
	where, args := buildWhere(spec.UserIDs, spec.Filter)
	fieldExpr, err := aggregateFieldExpr(spec.Field)
	if err != nil {
		return AggregateResult{}, err
	}

	aggExpr := fmt.Sprintf("%s(%s)", string(spec.Operation), fieldExpr)
	if spec.Operation == AggCount && spec.Field == "" {
		aggExpr = "count(*)"
	}

	if spec.GroupBy == "" && spec.GroupByAIField == "" {
		query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s`, aggExpr, where)
		var v *float64
		if err := s.querier(ctx).QueryRow(ctx, query, args...).Scan(&v); err != nil {
			return AggregateResult{}, fmt.Errorf("aggregating: %w", err)
		}
		return AggregateResult{Scalar: v}, nil
	}

	bucketExpr, err := groupByExpr(spec.GroupBy, spec.GroupByAIField)
	if err != nil {
		return AggregateResult{}, err
	}
	query := fmt.Sprintf(`
		SELECT %s AS bucket, %s AS value
		FROM memories WHERE %s
		GROUP BY bucket ORDER BY bucket
	`, bucketExpr, aggExpr, where)
	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("aggregating grouped: %w", err)
	}
	defer rows.Close()

	var groups []AggregateGroup
	for rows.Next() {
		var bucket string
		var v *float64
		if err := rows.Scan(&bucket, &v); err != nil {
			return AggregateResult{}, fmt.Errorf("scanning aggregate group: %w", err)
		}
		groups = append(groups, AggregateGroup{Bucket: bucket, Value: v})
	}
	return AggregateResult{Groups: groups}, rows.Err()
}

func aggregateFieldExpr(field string) (string, error) {
	if field == "" {
		return "amount", nil
	}
	switch field {
	case "amount", "value":
		return "amount", nil
	}
	if strings.HasPrefix(field, "ai.") {
		path := strings.TrimPrefix(field, "ai.")
		return fmt.Sprintf("(ai_understanding #>> '{%s}')::numeric", strings.ReplaceAll(path, ".", ",")), nil
	}
	return "", fmt.Errorf("store: unsupported aggregate field %q", field)
}

func groupByExpr(period GroupBy, aiField string) (string, error) {
	if aiField != "" {
		return fmt.Sprintf("ai_understanding->>'%s'", aiField), nil
	}
	switch period {
	case GroupByDay:
		return "to_char(occurred_at, 'YYYY-MM-DD')", nil
	case GroupByWeek:
		return "to_char(date_trunc('week', occurred_at), 'YYYY-MM-DD')", nil
	case GroupByMonth:
		return "to_char(occurred_at, 'YYYY-MM')", nil
	default:
		return "", fmt.Errorf("store: unsupported group_by %q", period)
	}
}

// buildWhere renders the Filter grammar (spec.md §4.4) plus a user_id
// predicate (single id, or ANY(...) for a family-scope list) into a
// $-placeholder WHERE clause.
func buildWhere(userIDs []string, f Filter) (string, []any) {
	var clauses []string
	var args []any

	if len(userIDs) == 1 {
		args = append(args, userIDs[0])
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	} else if len(userIDs) > 1 {
		args = append(args, userIDs)
		clauses = append(clauses, fmt.Sprintf("user_id = ANY($%d)", len(args)))
	}

	if f.Type != "" {
		args = append(args, f.Type)
		clauses = append(clauses, fmt.Sprintf("ai_understanding->>'type' = $%d", len(args)))
	}
	if f.ThreadID != "" {
		args = append(args, f.ThreadID)
		clauses = append(clauses, fmt.Sprintf("ai_understanding->>'thread_id' = $%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		clauses = append(clauses, fmt.Sprintf("ai_understanding->>'category' = $%d", len(args)))
	}
	if f.Person != "" {
		args = append(args, f.Person)
		clauses = append(clauses, fmt.Sprintf("ai_understanding->>'person' = $%d", len(args)))
	}
	if f.DateFrom != nil {
		args = append(args, *f.DateFrom)
		clauses = append(clauses, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if f.DateTo != nil {
		args = append(args, *f.DateTo)
		clauses = append(clauses, fmt.Sprintf("occurred_at <= $%d", len(args)))
	}
	if f.AmountMin != nil {
		args = append(args, *f.AmountMin)
		clauses = append(clauses, fmt.Sprintf("amount >= $%d", len(args)))
	}
	if f.AmountMax != nil {
		args = append(args, *f.AmountMax)
		clauses = append(clauses, fmt.Sprintf("amount <= $%d", len(args)))
	}
	if len(f.JSONBEquals) > 0 {
		b, _ := json.Marshal(f.JSONBEquals)
		args = append(args, b)
		clauses = append(clauses, fmt.Sprintf("ai_understanding @> $%d::jsonb", len(args)))
	}

	if f.DeletedFilter() {
		clauses = append(clauses, "COALESCE((ai_understanding->>'deleted')::boolean, false) = true")
	} else {
		clauses = append(clauses, "COALESCE((ai_understanding->>'deleted')::boolean, false) = false")
	}

	if len(clauses) == 0 {
		return "true", args
	}
	return strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*model.Memory, error) {
	var m model.Memory
	var understanding []byte
	var vec *pgvector.Vector
	var amount *float64
	var occurredAt *time.Time

	if err := row.Scan(&m.ID, &m.UserID, &m.Content, &understanding, &vec, &amount, &occurredAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.AIUnderstanding = map[string]any{}
	if len(understanding) > 0 {
		if err := json.Unmarshal(understanding, &m.AIUnderstanding); err != nil {
			return nil, fmt.Errorf("unmarshaling ai_understanding: %w", err)
		}
	}
	if vec != nil {
		m.Embedding = vec.Slice()
	}
	m.Amount = amount
	m.OccurredAt = occurredAt
	populatePhysicalized(&m)
	return &m, nil
}

// populatePhysicalized mirrors the generated-column projection so
// in-memory Memory values (just inserted, not re-fetched) carry the
// same Type/ThreadID/Category/Person/ExternalID the DB would compute.
func populatePhysicalized(m *model.Memory) {
	m.Type, _ = m.AIUnderstanding["type"].(string)
	m.ThreadID, _ = m.AIUnderstanding["thread_id"].(string)
	m.Category, _ = m.AIUnderstanding["category"].(string)
	m.Person, _ = m.AIUnderstanding["person"].(string)
	m.ExternalID, _ = m.AIUnderstanding["external_id"].(string)
}

func coalesceMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- ReminderStore ---

func (s *PostgresStore) CreateReminder(ctx context.Context, r *model.Reminder) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.querier(ctx).Exec(ctx, `
		INSERT INTO reminders (id, user_id, memory_id, remind_at, payload, channel, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.UserID, r.MemoryID, r.RemindAt, r.Payload, r.Channel, r.SentAt)
	if err != nil {
		return fmt.Errorf("inserting reminder: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPendingReminders(ctx context.Context, userID string, before time.Time) ([]*model.Reminder, error) {
	var rows pgx.Rows
	var err error
	if userID != "" {
		rows, err = s.querier(ctx).Query(ctx, `
			SELECT id, user_id, memory_id, remind_at, payload, channel, sent_at
			FROM reminders WHERE user_id = $1 AND remind_at <= $2 AND sent_at IS NULL
			ORDER BY remind_at ASC
		`, userID, before)
	} else {
		rows, err = s.querier(ctx).Query(ctx, `
			SELECT id, user_id, memory_id, remind_at, payload, channel, sent_at
			FROM reminders WHERE remind_at <= $1 AND sent_at IS NULL
			ORDER BY remind_at ASC
		`, before)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching pending reminders: %w", err)
	}
	defer rows.Close()

	var out []*model.Reminder
	for rows.Next() {
		var r model.Reminder
		if err := rows.Scan(&r.ID, &r.UserID, &r.MemoryID, &r.RemindAt, &r.Payload, &r.Channel, &r.SentAt); err != nil {
			return nil, fmt.Errorf("scanning reminder: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.querier(ctx).Exec(ctx, `
		UPDATE reminders SET sent_at = $2 WHERE id = $1 AND sent_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("marking reminder sent: %w", err)
	}
	return nil
}

// --- PrincipalStore ---

func (s *PostgresStore) EnsurePrincipal(ctx context.Context, key string) (string, error) {
	id := DerivePrincipalID(key)
	_, err := s.querier(ctx).Exec(ctx, `
		INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return "", fmt.Errorf("ensuring principal: %w", err)
	}
	return id, nil
}

// DerivePrincipalID computes the stable UUIDv5 identity for a
// principal key (spec.md §3: "the same key always maps to the same id
// across processes").
func DerivePrincipalID(key string) string {
	return uuid.NewSHA1(principalNamespace, []byte(key)).String()
}

func (s *PostgresStore) ResolveChannelBinding(ctx context.Context, channel, channelUserID string) (string, error) {
	var userID string
	err := s.querier(ctx).QueryRow(ctx, `
		SELECT user_id FROM user_channels WHERE channel = $1 AND channel_user_id = $2
	`, channel, channelUserID).Scan(&userID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolving channel binding: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) BindChannel(ctx context.Context, userID, channel, channelUserID string, isPrimary bool) error {
	_, err := s.querier(ctx).Exec(ctx, `
		INSERT INTO user_channels (user_id, channel, channel_user_id, is_primary)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel, channel_user_id) DO NOTHING
	`, userID, channel, channelUserID, isPrimary)
	if err != nil {
		return fmt.Errorf("binding channel: %w", err)
	}
	return nil
}

// --- HouseholdStore ---

func (s *PostgresStore) HouseholdViewForPrincipal(ctx context.Context, principalID string) (*model.HouseholdView, error) {
	var householdID string
	var configRaw []byte
	err := s.querier(ctx).QueryRow(ctx, `
		SELECT h.id, h.config
		FROM households h
		JOIN family_members fm ON fm.household_id = h.id
		WHERE $1 = ANY(fm.user_ids)
		LIMIT 1
	`, principalID).Scan(&householdID, &configRaw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolving household: %w", err)
	}

	rows, err := s.querier(ctx).Query(ctx, `
		SELECT member_key, display_name, role, life_status, profile, user_ids
		FROM family_members WHERE household_id = $1
	`, householdID)
	if err != nil {
		return nil, fmt.Errorf("fetching family members: %w", err)
	}
	defer rows.Close()

	view := &model.HouseholdView{
		HouseholdID:      householdID,
		MembersIndex:     map[string]model.MemberEntry{},
		FamilyPrincipals: []string{model.FamilyDefaultPrincipal},
	}
	if len(configRaw) > 0 {
		_ = json.Unmarshal(configRaw, &view.Config)
	}

	for rows.Next() {
		var key, displayName, role, lifeStatus string
		var profileRaw []byte
		var userIDs []string
		if err := rows.Scan(&key, &displayName, &role, &lifeStatus, &profileRaw, &userIDs); err != nil {
			return nil, fmt.Errorf("scanning family member: %w", err)
		}
		profile := map[string]any{"display_name": displayName, "role": role, "life_status": lifeStatus}
		if len(profileRaw) > 0 {
			_ = json.Unmarshal(profileRaw, &profile)
		}
		view.MembersIndex[key] = model.MemberEntry{UserIDs: userIDs, Profile: profile}
		view.FamilyPrincipals = append(view.FamilyPrincipals, userIDs...)
	}
	return view, rows.Err()
}

// contentHash derives a stable SHA-1 hex key from memory content.
// Nothing in this module calls it.
func contentHash(s string) string {
	h := sha1.Sum([]byte(s))
	return fmt.Sprintf("%x", h)
}
