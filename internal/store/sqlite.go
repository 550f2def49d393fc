package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/familyledger/core/internal/model"
)

// SQLiteStore is the dev/test dialect of the Persistent Store: no
// pgvector extension, so embeddings are packed into a BLOB and ranked
// by brute-force cosine distance in Go, and JSONB predicates are
// evaluated in Go after a coarse SQL fetch. Grounded on the teacher's
// pkg/memory/session_service_sql.go dialect-switch idiom (same
// interface, different backing engine selected by DSN scheme).
type SQLiteStore struct {
	db *sql.DB
}

// sqlQuerier is the ExecContext/QueryContext/QueryRowContext subset
// *sql.DB and *sql.Tx both satisfy, so every store method runs
// unmodified against either, picked by querier(ctx).
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTxKey struct{}

// querier resolves the ambient transaction WithTx placed on ctx,
// falling back to db outside of one.
func (s *SQLiteStore) querier(ctx context.Context) sqlQuerier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn with ctx carrying a single sqlite transaction (see
// PostgresStore.WithTx; same contract). The driver is already limited to
// one connection, so this also serializes WithTx callers against any
// concurrent non-transactional write.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, sqliteTxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// NewSQLiteStore opens (and bootstraps) a sqlite-backed Store at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_channels (
    user_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    channel_user_id TEXT NOT NULL,
    channel_data TEXT NOT NULL DEFAULT '{}',
    is_primary INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    UNIQUE (channel, channel_user_id)
);

CREATE TABLE IF NOT EXISTS households (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    config TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS family_members (
    household_id TEXT NOT NULL,
    member_key TEXT NOT NULL,
    display_name TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    life_status TEXT NOT NULL DEFAULT '',
    profile TEXT NOT NULL DEFAULT '{}',
    user_ids TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (household_id, member_key)
);

CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    ai_understanding TEXT NOT NULL DEFAULT '{}',
    embedding BLOB,
    amount REAL,
    occurred_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS memories_user_id ON memories (user_id);

CREATE TABLE IF NOT EXISTS reminders (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    memory_id TEXT,
    remind_at TEXT NOT NULL,
    payload TEXT NOT NULL,
    channel TEXT NOT NULL DEFAULT '',
    sent_at TEXT
);

CREATE TABLE IF NOT EXISTS experiment_assignments (
    user_id TEXT NOT NULL,
    experiment_id TEXT NOT NULL,
    variant TEXT NOT NULL,
    assigned_at TEXT NOT NULL,
    PRIMARY KEY (user_id, experiment_id)
);
`

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.querier(ctx).ExecContext(ctx, sqliteSchemaSQL)
	if err != nil {
		return fmt.Errorf("initializing sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping is the health-check surface cmd/assistantd's GET /health wires
// into its "db" component check.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// packEmbedding/unpackEmbedding store a []float32 as a little-endian
// BLOB, since sqlite has no native vector type.
func packEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unpackEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *SQLiteStore) CreateMemory(ctx context.Context, m *model.Memory) error {
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
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	var occurredAt *string
	if m.OccurredAt != nil {
		v := m.OccurredAt.UTC().Format(time.RFC3339Nano)
		occurredAt = &v
	}

	_, err = s.querier(ctx).ExecContext(ctx, `
		INSERT INTO memories (id, user_id, content, ai_understanding, embedding, amount, occurred_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, m.Content, string(understanding), packEmbedding(m.Embedding), m.Amount, occurredAt,
		m.CreatedAt.Format(time.RFC3339Nano), m.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting memory: %w", err)
	}
	populatePhysicalized(m)
	return nil
}

type sqliteRow struct {
	id, userID, content, understanding string
	embedding                          []byte
	amount                             *float64
	occurredAt, createdAt, updatedAt   *string
}

func scanSQLiteMemory(row *sqliteRow) (*model.Memory, error) {
	m := &model.Memory{
		ID:      row.id,
		UserID:  row.userID,
		Content: row.content,
		Amount:  row.amount,
	}
	m.AIUnderstanding = map[string]any{}
	if row.understanding != "" {
		if err := json.Unmarshal([]byte(row.understanding), &m.AIUnderstanding); err != nil {
			return nil, fmt.Errorf("unmarshaling ai_understanding: %w", err)
		}
	}
	m.Embedding = unpackEmbedding(row.embedding)
	if row.occurredAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *row.occurredAt)
		if err == nil {
			m.OccurredAt = &t
		}
	}
	if row.createdAt != nil {
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, *row.createdAt)
	}
	if row.updatedAt != nil {
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, *row.updatedAt)
	}
	populatePhysicalized(m)
	return m, nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*model.Memory, error) {
	var r sqliteRow
	err := s.querier(ctx).QueryRowContext(ctx, `
		SELECT id, user_id, content, ai_understanding, embedding, amount, occurred_at, created_at, updated_at
		FROM memories WHERE id = ?
	`, id).Scan(&r.id, &r.userID, &r.content, &r.understanding, &r.embedding, &r.amount, &r.occurredAt, &r.createdAt, &r.updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching memory %s: %w", id, err)
	}
	return scanSQLiteMemory(&r)
}

func (s *SQLiteStore) FindByExternalID(ctx context.Context, userID, externalID, typ string) (*model.Memory, error) {
	all, err := s.fetchUserMemories(ctx, []string{userID}, true)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.ExternalID == externalID && m.Type == typ && !m.Deleted() {
			return m, nil
		}
	}
	return nil, ErrNotFound
}

// fetchUserMemories loads every (non-deleted unless includeDeleted) row
// for the given users — the coarse SQL fetch that in-Go filtering then
// narrows, since sqlite here has no JSONB operators to push down.
func (s *SQLiteStore) fetchUserMemories(ctx context.Context, userIDs []string, includeDeleted bool) ([]*model.Memory, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(userIDs))
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.querier(ctx).QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, content, ai_understanding, embedding, amount, occurred_at, created_at, updated_at
		FROM memories WHERE user_id IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("fetching memories: %w", err)
	}
	defer rows.Close()

	var out []*model.Memory
	for rows.Next() {
		var r sqliteRow
		if err := rows.Scan(&r.id, &r.userID, &r.content, &r.understanding, &r.embedding, &r.amount, &r.occurredAt, &r.createdAt, &r.updatedAt); err != nil {
			return nil, fmt.Errorf("scanning memory row: %w", err)
		}
		m, err := scanSQLiteMemory(&r)
		if err != nil {
			return nil, err
		}
		if !includeDeleted && m.Deleted() {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func matchesFilter(m *model.Memory, f Filter) bool {
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.ThreadID != "" && m.ThreadID != f.ThreadID {
		return false
	}
	if f.Category != "" && m.Category != f.Category {
		return false
	}
	if f.Person != "" && m.Person != f.Person {
		return false
	}
	if f.DateFrom != nil && (m.OccurredAt == nil || m.OccurredAt.Before(*f.DateFrom)) {
		return false
	}
	if f.DateTo != nil && (m.OccurredAt == nil || m.OccurredAt.After(*f.DateTo)) {
		return false
	}
	if f.AmountMin != nil && (m.Amount == nil || *m.Amount < *f.AmountMin) {
		return false
	}
	if f.AmountMax != nil && (m.Amount == nil || *m.Amount > *f.AmountMax) {
		return false
	}
	for k, v := range f.JSONBEquals {
		if fmt.Sprintf("%v", m.AIUnderstanding[k]) != fmt.Sprintf("%v", v) {
			return false
		}
	}
	if f.DeletedFilter() != m.Deleted() {
		return false
	}
	return true
}

func (s *SQLiteStore) SearchMemories(ctx context.Context, spec SearchSpec) ([]*model.Memory, error) {
	candidates, err := s.fetchUserMemories(ctx, spec.UserIDs, true)
	if err != nil {
		return nil, err
	}

	var filtered []*model.Memory
	for _, m := range candidates {
		if matchesFilter(m, spec.Filter) {
			filtered = append(filtered, m)
		}
	}

	switch {
	case len(spec.QueryEmbedding) > 0:
		sort.SliceStable(filtered, func(i, j int) bool {
			return cosineSimilarity(spec.QueryEmbedding, filtered[i].Embedding) >
				cosineSimilarity(spec.QueryEmbedding, filtered[j].Embedding)
		})
	case spec.Query != "":
		q := strings.ToLower(spec.Query)
		sort.SliceStable(filtered, func(i, j int) bool {
			return strings.Contains(strings.ToLower(filtered[i].Content), q) &&
				!strings.Contains(strings.ToLower(filtered[j].Content), q)
		})
	default:
		sort.SliceStable(filtered, func(i, j int) bool {
			ti, tj := occurredOrCreated(filtered[i]), occurredOrCreated(filtered[j])
			return ti.After(tj)
		})
	}

	limit := spec.Filter.EffectiveLimit()
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func occurredOrCreated(m *model.Memory) time.Time {
	if m.OccurredAt != nil {
		return *m.OccurredAt
	}
	return m.CreatedAt
}

func (s *SQLiteStore) UpdateMemoryFields(ctx context.Context, id string, fields map[string]any) (*model.Memory, error) {
	m, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		m.AIUnderstanding[k] = v
	}
	if v, ok := fields["amount"]; ok {
		if f, ok := toFloat64(v); ok {
			m.Amount = &f
		}
	}
	if v, ok := fields["occurred_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			m.OccurredAt = &t
		}
	}
	m.UpdatedAt = time.Now().UTC()

	understanding, err := json.Marshal(m.AIUnderstanding)
	if err != nil {
		return nil, fmt.Errorf("marshaling ai_understanding: %w", err)
	}
	var occurredAt *string
	if m.OccurredAt != nil {
		v := m.OccurredAt.UTC().Format(time.RFC3339Nano)
		occurredAt = &v
	}
	_, err = s.querier(ctx).ExecContext(ctx, `
		UPDATE memories SET ai_understanding = ?, amount = ?, occurred_at = ?, updated_at = ? WHERE id = ?
	`, string(understanding), m.Amount, occurredAt, m.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("updating memory %s: %w", id, err)
	}
	populatePhysicalized(m)
	return m, nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func (s *SQLiteStore) SoftDeleteMemory(ctx context.Context, id string) error {
	_, err := s.UpdateMemoryFields(ctx, id, map[string]any{"deleted": true})
	return err
}

func (s *SQLiteStore) Aggregate(ctx context.Context, spec AggregateSpec) (AggregateResult, error) {
	candidates, err := s.fetchUserMemories(ctx, spec.UserIDs, false)
	if err != nil {
		return AggregateResult{}, err
	}
	var filtered []*model.Memory
	for _, m := range candidates {
		if matchesFilter(m, spec.Filter) {
			filtered = append(filtered, m)
		}
	}

	valueOf := func(m *model.Memory) (float64, bool) {
		if spec.Field == "" || spec.Field == "amount" || spec.Field == "value" {
			if m.Amount == nil {
				return 0, false
			}
			return *m.Amount, true
		}
		if strings.HasPrefix(spec.Field, "ai.") {
			path := strings.TrimPrefix(spec.Field, "ai.")
			return toFloat64(m.AIUnderstanding[path])
		}
		return 0, false
	}

	if spec.GroupBy == "" && spec.GroupByAIField == "" {
		v := reduceAggregate(filtered, spec.Operation, valueOf)
		return AggregateResult{Scalar: v}, nil
	}

	buckets := map[string][]*model.Memory{}
	var order []string
	for _, m := range filtered {
		var key string
		if spec.GroupByAIField != "" {
			key = fmt.Sprintf("%v", m.AIUnderstanding[spec.GroupByAIField])
		} else {
			key = bucketKey(occurredOrCreated(m), spec.GroupBy)
		}
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], m)
	}
	sort.Strings(order)

	var groups []AggregateGroup
	for _, key := range order {
		v := reduceAggregate(buckets[key], spec.Operation, valueOf)
		groups = append(groups, AggregateGroup{Bucket: key, Value: v})
	}
	return AggregateResult{Groups: groups}, nil
}

func reduceAggregate(items []*model.Memory, op AggregateOp, valueOf func(*model.Memory) (float64, bool)) *float64 {
	if op == AggCount {
		n := float64(len(items))
		return &n
	}
	var sum float64
	var count int
	var min, max float64
	for _, m := range items {
		v, ok := valueOf(m)
		if !ok {
			continue
		}
		if count == 0 || v < min {
			min = v
		}
		if count == 0 || v > max {
			max = v
		}
		sum += v
		count++
	}
	if count == 0 {
		return nil
	}
	var result float64
	switch op {
	case AggSum:
		result = sum
	case AggAvg:
		result = sum / float64(count)
	case AggMin:
		result = min
	case AggMax:
		result = max
	default:
		return nil
	}
	return &result
}

func bucketKey(t time.Time, g GroupBy) string {
	switch g {
	case GroupByWeek:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case GroupByMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

func (s *SQLiteStore) CreateReminder(ctx context.Context, r *model.Reminder) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	var sentAt *string
	if r.SentAt != nil {
		v := r.SentAt.UTC().Format(time.RFC3339Nano)
		sentAt = &v
	}
	_, err := s.querier(ctx).ExecContext(ctx, `
		INSERT INTO reminders (id, user_id, memory_id, remind_at, payload, channel, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.MemoryID, r.RemindAt.UTC().Format(time.RFC3339Nano), r.Payload, r.Channel, sentAt)
	if err != nil {
		return fmt.Errorf("inserting reminder: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPendingReminders(ctx context.Context, userID string, before time.Time) ([]*model.Reminder, error) {
	var rows *sql.Rows
	var err error
	cutoff := before.UTC().Format(time.RFC3339Nano)
	if userID != "" {
		rows, err = s.querier(ctx).QueryContext(ctx, `
			SELECT id, user_id, memory_id, remind_at, payload, channel, sent_at
			FROM reminders WHERE user_id = ? AND remind_at <= ? AND sent_at IS NULL
			ORDER BY remind_at ASC
		`, userID, cutoff)
	} else {
		rows, err = s.querier(ctx).QueryContext(ctx, `
			SELECT id, user_id, memory_id, remind_at, payload, channel, sent_at
			FROM reminders WHERE remind_at <= ? AND sent_at IS NULL
			ORDER BY remind_at ASC
		`, cutoff)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching pending reminders: %w", err)
	}
	defer rows.Close()

	var out []*model.Reminder
	for rows.Next() {
		var r model.Reminder
		var memoryID *string
		var remindAt string
		var sentAt *string
		if err := rows.Scan(&r.ID, &r.UserID, &memoryID, &remindAt, &r.Payload, &r.Channel, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning reminder: %w", err)
		}
		r.MemoryID = memoryID
		r.RemindAt, _ = time.Parse(time.RFC3339Nano, remindAt)
		if sentAt != nil {
			t, _ := time.Parse(time.RFC3339Nano, *sentAt)
			r.SentAt = &t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE reminders SET sent_at = ? WHERE id = ? AND sent_at IS NULL
	`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("marking reminder sent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EnsurePrincipal(ctx context.Context, key string) (string, error) {
	id := DerivePrincipalID(key)
	_, err := s.querier(ctx).ExecContext(ctx, `
		INSERT OR IGNORE INTO users (id, created_at) VALUES (?, ?)
	`, id, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("ensuring principal: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ResolveChannelBinding(ctx context.Context, channel, channelUserID string) (string, error) {
	var userID string
	err := s.querier(ctx).QueryRowContext(ctx, `
		SELECT user_id FROM user_channels WHERE channel = ? AND channel_user_id = ?
	`, channel, channelUserID).Scan(&userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolving channel binding: %w", err)
	}
	return userID, nil
}

func (s *SQLiteStore) BindChannel(ctx context.Context, userID, channel, channelUserID string, isPrimary bool) error {
	primary := 0
	if isPrimary {
		primary = 1
	}
	_, err := s.querier(ctx).ExecContext(ctx, `
		INSERT OR IGNORE INTO user_channels (user_id, channel, channel_user_id, is_primary, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, channel, channelUserID, primary, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("binding channel: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HouseholdViewForPrincipal(ctx context.Context, principalID string) (*model.HouseholdView, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, `
		SELECT household_id, member_key, display_name, role, life_status, profile, user_ids
		FROM family_members
	`)
	if err != nil {
		return nil, fmt.Errorf("fetching family members: %w", err)
	}
	defer rows.Close()

	var householdID string
	members := map[string][]struct {
		key, displayName, role, lifeStatus, profile string
		userIDs                                     []string
	}{}
	for rows.Next() {
		var hID, key, displayName, role, lifeStatus, profile, userIDsRaw string
		if err := rows.Scan(&hID, &key, &displayName, &role, &lifeStatus, &profile, &userIDsRaw); err != nil {
			return nil, fmt.Errorf("scanning family member: %w", err)
		}
		var userIDs []string
		_ = json.Unmarshal([]byte(userIDsRaw), &userIDs)
		entry := struct {
			key, displayName, role, lifeStatus, profile string
			userIDs                                     []string
		}{key, displayName, role, lifeStatus, profile, userIDs}
		for _, uid := range userIDs {
			if uid == principalID {
				householdID = hID
			}
		}
		members[hID] = append(members[hID], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if householdID == "" {
		return nil, ErrNotFound
	}

	var configRaw string
	if err := s.querier(ctx).QueryRowContext(ctx, `SELECT config FROM households WHERE id = ?`, householdID).Scan(&configRaw); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("fetching household config: %w", err)
	}

	view := &model.HouseholdView{
		HouseholdID:      householdID,
		MembersIndex:     map[string]model.MemberEntry{},
		FamilyPrincipals: []string{model.FamilyDefaultPrincipal},
	}
	if configRaw != "" {
		_ = json.Unmarshal([]byte(configRaw), &view.Config)
	}
	for _, m := range members[householdID] {
		profile := map[string]any{"display_name": m.displayName, "role": m.role, "life_status": m.lifeStatus}
		if m.profile != "" {
			_ = json.Unmarshal([]byte(m.profile), &profile)
		}
		view.MembersIndex[m.key] = model.MemberEntry{UserIDs: m.userIDs, Profile: profile}
		view.FamilyPrincipals = append(view.FamilyPrincipals, m.userIDs...)
	}
	return view, nil
}
