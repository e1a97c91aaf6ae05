package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/pkg/mem/ltm/adapters/sqlstore/migrations"
	_ "github.com/lib/pq"
)

const recordColumns = `id, content, category, legacy_category, created_at, last_accessed, access_count,
	base_importance, importance_decay, decay_lambda, reflection_count, last_reflection,
	source_memories, derived_memories`

const scoredSelect = `SELECT ` + recordColumns + `,
	memory_current_importance(base_importance, decay_lambda, importance_decay, created_at, $1) AS current_importance,
	memory_decay_score(base_importance, decay_lambda, importance_decay, created_at, $1) AS decay_score
FROM memory_records
WHERE `

// PostgresStore implements the ViewCapableStore interface using a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore with the given connection pool.
// The schema must already be migrated.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
	}
}

// Open migrates the database behind dsn and connects a pool to it.
// maxConns of zero keeps the pgxpool default.
func Open(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	migrationDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to open postgres for migrations: %v", err)
	}
	if err := migrations.Up(migrationDB, migrations.Postgres); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid postgres dsn: %v", errors.ErrStoreUnavailable, err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to create postgres pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to ping postgres: %v", err)
	}

	log.DebugContext(ctx, "Initialized PostgreSQL store adapter", "max_conns", config.MaxConns)
	return NewPostgresStore(pool), nil
}

// Create implements the Store interface.
func (p *PostgresStore) Create(ctx context.Context, record *ltm.MemoryRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO memory_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		record.ID, record.Content, string(record.Category), string(record.LegacyCategory),
		record.CreatedAt, record.LastAccessed, record.AccessCount,
		record.BaseImportance, record.ImportanceDecay, record.DecayLambda,
		record.ReflectionCount, record.LastReflection,
		record.SourceMemories.Sorted(), record.DerivedMemories.Sorted(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", errors.ErrRecordExists, record.ID)
		}
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row, extra ...any) (*ltm.MemoryRecord, error) {
	var (
		r                ltm.MemoryRecord
		category, legacy string
		sources, derived []string
	)
	dest := []any{
		&r.ID, &r.Content, &category, &legacy, &r.CreatedAt, &r.LastAccessed, &r.AccessCount,
		&r.BaseImportance, &r.ImportanceDecay, &r.DecayLambda, &r.ReflectionCount, &r.LastReflection,
		&sources, &derived,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	r.Category = ltm.Category(category)
	r.LegacyCategory = ltm.Category(legacy)
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastAccessed = r.LastAccessed.UTC()
	if r.LastReflection != nil {
		t := r.LastReflection.UTC()
		r.LastReflection = &t
	}
	r.SourceMemories = ltm.NewIDSet(sources...)
	r.DerivedMemories = ltm.NewIDSet(derived...)
	return &r, nil
}

// Get implements the Store interface.
func (p *PostgresStore) Get(ctx context.Context, id string) (*ltm.MemoryRecord, error) {
	r, err := scanRecord(p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM memory_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return r, nil
}

// List implements the Store interface.
func (p *PostgresStore) List(ctx context.Context, query ltm.Query) ([]ltm.MemoryRecord, error) {
	var sb strings.Builder
	var args []any

	sb.WriteString(`SELECT ` + recordColumns + ` FROM memory_records`)
	if query.Category != "" {
		args = append(args, string(query.Category))
		sb.WriteString(fmt.Sprintf(` WHERE category = $%d`, len(args)))
	}
	sb.WriteString(` ORDER BY created_at ASC, id ASC`)
	if query.Limit > 0 {
		args = append(args, query.Limit)
		sb.WriteString(fmt.Sprintf(` LIMIT $%d`, len(args)))
	}

	rows, err := p.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []ltm.MemoryRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// RecordAccess implements the Store interface with a single atomic UPDATE.
func (p *PostgresStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE memory_records
		SET access_count = access_count + 1, last_accessed = GREATEST(last_accessed, $2)
		WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}
	return nil
}

// RecordReflection implements the Store interface.
func (p *PostgresStore) RecordReflection(ctx context.Context, id string, update ltm.ReflectionUpdate) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE memory_records
		SET reflection_count = reflection_count + 1,
			last_reflection = $2,
			importance_decay = COALESCE($3, importance_decay) * COALESCE($4, 1.0)
		WHERE id = $1`,
		id, update.At, update.ImportanceDecay, update.ImportanceDecayFactor,
	)
	if err != nil {
		return fmt.Errorf("failed to record reflection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}
	return nil
}

// Link implements the Store interface. Endpoint rows are locked in id order
// so concurrent links over the same records serialize without deadlocking.
func (p *PostgresStore) Link(ctx context.Context, req ltm.LinkRequest, at time.Time) (string, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to begin link transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	ids := req.RecordIDs()
	rows, err := tx.Query(ctx, `SELECT id FROM memory_records WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to lock link endpoints: %v", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to lock link endpoints: %v", err)
	}
	present := ltm.NewIDSet(found...)
	var missing []string
	for _, id := range ids {
		if !present.Has(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", errors.ErrUnknownRecord, strings.Join(missing, ", "))
	}

	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return "", fmt.Errorf("%w: metadata: %v", errors.ErrInvalidInput, err)
	}

	linkID := uuid.New().String()
	batch := &pgx.Batch{}
	for _, sourceID := range req.SourceIDs {
		batch.Queue(
			`INSERT INTO memory_relationships (
				id, link_id, source_record_id, derived_record_id, relationship_type, confidence, metadata, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
			ON CONFLICT (source_record_id, derived_record_id, relationship_type)
			DO UPDATE SET link_id = EXCLUDED.link_id, confidence = EXCLUDED.confidence, metadata = EXCLUDED.metadata`,
			uuid.New().String(), linkID, sourceID, req.DerivedID, string(req.Type), req.Confidence, string(metadata), at,
		)
	}
	batch.Queue(
		`UPDATE memory_records
		SET derived_memories = array_append(derived_memories, $1::text)
		WHERE id = ANY($2) AND NOT ($1::text = ANY(derived_memories))`,
		req.DerivedID, req.SourceIDs,
	)
	batch.Queue(
		`UPDATE memory_records
		SET source_memories = ARRAY(SELECT DISTINCT s FROM unnest(source_memories || $1::text[]) AS s ORDER BY s)
		WHERE id = $2`,
		req.SourceIDs, req.DerivedID,
	)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to write link: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to commit link: %v", err)
	}

	log.DebugContext(ctx, "Linked memory records in PostgreSQL", "link_id", linkID, "derived_id", req.DerivedID)
	return linkID, nil
}

// RelationshipsFor implements the Store interface.
func (p *PostgresStore) RelationshipsFor(ctx context.Context, id string) ([]ltm.RelationshipDetail, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM memory_records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check record: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id, link_id, source_record_id, derived_record_id, relationship_type, confidence, metadata, created_at
		FROM memory_relationships
		WHERE link_id IN (
			SELECT link_id FROM memory_relationships WHERE source_record_id = $1 OR derived_record_id = $1
		)`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load relationships: %w", err)
	}
	defer rows.Close()

	var out []ltm.RelationshipRow
	for rows.Next() {
		var (
			row      ltm.RelationshipRow
			kind     string
			metadata []byte
		)
		if err := rows.Scan(&row.ID, &row.LinkID, &row.SourceID, &row.DerivedID, &kind, &row.Confidence, &metadata, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		if err := json.Unmarshal(metadata, &row.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode relationship metadata: %w", err)
		}
		row.Type = ltm.RelationshipType(kind)
		row.CreatedAt = row.CreatedAt.UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ltm.GroupRelationships(out, id), nil
}

// ActiveRecords implements the ViewCapableStore interface.
func (p *PostgresStore) ActiveRecords(ctx context.Context, threshold float64, now time.Time) ([]ltm.ActiveMemory, error) {
	return p.scored(ctx,
		`memory_current_importance(base_importance, decay_lambda, importance_decay, created_at, $1) >= $2
		ORDER BY decay_score DESC, created_at DESC, id ASC`,
		threshold, now, false)
}

// ExpiredRecords implements the ViewCapableStore interface.
func (p *PostgresStore) ExpiredRecords(ctx context.Context, threshold float64, now time.Time) ([]ltm.ActiveMemory, error) {
	return p.scored(ctx,
		`memory_current_importance(base_importance, decay_lambda, importance_decay, created_at, $1) < $2
		ORDER BY current_importance ASC, created_at ASC, id ASC`,
		threshold, now, true)
}

func (p *PostgresStore) scored(ctx context.Context, where string, threshold float64, now time.Time, cleanup bool) ([]ltm.ActiveMemory, error) {
	if now.IsZero() {
		now = time.Now()
	}
	rows, err := p.pool.Query(ctx, scoredSelect+where, now, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query decay view: %w", err)
	}
	defer rows.Close()

	out := []ltm.ActiveMemory{}
	for rows.Next() {
		var m ltm.ActiveMemory
		r, err := scanRecord(rows, &m.CurrentImportance, &m.DecayScore)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		m.Record = *r
		m.ShouldCleanup = cleanup
		out = append(out, m)
	}
	return out, rows.Err()
}

// CategoryAnalytics implements the ViewCapableStore interface.
func (p *PostgresStore) CategoryAnalytics(ctx context.Context, now time.Time) ([]ltm.CategoryStats, error) {
	if now.IsZero() {
		now = time.Now()
	}
	rows, err := p.pool.Query(ctx,
		`SELECT category,
			COUNT(*) AS record_count,
			AVG(base_importance)::double precision AS avg_base_importance,
			AVG(memory_decay_score(base_importance, decay_lambda, importance_decay, created_at, $1)) AS avg_decay_score
		FROM memory_records
		GROUP BY category`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics: %w", err)
	}
	defer rows.Close()

	stats := []ltm.CategoryStats{}
	for rows.Next() {
		var s ltm.CategoryStats
		var category string
		if err := rows.Scan(&category, &s.Count, &s.AvgBaseImportance, &s.AvgDecayScore); err != nil {
			return nil, fmt.Errorf("failed to scan analytics: %w", err)
		}
		s.Category = ltm.Category(category)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Go ordering keeps results identical to the in-process projection
	// regardless of the database collation.
	sort.Slice(stats, func(i, j int) bool { return stats[i].Category < stats[j].Category })
	return stats, nil
}

// Pool exposes the underlying connection pool.
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

// Close implements the Store interface.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
