package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/pkg/mem/ltm/adapters/sqlstore/migrations"
	"github.com/mattn/go-sqlite3"
)

const recordColumns = `id, content, category, legacy_category, created_at, last_accessed, access_count,
	base_importance, importance_decay, decay_lambda, reflection_count, last_reflection,
	source_memories, derived_memories`

const scoredSelect = `SELECT ` + recordColumns + `,
	mem_importance(base_importance, decay_lambda, importance_decay, created_at, ?) AS current_importance,
	mem_decay_score(base_importance, decay_lambda, importance_decay, created_at, ?) AS decay_score
FROM memory_records
WHERE `

const upsertRelationship = `INSERT INTO memory_relationships (
	id, link_id, source_record_id, derived_record_id, relationship_type, confidence, metadata, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source_record_id, derived_record_id, relationship_type)
DO UPDATE SET link_id = excluded.link_id, confidence = excluded.confidence, metadata = excluded.metadata`

type recordRow struct {
	ID              string        `db:"id"`
	Content         string        `db:"content"`
	Category        string        `db:"category"`
	LegacyCategory  string        `db:"legacy_category"`
	CreatedAt       int64         `db:"created_at"`
	LastAccessed    int64         `db:"last_accessed"`
	AccessCount     int64         `db:"access_count"`
	BaseImportance  int           `db:"base_importance"`
	ImportanceDecay float64       `db:"importance_decay"`
	DecayLambda     float64       `db:"decay_lambda"`
	ReflectionCount int           `db:"reflection_count"`
	LastReflection  sql.NullInt64 `db:"last_reflection"`
	SourceMemories  string        `db:"source_memories"`
	DerivedMemories string        `db:"derived_memories"`
}

type scoredRow struct {
	recordRow
	CurrentImportance float64 `db:"current_importance"`
	DecayScore        float64 `db:"decay_score"`
}

type endpointRow struct {
	ID              string `db:"id"`
	SourceMemories  string `db:"source_memories"`
	DerivedMemories string `db:"derived_memories"`
}

type relationshipRow struct {
	ID         string  `db:"id"`
	LinkID     string  `db:"link_id"`
	SourceID   string  `db:"source_record_id"`
	DerivedID  string  `db:"derived_record_id"`
	Type       string  `db:"relationship_type"`
	Confidence float64 `db:"confidence"`
	Metadata   string  `db:"metadata"`
	CreatedAt  int64   `db:"created_at"`
}

// SQLiteStore implements the ViewCapableStore interface using a SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given database connection.
// The schema must already be migrated.
func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{
		db: db,
	}
}

// Open migrates the database file at path and returns a store backed by it.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", errors.ErrStoreUnavailable)
	}
	dsn := DSN(path)

	migrationDB, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to open sqlite database %s: %v", path, err)
	}
	if err := migrations.Up(migrationDB, migrations.SQLite); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(DriverName, dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to open sqlite database %s: %v", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to ping sqlite database %s: %v", path, err)
	}

	log.DebugContext(ctx, "Initialized SQLite store adapter", "path", path)
	return NewSQLiteStore(db), nil
}

// Create implements the Store interface.
func (s *SQLiteStore) Create(ctx context.Context, record *ltm.MemoryRecord) error {
	var lastReflection interface{}
	if record.LastReflection != nil {
		lastReflection = micros(*record.LastReflection)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Content, string(record.Category), string(record.LegacyCategory),
		micros(record.CreatedAt), micros(record.LastAccessed), record.AccessCount,
		record.BaseImportance, record.ImportanceDecay, record.DecayLambda,
		record.ReflectionCount, lastReflection,
		encodeIDs(record.SourceMemories), encodeIDs(record.DerivedMemories),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", errors.ErrRecordExists, record.ID)
		}
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// Get implements the Store interface.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*ltm.MemoryRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM memory_records WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return row.toRecord()
}

// List implements the Store interface.
func (s *SQLiteStore) List(ctx context.Context, query ltm.Query) ([]ltm.MemoryRecord, error) {
	var sb strings.Builder
	var args []interface{}

	sb.WriteString(`SELECT ` + recordColumns + ` FROM memory_records`)
	if query.Category != "" {
		sb.WriteString(` WHERE category = ?`)
		args = append(args, string(query.Category))
	}
	sb.WriteString(` ORDER BY created_at ASC, id ASC`)
	if query.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, query.Limit)
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	records := make([]ltm.MemoryRecord, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, nil
}

// RecordAccess implements the Store interface with a single atomic UPDATE.
func (s *SQLiteStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_records
		SET access_count = access_count + 1, last_accessed = MAX(last_accessed, ?)
		WHERE id = ?`,
		micros(at), id,
	)
	return checkUpdated(res, err, id, "record access")
}

// RecordReflection implements the Store interface.
func (s *SQLiteStore) RecordReflection(ctx context.Context, id string, update ltm.ReflectionUpdate) error {
	var importanceDecay, factor interface{}
	if update.ImportanceDecay != nil {
		importanceDecay = *update.ImportanceDecay
	}
	if update.ImportanceDecayFactor != nil {
		factor = *update.ImportanceDecayFactor
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_records
		SET reflection_count = reflection_count + 1,
			last_reflection = ?,
			importance_decay = COALESCE(?, importance_decay) * COALESCE(?, 1.0)
		WHERE id = ?`,
		micros(update.At), importanceDecay, factor, id,
	)
	return checkUpdated(res, err, id, "record reflection")
}

func checkUpdated(res sql.Result, err error, id, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}
	return nil
}

// Link implements the Store interface. The endpoint check, the relationship
// upserts and both array updates share one immediate transaction.
func (s *SQLiteStore) Link(ctx context.Context, req ltm.LinkRequest, at time.Time) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to begin link transaction: %v", err)
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(`SELECT id, source_memories, derived_memories FROM memory_records WHERE id IN (?)`, req.RecordIDs())
	if err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to build endpoint query: %v", err)
	}
	var endpoints []endpointRow
	if err := tx.SelectContext(ctx, &endpoints, tx.Rebind(query), args...); err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to load link endpoints: %v", err)
	}

	byID := make(map[string]endpointRow, len(endpoints))
	for _, e := range endpoints {
		byID[e.ID] = e
	}
	var missing []string
	for _, id := range req.RecordIDs() {
		if _, ok := byID[id]; !ok {
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
	derivedSources, err := decodeIDs(byID[req.DerivedID].SourceMemories)
	if err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "%v", err)
	}
	for _, sourceID := range req.SourceIDs {
		if _, err := tx.ExecContext(ctx, upsertRelationship,
			uuid.New().String(), linkID, sourceID, req.DerivedID, string(req.Type),
			req.Confidence, string(metadata), micros(at),
		); err != nil {
			return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to write relationship %s -> %s: %v", sourceID, req.DerivedID, err)
		}

		derived, err := decodeIDs(byID[sourceID].DerivedMemories)
		if err != nil {
			return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "%v", err)
		}
		if derived.Add(req.DerivedID) {
			if _, err := tx.ExecContext(ctx, `UPDATE memory_records SET derived_memories = ? WHERE id = ?`,
				encodeIDs(derived), sourceID); err != nil {
				return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to update %s: %v", sourceID, err)
			}
		}
		derivedSources.Add(sourceID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memory_records SET source_memories = ? WHERE id = ?`,
		encodeIDs(derivedSources), req.DerivedID); err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to update %s: %v", req.DerivedID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to commit link: %v", err)
	}

	log.DebugContext(ctx, "Linked memory records in SQLite", "link_id", linkID, "derived_id", req.DerivedID)
	return linkID, nil
}

// RelationshipsFor implements the Store interface.
func (s *SQLiteStore) RelationshipsFor(ctx context.Context, id string) ([]ltm.RelationshipDetail, error) {
	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM memory_records WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to check record: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}

	var rows []relationshipRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, link_id, source_record_id, derived_record_id, relationship_type, confidence, metadata, created_at
		FROM memory_relationships
		WHERE link_id IN (
			SELECT link_id FROM memory_relationships WHERE source_record_id = ? OR derived_record_id = ?
		)`,
		id, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load relationships: %w", err)
	}

	out := make([]ltm.RelationshipRow, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]any
		if err := json.Unmarshal([]byte(row.Metadata), &metadata); err != nil {
			return nil, fmt.Errorf("failed to decode relationship metadata: %w", err)
		}
		out = append(out, ltm.RelationshipRow{
			ID:         row.ID,
			LinkID:     row.LinkID,
			SourceID:   row.SourceID,
			DerivedID:  row.DerivedID,
			Type:       ltm.RelationshipType(row.Type),
			Confidence: row.Confidence,
			Metadata:   metadata,
			CreatedAt:  fromMicros(row.CreatedAt),
		})
	}
	return ltm.GroupRelationships(out, id), nil
}

// ActiveRecords implements the ViewCapableStore interface.
func (s *SQLiteStore) ActiveRecords(ctx context.Context, threshold float64, now time.Time) ([]ltm.ActiveMemory, error) {
	return s.scored(ctx,
		`mem_importance(base_importance, decay_lambda, importance_decay, created_at, ?) >= ?
		ORDER BY decay_score DESC, created_at DESC, id ASC`,
		threshold, now, false)
}

// ExpiredRecords implements the ViewCapableStore interface.
func (s *SQLiteStore) ExpiredRecords(ctx context.Context, threshold float64, now time.Time) ([]ltm.ActiveMemory, error) {
	return s.scored(ctx,
		`mem_importance(base_importance, decay_lambda, importance_decay, created_at, ?) < ?
		ORDER BY current_importance ASC, created_at ASC, id ASC`,
		threshold, now, true)
}

func (s *SQLiteStore) scored(ctx context.Context, where string, threshold float64, now time.Time, cleanup bool) ([]ltm.ActiveMemory, error) {
	if now.IsZero() {
		now = time.Now()
	}
	at := micros(now)

	var rows []scoredRow
	if err := s.db.SelectContext(ctx, &rows, scoredSelect+where, at, at, at, threshold); err != nil {
		return nil, fmt.Errorf("failed to query decay view: %w", err)
	}

	out := make([]ltm.ActiveMemory, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, ltm.ActiveMemory{
			Record:            *r,
			CurrentImportance: row.CurrentImportance,
			DecayScore:        row.DecayScore,
			ShouldCleanup:     cleanup,
		})
	}
	return out, nil
}

// CategoryAnalytics implements the ViewCapableStore interface.
func (s *SQLiteStore) CategoryAnalytics(ctx context.Context, now time.Time) ([]ltm.CategoryStats, error) {
	if now.IsZero() {
		now = time.Now()
	}
	var rows []struct {
		Category          string  `db:"category"`
		Count             int     `db:"record_count"`
		AvgBaseImportance float64 `db:"avg_base_importance"`
		AvgDecayScore     float64 `db:"avg_decay_score"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT category,
			COUNT(*) AS record_count,
			AVG(base_importance) AS avg_base_importance,
			AVG(mem_decay_score(base_importance, decay_lambda, importance_decay, created_at, ?)) AS avg_decay_score
		FROM memory_records
		GROUP BY category
		ORDER BY category`,
		micros(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics: %w", err)
	}

	stats := make([]ltm.CategoryStats, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, ltm.CategoryStats{
			Category:          ltm.Category(row.Category),
			Count:             row.Count,
			AvgBaseImportance: row.AvgBaseImportance,
			AvgDecayScore:     row.AvgDecayScore,
		})
	}
	return stats, nil
}

// DB exposes the underlying connection.
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

// Close implements the Store interface.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (row recordRow) toRecord() (*ltm.MemoryRecord, error) {
	sources, err := decodeIDs(row.SourceMemories)
	if err != nil {
		return nil, err
	}
	derived, err := decodeIDs(row.DerivedMemories)
	if err != nil {
		return nil, err
	}
	r := &ltm.MemoryRecord{
		ID:              row.ID,
		Content:         row.Content,
		Category:        ltm.Category(row.Category),
		LegacyCategory:  ltm.Category(row.LegacyCategory),
		CreatedAt:       fromMicros(row.CreatedAt),
		LastAccessed:    fromMicros(row.LastAccessed),
		AccessCount:     row.AccessCount,
		BaseImportance:  row.BaseImportance,
		ImportanceDecay: row.ImportanceDecay,
		DecayLambda:     row.DecayLambda,
		ReflectionCount: row.ReflectionCount,
		SourceMemories:  sources,
		DerivedMemories: derived,
	}
	if row.LastReflection.Valid {
		t := fromMicros(row.LastReflection.Int64)
		r.LastReflection = &t
	}
	return r, nil
}

func encodeIDs(s ltm.IDSet) string {
	data, _ := json.Marshal(s.Sorted())
	return string(data)
}

func decodeIDs(raw string) (ltm.IDSet, error) {
	if raw == "" {
		return ltm.NewIDSet(), nil
	}
	var set ltm.IDSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, fmt.Errorf("failed to decode id array: %w", err)
	}
	return set, nil
}
