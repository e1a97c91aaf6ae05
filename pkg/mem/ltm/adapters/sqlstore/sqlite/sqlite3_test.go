package sqlite

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lexlapax/engram/pkg/decay"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/lexlapax/engram/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), testutil.TempPath(t, "engram.sqlite"))
	require.NoError(t, err)
	return store
}

func TestSQLiteStore(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) ltm.Store {
		return openTestStore(t)
	})
}

func TestSQLiteStore_IsViewCapable(t *testing.T) {
	var store ltm.Store = &SQLiteStore{}
	_, ok := store.(ltm.ViewCapableStore)
	assert.True(t, ok)
}

func TestSQLiteStore_DatabaseViews(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	now := ltm.Now()
	testutil.MustCreate(t, store, "recent", "episodic", 8, now)
	testutil.MustCreate(t, store, "ancient", "episodic", 8, now.Add(-365*24*time.Hour))
	testutil.MustCreate(t, store, "fact", "fact", 5, now)

	var active []string
	require.NoError(t, store.DB().SelectContext(ctx, &active, `SELECT id FROM active_memories ORDER BY id`))
	assert.Equal(t, []string{"fact", "recent"}, active)

	var rows []struct {
		Category string  `db:"category"`
		Count    int     `db:"record_count"`
		AvgBase  float64 `db:"avg_base_importance"`
		AvgScore float64 `db:"avg_decay_score"`
	}
	require.NoError(t, store.DB().SelectContext(ctx, &rows, `SELECT * FROM memory_analytics ORDER BY category`))
	require.Len(t, rows, 2)
	assert.Equal(t, "episodic", rows[0].Category)
	assert.Equal(t, 2, rows[0].Count)
	assert.Equal(t, 8.0, rows[0].AvgBase)
	assert.Equal(t, "semantic", rows[1].Category)
	assert.InDelta(t, 1.0, rows[1].AvgScore, 1e-3)
}

func TestSQLiteStore_ReopenKeepsSchema(t *testing.T) {
	ctx := context.Background()
	path := testutil.TempPath(t, "reopen.sqlite")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	testutil.MustCreate(t, store, "rec-1", "procedural", 4, testutil.Epoch)
	require.NoError(t, store.Close())

	store, err = Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	r, err := store.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, ltm.CategoryProcedural, r.Category)
}

func TestSQLiteFunctions(t *testing.T) {
	created := micros(testutil.Epoch)
	days := decay.HalfLife(0.12)
	halfLife := micros(testutil.Epoch.Add(time.Duration(days * 24 * float64(time.Hour))))

	assert.InDelta(t, 2.5, sqlImportance(int64(5), 0.12, 1.0, created, halfLife), 1e-6)
	assert.InDelta(t, 0.5, sqlDecayScore(int64(5), 0.12, float64(1), created, halfLife), 1e-6)
	// integral REAL values may arrive as integers
	assert.InDelta(t, 2.5, sqlImportance(int64(5), 0.12, int64(1), created, halfLife), 1e-6)
	assert.Equal(t, 0.0, sqlDecayScore(int64(0), 0.12, 1.0, created, halfLife))
}

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(sqlx.NewDb(db, "sqlmock")), mock
}

func linkRequest(t *testing.T, sources ...string) ltm.LinkRequest {
	t.Helper()
	req := ltm.LinkRequest{SourceIDs: sources, DerivedID: "C", Confidence: 0.8}
	require.NoError(t, req.Normalize())
	return req
}

var endpointQuery = regexp.QuoteMeta(`SELECT id, source_memories, derived_memories FROM memory_records WHERE id IN (?, ?, ?)`)

func TestSQLiteStore_LinkRollsBackOnWriteFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(endpointQuery).
		WithArgs("A", "B", "C").
		WillReturnRows(sqlmock.NewRows([]string{"id", "source_memories", "derived_memories"}).
			AddRow("A", "[]", "[]").
			AddRow("B", "[]", "[]").
			AddRow("C", "[]", "[]"))
	mock.ExpectExec("INSERT INTO memory_relationships").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE memory_records SET derived_memories = ?")).
		WithArgs(`["C"]`, "A").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO memory_relationships").
		WillReturnError(fmt.Errorf("disk I/O error"))
	mock.ExpectRollback()

	_, err := store.Link(context.Background(), linkRequest(t, "A", "B"), testutil.Epoch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRelationshipWriteFailed), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_LinkRollsBackOnCommitFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, source_memories, derived_memories FROM memory_records WHERE id IN (?, ?)`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "source_memories", "derived_memories"}).
			AddRow("A", "[]", "[]").
			AddRow("C", "[]", "[]"))
	mock.ExpectExec("INSERT INTO memory_relationships").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE memory_records SET derived_memories = ?")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE memory_records SET source_memories = ?")).
		WithArgs(`["A"]`, "C").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(fmt.Errorf("database is locked"))

	_, err := store.Link(context.Background(), linkRequest(t, "A"), testutil.Epoch)
	assert.True(t, errors.Is(err, errors.ErrRelationshipWriteFailed), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_LinkUnknownRecordWritesNothing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(endpointQuery).
		WillReturnRows(sqlmock.NewRows([]string{"id", "source_memories", "derived_memories"}).
			AddRow("A", "[]", "[]").
			AddRow("C", "[]", "[]"))
	mock.ExpectRollback()

	_, err := store.Link(context.Background(), linkRequest(t, "A", "B"), testutil.Epoch)
	assert.True(t, errors.Is(err, errors.ErrUnknownRecord), "got %v", err)
	assert.Contains(t, err.Error(), "B")
	assert.NoError(t, mock.ExpectationsWereMet())
}
