package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	bolt "go.etcd.io/bbolt"
)

var (
	recordsBucket       = []byte("records")
	relationshipsBucket = []byte("relationships")
	pairsBucket         = []byte("relationship_pairs")
)

// BoltStore implements the Store interface using a BoltDB database.
// Every mutation is a single bolt read-write transaction, so bolt's single
// writer serializes access counts and links.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltStore with the given database connection.
// Call Initialize before use.
func NewBoltStore(db *bolt.DB) *BoltStore {
	store := &BoltStore{
		db: db,
	}

	log.Debug("Initialized BoltDB store adapter",
		"db_path", db.Path(),
		"read_only", db.IsReadOnly(),
	)

	return store
}

// Open opens (or creates) the database file at path and initializes it.
func Open(ctx context.Context, path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to open bolt database %s: %v", path, err)
	}
	store := NewBoltStore(db)
	if err := store.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Initialize creates the required buckets if they don't exist.
func (b *BoltStore) Initialize(ctx context.Context) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, relationshipsBucket, pairsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize BoltDB buckets", "error", err)
		return err
	}
	return nil
}

func getRecord(tx *bolt.Tx, id string) (*ltm.MemoryRecord, error) {
	data := tx.Bucket(recordsBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}
	var record ltm.MemoryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	if record.SourceMemories == nil {
		record.SourceMemories = ltm.NewIDSet()
	}
	if record.DerivedMemories == nil {
		record.DerivedMemories = ltm.NewIDSet()
	}
	return &record, nil
}

func putRecord(tx *bolt.Tx, record *ltm.MemoryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return tx.Bucket(recordsBucket).Put([]byte(record.ID), data)
}

// updateRecord loads, mutates and stores one record inside a write transaction.
func (b *BoltStore) updateRecord(id string, fn func(*ltm.MemoryRecord)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		record, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		fn(record)
		return putRecord(tx, record)
	})
}

// Create implements the Store interface.
func (b *BoltStore) Create(ctx context.Context, record *ltm.MemoryRecord) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(recordsBucket).Get([]byte(record.ID)) != nil {
			return fmt.Errorf("%w: %s", errors.ErrRecordExists, record.ID)
		}
		return putRecord(tx, record)
	})
	if err != nil {
		return err
	}
	log.DebugContext(ctx, "Stored memory record in BoltDB", "record_id", record.ID)
	return nil
}

// Get implements the Store interface.
func (b *BoltStore) Get(ctx context.Context, id string) (*ltm.MemoryRecord, error) {
	var record *ltm.MemoryRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		record, err = getRecord(tx, id)
		return err
	})
	return record, err
}

// List implements the Store interface.
func (b *BoltStore) List(ctx context.Context, query ltm.Query) ([]ltm.MemoryRecord, error) {
	results := []ltm.MemoryRecord{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, _ []byte) error {
			record, err := getRecord(tx, string(k))
			if err != nil {
				return err
			}
			if query.Category == "" || record.Category == query.Category {
				results = append(results, *record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.Before(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

// RecordAccess implements the Store interface.
func (b *BoltStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	return b.updateRecord(id, func(r *ltm.MemoryRecord) {
		r.AccessCount++
		if at.After(r.LastAccessed) {
			r.LastAccessed = at.UTC()
		}
	})
}

// RecordReflection implements the Store interface.
func (b *BoltStore) RecordReflection(ctx context.Context, id string, update ltm.ReflectionUpdate) error {
	return b.updateRecord(id, func(r *ltm.MemoryRecord) {
		r.ReflectionCount++
		at := update.At.UTC()
		r.LastReflection = &at
		r.ImportanceDecay = update.Apply(r.ImportanceDecay)
	})
}

func pairKey(source, derived string, kind ltm.RelationshipType) []byte {
	return []byte(source + "\x00" + derived + "\x00" + string(kind))
}

// Link implements the Store interface. The whole link is one bolt
// transaction; returning an error rolls it back.
func (b *BoltStore) Link(ctx context.Context, req ltm.LinkRequest, at time.Time) (string, error) {
	linkID := uuid.New().String()

	err := b.db.Update(func(tx *bolt.Tx) error {
		records := make(map[string]*ltm.MemoryRecord)
		var missing []string
		for _, id := range req.RecordIDs() {
			record, err := getRecord(tx, id)
			if errors.Is(err, errors.ErrUnknownRecord) {
				missing = append(missing, id)
				continue
			}
			if err != nil {
				return err
			}
			records[id] = record
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", errors.ErrUnknownRecord, strings.Join(missing, ", "))
		}

		rels, pairs := tx.Bucket(relationshipsBucket), tx.Bucket(pairsBucket)
		derived := records[req.DerivedID]
		for _, sourceID := range req.SourceIDs {
			key := pairKey(sourceID, req.DerivedID, req.Type)
			row := ltm.RelationshipRow{
				ID:        uuid.New().String(),
				SourceID:  sourceID,
				DerivedID: req.DerivedID,
				Type:      req.Type,
				CreatedAt: at.UTC(),
			}
			if existing := pairs.Get(key); existing != nil {
				if err := json.Unmarshal(rels.Get(existing), &row); err != nil {
					return errors.Wrap(errors.ErrRelationshipWriteFailed, "corrupt relationship %s: %v", existing, err)
				}
			}
			row.LinkID = linkID
			row.Confidence = req.Confidence
			row.Metadata = req.Metadata

			data, err := json.Marshal(row)
			if err != nil {
				return errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to marshal relationship: %v", err)
			}
			if err := rels.Put([]byte(row.ID), data); err != nil {
				return errors.Wrap(errors.ErrRelationshipWriteFailed, "%v", err)
			}
			if err := pairs.Put(key, []byte(row.ID)); err != nil {
				return errors.Wrap(errors.ErrRelationshipWriteFailed, "%v", err)
			}

			source := records[sourceID]
			source.DerivedMemories.Add(req.DerivedID)
			if err := putRecord(tx, source); err != nil {
				return errors.Wrap(errors.ErrRelationshipWriteFailed, "%v", err)
			}
			derived.SourceMemories.Add(sourceID)
		}
		if err := putRecord(tx, derived); err != nil {
			return errors.Wrap(errors.ErrRelationshipWriteFailed, "%v", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrUnknownRecord) || errors.Is(err, errors.ErrRelationshipWriteFailed) {
			return "", err
		}
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "bolt transaction: %v", err)
	}

	log.DebugContext(ctx, "Linked memory records in BoltDB", "link_id", linkID, "derived_id", req.DerivedID)
	return linkID, nil
}

// RelationshipsFor implements the Store interface.
func (b *BoltStore) RelationshipsFor(ctx context.Context, id string) ([]ltm.RelationshipDetail, error) {
	var rows []ltm.RelationshipRow
	err := b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(recordsBucket).Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
		}
		return tx.Bucket(relationshipsBucket).ForEach(func(_, v []byte) error {
			var row ltm.RelationshipRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	links := make(map[string]bool)
	for _, row := range rows {
		if row.SourceID == id || row.DerivedID == id {
			links[row.LinkID] = true
		}
	}
	var linked []ltm.RelationshipRow
	for _, row := range rows {
		if links[row.LinkID] {
			linked = append(linked, row)
		}
	}
	return ltm.GroupRelationships(linked, id), nil
}

// Close implements the Store interface.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Path returns the database file path.
func (b *BoltStore) Path() string {
	return b.db.Path()
}
