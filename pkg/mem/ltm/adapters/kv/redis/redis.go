// Package redis stores memory records in Redis hashes and sets. Counter
// updates and links run as Lua scripts so each one is a single atomic step
// on the server.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/mem/ltm"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "engram:"

const unknownReply = "UNKNOWN "

var accessScript = goredis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return redis.error_reply('UNKNOWN ' .. ARGV[2])
	end
	redis.call('HINCRBY', KEYS[1], 'access_count', 1)
	local last = tonumber(redis.call('HGET', KEYS[1], 'last_accessed'))
	if tonumber(ARGV[1]) > last then
		redis.call('HSET', KEYS[1], 'last_accessed', ARGV[1])
	end
	return 1
`)

// ARGV: last reflection, replacement decay or '', id, decay factor or ''.
var reflectionScript = goredis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return redis.error_reply('UNKNOWN ' .. ARGV[3])
	end
	redis.call('HINCRBY', KEYS[1], 'reflection_count', 1)
	redis.call('HSET', KEYS[1], 'last_reflection', ARGV[1])
	local decay = ARGV[2]
	if decay == '' then
		decay = redis.call('HGET', KEYS[1], 'importance_decay') or '1'
	end
	if ARGV[4] ~= '' then
		decay = string.format('%.17g', tonumber(decay) * tonumber(ARGV[4]))
	end
	if ARGV[2] ~= '' or ARGV[4] ~= '' then
		redis.call('HSET', KEYS[1], 'importance_decay', decay)
	end
	return 1
`)

// ARGV: prefix, link id, derived id, type, confidence, metadata, created,
// n, n source ids, n fresh row ids.
var linkScript = goredis.NewScript(`
	local p = ARGV[1]
	local linkID = ARGV[2]
	local derived = ARGV[3]
	local kind = ARGV[4]
	local n = tonumber(ARGV[8])

	local missing = {}
	for i = 1, n do
		if redis.call('EXISTS', p .. 'record:' .. ARGV[8 + i]) == 0 then
			table.insert(missing, ARGV[8 + i])
		end
	end
	if redis.call('EXISTS', p .. 'record:' .. derived) == 0 then
		table.insert(missing, derived)
	end
	if #missing > 0 then
		return redis.error_reply('UNKNOWN ' .. table.concat(missing, ', '))
	end

	for i = 1, n do
		local src = ARGV[8 + i]
		local field = kind .. '|' .. src .. '|' .. derived
		local row = redis.call('HGET', p .. 'pairs', field)
		if row then
			local old = redis.call('HGET', p .. 'rel:' .. row, 'link_id')
			redis.call('SREM', p .. 'link:' .. old, row)
			redis.call('HSET', p .. 'rel:' .. row, 'link_id', linkID, 'confidence', ARGV[5], 'metadata', ARGV[6])
		else
			row = ARGV[8 + n + i]
			redis.call('HSET', p .. 'rel:' .. row,
				'link_id', linkID, 'source', src, 'derived', derived, 'type', kind,
				'confidence', ARGV[5], 'metadata', ARGV[6], 'created_at', ARGV[7])
			redis.call('HSET', p .. 'pairs', field, row)
		end
		redis.call('SADD', p .. 'link:' .. linkID, row)
		redis.call('SADD', p .. 'links:' .. src, linkID)
		redis.call('SADD', p .. 'links:' .. derived, linkID)
		redis.call('SADD', p .. 'derived:' .. src, derived)
		redis.call('SADD', p .. 'sources:' .. derived, src)
	end
	return linkID
`)

// RedisStore implements the Store interface on top of a Redis server.
//
// Keys under the prefix:
//
//	record:{id}    hash of record fields, times in unix microseconds
//	sources:{id}   set of source record ids
//	derived:{id}   set of derived record ids
//	records        sorted set of ids scored by created_at
//	rel:{row}      hash of one relationship row
//	pairs          hash of (type, source, derived) to row id
//	link:{link}    set of row ids written by one link call
//	links:{id}     set of link ids a record takes part in
//
// The link script addresses keys through ARGV, so the store needs a
// single-node deployment rather than Redis Cluster.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix uses DefaultKeyPrefix.
func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Options configures Open.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Open connects to the server described by opts and checks that it answers.
func Open(ctx context.Context, opts Options) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to connect to redis at %s: %v", opts.Addr, err)
	}

	log.DebugContext(ctx, "Initialized Redis store adapter", "addr", opts.Addr, "db", opts.DB)
	return NewRedisStore(client, opts.KeyPrefix), nil
}

func (s *RedisStore) recordKey(id string) string  { return s.prefix + "record:" + id }
func (s *RedisStore) sourcesKey(id string) string { return s.prefix + "sources:" + id }
func (s *RedisStore) derivedKey(id string) string { return s.prefix + "derived:" + id }
func (s *RedisStore) recordsKey() string          { return s.prefix + "records" }
func (s *RedisStore) relKey(row string) string    { return s.prefix + "rel:" + row }
func (s *RedisStore) linkKey(link string) string  { return s.prefix + "link:" + link }
func (s *RedisStore) linksKey(id string) string   { return s.prefix + "links:" + id }

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func formatMicros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// Create implements the Store interface.
func (s *RedisStore) Create(ctx context.Context, record *ltm.MemoryRecord) error {
	key := s.recordKey(record.ID)

	fields := map[string]interface{}{
		"content":          record.Content,
		"category":         string(record.Category),
		"legacy_category":  string(record.LegacyCategory),
		"created_at":       formatMicros(record.CreatedAt),
		"last_accessed":    formatMicros(record.LastAccessed),
		"access_count":     strconv.FormatInt(record.AccessCount, 10),
		"base_importance":  strconv.Itoa(record.BaseImportance),
		"importance_decay": formatFloat(record.ImportanceDecay),
		"decay_lambda":     formatFloat(record.DecayLambda),
		"reflection_count": strconv.Itoa(record.ReflectionCount),
		"last_reflection":  "",
	}
	if record.LastReflection != nil {
		fields["last_reflection"] = formatMicros(*record.LastReflection)
	}

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", errors.ErrRecordExists, record.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if record.SourceMemories.Len() > 0 {
				pipe.SAdd(ctx, s.sourcesKey(record.ID), toMembers(record.SourceMemories.Sorted())...)
			}
			if record.DerivedMemories.Len() > 0 {
				pipe.SAdd(ctx, s.derivedKey(record.ID), toMembers(record.DerivedMemories.Sorted())...)
			}
			pipe.ZAdd(ctx, s.recordsKey(), goredis.Z{Score: float64(record.CreatedAt.UnixMicro()), Member: record.ID})
			return nil
		})
		return err
	}, key)

	if errors.Is(err, goredis.TxFailedErr) {
		return fmt.Errorf("%w: %s", errors.ErrRecordExists, record.ID)
	}
	if err != nil && !errors.Is(err, errors.ErrRecordExists) {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return err
}

func toMembers(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Get implements the Store interface.
func (s *RedisStore) Get(ctx context.Context, id string) (*ltm.MemoryRecord, error) {
	pipe := s.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, s.recordKey(id))
	sourcesCmd := pipe.SMembers(ctx, s.sourcesKey(id))
	derivedCmd := pipe.SMembers(ctx, s.derivedKey(id))
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}
	r, err := decodeRecord(id, fields)
	if err != nil {
		return nil, err
	}
	r.SourceMemories = ltm.NewIDSet(sourcesCmd.Val()...)
	r.DerivedMemories = ltm.NewIDSet(derivedCmd.Val()...)
	return r, nil
}

// fieldReader collects the first conversion error while decoding a hash.
type fieldReader struct {
	fields map[string]string
	err    error
}

func (f *fieldReader) int64(name string) int64 {
	v, err := strconv.ParseInt(f.fields[name], 10, 64)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("field %s: %w", name, err)
	}
	return v
}

func (f *fieldReader) float(name string) float64 {
	v, err := strconv.ParseFloat(f.fields[name], 64)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("field %s: %w", name, err)
	}
	return v
}

func (f *fieldReader) time(name string) time.Time {
	return time.UnixMicro(f.int64(name)).UTC()
}

func decodeRecord(id string, fields map[string]string) (*ltm.MemoryRecord, error) {
	f := &fieldReader{fields: fields}
	r := &ltm.MemoryRecord{
		ID:              id,
		Content:         fields["content"],
		Category:        ltm.Category(fields["category"]),
		LegacyCategory:  ltm.Category(fields["legacy_category"]),
		CreatedAt:       f.time("created_at"),
		LastAccessed:    f.time("last_accessed"),
		AccessCount:     f.int64("access_count"),
		BaseImportance:  int(f.int64("base_importance")),
		ImportanceDecay: f.float("importance_decay"),
		DecayLambda:     f.float("decay_lambda"),
		ReflectionCount: int(f.int64("reflection_count")),
	}
	if fields["last_reflection"] != "" {
		t := f.time("last_reflection")
		r.LastReflection = &t
	}
	if f.err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, f.err)
	}
	return r, nil
}

// List implements the Store interface.
func (s *RedisStore) List(ctx context.Context, query ltm.Query) ([]ltm.MemoryRecord, error) {
	ids, err := s.client.ZRange(ctx, s.recordsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	records := []ltm.MemoryRecord{}
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if query.Category != "" && r.Category != query.Category {
			continue
		}
		records = append(records, *r)
		if query.Limit > 0 && len(records) == query.Limit {
			break
		}
	}
	return records, nil
}

func unknownRecordError(err error) error {
	msg := err.Error()
	if strings.HasPrefix(msg, unknownReply) {
		return fmt.Errorf("%w: %s", errors.ErrUnknownRecord, strings.TrimPrefix(msg, unknownReply))
	}
	return nil
}

// RecordAccess implements the Store interface.
func (s *RedisStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	err := accessScript.Run(ctx, s.client, []string{s.recordKey(id)}, formatMicros(at), id).Err()
	if err != nil {
		if unknown := unknownRecordError(err); unknown != nil {
			return unknown
		}
		return fmt.Errorf("failed to record access: %w", err)
	}
	return nil
}

// RecordReflection implements the Store interface.
func (s *RedisStore) RecordReflection(ctx context.Context, id string, update ltm.ReflectionUpdate) error {
	decay, factor := "", ""
	if update.ImportanceDecay != nil {
		decay = formatFloat(*update.ImportanceDecay)
	}
	if update.ImportanceDecayFactor != nil {
		factor = formatFloat(*update.ImportanceDecayFactor)
	}
	err := reflectionScript.Run(ctx, s.client, []string{s.recordKey(id)},
		formatMicros(update.At), decay, id, factor).Err()
	if err != nil {
		if unknown := unknownRecordError(err); unknown != nil {
			return unknown
		}
		return fmt.Errorf("failed to record reflection: %w", err)
	}
	return nil
}

// Link implements the Store interface.
func (s *RedisStore) Link(ctx context.Context, req ltm.LinkRequest, at time.Time) (string, error) {
	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return "", fmt.Errorf("%w: metadata: %v", errors.ErrInvalidInput, err)
	}

	linkID := uuid.New().String()
	args := []interface{}{
		s.prefix, linkID, req.DerivedID, string(req.Type),
		formatFloat(req.Confidence), string(metadata), formatMicros(at), len(req.SourceIDs),
	}
	for _, id := range req.SourceIDs {
		args = append(args, id)
	}
	for range req.SourceIDs {
		args = append(args, uuid.New().String())
	}

	if err := linkScript.Run(ctx, s.client, nil, args...).Err(); err != nil {
		if unknown := unknownRecordError(err); unknown != nil {
			return "", unknown
		}
		return "", errors.Wrap(errors.ErrRelationshipWriteFailed, "failed to write link: %v", err)
	}

	log.DebugContext(ctx, "Linked memory records in Redis", "link_id", linkID, "derived_id", req.DerivedID)
	return linkID, nil
}

// RelationshipsFor implements the Store interface.
func (s *RedisStore) RelationshipsFor(ctx context.Context, id string) ([]ltm.RelationshipDetail, error) {
	n, err := s.client.Exists(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check record: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRecord, id)
	}

	links, err := s.client.SMembers(ctx, s.linksKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load links: %w", err)
	}

	var rows []ltm.RelationshipRow
	for _, link := range links {
		rowIDs, err := s.client.SMembers(ctx, s.linkKey(link)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load link %s: %w", link, err)
		}
		for _, rowID := range rowIDs {
			fields, err := s.client.HGetAll(ctx, s.relKey(rowID)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to load relationship %s: %w", rowID, err)
			}
			row, err := decodeRelationship(rowID, fields)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	// Relinked pairs leave link ids behind in links:{id}; grouping drops
	// any link that no longer involves the record.
	return ltm.GroupRelationships(rows, id), nil
}

func decodeRelationship(rowID string, fields map[string]string) (ltm.RelationshipRow, error) {
	f := &fieldReader{fields: fields}
	row := ltm.RelationshipRow{
		ID:         rowID,
		LinkID:     fields["link_id"],
		SourceID:   fields["source"],
		DerivedID:  fields["derived"],
		Type:       ltm.RelationshipType(fields["type"]),
		Confidence: f.float("confidence"),
		CreatedAt:  f.time("created_at"),
	}
	if f.err == nil {
		f.err = json.Unmarshal([]byte(fields["metadata"]), &row.Metadata)
	}
	if f.err != nil {
		return row, fmt.Errorf("failed to decode relationship %s: %w", rowID, f.err)
	}
	return row, nil
}

// Close implements the Store interface.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
