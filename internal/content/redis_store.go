package content

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "hub"
	fieldMeta        = "meta"
	fieldMaster      = "master"
	fieldTail        = "tail"
	fieldCreatedAt   = "created_at"
	fieldUpdatedAt   = "updated_at"
	maxWatchAttempts = 16
)

var errMissingClient = errors.New("content: redis client and blob backend are required")

// RedisFactoryConfig describes the dependencies of the redis backend.
type RedisFactoryConfig struct {
	Client    redis.UniversalClient
	Blobs     BlobBackend
	KeyPrefix string
	Locker    *Locker
	Logger    *zap.Logger
	Clock     func() time.Time
}

// RedisFactory creates Store handles that keep one key space per owner.
// Blob payloads live in the shared BlobBackend.
type RedisFactory struct {
	client redis.UniversalClient
	blobs  BlobBackend
	prefix string
	locker *Locker
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisFactory constructs the redis backend.
func NewRedisFactory(cfg RedisFactoryConfig) (*RedisFactory, error) {
	if cfg.Client == nil || cfg.Blobs == nil {
		return nil, apperr.Internal("content.redis.new", "missing_dependency", errMissingClient)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	locker := cfg.Locker
	if locker == nil {
		locker = NewLocker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RedisFactory{client: cfg.Client, blobs: cfg.Blobs, prefix: prefix, locker: locker, logger: logger, now: clock}, nil
}

// ForOwner returns the handle for owner's scope.
func (f *RedisFactory) ForOwner(owner string) Store {
	return &redisStore{factory: f, scope: owner}
}

// redisReader is the read surface shared by the client and a WATCH transaction.
type redisReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
}

type redisStore struct {
	factory *RedisFactory
	scope   string
}

// Scope and document ids are query-escaped so they never contain ':' and the
// key layout stays unambiguous. The braces keep one owner's keys in a single
// cluster slot, which WATCH/MULTI requires.
func (s *redisStore) scopeKey() string {
	return s.factory.prefix + ":{" + url.QueryEscape(s.scope) + "}"
}

func (s *redisStore) documentsKey() string {
	return s.scopeKey() + ":documents"
}

func (s *redisStore) documentKey(id string) string {
	return s.scopeKey() + ":doc:" + url.QueryEscape(id)
}

func (s *redisStore) commitsKey(id string) string {
	return s.documentKey(id) + ":commits"
}

func (s *redisStore) Scope() string {
	return s.scope
}

func (s *redisStore) Exists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, s.factory.client, id)
}

func (s *redisStore) exists(ctx context.Context, reader redisReader, id string) (bool, error) {
	member, err := reader.SIsMember(ctx, s.documentsKey(), id).Result()
	if err != nil {
		return false, s.internal(opGet, "query_failed", err, id)
	}
	return member, nil
}

func (s *redisStore) Create(ctx context.Context, id string, meta map[string]any) (Info, error) {
	if id == "" {
		return Info{}, apperr.WrongValue(opCreate, "missing_document", nil)
	}
	release := s.factory.locker.Lock(s.scope, id)
	defer release()

	encoded, err := encodeMeta(meta)
	if err != nil {
		return Info{}, apperr.WrongValue(opCreate, "invalid_meta", err)
	}
	err = s.watch(ctx, opCreate, id, func(tx *redis.Tx) error {
		exists, err := s.exists(ctx, tx, id)
		if err != nil {
			return err
		}
		if exists {
			return apperr.Conflict(opCreate, "document_exists", nil)
		}
		stamp := s.factory.now().UTC().Format(time.RFC3339Nano)
		return s.commit(ctx, tx, opCreate, "insert_failed", id, func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, s.documentKey(id),
				fieldMeta, string(encoded),
				fieldMaster, "",
				fieldTail, "",
				fieldCreatedAt, stamp,
				fieldUpdatedAt, stamp,
			)
			pipe.SAdd(ctx, s.documentsKey(), id)
		})
	})
	if err != nil {
		return Info{}, err
	}
	return s.GetInfo(ctx, id)
}

func (s *redisStore) Get(ctx context.Context, id string) (Document, error) {
	info, err := s.GetInfo(ctx, id)
	if err != nil {
		return Document{}, err
	}
	chain, err := s.loadChain(ctx, s.factory.client, id)
	if err != nil {
		return Document{}, err
	}
	commits, err := walkChain(chain, info.Refs.Master, "", info.Refs.Tail)
	if err != nil {
		return Document{}, err
	}
	return Document{Info: info, Commits: commits}, nil
}

func (s *redisStore) GetInfo(ctx context.Context, id string) (Info, error) {
	return s.info(ctx, s.factory.client, id)
}

func (s *redisStore) info(ctx context.Context, reader redisReader, id string) (Info, error) {
	fields, err := reader.HGetAll(ctx, s.documentKey(id)).Result()
	if err != nil {
		return Info{}, s.internal(opGet, "query_failed", err, id)
	}
	if len(fields) == 0 {
		return Info{}, apperr.NotFound(opGet, "missing_document", nil)
	}
	meta, err := decodeMeta([]byte(fields[fieldMeta]))
	if err != nil {
		return Info{}, s.internal(opGet, "decode_meta_failed", err, id)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, fields[fieldCreatedAt])
	updatedAt, _ := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt])
	return Info{
		ID:        id,
		Creator:   s.scope,
		Meta:      meta,
		Refs:      Refs{Master: fields[fieldMaster], Tail: fields[fieldTail]},
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *redisStore) List(ctx context.Context) ([]Info, error) {
	ids, err := s.factory.client.SMembers(ctx, s.documentsKey()).Result()
	if err != nil {
		return nil, s.internal(opList, "query_failed", err, "")
	}
	sort.Strings(ids)
	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		info, err := s.GetInfo(ctx, id)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *redisStore) Update(ctx context.Context, id string, commits []Commit, meta map[string]any, refs *Refs) error {
	release := s.factory.locker.Lock(s.scope, id)
	defer release()

	var encodedMeta []byte
	if meta != nil {
		encoded, err := encodeMeta(meta)
		if err != nil {
			return apperr.WrongValue(opUpdate, "invalid_meta", err)
		}
		encodedMeta = encoded
	}

	return s.watch(ctx, opUpdate, id, func(tx *redis.Tx) error {
		if _, err := s.info(ctx, tx, id); err != nil {
			return err
		}
		chain, err := s.loadChain(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.factory.now().UTC()
		pending, err := prepareBatch(chain, commits, now)
		if err != nil {
			return err
		}
		if refs != nil {
			if err := checkRef(opUpdate, "master", refs.Master, chain, pending); err != nil {
				return err
			}
		}
		encodedCommits := make([]any, 0, 2*len(pending))
		for _, commit := range pending {
			encoded, err := json.Marshal(commit)
			if err != nil {
				return apperr.WrongValue(opUpdate, "invalid_commit", err)
			}
			encodedCommits = append(encodedCommits, commit.Sha, string(encoded))
		}
		fields := []any{fieldUpdatedAt, now.Format(time.RFC3339Nano)}
		if encodedMeta != nil {
			fields = append(fields, fieldMeta, string(encodedMeta))
		}
		if refs != nil && refs.Master != "" {
			fields = append(fields, fieldMaster, refs.Master)
		}
		return s.commit(ctx, tx, opUpdate, "update_failed", id, func(pipe redis.Pipeliner) {
			if len(encodedCommits) > 0 {
				pipe.HSet(ctx, s.commitsKey(id), encodedCommits...)
			}
			pipe.HSet(ctx, s.documentKey(id), fields...)
		})
	})
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	release := s.factory.locker.Lock(s.scope, id)
	defer release()

	err := s.watch(ctx, opDelete, id, func(tx *redis.Tx) error {
		exists, err := s.exists(ctx, tx, id)
		if err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound(opDelete, "missing_document", nil)
		}
		return s.commit(ctx, tx, opDelete, "delete_failed", id, func(pipe redis.Pipeliner) {
			pipe.Del(ctx, s.documentKey(id), s.commitsKey(id))
			pipe.SRem(ctx, s.documentsKey(), id)
		})
	})
	if err != nil {
		return err
	}
	return s.factory.blobs.DeleteAll(ctx, id)
}

func (s *redisStore) Commits(ctx context.Context, id, last, since string) ([]Commit, error) {
	info, err := s.GetInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	chain, err := s.loadChain(ctx, s.factory.client, id)
	if err != nil {
		return nil, err
	}
	if last == "" {
		last = info.Refs.Master
	}
	return walkChain(chain, last, since, info.Refs.Tail)
}

func (s *redisStore) GetRefs(ctx context.Context, id string) (Refs, error) {
	info, err := s.GetInfo(ctx, id)
	if err != nil {
		return Refs{}, err
	}
	return info.Refs, nil
}

func (s *redisStore) SetRefs(ctx context.Context, id string, refs Refs) error {
	release := s.factory.locker.Lock(s.scope, id)
	defer release()

	return s.watch(ctx, opSetRefs, id, func(tx *redis.Tx) error {
		if _, err := s.info(ctx, tx, id); err != nil {
			return err
		}
		chain, err := s.loadChain(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkRef(opSetRefs, "master", refs.Master, chain, nil); err != nil {
			return err
		}
		if err := checkRef(opSetRefs, "tail", refs.Tail, chain, nil); err != nil {
			return err
		}
		return s.commit(ctx, tx, opSetRefs, "update_failed", id, func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, s.documentKey(id),
				fieldMaster, refs.Master,
				fieldTail, refs.Tail,
				fieldUpdatedAt, s.factory.now().UTC().Format(time.RFC3339Nano),
			)
		})
	})
}

func (s *redisStore) CreateBlob(ctx context.Context, id, blobID string, data []byte) error {
	if err := s.requireDocument(ctx, id); err != nil {
		return err
	}
	release := s.factory.locker.Lock(s.scope, id)
	defer release()
	return s.factory.blobs.Create(ctx, id, blobID, data)
}

func (s *redisStore) GetBlob(ctx context.Context, id, blobID string) ([]byte, error) {
	if err := s.requireDocument(ctx, id); err != nil {
		return nil, err
	}
	return s.factory.blobs.Get(ctx, id, blobID)
}

func (s *redisStore) DeleteBlob(ctx context.Context, id, blobID string) error {
	if err := s.requireDocument(ctx, id); err != nil {
		return err
	}
	release := s.factory.locker.Lock(s.scope, id)
	defer release()
	return s.factory.blobs.Delete(ctx, id, blobID)
}

func (s *redisStore) ListBlobs(ctx context.Context, id string) ([]string, error) {
	if err := s.requireDocument(ctx, id); err != nil {
		return nil, err
	}
	return s.factory.blobs.List(ctx, id)
}

func (s *redisStore) BlobExists(ctx context.Context, id, blobID string) (bool, error) {
	if err := s.requireDocument(ctx, id); err != nil {
		return false, err
	}
	return s.factory.blobs.Exists(ctx, id, blobID)
}

func (s *redisStore) requireDocument(ctx context.Context, id string) error {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound(opBlob, "missing_document", nil)
	}
	return nil
}

// watch runs fn as an optimistic transaction over the document's keys and
// replays it when another writer touched them before EXEC. The in-process
// Locker only orders callers of one instance; WATCH orders instances sharing
// the redis server.
func (s *redisStore) watch(ctx context.Context, operation, id string, fn func(tx *redis.Tx) error) error {
	keys := []string{s.documentsKey(), s.documentKey(id), s.commitsKey(id)}
	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := s.factory.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.factory.logger.Debug("content transaction retried",
			zap.String("operation", operation),
			zap.String("scope", s.scope),
			zap.String("document_id", id),
			zap.Int("attempt", attempt+1),
		)
	}
	return apperr.Conflict(operation, "concurrent_update", redis.TxFailedErr)
}

// commit queues writes in MULTI/EXEC. A failed EXEC is returned unwrapped so
// watch can replay the transaction.
func (s *redisStore) commit(ctx context.Context, tx *redis.Tx, operation, reason, id string, queue func(pipe redis.Pipeliner)) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queue(pipe)
		return nil
	})
	if err == nil || errors.Is(err, redis.TxFailedErr) {
		return err
	}
	return s.internal(operation, reason, err, id)
}

func (s *redisStore) loadChain(ctx context.Context, reader redisReader, id string) (map[string]Commit, error) {
	raw, err := reader.HGetAll(ctx, s.commitsKey(id)).Result()
	if err != nil {
		return nil, s.internal(opCommits, "query_failed", err, id)
	}
	chain := make(map[string]Commit, len(raw))
	for sha, encoded := range raw {
		var commit Commit
		if err := json.Unmarshal([]byte(encoded), &commit); err != nil {
			return nil, s.internal(opCommits, "decode_failed", err, id)
		}
		chain[sha] = commit
	}
	return chain, nil
}

func (s *redisStore) internal(operation, reason string, err error, id string) error {
	s.factory.logger.Error("content store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("scope", s.scope),
		zap.String("document_id", id),
		zap.Error(err),
	)
	return apperr.Internal(operation, reason, err)
}
