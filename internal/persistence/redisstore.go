package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/clawmesh/internal/backend"
	"github.com/basket/clawmesh/internal/session"
)

const redisUpdateAttempts = 10

// RedisStore keeps each session as a JSON string under prefix+"session:"+id
// and indexes ids in a sorted set scored by creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ session.Store = (*RedisStore)(nil)

// OpenRedis connects and pings. prefix namespaces every key.
func OpenRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

type redisRecord struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Prompt    string            `json:"prompt"`
	Extra     map[string]string `json:"extra,omitempty"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	JobRef    backend.JobRef    `json:"job_ref"`
	TTLNanos  int64             `json:"ttl_ns"`
	Error     string            `json:"error,omitempty"`
	LastLogs  []string          `json:"last_logs,omitempty"`
}

func toRecord(s session.Session) redisRecord {
	return redisRecord{
		ID: s.ID, Name: s.Name, Prompt: s.Prompt, Extra: s.Extra,
		Status: string(s.Status), CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
		JobRef: s.JobRef, TTLNanos: int64(s.TTL), Error: s.Error, LastLogs: s.LastLogs,
	}
}

func (r redisRecord) session() session.Session {
	return session.Session{
		ID: r.ID, Name: r.Name, Prompt: r.Prompt, Extra: r.Extra,
		Status: session.Status(r.Status), CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		JobRef: r.JobRef, TTL: time.Duration(r.TTLNanos), Error: r.Error, LastLogs: r.LastLogs,
	}
}

func (r *RedisStore) key(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) index() string        { return r.prefix + "sessions" }

func decodeRecord(raw []byte) (session.Session, error) {
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return session.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return rec.session(), nil
}

func (r *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, s session.Session) error {
	raw, err := json.Marshal(toRecord(s))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	pipe.Set(ctx, r.key(s.ID), raw, 0)
	pipe.ZAdd(ctx, r.index(), redis.Z{Score: float64(s.CreatedAt.UnixNano()), Member: s.ID})
	return nil
}

func (r *RedisStore) Put(ctx context.Context, s session.Session) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return r.write(ctx, pipe, s)
	})
	if err != nil {
		return fmt.Errorf("put session %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (session.Session, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, session.NotFound(id)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return decodeRecord(raw)
}

func (r *RedisStore) List(ctx context.Context) ([]session.Session, error) {
	ids, err := r.client.ZRevRange(ctx, r.index(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]session.Session, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry outlived its record.
			continue
		}
		s, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	session.SortNewestFirst(out)
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.key(id))
		pipe.ZRem(ctx, r.index(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if del.Val() == 0 {
		return session.NotFound(id)
	}
	return nil
}

// Update uses optimistic locking: WATCH the key, apply fn, and commit in
// MULTI/EXEC. A concurrent write aborts the transaction and it is retried.
func (r *RedisStore) Update(ctx context.Context, id string, fn func(*session.Session) bool) (session.Session, bool, error) {
	key := r.key(id)
	var (
		result  session.Session
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return session.NotFound(id)
		}
		if err != nil {
			return err
		}
		cur, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if !fn(&next) {
			result, changed = cur, false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.write(ctx, pipe, next)
		})
		if err != nil {
			return err
		}
		result, changed = next, true
		return nil
	}

	for attempt := 0; attempt < redisUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return session.Session{}, false, err
		}
		return result, changed, nil
	}
	return session.Session{}, false, fmt.Errorf("update session %s: too much contention", id)
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
