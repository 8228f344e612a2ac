package callstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dense-identity/relaycall/internal/calling"
)

const defaultPrefix = "relaycall:call:v1"

type Options struct {
	Enabled  bool
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Store keeps call snapshots in Redis so other processes can see which
// calls are live. A nil *Store is a valid, disabled store.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis. It returns a nil store when opts.Enabled is false.
func New(ctx context.Context, opts Options) (*Store, error) {
	if !opts.Enabled {
		return nil, nil
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required when the call store is enabled")
	}

	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newStore(c, opts.Prefix, opts.TTL), nil
}

func newStore(c *redis.Client, prefix string, ttl time.Duration) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: c, prefix: prefix, ttl: ttl}
}

func (s *Store) Close() {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.Close()
}

func (s *Store) key(callID string) string {
	return s.prefix + ":" + strings.TrimSpace(callID)
}

// Put stores snap under its call id, or its tag while no id is assigned.
func (s *Store) Put(ctx context.Context, snap calling.Snapshot) error {
	if s == nil || s.client == nil {
		return nil
	}
	id := snap.CallID
	if id == "" {
		id = snap.TemporaryID
	}
	if id == "" {
		return errors.New("snapshot has neither call id nor tag")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.client.Set(ctx, s.key(id), data, s.ttl).Err()
}

func (s *Store) Get(ctx context.Context, callID string) (calling.Snapshot, bool, error) {
	if s == nil || s.client == nil {
		return calling.Snapshot{}, false, nil
	}
	b, err := s.client.Get(ctx, s.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return calling.Snapshot{}, false, nil
	}
	if err != nil {
		return calling.Snapshot{}, false, err
	}
	var snap calling.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return calling.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", callID, err)
	}
	return snap, true, nil
}

// Delete removes the snapshot; deleting an absent call is not an error.
func (s *Store) Delete(ctx context.Context, callID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Del(ctx, s.key(callID)).Err()
}

// List returns every stored snapshot.
func (s *Store) List(ctx context.Context) ([]calling.Snapshot, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	var (
		cursor uint64
		out    []calling.Snapshot
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan snapshots: %w", err)
		}
		if len(keys) > 0 {
			vals, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("load snapshots: %w", err)
			}
			for _, v := range vals {
				str, ok := v.(string)
				if !ok {
					continue
				}
				var snap calling.Snapshot
				if err := json.Unmarshal([]byte(str), &snap); err != nil {
					continue
				}
				out = append(out, snap)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Clear drops every snapshot under the prefix.
func (s *Store) Clear(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
